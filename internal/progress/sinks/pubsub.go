package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/progress"
)

// Publisher sends one payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PubSubSink forwards terminal outcomes so downstream ingestion can pick up
// completed listings and book pages.
type PubSubSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPubSubSink constructs a sink publishing to topic.
func NewPubSubSink(publisher Publisher, topic string, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes every terminal event in batch and joins the failures.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.ItemID, err))
			continue
		}
		s.logger.Debug("outcome published", zap.String("item_id", evt.ItemID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
