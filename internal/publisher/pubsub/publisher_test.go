package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", map[string]string{})
	require.Error(t, err)
	require.NoError(t, New(nil).Close())

	_, err = Open(context.Background(), "", "topic")
	require.Error(t, err)
}

func TestCarrierPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))

	attrs := carrier{}
	propagation.TraceContext{}.Inject(ctx, attrs)
	require.Contains(t, attrs.Keys(), "traceparent")
	require.Contains(t, attrs.Get("traceparent"), "0102030405060708090a0b0c0d0e0f10")

	extracted := propagation.TraceContext{}.Extract(context.Background(), attrs)
	require.Equal(t, traceID, trace.SpanContextFromContext(extracted).TraceID())
}
