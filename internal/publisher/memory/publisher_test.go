package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherRecordsOutcomes(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "crawl-outcomes", map[string]string{"item_id": "a"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "crawl-outcomes", "b")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 || msgs[1].ID != "memory-2" {
		t.Fatalf("expected 2 recorded messages, got %+v", msgs)
	}
	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherInjectedFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.Err = errors.New("broker down")
	if _, err := pub.Publish(context.Background(), "t", "x"); !errors.Is(err, pub.Err) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("failed publishes must not be recorded")
	}
}
