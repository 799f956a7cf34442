package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	defer cleanup()

	dispatcher.PublishRecordChange("owner-1", "entry", 42)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventRecordChange {
			t.Fatalf("expected event type %s, got %s", RealtimeEventRecordChange, received.EventType)
		}
		if received.Kind != "entry" || received.ChangeSeq != 42 {
			t.Fatalf("unexpected message %+v", received)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be stamped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByOwner(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ownerStream, cleanup := dispatcher.Subscribe(ctx, "owner-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "owner-3")
	defer otherCleanup()

	dispatcher.PublishDeactivation("owner-3", "fraud")

	select {
	case <-ownerStream:
		t.Fatal("did not expect realtime message for unrelated owner")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.OwnerID != "owner-3" || msg.EventType != RealtimeEventOwnerDeactivated || msg.Reason != "fraud" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed owner")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	if dispatcher.subscriberCount("owner-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cleanup()
	cancel()
	if dispatcher.subscriberCount("owner-1") != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
}
