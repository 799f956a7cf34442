package events

import (
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	var received []Event
	cancel := bus.Subscribe(func(event Event) {
		received = append(received, event)
	})

	bus.Publish(Event{Type: TypeLockdown, Reason: "owner-deactivated"})
	cancel()
	bus.Publish(Event{Type: TypeLockdown, Reason: "ignored"})

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Reason != "owner-deactivated" {
		t.Fatalf("unexpected reason %q", received[0].Reason)
	}
	if received[0].At.IsZero() {
		t.Fatalf("expected publish time to be stamped")
	}
}

func TestBusIgnoresUntypedEvents(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(func(Event) { calls++ })
	bus.Publish(Event{})
	if calls != 0 {
		t.Fatalf("expected untyped event to be dropped")
	}
}

func TestProgressIndicatorHidesAfterDelay(t *testing.T) {
	indicator := &ProgressIndicator{}
	start := time.Unix(1700000000, 0).UTC()

	if _, visible := indicator.Snapshot(start); visible {
		t.Fatalf("indicator should be hidden before any progress")
	}

	indicator.Observe(Event{Type: TypeSyncProgress, At: start, Progress: &Progress{Current: 1, Total: 4, Phase: PhaseBooks}})
	progress, visible := indicator.Snapshot(start.Add(time.Hour))
	if !visible || progress.Current != 1 {
		t.Fatalf("in-flight progress should stay visible, got %+v visible=%v", progress, visible)
	}

	completedAt := start.Add(time.Second)
	indicator.Observe(Event{Type: TypeSyncProgress, At: completedAt, Progress: &Progress{Current: 4, Total: 4, Phase: PhaseComplete, IsComplete: true}})
	if _, visible := indicator.Snapshot(completedAt.Add(2 * time.Second)); !visible {
		t.Fatalf("expected indicator visible before hide delay")
	}
	if _, visible := indicator.Snapshot(completedAt.Add(ProgressHideDelay)); visible {
		t.Fatalf("expected indicator hidden after hide delay")
	}
}
