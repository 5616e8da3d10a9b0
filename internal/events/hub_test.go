package events

import (
	"fmt"
	"testing"
)

func TestHubRetainsMostRecentEvents(t *testing.T) {
	h := NewHub(3)
	for i := 1; i <= 5; i++ {
		h.Publish(TypeTaskOutcome, map[string]any{"n": i})
	}

	snap := h.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() returned %d events, want 3", len(snap))
	}
	// Oldest-first, and only the newest three survive.
	for i, ev := range snap {
		if want := int64(i + 3); ev.ID != want {
			t.Fatalf("Snapshot()[%d].ID = %d, want %d", i, ev.ID, want)
		}
	}
}

func TestHubFansOutToSubscribers(t *testing.T) {
	h := NewHub(8)

	sub, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeTaskAdmitted, map[string]any{"task_id": "task-1"})

	ev := <-sub
	if ev.Type != TypeTaskAdmitted {
		t.Fatalf("received type = %q, want %q", ev.Type, TypeTaskAdmitted)
	}
	if string(ev.Data) != `{"task_id":"task-1"}` {
		t.Fatalf("received data = %s", ev.Data)
	}
}

func TestHubNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := NewHub(2)

	// Nobody drains this subscriber; publishing past its buffer must not hang.
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		h.Publish(TypeHeartbeat, nil)
	}
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub(4)

	sub, cancel := h.Subscribe()
	cancel()
	cancel()

	if _, ok := <-sub; ok {
		t.Fatal("subscriber channel still open after cancel")
	}

	// Publishing after unsubscribe reaches nobody but still retains the event.
	h.Publish(TypeRunFinished, nil)
	if got := len(h.Snapshot()); got != 1 {
		t.Fatalf("Snapshot() returned %d events, want 1", got)
	}
}

func TestHubSnapshotIsACopy(t *testing.T) {
	h := NewHub(4)
	h.Publish(TypeRunStarted, nil)

	snap := h.Snapshot()
	snap[0].Type = "mutated"

	if got := h.Snapshot()[0].Type; got != TypeRunStarted {
		t.Fatalf("retained event type = %q, want %q", got, TypeRunStarted)
	}
}

func TestHubEventIDsAreMonotonic(t *testing.T) {
	h := NewHub(16)
	for i := 0; i < 4; i++ {
		h.Publish(TypeTaskOutcome, fmt.Sprintf("payload-%d", i))
	}

	snap := h.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].ID <= snap[i-1].ID {
			t.Fatalf("event ids not increasing: %d then %d", snap[i-1].ID, snap[i].ID)
		}
	}
}
