// Package events carries the in-process feed of batch-run observations. The
// dispatcher publishes task transitions, the monitor counts them, and the
// status endpoint serves the retained tail to late readers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published during a batch run.
const (
	TypeRunStarted   = "run.started"
	TypeRunFinished  = "run.finished"
	TypeTaskAdmitted = "task.admitted"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskOutcome  = "task.outcome"
	TypeHeartbeat    = "monitor.heartbeat"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub fans events out to subscribers and retains the most recent ones so a
// reader arriving mid-run still sees the tail. Publishing never blocks on a
// slow subscriber.
type Hub struct {
	lastID atomic.Int64

	mu     sync.Mutex
	tail   []Event // retained events, oldest-first
	retain int
	subs   map[int]chan Event
	subSeq int
}

func NewHub(retain int) *Hub {
	if retain <= 0 {
		retain = 100
	}
	return &Hub{
		retain: retain,
		subs:   make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.lastID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.tail = append(h.tail, ev)
	if len(h.tail) > h.retain {
		// Shift rather than reslice so the backing array doesn't grow forever.
		copy(h.tail, h.tail[len(h.tail)-h.retain:])
		h.tail = h.tail[:h.retain]
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default: // slow subscriber, drop
		}
	}
}

// Subscribe registers a new subscriber channel. The returned cancel func
// unregisters and closes it; calling it twice is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.subSeq
	h.subSeq++
	ch := make(chan Event, h.retain)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Snapshot returns the retained events, oldest-first.
func (h *Hub) Snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, len(h.tail))
	copy(out, h.tail)
	return out
}
