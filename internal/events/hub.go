// Package events carries orchestrator progress to whoever is watching a run.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Type names a stage of a generation run.
type Type string

const (
	Launch    Type = "launch"
	Handshake Type = "handshake"
	Negotiate Type = "negotiate"
	Plan      Type = "plan"
	Generate  Type = "generate"
	Shutdown  Type = "shutdown"
	Merge     Type = "merge"
	Done      Type = "done"
)

type Event struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"run_id,omitempty"`
	Type     Type      `json:"type"`
	Provider string    `json:"provider,omitempty"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
	Data     []byte    `json:"data,omitempty"` // JSON payload
}

// Failed reports whether the event records an error.
func (e Event) Failed() bool { return e.Err != "" }

// Hub is an in-memory pub/sub with a small ring buffer for late subscribers.
// A nil *Hub is valid and drops everything.
type Hub struct {
	nextID atomic.Int64
	runID  string

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// SetRun stamps subsequent events with runID.
func (h *Hub) SetRun(runID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.runID = runID
	h.mu.Unlock()
}

// Publish records a successful step. data is marshalled to JSON.
func (h *Hub) Publish(typ Type, provider string, data any) {
	h.publish(typ, provider, nil, data)
}

// Fail records a failed step.
func (h *Hub) Fail(typ Type, provider string, err error) {
	h.publish(typ, provider, err, nil)
}

func (h *Hub) publish(typ Type, provider string, err error, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	var payload []byte
	if data != nil {
		if b, mErr := json.Marshal(data); mErr == nil {
			payload = b
		}
	}

	ev := Event{
		ID:       id,
		Type:     typ,
		Provider: provider,
		At:       time.Now().UTC(),
		Data:     payload,
	}
	if err != nil {
		ev.Err = err.Error()
	}

	h.mu.Lock()
	ev.RunID = h.runID
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow subscribers block the run.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
