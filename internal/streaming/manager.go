package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
)

// Event types
const (
	EventState    = "state"
	EventSource   = "source"
	EventStrategy = "strategy_attempt"
	EventQA       = "qa"
	EventDone     = "done"
)

// Event is one case progress notification.
type Event struct {
	CaseID    string    `json:"case_id"`
	Type      string    `json:"type"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(caseID string, evt Event)
}

// Hub provides in-memory pub/sub for case events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-case ring buffer for replay to late subscribers
	history  map[string]*ring
	capacity int
}

// NewHub creates a hub keeping up to capacity events per case.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a case; caller must drain and call Unsubscribe.
func (m *Hub) Subscribe(caseID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[caseID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[caseID] = subs
	}
	subs[ch] = struct{}{}
	metrics.EventSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Hub) Unsubscribe(caseID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[caseID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.EventSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, caseID)
		}
	}
}

// Publish sends an event to all subscribers of caseID (non-blocking).
func (m *Hub) Publish(caseID string, evt Event) {
	evt.CaseID = caseID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	rg := m.history[caseID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[caseID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// deliver under the lock so Unsubscribe cannot close a channel mid-send
	for ch := range m.subscribers[caseID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
			metrics.EventsDropped.Inc()
		}
	}
	m.mu.Unlock()
}

// ReplaySince returns events with Seq >= since (best-effort within ring capacity).
func (m *Hub) ReplaySince(caseID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[caseID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history of a case.
func (m *Hub) Forget(caseID string) {
	m.mu.Lock()
	delete(m.history, caseID)
	m.mu.Unlock()
}

// Marshal returns JSON for event payloads.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq >= seq {
			out = append(out, ev)
		}
	}
	return out
}
