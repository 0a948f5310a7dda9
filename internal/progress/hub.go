// Package progress fans job-progress events out to any number of
// WebSocket subscribers attached to the same session.
package progress

import "sync"

// Event is one progress update pushed to /ws/:session_id subscribers.
// The stream ends when its channel closes (the job finished); there is
// no separate "done" event.
type Event struct {
	SessionID string  `json:"session_id"`
	RequestID string  `json:"request_id,omitempty"`
	UnitID    int     `json:"unit_id,omitempty"`
	Status    string  `json:"status"`
	Warning   string  `json:"warning,omitempty"`
	Error     string  `json:"error,omitempty"`
	ElapsedS  float64 `json:"elapsed_s,omitempty"`
}

type topic struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func newTopic() *topic {
	return &topic{subs: make(map[int]chan Event)}
}

// Hub multiplexes progress events for many concurrent sessions. queueSize
// bounds each subscriber's buffer so one slow WebSocket client never
// blocks the scheduler.
type Hub struct {
	queueSize int

	mu     sync.Mutex
	topics map[string]*topic
}

// NewHub constructs a Hub whose subscriber channels buffer up to
// queueSize events before the publisher starts dropping the oldest.
func NewHub(queueSize int) *Hub {
	if queueSize < 1 {
		queueSize = 32
	}
	return &Hub{queueSize: queueSize, topics: make(map[string]*topic)}
}

func (h *Hub) topicFor(sessionID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		t = newTopic()
		h.topics[sessionID] = t
	}
	return t
}

// Publish fans ev out to every current subscriber of sessionID. A
// subscriber whose buffer is full has its oldest event dropped to make
// room — progress feeds are best-effort, never a backpressure source on
// the scheduler.
func (h *Hub) Publish(sessionID string, ev Event) {
	t := h.topicFor(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe attaches a new listener to sessionID's event stream. The
// returned unsubscribe func must be called exactly once, when the caller
// is done (typically when its WebSocket connection closes).
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	t := h.topicFor(sessionID)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan Event, h.queueSize)
	t.subs[id] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Close notifies every subscriber of sessionID that the job has finished
// and drops the topic. Safe to call even if no one ever subscribed.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if ok {
		delete(h.topics, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	for _, ch := range t.subs {
		close(ch)
	}
	t.mu.Unlock()
}
