// Package notify fans task events out to live subscribers.
//
// Delivery is best-effort. Publish never blocks: a subscriber whose buffer
// is full misses that event, and an event for a task nobody watches is
// dropped. The state store stays the source of truth; subscribers that miss
// events read the current record instead.
package notify

import (
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/ocrd/internal/domain"
	"github.com/tutu-network/ocrd/internal/infra/metrics"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 32

// Event is one state change pushed to subscribers.
type Event struct {
	TaskID          string            `json:"taskId"`
	Progress        int               `json:"progress"`
	Status          domain.TaskStatus `json:"status,omitempty"`
	ResultDirectory string            `json:"resultDirectory,omitempty"`
	OutputFiles     []string          `json:"outputFiles,omitempty"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
}

// Terminal reports whether the event carries a final status.
func (e Event) Terminal() bool { return e.Status.IsTerminal() }

// kind labels the event for metrics.
func (e Event) kind() string {
	switch e.Status {
	case domain.TaskFinished, domain.TaskFailed:
		return "terminal"
	case domain.TaskRunning:
		return "status"
	default:
		return "progress"
	}
}

// EventFromTask builds the event describing a task snapshot.
func EventFromTask(t domain.Task) Event {
	ev := Event{
		TaskID:          t.ID,
		Progress:        t.Progress,
		Status:          t.Status,
		ResultDirectory: t.ResultDirectory,
	}
	switch t.Status {
	case domain.TaskFinished:
		ev.OutputFiles = slices.Clone(t.OutputFiles)
	case domain.TaskFailed:
		ev.ErrorMessage = t.ErrorMessage
	}
	return ev
}

// ─── Hub ────────────────────────────────────────────────────────────────────

// Hub keeps zero or more subscriptions per task id.
type Hub struct {
	buffer int
	log    *log.Entry

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		log:    log.WithField("component", "notify"),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new subscriber to taskID.
func (h *Hub) Subscribe(taskID string) *Subscription {
	s := &Subscription{
		TaskID: taskID,
		ch:     make(chan Event, h.buffer),
		hub:    h,
	}

	h.mu.Lock()
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[taskID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	return s
}

// Publish delivers ev to every subscriber of taskID without blocking.
func (h *Hub) Publish(taskID string, ev Event) {
	metrics.EventsPublished.WithLabelValues(ev.kind()).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[taskID]
	if len(set) == 0 {
		metrics.EventsDropped.WithLabelValues("no_subscriber").Inc()
		return
	}
	for s := range set {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues("full").Inc()
			h.log.WithField("task-id", shortID(taskID)).Debugf("Subscriber buffer full, dropped %s event", ev.kind())
		}
	}
}

// Unsubscribe closes and removes every subscriber of taskID.
func (h *Hub) Unsubscribe(taskID string) {
	h.mu.Lock()
	set := h.subs[taskID]
	delete(h.subs, taskID)
	for s := range set {
		s.closeLocked()
	}
	h.mu.Unlock()
}

// Subscribers returns the number of live subscribers for taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.TaskID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.TaskID)
		}
	}
	s.closeLocked()
}

// ─── Subscription ───────────────────────────────────────────────────────────

// Subscription is one consumer's view of a task's events. The channel is
// closed after Close or once the task's subscribers are released.
type Subscription struct {
	TaskID string

	ch     chan Event
	hub    *Hub
	closed bool // guarded by hub.mu
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() { s.hub.remove(s) }

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	metrics.Subscribers.Dec()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
