// Package broadcast fans committed task states out to live viewers as
// snapshot deltas.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
	"github.com/Yi-XIE/PBL.AI/internal/projection"
)

// DefaultBuffer is the per-subscriber delta queue length.
const DefaultBuffer = 16

// Sink receives every delta the hub produces, for every task.
type Sink interface {
	Deliver(taskID string, d projection.Delta) error
}

// Subscription is one viewer of a task.
type Subscription struct {
	C <-chan projection.Delta

	ch     chan projection.Delta
	hub    *Hub
	taskID string
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

type topic struct {
	last *projection.Snapshot
	subs map[*Subscription]struct{}
}

// Hub tracks subscribers per task and the last snapshot sent to them.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	sinks  []Sink
	buffer int
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{topics: make(map[string]*topic), buffer: DefaultBuffer, logger: logger}
}

// AddSink registers an additional delta consumer.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe registers a viewer of taskID. The first delta on the channel
// is a full snapshot of current.
func (h *Hub) Subscribe(taskID string, current projection.Snapshot) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	tp := h.topicLocked(taskID)
	if tp.last == nil || tp.last.StateVersion < current.StateVersion {
		snap := current
		tp.last = &snap
	}
	ch := make(chan projection.Delta, h.buffer)
	ch <- projection.FullDelta(*tp.last)
	sub := &Subscription{C: ch, ch: ch, hub: h, taskID: taskID}
	tp.subs[sub] = struct{}{}
	return sub
}

// Publish projects t and sends the difference to the previously sent
// snapshot. States older than the last one sent are ignored.
func (h *Hub) Publish(t *domain.Task) {
	next := projection.Project(t)

	h.mu.Lock()
	tp := h.topicLocked(t.TaskID)
	if tp.last != nil && tp.last.StateVersion >= next.StateVersion {
		h.mu.Unlock()
		return
	}
	delta := projection.Diff(tp.last, next)
	tp.last = &next
	for sub := range tp.subs {
		h.sendLocked(sub, delta, next)
	}
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	for _, s := range sinks {
		if err := s.Deliver(t.TaskID, delta); err != nil {
			h.logger.Warn("delta sink failed", "task_id", t.TaskID, "error", err)
		}
	}
}

// sendLocked queues delta for sub. A subscriber whose queue is full has
// its backlog replaced by a single full snapshot.
func (h *Hub) sendLocked(sub *Subscription, delta projection.Delta, full projection.Snapshot) {
	select {
	case sub.ch <- delta:
		return
	default:
	}
drain:
	for {
		select {
		case <-sub.ch:
		default:
			break drain
		}
	}
	h.logger.Debug("subscriber lagging, resyncing", "task_id", sub.taskID)
	select {
	case sub.ch <- projection.FullDelta(full):
	default:
	}
}

// CloseTask closes every subscription of taskID and forgets its state.
func (h *Hub) CloseTask(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tp, ok := h.topics[taskID]
	if !ok {
		return
	}
	for sub := range tp.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	delete(h.topics, taskID)
}

// Subscribers returns the number of live subscriptions of taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tp, ok := h.topics[taskID]; ok {
		return len(tp.subs)
	}
	return 0
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tp, ok := h.topics[sub.taskID]; ok {
		delete(tp.subs, sub)
	}
	sub.once.Do(func() { close(sub.ch) })
}

func (h *Hub) topicLocked(taskID string) *topic {
	tp, ok := h.topics[taskID]
	if !ok {
		tp = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[taskID] = tp
	}
	return tp
}
