package rowstore

import (
	"context"
	"sync"

	"vttsync/internal/apperr"
)

// ErrSlowConsumer ends a subscription whose buffer filled up. Delivery is
// at-most-once, so the subscriber is expected to reconnect and resnapshot.
var ErrSlowConsumer = apperr.Transient("subscriber fell behind", nil)

const defaultHubBuffer = 256

// Hub fans out events to subscribers per table.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*hubSub]struct{}
	buffer int
	closed bool
}

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{subs: make(map[string]map[*hubSub]struct{}), buffer: buffer}
}

// Subscribe registers a listener for table rows matching filter. The
// subscription ends when ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, table string, filter Filter) (Subscription, error) {
	sub := &hubSub{
		hub:    h,
		table:  table,
		filter: filter,
		ch:     make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.subs[table] == nil {
		h.subs[table] = make(map[*hubSub]struct{})
	}
	h.subs[table][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.remove(sub, nil)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish sends ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.publish(ev, nil)
}

// PublishChange is Publish for a row that replaced prev. Subscribers whose
// filter matched prev also get ev, so they see the row leave their filter.
func (h *Hub) PublishChange(ev Event, prev Row) {
	h.publish(ev, &prev)
}

func (h *Hub) publish(ev Event, prev *Row) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.Row.Table] {
		if !sub.filter.Match(ev.Row) && (prev == nil || !sub.filter.Match(*prev)) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.removeLocked(sub, ErrSlowConsumer)
		}
	}
}

// Subscribers reports the number of live subscriptions on table.
func (h *Hub) Subscribers(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[table])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			h.removeLocked(sub, ErrClosed)
		}
	}
}

func (h *Hub) remove(sub *hubSub, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, err)
}

func (h *Hub) removeLocked(sub *hubSub, err error) {
	subs := h.subs[sub.table]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.table)
	}
	sub.finish(err)
}

type hubSub struct {
	hub    *Hub
	table  string
	filter Filter
	ch     chan Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *hubSub) Events() <-chan Event { return s.ch }

func (s *hubSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hubSub) Close() error {
	s.hub.remove(s, nil)
	return nil
}

func (s *hubSub) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
	close(s.done)
}
