package rowstore

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/multierr"

	"vttsync/internal/apperr"
)

// Live couples a Store with a Hub: every successful write is published to
// subscribers in commit order. It satisfies Backend for in-process clients
// and backs the HTTP server.
type Live struct {
	store Store
	hub   *Hub

	// mu serializes write+publish so per-row events leave in commit order.
	mu     sync.Mutex
	closed bool
}

// NewLive wraps store with a hub buffering up to buffer events per subscriber.
func NewLive(store Store, buffer int) *Live {
	return &Live{store: store, hub: NewHub(buffer)}
}

// Hub exposes the underlying fan-out, mostly for metrics and tests.
func (l *Live) Hub() *Hub { return l.hub }

func (l *Live) Get(ctx context.Context, table, id string) (Row, error) {
	if err := ValidateKey(table, id); err != nil {
		return Row{}, err
	}
	return l.store.Get(ctx, table, id)
}

func (l *Live) List(ctx context.Context, table string, filter Filter) ([]Row, error) {
	if err := ValidateKey(table, "-"); err != nil {
		return nil, err
	}
	rows, err := l.store.List(ctx, table)
	if err != nil {
		return nil, err
	}
	return FilterRows(rows, filter), nil
}

func (l *Live) Insert(ctx context.Context, table, id string, data json.RawMessage) (Row, error) {
	if err := l.validate(table, id, data); err != nil {
		return Row{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Row{}, ErrClosed
	}
	row, err := l.store.Insert(ctx, table, id, data)
	if err != nil {
		return Row{}, err
	}
	l.hub.Publish(Event{Type: EventInsert, Row: row})
	return row, nil
}

func (l *Live) Put(ctx context.Context, table, id string, data json.RawMessage) (Row, error) {
	if err := l.validate(table, id, data); err != nil {
		return Row{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Row{}, ErrClosed
	}
	prev, found, err := l.previous(ctx, table, id)
	if err != nil {
		return Row{}, err
	}
	row, typ, err := l.store.Put(ctx, table, id, data)
	if err != nil {
		return Row{}, err
	}
	if found {
		l.hub.PublishChange(Event{Type: typ, Row: row}, prev)
	} else {
		l.hub.Publish(Event{Type: typ, Row: row})
	}
	return row, nil
}

func (l *Live) Patch(ctx context.Context, table, id string, fields Fields) (Row, error) {
	if err := ValidateKey(table, id); err != nil {
		return Row{}, err
	}
	if len(fields) == 0 {
		return Row{}, apperr.Validation("patch needs at least one field")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Row{}, ErrClosed
	}
	prev, found, err := l.previous(ctx, table, id)
	if err != nil {
		return Row{}, err
	}
	if !found {
		return Row{}, ErrNotFound
	}
	row, err := l.store.Patch(ctx, table, id, fields)
	if err != nil {
		return Row{}, err
	}
	l.hub.PublishChange(Event{Type: EventUpdate, Row: row}, prev)
	return row, nil
}

func (l *Live) Delete(ctx context.Context, table, id string) (Row, error) {
	if err := ValidateKey(table, id); err != nil {
		return Row{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Row{}, ErrClosed
	}
	row, err := l.store.Delete(ctx, table, id)
	if err != nil {
		return Row{}, err
	}
	l.hub.Publish(Event{Type: EventDelete, Row: row})
	return row, nil
}

func (l *Live) Subscribe(ctx context.Context, table string, filter Filter) (Subscription, error) {
	if err := ValidateKey(table, "-"); err != nil {
		return nil, err
	}
	return l.hub.Subscribe(ctx, table, filter)
}

// Close ends all subscriptions and closes the store.
func (l *Live) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.hub.Close()
	return multierr.Combine(l.store.Close())
}

// previous reads the row a write is about to replace. Writes hold l.mu, so
// nothing lands in between.
func (l *Live) previous(ctx context.Context, table, id string) (Row, bool, error) {
	prev, err := l.store.Get(ctx, table, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return Row{}, false, nil
		}
		return Row{}, false, err
	}
	return prev, true, nil
}

func (l *Live) validate(table, id string, data json.RawMessage) error {
	if err := ValidateKey(table, id); err != nil {
		return err
	}
	return ValidateDocument(data)
}
