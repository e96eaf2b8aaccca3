// Package feed turns a row store subscription into a resilient stream: it
// subscribes, snapshots, delivers events in commit order, and on any failure
// reconnects with backoff and snapshots again.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"vttsync/internal/rowstore"
)

var errSubscriptionEnded = errors.New("subscription ended")

// Source is the part of the row store a feed needs.
type Source interface {
	rowstore.Reader
	rowstore.Subscriber
}

// Key identifies one resource stream.
type Key struct {
	Table  string
	Filter rowstore.Filter
}

func (k Key) String() string {
	if len(k.Filter) == 0 {
		return k.Table
	}
	return k.Table + "?" + k.Filter.String()
}

// Handler consumes a stream. Reset receives every full snapshot, Apply every
// event after it. Errors and panics are logged per call and never end the
// stream.
type Handler interface {
	Reset(rows []rowstore.Row) error
	Apply(ev rowstore.Event) error
}

// Options tune reconnects.
type Options struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// StablePeriod is how long a connection must stay up before the backoff
	// resets.
	StablePeriod time.Duration `yaml:"stable_period"`
	Logger       *slog.Logger  `yaml:"-"`
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.StablePeriod <= 0 {
		o.StablePeriod = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Feed opens streams against one source.
type Feed struct {
	src  Source
	opts Options
}

// New returns a Feed reading from src.
func New(src Source, opts Options) *Feed {
	return &Feed{src: src, opts: opts.withDefaults()}
}

// Subscribe starts a stream for key. The stream runs until ctx is done or
// Close is called.
func (f *Feed) Subscribe(ctx context.Context, key Key, h Handler) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		key:     key,
		src:     f.src,
		handler: h,
		opts:    f.opts,
		logger:  f.opts.Logger.With(slog.String("feed", key.String())),
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Stream is one live resource subscription.
type Stream struct {
	key     Key
	src     Source
	handler Handler
	opts    Options
	logger  *slog.Logger

	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	connected atomic.Bool
	snapshots atomic.Int64
}

// Ready is closed once the first snapshot has been delivered.
func (s *Stream) Ready() <-chan struct{} { return s.ready }

// Connected reports whether the stream currently has a live subscription.
func (s *Stream) Connected() bool { return s.connected.Load() }

// Snapshots counts delivered snapshots, one per successful (re)connect.
func (s *Stream) Snapshots() int64 { return s.snapshots.Load() }

// Done is closed when the stream has stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close halts delivery and waits for the stream goroutine to exit.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff

	for {
		started := time.Now()
		err := s.connect(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= s.opts.StablePeriod {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one subscription lifetime: subscribe first so nothing
// committed after the snapshot is missed, then snapshot, then stream.
func (s *Stream) connect(ctx context.Context) error {
	sub, err := s.src.Subscribe(ctx, s.key.Table, s.key.Filter)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	rows, err := s.src.List(ctx, s.key.Table, s.key.Filter)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s.deliver("reset", func() error { return s.handler.Reset(rows) })
	s.snapshots.Add(1)
	s.connected.Store(true)
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errSubscriptionEnded
			}
			s.deliver(string(ev.Type), func() error { return s.handler.Apply(ev) })
		}
	}
}

func (s *Stream) deliver(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("feed handler panicked",
				slog.String("event", what),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("feed handler failed",
			slog.String("event", what),
			slog.String("error", err.Error()))
	}
}
