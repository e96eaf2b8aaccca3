package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vttsync/internal/apperr"
	"vttsync/internal/rowstore"
)

const subscriptionBuffer = 64

// Subscribe dials the change feed for table. It returns once the server has
// registered the subscription, so a snapshot taken afterwards cannot miss a
// commit.
func (r *Remote) Subscribe(ctx context.Context, table string, filter rowstore.Filter) (rowstore.Subscription, error) {
	u := r.endpoint("/ws/tables/"+url.PathEscape(table), filter.Values())
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	header := http.Header{}
	r.authorize(header)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshake,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, responseError(resp)
		}
		return nil, apperr.Transient("dial feed "+table, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.idleTimeout))
	var ack rowstore.Event
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, apperr.Transient("waiting for feed ack", err)
	}
	if ack.Type != rowstore.EventSubscribed {
		conn.Close()
		return nil, apperr.Transient("waiting for feed ack", fmt.Errorf("unexpected %q frame", ack.Type))
	}

	sub := &remoteSub{
		conn:   conn,
		idle:   r.idleTimeout,
		ch:     make(chan rowstore.Event, subscriptionBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: r.logger.With(slog.String("table", table), slog.String("filter", filter.String())),
	}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(sub.idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	go sub.read()
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type remoteSub struct {
	conn   *websocket.Conn
	idle   time.Duration
	ch     chan rowstore.Event
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	closing   atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *remoteSub) Events() <-chan rowstore.Event { return s.ch }

func (s *remoteSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for the reader to exit.
func (s *remoteSub) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.stop)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *remoteSub) read() {
	defer close(s.done)
	defer close(s.ch)
	for {
		var ev rowstore.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.finish(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
		if ev.Type == rowstore.EventSubscribed {
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.stop:
			return
		}
	}
}

func (s *remoteSub) finish(err error) {
	if s.closing.Load() {
		return
	}
	var out error
	if websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		out = apperr.Transient("feed ended by server", err)
	} else {
		out = apperr.Transient("feed connection lost", err)
	}
	s.logger.Info("feed subscription ended", slog.String("error", err.Error()))
	s.mu.Lock()
	s.err = out
	s.mu.Unlock()
}
