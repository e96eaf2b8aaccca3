package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"vttsync/internal/rowstore"
)

const feedWriteTimeout = 3 * time.Second

// handleFeed streams change events for one table as JSON text frames. The
// first frame acknowledges the subscription so a client may snapshot safely.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	filter := rowFilter(r.URL.Query())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("table", table), slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// Clients never send frames; CloseRead answers pings and notices the close.
	ctx := conn.CloseRead(r.Context())

	sub, err := s.live.Subscribe(ctx, table, filter)
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer sub.Close()

	id := identityFromContext(r.Context())
	logger := s.logger.With(slog.String("table", table), slog.String("filter", filter.String()), slog.String("user_id", id.UserID))
	logger.Info("feed subscribed")

	if err := s.writeEvent(ctx, conn, rowstore.Event{Type: rowstore.EventSubscribed}); err != nil {
		return
	}

	ping := time.NewTicker(s.pingInterval())
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				reason := "feed closed"
				if err := sub.Err(); err != nil {
					reason = err.Error()
				}
				logger.Info("feed ended", slog.String("reason", reason))
				conn.Close(websocket.StatusTryAgainLater, reason)
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				logger.Info("feed write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				logger.Info("feed ping failed", slog.String("error", err.Error()))
				return
			}
		case <-ctx.Done():
			logger.Info("feed client left")
			return
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev rowstore.Event) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.PingInterval
}
