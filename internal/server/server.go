package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"

	"vttsync/internal/apperr"
	"vttsync/internal/rowstore"
)

// Server exposes a row store and its change feed over HTTP and websockets.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	router          chi.Router
	live            *rowstore.Live
	allowedOrigins  []string
	allowAllOrigins bool
}

// New constructs a Server with routes and middleware configured. The server
// owns store and closes it on Close.
func New(cfg Config, store rowstore.Store) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		router:         chi.NewRouter(),
		live:           rowstore.NewLive(store, cfg.FeedBuffer),
		allowedOrigins: cfg.AllowedOrigins,
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}

	srv.routes()
	return srv
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.router))
}

// Live is the backend the handlers write through.
func (s *Server) Live() *rowstore.Live { return s.live }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", addr), slog.String("store", s.cfg.StoreDriver))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", slog.Duration("timeout", s.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	// Subscriptions end first so websocket handlers return before Shutdown waits on them.
	s.live.Hub().Close()
	return multierr.Append(httpSrv.Shutdown(shutdownCtx), s.Close())
}

// Close ends every subscription and closes the store.
func (s *Server) Close() error {
	return s.live.Close()
}

func (s *Server) routes() {
	r := s.router
	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Use(s.requireKnownTable)
		r.Route("/tables/{table}/rows", func(r chi.Router) {
			r.Get("/", s.handleListRows)
			r.Post("/", s.handleInsertRow)
			r.Get("/{id}", s.handleGetRow)
			r.Put("/{id}", s.handlePutRow)
			r.Patch("/{id}", s.handlePatchRow)
			r.Delete("/{id}", s.handleDeleteRow)
		})
		r.Get("/ws/tables/{table}", s.handleFeed)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows WebSocket handlers to upgrade the connection through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and a human readable message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}})
}

// writeAppError maps an error kind to its HTTP status.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeError(w, status, string(kind), err.Error())
}

// StatusFor maps an error kind to the HTTP status the server answers with.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
