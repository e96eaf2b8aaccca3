// Package client talks to a vttsync server: rows over HTTP and the change
// feed over a websocket. Remote satisfies rowstore.Backend, so a session can
// run against a server exactly as it runs against an in-process store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vttsync/internal/apperr"
	"vttsync/internal/rowstore"
	"vttsync/internal/tabletop"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultHandshake      = 10 * time.Second
)

// RemoteConfig configures a Remote.
type RemoteConfig struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	// Token is a bearer token. Without one the identity is sent as
	// X-User-ID and X-Role, which only a server without AUTH_SECRET accepts.
	Token    string
	Identity tabletop.Identity
	// IdleTimeout closes a feed that has seen no frame or ping for this long.
	IdleTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Remote is a rowstore.Backend backed by a vttsync server.
type Remote struct {
	base        *url.URL
	token       string
	identity    tabletop.Identity
	idleTimeout time.Duration
	http        *http.Client
	logger      *slog.Logger
}

// NewRemote validates cfg and returns a Remote. No request is made.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/"))
	if err != nil {
		return nil, apperr.Validation("invalid server url: %v", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, apperr.Validation("server url must be http or https, got %q", cfg.ServerURL)
	}
	if cfg.Token == "" && cfg.Identity.UserID == "" {
		return nil, apperr.Validation("a token or a user id is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Remote{
		base:        base,
		token:       cfg.Token,
		identity:    cfg.Identity,
		idleTimeout: cfg.IdleTimeout,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger.With(slog.String("server", base.Host)),
	}, nil
}

func (r *Remote) Get(ctx context.Context, table, id string) (rowstore.Row, error) {
	var row rowstore.Row
	err := r.do(ctx, http.MethodGet, rowPath(table, id), nil, nil, &row)
	return row, err
}

func (r *Remote) List(ctx context.Context, table string, filter rowstore.Filter) ([]rowstore.Row, error) {
	var rows []rowstore.Row
	if err := r.do(ctx, http.MethodGet, rowsPath(table), filter.Values(), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Remote) Insert(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, error) {
	var row rowstore.Row
	body := struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}{ID: id, Data: data}
	err := r.do(ctx, http.MethodPost, rowsPath(table), nil, body, &row)
	return row, err
}

func (r *Remote) Put(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, error) {
	var row rowstore.Row
	err := r.do(ctx, http.MethodPut, rowPath(table, id), nil, data, &row)
	return row, err
}

func (r *Remote) Patch(ctx context.Context, table, id string, fields rowstore.Fields) (rowstore.Row, error) {
	var row rowstore.Row
	err := r.do(ctx, http.MethodPatch, rowPath(table, id), nil, fields, &row)
	return row, err
}

func (r *Remote) Delete(ctx context.Context, table, id string) (rowstore.Row, error) {
	var row rowstore.Row
	err := r.do(ctx, http.MethodDelete, rowPath(table, id), nil, nil, &row)
	return row, err
}

func rowsPath(table string) string {
	return "/tables/" + url.PathEscape(table) + "/rows"
}

func rowPath(table, id string) string {
	return rowsPath(table) + "/" + url.PathEscape(id)
}

func (r *Remote) endpoint(path string, query url.Values) *url.URL {
	u := *r.base
	u.Path = strings.TrimRight(r.base.Path, "/") + path
	u.RawQuery = query.Encode()
	return &u
}

func (r *Remote) authorize(h http.Header) {
	if r.token != "" {
		h.Set("Authorization", "Bearer "+r.token)
		return
	}
	h.Set("X-User-ID", r.identity.UserID)
	h.Set("X-Role", string(r.identity.Role()))
}

func (r *Remote) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Validation("encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint(path, query).String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.authorize(req.Header)

	resp, err := r.http.Do(req)
	if err != nil {
		return apperr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transient("decode response", err)
	}
	return nil
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// responseError rebuilds the server's error kind from a failed response.
func responseError(resp *http.Response) error {
	kind := kindForStatus(resp.StatusCode)
	message := resp.Status
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		message = body.Error.Message
		if k := apperr.Kind(body.Error.Kind); knownKind(k) {
			kind = k
		}
	}
	if kind == apperr.KindTransient {
		return apperr.Transient(message, fmt.Errorf("status %d", resp.StatusCode))
	}
	return apperr.New(kind, message)
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return apperr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindPermission
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	default:
		return apperr.KindTransient
	}
}

func knownKind(k apperr.Kind) bool {
	switch k {
	case apperr.KindValidation, apperr.KindPermission, apperr.KindNotFound,
		apperr.KindConflict, apperr.KindTransient:
		return true
	}
	return false
}
