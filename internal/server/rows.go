package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vttsync/internal/apperr"
	"vttsync/internal/rowstore"
	"vttsync/internal/tabletop"
)

// authParams are query parameters consumed by identify, never row filters.
var authParams = []string{"access_token", "user_id", "role"}

// InsertRequest is the POST body of /tables/{table}/rows. An empty id is
// replaced by a generated one.
type InsertRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) requireKnownTable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		if table != "" && !tabletop.Known(table) {
			writeError(w, http.StatusNotFound, string(apperr.KindNotFound), "unknown table "+table)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.live.List(r.Context(), chi.URLParam(r, "table"), rowFilter(r.URL.Query()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	row, err := s.live.Get(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleInsertRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !s.canWrite(w, r, table) {
		return
	}
	var req InsertRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := checkAuthor(r.Context(), table, req.Data); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	row, err := s.live.Insert(r.Context(), table, req.ID, req.Data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handlePutRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !s.canWrite(w, r, table) {
		return
	}
	var data json.RawMessage
	if err := s.decodeBody(w, r, &data); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	rowID := chi.URLParam(r, "id")
	if err := s.checkOwner(r.Context(), table, rowID, true); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := checkAuthor(r.Context(), table, data); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	row, err := s.live.Put(r.Context(), table, rowID, data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handlePatchRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !s.canWrite(w, r, table) {
		return
	}
	var fields rowstore.Fields
	if err := s.decodeBody(w, r, &fields); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	rowID := chi.URLParam(r, "id")
	if err := s.checkOwner(r.Context(), table, rowID, false); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := checkAuthorField(r.Context(), table, fields); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	row, err := s.live.Patch(r.Context(), table, rowID, fields)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !s.canWrite(w, r, table) {
		return
	}
	rowID := chi.URLParam(r, "id")
	if err := s.checkOwner(r.Context(), table, rowID, false); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	row, err := s.live.Delete(r.Context(), table, rowID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// canWrite enforces the DM-only and append-only tables and answers 403
// otherwise.
func (s *Server) canWrite(w http.ResponseWriter, r *http.Request, table string) bool {
	id := identityFromContext(r.Context())
	var err error
	switch {
	case tabletop.DMOnly(table) && !id.IsDM:
		err = apperr.Permission("only the DM may write %s", table)
	case tabletop.AppendOnly(table) && r.Method != http.MethodPost:
		err = apperr.Permission("%s rows are append-only", table)
	}
	if err != nil {
		s.logger.Warn("write denied", "table", table, "method", r.Method, "user_id", id.UserID)
		s.writeAppError(w, r, err)
		return false
	}
	return true
}

// authorField names the field that files a row under a user: a roll under
// its roller, a token under its owner.
func authorField(table string) string {
	switch table {
	case tabletop.TableDiceRolls:
		return "user_id"
	case tabletop.TableTokens:
		return "owner_id"
	}
	return ""
}

// authorBound reports whether the caller may only write rows filed under
// themselves. Rolls bind everyone; tokens bind players.
func authorBound(table string, id tabletop.Identity) bool {
	switch table {
	case tabletop.TableDiceRolls:
		return true
	case tabletop.TableTokens:
		return !id.IsDM
	}
	return false
}

// checkAuthor rejects a new row document filed under someone else.
func checkAuthor(ctx context.Context, table string, data json.RawMessage) error {
	id := identityFromContext(ctx)
	if !authorBound(table, id) {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return apperr.Validation("row data must be a JSON object")
	}
	return checkAuthorField(ctx, table, rowstore.Fields{authorField(table): doc[authorField(table)]})
}

// checkAuthorField rejects fields that would file a row under someone else.
// A patch without the author field leaves it alone.
func checkAuthorField(ctx context.Context, table string, fields rowstore.Fields) error {
	id := identityFromContext(ctx)
	if !authorBound(table, id) {
		return nil
	}
	field := authorField(table)
	v, ok := fields[field]
	if !ok {
		return nil
	}
	if author, _ := v.(string); author != id.UserID {
		return apperr.Permission("%s rows must carry %s %q", table, field, id.UserID)
	}
	return nil
}

// checkOwner lets a player change only tokens they own. A missing row is
// left to the store unless missingOK allows creating it.
func (s *Server) checkOwner(ctx context.Context, table, rowID string, missingOK bool) error {
	id := identityFromContext(ctx)
	if table != tabletop.TableTokens || id.IsDM {
		return nil
	}
	row, err := s.live.Get(ctx, table, rowID)
	if err != nil {
		if missingOK && apperr.KindOf(err) == apperr.KindNotFound {
			return nil
		}
		return err
	}
	var t tabletop.Token
	if err := row.Decode(&t); err != nil || !id.CanEditToken(t) {
		return apperr.Permission("token %s belongs to another player", rowID)
	}
	return nil
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if s.cfg.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is empty")
		default:
			return apperr.Validation("invalid JSON body: %v", err)
		}
	}
	return nil
}

func rowFilter(q url.Values) rowstore.Filter {
	f := rowstore.FilterFromValues(q)
	for _, p := range authParams {
		delete(f, p)
	}
	return f
}
