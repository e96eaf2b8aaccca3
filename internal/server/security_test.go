package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vttsync/internal/tabletop"
)

func TestDMOnlyTables(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	tests := []struct {
		name       string
		table      string
		role       string
		wantStatus int
	}{
		{"player writes token", tabletop.TableTokens, "player", http.StatusOK},
		{"player rewrites roll", tabletop.TableDiceRolls, "player", http.StatusForbidden},
		{"dm rewrites roll", tabletop.TableDiceRolls, "dm", http.StatusForbidden},
		{"player writes fog", tabletop.TableFogDocuments, "player", http.StatusForbidden},
		{"player writes encounter", tabletop.TableEncounters, "player", http.StatusForbidden},
		{"player writes participant", tabletop.TableParticipants, "player", http.StatusForbidden},
		{"player writes playback", tabletop.TablePlaybackStates, "player", http.StatusForbidden},
		{"player writes map", tabletop.TableMapSessions, "player", http.StatusForbidden},
		{"dm writes fog", tabletop.TableFogDocuments, "dm", http.StatusOK},
		{"gm alias writes playback", tabletop.TablePlaybackStates, "gm", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPut, "/tables/"+tt.table+"/rows/r1", "u1", tt.role, map[string]any{"campaign_id": "c1", "owner_id": "u1"})
			if w.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	// Reads are open to everyone.
	w := doJSON(t, h, http.MethodGet, "/tables/fog_documents/rows/r1", "u1", "player", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("player read of fog: %d", w.Code)
	}
}

func TestRollsAreAppendOnly(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	w := doJSON(t, h, http.MethodPost, "/tables/dice_rolls/rows", "alice", "player", InsertRequest{
		ID:   "r1",
		Data: json.RawMessage(`{"campaign_id":"c1","user_id":"alice","result":7}`),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("alice roll: %d %s", w.Code, w.Body.String())
	}

	tests := []struct {
		name       string
		method     string
		path       string
		user, role string
		body       any
		wantStatus int
	}{
		{"patch other roll", http.MethodPatch, "/tables/dice_rolls/rows/r1", "bob", "player", map[string]any{"result": 20}, http.StatusForbidden},
		{"patch own roll", http.MethodPatch, "/tables/dice_rolls/rows/r1", "alice", "player", map[string]any{"result": 20}, http.StatusForbidden},
		{"put roll", http.MethodPut, "/tables/dice_rolls/rows/r1", "dm", "dm", map[string]any{"user_id": "dm"}, http.StatusForbidden},
		{"delete roll", http.MethodDelete, "/tables/dice_rolls/rows/r1", "bob", "player", nil, http.StatusForbidden},
		{"insert as someone else", http.MethodPost, "/tables/dice_rolls/rows", "bob", "player", InsertRequest{ID: "r2", Data: json.RawMessage(`{"user_id":"alice"}`)}, http.StatusForbidden},
		{"insert without roller", http.MethodPost, "/tables/dice_rolls/rows", "dm", "dm", InsertRequest{ID: "r3", Data: json.RawMessage(`{"result":1}`)}, http.StatusForbidden},
		{"insert own roll", http.MethodPost, "/tables/dice_rolls/rows", "bob", "player", InsertRequest{ID: "r4", Data: json.RawMessage(`{"user_id":"bob"}`)}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, tt.method, tt.path, tt.user, tt.role, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	w = doJSON(t, h, http.MethodGet, "/tables/dice_rolls/rows/r1", "bob", "player", nil)
	if got := decodeRow(t, w); !bytes.Contains(got.Data, []byte(`"result":7`)) {
		t.Fatalf("roll changed: %s", got.Data)
	}
}

func TestPlayersEditOnlyOwnTokens(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	for _, seed := range []struct{ id, user, role, owner string }{
		{"dm-tok", "dm", "dm", ""},
		{"bob-tok", "bob", "player", "bob"},
	} {
		w := doJSON(t, h, http.MethodPost, "/tables/tokens/rows", seed.user, seed.role, InsertRequest{
			ID:   seed.id,
			Data: json.RawMessage(`{"map_id":"m1","owner_id":"` + seed.owner + `"}`),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("seed %s: %d %s", seed.id, w.Code, w.Body.String())
		}
	}

	tests := []struct {
		name       string
		method     string
		path       string
		user, role string
		body       any
		wantStatus int
	}{
		{"player moves dm token", http.MethodPatch, "/tables/tokens/rows/dm-tok", "bob", "player", map[string]any{"x": 3}, http.StatusForbidden},
		{"player moves other token", http.MethodPatch, "/tables/tokens/rows/bob-tok", "carol", "player", map[string]any{"x": 3}, http.StatusForbidden},
		{"player replaces other token", http.MethodPut, "/tables/tokens/rows/bob-tok", "carol", "player", map[string]any{"owner_id": "carol"}, http.StatusForbidden},
		{"player deletes other token", http.MethodDelete, "/tables/tokens/rows/bob-tok", "carol", "player", nil, http.StatusForbidden},
		{"player gives token away", http.MethodPatch, "/tables/tokens/rows/bob-tok", "bob", "player", map[string]any{"owner_id": "carol"}, http.StatusForbidden},
		{"player places token for another", http.MethodPost, "/tables/tokens/rows", "bob", "player", InsertRequest{ID: "t9", Data: json.RawMessage(`{"owner_id":"carol"}`)}, http.StatusForbidden},
		{"player moves own token", http.MethodPatch, "/tables/tokens/rows/bob-tok", "bob", "player", map[string]any{"x": 3}, http.StatusOK},
		{"dm moves any token", http.MethodPatch, "/tables/tokens/rows/bob-tok", "dm", "dm", map[string]any{"x": 4}, http.StatusOK},
		{"player deletes own token", http.MethodDelete, "/tables/tokens/rows/bob-tok", "bob", "player", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, tt.method, tt.path, tt.user, tt.role, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestMissingIdentityRejected(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	w := doJSON(t, h, http.MethodGet, "/tables/tokens/rows", "", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/tables/tokens/rows?user_id=p1&role=player", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query identity should be accepted, got %d", rec.Code)
	}
}

func TestBearerTokens(t *testing.T) {
	const secret = "test-secret"
	cfg := testConfig()
	cfg.AuthSecret = secret
	h := newTestServer(t, cfg).Handler()

	dmToken, err := IssueToken(secret, tabletop.Identity{UserID: "dm", IsDM: true}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	playerToken, err := IssueToken(secret, tabletop.Identity{UserID: "p1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	otherSecret, _ := IssueToken("other", tabletop.Identity{UserID: "dm", IsDM: true}, time.Hour)
	expired, _ := IssueToken(secret, tabletop.Identity{UserID: "dm", IsDM: true}, -time.Minute)
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":  "dm",
		"role": "dm",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"dm token writes fog", "Bearer " + dmToken, http.StatusOK},
		{"player token cannot write fog", "Bearer " + playerToken, http.StatusForbidden},
		{"bare token accepted", dmToken, http.StatusOK},
		{"wrong secret", "Bearer " + otherSecret, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"unsigned", "Bearer " + noneAlg, http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/tables/fog_documents/rows/m1", jsonBody(t, map[string]any{"map_id": "m1"}))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			// Trusted headers are ignored once a secret is configured.
			req.Header.Set("X-User-ID", "dm")
			req.Header.Set("X-Role", "dm")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	if _, err := IssueToken("", tabletop.Identity{UserID: "u"}, time.Hour); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"abc", "abc"},
	}
	for _, tt := range tests {
		if got := parseToken(tt.header); got != tt.want {
			t.Errorf("parseToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(raw)
}
