package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	tests := []struct {
		name    string
		path    string
		wantCSP bool
	}{
		{"health check gets CSP", "/healthz", true},
		{"table rows get CSP", "/tables/tokens/rows?user_id=u1", true},
		{"feed gets CSP", "/ws/tables/tokens?user_id=u1", true},
		{"unknown path has no CSP", "/favicon.ico", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			csp := w.Header().Get("Content-Security-Policy")
			if hasCSP := csp != ""; hasCSP != tt.wantCSP {
				t.Errorf("got CSP=%v, want CSP=%v. CSP value: %q", hasCSP, tt.wantCSP, csp)
			}
			if w.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("X-Content-Type-Options header missing or incorrect")
			}
			if w.Header().Get("X-Frame-Options") != "DENY" {
				t.Error("X-Frame-Options header missing or incorrect")
			}
			if w.Header().Get("Referrer-Policy") != "strict-origin-when-cross-origin" {
				t.Error("Referrer-Policy header missing or incorrect")
			}
			if csp != "" && csp != "default-src 'none'; frame-ancestors 'none'" {
				t.Errorf("CSP header has wrong value: %q", csp)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://table.test"}
	h := newTestServer(t, cfg).Handler()

	tests := []struct {
		name       string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{"allowed origin preflight", "https://table.test", http.MethodOptions, "https://table.test", http.StatusNoContent},
		{"case insensitive match", "HTTPS://TABLE.TEST", http.MethodOptions, "https://table.test", http.StatusNoContent},
		{"foreign origin", "https://evil.test", http.MethodOptions, "", http.StatusNoContent},
		{"no origin", "", http.MethodGet, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/healthz", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("got allow origin %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestIsAPIEndpoint(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/tables/tokens/rows", true},
		{"/tables/tokens/rows/t1", true},
		{"/ws/tables/tokens", true},
		{"/healthz", true},
		{"/", false},
		{"/assets/style.css", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := isAPIEndpoint(tt.path); got != tt.want {
				t.Errorf("isAPIEndpoint(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	srv := newTestServer(t, Config{AllowedOrigins: []string{"https://table.test", "http://localhost:5173"}})
	got := srv.originPatterns()
	if len(got) != 2 || got[0] != "table.test" || got[1] != "localhost:5173" {
		t.Fatalf("unexpected patterns %v", got)
	}
}
