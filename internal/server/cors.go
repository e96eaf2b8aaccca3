package server

import (
	"net/http"
	"strings"
)

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.matchOrigin(origin)

		if origin != "" && allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			if allowedOrigin != "*" {
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-User-ID,X-Role")
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if isAPIEndpoint(r.URL.Path) {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) matchOrigin(origin string) string {
	if origin == "" {
		if s.allowAllOrigins {
			return "*"
		}
		return ""
	}

	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return allowed
		}
	}

	if s.allowAllOrigins {
		return "*"
	}

	return ""
}

// isAPIEndpoint reports whether path serves JSON or the change feed.
func isAPIEndpoint(path string) bool {
	return strings.HasPrefix(path, "/tables") ||
		strings.HasPrefix(path, "/ws") ||
		path == "/healthz"
}

// originPatterns converts the allow list into websocket origin patterns.
func (s *Server) originPatterns() []string {
	if s.allowAllOrigins {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(s.allowedOrigins))
	for _, origin := range s.allowedOrigins {
		host := origin
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		patterns = append(patterns, host)
	}
	return patterns
}
