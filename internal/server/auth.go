package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vttsync/internal/tabletop"
)

type contextKey string

const identityContextKey contextKey = "identity"

var errMissingIdentity = errors.New("missing identity")

// claims are the bearer token claims: sub is the user id.
type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueToken signs an HS256 bearer token for id.
func IssueToken(secret string, id tabletop.Identity, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth secret is empty")
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(id.Role()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if err != nil {
			s.logger.Warn("rejected request", "path", r.URL.Path, "error", err.Error())
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identify reads a bearer token when a secret is configured; otherwise it
// trusts the X-User-ID and X-Role headers. Browsers cannot set headers on a
// websocket handshake, so query parameters are accepted as well.
func (s *Server) identify(r *http.Request) (tabletop.Identity, error) {
	q := r.URL.Query()
	if s.cfg.AuthSecret == "" {
		user := firstNonEmpty(r.Header.Get("X-User-ID"), q.Get("user_id"))
		if user == "" {
			return tabletop.Identity{}, errMissingIdentity
		}
		role := tabletop.ParseRole(strings.ToLower(firstNonEmpty(r.Header.Get("X-Role"), q.Get("role"))))
		return tabletop.Identity{UserID: user, IsDM: role == tabletop.RoleDM}, nil
	}

	token := firstNonEmpty(parseToken(r.Header.Get("Authorization")), q.Get("access_token"))
	if token == "" {
		return tabletop.Identity{}, errMissingIdentity
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.AuthSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return tabletop.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if c.Subject == "" {
		return tabletop.Identity{}, errors.New("token has no subject")
	}
	return tabletop.Identity{UserID: c.Subject, IsDM: tabletop.ParseRole(c.Role) == tabletop.RoleDM}, nil
}

func parseToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return header
}

func identityFromContext(ctx context.Context) tabletop.Identity {
	if v := ctx.Value(identityContextKey); v != nil {
		if id, ok := v.(tabletop.Identity); ok {
			return id
		}
	}
	return tabletop.Identity{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
