package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved caller: the owner every job operation is
// scoped to, plus whether admin routes are open to them.
type Identity struct {
	OwnerID string
	Admin   bool
}

// TokenVerifier resolves a bearer credential to an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

var errInvalidToken = errors.New("server: invalid token")

// JWTVerifier verifies HMAC-signed JWTs. The subject claim carries the
// owner ID; a "roles" claim containing adminRole grants admin access.
type JWTVerifier struct {
	secret    []byte
	adminRole string
}

// NewJWTVerifier creates a verifier for tokens signed with the given
// HMAC secret.
func NewJWTVerifier(secret string, adminRole string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), adminRole: adminRole}
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, errInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errInvalidToken
	}

	id := Identity{OwnerID: sub}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.adminRole {
				id.Admin = true
			}
		}
	}
	return id, nil
}

type identityKey struct{}

// identityFrom returns the Identity the auth middleware attached.
func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// requireAuth resolves the bearer token and attaches the Identity to the
// request context. Any verification failure is a 401; nothing ever
// reaches the core unauthenticated.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}

		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates admin routes on the role claim.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFrom(r.Context())
		if !ok || !id.Admin {
			s.writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
