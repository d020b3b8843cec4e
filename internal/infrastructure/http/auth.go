package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
)

// Claims carries the caller's role next to the standard subject (user id).
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for the shared secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Sign issues a token for p valid for ttl.
func (a *Authenticator) Sign(p entities.Principal, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies token and returns its principal.
func (a *Authenticator) Parse(token string) (entities.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return entities.Principal{}, err
	}
	p := entities.Principal{UserID: claims.Subject, Role: entities.UserRole(claims.Role)}
	if p.UserID == "" {
		return entities.Principal{}, errors.New("token has no subject")
	}
	if !p.Role.Valid() {
		return entities.Principal{}, errors.New("token has an unknown role")
	}
	return p, nil
}

type principalKey struct{}

// PrincipalFrom returns the authenticated caller stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (entities.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(entities.Principal)
	return p, ok
}

// requireAuth rejects requests without a valid bearer token.
func (a *Authenticator) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeErrorBody(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		p, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			writeErrorBody(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}
