// Package auth resolves the calling principal from a bearer token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type ctxKey struct{}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the caller id carried in the "user_id" or "sub" claim.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrUnauthenticated)
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	for _, name := range []string{"user_id", "sub"} {
		if id, ok := claims[name].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
}

// Issue signs a token for caller. It backs local tooling and tests.
func (v *Verifier) Issue(caller string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{"sub": caller, "user_id": caller, "iat": now.Unix()}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Middleware rejects requests without a valid bearer token with 401 and
// stores the caller id on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
			unauthorized(w, "missing token")
			return
		}
		caller, err := v.Verify(strings.TrimSpace(header[7:]))
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// WithCaller returns ctx carrying caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ctxKey{}, caller)
}

// Caller returns the authenticated caller stored by Middleware.
func Caller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(ctxKey{}).(string)
	return caller, ok && caller != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="redaction"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
