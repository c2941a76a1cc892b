package platform

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKey struct{}

// Subject returns the authenticated operator, "" for API key or open access.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// APIKeyMiddleware enforces the X-API-Key header. An empty key disables the check.
func APIKeyMiddleware(key string) func(http.Handler) http.Handler {
	return AuthMiddleware(key, nil)
}

// AuthMiddleware accepts either the X-API-Key header or an HS256 bearer token
// signed with secret. With neither configured every request passes.
func AuthMiddleware(apiKey string, secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" && len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(apiKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if len(secret) > 0 {
				if sub, ok := verifyBearer(r.Header.Get("Authorization"), secret); ok {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
					return
				}
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

func verifyBearer(header string, secret []byte) (string, bool) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", false
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return "", false
	}
	return claims.Subject, true
}
