package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ory/herodot"
)

// TokenQueryParam carries the token for websocket handshakes, where browsers
// cannot set an Authorization header.
const TokenQueryParam = "token"

// Middleware requires the shared API token as a bearer token. An empty token
// disables the check.
func Middleware(token string, writer *herodot.JSONWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r)
			if !ok {
				writer.WriteError(w, r, herodot.ErrUnauthorized.WithReason("Missing or malformed authorization header"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writer.WriteError(w, r, herodot.ErrUnauthorized.WithReason("Invalid API token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if q := r.URL.Query().Get(TokenQueryParam); q != "" {
			return q, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
