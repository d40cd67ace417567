package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth rejects requests without the expected bearer token. WebSocket
// clients that cannot set headers may pass it as the token query parameter.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if auth := r.Header.Get("Authorization"); auth != "" {
				const prefix = "Bearer "
				if !strings.HasPrefix(auth, prefix) {
					got = ""
				} else {
					got = auth[len(prefix):]
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
