package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AdminKey returns middleware requiring "Authorization: Bearer <key>". An
// empty key disables the check. Websocket clients may pass the key as the
// access_token query parameter.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(presentedKey(r)), []byte(key)) != 1 {
				slog.Warn("Rejected unauthenticated request", "path", r.URL.Path, "ip", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="flowgate"`)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
