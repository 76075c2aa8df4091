// Package httpx holds small HTTP helpers shared by the gateway's operator
// endpoints.
package httpx

import (
	"log/slog"
	"net/http"
	"time"
)

// LogRequests logs method, path and latency for every request at debug
// level. WebSocket upgrades are logged once at upgrade time; the socket's
// lifetime is reported by the session logs instead.
func LogRequests(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"duration", time.Since(start),
			)
		})
	}
}
