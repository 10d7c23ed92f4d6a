package http

import (
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"

	"diagramsync/internal/metrics"
)

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

// LoggingMiddleware logs method, path, status and duration of each request
// and records them in m. Websocket upgrades are logged when the connection ends.
func LoggingMiddleware(logger *zap.Logger, m *metrics.Relay) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snoop := httpsnoop.CaptureMetrics(next, w, r)

			m.Requests.WithLabelValues(r.Method, strconv.Itoa(snoop.Code)).Inc()
			m.RequestDuration.WithLabelValues(r.Method).Observe(snoop.Duration.Seconds())

			logger.Debug("handled request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.Int("status_code", snoop.Code),
				zap.Int64("bytes", snoop.Written),
				zap.Duration("duration", snoop.Duration))
		})
	}
}

// RecoveryMiddleware recovers from panics and logs the error
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("reason", err),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack_trace", debug.Stack()))
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ApplyMiddleware applies multiple middleware to a handler. The last one
// listed runs first.
func ApplyMiddleware(handler http.Handler, middleware ...Middleware) http.Handler {
	for _, m := range middleware {
		handler = m(handler)
	}
	return handler
}
