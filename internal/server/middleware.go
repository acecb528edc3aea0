package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/trialopt/pkg/model"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeySnapshot
)

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// snapshotFromContext returns the run pinned for this request, or nil when
// the run had not started when the request arrived.
func snapshotFromContext(ctx context.Context) *model.Run {
	snap, _ := ctx.Value(ctxKeySnapshot).(*model.Run)
	return snap
}

// requestMiddleware tags the request with an ID, reusing the caller's
// X-Request-ID when one is sent, and pins a single run snapshot so every
// part of the response describes the same cycle. The run ID is echoed in
// X-Run-ID.
func requestMiddleware(source RunSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = requestID()
			}
			w.Header().Set("X-Request-ID", reqID)
			ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)

			if snap := source.Snapshot(); snap != nil {
				w.Header().Set("X-Run-ID", snap.ID)
				ctx = context.WithValue(ctx, ctxKeySnapshot, snap)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingMiddleware logs requests at DEBUG level; dashboards poll often.
// Server errors are logged at WARN.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			level := slog.LevelDebug
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
				"request_id", sw.Header().Get("X-Request-ID"),
			}
			if runID := sw.Header().Get("X-Run-ID"); runID != "" {
				attrs = append(attrs, "run_id", runID)
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
