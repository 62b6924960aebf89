package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/types"
)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// middleware wraps the router with panic recovery, request logging,
// and prometheus instrumentation, innermost first.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if v := recover(); v != nil {
				s.logger.Error().
					Any("panic", v).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeErrorf(rec, types.CodeInternal, "internal error")
			}

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(started)

			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

			logEvent := s.logger.Debug()
			if rec.status >= http.StatusInternalServerError {
				logEvent = s.logger.Error()
			} else if rec.status >= http.StatusBadRequest {
				logEvent = s.logger.Warn()
			}
			logEvent.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", elapsed).
				Msg("request")
		}()

		next.ServeHTTP(rec, r)
	})
}
