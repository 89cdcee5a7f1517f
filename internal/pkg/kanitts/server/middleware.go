package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/api"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/synth"
)

// requestLogger tags every request with an id, echoes it back in the
// response headers and writes one access log line when the handler returns.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(api.HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(api.HeaderRequestID, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := s.log.Info()
			if status >= http.StatusInternalServerError {
				event = s.log.Error()
			} else if status >= http.StatusBadRequest {
				event = s.log.Warn()
			}
			event.
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(started)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r.WithContext(synth.WithRequestID(r.Context(), id)))
	})
}
