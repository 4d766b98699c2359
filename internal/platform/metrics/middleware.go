package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// statusRecorder keeps the status code the handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// unmatchedRoute labels requests chi could not route.
const unmatchedRoute = "unmatched"

// RequestMiddleware returns chi middleware that counts requests, and error
// responses (status >= 400), per matched route pattern.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := unmatchedRoute
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.IncRequests(route)
			if rec.status >= http.StatusBadRequest {
				m.IncErrors(route)
			}
		})
	}
}
