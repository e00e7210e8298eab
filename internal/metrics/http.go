package metrics

import (
	"net/http"
	"strconv"
)

// statusRecorder remembers the status code written through it. Handlers that
// never call WriteHeader answer 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware counts next's responses under endpoint_responses_total, labelled
// with path and status code. On a nil *Metrics it returns next unchanged.
func (m *Metrics) Middleware(next http.Handler, path string) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.EndpointResponses.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
	})
}
