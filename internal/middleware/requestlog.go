package middleware

import (
	"net/http"
	"strconv"
	"time"

	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
)

// SourceHeader is set by the proxy engine to say how a response was
// produced; RequestLogger reports it as the request's source.
const SourceHeader = "X-Offlinegate-Cache"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RequestLogger logs one line per request and records it in the request
// metrics.
func RequestLogger(logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			elapsed := time.Since(start)
			source := rec.Header().Get(SourceHeader)
			if source == "" {
				source = "none"
			}
			metrics.ObserveRequest(source, r.Method, strconv.Itoa(rec.status), elapsed)

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"source", source,
				"duration_ms", elapsed.Milliseconds(),
				"client", ClientIDFrom(r.Context()),
			)
		})
	}
}
