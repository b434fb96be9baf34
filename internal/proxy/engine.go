package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"offlinegate/internal/logging"
	"offlinegate/internal/middleware"
	"offlinegate/internal/runtime"
)

// Host is the part of the worker runtime the engine drives.
type Host interface {
	Fetch(req *http.Request, clientID string) (runtime.FetchResult, error)
	Passthrough(req *http.Request) (runtime.FetchResult, error)
}

type Engine struct {
	Director      Director
	Host          Host
	Logger        logging.Logger
	FlushInterval time.Duration
}

func NewEngine(d Director, h Host, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Engine{
		Director:      d,
		Host:          h,
		Logger:        logger,
		FlushInterval: 10 * time.Millisecond,
	}
}

func (e *Engine) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	outReq, meta := e.Director.Direct(req)

	var (
		res runtime.FetchResult
		err error
	)
	if meta.Intercept {
		res, err = e.Host.Fetch(outReq, middleware.ClientIDFrom(req.Context()))
	} else {
		res, err = e.Host.Passthrough(outReq)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
			return
		}
		e.Logger.Warn("upstream request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		rw.Header().Set(middleware.SourceHeader, string(runtime.SourceNetwork))
		http.Error(rw, err.Error(), http.StatusBadGateway)
		return
	}

	resp := res.Response
	defer resp.Body.Close()

	copyHeader(rw.Header(), resp.Header)
	rw.Header().Set(middleware.SourceHeader, string(res.Source))

	trailerKeys := make([]string, 0, len(resp.Trailer))
	for k := range resp.Trailer {
		trailerKeys = append(trailerKeys, k)
	}
	if len(trailerKeys) > 0 {
		rw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	rw.WriteHeader(resp.StatusCode)

	flusher, _ := rw.(http.Flusher)
	out := &flushWriter{w: rw, flusher: flusher, interval: e.FlushInterval, last: time.Now()}
	_, copyErr := io.Copy(out, resp.Body)
	if flusher != nil {
		flusher.Flush()
	}

	for k, values := range resp.Trailer {
		for _, v := range values {
			rw.Header().Set(k, v)
		}
	}

	if copyErr != nil {
		e.Logger.Warn("copy response body", "path", req.URL.Path, "source", string(res.Source), "error", copyErr)
	}
}

// flushWriter flushes after a write once interval has passed since the
// previous flush, so slow origins deliver bytes as they arrive.
type flushWriter struct {
	w        io.Writer
	flusher  http.Flusher
	interval time.Duration
	last     time.Time
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if f.flusher != nil && time.Since(f.last) >= f.interval {
		f.flusher.Flush()
		f.last = time.Now()
	}
	return n, err
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
