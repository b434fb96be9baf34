package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"offlinegate/internal/cache"
	"offlinegate/internal/metrics"
	"offlinegate/internal/runtime"
)

var errBodyTooLarge = errors.New("body exceeds cache limit")

// HandleFetch answers GET requests cache first. A hit is returned at once and
// refreshed in the background; a miss goes to the network and a copy of
// the streamed body is stored once the caller has read it. Other methods
// are left unanswered so the host sends them to the network untouched. An
// event answered by another listener first keeps that answer.
func (w *Worker) HandleFetch(ev *runtime.FetchEvent) {
	req := ev.Request
	if req.Method != http.MethodGet {
		return
	}
	id := cache.NewIdentity(req)
	ctx := req.Context()

	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		w.logger.Warn("open cache failed, using network", "url", id.URL, "error", err)
	}

	var cached *cache.Response
	hit := false
	if c != nil {
		cached, hit, err = c.Match(ctx, id)
		if err != nil {
			w.logger.Warn("cache lookup failed, treating as miss", "url", id.URL, "error", err)
			hit = false
		}
	}

	if hit {
		metrics.IncCacheHit(w.cacheName)
		if err := ev.RespondWith(toHTTPResponse(cached, req), runtime.SourceCache); err != nil {
			w.logger.Debug("cached answer dropped", "url", id.URL, "error", err)
		}
		ev.WaitUntil(func(ctx context.Context) error {
			w.refresh(ctx, c, req, id)
			return nil
		})
		return
	}

	metrics.IncCacheMiss(w.cacheName)
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		metrics.IncNetworkFailure(w.cacheName, false)
		w.logger.Debug("network fetch failed with no cached copy", "url", id.URL, "error", err)
		if rerr := ev.RespondWithError(err); rerr != nil {
			w.logger.Debug("network error dropped", "url", id.URL, "error", rerr)
		}
		return
	}

	if c != nil {
		captured := newCaptureBody(resp.Body, w.maxBody)
		resp.Body = captured
		ev.WaitUntil(func(ctx context.Context) error {
			select {
			case result := <-captured.done:
				if result.err != nil {
					w.skipWrite(id, reasonFor(result.err), result.err)
					return nil
				}
				w.store(ctx, c, id, resp.StatusCode, resp.Header, result.body)
			case <-ctx.Done():
				w.skipWrite(id, "timeout", ctx.Err())
			}
			return nil
		})
	}
	if err := ev.RespondWith(resp, runtime.SourceNetwork); err != nil {
		w.logger.Debug("network answer dropped", "url", id.URL, "error", err)
		_ = resp.Body.Close()
	}
}

// refresh re-fetches id after a cache hit and overwrites the entry. The
// caller already has its answer, so failures are only logged.
func (w *Worker) refresh(ctx context.Context, c cache.Cache, req *http.Request, id cache.Identity) {
	resp, err := w.network.Fetch(ctx, req.Clone(ctx))
	if err != nil {
		metrics.IncNetworkFailure(w.cacheName, true)
		w.logger.Debug("background refresh failed", "url", id.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, w.maxBody)
	if err != nil {
		w.skipWrite(id, reasonFor(err), err)
		return
	}
	w.store(ctx, c, id, resp.StatusCode, resp.Header, body)
}

func (w *Worker) store(ctx context.Context, c cache.Cache, id cache.Identity, status int, header http.Header, body []byte) {
	if status == http.StatusPartialContent {
		w.skipWrite(id, "partial", fmt.Errorf("status %d", status))
		return
	}
	if header.Get("Vary") == "*" {
		w.skipWrite(id, "vary", errors.New("Vary: *"))
		return
	}
	err := c.Put(ctx, id, &cache.Response{
		StatusCode: status,
		Header:     storableHeader(header),
		Body:       body,
	})
	if err != nil {
		w.skipWrite(id, "store", err)
		return
	}
	w.logger.Debug("cache entry stored", "url", id.URL, "status", status, "bytes", len(body))
}

func (w *Worker) skipWrite(id cache.Identity, reason string, err error) {
	metrics.IncCacheWriteFailure(w.cacheName, reason)
	w.logger.Warn("cache write skipped", "url", id.URL, "reason", reason, "error", err)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return "too_large"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "incomplete"
	default:
		return "read"
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

type captureResult struct {
	body []byte
	err  error
}

// captureBody copies what the caller reads so the full body can be stored
// after the response has been streamed. The copy is offered on done when
// the body is closed.
type captureBody struct {
	rc    io.ReadCloser
	limit int64
	buf   bytes.Buffer
	eof   bool
	err   error
	once  sync.Once
	done  chan captureResult
}

func newCaptureBody(rc io.ReadCloser, limit int64) *captureBody {
	return &captureBody{
		rc:    rc,
		limit: limit,
		done:  make(chan captureResult, 1),
	}
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 && b.err == nil {
		if int64(b.buf.Len()+n) > b.limit {
			b.err = errBodyTooLarge
			b.buf = bytes.Buffer{}
		} else {
			b.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) {
		b.eof = true
	} else if err != nil && b.err == nil {
		b.err = err
	}
	return n, err
}

func (b *captureBody) Close() error {
	err := b.rc.Close()
	b.once.Do(func() {
		res := captureResult{err: b.err}
		if res.err == nil && !b.eof {
			res.err = io.ErrUnexpectedEOF
		}
		if res.err == nil {
			res.body = b.buf.Bytes()
		}
		b.done <- res
	})
	return err
}

// hop-by-hop and per-transfer headers are not kept with a cached copy.
var unstoredHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Trailer",
	"Upgrade",
	"Content-Length",
}

func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, k := range unstoredHeaders {
		out.Del(k)
	}
	return out
}

func toHTTPResponse(c *cache.Response, req *http.Request) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.StatusCode, http.StatusText(c.StatusCode)),
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}
