// Package cache holds the named response stores the offline worker reads
// and writes. A Storage owns many named caches; each cache maps a request
// identity to the most recently observed response for it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrMethodNotCacheable = errors.New("cache: only GET requests can be cached")
	ErrNilResponse        = errors.New("cache: response is nil")
)

// Identity is the (method, URL) pair a response is keyed by. URL is the
// origin-relative request URI: path plus raw query.
type Identity struct {
	Method string
	URL    string
}

func NewIdentity(req *http.Request) Identity {
	return Identity{Method: req.Method, URL: req.URL.RequestURI()}
}

// ParseIdentity builds a GET identity from a manifest entry such as
// "/index.html" or "/app.js?v=3".
func ParseIdentity(raw string) (Identity, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("parse identity %q: %w", raw, err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return Identity{Method: http.MethodGet, URL: u.RequestURI()}, nil
}

func (id Identity) Cacheable() bool {
	return id.Method == http.MethodGet
}

func (id Identity) String() string {
	return id.Method + " " + id.URL
}

// Name is the cache name for a version tag, e.g. "orchestrator-v1".
func Name(prefix, version string) string {
	return prefix + "-" + version
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       body,
		StoredAt:   r.StoredAt,
	}
}

type Entry struct {
	ID       Identity
	Response *Response
}

type Cache interface {
	Name() string
	Match(ctx context.Context, id Identity) (*Response, bool, error)
	Put(ctx context.Context, id Identity, resp *Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Keys(ctx context.Context) ([]Identity, error)
}

type Storage interface {
	// Open returns the named cache, creating it if it does not exist.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// ValidatePut reports whether id and resp may be written to a cache.
func ValidatePut(id Identity, resp *Response) error {
	if !id.Cacheable() {
		return fmt.Errorf("%w: %s", ErrMethodNotCacheable, id)
	}
	if resp == nil {
		return ErrNilResponse
	}
	return nil
}
