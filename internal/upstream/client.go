package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher performs a network fetch for a request. Implementations return
// the response unread; the caller owns and must close the body.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// hop-by-hop headers are not forwarded to the origin.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client sends requests to a single origin. Request URLs may be origin
// relative ("/index.html"); scheme and host always come from the origin.
type Client struct {
	origin *url.URL
	http   *http.Client
}

func NewClient(origin *url.URL, rt http.RoundTripper, timeout time.Duration) *Client {
	return &Client{
		origin: origin,
		http: &http.Client{
			Transport: rt,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *Client) Origin() *url.URL {
	u := *c.origin
	return &u
}

func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = c.target(req.URL)
	out.Host = c.origin.Host
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", req.Method, out.URL.Redacted(), err)
	}
	return resp, nil
}

func (c *Client) target(u *url.URL) *url.URL {
	t := *c.origin
	t.Path = joinPath(c.origin.Path, u.Path)
	t.RawPath = ""
	t.RawQuery = u.RawQuery
	t.Fragment = ""
	return &t
}

func joinPath(a, b string) string {
	if a == "" {
		a = "/"
	}
	if b == "" {
		return a
	}
	switch aslash, bslash := strings.HasSuffix(a, "/"), strings.HasPrefix(b, "/"); {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
