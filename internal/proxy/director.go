package proxy

import (
	"net"
	"net/http"
	"strings"
)

type Director interface {
	Direct(req *http.Request) (*http.Request, RouteMetadata)
}

// RouteMetadata says how the engine should handle a directed request.
// Intercept is false for paths outside the worker's scope, which go to
// the origin without involving the worker.
type RouteMetadata struct {
	Scope     string
	Intercept bool
}

type ScopeDirector struct {
	Scope string
}

func NewScopeDirector(scope string) *ScopeDirector {
	if scope == "" {
		scope = "/"
	}
	return &ScopeDirector{Scope: scope}
}

func (d *ScopeDirector) InScope(path string) bool {
	if strings.HasPrefix(path, d.Scope) {
		return true
	}
	// "/app/" also covers "/app" itself.
	return strings.HasSuffix(d.Scope, "/") && path == strings.TrimSuffix(d.Scope, "/")
}

func (d *ScopeDirector) Direct(req *http.Request) (*http.Request, RouteMetadata) {
	outReq := req.Clone(req.Context())
	rawAddr := req.RemoteAddr
	if strings.Contains(rawAddr, "://") {
		if parts := strings.SplitN(rawAddr, "://", 2); len(parts) == 2 {
			rawAddr = parts[1]
		}
	}
	clientIP := ""
	if host, _, err := net.SplitHostPort(rawAddr); err == nil {
		clientIP = host
	} else if strings.Contains(err.Error(), "missing port in address") {
		clientIP = rawAddr
	}

	if clientIP != "" {
		prior := req.Header.Get("X-Forwarded-For")
		if prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	return outReq, RouteMetadata{
		Scope:     d.Scope,
		Intercept: d.InScope(req.URL.Path),
	}
}
