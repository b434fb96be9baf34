package proxy_test

import (
	"net/http"
	"testing"

	"offlinegate/internal/proxy"
)

func TestScopeDirector_InScope(t *testing.T) {
	tests := []struct {
		scope string
		path  string
		want  bool
	}{
		{"/", "/", true},
		{"/", "/api/projects", true},
		{"/app/", "/app/index.html", true},
		{"/app/", "/app", true},
		{"/app/", "/application", false},
		{"/app/", "/other", false},
	}
	for _, tt := range tests {
		d := proxy.NewScopeDirector(tt.scope)
		req, _ := http.NewRequest(http.MethodGet, "http://example.com"+tt.path, nil)
		_, meta := d.Direct(req)
		if meta.Intercept != tt.want {
			t.Errorf("scope %q path %q: expected Intercept=%v, got %v", tt.scope, tt.path, tt.want, meta.Intercept)
		}
	}
}

func TestScopeDirector_DefaultScope(t *testing.T) {
	d := proxy.NewScopeDirector("")
	if d.Scope != "/" {
		t.Fatalf("expected default scope /, got %q", d.Scope)
	}
}

func TestScopeDirector_XForwardedFor_Appending(t *testing.T) {
	d := proxy.NewScopeDirector("/")

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.5")
	req.RemoteAddr = "172.16.0.10:54321"

	outReq, _ := d.Direct(req)

	expected := "192.168.1.1, 10.0.0.5, 172.16.0.10"
	if got := outReq.Header.Get("X-Forwarded-For"); got != expected {
		t.Errorf("X-Forwarded-For appending failed.\nExpected: %q\nGot: \t%q", expected, got)
	}
	if req.Header.Get("X-Forwarded-For") != "192.168.1.1, 10.0.0.5" {
		t.Error("incoming request headers must not be modified")
	}

	req2, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req2.RemoteAddr = "10.0.0.25"
	outReq2, _ := d.Direct(req2)

	if got := outReq2.Header.Get("X-Forwarded-For"); got != "10.0.0.25" {
		t.Errorf("X-Forwarded-For for bare IP failed. Expected: %q, Got: %q", "10.0.0.25", got)
	}

	req3, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req3.RemoteAddr = "tcp://10.0.0.50:8080"
	outReq3, _ := d.Direct(req3)

	if got := outReq3.Header.Get("X-Forwarded-For"); got != "10.0.0.50" {
		t.Errorf("X-Forwarded-For scheme sanitization failed.\nExpected: %q\nGot:\t%q", "10.0.0.50", got)
	}
}
