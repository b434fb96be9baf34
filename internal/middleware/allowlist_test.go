package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"offlinegate/internal/logging"
)

func TestAllowCIDRs_DeniesOutsideRange(t *testing.T) {
	mw, err := AllowCIDRs(logging.Nop{}, []string{"127.0.0.0/8"})
	if err != nil {
		t.Fatalf("AllowCIDRs error: %v", err)
	}

	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/-/worker", nil)
	req.RemoteAddr = "10.1.2.3:12345"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if called {
		t.Fatal("expected next handler not to be called")
	}
}

func TestAllowCIDRs_AllowsInsideRange(t *testing.T) {
	mw, err := AllowCIDRs(logging.Nop{}, []string{"127.0.0.0/8", "::1/128"})
	if err != nil {
		t.Fatalf("AllowCIDRs error: %v", err)
	}

	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	for _, addr := range []string{"127.0.0.1:5555", "[::1]:5555"} {
		called = false
		req := httptest.NewRequest(http.MethodGet, "http://example.com/-/worker", nil)
		req.RemoteAddr = addr

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if !called {
			t.Fatalf("expected next handler to be called for %s", addr)
		}
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	}
}

func TestAllowCIDRs_EmptyAllowsAll(t *testing.T) {
	mw, err := AllowCIDRs(nil, nil)
	if err != nil {
		t.Fatalf("AllowCIDRs error: %v", err)
	}

	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RemoteAddr = "203.0.113.9:1"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
}

func TestAllowCIDRs_InvalidCIDR(t *testing.T) {
	if _, err := AllowCIDRs(logging.Nop{}, []string{"not-a-cidr"}); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}
