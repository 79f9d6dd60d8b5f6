package util

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func noContent() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(nil, noContent())

	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	for _, kv := range apiResponseHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Fatalf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("did not expect HSTS for plain http request, got %q", got)
	}
}

func TestWithSecurityHeadersHSTS(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	h := WithSecurityHeaders(trusted, noContent())

	tests := []struct {
		name       string
		remoteAddr string
		proto      string
		tls        bool
		wantHSTS   bool
	}{
		{name: "direct tls", remoteAddr: "203.0.113.9:4000", tls: true, wantHSTS: true},
		{name: "trusted proxy https", remoteAddr: "10.1.2.3:4000", proto: "https", wantHSTS: true},
		{name: "trusted proxy http", remoteAddr: "10.1.2.3:4000", proto: "http"},
		{name: "untrusted peer claims https", remoteAddr: "203.0.113.9:4000", proto: "https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS && got != hstsValue {
				t.Fatalf("expected HSTS, got %q", got)
			}
			if !tt.wantHSTS && got != "" {
				t.Fatalf("unexpected HSTS %q", got)
			}
		})
	}
}
