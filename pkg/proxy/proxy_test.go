package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/metrics"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/keypool"
)

func TestProxyForwardsAndReleasesLease(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Openai-Organization", "org-test")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	pool := keypool.New([]string{"sk-test-key"})
	h := New(upstream.URL, pool, metrics.New(), logging.New())

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if gotAuth != "Bearer sk-test-key" {
		t.Fatalf("want Authorization forwarded with leased key, got %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("want path forwarded unchanged, got %q", gotPath)
	}
	if gotBody != `{"model":"gpt-4"}` {
		t.Fatalf("want body forwarded unchanged, got %q", gotBody)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
	if rr.Body.String() != `{"ok":true}` {
		t.Fatalf("want upstream body relayed, got %q", rr.Body.String())
	}
	if rr.Header().Get("Openai-Organization") != "org-test" {
		t.Fatal("want upstream response headers relayed")
	}

	if pool.Len() != pool.Cap() {
		t.Fatalf("want lease released back to pool, got len=%d cap=%d", pool.Len(), pool.Cap())
	}
}

func TestProxyTimeoutMapsTo504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	saved := upstreamClient
	upstreamClient = &http.Client{Timeout: 1 * time.Millisecond}
	defer func() { upstreamClient = saved }()

	pool := keypool.New([]string{"sk-test-key"})
	h := New(upstream.URL, pool, metrics.New(), logging.New())

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504 on upstream timeout, got %d", rr.Code)
	}
	if pool.Len() != pool.Cap() {
		t.Fatal("want lease released even on timeout")
	}
}

func TestProxyAcquireContextCanceledReturnsGatewayTimeout(t *testing.T) {
	pool := keypool.New(nil) // empty pool: Acquire blocks until ctx is done
	h := New("http://example.invalid", pool, metrics.New(), logging.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504 when no credential becomes available, got %d", rr.Code)
	}
}

type erroringTransport struct{}

func (erroringTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection reset by peer")
}

func TestProxyNonTimeoutUpstreamErrorMapsTo500(t *testing.T) {
	saved := upstreamClient
	upstreamClient = &http.Client{Transport: erroringTransport{}}
	defer func() { upstreamClient = saved }()

	pool := keypool.New([]string{"sk-test-key"})
	h := New("http://example.invalid", pool, metrics.New(), logging.New())

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("want 500 for a non-timeout upstream failure, got %d", rr.Code)
	}
	if pool.Len() != pool.Cap() {
		t.Fatal("want lease released on a non-timeout upstream failure")
	}
}
