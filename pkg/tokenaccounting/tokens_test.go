package tokenaccounting

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/config"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/metrics"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/sink"
)

type memSink struct {
	mu     sync.Mutex
	tokens []sink.TokenUsageLog
}

func (m *memSink) Init() error { return nil }
func (m *memSink) LogAccess(sink.AccessLog) {}
func (m *memSink) LogTokens(rec sink.TokenUsageLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, rec)
}
func (m *memSink) waitForTokens(t *testing.T, n int) []sink.TokenUsageLog {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		got := len(m.tokens)
		m.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sink.TokenUsageLog(nil), m.tokens...)
}

func defaultFilters() config.AuditTokensFilterConfig {
	return config.AuditTokensFilterConfig{
		Enable:       true,
		Endpoints:    []string{"/completions", "/chat/completions"},
		StreamTokens: config.StreamEstimate,
	}
}

func TestTokenAccountingNonStreamUsage(t *testing.T) {
	ms := &memSink{}
	layer := New(defaultFilters(), ms, metrics.New(), logging.New())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	})

	req := httptest.NewRequest("POST", "/chat/completions", strings.NewReader(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`))
	rr := httptest.NewRecorder()
	layer.Middleware(inner).ServeHTTP(rr, req)

	recs := ms.waitForTokens(t, 1)
	if len(recs) != 1 {
		t.Fatalf("want 1 token record, got %d", len(recs))
	}
	if recs[0].IsEstimated {
		t.Fatal("non-stream usage should not be marked estimated")
	}
	if recs[0].Usage.Total != 15 {
		t.Fatalf("want total 15, got %d", recs[0].Usage.Total)
	}
}

func TestTokenAccountingStreamEstimateChat(t *testing.T) {
	ms := &memSink{}
	layer := New(defaultFilters(), ms, metrics.New(), logging.New())

	sse := strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`data: [DONE]`,
	}, "\n\n") + "\n\n"

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sse))
	})

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/chat/completions", strings.NewReader(body))
	rr := httptest.NewRecorder()
	layer.Middleware(inner).ServeHTTP(rr, req)

	if rr.Body.String() != sse {
		t.Fatalf("client should see unmodified SSE body, got %q", rr.Body.String())
	}

	recs := ms.waitForTokens(t, 1)
	if len(recs) != 1 {
		t.Fatalf("want 1 token record, got %d", len(recs))
	}
	if !recs[0].IsEstimated {
		t.Fatal("stream+estimate usage should be marked estimated")
	}
	if recs[0].Usage.Completion == 0 {
		t.Fatal("expected nonzero completion tokens from accumulated 'Hello'")
	}
}

func TestTokenAccountingStreamRejectReturns400(t *testing.T) {
	ms := &memSink{}
	filters := defaultFilters()
	filters.StreamTokens = config.StreamReject
	layer := New(filters, ms, metrics.New(), logging.New())

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest("POST", "/chat/completions", strings.NewReader(`{"model":"gpt-4","stream":true}`))
	rr := httptest.NewRecorder()
	layer.Middleware(inner).ServeHTTP(rr, req)

	if called {
		t.Fatal("inner handler must not run when stream is rejected")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}

func TestTokenAccountingStreamSkipDoesNotRecord(t *testing.T) {
	ms := &memSink{}
	filters := defaultFilters()
	filters.StreamTokens = config.StreamSkip
	layer := New(filters, ms, metrics.New(), logging.New())

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/chat/completions", strings.NewReader(`{"model":"gpt-4","stream":true}`))
	rr := httptest.NewRecorder()
	layer.Middleware(inner).ServeHTTP(rr, req)

	if !called {
		t.Fatal("inner handler should still run when skipping token accounting")
	}
	if len(ms.waitForTokens(t, 0)) != 0 {
		t.Fatal("stream+skip should not emit a token record")
	}
}

func TestTokenAccountingMissingModelReturns400(t *testing.T) {
	ms := &memSink{}
	layer := New(defaultFilters(), ms, metrics.New(), logging.New())

	req := httptest.NewRequest("POST", "/chat/completions", strings.NewReader(`{"messages":[]}`))
	rr := httptest.NewRecorder()
	layer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for missing model, got %d", rr.Code)
	}
}

func TestTokenAccountingUnsupportedEndpointUnderEstimateIsOmitted(t *testing.T) {
	ms := &memSink{}
	filters := defaultFilters()
	filters.Endpoints = []string{"/edits"}
	layer := New(filters, ms, metrics.New(), logging.New())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`data: {"choices":[{"index":0,"text":"x"}]}` + "\n\ndata: [DONE]\n\n"))
	})

	req := httptest.NewRequest("POST", "/edits", strings.NewReader(`{"model":"gpt-4","stream":true}`))
	rr := httptest.NewRecorder()
	layer.Middleware(inner).ServeHTTP(rr, req)

	if len(ms.waitForTokens(t, 0)) != 0 {
		t.Fatal("unsupported endpoint under estimate should not emit a token record")
	}
}

func TestSSEEventsStripsDataPrefixAndStopsAtDone(t *testing.T) {
	raw := []byte("data: {\"a\":1}\n\ndata: {\"a\":2}\n\ndata: [DONE]\n\ndata: {\"a\":3}\n\n")
	got := sseEvents(raw)
	if len(got) != 2 {
		t.Fatalf("want 2 events before [DONE], got %d: %v", len(got), got)
	}
	if got[0] != `{"a":1}` || got[1] != `{"a":2}` {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestCountCompletionsTokensSumsPerChoiceIndex(t *testing.T) {
	req := map[string]any{"prompt": "hello"}
	resp := []byte(
		fmt.Sprintf("data: %s\n\ndata: %s\n\ndata: [DONE]\n\n",
			`{"choices":[{"index":0,"text":"foo"}]}`,
			`{"choices":[{"index":0,"text":"bar"},{"index":1,"text":"baz"}]}`,
		),
	)
	usage, err := countCompletionsTokens("gpt-4", req, resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.Completion == 0 {
		t.Fatal("expected nonzero completion tokens")
	}
	if usage.Total != usage.Prompt+usage.Completion {
		t.Fatalf("total should equal prompt+completion, got %+v", usage)
	}
}
