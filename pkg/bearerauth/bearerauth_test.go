package bearerauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
)

const secret = "test-secret-key"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newHandler(v *Verifier) (http.Handler, *string) {
	var seen string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(AuthedHeader)
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestValidTokenSetsSubject(t *testing.T) {
	v := New(secret, logging.New())
	h, seen := newHandler(v)

	tok := sign(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
	if *seen != "alice" {
		t.Fatalf("want alice, got %q", *seen)
	}
}

func TestMissingSubjectIsAnonymous(t *testing.T) {
	v := New(secret, logging.New())
	h, seen := newHandler(v)

	tok := sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if *seen != "anonymous" {
		t.Fatalf("want anonymous, got %q", *seen)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	v := New(secret, logging.New())
	h, _ := newHandler(v)

	tok := sign(t, jwt.MapClaims{"sub": "bob", "exp": time.Now().Add(-time.Hour).Unix()})
	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rr.Code)
	}
}

func TestNotYetValidTokenRejected(t *testing.T) {
	v := New(secret, logging.New())
	h, _ := newHandler(v)

	tok := sign(t, jwt.MapClaims{"sub": "bob", "nbf": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rr.Code)
	}
}

func TestMissingHeaderRejected(t *testing.T) {
	v := New(secret, logging.New())
	h, _ := newHandler(v)

	req := httptest.NewRequest("POST", "/x", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rr.Code)
	}
}

func TestMissingBearerPrefixRejected(t *testing.T) {
	v := New(secret, logging.New())
	h, _ := newHandler(v)

	tok := sign(t, jwt.MapClaims{"sub": "bob"})
	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rr.Code)
	}
}

func TestInboundAuthedSubHeaderIsStripped(t *testing.T) {
	v := New(secret, logging.New())
	h, seen := newHandler(v)

	tok := sign(t, jwt.MapClaims{"sub": "real-user"})
	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(AuthedHeader, "spoofed-admin")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if *seen != "real-user" {
		t.Fatalf("inbound spoofed header should be overridden, got %q", *seen)
	}
}

func TestWrongSigningKeyRejected(t *testing.T) {
	v := New(secret, logging.New())
	h, _ := newHandler(v)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	s, _ := token.SignedString([]byte("wrong-secret"))

	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+s)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rr.Code)
	}
}
