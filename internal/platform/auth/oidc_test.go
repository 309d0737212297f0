package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type recordingMetrics struct {
	mu      sync.Mutex
	reasons []string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, _ string, _ bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *recordingMetrics) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reasons) == 0 {
		return ""
	}
	return m.reasons[len(m.reasons)-1]
}

type oidcFixture struct {
	validator *OIDCValidator
	metrics   *recordingMetrics
	fetches   *atomic.Int32
	sign      func(mutate func(jwt.MapClaims)) string
}

func newOIDCFixture(t *testing.T) oidcFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	fetches := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = original })

	metrics := &recordingMetrics{}
	cache := NewJWKSCache(server.URL, server.Client(), func() time.Time { return now })

	sign := func(mutate func(jwt.MapClaims)) string {
		claims := jwt.MapClaims{
			"aud":   "https://api.bazaar.test/internal",
			"iss":   "https://accounts.google.com",
			"sub":   "scheduler",
			"email": "scheduler@bazaar.iam.gserviceaccount.com",
			"exp":   float64(now.Add(time.Hour).Unix()),
			"iat":   float64(now.Unix()),
		}
		if mutate != nil {
			mutate(claims)
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "svc-key"
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}

	return oidcFixture{
		validator: NewOIDCValidator(cache, nil, metrics),
		metrics:   metrics,
		fetches:   fetches,
		sign:      sign,
	}
}

func serveOIDC(f oidcFixture, audience, token string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/checkout/sweep", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	f.validator.RequireOIDC(audience, []string{"https://accounts.google.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := ServiceIdentityFromContext(r.Context()); !ok || id.Subject != "scheduler" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)
	return rr
}

func TestRequireOIDCAcceptsValidTokenAndCachesKeys(t *testing.T) {
	f := newOIDCFixture(t)
	token := f.sign(nil)

	for i := 0; i < 2; i++ {
		if rr := serveOIDC(f, "https://api.bazaar.test/internal", token); rr.Code != http.StatusNoContent {
			t.Fatalf("attempt %d: expected 204, got %d: %s", i, rr.Code, rr.Body.String())
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("expected a single jwks fetch, got %d", got)
	}
	if f.metrics.last() != "ok" {
		t.Fatalf("expected ok metric, got %q", f.metrics.last())
	}
}

func TestRequireOIDCRejectsAudienceMismatch(t *testing.T) {
	f := newOIDCFixture(t)
	rr := serveOIDC(f, "https://other.bazaar.test", f.sign(nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if f.metrics.last() != "audience_mismatch" {
		t.Fatalf("unexpected metric %q", f.metrics.last())
	}
}

func TestRequireOIDCRejectsIssuerMismatch(t *testing.T) {
	f := newOIDCFixture(t)
	token := f.sign(func(c jwt.MapClaims) { c["iss"] = "https://evil.example" })
	if rr := serveOIDC(f, "https://api.bazaar.test/internal", token); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if f.metrics.last() != "issuer_mismatch" {
		t.Fatalf("unexpected metric %q", f.metrics.last())
	}
}

func TestRequireOIDCRejectsMissingAndExpiredTokens(t *testing.T) {
	f := newOIDCFixture(t)
	if rr := serveOIDC(f, "https://api.bazaar.test/internal", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rr.Code)
	}
	expired := f.sign(func(c jwt.MapClaims) { c["exp"] = float64(time.Unix(1_600_000_000, 0).Unix()) })
	if rr := serveOIDC(f, "https://api.bazaar.test/internal", expired); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rr.Code)
	}
	if f.metrics.last() != "token_invalid" {
		t.Fatalf("unexpected metric %q", f.metrics.last())
	}
}

func TestRequireOIDCReportsUnavailableJWKS(t *testing.T) {
	f := newOIDCFixture(t)
	token := f.sign(nil)
	f.validator.cache.url = "http://127.0.0.1:1/unreachable"

	if rr := serveOIDC(f, "https://api.bazaar.test/internal", token); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if f.metrics.last() != "jwks_unavailable" {
		t.Fatalf("unexpected metric %q", f.metrics.last())
	}
}

func TestMaxAgeParsing(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=600, must-revalidate": 600 * time.Second,
		"no-cache":                             0,
		"max-age=abc":                          0,
	}
	for header, want := range cases {
		if got := maxAge(header); got != want {
			t.Errorf("maxAge(%q) = %s, want %s", header, got, want)
		}
	}
}
