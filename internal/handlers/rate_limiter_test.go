package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func limitedHandler(l *RateLimiter) http.Handler {
	return l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func requestFrom(ip, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":5123"
	return req
}

func TestRateLimiterDefaultTier(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	handler := limitedHandler(NewRateLimiter(RateLimitTiers{DefaultPerMinute: 2}, clock.Now))

	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("10.0.0.1", "/api/v1/cart")).Code)
	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("10.0.0.1", "/api/v1/cart")).Code)

	rr := serve(handler, requestFrom("10.0.0.1", "/api/v1/cart"))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeEnvelope(t, rr).Error.Code)

	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("10.0.0.2", "/api/v1/cart")).Code, "other clients keep their own bucket")

	clock.now = clock.now.Add(30 * time.Second)
	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("10.0.0.1", "/api/v1/cart")).Code, "bucket refills over time")
}

func TestRateLimiterAuthenticatedTierKeyedByToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	handler := limitedHandler(NewRateLimiter(RateLimitTiers{DefaultPerMinute: 1, AuthenticatedPerMinute: 3}, clock.Now))

	for i := 0; i < 3; i++ {
		req := requestFrom("10.0.0.1", "/api/v1/orders")
		req.Header.Set("Authorization", "Bearer token-a")
		require.Equal(t, http.StatusNoContent, serve(handler, req).Code)
	}
	req := requestFrom("10.0.0.1", "/api/v1/orders")
	req.Header.Set("Authorization", "Bearer token-a")
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, req).Code)

	other := requestFrom("10.0.0.1", "/api/v1/orders")
	other.Header.Set("Authorization", "Bearer token-b")
	assert.Equal(t, http.StatusNoContent, serve(handler, other).Code)

	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("10.0.0.1", "/api/v1/cart")).Code, "anonymous tier is separate")
}

func TestRateLimiterWebhookTier(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	handler := limitedHandler(NewRateLimiter(RateLimitTiers{DefaultPerMinute: 1, WebhookPerMinute: 2}, clock.Now))

	path := "/api/v1/payments/razorpay/webhook"
	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("52.0.0.1", path)).Code)
	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("52.0.0.1", path)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, requestFrom("52.0.0.1", path)).Code)
	assert.Equal(t, http.StatusNoContent, serve(handler, requestFrom("52.0.0.1", "/api/v1/cart")).Code)
}

func TestRateLimiterDisabledTier(t *testing.T) {
	handler := limitedHandler(NewRateLimiter(RateLimitTiers{}, nil))
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusNoContent, serve(handler, requestFrom("10.0.0.1", "/api/v1/cart")).Code)
	}
}
