package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/platform/httpx"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimitTiers sets per-minute request budgets. A non-positive value disables that tier.
type RateLimitTiers struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookPerMinute       int
}

// RateLimiter keeps one token bucket per caller and tier.
type RateLimiter struct {
	tiers map[string]int
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	tierDefault       = "default"
	tierAuthenticated = "authenticated"
	tierWebhook       = "webhook"
)

// NewRateLimiter constructs a limiter. clock may be nil.
func NewRateLimiter(tiers RateLimitTiers, clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		tiers: map[string]int{
			tierDefault:       tiers.DefaultPerMinute,
			tierAuthenticated: tiers.AuthenticatedPerMinute,
			tierWebhook:       tiers.WebhookPerMinute,
		},
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// Middleware throttles requests. Webhook deliveries are keyed by source address on their own tier,
// bearer-token callers by token digest, everyone else by client address.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier, key := classifyCaller(r)
		if l.allow(tier, key) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds(tier)))
		httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
	})
}

func (l *RateLimiter) allow(tier, key string) bool {
	perMinute := l.tiers[tier]
	if perMinute <= 0 {
		return true
	}
	now := l.clock()
	id := tier + "|" + key

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	l.pruneLocked(now)
	return b.limiter.AllowN(now, 1)
}

func (l *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < limiterIdleTTL {
		return
	}
	l.lastPrune = now
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, id)
		}
	}
}

func (l *RateLimiter) retryAfterSeconds(tier string) int {
	perMinute := l.tiers[tier]
	if perMinute <= 0 {
		return 1
	}
	seconds := 60 / perMinute
	if seconds < 1 {
		return 1
	}
	return seconds
}

func classifyCaller(r *http.Request) (string, string) {
	if strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), "/webhook") {
		return tierWebhook, clientIP(r)
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return tierAuthenticated, "uid:" + identity.UID
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); len(header) > len("bearer ") && strings.EqualFold(header[:7], "bearer ") {
		sum := sha256.Sum256([]byte(strings.TrimSpace(header[7:])))
		return tierAuthenticated, "token:" + hex.EncodeToString(sum[:12])
	}
	return tierDefault, clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
