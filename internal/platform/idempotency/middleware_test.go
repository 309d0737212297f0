package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bazaar-commerce/api/internal/platform/auth"
)

var fixedTime = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test")
}

func post(handler http.Handler, key, body, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if user != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: user, Roles: []string{auth.RoleUser}}))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	post(handler, "", `{}`, "u1")
	post(handler, "", `{}`, "u1")
	if calls != 2 {
		t.Fatalf("expected both requests to run, got %d", calls)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	stores := map[string]Store{"memory": NewMemoryStore(), "redis": newRedis(t)}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			calls := 0
			handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"success":true}`))
			}))

			first := post(handler, "abc-123", `{"cart":"c1"}`, "u1")
			second := post(handler, "abc-123", `{"cart":"c1"}`, "u1")

			if calls != 1 {
				t.Fatalf("expected a single execution, got %d", calls)
			}
			if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
				t.Fatalf("unexpected replay %d %q", second.Code, second.Body.String())
			}
			if second.Header().Get("X-Idempotent-Replay") != "true" {
				t.Fatalf("expected replay header")
			}
			if second.Header().Get("Content-Type") != "application/json" {
				t.Fatalf("expected stored content type")
			}
		})
	}
}

func TestMiddlewareRejectsDifferentPayloadForSameKey(t *testing.T) {
	handler := Middleware(newRedis(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	post(handler, "k", `{"a":1}`, "u1")
	rr := post(handler, "k", `{"a":2}`, "u1")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	post(handler, "shared", `{}`, "u1")
	post(handler, "shared", `{}`, "u2")
	if calls != 2 {
		t.Fatalf("keys must not collide across callers, got %d executions", calls)
	}
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	if rr := post(handler, "retry", `{}`, "u1"); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if rr := post(handler, "retry", `{}`, "u1"); rr.Code != http.StatusCreated {
		t.Fatalf("expected retry to execute, got %d", rr.Code)
	}
}

func TestRedisStoreReportsPendingReservation(t *testing.T) {
	store := newRedis(t)
	ctx := context.Background()
	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %+v %v", res, err)
	}
	res, err = store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %+v %v", res, err)
	}
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err = store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected key to be reusable after release, got %+v %v", res, err)
	}
}

func TestMemoryStoreExpiresAndEvicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "stale", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := store.Reserve(ctx, "stale", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expired key must be reusable, got %+v %v", res, err)
	}

	later := fixedTime.Add(time.Hour)
	for i := 0; i < evictEvery; i++ {
		key := string(rune('a'+i%26)) + time.Duration(i).String()
		if _, err := store.Reserve(ctx, key, "fp", later, time.Minute); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if n := store.Len(); n != evictEvery {
		t.Fatalf("expected stale record evicted leaving %d, got %d", evictEvery, n)
	}
}
