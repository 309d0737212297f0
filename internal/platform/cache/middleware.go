package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bazaar-commerce/api/internal/platform/requestctx"
	"go.uber.org/zap"
)

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// ScopeFunc returns the identity a cached response belongs to. An empty scope disables caching.
type ScopeFunc func(r *http.Request) string

// Middleware serves GET requests for pattern from store and fills it on 200 responses. A nil store
// or non-positive ttl turns the middleware into a pass-through.
func Middleware(store Store, pattern string, ttl time.Duration, scope ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil || ttl <= 0 || scope == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			owner := scope(r)
			if owner == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := Key(pattern, owner, r.URL.RequestURI())

			if raw, ok, err := store.Get(ctx, key); err != nil {
				logFailure(ctx, "cache get failed", key, err)
			} else if ok {
				var resp cachedResponse
				if err := json.Unmarshal(raw, &resp); err == nil {
					w.Header().Set("Content-Type", resp.ContentType)
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(resp.Status)
					_, _ = w.Write(resp.Body)
					return
				}
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(rec, r)
			if rec.status != http.StatusOK {
				return
			}
			raw, err := json.Marshal(cachedResponse{
				Status:      rec.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := store.Set(ctx, pattern, key, raw, ttl); err != nil {
				logFailure(ctx, "cache set failed", key, err)
			}
		})
	}
}

// Key builds the entry key for a request URI under pattern for one owner.
func Key(pattern, owner, uri string) string {
	return pattern + "|" + owner + "|" + uri
}

func logFailure(ctx context.Context, msg, key string, err error) {
	requestctx.Logger(ctx).Warn(msg, zap.String("cache_key", key), zap.Error(err))
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
