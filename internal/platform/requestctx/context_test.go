package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerOrPrefersRequestLogger(t *testing.T) {
	base := zap.NewExample()
	request := zap.NewExample().With(zap.String("request_id", "r1"))

	if got := LoggerOr(context.Background(), base); got != base {
		t.Fatal("expected fallback without a request logger")
	}
	ctx := WithLogger(context.Background(), request)
	if got := LoggerOr(ctx, base); got != request {
		t.Fatal("expected request logger")
	}
	if got := WithLogger(ctx, nil); LoggerOr(got, base) != request {
		t.Fatal("nil logger must not replace the attached one")
	}
	if Logger(context.Background()) == nil {
		t.Fatal("expected no-op logger")
	}
}

func TestTraceID(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Fatal("expected empty trace id")
	}
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", ProjectID: "bazaar"})
	if TraceID(ctx) != "abc" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
}
