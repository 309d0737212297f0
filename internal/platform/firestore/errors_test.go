package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code codes.Code
		want ErrorKind
	}{
		{codes.NotFound, KindNotFound},
		{codes.AlreadyExists, KindConflict},
		{codes.FailedPrecondition, KindConflict},
		{codes.Aborted, KindContention},
		{codes.Unavailable, KindUnavailable},
		{codes.ResourceExhausted, KindUnavailable},
		{codes.PermissionDenied, KindUnknown},
	}
	for _, tc := range cases {
		err := WrapError("inventory.reserve", status.Error(tc.code, "x"))
		var fsErr *Error
		if !errors.As(err, &fsErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if fsErr.Kind != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.code, tc.want, fsErr.Kind)
		}
	}
}

func TestContentionCountsAsConflict(t *testing.T) {
	err := WrapError("orders.set", status.Error(codes.Aborted, "too much contention"))
	var fsErr *Error
	if !errors.As(err, &fsErr) || !fsErr.IsConflict() || fsErr.IsUnavailable() {
		t.Fatalf("expected conflict classification, got %v", err)
	}
}

func TestWrapErrorPassesCancellationThrough(t *testing.T) {
	if err := WrapError("carts.get", status.Error(codes.Canceled, "client went away")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("carts.get", context.DeadlineExceeded); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline passthrough, got %v", err)
	}
	if WrapError("carts.get", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestWrapErrorKeepsFirstOp(t *testing.T) {
	inner := NotFoundError("", "promotion SAVE10")
	err := WrapError("promotions.by_code", inner)
	if err.(*Error).Op != "promotions.by_code" {
		t.Fatalf("expected op filled in, got %q", err.(*Error).Op)
	}
	again := WrapError("outer", err)
	if again.(*Error).Op != "promotions.by_code" {
		t.Fatalf("expected original op kept, got %q", again.(*Error).Op)
	}
	if !again.(*Error).IsNotFound() {
		t.Fatal("expected not found")
	}
}
