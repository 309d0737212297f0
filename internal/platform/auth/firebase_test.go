package auth

import (
	"context"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type recordingIDTokenClient struct {
	plain, revoked int
	deadline       time.Duration
}

func (c *recordingIDTokenClient) record(ctx context.Context) {
	if d, ok := ctx.Deadline(); ok {
		c.deadline = time.Until(d)
	}
}

func (c *recordingIDTokenClient) VerifyIDToken(ctx context.Context, _ string) (*firebaseauth.Token, error) {
	c.plain++
	c.record(ctx)
	return &firebaseauth.Token{UID: "shopper"}, nil
}

func (c *recordingIDTokenClient) VerifyIDTokenAndCheckRevoked(ctx context.Context, _ string) (*firebaseauth.Token, error) {
	c.revoked++
	c.record(ctx)
	return &firebaseauth.Token{UID: "staff"}, nil
}

func TestFirebaseVerifierChecksRevocationWhenEnabled(t *testing.T) {
	client := &recordingIDTokenClient{}
	v := newFirebaseVerifier(client, time.Second, true)

	token, err := v.VerifyIDToken(context.Background(), "tok")
	if err != nil || token.UID != "staff" {
		t.Fatalf("unexpected result %v %v", token, err)
	}
	if client.revoked != 1 || client.plain != 0 {
		t.Fatalf("expected revocation check, got plain=%d revoked=%d", client.plain, client.revoked)
	}
	if client.deadline <= 0 || client.deadline > time.Second {
		t.Fatalf("expected bounded deadline, got %s", client.deadline)
	}
}

func TestFirebaseVerifierDefaultsTimeout(t *testing.T) {
	client := &recordingIDTokenClient{}
	v := newFirebaseVerifier(client, 0, false)

	if _, err := v.VerifyIDToken(context.Background(), "tok"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if client.plain != 1 {
		t.Fatalf("expected plain verification")
	}
	if client.deadline > defaultVerifyTimeout || client.deadline < defaultVerifyTimeout-time.Second {
		t.Fatalf("expected default timeout, got %s", client.deadline)
	}
}

func TestFirebaseVerifierNil(t *testing.T) {
	var v *FirebaseVerifier
	if _, err := v.VerifyIDToken(context.Background(), "tok"); err == nil {
		t.Fatal("expected error from nil verifier")
	}
}
