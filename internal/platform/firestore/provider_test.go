package firestore

import (
	"context"
	"errors"
	"testing"

	"github.com/bazaar-commerce/api/internal/platform/config"
)

func TestNewProviderResolvesSettings(t *testing.T) {
	t.Setenv(envProjectID, "env-project")
	t.Setenv(envEmulatorHost, "")

	p := NewProvider(config.FirestoreConfig{DatabaseID: " orders "})
	if p.project != "env-project" || p.database != "orders" || p.emulator != "" {
		t.Fatalf("unexpected settings %q %q %q", p.project, p.database, p.emulator)
	}

	p = NewProvider(config.FirestoreConfig{ProjectID: "bazaar", EmulatorHost: "127.0.0.1:8080"})
	if p.project != "bazaar" || p.database != "(default)" || p.emulator != "127.0.0.1:8080" {
		t.Fatalf("unexpected settings %q %q %q", p.project, p.database, p.emulator)
	}
}

func TestProviderRequiresProject(t *testing.T) {
	t.Setenv(envProjectID, "")
	p := NewProvider(config.FirestoreConfig{})
	if _, err := p.Client(context.Background()); err == nil {
		t.Fatal("expected missing project error")
	}
}

func TestProviderClosed(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "bazaar"})
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}
