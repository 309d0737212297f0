//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	pconfig "github.com/bazaar-commerce/api/internal/platform/config"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// One emulator serves every test in the package; tests isolate themselves by project id.
var shared struct {
	once      sync.Once
	endpoint  string
	container string
	err       error
	skip      string
}

func TestMain(m *testing.M) {
	code := m.Run()
	if shared.container != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = exec.CommandContext(ctx, "docker", "stop", shared.container).Run()
		cancel()
	}
	os.Exit(code)
}

func newEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	shared.once.Do(startEmulator)
	switch {
	case shared.skip != "":
		t.Skip(shared.skip)
	case shared.err != nil:
		t.Fatalf("firestore emulator: %v", shared.err)
	}

	// a fresh project per test keeps documents from leaking between tests
	project := fmt.Sprintf("%s-%d", projectID, time.Now().UnixNano())
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: project, EmulatorHost: shared.endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func startEmulator() {
	if host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST")); host != "" {
		shared.endpoint = host
		return
	}
	if _, err := exec.LookPath("docker"); err != nil {
		shared.skip = "neither FIRESTORE_EMULATOR_HOST nor docker available"
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		shared.skip = "docker daemon not reachable: " + err.Error()
		return
	}

	port, err := freePort()
	if err != nil {
		shared.err = err
		return
	}
	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		shared.err = fmt.Errorf("docker run: %v: %s", err, out)
		return
	}
	shared.container = strings.TrimSpace(string(out))
	shared.endpoint = fmt.Sprintf("127.0.0.1:%d", port)
	shared.err = waitForEndpoint(shared.endpoint, 30*time.Second)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForEndpoint(endpoint string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("emulator at %s not ready after %s", endpoint, timeout)
}
