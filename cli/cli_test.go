package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"peerpresence/backend"
	"peerpresence/models"
	"peerpresence/storage"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startBackend(t *testing.T, dataDir string) (string, *storage.Store) {
	t.Helper()

	store, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv, err := backend.NewServer(backend.Options{Store: store})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return httpSrv.URL, store
}

func runCLI(t *testing.T, ctx context.Context, out io.Writer, args ...string) error {
	t.Helper()

	root := NewRootCommand("test")
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func execCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	err := runCLI(t, context.Background(), &out, args...)
	return out.String(), err
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func TestVersionCommand(t *testing.T) {
	out, err := execCLI(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out) != "peerpresence test" {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRegisterDiscoverDisconnectCommands(t *testing.T) {
	dataDir := t.TempDir()
	url, _ := startBackend(t, dataDir)
	common := []string{"--data-dir", dataDir, "--backend-url", url, "--log-level", "error"}

	out, err := execCLI(t, append([]string{"register", "--peer-id", "abc123", "--device-type", "laptop", "--name", ""}, common...)...)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !strings.Contains(out, `"peer_id":"abc123"`) {
		t.Fatalf("expected register response, got %q", out)
	}

	out, err = execCLI(t, append([]string{"discover"}, common...)...)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	for _, want := range []string{"Peer abc123...", "laptop", "[connected]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in discover output:\n%s", want, out)
		}
	}

	if _, err := execCLI(t, append([]string{"disconnect", "abc123"}, common...)...); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	out, err = execCLI(t, append([]string{"discover", "--json", "--peer-id", "abc123"}, common...)...)
	if err != nil {
		t.Fatalf("discover --json failed: %v", err)
	}
	if !strings.Contains(out, `"status":"disconnected"`) {
		t.Fatalf("expected disconnected record, got %q", out)
	}

	out, err = execCLI(t, append([]string{"history", "abc123"}, common...)...)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "DISCONNECTED") || strings.Count(out, "CONNECTED") < 2 {
		t.Fatalf("expected both transitions in history:\n%s", out)
	}
}

func TestDiscoverEmptyBackend(t *testing.T) {
	dataDir := t.TempDir()
	url, _ := startBackend(t, dataDir)

	out, err := execCLI(t, "discover", "--data-dir", dataDir, "--backend-url", url, "--log-level", "error")
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if !strings.Contains(out, "No peers found.") {
		t.Fatalf("expected empty state, got %q", out)
	}
}

func TestDiscoverReportsUnreachableBackend(t *testing.T) {
	dataDir := t.TempDir()
	httpSrv := httptest.NewServer(nil)
	url := httpSrv.URL
	httpSrv.Close()

	if _, err := execCLI(t, "discover", "--data-dir", dataDir, "--backend-url", url, "--log-level", "error"); err == nil {
		t.Fatalf("expected error for unreachable backend")
	}
}

func TestWatchRegistersRendersAndDisconnectsOnExit(t *testing.T) {
	dataDir := t.TempDir()
	url, store := startBackend(t, dataDir)
	t.Setenv("PEERPRESENCE_DEVICE_NAME", "Watcher")
	t.Setenv("PEERPRESENCE_DEVICE_TYPE", "desktop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runCLI(t, ctx, &out, "watch", "--data-dir", dataDir, "--backend-url", url, "--log-level", "error")
	}()

	waitForCondition(t, 5*time.Second, func() bool {
		return strings.Contains(out.String(), "Watcher")
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not exit after cancel")
	}

	peers, err := store.ListPeers(context.Background(), "")
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].Name != "Watcher" {
		t.Fatalf("expected watcher record, got %+v", peers)
	}
	if peers[0].Status != models.StatusDisconnected {
		t.Fatalf("expected watcher to disconnect on exit, got %q", peers[0].Status)
	}
}
