package authority

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func renamedPolicy(name string) string {
	return strings.Replace(testPolicy, "policy: test_policy", "policy: "+name, 1)
}

func TestReloadSwapsPolicy(t *testing.T) {
	f := newFixture(t, nil)
	path := writeTempFile(t, t.TempDir(), "policy.yaml", renamedPolicy("second"))

	r, err := NewReloader(f.svc, path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.watcher.Close()

	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	p, hash := f.svc.Policy()
	if p.Name != "second" {
		t.Errorf("expected policy second, got %s", p.Name)
	}
	if !strings.HasPrefix(hash, "sha256:") || hash == testHash {
		t.Errorf("expected file hash, got %s", hash)
	}
	if got := testutil.ToFloat64(f.metrics.PolicyReloads.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok reloads = %v, want 1", got)
	}

	// Same bytes again: nothing to swap.
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(f.metrics.PolicyReloads.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected unchanged file skipped, got %v reloads", got)
	}
}

func TestReloadKeepsPolicyOnError(t *testing.T) {
	f := newFixture(t, nil)
	path := writeTempFile(t, t.TempDir(), "policy.yaml", "version: 1\npolicy: broken\nrules: nope\n")

	r, err := NewReloader(f.svc, path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.watcher.Close()

	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected compile error")
	}
	p, hash := f.svc.Policy()
	if p.Name != "test_policy" || hash != testHash {
		t.Errorf("expected previous policy kept, got %s %s", p.Name, hash)
	}
	if got := testutil.ToFloat64(f.metrics.PolicyReloads.WithLabelValues("error")); got != 1 {
		t.Errorf("error reloads = %v, want 1", got)
	}
}

func TestNewReloaderMissingFile(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := NewReloader(f.svc, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing policy file")
	}
}

func TestReloaderRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	path := writeTempFile(t, t.TempDir(), "policy.yaml", testPolicy)

	r, err := NewReloader(f.svc, path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Give the watcher a moment before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(renamedPolicy("hot")), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := f.svc.Policy(); p.Name == "hot" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if p, _ := f.svc.Policy(); p.Name != "hot" {
		t.Errorf("expected hot-reloaded policy, got %s", p.Name)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
