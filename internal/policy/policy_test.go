package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/tripd/internal/policy"
)

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

func TestLoadAndValues(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, "concurrency: 8\ntarget_qps: 120.5\n")

	s, err := policy.Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	values := s.Values()
	if values["concurrency"] != 8 {
		t.Fatalf("concurrency = %v (%T)", values["concurrency"], values["concurrency"])
	}
	if values["target_qps"] != 120.5 {
		t.Fatalf("target_qps = %v", values["target_qps"])
	}
	// The returned map is a copy; mutating it must not poison the store.
	values["concurrency"] = 999
	if s.Values()["concurrency"] != 8 {
		t.Fatal("Values leaked internal state")
	}
}

func TestLoadFailsOnMissingOrBroken(t *testing.T) {
	t.Parallel()
	if _, err := policy.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, ":\tnot yaml {{{")
	if _, err := policy.Load(path, nil); err == nil {
		t.Fatal("expected error for broken document")
	}
}

func TestEmpty(t *testing.T) {
	t.Parallel()
	if got := policy.Empty().Values(); len(got) != 0 {
		t.Fatalf("empty store values = %v", got)
	}
}

func TestWatchPicksUpRewrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "batch_size: 10\n")

	s, err := policy.Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Watch(ctx)
	}()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(50 * time.Millisecond)
	writePolicy(t, path, "batch_size: 30\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Values()["batch_size"] == 30 {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("rewrite not picked up")
}

func TestWatchKeepsOldValuesOnBrokenRewrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "rerank_k: 15\n")

	s, err := policy.Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()

	time.Sleep(50 * time.Millisecond)
	writePolicy(t, path, "{{{ broken")
	time.Sleep(200 * time.Millisecond)

	if got := s.Values()["rerank_k"]; got != 15 {
		t.Fatalf("rerank_k = %v, want previous value 15", got)
	}
}
