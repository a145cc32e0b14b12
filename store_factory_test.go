package tripd

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
)

func TestOpenBackendMemory(t *testing.T) {
	t.Parallel()
	cfg := Config{Store: "mem://"}
	cfg.Normalize()
	backend, degraded, err := openBackend(cfg, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()
	if backend.Name() != "memory" {
		t.Fatalf("name = %s", backend.Name())
	}
	if degraded != nil {
		t.Fatal("memory store must not report a degraded flag")
	}
	ctx := context.Background()
	if err := backend.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := backend.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get = %q %v", got, err)
	}
}

func TestOpenBackendRedisWithFailover(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := Config{Store: "redis://" + mr.Addr()}
	cfg.Normalize()
	cfg.StorageRetryMaxAttempts = 1
	backend, degraded, err := openBackend(cfg, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()
	if backend.Name() != "redis" {
		t.Fatalf("name = %s", backend.Name())
	}
	if degraded == nil {
		t.Fatal("redis store must expose a degraded flag")
	}
	if degraded() {
		t.Fatal("degraded before any failure")
	}

	ctx := context.Background()
	if err := backend.Set(ctx, "run:x", []byte("state"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Killing redis must not break reads; the memory mirror takes over and
	// the degraded flag flips.
	mr.Close()
	got, err := backend.Get(ctx, "run:x")
	if err != nil || string(got) != "state" {
		t.Fatalf("degraded get = %q %v", got, err)
	}
	if err := backend.Set(ctx, "run:y", []byte("more"), time.Minute); err != nil {
		t.Fatalf("degraded set must be absorbed: %v", err)
	}
	if !degraded() {
		t.Fatal("degraded flag not set after durable failure")
	}
}

func TestBuildRedisConfig(t *testing.T) {
	t.Parallel()
	cfg := Config{Store: "redis://:sekrit@localhost:6379/3", RunTTL: time.Hour}
	redisCfg, err := buildRedisConfig(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(redisCfg.Addrs) != 1 || redisCfg.Addrs[0] != "localhost:6379" {
		t.Fatalf("addrs = %v", redisCfg.Addrs)
	}
	if redisCfg.Password != "sekrit" {
		t.Fatalf("password = %q", redisCfg.Password)
	}
	if redisCfg.DB != 3 {
		t.Fatalf("db = %d", redisCfg.DB)
	}
	if redisCfg.ListTTL != time.Hour {
		t.Fatalf("list ttl = %s", redisCfg.ListTTL)
	}

	if _, err := buildRedisConfig(Config{Store: "redis://"}); err == nil {
		t.Fatal("missing host must fail")
	}
	if _, err := buildRedisConfig(Config{Store: "redis://localhost:6379/notanumber"}); err == nil {
		t.Fatal("bad db must fail")
	}
}
