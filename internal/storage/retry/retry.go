// Package retry decorates a storage backend with bounded exponential backoff
// for transient errors.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries unavailable errors according to cfg.
// ErrNotFound and other definitive results pass through untouched.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, err = b.inner.Get(ctx, key)
		return err
	})
	return value, err
}

func (b *backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.withRetry(ctx, "set", key, func(ctx context.Context) error {
		return b.inner.Set(ctx, key, value, ttl)
	})
}

func (b *backend) Append(ctx context.Context, listKey string, value []byte) error {
	return b.withRetry(ctx, "append", listKey, func(ctx context.Context) error {
		return b.inner.Append(ctx, listKey, value)
	})
}

func (b *backend) List(ctx context.Context, listKey string, limit int) ([][]byte, error) {
	var values [][]byte
	err := b.withRetry(ctx, "list", listKey, func(ctx context.Context) error {
		var err error
		values, err = b.inner.List(ctx, listKey, limit)
		return err
	})
	return values, err
}

func (b *backend) Delete(ctx context.Context, key string) error {
	return b.withRetry(ctx, "delete", key, func(ctx context.Context) error {
		return b.inner.Delete(ctx, key)
	})
}

func (b *backend) Ping(ctx context.Context) error {
	// A ping is already a liveness probe; retrying it would only delay the
	// failover store's degraded-mode decision.
	return b.inner.Ping(ctx)
}

func (b *backend) Name() string {
	return b.inner.Name()
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	delay := b.cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !storage.IsUnavailable(err) {
			return err
		}
		if attempt == b.cfg.MaxAttempts {
			break
		}
		b.logger.Debug("storage.retry",
			"op", op,
			"key", key,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
	return err
}
