// Package logging decorates a storage backend with structured operation
// logging. Successful operations log at trace level so production deployments
// only pay for it when the level is lowered during debugging.
package logging

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tripd/internal/storage"
	"pkt.systems/tripd/internal/svcfields"
)

// Wrap returns a backend logging every operation through logger.
func Wrap(inner storage.Backend, logger pslog.Logger) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: svcfields.WithSubsystem(logger, svcfields.Subsystem("storage", inner.Name())),
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
}

func (b *backend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := b.inner.Get(ctx, key)
	b.log("get", key, start, err)
	return value, err
}

func (b *backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := b.inner.Set(ctx, key, value, ttl)
	b.log("set", key, start, err)
	return err
}

func (b *backend) Append(ctx context.Context, listKey string, value []byte) error {
	start := time.Now()
	err := b.inner.Append(ctx, listKey, value)
	b.log("append", listKey, start, err)
	return err
}

func (b *backend) List(ctx context.Context, listKey string, limit int) ([][]byte, error) {
	start := time.Now()
	values, err := b.inner.List(ctx, listKey, limit)
	b.log("list", listKey, start, err)
	return values, err
}

func (b *backend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := b.inner.Delete(ctx, key)
	b.log("delete", key, start, err)
	return err
}

func (b *backend) Ping(ctx context.Context) error {
	start := time.Now()
	err := b.inner.Ping(ctx)
	b.log("ping", "", start, err)
	return err
}

func (b *backend) Name() string {
	return b.inner.Name()
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) log(op, key string, start time.Time, err error) {
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.logger.Debug("storage.op.failure", "op", op, "key", key, "elapsed", elapsed.String(), "error", err)
		return
	}
	b.logger.Trace("storage.op", "op", op, "key", key, "elapsed", elapsed.String())
}
