// Package failover pairs the durable backend with an in-process mirror so the
// controller keeps serving status and reports while the durable store is
// unreachable. Every write lands in the mirror first; reads prefer the durable
// side and fall back to the mirror on any failure. The Degraded flag feeds the
// degraded:true field on status and health responses.
package failover

import (
	"context"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tripd/internal/storage"
	"pkt.systems/tripd/internal/svcfields"
)

// Store implements storage.Backend over a durable backend and a memory mirror.
type Store struct {
	durable  storage.Backend
	mirror   storage.Backend
	logger   pslog.Logger
	degraded atomic.Bool
}

// New wires durable and mirror into a failover store.
func New(durable, mirror storage.Backend, logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{
		durable: durable,
		mirror:  mirror,
		logger:  svcfields.WithSubsystem(logger, "storage.failover"),
	}
}

// Degraded reports whether the durable backend failed its most recent
// operation or ping.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Get prefers the durable copy and falls back to the mirror. The mirror also
// answers ErrNotFound from the durable side: a key written while degraded may
// only exist in the mirror.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.durable.Get(ctx, key)
	if err == nil {
		s.markHealthy()
		return value, nil
	}
	if storage.IsUnavailable(err) {
		s.markDegraded("get", key, err)
	}
	return s.mirror.Get(ctx, key)
}

// Set writes the mirror first, then the durable backend. Durable failures are
// absorbed: the mirror copy keeps the run alive in degraded mode.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.mirror.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := s.durable.Set(ctx, key, value, ttl); err != nil {
		if storage.IsUnavailable(err) {
			s.markDegraded("set", key, err)
			return nil
		}
		return err
	}
	s.markHealthy()
	return nil
}

// Append mirrors Set's write-both semantics for sample lists.
func (s *Store) Append(ctx context.Context, listKey string, value []byte) error {
	if err := s.mirror.Append(ctx, listKey, value); err != nil {
		return err
	}
	if err := s.durable.Append(ctx, listKey, value); err != nil {
		if storage.IsUnavailable(err) {
			s.markDegraded("append", listKey, err)
			return nil
		}
		return err
	}
	s.markHealthy()
	return nil
}

// List prefers the durable copy and falls back to the mirror.
func (s *Store) List(ctx context.Context, listKey string, limit int) ([][]byte, error) {
	values, err := s.durable.List(ctx, listKey, limit)
	if err == nil {
		// During a degraded window appends only reach the mirror, so the
		// longer of the two copies is the complete one.
		if mirrored, merr := s.mirror.List(ctx, listKey, limit); merr == nil && len(mirrored) > len(values) {
			return mirrored, nil
		}
		s.markHealthy()
		return values, nil
	}
	if storage.IsUnavailable(err) {
		s.markDegraded("list", listKey, err)
	}
	return s.mirror.List(ctx, listKey, limit)
}

// Delete removes the key from both sides.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.mirror.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.durable.Delete(ctx, key); err != nil {
		if storage.IsUnavailable(err) {
			s.markDegraded("delete", key, err)
			return nil
		}
		return err
	}
	s.markHealthy()
	return nil
}

// Ping probes the durable backend and refreshes the degraded flag. It never
// returns an error: the mirror always answers, which is the whole point of
// this store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.durable.Ping(ctx); err != nil {
		s.markDegraded("ping", "", err)
		return nil
	}
	s.markHealthy()
	return nil
}

// Name identifies the durable backend kind.
func (s *Store) Name() string {
	return s.durable.Name()
}

// Close closes both sides.
func (s *Store) Close() error {
	err := s.durable.Close()
	if merr := s.mirror.Close(); err == nil {
		err = merr
	}
	return err
}

func (s *Store) markDegraded(op, key string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("storage.degraded", "op", op, "key", key, "error", err)
	}
}

func (s *Store) markHealthy() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("storage.recovered")
	}
}
