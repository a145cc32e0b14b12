package tripd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/storage"
	"pkt.systems/tripd/internal/storage/failover"
	loggingbackend "pkt.systems/tripd/internal/storage/logging"
	"pkt.systems/tripd/internal/storage/memory"
	"pkt.systems/tripd/internal/storage/redisstore"
	"pkt.systems/tripd/internal/storage/retry"
)

// openBackend builds the state store from cfg.Store. Memory stores are used
// as-is. Durable stores get the retry and logging decorators plus a memory
// mirror behind the failover wrapper so reads keep answering while the
// durable side is down.
func openBackend(cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, func() bool, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{Clock: clk}), nil, nil
	case "redis":
		redisCfg, err := buildRedisConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		durable, err := redisstore.New(redisCfg)
		if err != nil {
			return nil, nil, err
		}
		var backend storage.Backend = durable
		backend = retry.Wrap(backend, logger, clk, retry.Config{
			MaxAttempts: cfg.StorageRetryMaxAttempts,
			BaseDelay:   cfg.StorageRetryBaseDelay,
			MaxDelay:    cfg.StorageRetryMaxDelay,
			Multiplier:  cfg.StorageRetryMultiplier,
		})
		backend = loggingbackend.Wrap(backend, logger)
		mirror := memory.NewWithConfig(memory.Config{Clock: clk})
		store := failover.New(backend, mirror, logger)
		return store, store.Degraded, nil
	default:
		return nil, nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// buildRedisConfig parses redis://[:password@]host:port[/db].
func buildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return redisstore.Config{}, fmt.Errorf("redis store missing host (expected redis://host:port[/db])")
	}
	out := redisstore.Config{
		Addrs:   []string{host},
		ListTTL: cfg.RunTTL,
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			out.Password = pw
		} else {
			// redis://secret@host is the password-only shorthand.
			out.Password = u.User.Username()
		}
	}
	if path := strings.Trim(u.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil || db < 0 {
			return redisstore.Config{}, fmt.Errorf("redis store db %q invalid", path)
		}
		out.DB = db
	}
	if out.ListTTL <= 0 {
		out.ListTTL = time.Hour
	}
	return out, nil
}
