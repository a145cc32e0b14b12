// Package redisstore implements the durable storage backend on Redis. Run
// records are plain string keys with TTLs; raw sample windows are RPUSH lists
// expired alongside their run.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"pkt.systems/tripd/internal/storage"
)

// Config describes the Redis connection.
type Config struct {
	Addrs    []string
	Password string
	DB       int
	// ListTTL bounds the lifetime of sample lists. Applied on every append
	// so the clock restarts while a run is still producing samples.
	ListTTL time.Duration
}

// Store implements storage.Backend on a Redis server or cluster.
type Store struct {
	client  redis.UniversalClient
	listTTL time.Duration
}

// New connects to Redis according to cfg. The connection is verified with a
// ping so a misconfigured address fails at startup, not mid-run.
func New(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redisstore: no addresses configured")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %v: %w", cfg.Addrs, storage.ErrUnavailable)
	}
	return &Store{client: client, listTTL: cfg.ListTTL}, nil
}

// NewWithClient wraps an existing client; used by tests running miniredis.
func NewWithClient(client redis.UniversalClient, listTTL time.Duration) *Store {
	return &Store{client: client, listTTL: listTTL}
}

// Get returns the value stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", key, err)
	}
	return value, nil
}

// Set stores value under key with an optional TTL.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Append pushes value onto the tail of the named list and refreshes its TTL.
func (s *Store) Append(_ context.Context, listKey string, value []byte) error {
	if err := s.client.RPush(listKey, value).Err(); err != nil {
		return unavailable("append", listKey, err)
	}
	if s.listTTL > 0 {
		if err := s.client.Expire(listKey, s.listTTL).Err(); err != nil {
			return unavailable("append expire", listKey, err)
		}
	}
	return nil
}

// List returns up to limit values from the head of the named list.
func (s *Store) List(_ context.Context, listKey string, limit int) ([][]byte, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	values, err := s.client.LRange(listKey, 0, stop).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("list", listKey, err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Delete removes a key or list.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.client.Del(key).Err(); err != nil {
		return unavailable("delete", key, err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (s *Store) Ping(context.Context) error {
	if err := s.client.Ping().Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

// Name identifies the backend kind.
func (s *Store) Name() string {
	return "redis"
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func unavailable(op, key string, err error) error {
	if key == "" {
		return fmt.Errorf("redisstore: %s: %v: %w", op, err, storage.ErrUnavailable)
	}
	return fmt.Errorf("redisstore: %s %q: %v: %w", op, key, err, storage.ErrUnavailable)
}
