// Package results keeps terminal session outcomes in Redis so that queries
// survive Edge restarts and several API replicas can answer them.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"PrivateBilling/internal/session"
)

// keyPrefix namespaces outcome keys.
const keyPrefix = "billing:outcome:"

// Config holds Redis connection settings.
type Config struct {
	Addr     string // Addr is host:port of the Redis server
	Password string // Password is the AUTH password, empty for none
	DB       int    // DB is the logical database number
}

// RedisStore is a session.ResultStore backed by Redis keys with a TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s:\n%w", cfg.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

// Put stores the outcome as JSON for ttl.
func (s *RedisStore) Put(ctx context.Context, o *session.Outcome, ttl time.Duration) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome:\n%w", err)
	}

	if err := s.client.Set(ctx, keyPrefix+o.SessionID, data, ttl).Err(); err != nil {
		return fmt.Errorf("set outcome %s:\n%w", o.SessionID, err)
	}

	return nil
}

// Get returns the stored outcome, or nil once the key expired.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*session.Outcome, error) {
	data, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome %s:\n%w", sessionID, err)
	}

	var o session.Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("unmarshal outcome %s:\n%w", sessionID, err)
	}

	return &o, nil
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
