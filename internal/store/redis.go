// redis.go -- go-redis client for server-side session records.
//
// A session record lives under "session:<key>" with a TTL equal to its max-age.
// The key is derived from the raw cookie value by the auth package; the raw
// session id never reaches Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// RedisStore wraps a Redis client for session record operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and returns a ready-to-use session store.
// Pings with backoff so the service can start alongside Redis.
// Call once at startup from main.go; returned store is safe for concurrent use.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return NewRedisStoreFromClient(rdb), nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and by main.go
// to share one client between sessions, rate limits, and the mail queue.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Client exposes the underlying client for components that share the connection.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// Close shuts down the Redis client and releases all resources.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func sessionKey(key string) string {
	return "session:" + key
}

// SaveSession writes the record as JSON with the given TTL, replacing any previous value.
func (s *RedisStore) SaveSession(ctx context.Context, key string, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession fetches a record by key.
// Returns ErrCacheMiss when the key does not exist or has expired.
func (s *RedisStore) GetSession(ctx context.Context, key string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	sess.Key = key
	return &sess, nil
}

// TouchSession resets the record's TTL (sliding expiry).
// Returns ErrCacheMiss if the record is gone.
func (s *RedisStore) TouchSession(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.rdb.Expire(ctx, sessionKey(key), ttl).Result()
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if !ok {
		return ErrCacheMiss
	}
	return nil
}

// DeleteSession removes a record. Deleting a missing key is not an error.
func (s *RedisStore) DeleteSession(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, sessionKey(key)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}
