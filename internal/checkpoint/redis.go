package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the checkpoint document when no key is configured.
const DefaultRedisKey = "trialopt:checkpoint"

// RedisStore keeps the checkpoint document under a single Redis key so that
// a run can be resumed from a different machine.
type RedisStore struct {
	client   *goredis.Client
	key      string
	password string
	db       int
	logger   *slog.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPassword authenticates the connection.
func WithRedisPassword(password string) RedisOption {
	return func(s *RedisStore) { s.password = password }
}

// WithRedisDB selects the logical database.
func WithRedisDB(db int) RedisOption {
	return func(s *RedisStore) { s.db = db }
}

// WithRedisClient uses an existing client instead of dialing addr.
func WithRedisClient(client *goredis.Client) RedisOption {
	return func(s *RedisStore) { s.client = client }
}

// NewRedisStore connects to addr and verifies the server answers.
func NewRedisStore(ctx context.Context, addr, key string, logger *slog.Logger, opts ...RedisOption) (*RedisStore, error) {
	if strings.TrimSpace(key) == "" {
		key = DefaultRedisKey
	}
	s := &RedisStore{key: key, logger: logger.With("component", "checkpoint", "backend", BackendRedis)}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		if strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: s.password,
			DB:       s.db,
		})
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return s, nil
}

// Key returns the Redis key holding the checkpoint.
func (s *RedisStore) Key() string { return s.key }

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint from redis: %w", err)
	}
	rec, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("redis key %s: %w", s.key, err)
	}
	return rec, nil
}

// Save implements Store. SET replaces the value atomically and the key never expires.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint to redis: %w", err)
	}
	s.logger.Debug("checkpoint saved", "key", s.key, "trials", len(rec.Run.Trials))
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
