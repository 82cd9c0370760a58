package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	MaxPerOwner int
	TTL         time.Duration
}

// RedisStore keeps each owner's entries in a capped list so history is
// shared between instances and survives restarts.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	maxPerOwner int
	ttl         time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := &RedisStore{
		client:      client,
		prefix:      cfg.Prefix,
		maxPerOwner: cfg.MaxPerOwner,
		ttl:         cfg.TTL,
	}
	if s.prefix == "" {
		s.prefix = "despatchflow:history:"
	}
	if s.maxPerOwner <= 0 {
		s.maxPerOwner = 50
	}
	return s, nil
}

func (s *RedisStore) key(owner string) string {
	return s.prefix + owner
}

func (s *RedisStore) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	key := s.key(e.Owner)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.maxPerOwner-1))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record history: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, owner string, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.key(owner), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read history: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Open returns a Redis store for the "redis" backend and a memory store
// otherwise.
func Open(ctx context.Context, backend string, cfg RedisConfig) (Store, error) {
	if backend != "redis" {
		return NewMemoryStore(cfg.MaxPerOwner), nil
	}
	return NewRedisStore(ctx, cfg)
}
