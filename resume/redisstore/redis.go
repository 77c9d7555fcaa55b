// Package redisstore provides a Redis-backed resume.Store so the
// resumption cursor survives process restarts. Keys are scoped per
// client identity via the configurable prefix.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/reallife-app/realtime-go/resume"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: RESUME_KEY_PREFIX
	KeyPrefix string `env:"RESUME_KEY_PREFIX,default=reallife:resume:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "reallife:resume:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key() string { return s.keyPrefix + resume.Key }

func (s *Store) Load(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, s.key()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("load resume cursor: %w", err)
	}
	return id, nil
}

func (s *Store) Save(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.client.Set(ctx, s.key(), id, 0).Err(); err != nil {
		return fmt.Errorf("save resume cursor: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("clear resume cursor: %w", err)
	}
	return nil
}
