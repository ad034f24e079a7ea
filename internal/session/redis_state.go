package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisState implements StateStore with two keys per session name:
// session:<name>:last_sent and session:<name>:working_id.
type RedisState struct {
	client *redis.Client
	prefix string
}

// NewRedisState creates a new Redis-backed state store
func NewRedisState(redisURL, name string) (*RedisState, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStateWithClient(client, name), nil
}

// NewRedisStateWithClient creates a state store from an existing Redis client
func NewRedisStateWithClient(client *redis.Client, name string) *RedisState {
	if name == "" {
		name = "default"
	}
	return &RedisState{
		client: client,
		prefix: "session:" + name + ":",
	}
}

func (s *RedisState) key(field string) string {
	return s.prefix + field
}

func (s *RedisState) LastSent(ctx context.Context) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key("last_sent")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get last sent: %w", err)
	}
	return data, true, nil
}

func (s *RedisState) SetLastSent(ctx context.Context, payload []byte) error {
	if err := s.client.Set(ctx, s.key("last_sent"), payload, 0).Err(); err != nil {
		return fmt.Errorf("save last sent: %w", err)
	}
	return nil
}

func (s *RedisState) WorkingID(ctx context.Context) (int64, bool, error) {
	raw, err := s.client.Get(ctx, s.key("working_id")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get working id: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse working id %q: %w", raw, err)
	}
	return id, id > 0, nil
}

func (s *RedisState) SetWorkingID(ctx context.Context, id int64) error {
	if err := s.client.Set(ctx, s.key("working_id"), id, 0).Err(); err != nil {
		return fmt.Errorf("save working id: %w", err)
	}
	return nil
}

func (s *RedisState) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key("last_sent"), s.key("working_id")).Err(); err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisState) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisState) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
