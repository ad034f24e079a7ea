package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "ccb:"

// RedisTransport publishes events on Redis pub/sub channels named
// ccb:<event>, so every API instance sees every commit.
type RedisTransport struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	wg     sync.WaitGroup
	closed bool
}

func NewRedisTransport(redisURL string) (*RedisTransport, error) {
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
	return NewRedisTransportWithClient(client), nil
}

// NewRedisTransportWithClient wraps an existing client. Close closes it.
func NewRedisTransportWithClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{
		client: client,
		prefix: redisPrefix,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (t *RedisTransport) channel(event string) string {
	return t.prefix + event
}

func (t *RedisTransport) Publish(ctx context.Context, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.channel(event), []byte(msg.Payload)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (t *RedisTransport) Subscribe(event string, h Handler) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ps := t.client.Subscribe(ctx, t.channel(event))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", event, err)
	}

	t.mu.Lock()
	t.subs[ps] = struct{}{}
	t.mu.Unlock()

	ch := ps.Channel()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for m := range ch {
			h(Message{Event: event, Payload: []byte(m.Payload)})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ps)
			t.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for ps := range t.subs {
		_ = ps.Close()
	}
	t.subs = nil
	t.mu.Unlock()

	t.wg.Wait()
	return t.client.Close()
}
