package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Broker backed by Redis pub/sub channels. Redis delivers a
// channel's messages to each subscriber in publish order; the key argument is
// not needed and ignored.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu        sync.Mutex
	subs      []*redis.PubSub
	closeOnce sync.Once
}

func NewRedis(ctx context.Context, redisURL string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, channel, _ string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub := r.client.Subscribe(ctx, channel)

	// Receive forces the SUBSCRIBE round-trip so a failure surfaces here
	// instead of silently dropping everything.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		for _, sub := range r.subs {
			if cerr := sub.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		r.mu.Unlock()

		if cerr := r.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
