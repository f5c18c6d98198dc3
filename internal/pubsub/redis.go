package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RoomsChannel is the Redis channel room broadcasts travel on.
const RoomsChannel = "messager:rooms"

// RedisBus fans room broadcasts out through Redis pub/sub. Frames published
// by this node come back through the subscription like any other, so local
// delivery has a single path and per-publisher order is kept.
type RedisBus struct {
	client *redis.Client
	sub    *redis.PubSub
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []Handler

	done chan struct{}
	once sync.Once
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// NewRedisBus subscribes to RoomsChannel and starts the receive loop.
func NewRedisBus(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisBus, error) {
	sub := client.Subscribe(ctx, RoomsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", RoomsChannel, err)
	}
	b := &RedisBus{
		client: client,
		sub:    sub,
		logger: logger.With("component", "pubsub"),
		done:   make(chan struct{}),
	}
	go b.receive()
	return b, nil
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: encode: %w", err)
	}
	if err := b.client.Publish(ctx, RoomsChannel, data).Err(); err != nil {
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *RedisBus) receive() {
	ch := b.sub.Channel()
	for {
		select {
		case <-b.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("dropping malformed broadcast", "error", err)
				continue
			}
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

func (b *RedisBus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.sub.Close()
	})
	return err
}
