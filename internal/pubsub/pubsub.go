// Package pubsub carries room broadcasts between the nodes of one
// deployment. Every node publishes each broadcast once and delivers what it
// receives to its own local connections.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"
)

// Message is one room broadcast.
type Message struct {
	Room string `json:"room"`
	// Exclude names a connection id that must not receive the frame.
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Handler delivers a received message to local connections.
type Handler func(Message)

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers the delivery handler. It must be called before
	// the first Publish.
	Subscribe(h Handler)
	Close() error
}

// LocalBus delivers synchronously in process. It is the single-node
// default and the bus used in tests.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *LocalBus) Close() error { return nil }
