// Package testutil provides a Recorder standing in for the hub's
// broadcast primitive in component tests.
package testutil

import (
	"context"
	"sync"
)

// Broadcast is one recorded room emission.
type Broadcast struct {
	Room   string
	Except string
	Event  string
	Data   any
}

// Recorder captures broadcasts instead of delivering them.
type Recorder struct {
	mu     sync.Mutex
	events []Broadcast
}

func (r *Recorder) Broadcast(ctx context.Context, room, event string, data any) error {
	return r.BroadcastExcept(ctx, room, "", event, data)
}

func (r *Recorder) BroadcastExcept(_ context.Context, room, except, event string, data any) error {
	r.mu.Lock()
	r.events = append(r.events, Broadcast{Room: room, Except: except, Event: event, Data: data})
	r.mu.Unlock()
	return nil
}

// All returns every broadcast so far, in order.
func (r *Recorder) All() []Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Broadcast(nil), r.events...)
}

// Named returns the broadcasts of event, in order.
func (r *Recorder) Named(event string) []Broadcast {
	var out []Broadcast
	for _, b := range r.All() {
		if b.Event == event {
			out = append(out, b)
		}
	}
	return out
}

// To returns the broadcasts sent to room, in order.
func (r *Recorder) To(room string) []Broadcast {
	var out []Broadcast
	for _, b := range r.All() {
		if b.Room == room {
			out = append(out, b)
		}
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
