// Package ratelimit is the abuse guard: token buckets keyed by user and
// event type.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatcore/internal/apperr"
	"chatcore/internal/clock"
	"chatcore/internal/config"
)

const (
	shardCount = 16

	// DefaultIdle is how long an unused bucket survives before eviction.
	DefaultIdle = 10 * time.Minute

	// Fallback is the limits key applied to events without their own entry.
	Fallback = "*"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu sync.Mutex
	m  map[string]*bucket
}

type Guard struct {
	clock  clock.Clock
	limits map[string]config.Limit
	idle   time.Duration
	shards [shardCount]shard
}

// New builds a guard enforcing limits. Events missing from limits fall
// back to the "*" entry, or are unlimited when there is none.
func New(limits map[string]config.Limit, c clock.Clock) *Guard {
	g := &Guard{clock: c, limits: limits, idle: DefaultIdle}
	for i := range g.shards {
		g.shards[i].m = make(map[string]*bucket)
	}
	return g
}

func (g *Guard) limitFor(event string) (config.Limit, bool) {
	if l, ok := g.limits[event]; ok {
		return l, true
	}
	l, ok := g.limits[Fallback]
	return l, ok
}

// Allow consumes one token for (userID, event). It returns a RateLimited
// error when the bucket is empty.
func (g *Guard) Allow(userID, event string) error {
	l, ok := g.limitFor(event)
	if !ok || l.Count <= 0 || l.Per <= 0 {
		return nil
	}
	now := g.clock.Now()
	key := userID + "\x00" + event

	s := &g.shards[shardOf(key)]
	s.mu.Lock()
	b, ok := s.m[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.Per/time.Duration(l.Count)), l.Count)}
		s.m[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	s.mu.Unlock()

	if !allowed {
		return apperr.RateLimited("rate_limited", "too many "+event+" events, slow down")
	}
	return nil
}

// Sweep evicts buckets idle for longer than the idle window and returns
// how many were removed.
func (g *Guard) Sweep() int {
	cutoff := g.clock.Now().Add(-g.idle)
	n := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for k, b := range s.m {
			if b.lastSeen.Before(cutoff) {
				delete(s.m, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Len returns the number of live buckets.
func (g *Guard) Len() int {
	n := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

func shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
