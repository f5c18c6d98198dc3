package messaging

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/internal/clock"
	"chatcore/internal/protocol"
)

const typingShards = 32

type typingState struct {
	lastEmit time.Time
	timer    *clock.Timer
	gen      uint64
}

type typingShard struct {
	mu sync.Mutex
	m  map[string]*typingState
}

// typingTable tracks who is typing where, keyed by user and conversation.
type typingTable struct {
	shards [typingShards]typingShard
	gen    atomic.Uint64
}

func (t *typingTable) init() {
	for i := range t.shards {
		t.shards[i].m = make(map[string]*typingState)
	}
}

func typingKey(conversationID, userID string) string {
	return conversationID + "\x00" + userID
}

func (t *typingTable) shard(key string) *typingShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%typingShards]
}

// Typing relays a typing signal. A true signal is re-emitted at most once
// per throttle window and expires on the server when not refreshed.
func (r *Router) Typing(ctx context.Context, conversationID, userID string, isTyping bool) error {
	// Only a participant can hold an indicator, so a stop needs no lookup.
	if !isTyping {
		r.clearTyping(ctx, conversationID, userID)
		return nil
	}
	if err := r.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}

	key := typingKey(conversationID, userID)
	s := r.typing.shard(key)
	now := r.clock.Now()

	s.mu.Lock()
	st := s.m[key]
	if st == nil {
		st = &typingState{}
		s.m[key] = st
	}
	emit := st.lastEmit.IsZero() || now.Sub(st.lastEmit) >= r.settings.TypingThrottle
	if emit {
		st.lastEmit = now
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	gen := r.typing.gen.Add(1)
	st.gen = gen
	st.timer = r.clock.AfterFunc(r.settings.TypingExpiry, func() { r.expireTyping(conversationID, userID, gen) })
	s.mu.Unlock()

	if emit {
		r.emit(ctx, protocol.ConversationRoom(conversationID), protocol.EventDMTypingIndicator, protocol.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       true,
			ExpiresInMs:    r.settings.TypingExpiry.Milliseconds(),
		})
	}
	return nil
}

// clearTyping ends an active typing indication, if any.
func (r *Router) clearTyping(ctx context.Context, conversationID, userID string) {
	key := typingKey(conversationID, userID)
	s := r.typing.shard(key)
	s.mu.Lock()
	st := s.m[key]
	if st != nil {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.m, key)
	}
	s.mu.Unlock()

	if st != nil {
		r.emitStopped(ctx, conversationID, userID)
	}
}

func (r *Router) expireTyping(conversationID, userID string, gen uint64) {
	key := typingKey(conversationID, userID)
	s := r.typing.shard(key)
	s.mu.Lock()
	st := s.m[key]
	if st == nil || st.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.m, key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.emitStopped(ctx, conversationID, userID)
}

func (r *Router) emitStopped(ctx context.Context, conversationID, userID string) {
	r.emit(ctx, protocol.ConversationRoom(conversationID), protocol.EventDMTypingIndicator, protocol.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       false,
	})
}
