package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/metrics"
	"chatcore/internal/protocol"
)

type denyAll struct{ calls int }

func (d *denyAll) Allow(userID, event string) error {
	d.calls++
	return apperr.RateLimited("rate_limited", "slow down")
}

func lastFrame(t *testing.T, c *Client) protocol.Outbound {
	t.Helper()
	var out protocol.Outbound
	var raw []byte
	for {
		select {
		case f := <-c.send:
			raw = f
			continue
		default:
		}
		break
	}
	if raw == nil {
		t.Fatal("no frame queued")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return out
}

func errorCode(t *testing.T, out protocol.Outbound) string {
	t.Helper()
	if out.Event != protocol.EventError {
		t.Fatalf("event = %q, want error", out.Event)
	}
	data, _ := json.Marshal(out.Data)
	var p protocol.ErrorPayload
	json.Unmarshal(data, &p)
	return p.Code
}

func TestChainOrder(t *testing.T) {
	var order []string
	step := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, c *Client, f protocol.Frame) error {
				order = append(order, name)
				return next(ctx, c, f)
			}
		}
	}
	h := Chain(step("a"), step("b"))(func(context.Context, *Client, protocol.Frame) error {
		order = append(order, "handler")
		return nil
	})
	h(context.Background(), nil, protocol.Frame{})

	want := []string{"a", "b", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchRejections(t *testing.T) {
	h, _ := newTestHub(t)
	c := newTestClient(h, "alice", "c1", 8)
	h.Register(c)
	drain(t, c)

	limiter := &denyAll{}
	d := NewDispatcher(time.Second, metrics.New(), discardLogger(), Validate(), RateLimit(limiter))
	called := false
	d.Handle(protocol.EventDMTyping, func(context.Context, *Client, protocol.Frame) error {
		called = true
		return nil
	})

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"malformed", `{not json`, "malformed_frame"},
		{"unknown", `{"event":"dm:explode","ref":"r1"}`, "unknown_event"},
		{"unhandled", `{"event":"dm:read","ref":"r2","data":{"conversationId":"c"}}`, "unknown_event"},
		{"invalid", `{"event":"dm:typing","ref":"r3","data":{}}`, "missing_conversation_id"},
		{"limited", `{"event":"dm:typing","ref":"r4","data":{"conversationId":"c","isTyping":true}}`, "rate_limited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.Dispatch(context.Background(), c, []byte(tt.raw))
			if got := errorCode(t, lastFrame(t, c)); got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}
	if called {
		t.Fatal("handler ran despite rejection")
	}
	if limiter.calls != 1 {
		t.Fatalf("limiter consulted %d times, want 1", limiter.calls)
	}
}

func TestRateLimitLetsTypingStopThrough(t *testing.T) {
	h, _ := newTestHub(t)
	c := newTestClient(h, "alice", "c1", 8)
	h.Register(c)
	drain(t, c)

	limiter := &denyAll{}
	d := NewDispatcher(time.Second, metrics.New(), discardLogger(), Validate(), RateLimit(limiter))
	var stops int
	d.Handle(protocol.EventDMTyping, func(_ context.Context, _ *Client, f protocol.Frame) error {
		if !f.Payload.(*protocol.DMTyping).IsTyping {
			stops++
		}
		return nil
	})

	d.Dispatch(context.Background(), c, []byte(`{"event":"dm:typing","data":{"conversationId":"c","isTyping":false}}`))
	if stops != 1 {
		t.Fatalf("stop reached the handler %d times, want 1", stops)
	}
	if limiter.calls != 0 {
		t.Fatalf("limiter consulted %d times for a stop", limiter.calls)
	}
}

func TestDispatchKeepsRef(t *testing.T) {
	h, _ := newTestHub(t)
	c := newTestClient(h, "alice", "c1", 8)
	h.Register(c)
	drain(t, c)

	d := NewDispatcher(time.Second, metrics.New(), discardLogger(), Validate())
	d.Handle(protocol.EventDMDelete, func(context.Context, *Client, protocol.Frame) error {
		return apperr.Authorization("not_sender", "only the sender may delete a message")
	})

	d.Dispatch(context.Background(), c, []byte(`{"event":"dm:delete","ref":"abc","data":{"messageId":"m1"}}`))
	out := lastFrame(t, c)
	if out.Ref != "abc" {
		t.Fatalf("ref = %q, want abc", out.Ref)
	}
	if code := errorCode(t, out); code != "not_sender" {
		t.Fatalf("code = %q", code)
	}
}

func TestDispatchHandlerSeesTypedPayload(t *testing.T) {
	h, _ := newTestHub(t)
	c := newTestClient(h, "alice", "c1", 8)
	h.Register(c)

	d := NewDispatcher(time.Second, metrics.New(), discardLogger(), Validate())
	var got *protocol.DMTyping
	d.Handle(protocol.EventDMTyping, func(ctx context.Context, c *Client, f protocol.Frame) error {
		got = f.Payload.(*protocol.DMTyping)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("handler context has no deadline")
		}
		return nil
	})
	d.Dispatch(context.Background(), c, []byte(`{"event":"dm:typing","data":{"conversationId":"conv","isTyping":true}}`))

	if got == nil || got.ConversationID != "conv" || !got.IsTyping {
		t.Fatalf("payload = %+v", got)
	}
}
