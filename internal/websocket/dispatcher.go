package websocket

import (
	"context"
	"log/slog"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/metrics"
	"chatcore/internal/protocol"
)

// HandlerFunc handles one decoded inbound frame. A returned error is sent
// back to the originating connection only.
type HandlerFunc func(ctx context.Context, c *Client, f protocol.Frame) error

// Middleware is one step of the dispatch chain.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one runs first.
func Chain(mws ...Middleware) Middleware {
	return func(h HandlerFunc) HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// Validate rejects payloads that fail their own validation.
func Validate() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *Client, f protocol.Frame) error {
			if f.Payload == nil {
				return apperr.Validation("malformed_payload", "missing payload")
			}
			if err := f.Payload.Validate(); err != nil {
				return err
			}
			return next(ctx, c, f)
		}
	}
}

// Limiter decides whether a user may emit another event of a kind.
type Limiter interface {
	Allow(userID, event string) error
}

// RateLimit rejects events over the user's budget before any state change.
func RateLimit(l Limiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *Client, f protocol.Frame) error {
			// Stopping a typing indicator is never limited.
			if p, ok := f.Payload.(*protocol.DMTyping); ok && !p.IsTyping {
				return next(ctx, c, f)
			}
			if err := l.Allow(c.userID, f.Event); err != nil {
				return err
			}
			return next(ctx, c, f)
		}
	}
}

// Dispatcher routes decoded frames to their handlers through the chain.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	wrap     Middleware
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher builds a dispatcher whose handlers run behind mws, each
// with at most timeout to complete.
func NewDispatcher(timeout time.Duration, m *metrics.Metrics, logger *slog.Logger, mws ...Middleware) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		wrap:     Chain(mws...),
		timeout:  timeout,
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Handle registers h for event.
func (d *Dispatcher) Handle(event string, h HandlerFunc) {
	d.handlers[event] = d.wrap(h)
}

// Dispatch decodes and handles one raw frame from c.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, data []byte) {
	start := time.Now()
	frame, err := protocol.Decode(data)
	if err == nil {
		if h, ok := d.handlers[frame.Event]; ok {
			if d.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d.timeout)
				defer cancel()
			}
			err = h(ctx, c, frame)
		} else {
			err = apperr.Validation("unknown_event", "unsupported event "+frame.Event)
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		d.reject(c, frame, err)
	}
	event := frame.Event
	if _, known := d.handlers[event]; !known {
		event = "unknown"
	}
	d.metrics.EventsTotal.WithLabelValues(event, outcome).Inc()
	d.metrics.EventDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) reject(c *Client, f protocol.Frame, err error) {
	attrs := []any{"user_id", c.userID, "connection_id", c.connectionID, "event", f.Event, "code", apperr.Code(err)}
	switch apperr.KindOf(err) {
	case apperr.KindAuthorization:
		d.logger.Warn("unauthorized event rejected", attrs...)
	case apperr.KindInternal:
		d.logger.Error("event failed", append(attrs, "error", err)...)
	case apperr.KindRateLimited:
		d.metrics.RateLimited.WithLabelValues(f.Event).Inc()
		d.logger.Debug("event rate limited", attrs...)
	default:
		d.logger.Debug("event rejected", attrs...)
	}
	c.ReplyError(f.Event, f.Ref, err)
}
