package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatcore/internal/apperr"
	"chatcore/internal/auth"
	"chatcore/internal/protocol"
)

const writeWait = 10 * time.Second

// Settings bound a connection's resources and keepalive timing.
type Settings struct {
	SendBuffer    int
	MaxFrameBytes int64
	PingPeriod    time.Duration
	PongWait      time.Duration
}

// Client is one connected device.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	settings Settings
	logger   *slog.Logger

	userID       string
	connectionID string
	displayName  string

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, id auth.Identity, connectionID string, s Settings) *Client {
	if s.SendBuffer <= 0 {
		s.SendBuffer = 256
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, s.SendBuffer),
		done:         make(chan struct{}),
		settings:     s,
		logger:       hub.logger.With("user_id", id.UserID, "connection_id", connectionID),
		userID:       id.UserID,
		connectionID: connectionID,
		displayName:  id.DisplayName,
		rooms:        make(map[string]struct{}),
	}
}

func (c *Client) UserID() string       { return c.userID }
func (c *Client) ConnectionID() string { return c.connectionID }
func (c *Client) DisplayName() string  { return c.displayName }

// Rooms returns the rooms c is currently subscribed to.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// Send queues a frame without blocking. A client whose buffer is full is
// too slow to keep up: the frame is dropped and the connection closed.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.hub.metrics.FramesDropped.Inc()
		c.logger.Warn("send buffer full, closing slow client")
		c.Close()
		return false
	}
}

// Reply sends an event to this connection only.
func (c *Client) Reply(event, ref string, data any) {
	frame, err := protocol.EncodeReply(event, ref, data)
	if err != nil {
		c.logger.Error("failed to encode reply", "event", event, "error", err)
		return
	}
	c.Send(frame)
}

// ReplyError reports a rejected operation to this connection only.
func (c *Client) ReplyError(event, ref string, err error) {
	c.Reply(protocol.EventError, ref, protocol.ErrorPayload{
		Code:    apperr.Code(err),
		Message: apperr.PublicMessage(err),
		Event:   event,
	})
}

// Close stops the write pump, which closes the socket. Safe to call more
// than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReadPump reads frames until the connection fails and hands each one to
// d, sequentially. It deregisters the client on exit.
func (c *Client) ReadPump(ctx context.Context, d *Dispatcher) {
	defer func() {
		c.hub.Deregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.settings.MaxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		c.hub.touch(c)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.logger.Warn("frame exceeds size limit", "limit", c.settings.MaxFrameBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				c.logger.Info("read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		d.Dispatch(ctx, c, message)
	}
}

// WritePump writes queued frames and keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
