// Package websocket is the connection gateway: it tracks connected devices,
// indexes them by room and delivers room broadcasts received from the
// pub/sub bus. The registry and the room index are sharded so unrelated
// rooms never contend on one lock.
package websocket

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"chatcore/internal/metrics"
	"chatcore/internal/protocol"
	"chatcore/internal/pubsub"
)

const shardCount = 32

// Lifecycle receives connection events; the presence tracker implements it.
type Lifecycle interface {
	OnConnect(userID, connectionID string)
	OnDisconnect(userID, connectionID string)
	Touch(userID, connectionID string)
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client // room -> connectionID -> client
}

type clientShard struct {
	mu      sync.RWMutex
	clients map[string]*Client // connectionID -> client
}

type Hub struct {
	rooms     [shardCount]roomShard
	clients   [shardCount]clientShard
	bus       pubsub.Bus
	lifecycle Lifecycle
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewHub(bus pubsub.Bus, m *metrics.Metrics, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "websocket"),
	}
	for i := range h.rooms {
		h.rooms[i].rooms = make(map[string]map[string]*Client)
		h.clients[i].clients = make(map[string]*Client)
	}
	bus.Subscribe(h.deliver)
	return h
}

// SetLifecycle installs the connection observer. Call before serving.
func (h *Hub) SetLifecycle(l Lifecycle) {
	h.lifecycle = l
}

func shardIndex(key string) int {
	f := fnv.New32a()
	f.Write([]byte(key))
	return int(f.Sum32() % shardCount)
}

func (h *Hub) roomShard(room string) *roomShard {
	return &h.rooms[shardIndex(room)]
}

func (h *Hub) clientShard(connectionID string) *clientShard {
	return &h.clients[shardIndex(connectionID)]
}

// Register adds c to the registry, its user room and its connection room,
// then reports the device as connected. Registering twice is a no-op.
func (h *Hub) Register(c *Client) {
	s := h.clientShard(c.connectionID)
	s.mu.Lock()
	if _, ok := s.clients[c.connectionID]; ok {
		s.mu.Unlock()
		return
	}
	s.clients[c.connectionID] = c
	s.mu.Unlock()

	h.Join(c, protocol.UserRoom(c.userID))
	h.Join(c, protocol.ConnectionRoom(c.connectionID))
	h.metrics.ConnectionsActive.Inc()
	h.logger.Info("client connected", "user_id", c.userID, "connection_id", c.connectionID)

	if h.lifecycle != nil {
		h.lifecycle.OnConnect(c.userID, c.connectionID)
	}
}

// Deregister removes c from every room and closes it. It is idempotent.
func (h *Hub) Deregister(c *Client) {
	s := h.clientShard(c.connectionID)
	s.mu.Lock()
	if _, ok := s.clients[c.connectionID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.connectionID)
	s.mu.Unlock()

	for _, room := range c.Rooms() {
		h.Leave(c, room)
	}
	c.Close()
	h.metrics.ConnectionsActive.Dec()
	h.logger.Info("client disconnected", "user_id", c.userID, "connection_id", c.connectionID)

	if h.lifecycle != nil {
		h.lifecycle.OnDisconnect(c.userID, c.connectionID)
	}
}

// Join subscribes c to room.
func (h *Hub) Join(c *Client, room string) {
	s := h.roomShard(room)
	s.mu.Lock()
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		s.rooms[room] = members
	}
	members[c.connectionID] = c
	s.mu.Unlock()
	c.addRoom(room)

	// Lost a race with Deregister: undo.
	if c.isClosed() {
		h.Leave(c, room)
	}
}

// Leave unsubscribes c from room.
func (h *Hub) Leave(c *Client, room string) {
	s := h.roomShard(room)
	s.mu.Lock()
	if members := s.rooms[room]; members != nil {
		delete(members, c.connectionID)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()
	c.removeRoom(room)
}

// Broadcast sends an event to every connection in room, on every node.
// Delivery is fire-and-forget.
func (h *Hub) Broadcast(ctx context.Context, room, event string, data any) error {
	return h.BroadcastExcept(ctx, room, "", event, data)
}

// BroadcastExcept is Broadcast skipping the connection exceptConnectionID.
func (h *Hub) BroadcastExcept(ctx context.Context, room, exceptConnectionID, event string, data any) error {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return h.bus.Publish(ctx, pubsub.Message{Room: room, Exclude: exceptConnectionID, Payload: payload})
}

// deliver hands a bus message to the local members of its room.
func (h *Hub) deliver(msg pubsub.Message) {
	s := h.roomShard(msg.Room)
	s.mu.RLock()
	members := make([]*Client, 0, len(s.rooms[msg.Room]))
	for id, c := range s.rooms[msg.Room] {
		if id != msg.Exclude {
			members = append(members, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range members {
		c.Send(msg.Payload)
	}
}

func (h *Hub) touch(c *Client) {
	if h.lifecycle != nil {
		h.lifecycle.Touch(c.userID, c.connectionID)
	}
}

// RoomSize returns the number of local connections in room.
func (h *Hub) RoomSize(room string) int {
	s := h.roomShard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// ConnectionCount returns the number of registered local connections.
func (h *Hub) ConnectionCount() int {
	n := 0
	for i := range h.clients {
		s := &h.clients[i]
		s.mu.RLock()
		n += len(s.clients)
		s.mu.RUnlock()
	}
	return n
}

// Close disconnects every local client.
func (h *Hub) Close() {
	var all []*Client
	for i := range h.clients {
		s := &h.clients[i]
		s.mu.RLock()
		for _, c := range s.clients {
			all = append(all, c)
		}
		s.mu.RUnlock()
	}
	for _, c := range all {
		h.Deregister(c)
	}
}
