// Package presence aggregates the status of every connected device of a
// user into one user-level status and tells subscribers when it changes.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/clock"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/protocol"
)

const (
	shardCount     = 32
	publishTimeout = 5 * time.Second
)

// Broadcaster emits an event to a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, data any) error
}

// OfflineListener is called after a user's last device disconnects.
type OfflineListener func(userID string)

type record struct {
	devices    map[string]*models.Device
	status     models.PresenceStatus
	dndUntil   *time.Time
	dndMessage string
	dndTimer   *clock.Timer
	dndGen     uint64
	lastSeen   *time.Time
	// last is the most recent transition; seq orders transitions.
	seq  uint64
	last *change
}

type userShard struct {
	mu    sync.Mutex
	users map[string]*record
}

// subscriptions maps a watched user to the users watching them, with the
// reverse index kept for cleanup when a watcher goes offline.
type subscriptions struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{}
	watching map[string]map[string]struct{}
}

type Tracker struct {
	clock     clock.Clock
	bc        Broadcaster
	metrics   *metrics.Metrics
	logger    *slog.Logger
	shards    [shardCount]userShard
	subs      subscriptions
	listeners []OfflineListener
}

func NewTracker(bc Broadcaster, c clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	t := &Tracker{
		clock:   c,
		bc:      bc,
		metrics: m,
		logger:  logger.With("component", "presence"),
		subs: subscriptions{
			watchers: make(map[string]map[string]struct{}),
			watching: make(map[string]map[string]struct{}),
		},
	}
	for i := range t.shards {
		t.shards[i].users = make(map[string]*record)
	}
	return t
}

// OnOffline registers l. Call before serving.
func (t *Tracker) OnOffline(l OfflineListener) {
	t.listeners = append(t.listeners, l)
}

func (t *Tracker) shard(userID string) *userShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &t.shards[h.Sum32()%shardCount]
}

// change describes a status transition to announce after unlocking.
type change struct {
	seq      uint64
	from, to models.PresenceStatus
	payload  protocol.Presence
}

// OnConnect adds a device in status online.
func (t *Tracker) OnConnect(userID, connectionID string) {
	s := t.shard(userID)
	s.mu.Lock()
	rec := s.users[userID]
	if rec == nil {
		rec = &record{devices: make(map[string]*models.Device), status: models.PresenceOffline}
		s.users[userID] = rec
	}
	rec.devices[connectionID] = &models.Device{
		ConnectionID: connectionID,
		Status:       models.PresenceOnline,
		LastPingAt:   t.clock.Now(),
	}
	ch := t.recompute(userID, rec, false)
	s.mu.Unlock()

	t.announce(userID, ch)
}

// OnDisconnect removes a device. The last one leaving makes the user
// offline, whatever status they had set.
func (t *Tracker) OnDisconnect(userID, connectionID string) {
	s := t.shard(userID)
	s.mu.Lock()
	rec := s.users[userID]
	if rec == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := rec.devices[connectionID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(rec.devices, connectionID)
	if len(rec.devices) == 0 {
		now := t.clock.Now()
		rec.lastSeen = &now
		t.clearDND(rec)
	}
	ch := t.recompute(userID, rec, false)
	s.mu.Unlock()

	t.announce(userID, ch)
	// A device may have reconnected while the offline change was published.
	if ch != nil && ch.to == models.PresenceOffline && !t.IsOnline(userID) {
		t.dropWatcher(userID)
		for _, l := range t.listeners {
			l(userID)
		}
	}
}

// Touch records a keepalive from a device.
func (t *Tracker) Touch(userID, connectionID string) {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.users[userID]; rec != nil {
		if d := rec.devices[connectionID]; d != nil {
			d.LastPingAt = t.clock.Now()
		}
	}
}

// StatusUpdate is an explicit status request from one device.
type StatusUpdate struct {
	Status     models.PresenceStatus
	DNDUntil   *time.Time
	DNDMessage string
	// DeviceOnly limits the change to the reporting connection.
	DeviceOnly bool
}

// SetStatus applies u to the user's devices and announces the resulting
// aggregate when it changed.
func (t *Tracker) SetStatus(userID, connectionID string, u StatusUpdate) error {
	if !u.Status.Settable() {
		return apperr.Validation("invalid_status", "status must be online, away, busy or dnd")
	}
	now := t.clock.Now()
	if u.DNDUntil != nil && !u.DNDUntil.After(now) {
		return apperr.Validation("invalid_dnd_until", "dndUntil must be in the future")
	}

	s := t.shard(userID)
	s.mu.Lock()
	rec := s.users[userID]
	if rec == nil || len(rec.devices) == 0 {
		s.mu.Unlock()
		return apperr.Conflict("not_connected", "no connected device to update")
	}
	if u.DeviceOnly {
		d := rec.devices[connectionID]
		if d == nil {
			s.mu.Unlock()
			return apperr.NotFound("device_not_found", "connection is not registered")
		}
		d.Status = u.Status
	} else {
		for _, d := range rec.devices {
			d.Status = u.Status
		}
	}

	dndChanged := false
	if u.Status == models.PresenceDND {
		t.clearDND(rec)
		rec.dndUntil = u.DNDUntil
		rec.dndMessage = u.DNDMessage
		dndChanged = true
		if u.DNDUntil != nil {
			gen := rec.dndGen
			rec.dndTimer = t.clock.AfterFunc(u.DNDUntil.Sub(now), func() { t.expireDND(userID, gen) })
		}
	} else if !anyDevice(rec, models.PresenceDND) {
		t.clearDND(rec)
	}
	ch := t.recompute(userID, rec, dndChanged)
	s.mu.Unlock()

	t.announce(userID, ch)
	return nil
}

// expireDND returns devices still in DND to online once dndUntil passes.
func (t *Tracker) expireDND(userID string, gen uint64) {
	s := t.shard(userID)
	s.mu.Lock()
	rec := s.users[userID]
	if rec == nil || rec.dndGen != gen {
		s.mu.Unlock()
		return
	}
	for _, d := range rec.devices {
		if d.Status == models.PresenceDND {
			d.Status = models.PresenceOnline
		}
	}
	rec.dndTimer = nil
	t.clearDND(rec)
	ch := t.recompute(userID, rec, false)
	s.mu.Unlock()

	t.announce(userID, ch)
}

// clearDND drops the DND override and invalidates any pending expiry.
func (t *Tracker) clearDND(rec *record) {
	if rec.dndTimer != nil {
		rec.dndTimer.Stop()
		rec.dndTimer = nil
	}
	rec.dndGen++
	rec.dndUntil = nil
	rec.dndMessage = ""
}

func anyDevice(rec *record, status models.PresenceStatus) bool {
	for _, d := range rec.devices {
		if d.Status == status {
			return true
		}
	}
	return false
}

// aggregate picks the highest-precedence device status. Must hold the
// shard lock.
func (t *Tracker) aggregate(rec *record) models.PresenceStatus {
	best := models.PresenceOffline
	now := t.clock.Now()
	for _, d := range rec.devices {
		st := d.Status
		if st == models.PresenceDND && rec.dndUntil != nil && !now.Before(*rec.dndUntil) {
			st = models.PresenceOnline
		}
		if st.Rank() > best.Rank() {
			best = st
		}
	}
	return best
}

// recompute refreshes rec.status and returns the transition to announce,
// or nil. Must hold the shard lock.
func (t *Tracker) recompute(userID string, rec *record, force bool) *change {
	from := rec.status
	to := t.aggregate(rec)
	rec.status = to
	if from == to && !(force && to == models.PresenceDND) {
		return nil
	}
	if from == models.PresenceOffline && to != models.PresenceOffline {
		t.metrics.UsersOnline.Inc()
	} else if from != models.PresenceOffline && to == models.PresenceOffline {
		t.metrics.UsersOnline.Dec()
	}
	p := protocol.Presence{UserID: userID, Status: to}
	if to == models.PresenceOffline {
		p.LastSeenAt = rec.lastSeen
	}
	if to == models.PresenceDND {
		p.DNDUntil = rec.dndUntil
		p.DNDMessage = rec.dndMessage
	}
	rec.seq++
	rec.last = &change{seq: rec.seq, from: from, to: to, payload: p}
	return rec.last
}

// latest returns the most recent transition of userID.
func (t *Tracker) latest(userID string) *change {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.users[userID]; rec != nil {
		return rec.last
	}
	return nil
}

// announce publishes ch, or a newer transition that superseded it. When a
// newer transition lands while ch is being published, the newer one is
// published again afterwards so observers end on the current state.
func (t *Tracker) announce(userID string, ch *change) {
	if ch == nil {
		return
	}
	if cur := t.latest(userID); cur != nil && cur.seq > ch.seq {
		ch = cur
	}
	for {
		t.publish(userID, ch)
		cur := t.latest(userID)
		if cur == nil || cur.seq == ch.seq {
			return
		}
		ch = cur
	}
}

func (t *Tracker) publish(userID string, ch *change) {
	event := protocol.EventPresenceChanged
	switch ch.to {
	case models.PresenceOnline:
		event = protocol.EventPresenceOnline
	case models.PresenceOffline:
		event = protocol.EventPresenceOffline
	}
	t.logger.Debug("presence changed", "user_id", userID, "from", ch.from, "to", ch.to)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, observer := range t.watchersOf(userID) {
		if err := t.bc.Broadcast(ctx, protocol.UserRoom(observer), event, ch.payload); err != nil {
			t.logger.Error("failed to publish presence", "user_id", userID, "observer", observer, "error", err)
		}
	}
}

// Subscribe starts notifying observer about changes of each target. It
// sends no snapshot.
func (t *Tracker) Subscribe(observer string, targets []string) {
	t.subs.mu.Lock()
	defer t.subs.mu.Unlock()
	for _, target := range targets {
		if target == observer {
			continue
		}
		if t.subs.watchers[target] == nil {
			t.subs.watchers[target] = make(map[string]struct{})
		}
		t.subs.watchers[target][observer] = struct{}{}
		if t.subs.watching[observer] == nil {
			t.subs.watching[observer] = make(map[string]struct{})
		}
		t.subs.watching[observer][target] = struct{}{}
	}
}

// Unsubscribe stops notifications for each target.
func (t *Tracker) Unsubscribe(observer string, targets []string) {
	t.subs.mu.Lock()
	defer t.subs.mu.Unlock()
	for _, target := range targets {
		t.unwatch(observer, target)
	}
}

func (t *Tracker) unwatch(observer, target string) {
	if w := t.subs.watchers[target]; w != nil {
		delete(w, observer)
		if len(w) == 0 {
			delete(t.subs.watchers, target)
		}
	}
	if w := t.subs.watching[observer]; w != nil {
		delete(w, target)
		if len(w) == 0 {
			delete(t.subs.watching, observer)
		}
	}
}

// dropWatcher removes every subscription held by an offline observer.
func (t *Tracker) dropWatcher(observer string) {
	t.subs.mu.Lock()
	defer t.subs.mu.Unlock()
	for target := range t.subs.watching[observer] {
		t.unwatch(observer, target)
	}
}

func (t *Tracker) watchersOf(userID string) []string {
	t.subs.mu.RLock()
	defer t.subs.mu.RUnlock()
	out := make([]string, 0, len(t.subs.watchers[userID]))
	for o := range t.subs.watchers[userID] {
		out = append(out, o)
	}
	return out
}

// Get returns a snapshot of one user's presence. Unknown users are offline.
func (t *Tracker) Get(userID string) models.UserPresence {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := models.UserPresence{UserID: userID, Status: models.PresenceOffline, ActiveDevices: []models.Device{}}
	rec := s.users[userID]
	if rec == nil {
		return p
	}
	p.Status = t.aggregate(rec)
	p.LastSeenAt = rec.lastSeen
	if p.Status == models.PresenceDND {
		p.DNDUntil = rec.dndUntil
		p.DNDMessage = rec.dndMessage
	}
	for _, d := range rec.devices {
		p.ActiveDevices = append(p.ActiveDevices, *d)
	}
	sort.Slice(p.ActiveDevices, func(i, j int) bool {
		return p.ActiveDevices[i].ConnectionID < p.ActiveDevices[j].ConnectionID
	})
	return p
}

// Query returns snapshots for several users, in request order.
func (t *Tracker) Query(userIDs []string) []models.UserPresence {
	out := make([]models.UserPresence, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, t.Get(id))
	}
	return out
}

// IsOnline reports whether the user has at least one connected device.
func (t *Tracker) IsOnline(userID string) bool {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.users[userID]
	return rec != nil && len(rec.devices) > 0
}
