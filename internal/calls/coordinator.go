// Package calls drives the two-party call state machine and relays
// negotiation payloads between the participants without reading them.
package calls

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"chatcore/internal/apperr"
	"chatcore/internal/clock"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/protocol"
)

const (
	shardCount     = 32
	publishTimeout = 5 * time.Second

	ReasonCalleeOffline = "callee_offline"
	ReasonBusy          = "busy"
	ReasonAccepted      = "accepted"
	ReasonDeclined      = "declined"
	ReasonTimeout       = "timeout"
	ReasonEnded         = "ended"
	ReasonDisconnected  = "disconnected"
)

// Broadcaster emits events to rooms.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, data any) error
	BroadcastExcept(ctx context.Context, room, exceptConnectionID, event string, data any) error
}

// Presence answers whether a user has any connected device.
type Presence interface {
	IsOnline(userID string) bool
}

type Settings struct {
	RingTimeout time.Duration
	ICEServers  []webrtc.ICEServer
}

type session struct {
	mu         sync.Mutex
	call       models.CallSession
	callerConn string
	calleeConn string
	timer      *clock.Timer
}

type callShard struct {
	mu sync.Mutex
	m  map[string]*session
}

type Coordinator struct {
	bc       Broadcaster
	presence Presence
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	settings Settings

	byID   [shardCount]callShard // callID -> session
	byUser [shardCount]callShard // userID -> live session
}

func NewCoordinator(bc Broadcaster, p Presence, c clock.Clock, m *metrics.Metrics, logger *slog.Logger, s Settings) *Coordinator {
	co := &Coordinator{
		bc:       bc,
		presence: p,
		clock:    c,
		metrics:  m,
		logger:   logger.With("component", "calls"),
		settings: s,
	}
	for i := 0; i < shardCount; i++ {
		co.byID[i].m = make(map[string]*session)
		co.byUser[i].m = make(map[string]*session)
	}
	return co
}

func shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// lockUsers locks the user shards of a and b in index order.
func (co *Coordinator) lockUsers(a, b string) func() {
	i, j := shardOf(a), shardOf(b)
	if i > j {
		i, j = j, i
	}
	co.byUser[i].mu.Lock()
	if j != i {
		co.byUser[j].mu.Lock()
	}
	return func() {
		if j != i {
			co.byUser[j].mu.Unlock()
		}
		co.byUser[i].mu.Unlock()
	}
}

func (co *Coordinator) get(callID string) (*session, error) {
	s := &co.byID[shardOf(callID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[callID]; ok {
		return sess, nil
	}
	return nil, apperr.NotFound("call_not_found", "call not found")
}

func (co *Coordinator) liveCall(userID string) *session {
	s := &co.byUser[shardOf(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[userID]
}

// Caller identifies the device placing a call.
type Caller struct {
	UserID       string
	ConnectionID string
	DisplayName  string
}

// Initiate starts ringing calleeID. An offline or busy callee is reported
// to the caller with call:offline or call:busy and no session is created;
// the returned session is nil in that case.
func (co *Coordinator) Initiate(ctx context.Context, caller Caller, calleeID string, callType models.CallType) (*models.CallSession, error) {
	if caller.UserID == calleeID {
		return nil, apperr.Validation("self_call", "cannot call yourself")
	}
	if callType != models.CallAudio && callType != models.CallVideo {
		return nil, apperr.Validation("invalid_call_type", "callType must be audio or video")
	}

	if !co.presence.IsOnline(calleeID) {
		co.metrics.CallsTotal.WithLabelValues("offline").Inc()
		co.toConnection(ctx, caller.UserID, caller.ConnectionID, protocol.EventCallOffline, protocol.CallOutcome{
			CalleeID: calleeID, Reason: ReasonCalleeOffline,
		})
		return nil, nil
	}

	sess := &session{
		call: models.CallSession{
			CallID:    uuid.NewString(),
			CallerID:  caller.UserID,
			CalleeID:  calleeID,
			CallType:  callType,
			State:     models.CallRinging,
			StartedAt: co.clock.Now(),
		},
		callerConn: caller.ConnectionID,
	}

	unlock := co.lockUsers(caller.UserID, calleeID)
	if co.byUser[shardOf(caller.UserID)].m[caller.UserID] != nil {
		unlock()
		return nil, apperr.Conflict("already_in_call", "you already have an active call")
	}
	if co.byUser[shardOf(calleeID)].m[calleeID] != nil {
		unlock()
		co.metrics.CallsTotal.WithLabelValues(ReasonBusy).Inc()
		co.toConnection(ctx, caller.UserID, caller.ConnectionID, protocol.EventCallBusy, protocol.CallOutcome{
			CalleeID: calleeID, Reason: ReasonBusy,
		})
		return nil, nil
	}
	sess.mu.Lock()
	co.byUser[shardOf(caller.UserID)].m[caller.UserID] = sess
	co.byUser[shardOf(calleeID)].m[calleeID] = sess
	unlock()

	ids := &co.byID[shardOf(sess.call.CallID)]
	ids.mu.Lock()
	ids.m[sess.call.CallID] = sess
	ids.mu.Unlock()

	sess.timer = co.clock.AfterFunc(co.settings.RingTimeout, func() { co.expire(sess) })
	snapshot := sess.call
	sess.mu.Unlock()

	co.metrics.ActiveCalls.Inc()
	co.logger.Info("call ringing", "call_id", snapshot.CallID, "caller_id", caller.UserID, "callee_id", calleeID, "type", callType)

	co.emit(ctx, protocol.UserRoom(calleeID), protocol.EventCallIncoming, protocol.CallIncoming{
		CallID:     snapshot.CallID,
		CallerID:   caller.UserID,
		CallerName: caller.DisplayName,
		CallType:   callType,
		ICEServers: co.settings.ICEServers,
	})
	co.toConnection(ctx, caller.UserID, caller.ConnectionID, protocol.EventCallRinging, protocol.CallRinging{
		CallID:     snapshot.CallID,
		CalleeID:   calleeID,
		ICEServers: co.settings.ICEServers,
	})
	return &snapshot, nil
}

// authorize checks that userID takes part in sess. Must hold sess.mu.
func authorize(sess *session, userID string) error {
	if !sess.call.IsParticipant(userID) {
		return apperr.Authorization("not_in_call", "not a participant of this call")
	}
	return nil
}

// Accept answers a ringing call from one of the callee's devices.
func (co *Coordinator) Accept(ctx context.Context, callID, userID, connectionID string) error {
	sess, err := co.get(callID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if err := authorize(sess, userID); err != nil {
		sess.mu.Unlock()
		return err
	}
	if userID != sess.call.CalleeID {
		sess.mu.Unlock()
		return apperr.Authorization("not_callee", "only the callee may accept")
	}
	if sess.call.State != models.CallRinging {
		sess.mu.Unlock()
		return apperr.Conflict("call_not_ringing", "call is no longer ringing")
	}
	sess.timer.Stop()
	sess.call.State = models.CallConnecting
	sess.calleeConn = connectionID
	call, callerConn := sess.call, sess.callerConn
	sess.mu.Unlock()

	outcome := protocol.CallOutcome{CallID: callID, CalleeID: call.CalleeID, Reason: ReasonAccepted}
	co.toConnection(ctx, call.CallerID, callerConn, protocol.EventCallAccepted, outcome)
	co.emitExcept(ctx, protocol.UserRoom(call.CalleeID), connectionID, protocol.EventCallAccepted, outcome)
	return nil
}

// Decline rejects a ringing call. The caller is told who declined.
func (co *Coordinator) Decline(ctx context.Context, callID, userID, connectionID, displayName string) error {
	sess, err := co.get(callID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if err := authorize(sess, userID); err != nil {
		sess.mu.Unlock()
		return err
	}
	if userID != sess.call.CalleeID {
		sess.mu.Unlock()
		return apperr.Authorization("not_callee", "only the callee may decline")
	}
	if sess.call.State != models.CallRinging {
		sess.mu.Unlock()
		return apperr.Conflict("call_not_ringing", "call is no longer ringing")
	}
	sess.timer.Stop()
	co.terminate(sess, models.CallDeclined)
	call, callerConn := sess.call, sess.callerConn
	sess.mu.Unlock()

	co.finish(call, ReasonDeclined)
	outcome := protocol.CallOutcome{CallID: callID, CalleeID: call.CalleeID, CalleeName: displayName, Reason: ReasonDeclined}
	co.toConnection(ctx, call.CallerID, callerConn, protocol.EventCallDeclined, outcome)
	co.emitExcept(ctx, protocol.UserRoom(call.CalleeID), connectionID, protocol.EventCallDeclined, outcome)
	return nil
}

// expire is the ringing timer. It re-checks the state so a callback that
// lost the race with accept or decline does nothing.
func (co *Coordinator) expire(sess *session) {
	sess.mu.Lock()
	if sess.call.State != models.CallRinging {
		sess.mu.Unlock()
		return
	}
	co.terminate(sess, models.CallTimeout)
	call, callerConn := sess.call, sess.callerConn
	sess.mu.Unlock()

	co.finish(call, ReasonTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	co.toConnection(ctx, call.CallerID, callerConn, protocol.EventCallTimeout, protocol.CallOutcome{
		CallID: call.CallID, CalleeID: call.CalleeID, Reason: ReasonTimeout,
	})
}

// Signal relays an opaque negotiation payload to the other participant.
func (co *Coordinator) Signal(ctx context.Context, callID, fromUserID string, payload json.RawMessage) error {
	sess, err := co.get(callID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if err := authorize(sess, fromUserID); err != nil {
		sess.mu.Unlock()
		return err
	}
	if sess.call.State != models.CallConnecting && sess.call.State != models.CallConnected {
		sess.mu.Unlock()
		return apperr.Conflict("call_not_active", "call is not connecting or connected")
	}
	peer := sess.call.Peer(fromUserID)
	peerConn := sess.calleeConn
	if peer == sess.call.CallerID {
		peerConn = sess.callerConn
	}
	sess.mu.Unlock()

	co.toConnection(ctx, peer, peerConn, protocol.EventCallSignalRelay, protocol.CallSignalRelay{
		CallID:     callID,
		FromUserID: fromUserID,
		Payload:    payload,
	})
	return nil
}

// MarkConnected records that media is flowing. Repeating it is a no-op.
func (co *Coordinator) MarkConnected(ctx context.Context, callID, userID string) error {
	sess, err := co.get(callID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if err := authorize(sess, userID); err != nil {
		sess.mu.Unlock()
		return err
	}
	switch sess.call.State {
	case models.CallConnected:
		sess.mu.Unlock()
		return nil
	case models.CallConnecting:
	default:
		sess.mu.Unlock()
		return apperr.Conflict("call_not_connecting", "call is not connecting")
	}
	now := co.clock.Now()
	sess.call.State = models.CallConnected
	sess.call.ConnectedAt = &now
	call, callerConn, calleeConn := sess.call, sess.callerConn, sess.calleeConn
	sess.mu.Unlock()

	ack := protocol.CallConnectedAck{CallID: callID, ConnectedAt: now}
	co.toConnection(ctx, call.CallerID, callerConn, protocol.EventCallConnectedAck, ack)
	co.toConnection(ctx, call.CalleeID, calleeConn, protocol.EventCallConnectedAck, ack)
	return nil
}

// End hangs up a live call from either side.
func (co *Coordinator) End(ctx context.Context, callID, userID string) error {
	sess, err := co.get(callID)
	if err != nil {
		return err
	}
	return co.end(ctx, sess, userID, ReasonEnded)
}

func (co *Coordinator) end(ctx context.Context, sess *session, userID, reason string) error {
	sess.mu.Lock()
	if err := authorize(sess, userID); err != nil {
		sess.mu.Unlock()
		return err
	}
	if sess.call.State.Terminal() {
		sess.mu.Unlock()
		return apperr.Conflict("call_ended", "call has already ended")
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	outcome := "completed"
	if sess.call.State == models.CallRinging {
		outcome = "cancelled"
	}
	co.terminate(sess, models.CallEnded)
	call := sess.call
	sess.mu.Unlock()

	co.finish(call, outcome)
	ended := protocol.CallEnded{CallID: call.CallID, EndedBy: userID, Reason: reason}
	co.emit(ctx, protocol.UserRoom(call.CallerID), protocol.EventCallEnded, ended)
	co.emit(ctx, protocol.UserRoom(call.CalleeID), protocol.EventCallEnded, ended)
	return nil
}

// EndAllFor ends the live call of a user whose last device went away.
func (co *Coordinator) EndAllFor(userID string) {
	sess := co.liveCall(userID)
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := co.end(ctx, sess, userID, ReasonDisconnected); err != nil && apperr.KindOf(err) != apperr.KindConflict {
		co.logger.Error("failed to end call of disconnected user", "user_id", userID, "error", err)
	}
}

// terminate moves sess into a terminal state. Must hold sess.mu.
func (co *Coordinator) terminate(sess *session, state models.CallState) {
	now := co.clock.Now()
	sess.call.State = state
	sess.call.EndedAt = &now
}

// finish discards a terminated call from both indexes.
func (co *Coordinator) finish(call models.CallSession, outcome string) {
	ids := &co.byID[shardOf(call.CallID)]
	ids.mu.Lock()
	delete(ids.m, call.CallID)
	ids.mu.Unlock()

	unlock := co.lockUsers(call.CallerID, call.CalleeID)
	for _, u := range []string{call.CallerID, call.CalleeID} {
		users := &co.byUser[shardOf(u)]
		if s := users.m[u]; s != nil && s.call.CallID == call.CallID {
			delete(users.m, u)
		}
	}
	unlock()

	co.metrics.ActiveCalls.Dec()
	co.metrics.CallsTotal.WithLabelValues(outcome).Inc()
	co.logger.Info("call finished", "call_id", call.CallID, "state", call.State, "outcome", outcome)
}

// Get returns a copy of a live call.
func (co *Coordinator) Get(callID string) (models.CallSession, bool) {
	sess, err := co.get(callID)
	if err != nil {
		return models.CallSession{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.call, true
}

// ActiveCount returns the number of live calls.
func (co *Coordinator) ActiveCount() int {
	n := 0
	for i := range co.byID {
		s := &co.byID[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// toConnection targets a bound connection, falling back to the user room.
func (co *Coordinator) toConnection(ctx context.Context, userID, connectionID, event string, data any) {
	room := protocol.UserRoom(userID)
	if connectionID != "" {
		room = protocol.ConnectionRoom(connectionID)
	}
	co.emit(ctx, room, event, data)
}

func (co *Coordinator) emit(ctx context.Context, room, event string, data any) {
	co.emitExcept(ctx, room, "", event, data)
}

func (co *Coordinator) emitExcept(ctx context.Context, room, except, event string, data any) {
	if err := co.bc.BroadcastExcept(ctx, room, except, event, data); err != nil {
		co.logger.Error("failed to broadcast", "room", room, "event", event, "error", err)
	}
}
