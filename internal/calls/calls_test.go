package calls

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/clock"
	"chatcore/internal/config"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/protocol"
	"chatcore/internal/testutil"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

type fixture struct {
	co    *Coordinator
	rec   *testutil.Recorder
	clock *clock.FakeClock
}

func newFixture(t *testing.T, online ...string) *fixture {
	t.Helper()
	p := &fakePresence{online: map[string]bool{}}
	for _, u := range online {
		p.online[u] = true
	}
	rec := &testutil.Recorder{}
	clk := clock.Fake(epoch)
	co := NewCoordinator(rec, p, clk, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), Settings{
		RingTimeout: 30 * time.Second,
	})
	return &fixture{co: co, rec: rec, clock: clk}
}

func caller(user string) Caller {
	return Caller{UserID: user, ConnectionID: user + "-conn", DisplayName: user}
}

func (f *fixture) ring(t *testing.T, from, to string) string {
	t.Helper()
	call, err := f.co.Initiate(context.Background(), caller(from), to, models.CallAudio)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if call == nil {
		t.Fatal("Initiate created no session")
	}
	return call.CallID
}

func TestInitiateOfflineCreatesNoSession(t *testing.T) {
	f := newFixture(t, "alice")

	call, err := f.co.Initiate(context.Background(), caller("alice"), "bob", models.CallVideo)
	if err != nil || call != nil {
		t.Fatalf("Initiate = %v, %v; want nil, nil", call, err)
	}
	if n := f.co.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount = %d, want 0", n)
	}
	got := f.rec.Named(protocol.EventCallOffline)
	if len(got) != 1 || got[0].Room != protocol.ConnectionRoom("alice-conn") {
		t.Fatalf("call:offline = %+v", got)
	}
	if r := got[0].Data.(protocol.CallOutcome).Reason; r != ReasonCalleeOffline {
		t.Fatalf("reason = %q", r)
	}
}

func TestInitiateBusy(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.ring(t, "alice", "bob")
	f.rec.Reset()

	call, err := f.co.Initiate(context.Background(), caller("carol"), "bob", models.CallAudio)
	if err != nil || call != nil {
		t.Fatalf("Initiate = %v, %v; want nil, nil", call, err)
	}
	if got := f.rec.Named(protocol.EventCallIncoming); len(got) != 0 {
		t.Fatalf("busy callee was rung: %+v", got)
	}
	if got := f.rec.Named(protocol.EventCallBusy); len(got) != 1 || got[0].Room != protocol.ConnectionRoom("carol-conn") {
		t.Fatalf("call:busy = %+v", got)
	}
	if n := f.co.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount = %d, want 1", n)
	}
}

func TestInitiateRejects(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.ring(t, "alice", "bob")

	tests := []struct {
		name string
		from string
		to   string
		ct   models.CallType
		code string
	}{
		{"self", "carol", "carol", models.CallAudio, "self_call"},
		{"bad type", "carol", "bob", "hologram", "invalid_call_type"},
		{"caller busy", "alice", "carol", models.CallAudio, "already_in_call"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.co.Initiate(context.Background(), caller(tt.from), tt.to, tt.ct)
			if apperr.Code(err) != tt.code {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestRingTimeoutNotifiesCallerOnly(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	callID := f.ring(t, "alice", "bob")

	incoming := f.rec.To(protocol.UserRoom("bob"))
	if len(incoming) != 1 || incoming[0].Event != protocol.EventCallIncoming {
		t.Fatalf("bob got %+v", incoming)
	}
	f.rec.Reset()

	f.clock.Advance(29 * time.Second)
	if len(f.rec.All()) != 0 {
		t.Fatalf("events before timeout: %+v", f.rec.All())
	}
	f.clock.Advance(time.Second)

	got := f.rec.All()
	if len(got) != 1 || got[0].Event != protocol.EventCallTimeout || got[0].Room != protocol.ConnectionRoom("alice-conn") {
		t.Fatalf("after timeout got %+v", got)
	}
	if _, ok := f.co.Get(callID); ok {
		t.Fatal("timed out call still tracked")
	}
	if err := f.co.Accept(context.Background(), callID, "bob", "bob-conn"); apperr.Code(err) != "call_not_found" {
		t.Fatalf("late Accept err = %v", err)
	}
}

func TestAcceptStopsTimer(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	callID := f.ring(t, "alice", "bob")
	f.rec.Reset()

	if err := f.co.Accept(context.Background(), callID, "bob", "bob-conn"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	accepted := f.rec.Named(protocol.EventCallAccepted)
	if len(accepted) != 2 {
		t.Fatalf("call:accepted = %+v", accepted)
	}
	if accepted[0].Room != protocol.ConnectionRoom("alice-conn") {
		t.Fatalf("caller notified in %s", accepted[0].Room)
	}
	if accepted[1].Room != protocol.UserRoom("bob") || accepted[1].Except != "bob-conn" {
		t.Fatalf("other callee devices notified as %+v", accepted[1])
	}

	f.clock.Advance(31 * time.Second)
	if got := f.rec.Named(protocol.EventCallTimeout); len(got) != 0 {
		t.Fatalf("accepted call timed out: %+v", got)
	}
	call, ok := f.co.Get(callID)
	if !ok || call.State != models.CallConnecting {
		t.Fatalf("state = %v, %v", call.State, ok)
	}

	if err := f.co.Accept(context.Background(), callID, "bob", "bob-conn"); apperr.Code(err) != "call_not_ringing" {
		t.Fatalf("second Accept err = %v", err)
	}
	if err := f.co.Accept(context.Background(), callID, "alice", "alice-conn"); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("caller Accept err = %v", err)
	}
}

// A timer callback that already fired but lost the race to the callee's
// answer must leave the call alone.
func TestLateTimerCallbackIsNoOp(t *testing.T) {
	tests := []struct {
		name       string
		answer     func(f *fixture, callID string) error
		wantState  models.CallState
		wantActive int
	}{
		{
			name: "after accept",
			answer: func(f *fixture, callID string) error {
				return f.co.Accept(context.Background(), callID, "bob", "bob-conn")
			},
			wantState:  models.CallConnecting,
			wantActive: 1,
		},
		{
			name: "after decline",
			answer: func(f *fixture, callID string) error {
				return f.co.Decline(context.Background(), callID, "bob", "bob-conn", "Bob")
			},
			wantState:  models.CallDeclined,
			wantActive: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "alice", "bob")
			callID := f.ring(t, "alice", "bob")
			sess, err := f.co.get(callID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if err := tt.answer(f, callID); err != nil {
				t.Fatalf("answer: %v", err)
			}

			f.co.expire(sess)

			if n := len(f.rec.Named(protocol.EventCallTimeout)); n != 0 {
				t.Fatalf("%d call:timeout events after the callee answered", n)
			}
			sess.mu.Lock()
			state := sess.call.State
			sess.mu.Unlock()
			if state != tt.wantState {
				t.Fatalf("state = %s, want %s", state, tt.wantState)
			}
			if n := f.co.ActiveCount(); n != tt.wantActive {
				t.Fatalf("ActiveCount = %d, want %d", n, tt.wantActive)
			}
		})
	}
}

func TestDeclineTellsCallerWho(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	callID := f.ring(t, "alice", "bob")
	f.rec.Reset()

	if err := f.co.Decline(context.Background(), callID, "bob", "bob-conn", "Bob B."); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	got := f.rec.Named(protocol.EventCallDeclined)
	if len(got) != 2 || got[0].Room != protocol.ConnectionRoom("alice-conn") {
		t.Fatalf("call:declined = %+v", got)
	}
	if name := got[0].Data.(protocol.CallOutcome).CalleeName; name != "Bob B." {
		t.Fatalf("calleeName = %q", name)
	}
	if n := f.co.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount = %d, want 0", n)
	}
	f.clock.Advance(time.Minute)
	if got := f.rec.Named(protocol.EventCallTimeout); len(got) != 0 {
		t.Fatalf("declined call timed out: %+v", got)
	}
}

func TestSignalRelay(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	callID := f.ring(t, "alice", "bob")
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	if err := f.co.Signal(context.Background(), callID, "alice", offer); apperr.Code(err) != "call_not_active" {
		t.Fatalf("Signal while ringing err = %v", err)
	}
	if err := f.co.Accept(context.Background(), callID, "bob", "bob-phone"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := f.co.Signal(context.Background(), callID, "mallory", offer); apperr.Code(err) != "not_in_call" {
		t.Fatalf("outsider Signal err = %v", err)
	}
	f.rec.Reset()

	if err := f.co.Signal(context.Background(), callID, "alice", offer); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := f.co.Signal(context.Background(), callID, "bob", json.RawMessage(`{"type":"answer"}`)); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	got := f.rec.Named(protocol.EventCallSignalRelay)
	if len(got) != 2 {
		t.Fatalf("relayed %d signals", len(got))
	}
	if got[0].Room != protocol.ConnectionRoom("bob-phone") || got[1].Room != protocol.ConnectionRoom("alice-conn") {
		t.Fatalf("relay rooms = %s, %s", got[0].Room, got[1].Room)
	}
	relay := got[0].Data.(protocol.CallSignalRelay)
	if relay.FromUserID != "alice" || string(relay.Payload) != string(offer) {
		t.Fatalf("relay = %+v", relay)
	}
}

func TestConnectedThenEnd(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	callID := f.ring(t, "alice", "bob")
	if err := f.co.Accept(context.Background(), callID, "bob", "bob-conn"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.clock.Advance(2 * time.Second)
	if err := f.co.MarkConnected(context.Background(), callID, "alice"); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if err := f.co.MarkConnected(context.Background(), callID, "bob"); err != nil {
		t.Fatalf("repeated MarkConnected: %v", err)
	}
	if got := f.rec.Named(protocol.EventCallConnectedAck); len(got) != 2 {
		t.Fatalf("call:connected = %d events, want 2", len(got))
	}
	call, _ := f.co.Get(callID)
	if call.ConnectedAt == nil || !call.ConnectedAt.Equal(epoch.Add(2*time.Second)) {
		t.Fatalf("connectedAt = %v", call.ConnectedAt)
	}
	f.rec.Reset()

	if err := f.co.End(context.Background(), callID, "bob"); err != nil {
		t.Fatalf("End: %v", err)
	}
	ended := f.rec.Named(protocol.EventCallEnded)
	if len(ended) != 2 {
		t.Fatalf("call:ended = %+v", ended)
	}
	if e := ended[0].Data.(protocol.CallEnded); e.EndedBy != "bob" || e.Reason != ReasonEnded {
		t.Fatalf("call:ended payload = %+v", e)
	}
	if err := f.co.End(context.Background(), callID, "bob"); apperr.Code(err) != "call_not_found" {
		t.Fatalf("second End err = %v", err)
	}

	// Both parties are free again.
	f.ring(t, "bob", "alice")
}

func TestEndAllForDisconnectedUser(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	callID := f.ring(t, "alice", "bob")
	f.rec.Reset()

	f.co.EndAllFor("carol")
	if len(f.rec.All()) != 0 {
		t.Fatalf("unrelated user ended calls: %+v", f.rec.All())
	}

	f.co.EndAllFor("alice")
	ended := f.rec.Named(protocol.EventCallEnded)
	if len(ended) != 2 {
		t.Fatalf("call:ended = %+v", ended)
	}
	if r := ended[0].Data.(protocol.CallEnded).Reason; r != ReasonDisconnected {
		t.Fatalf("reason = %q", r)
	}
	if _, ok := f.co.Get(callID); ok {
		t.Fatal("call still tracked")
	}
}

func TestICEServers(t *testing.T) {
	tests := []struct {
		name    string
		in      []config.ICEServer
		wantErr bool
	}{
		{"stun", []config.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}, false},
		{"turn with credentials", []config.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}}, false},
		{"turn without credentials", []config.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}}, true},
		{"bad scheme", []config.ICEServer{{URLs: []string{"http://example.com"}}}, true},
		{"no urls", []config.ICEServer{{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ICEServers(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(out) != len(tt.in) {
				t.Fatalf("got %d servers, want %d", len(out), len(tt.in))
			}
		})
	}
}
