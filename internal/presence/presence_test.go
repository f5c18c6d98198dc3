package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/clock"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/protocol"
	"chatcore/internal/testutil"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *testutil.Recorder, *clock.FakeClock) {
	t.Helper()
	rec := &testutil.Recorder{}
	clk := clock.Fake(epoch)
	tr := NewTracker(rec, clk, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return tr, rec, clk
}

func lastPresence(t *testing.T, rec *testutil.Recorder, observer string) (string, protocol.Presence) {
	t.Helper()
	got := rec.To(protocol.UserRoom(observer))
	if len(got) == 0 {
		t.Fatalf("%s received no presence events", observer)
	}
	b := got[len(got)-1]
	return b.Event, b.Data.(protocol.Presence)
}

func TestMultiDeviceOnlineUntilLastDisconnect(t *testing.T) {
	tr, rec, clk := newTestTracker(t)
	tr.Subscribe("bob", []string{"alice"})

	tr.OnConnect("alice", "d1")
	tr.OnConnect("alice", "d2")
	if n := len(rec.Named(protocol.EventPresenceOnline)); n != 1 {
		t.Fatalf("%d presence:online events, want 1", n)
	}

	tr.OnDisconnect("alice", "d1")
	if tr.Get("alice").Status != models.PresenceOnline {
		t.Fatal("alice went offline with a device still connected")
	}
	if n := len(rec.Named(protocol.EventPresenceOffline)); n != 0 {
		t.Fatalf("unexpected offline event")
	}

	clk.Advance(time.Minute)
	tr.OnDisconnect("alice", "d2")
	event, p := lastPresence(t, rec, "bob")
	if event != protocol.EventPresenceOffline {
		t.Fatalf("event = %s, want presence:offline", event)
	}
	if p.LastSeenAt == nil || !p.LastSeenAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("lastSeenAt = %v", p.LastSeenAt)
	}
	if tr.IsOnline("alice") {
		t.Fatal("IsOnline true after last disconnect")
	}
}

func TestAggregatePrecedence(t *testing.T) {
	tests := []struct {
		name    string
		devices []models.PresenceStatus
		want    models.PresenceStatus
	}{
		{"none", nil, models.PresenceOffline},
		{"online beats away", []models.PresenceStatus{models.PresenceAway, models.PresenceOnline}, models.PresenceOnline},
		{"away beats busy", []models.PresenceStatus{models.PresenceBusy, models.PresenceAway}, models.PresenceAway},
		{"busy beats dnd", []models.PresenceStatus{models.PresenceDND, models.PresenceBusy}, models.PresenceBusy},
		{"dnd alone", []models.PresenceStatus{models.PresenceDND}, models.PresenceDND},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, _ := newTestTracker(t)
			r := &record{devices: make(map[string]*models.Device)}
			for i, st := range tt.devices {
				id := string(rune('a' + i))
				r.devices[id] = &models.Device{ConnectionID: id, Status: st}
			}
			if got := tr.aggregate(r); got != tt.want {
				t.Fatalf("aggregate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDeviceOnlyStatus(t *testing.T) {
	tr, rec, _ := newTestTracker(t)
	tr.Subscribe("bob", []string{"alice"})
	tr.OnConnect("alice", "phone")
	tr.OnConnect("alice", "laptop")

	if err := tr.SetStatus("alice", "laptop", StatusUpdate{Status: models.PresenceAway, DeviceOnly: true}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got := tr.Get("alice").Status; got != models.PresenceOnline {
		t.Fatalf("status = %s, want online while the phone is active", got)
	}

	if err := tr.SetStatus("alice", "phone", StatusUpdate{Status: models.PresenceAway, DeviceOnly: true}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	event, p := lastPresence(t, rec, "bob")
	if event != protocol.EventPresenceChanged || p.Status != models.PresenceAway {
		t.Fatalf("got %s %s, want presence:status away", event, p.Status)
	}
}

func TestDNDExpires(t *testing.T) {
	tr, rec, clk := newTestTracker(t)
	tr.Subscribe("bob", []string{"alice"})
	tr.OnConnect("alice", "d1")

	until := epoch.Add(30 * time.Minute)
	err := tr.SetStatus("alice", "d1", StatusUpdate{Status: models.PresenceDND, DNDUntil: &until, DNDMessage: "focus"})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	_, p := lastPresence(t, rec, "bob")
	if p.Status != models.PresenceDND || p.DNDMessage != "focus" {
		t.Fatalf("presence = %+v", p)
	}

	clk.Advance(30 * time.Minute)
	event, p := lastPresence(t, rec, "bob")
	if event != protocol.EventPresenceOnline || p.Status != models.PresenceOnline {
		t.Fatalf("after expiry got %s %s, want presence:online", event, p.Status)
	}
	if got := tr.Get("alice"); got.DNDUntil != nil || got.DNDMessage != "" {
		t.Fatalf("dnd fields survived expiry: %+v", got)
	}
}

func TestDNDReplacedCancelsExpiry(t *testing.T) {
	tr, _, clk := newTestTracker(t)
	tr.OnConnect("alice", "d1")

	until := epoch.Add(time.Minute)
	tr.SetStatus("alice", "d1", StatusUpdate{Status: models.PresenceDND, DNDUntil: &until})
	tr.SetStatus("alice", "d1", StatusUpdate{Status: models.PresenceBusy})
	clk.Advance(time.Hour)

	if got := tr.Get("alice").Status; got != models.PresenceBusy {
		t.Fatalf("status = %s, want busy", got)
	}
}

func TestSetStatusRejects(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	past := epoch.Add(-time.Minute)

	tests := []struct {
		name string
		u    StatusUpdate
		code string
	}{
		{"offline not settable", StatusUpdate{Status: models.PresenceOffline}, "invalid_status"},
		{"dnd in the past", StatusUpdate{Status: models.PresenceDND, DNDUntil: &past}, "invalid_dnd_until"},
		{"not connected", StatusUpdate{Status: models.PresenceAway}, "not_connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.SetStatus("carol", "x", tt.u)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := apperr.Code(err); got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestSubscribeSendsNoSnapshot(t *testing.T) {
	tr, rec, _ := newTestTracker(t)
	tr.OnConnect("alice", "d1")

	tr.Subscribe("bob", []string{"alice"})
	if n := len(rec.To(protocol.UserRoom("bob"))); n != 0 {
		t.Fatalf("subscribe produced %d events", n)
	}

	tr.Unsubscribe("bob", []string{"alice"})
	tr.OnDisconnect("alice", "d1")
	if n := len(rec.To(protocol.UserRoom("bob"))); n != 0 {
		t.Fatalf("unsubscribed observer got %d events", n)
	}
}

func TestOfflineListener(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	var offline []string
	tr.OnOffline(func(userID string) { offline = append(offline, userID) })

	tr.OnConnect("alice", "d1")
	tr.OnConnect("alice", "d2")
	tr.OnDisconnect("alice", "d1")
	tr.OnDisconnect("alice", "d1")
	if len(offline) != 0 {
		t.Fatalf("listener fired early: %v", offline)
	}
	tr.OnDisconnect("alice", "d2")
	if len(offline) != 1 || offline[0] != "alice" {
		t.Fatalf("listener calls = %v", offline)
	}
}

// reconnectingBroadcaster runs hook before recording the first
// presence:offline, as if a device reconnected mid-publish.
type reconnectingBroadcaster struct {
	*testutil.Recorder
	hook  func()
	fired bool
}

func (b *reconnectingBroadcaster) Broadcast(ctx context.Context, room, event string, data any) error {
	if event == protocol.EventPresenceOffline && !b.fired {
		b.fired = true
		b.hook()
	}
	return b.Recorder.Broadcast(ctx, room, event, data)
}

func TestReconnectDuringOfflineAnnouncement(t *testing.T) {
	bc := &reconnectingBroadcaster{Recorder: &testutil.Recorder{}}
	tr := NewTracker(bc, clock.Fake(epoch), metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	bc.hook = func() { tr.OnConnect("alice", "d2") }

	var offline []string
	tr.OnOffline(func(userID string) { offline = append(offline, userID) })
	tr.Subscribe("bob", []string{"alice"})

	tr.OnConnect("alice", "d1")
	tr.OnDisconnect("alice", "d1")

	if got := tr.Get("alice").Status; got != models.PresenceOnline {
		t.Fatalf("alice status = %s, want online", got)
	}
	if event, _ := lastPresence(t, bc.Recorder, "bob"); event != protocol.EventPresenceOnline {
		t.Fatalf("bob's last event = %s, want presence:online", event)
	}
	if len(offline) != 0 {
		t.Fatalf("offline listener ran for a reconnected user: %v", offline)
	}
}

func TestQueryUnknownUserIsOffline(t *testing.T) {
	tr, _, clk := newTestTracker(t)
	tr.OnConnect("alice", "d1")
	clk.Advance(10 * time.Second)
	tr.Touch("alice", "d1")

	got := tr.Query([]string{"alice", "ghost"})
	if len(got) != 2 {
		t.Fatalf("got %d snapshots", len(got))
	}
	if got[0].Status != models.PresenceOnline || len(got[0].ActiveDevices) != 1 {
		t.Fatalf("alice = %+v", got[0])
	}
	if !got[0].ActiveDevices[0].LastPingAt.Equal(epoch.Add(10 * time.Second)) {
		t.Fatalf("lastPingAt = %v", got[0].ActiveDevices[0].LastPingAt)
	}
	if got[1].Status != models.PresenceOffline {
		t.Fatalf("ghost = %+v", got[1])
	}
}
