package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"chatcore/internal/apperr"
	"chatcore/internal/auth"
	"chatcore/internal/calls"
	"chatcore/internal/clock"
	"chatcore/internal/config"
	"chatcore/internal/db"
	"chatcore/internal/messaging"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/presence"
	"chatcore/internal/protocol"
	"chatcore/internal/pubsub"
	"chatcore/internal/ratelimit"
	"chatcore/internal/websocket"
)

var testSecret = []byte("test-secret")

type testServer struct {
	*httptest.Server
	store *db.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Real()
	m := metrics.New()
	rt := config.DefaultRealtime()

	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"), clk)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	verifier, err := auth.NewVerifier(string(testSecret), "")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	hub := websocket.NewHub(pubsub.NewLocalBus(), m, logger)
	tracker := presence.NewTracker(hub, clk, m, logger)
	hub.SetLifecycle(tracker)
	router := messaging.NewRouter(store, hub, clk, m, logger, messaging.Settings{
		MaxContentLength: rt.MaxContentLength,
		TypingThrottle:   rt.TypingThrottle,
		TypingExpiry:     rt.TypingExpiry,
	})
	coordinator := calls.NewCoordinator(hub, tracker, clk, m, logger, calls.Settings{RingTimeout: rt.RingTimeout})
	tracker.OnOffline(coordinator.EndAllFor)

	h := NewHandlers(Deps{
		Store:    store,
		Hub:      hub,
		Router:   router,
		Presence: tracker,
		Calls:    coordinator,
		Verifier: verifier,
		Guard:    ratelimit.New(config.DefaultLimits(), clk),
		Metrics:  m,
		Logger:   logger,
		Client: websocket.Settings{
			SendBuffer:    rt.SendBuffer,
			MaxFrameBytes: rt.MaxFrameBytes,
			PingPeriod:    rt.PingPeriod,
			PongWait:      rt.PongWait,
		},
		EventTimeout: rt.StoreTimeout,
	})

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		store.Close()
	})
	return &testServer{Server: srv, store: store}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.SignHS256(testSecret, auth.Identity{UserID: userID, DisplayName: strings.ToUpper(userID)}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type frame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref"`
	Data  json.RawMessage `json:"data"`
}

func (s *testServer) dial(t *testing.T, userID string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + token(t, userID)}}
	conn, resp, err := gorilla.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	expect(t, conn, protocol.EventConnected)
	return conn
}

func send(t *testing.T, conn *gorilla.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until one named event arrives, skipping others.
func expect(t *testing.T, conn *gorilla.Conn, event string) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

// expectNone fails if event arrives within wait.
func expectNone(t *testing.T, conn *gorilla.Conn, event string, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == event {
			t.Fatalf("unexpected %s: %s", event, f.Data)
		}
	}
}

func TestRESTRequiresCredential(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body := decode[errorBody](t, resp)
	if body.Error.Code != "missing_credential" {
		t.Fatalf("code = %q", body.Error.Code)
	}

	if resp := s.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestWebSocketRejectsBadCredential(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=garbage"
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded with a bad credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v, want 401", resp)
	}
}

func TestSendOverWebSocket(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/conversations", "alice", models.CreateConversationRequest{PeerID: "bob"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	conv := decode[models.Conversation](t, resp)

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")

	msg := map[string]any{"conversationId": conv.ID, "content": "Hello", "clientMessageId": "x1"}
	send(t, alice, protocol.EventDMSend, msg)

	var sent protocol.Sent
	json.Unmarshal(expect(t, alice, protocol.EventDMSent).Data, &sent)
	if sent.ClientMessageID != "x1" || sent.ServerMessageID == "" || sent.Duplicate {
		t.Fatalf("dm:sent = %+v", sent)
	}

	var got models.DirectMessage
	json.Unmarshal(expect(t, bob, protocol.EventDMReceive).Data, &got)
	if got.ID != sent.ServerMessageID || got.Content != "Hello" || got.SenderID != "alice" {
		t.Fatalf("dm:receive = %+v", got)
	}

	send(t, alice, protocol.EventDMSend, msg)
	var again protocol.Sent
	json.Unmarshal(expect(t, alice, protocol.EventDMSent).Data, &again)
	if !again.Duplicate || again.ServerMessageID != sent.ServerMessageID {
		t.Fatalf("retry dm:sent = %+v", again)
	}
	expectNone(t, bob, protocol.EventDMReceive, 200*time.Millisecond)

	resp = s.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", "bob", nil)
	history := decode[[]models.DirectMessage](t, resp)
	if len(history) != 1 {
		t.Fatalf("history has %d messages, want 1", len(history))
	}
}

func TestWebSocketErrorsGoToSender(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")

	if err := alice.WriteJSON(map[string]any{"event": protocol.EventDMSend, "ref": "r1", "data": map[string]any{
		"conversationId": "nope", "content": "hi", "clientMessageId": "c1",
	}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := expect(t, alice, protocol.EventError)
	var payload protocol.ErrorPayload
	json.Unmarshal(f.Data, &payload)
	if f.Ref != "r1" || payload.Event != protocol.EventDMSend || payload.Code == "" {
		t.Fatalf("error frame = %+v / %+v", f, payload)
	}
}

func TestRESTSendAndRead(t *testing.T) {
	s := newTestServer(t)

	conv := decode[models.Conversation](t, s.do(t, http.MethodPost, "/conversations", "alice", models.CreateConversationRequest{PeerID: "bob"}))
	bob := s.dial(t, "bob")

	resp := s.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", "alice", models.SendMessageRequest{Content: "over rest"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	stored := decode[models.DirectMessage](t, resp)
	expect(t, bob, protocol.EventDMReceive)

	resp = s.do(t, http.MethodPut, "/conversations/"+conv.ID+"/read", "bob", models.MarkReadRequest{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
	read := decode[markReadResponse](t, resp)
	if len(read.MessageIDs) != 1 || read.MessageIDs[0] != stored.ID {
		t.Fatalf("read = %+v", read)
	}

	if resp := s.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", "mallory", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider history status = %d, want 403", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/conversations/"+conv.ID, "bob", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestPresenceFollowsConnections(t *testing.T) {
	s := newTestServer(t)

	watcher := s.dial(t, "bob")
	send(t, watcher, protocol.EventPresenceSubscribe, map[string]any{"userIds": []string{"alice"}})

	// The subscription is applied before the next frame from the same
	// connection is handled.
	send(t, watcher, protocol.EventPresenceQuery, map[string]any{"userIds": []string{"alice"}})
	expect(t, watcher, protocol.EventPresenceSnapshot)

	alice := s.dial(t, "alice")
	expect(t, watcher, protocol.EventPresenceOnline)

	got := decode[models.UserPresence](t, s.do(t, http.MethodGet, "/presence/alice", "bob", nil))
	if got.Status != models.PresenceOnline || len(got.ActiveDevices) != 1 {
		t.Fatalf("presence = %+v", got)
	}

	alice.Close()
	expect(t, watcher, protocol.EventPresenceOffline)
}

func TestPageSize(t *testing.T) {
	tests := []struct {
		query string
		want  int
		code  string
	}{
		{"", defaultPageSize, ""},
		{"limit=0", defaultPageSize, ""},
		{"limit=10", 10, ""},
		{"limit=500", 100, ""},
		{"limit=-1", 0, "invalid_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := pageSize(httptest.NewRequest(http.MethodGet, "/conversations?"+tt.query, nil))
			if tt.code != "" {
				if apperr.Code(err) != tt.code {
					t.Fatalf("err = %v, want %s", err, tt.code)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("pageSize = %d, %v; want %d", got, err, tt.want)
			}
		})
	}
}
