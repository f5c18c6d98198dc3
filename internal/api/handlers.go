// Package api exposes the realtime core over HTTP: the WebSocket upgrade
// and a REST fallback for clients that cannot hold a persistent
// connection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"chatcore/internal/apperr"
	"chatcore/internal/auth"
	"chatcore/internal/calls"
	"chatcore/internal/db"
	"chatcore/internal/messaging"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/presence"
	"chatcore/internal/protocol"
	"chatcore/internal/ratelimit"
	"chatcore/internal/websocket"
)

type contextKey string

const (
	identityContextKey contextKey = "identity"

	defaultPageSize = 50
	maxPageSize     = 100
	maxBodyBytes    = 1 << 20
)

// Deps are the components the handlers drive.
type Deps struct {
	Store    *db.DB
	Hub      *websocket.Hub
	Router   *messaging.Router
	Presence *presence.Tracker
	Calls    *calls.Coordinator
	Verifier *auth.Verifier
	Guard    *ratelimit.Guard
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	AllowedOrigins []string
	Client         websocket.Settings
	EventTimeout   time.Duration
}

type Handlers struct {
	Deps
	dispatcher *websocket.Dispatcher
	upgrader   gorilla.Upgrader
	logger     *slog.Logger
}

func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		Deps:   d,
		logger: d.Logger.With("component", "api"),
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	h.dispatcher = websocket.NewDispatcher(d.EventTimeout, d.Metrics, d.Logger,
		websocket.Validate(),
		websocket.RateLimit(d.Guard),
	)
	h.registerEvents()
	return h
}

// Routes returns the HTTP handler serving every endpoint.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", h.Metrics.Handler())
	mux.HandleFunc("GET /ws", h.HandleWebSocket)

	mux.Handle("GET /conversations", h.WithAuth(h.HandleConversations))
	mux.Handle("POST /conversations", h.WithAuth(h.HandleCreateConversation))
	mux.Handle("DELETE /conversations/{id}", h.WithAuth(h.HandleDeleteConversation))
	mux.Handle("PUT /conversations/{id}/settings", h.WithAuth(h.HandleConversationSettings))
	mux.Handle("GET /conversations/{id}/messages", h.WithAuth(h.HandleMessages))
	mux.Handle("POST /conversations/{id}/messages", h.WithAuth(h.HandleSendMessage))
	mux.Handle("PUT /conversations/{id}/read", h.WithAuth(h.HandleMarkRead))
	mux.Handle("GET /presence/{userId}", h.WithAuth(h.HandlePresence))

	return h.WithCORS(mux)
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.AllowedOrigins, origin) || slices.Contains(h.AllowedOrigins, "*")
}

// WithAuth verifies the caller's credential and stores the identity in the
// request context.
func (h *Handlers) WithAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) authenticate(r *http.Request) (auth.Identity, error) {
	raw := auth.FromRequest(r)
	if raw == "" {
		return auth.Identity{}, apperr.Authentication("missing_credential", "no credential presented")
	}
	return h.Verifier.Verify(r.Context(), raw)
}

// IdentityFrom returns the identity WithAuth stored in ctx.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(auth.Identity)
	return id, ok
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip CORS for WebSocket connections
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" && h.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), errorBody{Error: errorDetail{
		Code:    apperr.Code(err),
		Message: apperr.PublicMessage(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("malformed_body", "request body is not valid JSON")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid_"+key, key+" must be a non-negative integer")
	}
	return n, nil
}

func pageSize(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		return 0, err
	}
	switch {
	case limit == 0:
		return defaultPageSize, nil
	case limit > maxPageSize:
		return maxPageSize, nil
	}
	return limit, nil
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.Hub.ConnectionCount(),
		"calls":       h.Calls.ActiveCount(),
	})
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	limit, err := pageSize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	conversations, err := h.Store.ListConversations(r.Context(), id.UserID, models.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("failed to list conversations", "user_id", id.UserID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req models.CreateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	switch {
	case req.PeerID != "" && len(req.ParticipantIDs) == 0:
		conv, created, err := h.Router.StartConversation(r.Context(), id.UserID, req.PeerID)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, conv)
	case req.PeerID == "" && len(req.ParticipantIDs) > 0:
		conv, err := h.Router.CreateGroup(r.Context(), id.UserID, req.GroupName, req.ParticipantIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		writeError(w, apperr.Validation("invalid_conversation", "provide either peerId or participantIds"))
	}
}

func (h *Handlers) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	if err := h.Store.SoftDelete(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type conversationSettings struct {
	Archived *bool `json:"archived,omitempty"`
	Muted    *bool `json:"muted,omitempty"`
}

func (h *Handlers) HandleConversationSettings(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	convID := r.PathValue("id")

	var req conversationSettings
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Archived != nil {
		if err := h.Store.SetArchived(r.Context(), convID, id.UserID, *req.Archived); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Muted != nil {
		if err := h.Store.SetMuted(r.Context(), convID, id.UserID, *req.Muted); err != nil {
			writeError(w, err)
			return
		}
	}
	conv, err := h.Store.GetConversation(r.Context(), convID, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Message handlers
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	convID := r.PathValue("id")

	if err := h.Router.AuthorizeJoin(r.Context(), convID, id.UserID); err != nil {
		writeError(w, err)
		return
	}
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := h.Store.ListMessages(r.Context(), convID, models.MessageQuery{
		Before: r.URL.Query().Get("before"),
		After:  r.URL.Query().Get("after"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// HandleSendMessage runs the same pipeline as dm:send, budget included.
// A retry with a known clientMessageId answers 200 with the stored message.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	if err := h.Guard.Allow(id.UserID, "dm:send"); err != nil {
		h.Metrics.RateLimited.WithLabelValues("dm:send").Inc()
		writeError(w, err)
		return
	}

	var req models.SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = uuid.NewString()
	}

	res, err := h.Router.Send(r.Context(), messaging.SendRequest{
		SenderID:        id.UserID,
		ConversationID:  r.PathValue("id"),
		Content:         req.Content,
		MessageType:     req.MessageType,
		ClientMessageID: req.ClientMessageID,
		Attachments:     req.Attachments,
		ReplyTo:         req.ReplyTo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Message)
}

type markReadResponse struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	convID := r.PathValue("id")

	var req models.MarkReadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Router.MarkRead(r.Context(), convID, id.UserID, req.UptoMessageID)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := res.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, markReadResponse{ConversationID: convID, MessageIDs: ids, ReadAt: res.ReadAt})
}

func (h *Handlers) HandlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Presence.Get(r.PathValue("userId")))
}

// WebSocket handler
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := h.authenticate(r)
	if err != nil {
		h.logger.Info("websocket authentication failed", "remote_addr", r.RemoteAddr, "code", apperr.Code(err))
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "user_id", id.UserID, "error", err)
		return
	}

	client := websocket.NewClient(h.Hub, conn, id, uuid.NewString(), h.Client)
	h.Hub.Register(client)
	client.Reply(protocol.EventConnected, "", protocol.Connected{
		UserID:       id.UserID,
		ConnectionID: client.ConnectionID(),
	})

	go client.WritePump()
	go client.ReadPump(context.WithoutCancel(r.Context()), h.dispatcher)
}
