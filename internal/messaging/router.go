// Package messaging validates, persists and fans out direct messages and
// the signals around them: receipts, typing, edits, deletions, reactions.
package messaging

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatcore/internal/apperr"
	"chatcore/internal/clock"
	"chatcore/internal/db"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/protocol"
)

const sendStripes = 64

// Broadcaster emits events to rooms.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, data any) error
	BroadcastExcept(ctx context.Context, room, exceptConnectionID, event string, data any) error
}

type Settings struct {
	MaxContentLength int
	TypingThrottle   time.Duration
	TypingExpiry     time.Duration
}

type Router struct {
	store    *db.DB
	bc       Broadcaster
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	settings Settings

	// sendLocks serialize persist+broadcast per conversation so that room
	// order equals commit order.
	sendLocks [sendStripes]sync.Mutex
	typing    typingTable
}

func NewRouter(store *db.DB, bc Broadcaster, c clock.Clock, m *metrics.Metrics, logger *slog.Logger, s Settings) *Router {
	r := &Router{
		store:    store,
		bc:       bc,
		clock:    c,
		metrics:  m,
		logger:   logger.With("component", "messaging"),
		settings: s,
	}
	r.typing.init()
	return r
}

func (r *Router) lockConversation(conversationID string) func() {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	mu := &r.sendLocks[h.Sum32()%sendStripes]
	mu.Lock()
	return mu.Unlock
}

// SendRequest is one message submission. ConnectionID names the
// originating connection and is empty for REST submissions.
type SendRequest struct {
	SenderID        string
	ConnectionID    string
	ConversationID  string
	Content         string
	MessageType     models.MessageType
	ClientMessageID string
	Attachments     []models.Attachment
	ReplyTo         string
}

type SendResult struct {
	Message   *models.DirectMessage
	Duplicate bool
}

func (r *Router) validateContent(content string, t models.MessageType, attachments int) error {
	if strings.TrimSpace(content) == "" {
		if attachments == 0 || t == models.MessageTypeText {
			return apperr.Validation("empty_content", "message content is empty")
		}
	}
	if utf8.RuneCountInString(content) > r.settings.MaxContentLength {
		return apperr.Validation("content_too_long", "message content is too long")
	}
	return nil
}

// Send persists a message and fans it out. A retry with a known
// clientMessageId returns the stored message and only repeats dm:sent.
func (r *Router) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.MessageType == "" {
		req.MessageType = models.MessageTypeText
	}
	if !req.MessageType.Valid() || req.MessageType == models.MessageTypeSystem {
		return nil, apperr.Validation("invalid_message_type", "messageType must be text, image or file")
	}
	if err := protocol.ValidateAttachments(req.Attachments); err != nil {
		return nil, err
	}
	if err := r.validateContent(req.Content, req.MessageType, len(req.Attachments)); err != nil {
		return nil, err
	}

	msg := &models.DirectMessage{
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		ClientMessageID: req.ClientMessageID,
		Content:         req.Content,
		MessageType:     req.MessageType,
		Attachments:     req.Attachments,
	}
	if req.ReplyTo != "" {
		msg.ReplyTo = &models.ReplyTo{MessageID: req.ReplyTo}
	}

	unlock := r.lockConversation(req.ConversationID)
	defer unlock()

	stored, duplicate, err := r.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	if !duplicate {
		participants, err := r.store.Participants(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		r.fanout(ctx, req.ConversationID, participants, req.ConnectionID, protocol.EventDMReceive, stored)
		r.metrics.MessagesSent.Inc()
		r.logger.Debug("message sent", "conversation_id", req.ConversationID, "message_id", stored.ID, "sender_id", req.SenderID)
	}

	if req.ConnectionID != "" {
		r.emit(ctx, protocol.ConnectionRoom(req.ConnectionID), protocol.EventDMSent, protocol.Sent{
			ConversationID:  stored.ConversationID,
			ClientMessageID: stored.ClientMessageID,
			ServerMessageID: stored.ID,
			SentAt:          stored.CreatedAt,
			Duplicate:       duplicate,
		})
	}

	r.clearTyping(ctx, req.ConversationID, req.SenderID)
	return &SendResult{Message: stored, Duplicate: duplicate}, nil
}

// fanout emits to the conversation room and to every participant's user
// room, skipping the originating connection. Clients deduplicate by
// message id.
func (r *Router) fanout(ctx context.Context, conversationID string, participants []string, exceptConn, event string, data any) {
	r.emitExcept(ctx, protocol.ConversationRoom(conversationID), exceptConn, event, data)
	for _, p := range participants {
		r.emitExcept(ctx, protocol.UserRoom(p), exceptConn, event, data)
	}
}

func (r *Router) emit(ctx context.Context, room, event string, data any) {
	r.emitExcept(ctx, room, "", event, data)
}

func (r *Router) emitExcept(ctx context.Context, room, exceptConn, event string, data any) {
	if err := r.bc.BroadcastExcept(ctx, room, exceptConn, event, data); err != nil {
		r.logger.Error("failed to broadcast", "room", room, "event", event, "error", err)
	}
}

// StartConversation returns the 1:1 conversation between userID and
// peerID, creating it when needed. A new conversation is announced to the
// peer.
func (r *Router) StartConversation(ctx context.Context, userID, peerID string) (*models.Conversation, bool, error) {
	conv, created, err := r.store.GetOrCreateDirect(ctx, userID, peerID)
	if err != nil {
		return nil, false, err
	}
	if created {
		peerView, err := r.store.GetConversation(ctx, conv.ID, peerID)
		if err != nil {
			return nil, false, err
		}
		r.emit(ctx, protocol.UserRoom(peerID), protocol.EventDMStarted, protocol.Started{
			ConversationID: conv.ID, Created: true, Conversation: peerView,
		})
	}
	return conv, created, nil
}

// CreateGroup creates a group conversation and announces it to every
// member but the creator.
func (r *Router) CreateGroup(ctx context.Context, creator, name string, members []string) (*models.Conversation, error) {
	conv, err := r.store.CreateGroup(ctx, creator, name, members)
	if err != nil {
		return nil, err
	}
	for _, p := range conv.Others(creator) {
		r.emit(ctx, protocol.UserRoom(p), protocol.EventDMStarted, protocol.Started{
			ConversationID: conv.ID, Created: true,
		})
	}
	return conv, nil
}

// AuthorizeJoin checks that userID may subscribe to the conversation room.
func (r *Router) AuthorizeJoin(ctx context.Context, conversationID, userID string) error {
	return r.requireParticipant(ctx, conversationID, userID)
}

// requireParticipant also answers not_participant for unknown conversations.
func (r *Router) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := r.store.IsParticipant(ctx, conversationID, userID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	if !ok {
		return apperr.Authorization("not_participant", "not a participant of this conversation")
	}
	return nil
}

// MarkDelivered records a delivery receipt and tells the sender once every
// recipient has the message.
func (r *Router) MarkDelivered(ctx context.Context, messageID, userID string) error {
	res, err := r.store.MarkDelivered(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if !res.Added {
		return nil
	}
	r.emit(ctx, protocol.ConversationRoom(res.ConversationID), protocol.EventDMDeliveredReceipt, protocol.DeliveredReceipt{
		ConversationID: res.ConversationID,
		MessageID:      messageID,
		UserID:         userID,
		DeliveredAt:    res.DeliveredAt,
	})
	if res.DeliveredToAll {
		r.emit(ctx, protocol.UserRoom(res.SenderID), protocol.EventDMStatus, protocol.MessageStatus{
			ConversationID: res.ConversationID,
			MessageIDs:     []string{messageID},
			Status:         models.StatusDelivered,
		})
	}
	return nil
}

// MarkRead records read receipts up to uptoMessageID and emits one
// aggregated receipt. Senders get dm:status only for messages every other
// participant has now read.
func (r *Router) MarkRead(ctx context.Context, conversationID, userID, uptoMessageID string) (*db.ReadResult, error) {
	res, err := r.store.MarkRead(ctx, conversationID, userID, uptoMessageID)
	if err != nil {
		return nil, err
	}
	if len(res.MessageIDs) == 0 {
		return res, nil
	}

	receipt := protocol.ReadReceipt{
		ConversationID: conversationID,
		UserID:         userID,
		UptoMessageID:  res.UptoMessageID,
		MessageIDs:     res.MessageIDs,
		ReadAt:         res.ReadAt,
	}
	r.emit(ctx, protocol.ConversationRoom(conversationID), protocol.EventDMReadReceipt, receipt)
	r.emit(ctx, protocol.UserRoom(userID), protocol.EventDMReadReceipt, receipt)

	bySender := make(map[string][]string)
	var senders []string
	for _, m := range res.ReadByAll {
		if _, ok := bySender[m.SenderID]; !ok {
			senders = append(senders, m.SenderID)
		}
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
	}
	for _, sender := range senders {
		r.emit(ctx, protocol.UserRoom(sender), protocol.EventDMStatus, protocol.MessageStatus{
			ConversationID: conversationID,
			MessageIDs:     bySender[sender],
			Status:         models.StatusRead,
		})
	}
	return res, nil
}

// Edit replaces the content of the editor's own message.
func (r *Router) Edit(ctx context.Context, messageID, editorID, content string) (*models.DirectMessage, error) {
	if err := r.validateContent(content, models.MessageTypeText, 0); err != nil {
		return nil, err
	}
	msg, err := r.store.EditMessage(ctx, messageID, editorID, content)
	if err != nil {
		return nil, err
	}
	participants, err := r.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	r.fanout(ctx, msg.ConversationID, participants, "", protocol.EventDMEdited, msg)
	return msg, nil
}

// Delete soft-deletes the caller's own message.
func (r *Router) Delete(ctx context.Context, messageID, userID string) error {
	msg, err := r.store.DeleteMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	participants, err := r.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	r.fanout(ctx, msg.ConversationID, participants, "", protocol.EventDMDeleted, protocol.Deleted{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	return nil
}

// React toggles userID's emoji on a message and broadcasts the full
// reaction set.
func (r *Router) React(ctx context.Context, messageID, userID, emoji string) (*models.DirectMessage, error) {
	msg, _, err := r.store.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	participants, err := r.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	r.fanout(ctx, msg.ConversationID, participants, "", protocol.EventDMReaction, protocol.ReactionUpdate{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         userID,
		Reactions:      msg.Reactions,
	})
	return msg, nil
}
