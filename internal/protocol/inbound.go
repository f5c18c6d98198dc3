// Package protocol defines the event protocol spoken over the persistent
// connection. Every client frame decodes into exactly one Inbound variant;
// payloads are validated here so business logic only ever sees well-formed
// input.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
)

const (
	maxIDLength      = 128
	maxEmojiBytes    = 32
	maxSignalBytes   = 16 << 10
	maxDNDMessage    = 140
	maxBatchUserIDs  = 200
	maxAttachments   = 10
	maxAttachmentURL = 2048
)

// Client → server event names.
const (
	EventDMSend              = "dm:send"
	EventDMStart             = "dm:start"
	EventDMRead              = "dm:read"
	EventDMDelivered         = "dm:delivered"
	EventDMTyping            = "dm:typing"
	EventDMEdit              = "dm:edit"
	EventDMDelete            = "dm:delete"
	EventDMReact             = "dm:react"
	EventConversationJoin    = "conversation:join"
	EventConversationLeave   = "conversation:leave"
	EventPresenceStatus      = "presence:status"
	EventPresenceSubscribe   = "presence:subscribe"
	EventPresenceUnsubscribe = "presence:unsubscribe"
	EventPresenceQuery       = "presence:query"
	EventPresencePing        = "presence:ping"
	EventCallInitiate        = "call:initiate"
	EventCallAccept          = "call:accept"
	EventCallDecline         = "call:decline"
	EventCallSignal          = "call:signal"
	EventCallConnected       = "call:connected"
	EventCallEnd             = "call:end"
)

// Inbound is implemented by every client event payload.
type Inbound interface {
	Event() string
	Validate() error
}

// Frame is a decoded client frame.
type Frame struct {
	Event   string
	Ref     string
	Payload Inbound
}

type envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var registry = map[string]func() Inbound{
	EventDMSend:              func() Inbound { return &DMSend{} },
	EventDMStart:             func() Inbound { return &DMStart{} },
	EventDMRead:              func() Inbound { return &DMRead{} },
	EventDMDelivered:         func() Inbound { return &DMDelivered{} },
	EventDMTyping:            func() Inbound { return &DMTyping{} },
	EventDMEdit:              func() Inbound { return &DMEdit{} },
	EventDMDelete:            func() Inbound { return &DMDelete{} },
	EventDMReact:             func() Inbound { return &DMReact{} },
	EventConversationJoin:    func() Inbound { return &ConversationJoin{} },
	EventConversationLeave:   func() Inbound { return &ConversationLeave{} },
	EventPresenceStatus:      func() Inbound { return &PresenceStatus{} },
	EventPresenceSubscribe:   func() Inbound { return &PresenceSubscribe{} },
	EventPresenceUnsubscribe: func() Inbound { return &PresenceUnsubscribe{} },
	EventPresenceQuery:       func() Inbound { return &PresenceQuery{} },
	EventPresencePing:        func() Inbound { return &PresencePing{} },
	EventCallInitiate:        func() Inbound { return &CallInitiate{} },
	EventCallAccept:          func() Inbound { return &CallAccept{} },
	EventCallDecline:         func() Inbound { return &CallDecline{} },
	EventCallSignal:          func() Inbound { return &CallSignal{} },
	EventCallConnected:       func() Inbound { return &CallConnected{} },
	EventCallEnd:             func() Inbound { return &CallEnd{} },
}

// Decode parses a client frame. The returned Frame carries Event and Ref
// even when err is non-nil so the rejection can be correlated.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, apperr.Validation("malformed_frame", "frame is not a valid event envelope")
	}
	frame := Frame{Event: env.Event, Ref: env.Ref}

	newPayload, ok := registry[env.Event]
	if !ok {
		return frame, apperr.Validation("unknown_event", fmt.Sprintf("unknown event %q", env.Event))
	}
	payload := newPayload()
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(env.Data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(payload); err != nil {
			return frame, apperr.Validation("malformed_payload", fmt.Sprintf("invalid %s payload", env.Event))
		}
	}
	if err := payload.Validate(); err != nil {
		return frame, err
	}
	frame.Payload = payload
	return frame, nil
}

type DMSend struct {
	ConversationID  string              `json:"conversationId"`
	Content         string              `json:"content"`
	MessageType     models.MessageType  `json:"messageType,omitempty"`
	ClientMessageID string              `json:"clientMessageId"`
	Attachments     []models.Attachment `json:"attachments,omitempty"`
	ReplyTo         string              `json:"replyTo,omitempty"`
}

func (*DMSend) Event() string { return EventDMSend }

func (e *DMSend) Validate() error {
	if e.MessageType == "" {
		e.MessageType = models.MessageTypeText
	}
	if !e.MessageType.Valid() || e.MessageType == models.MessageTypeSystem {
		return apperr.Validation("invalid_message_type", "messageType must be text, image or file")
	}
	if err := ValidateAttachments(e.Attachments); err != nil {
		return err
	}
	if e.ReplyTo != "" {
		if err := ValidateID("replyTo", e.ReplyTo); err != nil {
			return err
		}
	}
	if err := ValidateID("clientMessageId", e.ClientMessageID); err != nil {
		return err
	}
	return ValidateID("conversationId", e.ConversationID)
}

type DMStart struct {
	PeerID string `json:"peerId"`
}

func (*DMStart) Event() string     { return EventDMStart }
func (e *DMStart) Validate() error { return ValidateID("peerId", e.PeerID) }

type DMRead struct {
	ConversationID string `json:"conversationId"`
	UptoMessageID  string `json:"uptoMessageId,omitempty"`
}

func (*DMRead) Event() string { return EventDMRead }

func (e *DMRead) Validate() error {
	if e.UptoMessageID != "" {
		if err := ValidateID("uptoMessageId", e.UptoMessageID); err != nil {
			return err
		}
	}
	return ValidateID("conversationId", e.ConversationID)
}

type DMDelivered struct {
	MessageID string `json:"messageId"`
}

func (*DMDelivered) Event() string     { return EventDMDelivered }
func (e *DMDelivered) Validate() error { return ValidateID("messageId", e.MessageID) }

type DMTyping struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

func (*DMTyping) Event() string     { return EventDMTyping }
func (e *DMTyping) Validate() error { return ValidateID("conversationId", e.ConversationID) }

type DMEdit struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

func (*DMEdit) Event() string     { return EventDMEdit }
func (e *DMEdit) Validate() error { return ValidateID("messageId", e.MessageID) }

type DMDelete struct {
	MessageID string `json:"messageId"`
}

func (*DMDelete) Event() string     { return EventDMDelete }
func (e *DMDelete) Validate() error { return ValidateID("messageId", e.MessageID) }

type DMReact struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

func (*DMReact) Event() string { return EventDMReact }

func (e *DMReact) Validate() error {
	if e.Emoji == "" || len(e.Emoji) > maxEmojiBytes || strings.ContainsFunc(e.Emoji, unicode.IsSpace) {
		return apperr.Validation("invalid_emoji", "emoji must be a single short token")
	}
	return ValidateID("messageId", e.MessageID)
}

type ConversationJoin struct {
	ConversationID string `json:"conversationId"`
}

func (*ConversationJoin) Event() string     { return EventConversationJoin }
func (e *ConversationJoin) Validate() error { return ValidateID("conversationId", e.ConversationID) }

type ConversationLeave struct {
	ConversationID string `json:"conversationId"`
}

func (*ConversationLeave) Event() string     { return EventConversationLeave }
func (e *ConversationLeave) Validate() error { return ValidateID("conversationId", e.ConversationID) }

type PresenceStatus struct {
	Status     models.PresenceStatus `json:"status"`
	DNDUntil   *time.Time            `json:"dndUntil,omitempty"`
	DNDMessage string                `json:"dndMessage,omitempty"`
	DeviceOnly bool                  `json:"deviceOnly,omitempty"`
}

func (*PresenceStatus) Event() string { return EventPresenceStatus }

func (e *PresenceStatus) Validate() error {
	if !e.Status.Settable() {
		return apperr.Validation("invalid_status", "status must be online, away, busy or dnd")
	}
	if e.Status != models.PresenceDND && (e.DNDUntil != nil || e.DNDMessage != "") {
		return apperr.Validation("invalid_status", "dndUntil and dndMessage require status dnd")
	}
	if len([]rune(e.DNDMessage)) > maxDNDMessage {
		return apperr.Validation("dnd_message_too_long", "dndMessage is too long")
	}
	return nil
}

type PresenceSubscribe struct {
	UserIDs []string `json:"userIds"`
}

func (*PresenceSubscribe) Event() string     { return EventPresenceSubscribe }
func (e *PresenceSubscribe) Validate() error { return validateUserIDs(e.UserIDs) }

type PresenceUnsubscribe struct {
	UserIDs []string `json:"userIds"`
}

func (*PresenceUnsubscribe) Event() string     { return EventPresenceUnsubscribe }
func (e *PresenceUnsubscribe) Validate() error { return validateUserIDs(e.UserIDs) }

type PresenceQuery struct {
	UserIDs []string `json:"userIds"`
}

func (*PresenceQuery) Event() string     { return EventPresenceQuery }
func (e *PresenceQuery) Validate() error { return validateUserIDs(e.UserIDs) }

type PresencePing struct{}

func (*PresencePing) Event() string   { return EventPresencePing }
func (*PresencePing) Validate() error { return nil }

type CallInitiate struct {
	CalleeID string          `json:"calleeId"`
	CallType models.CallType `json:"callType"`
}

func (*CallInitiate) Event() string { return EventCallInitiate }

func (e *CallInitiate) Validate() error {
	if e.CallType != models.CallAudio && e.CallType != models.CallVideo {
		return apperr.Validation("invalid_call_type", "callType must be audio or video")
	}
	return ValidateID("calleeId", e.CalleeID)
}

type CallAccept struct {
	CallID string `json:"callId"`
}

func (*CallAccept) Event() string     { return EventCallAccept }
func (e *CallAccept) Validate() error { return ValidateID("callId", e.CallID) }

type CallDecline struct {
	CallID string `json:"callId"`
}

func (*CallDecline) Event() string     { return EventCallDecline }
func (e *CallDecline) Validate() error { return ValidateID("callId", e.CallID) }

// CallSignal carries an opaque offer/answer/ICE payload. Only its size and
// JSON well-formedness are checked; the contents are relayed verbatim.
type CallSignal struct {
	CallID  string          `json:"callId"`
	Payload json.RawMessage `json:"payload"`
}

func (*CallSignal) Event() string { return EventCallSignal }

func (e *CallSignal) Validate() error {
	if len(e.Payload) == 0 || bytes.Equal(e.Payload, []byte("null")) {
		return apperr.Validation("missing_payload", "payload is required")
	}
	if len(e.Payload) > maxSignalBytes {
		return apperr.Validation("payload_too_large", "signal payload is too large")
	}
	return ValidateID("callId", e.CallID)
}

type CallConnected struct {
	CallID string `json:"callId"`
}

func (*CallConnected) Event() string     { return EventCallConnected }
func (e *CallConnected) Validate() error { return ValidateID("callId", e.CallID) }

type CallEnd struct {
	CallID string `json:"callId"`
}

func (*CallEnd) Event() string     { return EventCallEnd }
func (e *CallEnd) Validate() error { return ValidateID("callId", e.CallID) }

// ValidateID checks that an opaque identifier is present, bounded and free
// of whitespace and control characters.
func ValidateID(field, id string) error {
	if id == "" {
		return apperr.Validation("missing_"+snake(field), field+" is required")
	}
	if len(id) > maxIDLength {
		return apperr.Validation("invalid_"+snake(field), field+" is too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperr.Validation("invalid_"+snake(field), field+" contains invalid characters")
		}
	}
	return nil
}

// ValidateAttachments bounds the attachment list of a message.
func ValidateAttachments(atts []models.Attachment) error {
	if len(atts) > maxAttachments {
		return apperr.Validation("too_many_attachments", "too many attachments")
	}
	for _, a := range atts {
		if a.URL == "" || len(a.URL) > maxAttachmentURL {
			return apperr.Validation("invalid_attachment", "attachment url is missing or too long")
		}
		if a.Size < 0 {
			return apperr.Validation("invalid_attachment", "attachment size is negative")
		}
	}
	return nil
}

func validateUserIDs(ids []string) error {
	if len(ids) == 0 {
		return apperr.Validation("missing_user_ids", "userIds is required")
	}
	if len(ids) > maxBatchUserIDs {
		return apperr.Validation("too_many_user_ids", "too many userIds")
	}
	for _, id := range ids {
		if err := ValidateID("userIds", id); err != nil {
			return err
		}
	}
	return nil
}

func snake(field string) string {
	var b strings.Builder
	for _, r := range field {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
