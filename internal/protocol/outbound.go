package protocol

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"chatcore/internal/models"
)

// Server → client event names.
const (
	EventConnected          = "connected"
	EventError              = "error"
	EventDMReceive          = "dm:receive"
	EventDMSent             = "dm:sent"
	EventDMStarted          = "dm:started"
	EventDMReadReceipt      = "dm:read_receipt"
	EventDMDeliveredReceipt = "dm:delivered"
	EventDMStatus           = "dm:status"
	EventDMTypingIndicator  = "dm:typing_indicator"
	EventDMEdited           = "dm:edited"
	EventDMDeleted          = "dm:deleted"
	EventDMReaction         = "dm:reaction"
	EventConversationJoined = "conversation:joined"
	EventConversationLeft   = "conversation:left"
	EventPresenceOnline     = "presence:online"
	EventPresenceOffline    = "presence:offline"
	EventPresenceChanged    = "presence:status"
	EventPresenceSnapshot   = "presence:snapshot"
	EventCallIncoming       = "call:incoming"
	EventCallRinging        = "call:ringing"
	EventCallAccepted       = "call:accepted"
	EventCallDeclined       = "call:declined"
	EventCallBusy           = "call:busy"
	EventCallTimeout        = "call:timeout"
	EventCallOffline        = "call:offline"
	EventCallSignalRelay    = "call:signal"
	EventCallConnectedAck   = "call:connected"
	EventCallEnded          = "call:ended"
)

// Outbound is an encoded server frame.
type Outbound struct {
	Event string `json:"event"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Encode marshals a server frame.
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(Outbound{Event: event, Data: data})
}

// EncodeReply marshals a server frame correlated with a client ref.
func EncodeReply(event, ref string, data any) ([]byte, error) {
	return json.Marshal(Outbound{Event: event, Ref: ref, Data: data})
}

type Connected struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type Sent struct {
	ConversationID  string    `json:"conversationId"`
	ClientMessageID string    `json:"clientMessageId"`
	ServerMessageID string    `json:"serverMessageId"`
	SentAt          time.Time `json:"sentAt"`
	Duplicate       bool      `json:"duplicate,omitempty"`
}

type Started struct {
	ConversationID string               `json:"conversationId"`
	Created        bool                 `json:"created"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
}

type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UptoMessageID  string    `json:"uptoMessageId,omitempty"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type DeliveredReceipt struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// MessageStatus tells a sender that messages reached a system-wide state.
type MessageStatus struct {
	ConversationID string               `json:"conversationId"`
	MessageIDs     []string             `json:"messageIds"`
	Status         models.MessageStatus `json:"status"`
}

type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ExpiresInMs    int64  `json:"expiresInMs,omitempty"`
}

type Deleted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ReactionUpdate struct {
	ConversationID string            `json:"conversationId"`
	MessageID      string            `json:"messageId"`
	UserID         string            `json:"userId"`
	Reactions      []models.Reaction `json:"reactions"`
}

type ConversationAck struct {
	ConversationID string `json:"conversationId"`
}

type Presence struct {
	UserID     string                `json:"userId"`
	Status     models.PresenceStatus `json:"status"`
	LastSeenAt *time.Time            `json:"lastSeenAt,omitempty"`
	DNDUntil   *time.Time            `json:"dndUntil,omitempty"`
	DNDMessage string                `json:"dndMessage,omitempty"`
}

type PresenceSnapshot struct {
	Users []models.UserPresence `json:"users"`
}

type CallIncoming struct {
	CallID     string             `json:"callId"`
	CallerID   string             `json:"callerId"`
	CallerName string             `json:"callerName,omitempty"`
	CallType   models.CallType    `json:"callType"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type CallRinging struct {
	CallID     string             `json:"callId"`
	CalleeID   string             `json:"calleeId"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// CallOutcome is the payload of call:accepted, call:declined, call:busy,
// call:timeout and call:offline.
type CallOutcome struct {
	CallID     string `json:"callId,omitempty"`
	CalleeID   string `json:"calleeId,omitempty"`
	CalleeName string `json:"calleeName,omitempty"`
	Reason     string `json:"reason"`
}

type CallSignalRelay struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

type CallConnectedAck struct {
	CallID      string    `json:"callId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type CallEnded struct {
	CallID  string `json:"callId"`
	EndedBy string `json:"endedBy"`
	Reason  string `json:"reason,omitempty"`
}
