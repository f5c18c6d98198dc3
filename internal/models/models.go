package models

import "time"

type Conversation struct {
	ID           string                      `json:"id"`
	Participants []string                    `json:"participants"`
	IsGroup      bool                        `json:"isGroup"`
	GroupName    string                      `json:"groupName,omitempty"`
	LastMessage  *MessagePreview             `json:"lastMessagePreview,omitempty"`
	State        map[string]ParticipantState `json:"participantState,omitempty"`
	DeletedBy    []string                    `json:"deletedBy,omitempty"`
	CreatedBy    string                      `json:"createdBy"`
	CreatedAt    time.Time                   `json:"createdAt"`
	UpdatedAt    time.Time                   `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Others returns every participant except userID.
func (c *Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// MessagePreview is the denormalized last-message snapshot used to render
// conversation lists without loading messages.
type MessagePreview struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	SentAt    time.Time `json:"sentAt"`
	Read      bool      `json:"read"`
}

type ParticipantState struct {
	UnreadCount int        `json:"unreadCount"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	Archived    bool       `json:"archived"`
	Muted       bool       `json:"muted"`
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is a type a client may send.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// DeletedPlaceholder replaces the content of soft-deleted messages on read.
const DeletedPlaceholder = "This message was deleted"

type DirectMessage struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversationId"`
	SenderID        string        `json:"senderId"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
	Content         string        `json:"content"`
	MessageType     MessageType   `json:"messageType"`
	Attachments     []Attachment  `json:"attachments,omitempty"`
	ReplyTo         *ReplyTo      `json:"replyTo,omitempty"`
	Status          MessageStatus `json:"status"`
	ReadBy          []Receipt     `json:"readBy"`
	DeliveredTo     []Receipt     `json:"deliveredTo"`
	Reactions       []Reaction    `json:"reactions"`
	IsDeleted       bool          `json:"isDeleted"`
	EditedAt        *time.Time    `json:"editedAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`

	// Seq orders messages within a conversation. Internal only.
	Seq int64 `json:"-"`
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type ReplyTo struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"userIds"`
}

// ReadByAll reports whether every participant other than the sender
// appears in ReadBy.
func (m *DirectMessage) ReadByAll(participants []string) bool {
	return coveredBy(m.SenderID, participants, m.ReadBy)
}

// DeliveredToAll reports whether every participant other than the sender
// appears in DeliveredTo.
func (m *DirectMessage) DeliveredToAll(participants []string) bool {
	return coveredBy(m.SenderID, participants, m.DeliveredTo)
}

// DeriveStatus sets Status from the receipt lists.
func (m *DirectMessage) DeriveStatus(participants []string) {
	switch {
	case m.ReadByAll(participants):
		m.Status = StatusRead
	case m.DeliveredToAll(participants):
		m.Status = StatusDelivered
	default:
		m.Status = StatusSent
	}
}

func coveredBy(sender string, participants []string, receipts []Receipt) bool {
	seen := make(map[string]struct{}, len(receipts))
	for _, r := range receipts {
		seen[r.UserID] = struct{}{}
	}
	others := 0
	for _, p := range participants {
		if p == sender {
			continue
		}
		others++
		if _, ok := seen[p]; !ok {
			return false
		}
	}
	return others > 0
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceDND     PresenceStatus = "dnd"
	PresenceOffline PresenceStatus = "offline"
)

// Rank orders statuses for multi-device aggregation; higher wins.
func (s PresenceStatus) Rank() int {
	switch s {
	case PresenceOnline:
		return 4
	case PresenceAway:
		return 3
	case PresenceBusy:
		return 2
	case PresenceDND:
		return 1
	}
	return 0
}

// Settable reports whether a client may request s explicitly.
func (s PresenceStatus) Settable() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceDND:
		return true
	}
	return false
}

type UserPresence struct {
	UserID        string         `json:"userId"`
	Status        PresenceStatus `json:"status"`
	DNDUntil      *time.Time     `json:"dndUntil,omitempty"`
	DNDMessage    string         `json:"dndMessage,omitempty"`
	ActiveDevices []Device       `json:"activeDevices"`
	LastSeenAt    *time.Time     `json:"lastSeenAt,omitempty"`
}

type Device struct {
	ConnectionID string         `json:"connectionId"`
	Status       PresenceStatus `json:"status"`
	LastPingAt   time.Time      `json:"lastPingAt"`
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallState string

const (
	CallIdle       CallState = "idle"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallEnded      CallState = "ended"
	CallDeclined   CallState = "declined"
	CallBusy       CallState = "busy"
	CallTimeout    CallState = "timeout"
)

// Terminal reports whether no further transition is possible from s.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallDeclined, CallBusy, CallTimeout:
		return true
	}
	return false
}

type CallSession struct {
	CallID      string     `json:"callId"`
	CallerID    string     `json:"callerId"`
	CalleeID    string     `json:"calleeId"`
	CallType    CallType   `json:"callType"`
	State       CallState  `json:"state"`
	StartedAt   time.Time  `json:"startedAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Peer returns the other participant of the call.
func (c *CallSession) Peer(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// IsParticipant reports whether userID is the caller or the callee.
func (c *CallSession) IsParticipant(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// Page is an offset window used by list endpoints.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// MessageQuery selects a window of a conversation's history. Before and
// After are message ids used as opaque cursors.
type MessageQuery struct {
	Before string
	After  string
	Limit  int
}

// Request/Response structures
type CreateConversationRequest struct {
	PeerID         string   `json:"peerId,omitempty"`
	GroupName      string   `json:"groupName,omitempty"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

type SendMessageRequest struct {
	Content         string       `json:"content"`
	MessageType     MessageType  `json:"messageType,omitempty"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	ReplyTo         string       `json:"replyTo,omitempty"`
}

type MarkReadRequest struct {
	UptoMessageID string `json:"uptoMessageId,omitempty"`
}
