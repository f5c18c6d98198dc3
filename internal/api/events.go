package api

import (
	"context"

	"chatcore/internal/calls"
	"chatcore/internal/messaging"
	"chatcore/internal/presence"
	"chatcore/internal/protocol"
	"chatcore/internal/websocket"
)

func (h *Handlers) registerEvents() {
	d := h.dispatcher

	d.Handle(protocol.EventDMSend, h.onSend)
	d.Handle(protocol.EventDMStart, h.onStart)
	d.Handle(protocol.EventDMRead, h.onRead)
	d.Handle(protocol.EventDMDelivered, h.onDelivered)
	d.Handle(protocol.EventDMTyping, h.onTyping)
	d.Handle(protocol.EventDMEdit, h.onEdit)
	d.Handle(protocol.EventDMDelete, h.onDelete)
	d.Handle(protocol.EventDMReact, h.onReact)

	d.Handle(protocol.EventConversationJoin, h.onJoin)
	d.Handle(protocol.EventConversationLeave, h.onLeave)

	d.Handle(protocol.EventPresenceStatus, h.onStatus)
	d.Handle(protocol.EventPresenceSubscribe, h.onSubscribe)
	d.Handle(protocol.EventPresenceUnsubscribe, h.onUnsubscribe)
	d.Handle(protocol.EventPresenceQuery, h.onQuery)
	d.Handle(protocol.EventPresencePing, h.onPing)

	d.Handle(protocol.EventCallInitiate, h.onCallInitiate)
	d.Handle(protocol.EventCallAccept, h.onCallAccept)
	d.Handle(protocol.EventCallDecline, h.onCallDecline)
	d.Handle(protocol.EventCallSignal, h.onCallSignal)
	d.Handle(protocol.EventCallConnected, h.onCallConnected)
	d.Handle(protocol.EventCallEnd, h.onCallEnd)
}

// Direct messages

func (h *Handlers) onSend(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMSend)
	_, err := h.Router.Send(ctx, messaging.SendRequest{
		SenderID:        c.UserID(),
		ConnectionID:    c.ConnectionID(),
		ConversationID:  p.ConversationID,
		Content:         p.Content,
		MessageType:     p.MessageType,
		ClientMessageID: p.ClientMessageID,
		Attachments:     p.Attachments,
		ReplyTo:         p.ReplyTo,
	})
	return err
}

func (h *Handlers) onStart(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMStart)
	conv, created, err := h.Router.StartConversation(ctx, c.UserID(), p.PeerID)
	if err != nil {
		return err
	}
	c.Reply(protocol.EventDMStarted, f.Ref, protocol.Started{
		ConversationID: conv.ID,
		Created:        created,
		Conversation:   conv,
	})
	return nil
}

func (h *Handlers) onRead(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMRead)
	_, err := h.Router.MarkRead(ctx, p.ConversationID, c.UserID(), p.UptoMessageID)
	return err
}

func (h *Handlers) onDelivered(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMDelivered)
	return h.Router.MarkDelivered(ctx, p.MessageID, c.UserID())
}

func (h *Handlers) onTyping(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMTyping)
	return h.Router.Typing(ctx, p.ConversationID, c.UserID(), p.IsTyping)
}

func (h *Handlers) onEdit(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMEdit)
	_, err := h.Router.Edit(ctx, p.MessageID, c.UserID(), p.Content)
	return err
}

func (h *Handlers) onDelete(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMDelete)
	return h.Router.Delete(ctx, p.MessageID, c.UserID())
}

func (h *Handlers) onReact(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.DMReact)
	_, err := h.Router.React(ctx, p.MessageID, c.UserID(), p.Emoji)
	return err
}

// Conversation rooms

func (h *Handlers) onJoin(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.ConversationJoin)
	if err := h.Router.AuthorizeJoin(ctx, p.ConversationID, c.UserID()); err != nil {
		return err
	}
	h.Hub.Join(c, protocol.ConversationRoom(p.ConversationID))
	c.Reply(protocol.EventConversationJoined, f.Ref, protocol.ConversationAck{ConversationID: p.ConversationID})
	return nil
}

func (h *Handlers) onLeave(_ context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.ConversationLeave)
	h.Hub.Leave(c, protocol.ConversationRoom(p.ConversationID))
	c.Reply(protocol.EventConversationLeft, f.Ref, protocol.ConversationAck{ConversationID: p.ConversationID})
	return nil
}

// Presence

func (h *Handlers) onStatus(_ context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.PresenceStatus)
	return h.Presence.SetStatus(c.UserID(), c.ConnectionID(), presence.StatusUpdate{
		Status:     p.Status,
		DNDUntil:   p.DNDUntil,
		DNDMessage: p.DNDMessage,
		DeviceOnly: p.DeviceOnly,
	})
}

func (h *Handlers) onSubscribe(_ context.Context, c *websocket.Client, f protocol.Frame) error {
	h.Presence.Subscribe(c.UserID(), f.Payload.(*protocol.PresenceSubscribe).UserIDs)
	return nil
}

func (h *Handlers) onUnsubscribe(_ context.Context, c *websocket.Client, f protocol.Frame) error {
	h.Presence.Unsubscribe(c.UserID(), f.Payload.(*protocol.PresenceUnsubscribe).UserIDs)
	return nil
}

func (h *Handlers) onQuery(_ context.Context, c *websocket.Client, f protocol.Frame) error {
	users := h.Presence.Query(f.Payload.(*protocol.PresenceQuery).UserIDs)
	c.Reply(protocol.EventPresenceSnapshot, f.Ref, protocol.PresenceSnapshot{Users: users})
	return nil
}

func (h *Handlers) onPing(_ context.Context, c *websocket.Client, _ protocol.Frame) error {
	h.Presence.Touch(c.UserID(), c.ConnectionID())
	return nil
}

// Calls

func (h *Handlers) onCallInitiate(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.CallInitiate)
	_, err := h.Calls.Initiate(ctx, calls.Caller{
		UserID:       c.UserID(),
		ConnectionID: c.ConnectionID(),
		DisplayName:  c.DisplayName(),
	}, p.CalleeID, p.CallType)
	return err
}

func (h *Handlers) onCallAccept(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	return h.Calls.Accept(ctx, f.Payload.(*protocol.CallAccept).CallID, c.UserID(), c.ConnectionID())
}

func (h *Handlers) onCallDecline(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	return h.Calls.Decline(ctx, f.Payload.(*protocol.CallDecline).CallID, c.UserID(), c.ConnectionID(), c.DisplayName())
}

func (h *Handlers) onCallSignal(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	p := f.Payload.(*protocol.CallSignal)
	return h.Calls.Signal(ctx, p.CallID, c.UserID(), p.Payload)
}

func (h *Handlers) onCallConnected(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	return h.Calls.MarkConnected(ctx, f.Payload.(*protocol.CallConnected).CallID, c.UserID())
}

func (h *Handlers) onCallEnd(ctx context.Context, c *websocket.Client, f protocol.Frame) error {
	return h.Calls.End(ctx, f.Payload.(*protocol.CallEnd).CallID, c.UserID())
}
