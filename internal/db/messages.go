package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 100

	receiptRead      = "read"
	receiptDelivered = "delivered"
)

var (
	errMessageNotFound = apperr.NotFound("message_not_found", "message not found")
	errNotParticipant  = apperr.Authorization("not_participant", "not a participant of this conversation")
	errMessageDeleted  = apperr.Conflict("message_deleted", "message has been deleted")
)

const messageColumns = `m.seq, m.id, m.conversation_id, m.sender_id, COALESCE(m.client_message_id, ''),
	m.content, m.message_type, m.attachments, m.reply_to_id, m.reply_to_sender, m.reply_to_preview,
	m.is_deleted, m.edited_at, m.created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*models.DirectMessage, error) {
	var (
		msg                        models.DirectMessage
		attachments                string
		replyID, replySnd, replyPv string
		editedAt                   sql.NullTime
	)
	err := s.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ClientMessageID,
		&msg.Content, &msg.MessageType, &attachments, &replyID, &replySnd, &replyPv,
		&msg.IsDeleted, &editedAt, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments of %s: %w", msg.ID, err)
		}
	}
	if replyID != "" {
		msg.ReplyTo = &models.ReplyTo{MessageID: replyID, SenderID: replySnd, Preview: replyPv}
	}
	if editedAt.Valid {
		t := editedAt.Time
		msg.EditedAt = &t
	}
	msg.ReadBy = []models.Receipt{}
	msg.DeliveredTo = []models.Receipt{}
	msg.Reactions = []models.Reaction{}
	return &msg, nil
}

// AppendMessage persists msg and applies its side effects on the
// conversation: preview, updatedAt, recipients' unread counters and
// visibility for members who had deleted the thread. A retry carrying the
// same (conversation, sender, clientMessageId) returns the stored message
// with duplicate set and changes nothing.
func (db *DB) AppendMessage(ctx context.Context, msg *models.DirectMessage) (stored *models.DirectMessage, duplicate bool, err error) {
	now := db.now()
	clientID := sql.NullString{String: msg.ClientMessageID, Valid: msg.ClientMessageID != ""}

	var id string
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		participants, err := participantIDs(ctx, tx, msg.ConversationID)
		if err != nil {
			return err
		}
		if !slices.Contains(participants, msg.SenderID) {
			return errNotParticipant
		}

		if clientID.Valid {
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM messages
				WHERE conversation_id = ? AND sender_id = ? AND client_message_id = ?
			`, msg.ConversationID, msg.SenderID, clientID).Scan(&id)
			if err == nil {
				duplicate = true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check duplicate: %w", err)
			}
		}

		var replyID, replySender, replyPreview string
		if msg.ReplyTo != nil && msg.ReplyTo.MessageID != "" {
			var (
				content string
				deleted bool
			)
			err := tx.QueryRowContext(ctx, `
				SELECT sender_id, content, is_deleted FROM messages
				WHERE id = ? AND conversation_id = ?
			`, msg.ReplyTo.MessageID, msg.ConversationID).Scan(&replySender, &content, &deleted)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("reply_target_not_found", "replied-to message not found")
			}
			if err != nil {
				return fmt.Errorf("failed to load reply target: %w", err)
			}
			if deleted {
				content = models.DeletedPlaceholder
			}
			replyID, replyPreview = msg.ReplyTo.MessageID, truncate(content, PreviewLength)
		}

		attachments := ""
		if len(msg.Attachments) > 0 {
			data, err := json.Marshal(msg.Attachments)
			if err != nil {
				return fmt.Errorf("failed to encode attachments: %w", err)
			}
			attachments = string(data)
		}

		newID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate message id: %w", err)
		}
		id = newID.String()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, client_message_id, content, message_type,
				attachments, reply_to_id, reply_to_sender, reply_to_preview, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, sender_id, client_message_id) DO NOTHING
		`, id, msg.ConversationID, msg.SenderID, clientID, msg.Content, string(msg.MessageType),
			attachments, replyID, replySender, replyPreview, now)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			duplicate = true
			return tx.QueryRowContext(ctx, `
				SELECT id FROM messages
				WHERE conversation_id = ? AND sender_id = ? AND client_message_id = ?
			`, msg.ConversationID, msg.SenderID, clientID).Scan(&id)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET updated_at = ?, last_message_id = ?, last_message_content = ?,
				last_message_sender = ?, last_message_at = ?
			WHERE id = ?
		`, now, id, truncate(msg.Content, PreviewLength), msg.SenderID, now, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to update conversation preview: %w", err)
		}

		// Missing state rows are created here, so the unread counter of a
		// participant who never opened the thread starts from zero.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO participant_state (conversation_id, user_id, unread_count)
			SELECT conversation_id, user_id, 1 FROM conversation_participants
			WHERE conversation_id = ? AND user_id != ?
			ON CONFLICT(conversation_id, user_id) DO UPDATE SET unread_count = unread_count + 1
		`, msg.ConversationID, msg.SenderID)
		if err != nil {
			return fmt.Errorf("failed to update unread counters: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conversation_participants SET deleted_at = NULL
			WHERE conversation_id = ? AND deleted_at IS NOT NULL
		`, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to restore conversation visibility: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	stored, err = db.GetMessage(ctx, id)
	return stored, duplicate, err
}

// GetMessage loads one message with its receipts and reactions.
func (db *DB) GetMessage(ctx context.Context, id string) (*models.DirectMessage, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	participants, err := db.Participants(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := db.loadDetails(ctx, []*models.DirectMessage{msg}, participants); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a window of history, oldest first. Before and After
// are message ids; without either the latest messages are returned.
func (db *DB) ListMessages(ctx context.Context, conversationID string, q models.MessageQuery) ([]*models.DirectMessage, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultMessageLimit
	}
	if q.Limit > MaxMessageLimit {
		q.Limit = MaxMessageLimit
	}

	participants, err := db.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.conversation_id = ?`
	args := []any{conversationID}
	if q.Before != "" {
		seq, err := db.cursorSeq(ctx, conversationID, q.Before)
		if err != nil {
			return nil, err
		}
		query += ` AND m.seq < ?`
		args = append(args, seq)
	}
	if q.After != "" {
		seq, err := db.cursorSeq(ctx, conversationID, q.After)
		if err != nil {
			return nil, err
		}
		query += ` AND m.seq > ?`
		args = append(args, seq)
	}
	// Paging forward from After reads ascending; everything else reads the
	// newest window and flips it.
	ascending := q.After != "" && q.Before == ""
	if ascending {
		query += ` ORDER BY m.seq ASC LIMIT ?`
	} else {
		query += ` ORDER BY m.seq DESC LIMIT ?`
	}
	args = append(args, q.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	var messages []*models.DirectMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	if !ascending {
		slices.Reverse(messages)
	}

	if err := db.loadDetails(ctx, messages, participants); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*models.DirectMessage{}
	}
	return messages, nil
}

func (db *DB) cursorSeq(ctx context.Context, conversationID, messageID string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NotFound("cursor_not_found", "cursor message not found in conversation")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve cursor: %w", err)
	}
	return seq, nil
}

// loadDetails fills receipts and reactions, derives status and masks
// deleted content.
func (db *DB) loadDetails(ctx context.Context, messages []*models.DirectMessage, participants []string) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[string]*models.DirectMessage, len(messages))
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	in := placeholders(len(ids))

	rows, err := db.QueryContext(ctx, `
		SELECT message_id, user_id, kind, at FROM message_receipts
		WHERE message_id IN (`+in+`)
		ORDER BY at, rowid
	`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to load receipts: %w", err)
	}
	for rows.Next() {
		var (
			msgID, kind string
			r           models.Receipt
		)
		if err := rows.Scan(&msgID, &r.UserID, &kind, &r.At); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan receipt: %w", err)
		}
		m := byID[msgID]
		if kind == receiptRead {
			m.ReadBy = append(m.ReadBy, r)
		} else {
			m.DeliveredTo = append(m.DeliveredTo, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT message_id, emoji, user_id FROM message_reactions
		WHERE message_id IN (`+in+`)
		ORDER BY created_at, rowid
	`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to load reactions: %w", err)
	}
	for rows.Next() {
		var msgID, emoji, userID string
		if err := rows.Scan(&msgID, &emoji, &userID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan reaction: %w", err)
		}
		m := byID[msgID]
		i := slices.IndexFunc(m.Reactions, func(r models.Reaction) bool { return r.Emoji == emoji })
		if i < 0 {
			m.Reactions = append(m.Reactions, models.Reaction{Emoji: emoji})
			i = len(m.Reactions) - 1
		}
		m.Reactions[i].UserIDs = append(m.Reactions[i].UserIDs, userID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range messages {
		m.DeriveStatus(participants)
		if m.IsDeleted {
			m.Content = models.DeletedPlaceholder
			m.Attachments = nil
			m.ReplyTo = nil
		}
	}
	return nil
}

// ReadMessage identifies a message whose read state changed.
type ReadMessage struct {
	ID       string
	SenderID string
}

// ReadResult describes the effect of MarkRead.
type ReadResult struct {
	ReadAt time.Time
	// UptoMessageID is the cursor applied: the requested one, or the
	// latest message when none was given.
	UptoMessageID string
	// MessageIDs were newly read by the reader, oldest first.
	MessageIDs []string
	// ReadByAll is the subset of MessageIDs now read by every participant
	// other than its sender.
	ReadByAll []ReadMessage
}

// MarkRead resets userID's unread counter and records read receipts for
// every earlier message from other senders, up to and including uptoID
// (the latest message when empty). The participant state row is created
// when it does not exist yet.
func (db *DB) MarkRead(ctx context.Context, conversationID, userID, uptoID string) (*ReadResult, error) {
	now := db.now()
	result := &ReadResult{ReadAt: now, MessageIDs: []string{}}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		participants, err := participantIDs(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !slices.Contains(participants, userID) {
			return errNotParticipant
		}

		var upto int64
		if uptoID != "" {
			err := tx.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ? AND conversation_id = ?`,
				uptoID, conversationID).Scan(&upto)
			if errors.Is(err, sql.ErrNoRows) {
				return errMessageNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to resolve read cursor: %w", err)
			}
			result.UptoMessageID = uptoID
		} else {
			err := tx.QueryRowContext(ctx, `SELECT seq, id FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`,
				conversationID).Scan(&upto, &result.UptoMessageID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to resolve latest message: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO participant_state (conversation_id, user_id, unread_count, last_read_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(conversation_id, user_id) DO UPDATE
			SET unread_count = 0, last_read_at = excluded.last_read_at
		`, conversationID, userID, now)
		if err != nil {
			return fmt.Errorf("failed to update participant state: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT m.id, m.sender_id FROM messages m
			WHERE m.conversation_id = ? AND m.seq <= ? AND m.sender_id != ?
			AND NOT EXISTS (
				SELECT 1 FROM message_receipts r
				WHERE r.message_id = m.id AND r.user_id = ? AND r.kind = 'read'
			)
			ORDER BY m.seq
		`, conversationID, upto, userID, userID)
		if err != nil {
			return fmt.Errorf("failed to query unread messages: %w", err)
		}
		var unread []ReadMessage
		for rows.Next() {
			var m ReadMessage
			if err := rows.Scan(&m.ID, &m.SenderID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan unread message: %w", err)
			}
			unread = append(unread, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range unread {
			// Reading implies delivery.
			for _, kind := range []string{receiptRead, receiptDelivered} {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO message_receipts (message_id, user_id, kind, at) VALUES (?, ?, ?, ?)
					ON CONFLICT(message_id, user_id, kind) DO NOTHING
				`, m.ID, userID, kind, now)
				if err != nil {
					return fmt.Errorf("failed to record receipt: %w", err)
				}
			}
			result.MessageIDs = append(result.MessageIDs, m.ID)

			all, err := receivedByAll(ctx, tx, m.ID, m.SenderID, receiptRead, len(participants))
			if err != nil {
				return err
			}
			if all {
				result.ReadByAll = append(result.ReadByAll, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func receivedByAll(ctx context.Context, tx *sql.Tx, messageID, senderID, kind string, participants int) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_receipts
		WHERE message_id = ? AND kind = ? AND user_id != ?
	`, messageID, kind, senderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count receipts: %w", err)
	}
	return n >= participants-1, nil
}

// DeliveryResult describes the effect of MarkDelivered.
type DeliveryResult struct {
	ConversationID string
	SenderID       string
	DeliveredAt    time.Time
	// Added is false when the receipt already existed or userID is the sender.
	Added bool
	// DeliveredToAll reports whether every recipient now has the message.
	DeliveredToAll bool
}

// MarkDelivered records that userID's device received messageID. It is
// idempotent.
func (db *DB) MarkDelivered(ctx context.Context, messageID, userID string) (*DeliveryResult, error) {
	now := db.now()
	result := &DeliveryResult{DeliveredAt: now}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT conversation_id, sender_id FROM messages WHERE id = ?`, messageID).
			Scan(&result.ConversationID, &result.SenderID)
		if errors.Is(err, sql.ErrNoRows) {
			return errMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load message: %w", err)
		}
		participants, err := participantIDs(ctx, tx, result.ConversationID)
		if err != nil {
			return err
		}
		if !slices.Contains(participants, userID) {
			return errNotParticipant
		}
		if userID == result.SenderID {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (message_id, user_id, kind, at) VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, user_id, kind) DO NOTHING
		`, messageID, userID, receiptDelivered, now)
		if err != nil {
			return fmt.Errorf("failed to record delivery: %w", err)
		}
		n, _ := res.RowsAffected()
		result.Added = n == 1

		result.DeliveredToAll, err = receivedByAll(ctx, tx, messageID, result.SenderID, receiptDelivered, len(participants))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// loadOwned fetches the conversation and sender of messageID inside tx and
// checks that actorID may act on it.
func loadOwned(ctx context.Context, tx *sql.Tx, messageID, actorID string, senderOnly bool) (conversationID string, deleted bool, err error) {
	var senderID string
	err = tx.QueryRowContext(ctx, `SELECT conversation_id, sender_id, is_deleted FROM messages WHERE id = ?`, messageID).
		Scan(&conversationID, &senderID, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, errMessageNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load message: %w", err)
	}
	if senderOnly {
		if senderID != actorID {
			return "", false, apperr.Authorization("not_sender", "only the sender may change this message")
		}
		return conversationID, deleted, nil
	}
	participants, err := participantIDs(ctx, tx, conversationID)
	if err != nil {
		return "", false, err
	}
	if !slices.Contains(participants, actorID) {
		return "", false, errNotParticipant
	}
	return conversationID, deleted, nil
}

// EditMessage replaces the content of a message sent by editorID.
func (db *DB) EditMessage(ctx context.Context, messageID, editorID, content string) (*models.DirectMessage, error) {
	now := db.now()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		conversationID, deleted, err := loadOwned(ctx, tx, messageID, editorID, true)
		if err != nil {
			return err
		}
		if deleted {
			return errMessageDeleted
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`,
			content, now, messageID); err != nil {
			return fmt.Errorf("failed to edit message: %w", err)
		}
		return updatePreview(ctx, tx, conversationID, messageID, content)
	})
	if err != nil {
		return nil, err
	}
	return db.GetMessage(ctx, messageID)
}

// DeleteMessage soft-deletes a message sent by userID. Deleting twice is
// not an error.
func (db *DB) DeleteMessage(ctx context.Context, messageID, userID string) (*models.DirectMessage, error) {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		conversationID, deleted, err := loadOwned(ctx, tx, messageID, userID, true)
		if err != nil || deleted {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET is_deleted = 1 WHERE id = ?`, messageID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return updatePreview(ctx, tx, conversationID, messageID, models.DeletedPlaceholder)
	})
	if err != nil {
		return nil, err
	}
	return db.GetMessage(ctx, messageID)
}

// updatePreview rewrites the conversation preview when messageID is the
// latest message.
func updatePreview(ctx context.Context, tx *sql.Tx, conversationID, messageID, content string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_content = ?
		WHERE id = ? AND last_message_id = ?
	`, truncate(content, PreviewLength), conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update conversation preview: %w", err)
	}
	return nil
}

// ToggleReaction adds userID's emoji reaction or removes it when present.
// added reports which of the two happened.
func (db *DB) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (msg *models.DirectMessage, added bool, err error) {
	now := db.now()
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		_, deleted, err := loadOwned(ctx, tx, messageID, userID, false)
		if err != nil {
			return err
		}
		if deleted {
			return errMessageDeleted
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_reactions WHERE message_id = ? AND emoji = ? AND user_id = ?
		`, messageID, emoji, userID)
		if err != nil {
			return fmt.Errorf("failed to remove reaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		added = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, emoji, user_id, created_at) VALUES (?, ?, ?, ?)
		`, messageID, emoji, userID, now); err != nil {
			return fmt.Errorf("failed to add reaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	msg, err = db.GetMessage(ctx, messageID)
	return msg, added, err
}
