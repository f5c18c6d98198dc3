package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
)

const (
	// PreviewLength bounds lastMessagePreview and replyTo previews, in runes.
	PreviewLength = 100

	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxGroupSize    = 256
)

var errConversationNotFound = apperr.NotFound("conversation_not_found", "conversation not found")

// pairKey identifies the unordered pair {a, b}. The length prefix keeps
// ids containing the separator from colliding.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + "|" + b
}

// GetOrCreateDirect returns the 1:1 conversation between a and b, creating
// it if needed. Concurrent callers for the same pair all observe the same
// id: the insert is a no-op against the pair_key unique index when another
// creator won. created reports whether this call inserted the row.
func (db *DB) GetOrCreateDirect(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	if a == b {
		return nil, false, apperr.Validation("self_conversation", "cannot start a conversation with yourself")
	}

	now := db.now()
	key := pairKey(a, b)
	var (
		id      string
		created bool
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, is_group, pair_key, created_by, created_at, updated_at)
			VALUES (?, 0, ?, ?, ?, ?)
			ON CONFLICT(pair_key) DO NOTHING
		`, uuid.NewString(), key, a, now, now)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE pair_key = ?`, key).Scan(&id); err != nil {
			return fmt.Errorf("failed to resolve conversation: %w", err)
		}

		if n, _ := res.RowsAffected(); n == 1 {
			created = true
			return insertParticipants(ctx, tx, id, []string{a, b}, now)
		}

		// An explicit start restores a thread the requester had deleted.
		_, err = tx.ExecContext(ctx, `
			UPDATE conversation_participants SET deleted_at = NULL
			WHERE conversation_id = ? AND user_id = ?
		`, id, a)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	conv, err := db.GetConversation(ctx, id, a)
	return conv, created, err
}

// CreateGroup creates a group conversation containing creator and members.
func (db *DB) CreateGroup(ctx context.Context, creator, name string, members []string) (*models.Conversation, error) {
	participants := uniqueWith(creator, members)
	if len(participants) < 2 {
		return nil, apperr.Validation("too_few_participants", "a group needs at least two participants")
	}
	if len(participants) > MaxGroupSize {
		return nil, apperr.Validation("too_many_participants", "group is too large")
	}

	now := db.now()
	id := uuid.NewString()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, is_group, group_name, created_by, created_at, updated_at)
			VALUES (?, 1, ?, ?, ?, ?)
		`, id, name, creator, now, now)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		return insertParticipants(ctx, tx, id, participants, now)
	})
	if err != nil {
		return nil, err
	}
	return db.GetConversation(ctx, id, creator)
}

// AddParticipants adds users to a group conversation.
func (db *DB) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var isGroup bool
		err := tx.QueryRowContext(ctx, `SELECT is_group FROM conversations WHERE id = ?`, conversationID).Scan(&isGroup)
		if errors.Is(err, sql.ErrNoRows) {
			return errConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		if !isGroup {
			return apperr.Validation("not_a_group", "participants can only be added to group conversations")
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count participants: %w", err)
		}
		if count+len(userIDs) > MaxGroupSize {
			return apperr.Validation("too_many_participants", "group is too large")
		}
		return insertParticipants(ctx, tx, conversationID, userIDs, db.now())
	})
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID string, userIDs []string, now time.Time) error {
	for _, userID := range userIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id, user_id) DO NOTHING
		`, conversationID, userID, now)
		if err != nil {
			return fmt.Errorf("failed to add participant %s: %w", userID, err)
		}
	}
	return nil
}

func uniqueWith(first string, rest []string) []string {
	seen := map[string]struct{}{first: {}}
	out := []string{first}
	for _, id := range rest {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GetConversation loads a conversation. When viewer is set, State holds only
// the viewer's entry; otherwise every participant's state is included.
func (db *DB) GetConversation(ctx context.Context, id, viewer string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var (
		groupName                 string
		lastID, lastBody, lastSnd string
		lastAt                    sql.NullTime
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, is_group, group_name, created_by, created_at, updated_at,
			last_message_id, last_message_content, last_message_sender, last_message_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.IsGroup, &groupName, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt,
		&lastID, &lastBody, &lastSnd, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.GroupName = groupName
	if lastID != "" {
		conv.LastMessage = &models.MessagePreview{MessageID: lastID, Content: lastBody, SenderID: lastSnd, SentAt: lastAt.Time}
	}

	if err := db.fillMembers(ctx, conv); err != nil {
		return nil, err
	}
	states, err := db.participantStates(ctx, id, viewer)
	if err != nil {
		return nil, err
	}
	conv.State = states
	if err := db.fillPreviewRead(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// fillMembers sets Participants and DeletedBy.
func (db *DB) fillMembers(ctx context.Context, conv *models.Conversation) error {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, deleted_at IS NOT NULL
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at, rowid
	`, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	conv.Participants = conv.Participants[:0]
	conv.DeletedBy = nil
	for rows.Next() {
		var (
			userID  string
			deleted bool
		)
		if err := rows.Scan(&userID, &deleted); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, userID)
		if deleted {
			conv.DeletedBy = append(conv.DeletedBy, userID)
		}
	}
	return rows.Err()
}

func (db *DB) participantStates(ctx context.Context, conversationID, viewer string) (map[string]models.ParticipantState, error) {
	query := `SELECT user_id, unread_count, last_read_at, archived, muted FROM participant_state WHERE conversation_id = ?`
	args := []any{conversationID}
	if viewer != "" {
		query += ` AND user_id = ?`
		args = append(args, viewer)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load participant state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.ParticipantState)
	for rows.Next() {
		var (
			userID string
			st     models.ParticipantState
			readAt sql.NullTime
		)
		if err := rows.Scan(&userID, &st.UnreadCount, &readAt, &st.Archived, &st.Muted); err != nil {
			return nil, fmt.Errorf("failed to scan participant state: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			st.LastReadAt = &t
		}
		states[userID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// A viewer without a stored row still has a well-defined state.
	if viewer != "" {
		if _, ok := states[viewer]; !ok {
			states[viewer] = models.ParticipantState{}
		}
	}
	return states, nil
}

// fillPreviewRead marks the preview read once every recipient has read it.
func (db *DB) fillPreviewRead(ctx context.Context, conv *models.Conversation) error {
	if conv.LastMessage == nil {
		return nil
	}
	var readers int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_receipts
		WHERE message_id = ? AND kind = 'read' AND user_id != ?
	`, conv.LastMessage.MessageID, conv.LastMessage.SenderID).Scan(&readers)
	if err != nil {
		return fmt.Errorf("failed to count readers: %w", err)
	}
	conv.LastMessage.Read = readers > 0 && readers >= len(conv.Others(conv.LastMessage.SenderID))
	return nil
}

// ListConversations returns the conversations userID belongs to and has not
// deleted, most recently updated first.
func (db *DB) ListConversations(ctx context.Context, userID string, page models.Page) ([]*models.Conversation, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	if page.Limit > MaxPageSize {
		page.Limit = MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	rows, err := db.QueryContext(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = ? AND cp.deleted_at IS NULL
		ORDER BY c.updated_at DESC, c.rowid DESC
		LIMIT ? OFFSET ?
	`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	conversations := make([]*models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := db.GetConversation(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// Participants returns the member ids of a conversation, including members
// who soft-deleted their view.
func (db *DB) Participants(ctx context.Context, conversationID string) ([]string, error) {
	return participantIDs(ctx, db.DB, conversationID)
}

func participantIDs(ctx context.Context, q querier, conversationID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at, rowid
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	if len(ids) == 0 {
		return nil, errConversationNotFound
	}
	return ids, nil
}

// IsParticipant reports whether userID is a member of the conversation.
// Unknown conversations yield NotFound.
func (db *DB) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ids, err := db.Participants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, userID), nil
}

// SoftDelete hides the conversation from userID's list. It reappears when a
// new message arrives.
func (db *DB) SoftDelete(ctx context.Context, conversationID, userID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE conversation_participants SET deleted_at = ?
		WHERE conversation_id = ? AND user_id = ? AND deleted_at IS NULL
	`, db.now(), conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := db.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Authorization("not_participant", "not a participant of this conversation")
		}
	}
	return nil
}

func (db *DB) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return db.setFlag(ctx, conversationID, userID, "archived", archived)
}

func (db *DB) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	return db.setFlag(ctx, conversationID, userID, "muted", muted)
}

// setFlag upserts one boolean column of userID's participant state.
func (db *DB) setFlag(ctx context.Context, conversationID, userID, column string, value bool) error {
	ok, err := db.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Authorization("not_participant", "not a participant of this conversation")
	}
	query := fmt.Sprintf(`
		INSERT INTO participant_state (conversation_id, user_id, %[1]s) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET %[1]s = excluded.%[1]s
	`, column)
	if _, err := db.ExecContext(ctx, query, conversationID, userID, value); err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return nil
}
