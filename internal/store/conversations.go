package store

import (
	"context"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/surrealdb/surrealdb.go"
)

// ConversationStore handles conversation summary rows.
type ConversationStore struct {
	conn DBConnection
}

// NewConversationStore creates a conversation store over the given connection.
func NewConversationStore(conn DBConnection) *ConversationStore {
	return &ConversationStore{conn: conn}
}

// ListForUser returns every conversation summary the user participates in,
// most recently touched first.
func (s *ConversationStore) ListForUser(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	query := `SELECT * FROM conversation WHERE participant_ids CONTAINS $user_id ORDER BY last_message_at DESC`
	params := map[string]any{"user_id": userID}

	var rows []conversationRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		rows, qErr = Query[conversationRow](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to list conversations").WithQuery(query)
	}

	items := make([]domain.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// Touch updates a summary's last message and timestamp after an
// authoritative write.
func (s *ConversationStore) Touch(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	rid, err := recordIDFromString(conversationID)
	if err != nil {
		return NewDBError(err, "invalid conversation id")
	}

	query := `UPDATE $id SET last_message = $last_message, last_message_at = $last_message_at`
	params := map[string]any{
		"id":              rid,
		"last_message":    lastMessage,
		"last_message_at": at.Format(time.RFC3339),
	}

	err = s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to touch conversation").WithQuery(query)
	}
	return nil
}
