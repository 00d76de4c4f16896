package store

import (
	"context"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/surrealdb/surrealdb.go"
)

// MessageStore handles durable message rows. All access control is enforced
// server side; a query for rows the caller has no right to simply returns
// nothing.
type MessageStore struct {
	conn DBConnection
}

// NewMessageStore creates a message store over the given connection.
func NewMessageStore(conn DBConnection) *MessageStore {
	return &MessageStore{conn: conn}
}

// Insert creates the authoritative row for a message and returns it with the
// server-assigned id. The client key travels with the row so every client
// can reconcile its own tentative copy.
func (s *MessageStore) Insert(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		CREATE message CONTENT {
			conversation_id: $conversation_id,
			sender_id: $sender_id,
			receiver_id: $receiver_id,
			content: $content,
			media_ref: $media_ref,
			document_ref: $document_ref,
			sticker_ref: $sticker_ref,
			type: $type,
			client_key: $client_key,
			deleted_for_sender: false,
			deleted_for_receiver: false,
			read: false,
			created_at: $created_at
		}
	`
	params := map[string]any{
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"receiver_id":     msg.ReceiverID,
		"content":         msg.Content,
		"media_ref":       msg.MediaRef,
		"document_ref":    msg.DocumentRef,
		"sticker_ref":     msg.StickerRef,
		"type":            string(msg.Type),
		"client_key":      msg.ClientKey,
		"created_at":      msg.CreatedAt.Format(time.RFC3339),
	}

	var created *messageRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		created, qErr = QueryOne[messageRow](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to insert message").WithQuery(query)
	}
	if created == nil {
		return nil, NewDBError(ErrQueryFailed, "message insert returned no row")
	}
	confirmed := created.toDomain()
	return &confirmed, nil
}

// ListRecent returns the most recent messages of a conversation, newest
// first, bounded by limit.
func (s *MessageStore) ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT * FROM message WHERE conversation_id = $conversation_id ORDER BY created_at DESC LIMIT $limit`
	params := map[string]any{
		"conversation_id": conversationID,
		"limit":           limit,
	}

	var rows []messageRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		rows, qErr = Query[messageRow](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to list messages").WithQuery(query)
	}

	msgs := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toDomain())
	}
	return msgs, nil
}

// SetDeletedForViewer sets exactly one participant's deletion flag. The
// content is untouched; the row stays visible to the other participant.
func (s *MessageStore) SetDeletedForViewer(ctx context.Context, messageID string, isSender bool) error {
	rid, err := recordIDFromString(messageID)
	if err != nil {
		return NewDBError(err, "invalid message id")
	}

	field := "deleted_for_receiver"
	if isSender {
		field = "deleted_for_sender"
	}

	query := `UPDATE $id SET ` + field + ` = true`
	params := map[string]any{"id": rid}

	err = s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to set deletion flag").WithQuery(query)
	}
	return nil
}

// Retract performs the delete-for-everyone transition: both flags set and the
// content replaced by the tombstone. The row is never hard-removed.
func (s *MessageStore) Retract(ctx context.Context, messageID string) error {
	rid, err := recordIDFromString(messageID)
	if err != nil {
		return NewDBError(err, "invalid message id")
	}

	query := `UPDATE $id SET deleted_for_sender = true, deleted_for_receiver = true, content = $tombstone`
	params := map[string]any{
		"id":        rid,
		"tombstone": domain.Tombstone,
	}

	err = s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to retract message").WithQuery(query)
	}
	return nil
}

// MarkRead flags a message as read. Idempotent.
func (s *MessageStore) MarkRead(ctx context.Context, messageID string) error {
	rid, err := recordIDFromString(messageID)
	if err != nil {
		return NewDBError(err, "invalid message id")
	}

	query := `UPDATE $id SET read = true`
	params := map[string]any{"id": rid}

	err = s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to mark message read").WithQuery(query)
	}
	return nil
}
