package store

import (
	"context"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/surrealdb/surrealdb.go"
)

// NotificationStore handles durable notification rows and the recipient's
// delivery preferences.
type NotificationStore struct {
	conn DBConnection
}

// NewNotificationStore creates a notification store over the given connection.
func NewNotificationStore(conn DBConnection) *NotificationStore {
	return &NotificationStore{conn: conn}
}

// Create inserts a notification row for a recipient. Callers are expected to
// have run the preference/self-suppression gate first.
func (s *NotificationStore) Create(ctx context.Context, n domain.Notification) (*domain.Notification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	query := `
		CREATE notification CONTENT {
			user_id: $user_id,
			type: $type,
			title: $title,
			message: $message,
			data: $data,
			read: false,
			created_at: $created_at
		}
	`
	params := map[string]any{
		"user_id":    n.UserID,
		"type":       string(n.Type),
		"title":      n.Title,
		"message":    n.Message,
		"data":       n.Data,
		"created_at": n.CreatedAt.Format(time.RFC3339),
	}

	var created *notificationRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		created, qErr = QueryOne[notificationRow](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to create notification").WithQuery(query)
	}
	if created == nil {
		return nil, NewDBError(ErrQueryFailed, "notification create returned no row")
	}
	row := created.toDomain()
	return &row, nil
}

// ListRecent returns the recipient's most recent notifications, newest first.
// This is the polling fallback's read path.
func (s *NotificationStore) ListRecent(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	query := `SELECT * FROM notification WHERE user_id = $user_id ORDER BY created_at DESC LIMIT $limit`
	params := map[string]any{
		"user_id": userID,
		"limit":   limit,
	}

	var rows []notificationRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		rows, qErr = Query[notificationRow](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to list notifications").WithQuery(query)
	}

	items := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// MarkRead flags a notification as read. Idempotent.
func (s *NotificationStore) MarkRead(ctx context.Context, notificationID string) error {
	rid, err := recordIDFromString(notificationID)
	if err != nil {
		return NewDBError(err, "invalid notification id")
	}

	query := `UPDATE $id SET read = true`
	params := map[string]any{"id": rid}

	err = s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to mark notification read").WithQuery(query)
	}
	return nil
}

// Delete removes a notification row. Idempotent.
func (s *NotificationStore) Delete(ctx context.Context, notificationID string) error {
	rid, err := recordIDFromString(notificationID)
	if err != nil {
		return NewDBError(err, "invalid notification id")
	}

	query := `DELETE $id`
	params := map[string]any{"id": rid}

	err = s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to delete notification").WithQuery(query)
	}
	return nil
}

// ClearAll removes every notification row of a recipient. Idempotent.
func (s *NotificationStore) ClearAll(ctx context.Context, userID string) error {
	query := `DELETE notification WHERE user_id = $user_id`
	params := map[string]any{"user_id": userID}

	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to clear notifications").WithQuery(query)
	}
	return nil
}

// GetPreferences returns the recipient's per-type notification preferences.
// A missing row means everything is allowed.
func (s *NotificationStore) GetPreferences(ctx context.Context, userID string) (map[domain.NotificationType]bool, error) {
	query := `SELECT * FROM notification_preference WHERE user_id = $user_id`
	params := map[string]any{"user_id": userID}

	type prefRow struct {
		Type    string `json:"type"`
		Enabled bool   `json:"enabled"`
	}

	var rows []prefRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		rows, qErr = Query[prefRow](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to load notification preferences").WithQuery(query)
	}

	prefs := make(map[domain.NotificationType]bool, len(rows))
	for _, row := range rows {
		prefs[domain.NotificationType(row.Type)] = row.Enabled
	}
	return prefs, nil
}
