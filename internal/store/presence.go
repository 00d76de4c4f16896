package store

import (
	"context"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/surrealdb/surrealdb.go"
)

// PresenceStore handles the per-user presence row. Only the owning client
// writes its own row; reads of other users return the raw stored record,
// which callers project through the decay rules.
type PresenceStore struct {
	conn DBConnection
}

// NewPresenceStore creates a presence store over the given connection.
func NewPresenceStore(conn DBConnection) *PresenceStore {
	return &PresenceStore{conn: conn}
}

// Upsert writes the owning user's presence row.
func (s *PresenceStore) Upsert(ctx context.Context, p domain.UserPresence) error {
	query := `
		UPSERT user_presence:[$user_id] CONTENT {
			user_id: $user_id,
			status_type: $status_type,
			custom_text: $custom_text,
			last_active_at: $last_active_at,
			status_visibility: $status_visibility,
			last_seen_visibility: $last_seen_visibility,
			updated_at: $updated_at
		}
	`
	params := map[string]any{
		"user_id":              p.UserID,
		"status_type":          string(p.StatusType),
		"custom_text":          p.CustomText,
		"last_active_at":       p.LastActiveAt.Format(time.RFC3339),
		"status_visibility":    string(p.StatusVisibility),
		"last_seen_visibility": string(p.LastSeenVisibility),
		"updated_at":           p.UpdatedAt.Format(time.RFC3339),
	}

	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return NewDBError(err, "failed to upsert presence").WithQuery(query)
	}
	return nil
}

// Get returns the raw stored presence row for a user, or nil if none exists.
func (s *PresenceStore) Get(ctx context.Context, userID string) (*domain.UserPresence, error) {
	query := `SELECT * FROM user_presence WHERE user_id = $user_id`
	params := map[string]any{"user_id": userID}

	var p *domain.UserPresence
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		p, qErr = QueryOne[domain.UserPresence](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to get presence").WithQuery(query)
	}
	return p, nil
}
