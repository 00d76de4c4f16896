package store

import (
	"context"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// RestrictionRow is a moderation row blocking a user from a feature, or from
// everything when Feature is empty (a ban).
type RestrictionRow struct {
	UserID    string     `json:"user_id"`
	Feature   string     `json:"feature,omitempty"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the restriction currently applies.
func (r RestrictionRow) Active(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// RestrictionStore reads moderation rows for the policy check.
type RestrictionStore struct {
	conn DBConnection
}

// NewRestrictionStore creates a restriction store over the given connection.
func NewRestrictionStore(conn DBConnection) *RestrictionStore {
	return &RestrictionStore{conn: conn}
}

// ListForUser returns every restriction row targeting the user, bans
// included.
func (s *RestrictionStore) ListForUser(ctx context.Context, userID string) ([]RestrictionRow, error) {
	query := `SELECT * FROM restriction WHERE user_id = $user_id`
	params := map[string]any{"user_id": userID}

	var rows []RestrictionRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qErr error
		rows, qErr = Query[RestrictionRow](ctx, db, query, params)
		return qErr
	})
	if err != nil {
		return nil, NewDBError(err, "failed to list restrictions").WithQuery(query)
	}
	return rows, nil
}
