package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/amically/amity/internal/store"
)

// Feature names checked before user-initiated mutations.
const (
	FeatureMessaging  = "messaging"
	FeatureCommenting = "commenting"
)

// Checker decides whether a user may currently perform a feature. It is
// consulted before every send/comment-style mutation and fails closed: when
// the decision cannot be obtained the action is blocked.
type Checker interface {
	Check(ctx context.Context, userID, feature string) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, userID, feature string) error

func (f CheckerFunc) Check(ctx context.Context, userID, feature string) error {
	return f(ctx, userID, feature)
}

// StoreChecker resolves policy decisions from restriction rows in the durable
// store. A row with an empty feature is a ban and blocks everything.
type StoreChecker struct {
	restrictions *store.RestrictionStore
	logger       *slog.Logger
}

// NewStoreChecker creates a checker backed by the restriction store.
func NewStoreChecker(restrictions *store.RestrictionStore) *StoreChecker {
	return &StoreChecker{
		restrictions: restrictions,
		logger:       slog.Default().With("service", "policy"),
	}
}

// Check implements Checker. Any error reaching the store blocks the action;
// an unreachable policy source must never grant access.
func (c *StoreChecker) Check(ctx context.Context, userID, feature string) error {
	rows, err := c.restrictions.ListForUser(ctx, userID)
	if err != nil {
		c.logger.Warn("Policy check failed, blocking action", "user_id", userID, "feature", feature, "error", err)
		return &domain.RestrictedError{
			UserID:  userID,
			Feature: feature,
			Reason:  "policy check unavailable",
		}
	}

	now := time.Now().UTC()
	for _, row := range rows {
		if !row.Active(now) {
			continue
		}
		if row.Feature == "" || row.Feature == feature {
			return &domain.RestrictedError{
				UserID:  userID,
				Feature: feature,
				Reason:  row.Reason,
			}
		}
	}

	return nil
}
