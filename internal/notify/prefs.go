package notify

import (
	"context"
	"log/slog"

	"github.com/amically/amity/internal/domain"
)

// alwaysAllowed lists the notification types delivered regardless of the
// recipient's preferences. Direct messages are too important to suppress.
var alwaysAllowed = map[domain.NotificationType]bool{
	domain.NotifyMessageReceived: true,
}

// PreferenceSource loads a recipient's per-type delivery preferences. A type
// missing from the returned map is allowed.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, userID string) (map[domain.NotificationType]bool, error)
}

// Allowed applies the preference gate to a single notification: self
// notifications are unconditionally suppressed, always-allowed types bypass
// preferences, everything else follows the recipient's stored choice.
func Allowed(prefs map[domain.NotificationType]bool, actorID string, n domain.Notification) bool {
	if actorID == n.UserID {
		return false
	}
	if alwaysAllowed[n.Type] {
		return true
	}
	enabled, ok := prefs[n.Type]
	if !ok {
		return true
	}
	return enabled
}

// CreatorStore is the slice of the durable store the creation gate needs.
type CreatorStore interface {
	PreferenceSource
	Create(ctx context.Context, n domain.Notification) (*domain.Notification, error)
}

// Creator gates and writes notification rows on behalf of a triggering
// action. The write targets the recipient's row set; the recipient's own
// client then learns of it through the delivery coordinator.
type Creator struct {
	store  CreatorStore
	logger *slog.Logger
}

// NewCreator builds a notification creation gate over the given store.
func NewCreator(store CreatorStore) *Creator {
	return &Creator{
		store:  store,
		logger: slog.Default().With("service", "notify"),
	}
}

// Notify creates a notification for n.UserID if the recipient's preferences
// permit it. Returns the created row, or nil when the gate suppressed it.
// A preference load failure falls back to delivering: suppression is a
// courtesy, losing a wanted notification is worse than an unwanted one.
func (c *Creator) Notify(ctx context.Context, actorID string, n domain.Notification) (*domain.Notification, error) {
	prefs, err := c.store.GetPreferences(ctx, n.UserID)
	if err != nil {
		c.logger.Warn("Failed to load notification preferences, delivering anyway",
			"user_id", n.UserID, "error", err)
		prefs = nil
	}

	if !Allowed(prefs, actorID, n) {
		c.logger.Debug("Notification suppressed",
			"user_id", n.UserID, "actor_id", actorID, "type", n.Type)
		return nil, nil
	}

	return c.store.Create(ctx, n)
}
