package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/amically/amity/internal/pubsub"
	"github.com/amically/amity/internal/store"
)

// TopicNotificationsUpdated carries "the notification list changed" signals
// for the UI layer.
const TopicNotificationsUpdated = "sync.notifications.updated"

// DefaultPollInterval is the polling fallback cadence while the push
// subscription is not confirmed active.
const DefaultPollInterval = 2 * time.Second

// RecentLimit bounds how many rows a poll cycle fetches.
const RecentLimit = 50

// ListStore is the slice of the durable store the coordinator needs.
type ListStore interface {
	ListRecent(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, notificationID string) error
	Delete(ctx context.Context, notificationID string) error
	ClearAll(ctx context.Context, userID string) error
}

// Coordinator surfaces the recipient's notifications exactly once. Two
// delivery paths write into the same id-keyed list: the push subscription's
// events arrive through ApplyEvent, and a polling fallback runs whenever the
// subscription is not in a confirmed-active state. Merging is a set union on
// notification id, so duplicate delivery across paths is harmless.
type Coordinator struct {
	userID    string
	store     ListStore
	publisher pubsub.Publisher
	logger    *slog.Logger

	pollInterval time.Duration

	mu    sync.Mutex
	items []domain.Notification
	seen  map[string]struct{}

	pollStop chan struct{}
	closed   bool

	metrics coordinatorMetrics
}

type coordinatorMetrics struct {
	pushDelivered int64
	pollDelivered int64
	deduplicated  int64
	pollCycles    int64
	pollFailures  int64
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPollInterval overrides the polling fallback cadence. Used by tests.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pollInterval = d }
}

// NewCoordinator creates a notification delivery coordinator for the
// signed-in user.
func NewCoordinator(userID string, listStore ListStore, publisher pubsub.Publisher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		userID:       userID,
		store:        listStore,
		publisher:    publisher,
		logger:       slog.Default().With("service", "notify", "user_id", userID),
		pollInterval: DefaultPollInterval,
		seen:         make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnFeedState reacts to push subscription state transitions: any state other
// than confirmed-active starts the polling fallback, and a confirmed-active
// subscription stops it.
func (c *Coordinator) OnFeedState(state store.FeedState) {
	if state == store.FeedSubscribed {
		c.stopPolling()
		return
	}
	c.startPolling()
}

// ApplyEvent merges a push-delivered notification into the list.
func (c *Coordinator) ApplyEvent(n domain.Notification) {
	if n.UserID != c.userID {
		return
	}
	if c.merge(n, true) {
		c.publishUpdated()
	}
}

// Notifications returns the merged list, newest first.
func (c *Coordinator) Notifications() []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Notification, len(c.items))
	copy(out, c.items)
	return out
}

// UnreadCount returns the number of unread notifications, for badge
// rendering.
func (c *Coordinator) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, n := range c.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags a notification read, locally first and then in the store.
// Idempotent; a store failure leaves the optimistic mirror in place.
func (c *Coordinator) MarkRead(ctx context.Context, notificationID string) error {
	c.mu.Lock()
	for i := range c.items {
		if c.items[i].ID == notificationID {
			c.items[i].Read = true
			break
		}
	}
	c.mu.Unlock()
	c.publishUpdated()

	if err := c.store.MarkRead(ctx, notificationID); err != nil {
		c.logger.Warn("Failed to persist notification read flag", "notification_id", notificationID, "error", err)
		return err
	}
	return nil
}

// Delete removes a notification, locally first and then in the store.
// Idempotent.
func (c *Coordinator) Delete(ctx context.Context, notificationID string) error {
	c.mu.Lock()
	for i := range c.items {
		if c.items[i].ID == notificationID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			delete(c.seen, notificationID)
			break
		}
	}
	c.mu.Unlock()
	c.publishUpdated()

	if err := c.store.Delete(ctx, notificationID); err != nil {
		c.logger.Warn("Failed to delete notification", "notification_id", notificationID, "error", err)
		return err
	}
	return nil
}

// ClearAll removes every notification, locally first and then in the store.
// Idempotent.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	c.items = nil
	c.seen = make(map[string]struct{})
	c.mu.Unlock()
	c.publishUpdated()

	if err := c.store.ClearAll(ctx, c.userID); err != nil {
		c.logger.Warn("Failed to clear notifications", "error", err)
		return err
	}
	return nil
}

// Shutdown halts the polling fallback deterministically. After Shutdown the
// coordinator never restarts polling, regardless of later feed transitions.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	stop := c.pollStop
	c.pollStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// GetMetrics returns delivery counters for diagnostics.
func (c *Coordinator) GetMetrics() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int64{
		"push_delivered": c.metrics.pushDelivered,
		"poll_delivered": c.metrics.pollDelivered,
		"deduplicated":   c.metrics.deduplicated,
		"poll_cycles":    c.metrics.pollCycles,
		"poll_failures":  c.metrics.pollFailures,
	}
}

// merge inserts a notification unless its id is already present; insertion is
// a set union, so the second path to deliver an id is always a no-op.
// Reports whether the list changed.
func (c *Coordinator) merge(n domain.Notification, fromPush bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[n.ID]; ok {
		c.metrics.deduplicated++
		return false
	}

	c.seen[n.ID] = struct{}{}
	c.items = append(c.items, n)
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].CreatedAt.After(c.items[j].CreatedAt)
	})

	if fromPush {
		c.metrics.pushDelivered++
	} else {
		c.metrics.pollDelivered++
	}
	return true
}

func (c *Coordinator) startPolling() {
	c.mu.Lock()
	if c.closed || c.pollStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop
	c.mu.Unlock()

	c.logger.Info("Push path unavailable, starting notification polling", "interval", c.pollInterval)

	go func() {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.pollOnce(context.Background())
			}
		}
	}()
}

func (c *Coordinator) stopPolling() {
	c.mu.Lock()
	stop := c.pollStop
	c.pollStop = nil
	c.mu.Unlock()

	if stop != nil {
		c.logger.Info("Push path recovered, stopping notification polling")
		close(stop)
	}
}

// pollOnce runs one fallback cycle. Failures are logged and swallowed:
// notification delivery is best-effort and must never block the rest of the
// application.
func (c *Coordinator) pollOnce(ctx context.Context) {
	c.mu.Lock()
	c.metrics.pollCycles++
	c.mu.Unlock()

	items, err := c.store.ListRecent(ctx, c.userID, RecentLimit)
	if err != nil {
		c.mu.Lock()
		c.metrics.pollFailures++
		c.mu.Unlock()
		c.logger.Warn("Notification poll failed", "error", err)
		return
	}

	changed := false
	for _, n := range items {
		if c.merge(n, false) {
			changed = true
		}
	}
	if changed {
		c.publishUpdated()
	}
}

func (c *Coordinator) publishUpdated() {
	msg := pubsub.Message{
		Topic:   TopicNotificationsUpdated,
		UserID:  c.userID,
		Payload: []byte(`{}`),
	}
	if err := c.publisher.Publish(context.Background(), msg); err != nil {
		c.logger.Error("Failed to publish notifications update", "error", err, "topic", TopicNotificationsUpdated)
	}
}
