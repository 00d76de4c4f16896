package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/amically/amity/internal/pubsub"
)

// TopicPresenceUpdated carries reconciled presence changes to the UI layer.
const TopicPresenceUpdated = "sync.presence.updated"

const (
	// DefaultHeartbeatInterval is how often the foreground heartbeat
	// refreshes the owner's last_active_at.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultRefreshInterval is how long a cached non-owned record stays
	// fresh before a read schedules a background refetch.
	DefaultRefreshInterval = 30 * time.Second
)

// Store is the slice of the durable store the tracker needs.
type Store interface {
	Upsert(ctx context.Context, p domain.UserPresence) error
	Get(ctx context.Context, userID string) (*domain.UserPresence, error)
}

// Tracker maintains the owning user's presence state machine and a read-only
// cache of other users' statuses. The owner's record is written only from
// here; other users' records are never written, only projected through the
// decay rules at read time.
type Tracker struct {
	userID    string
	store     Store
	publisher pubsub.Publisher
	logger    *slog.Logger
	clock     func() time.Time

	heartbeatInterval time.Duration
	refreshInterval   time.Duration

	mu  sync.RWMutex
	own domain.UserPresence
	// dirty marks a failed write of the owner's record; it is retried at the
	// next heartbeat tick and never escalated to the user.
	dirty bool
	// foreground gates the heartbeat refresh. While the app is backgrounded
	// the away status and the recorded moment of leaving must stay put.
	foreground bool
	others     map[string]cachedPresence
	fetching   map[string]bool

	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once

	metrics trackerMetrics
}

type trackerMetrics struct {
	writes        int64
	writeFailures int64
	refreshes     int64
	eventsApplied int64
}

type cachedPresence struct {
	raw       domain.UserPresence
	fetchedAt time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHeartbeatInterval overrides the heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Tracker) { t.heartbeatInterval = d }
}

// WithRefreshInterval overrides the cache freshness window for non-owned users.
func WithRefreshInterval(d time.Duration) Option {
	return func(t *Tracker) { t.refreshInterval = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker creates a presence tracker for the signed-in user.
func NewTracker(userID string, store Store, publisher pubsub.Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		userID:    userID,
		store:     store,
		publisher: publisher,
		logger:    slog.Default().With("service", "presence", "user_id", userID),
		clock:     func() time.Time { return time.Now().UTC() },

		heartbeatInterval: DefaultHeartbeatInterval,
		refreshInterval:   DefaultRefreshInterval,

		own: domain.UserPresence{
			UserID:     userID,
			StatusType: domain.StatusOffline,
		},
		others:   make(map[string]cachedPresence),
		fetching: make(map[string]bool),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start forces the owner online (app foreground) and begins the heartbeat.
func (t *Tracker) Start(ctx context.Context) {
	t.Foreground(ctx)

	t.ticker = time.NewTicker(t.heartbeatInterval)
	go t.runHeartbeat(ctx)

	t.logger.Info("Presence tracker started", "heartbeat_interval", t.heartbeatInterval)
}

// Shutdown stops the heartbeat and forces the owner offline (session end).
func (t *Tracker) Shutdown(ctx context.Context) {
	t.once.Do(func() {
		close(t.stop)
		if t.ticker != nil {
			t.ticker.Stop()
		}
	})

	t.mu.Lock()
	t.foreground = false
	t.mu.Unlock()

	t.transition(ctx, domain.StatusOffline, "")
	t.logger.Info("Presence tracker stopped")
}

// Foreground handles the app moving to the foreground: force online and
// resume the heartbeat refresh.
func (t *Tracker) Foreground(ctx context.Context) {
	t.mu.Lock()
	t.foreground = true
	t.mu.Unlock()

	t.transition(ctx, domain.StatusOnline, t.customText())
}

// Background handles the app moving to the background: record away and the
// actual moment of leaving. Heartbeat ticks stop refreshing until the next
// Foreground.
func (t *Tracker) Background(ctx context.Context) {
	t.mu.Lock()
	t.foreground = false
	t.mu.Unlock()

	t.transition(ctx, domain.StatusAway, t.customText())
}

// SetStatus sets the owner's status. It succeeds idempotently from the
// caller's perspective; a failed write is retried at the next heartbeat tick
// and never escalated.
func (t *Tracker) SetStatus(ctx context.Context, status domain.StatusType, customText string) {
	if !status.Valid() {
		t.logger.Warn("Ignoring invalid status", "status", status)
		return
	}
	t.transition(ctx, status, customText)
}

// Own returns the owner's current raw record.
func (t *Tracker) Own() domain.UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.own
}

// GetStatus returns the decayed projection of a user's presence. It never
// blocks: a missing or stale cache entry schedules a background refetch and
// the last known record (or offline) is reported in the meantime.
func (t *Tracker) GetStatus(userID string) domain.StatusType {
	now := t.clock()

	if userID == t.userID {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.own.StatusType
	}

	t.mu.RLock()
	entry, ok := t.others[userID]
	t.mu.RUnlock()

	if !ok || now.Sub(entry.fetchedAt) > t.refreshInterval {
		t.scheduleRefresh(userID)
	}
	if !ok {
		return domain.StatusOffline
	}

	return Project(entry.raw.StatusType, entry.raw.LastActiveAt, now)
}

// GetPresence returns the decayed projection together with the raw record,
// for callers that also need custom text or last-seen visibility.
func (t *Tracker) GetPresence(userID string) (domain.UserPresence, bool) {
	t.mu.RLock()
	entry, ok := t.others[userID]
	t.mu.RUnlock()

	if !ok {
		t.scheduleRefresh(userID)
		return domain.UserPresence{}, false
	}

	p := entry.raw
	p.StatusType = Project(entry.raw.StatusType, entry.raw.LastActiveAt, t.clock())
	return p, true
}

// ApplyEvent updates the cache from an authoritative change-feed event for a
// presence row. The owner's own echoes are ignored; this client is the writer
// of that record.
func (t *Tracker) ApplyEvent(p domain.UserPresence) {
	if p.UserID == t.userID {
		return
	}

	t.mu.Lock()
	t.others[p.UserID] = cachedPresence{raw: p, fetchedAt: t.clock()}
	t.metrics.eventsApplied++
	t.mu.Unlock()

	t.publishUpdate(p.UserID)
}

// GetMetrics returns write/refresh counters for diagnostics.
func (t *Tracker) GetMetrics() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]int64{
		"writes":         t.metrics.writes,
		"write_failures": t.metrics.writeFailures,
		"refreshes":      t.metrics.refreshes,
		"events_applied": t.metrics.eventsApplied,
	}
}

// Invalidate marks a cached record stale so the next read refetches it.
func (t *Tracker) Invalidate(userID string) {
	t.mu.Lock()
	if entry, ok := t.others[userID]; ok {
		entry.fetchedAt = time.Time{}
		t.others[userID] = entry
	}
	t.mu.Unlock()
}

// transition applies a state machine transition to the owner's record and
// writes it through. last_active_at is monotonically non-decreasing.
func (t *Tracker) transition(ctx context.Context, status domain.StatusType, customText string) {
	now := t.clock()

	t.mu.Lock()
	t.own.StatusType = status
	t.own.CustomText = customText
	if now.After(t.own.LastActiveAt) {
		t.own.LastActiveAt = now
	}
	t.own.UpdatedAt = now
	record := t.own
	t.mu.Unlock()

	t.write(ctx, record)
}

// runHeartbeat refreshes last_active_at on a fixed interval while the app is
// foregrounded. A manual busy status is sticky and is not overwritten.
func (t *Tracker) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-t.ticker.C:
			t.heartbeatTick(ctx)
		case <-t.stop:
			return
		}
	}
}

func (t *Tracker) heartbeatTick(ctx context.Context) {
	now := t.clock()

	t.mu.Lock()
	if !t.foreground {
		// Backgrounded: the away status and the moment of leaving stay as
		// recorded. The only work left for a tick is retrying a failed write.
		dirty := t.dirty
		record := t.own
		t.mu.Unlock()

		if dirty {
			t.logger.Debug("Retrying failed presence write at heartbeat tick")
			t.write(ctx, record)
		}
		return
	}

	if t.dirty {
		t.logger.Debug("Retrying failed presence write at heartbeat tick")
	}
	if !t.own.StatusType.Manual() {
		t.own.StatusType = domain.StatusOnline
	}
	if now.After(t.own.LastActiveAt) {
		t.own.LastActiveAt = now
	}
	t.own.UpdatedAt = now
	record := t.own
	t.mu.Unlock()

	t.write(ctx, record)
}

func (t *Tracker) write(ctx context.Context, record domain.UserPresence) {
	if err := t.store.Upsert(ctx, record); err != nil {
		t.mu.Lock()
		t.dirty = true
		t.metrics.writeFailures++
		t.mu.Unlock()
		t.logger.Warn("Presence write failed, will retry at next heartbeat", "error", err)
		return
	}

	t.mu.Lock()
	t.dirty = false
	t.metrics.writes++
	t.mu.Unlock()

	t.publishUpdate(record.UserID)
}

// scheduleRefresh fetches a non-owned user's record in the background,
// deduplicating concurrent requests for the same user.
func (t *Tracker) scheduleRefresh(userID string) {
	t.mu.Lock()
	if t.fetching[userID] {
		t.mu.Unlock()
		return
	}
	t.fetching[userID] = true
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.fetching, userID)
			t.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		raw, err := t.store.Get(ctx, userID)
		if err != nil {
			t.logger.Debug("Presence refresh failed", "target", userID, "error", err)
			return
		}
		if raw == nil {
			return
		}

		t.mu.Lock()
		t.others[userID] = cachedPresence{raw: *raw, fetchedAt: t.clock()}
		t.metrics.refreshes++
		t.mu.Unlock()

		t.publishUpdate(userID)
	}()
}

func (t *Tracker) customText() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.own.CustomText
}

func (t *Tracker) publishUpdate(userID string) {
	status := t.GetStatus(userID)

	payload, err := json.Marshal(struct {
		UserID string            `json:"user_id"`
		Status domain.StatusType `json:"status"`
	}{
		UserID: userID,
		Status: status,
	})
	if err != nil {
		t.logger.Error("Failed to marshal presence update", "error", err)
		return
	}

	msg := pubsub.Message{
		Topic:   TopicPresenceUpdated,
		UserID:  userID,
		Payload: payload,
	}
	if err := t.publisher.Publish(context.Background(), msg); err != nil {
		t.logger.Error("Failed to publish presence update", "error", err, "topic", TopicPresenceUpdated)
	}
}
