package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/amically/amity/internal/session"
	"github.com/amically/amity/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// fakeFeed implements store.Feed and records subscriptions.
type fakeFeed struct {
	mu           sync.Mutex
	failTables   map[string]bool
	subs         map[string]subRecord
	unsubscribed []string
	nextID       int
}

type subRecord struct {
	table   string
	filter  *store.FeedFilter
	handler store.FeedHandler
	onState store.StateHandler
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		failTables: make(map[string]bool),
		subs:       make(map[string]subRecord),
	}
}

func (f *fakeFeed) Subscribe(ctx context.Context, table string, filter *store.FeedFilter, handler store.FeedHandler, onState store.StateHandler) (*store.FeedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTables[table] {
		return nil, errors.New("subscription failed")
	}
	f.nextID++
	id := table + "-sub"
	f.subs[id] = subRecord{table: table, filter: filter, handler: handler, onState: onState}
	return &store.FeedSubscription{ID: id, Table: table}, nil
}

func (f *fakeFeed) Unsubscribe(subID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, subID)
	f.unsubscribed = append(f.unsubscribed, subID)
	return nil
}

func (f *fakeFeed) emit(t *testing.T, table string, action store.FeedAction, data any) {
	t.Helper()
	f.mu.Lock()
	rec, ok := f.subs[table+"-sub"]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for table %s", table)
	rec.handler(context.Background(), action, data)
}

// fakeTracker implements PresenceComponent.
type fakeTracker struct {
	mu          sync.Mutex
	started     int
	stopped     int
	foregrounds int
	backgrounds int
	events      []domain.UserPresence
	invalidated []string
}

func (f *fakeTracker) Start(ctx context.Context)    { f.mu.Lock(); f.started++; f.mu.Unlock() }
func (f *fakeTracker) Shutdown(ctx context.Context) { f.mu.Lock(); f.stopped++; f.mu.Unlock() }
func (f *fakeTracker) Foreground(ctx context.Context) {
	f.mu.Lock()
	f.foregrounds++
	f.mu.Unlock()
}
func (f *fakeTracker) Background(ctx context.Context) {
	f.mu.Lock()
	f.backgrounds++
	f.mu.Unlock()
}
func (f *fakeTracker) ApplyEvent(p domain.UserPresence) {
	f.mu.Lock()
	f.events = append(f.events, p)
	f.mu.Unlock()
}
func (f *fakeTracker) Invalidate(userID string) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, userID)
	f.mu.Unlock()
}

// fakeEngine implements MessagingComponent.
type fakeEngine struct {
	mu      sync.Mutex
	events  []domain.Message
	touches []string
}

func (f *fakeEngine) ApplyEvent(msg domain.Message) {
	f.mu.Lock()
	f.events = append(f.events, msg)
	f.mu.Unlock()
}

func (f *fakeEngine) TouchFromEvent(conversationID, otherParticipant, lastMessage string, at time.Time) {
	f.mu.Lock()
	f.touches = append(f.touches, conversationID+":"+otherParticipant)
	f.mu.Unlock()
}

// fakeCoordinator implements NotifyComponent.
type fakeCoordinator struct {
	mu       sync.Mutex
	events   []domain.Notification
	states   []store.FeedState
	shutdown int
}

func (f *fakeCoordinator) ApplyEvent(n domain.Notification) {
	f.mu.Lock()
	f.events = append(f.events, n)
	f.mu.Unlock()
}

func (f *fakeCoordinator) OnFeedState(state store.FeedState) {
	f.mu.Lock()
	f.states = append(f.states, state)
	f.mu.Unlock()
}

func (f *fakeCoordinator) Shutdown() { f.mu.Lock(); f.shutdown++; f.mu.Unlock() }

type harness struct {
	sup         *Supervisor
	feed        *fakeFeed
	tracker     *fakeTracker
	engine      *fakeEngine
	coordinator *fakeCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		feed:        newFakeFeed(),
		tracker:     &fakeTracker{},
		engine:      &fakeEngine{},
		coordinator: &fakeCoordinator{},
	}
	sess := session.New("alice", nil)
	h.sup = New(sess, h.feed, h.tracker, h.engine, h.coordinator)
	return h
}

func TestSupervisor_StartOpensAllSubscriptions(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sup.Start(context.Background()))

	assert.Equal(t, 1, h.tracker.started)
	for _, table := range []string{"user_presence", "message", "conversation", "notification"} {
		_, ok := h.feed.subs[table+"-sub"]
		assert.True(t, ok, "missing subscription for %s", table)
	}

	// Row filters scope the feeds to the signed-in user.
	msgSub := h.feed.subs["message-sub"]
	require.NotNil(t, msgSub.filter)
	assert.Equal(t, "alice", msgSub.filter.Params["user_id"])

	// Only the notification feed reports state transitions; its consumer is
	// the one with a fallback path keyed off them.
	assert.NotNil(t, h.feed.subs["notification-sub"].onState)
	assert.Nil(t, h.feed.subs["message-sub"].onState)
}

func TestSupervisor_PartialSubscriptionFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.feed.failTables["user_presence"] = true

	require.NoError(t, h.sup.Start(context.Background()))
	assert.Len(t, h.feed.subs, 3)
}

func TestSupervisor_AllSubscriptionsFailing(t *testing.T) {
	h := newHarness(t)
	for _, table := range []string{"user_presence", "message", "conversation", "notification"} {
		h.feed.failTables[table] = true
	}

	assert.Error(t, h.sup.Start(context.Background()))
}

func TestSupervisor_RoutesPresenceEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background()))

	h.feed.emit(t, "user_presence", store.ActionUpdate, map[string]any{
		"user_id":        "bob",
		"status_type":    "online",
		"last_active_at": time.Now().UTC().Format(time.RFC3339),
	})
	require.Len(t, h.tracker.events, 1)
	assert.Equal(t, "bob", h.tracker.events[0].UserID)
	assert.Equal(t, domain.StatusOnline, h.tracker.events[0].StatusType)

	h.feed.emit(t, "user_presence", store.ActionDelete, map[string]any{"user_id": "bob"})
	assert.Equal(t, []string{"bob"}, h.tracker.invalidated)
}

func TestSupervisor_RoutesMessageEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background()))

	// The feed delivers rows with driver-typed record ids; the decoder
	// normalizes them to "table:id" strings.
	h.feed.emit(t, "message", store.ActionCreate, map[string]any{
		"id":              models.NewRecordID("message", "m1"),
		"conversation_id": "conv1",
		"sender_id":       "bob",
		"receiver_id":     "alice",
		"content":         "hello",
		"type":            "text",
	})

	require.Len(t, h.engine.events, 1)
	assert.Equal(t, "message:m1", h.engine.events[0].ID)
	assert.Equal(t, domain.MessageText, h.engine.events[0].Type)
}

func TestSupervisor_DropsMalformedEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background()))

	h.feed.emit(t, "message", store.ActionCreate, "not a row")
	h.feed.emit(t, "message", store.ActionCreate, map[string]any{"content": "no ids"})

	assert.Empty(t, h.engine.events)
}

func TestSupervisor_RoutesConversationTouches(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background()))

	h.feed.emit(t, "conversation", store.ActionUpdate, map[string]any{
		"id":              models.NewRecordID("conversation", "conv1"),
		"participant_ids": []string{"alice", "bob"},
		"last_message":    "ping",
		"last_message_at": time.Now().UTC().Format(time.RFC3339),
	})

	assert.Equal(t, []string{"conversation:conv1:bob"}, h.engine.touches)
}

func TestSupervisor_RoutesNotificationCreates(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background()))

	h.feed.emit(t, "notification", store.ActionCreate, map[string]any{
		"id":      models.NewRecordID("notification", "n1"),
		"user_id": "alice",
		"type":    "message_received",
	})
	// Updates (read flags written back) are not new deliveries.
	h.feed.emit(t, "notification", store.ActionUpdate, map[string]any{
		"id":      models.NewRecordID("notification", "n1"),
		"user_id": "alice",
		"type":    "message_received",
	})

	require.Len(t, h.coordinator.events, 1)
	assert.Equal(t, "notification:n1", h.coordinator.events[0].ID)
}

func TestSupervisor_ForwardsFeedState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background()))

	rec := h.feed.subs["notification-sub"]
	rec.onState(store.FeedClosed)
	rec.onState(store.FeedSubscribed)

	assert.Equal(t, []store.FeedState{store.FeedClosed, store.FeedSubscribed}, h.coordinator.states)
}

func TestSupervisor_ShutdownTearsDownEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background()))

	h.sup.Shutdown(context.Background())

	assert.Empty(t, h.feed.subs, "every subscription released")
	assert.Equal(t, 1, h.coordinator.shutdown)
	assert.Equal(t, 1, h.tracker.stopped)

	// Idempotent.
	h.sup.Shutdown(context.Background())
	assert.Equal(t, 2, h.coordinator.shutdown)
	assert.Len(t, h.feed.unsubscribed, 4)
}

func TestSupervisor_ForwardsLifecycleTransitions(t *testing.T) {
	h := newHarness(t)

	h.sup.OnForeground(context.Background())
	h.sup.OnBackground(context.Background())

	assert.Equal(t, 1, h.tracker.foregrounds)
	assert.Equal(t, 1, h.tracker.backgrounds)
}
