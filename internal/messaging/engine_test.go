package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/amically/amity/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore implements Store for testing.
type fakeStore struct {
	mu       sync.Mutex
	inserted []domain.Message
	failing  bool

	deletedFor map[string]bool // messageID -> isSender
	retracted  []string
	read       []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{deletedFor: make(map[string]bool)}
}

func (f *fakeStore) Insert(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("store unavailable")
	}
	f.inserted = append(f.inserted, msg)
	confirmed := msg
	confirmed.ID = "m" + string(rune('0'+len(f.inserted)))
	return &confirmed, nil
}

func (f *fakeStore) SetDeletedForViewer(ctx context.Context, messageID string, isSender bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedFor[messageID] = isSender
	return nil
}

func (f *fakeStore) Retract(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracted = append(f.retracted, messageID)
	return nil
}

func (f *fakeStore) MarkRead(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, messageID)
	return nil
}

// allowAll is a policy checker that permits everything.
type allowAll struct{}

func (allowAll) Check(ctx context.Context, userID, feature string) error { return nil }

// denyAll blocks everything with a restriction reason.
type denyAll struct{ reason string }

func (d denyAll) Check(ctx context.Context, userID, feature string) error {
	return &domain.RestrictedError{UserID: userID, Feature: feature, Reason: d.reason}
}

// mockPublisher implements pubsub.Publisher for testing.
type mockPublisher struct {
	mu       sync.Mutex
	messages []pubsub.Message
}

func (m *mockPublisher) Publish(ctx context.Context, msg pubsub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	engine := NewEngine("alice", allowAll{}, store, &mockPublisher{})
	return engine, store
}

func textInput(content string) SendInput {
	return SendInput{
		ConversationID: "conv1",
		ReceiverID:     "bob",
		Type:           domain.MessageText,
		Content:        content,
	}
}

// echoOf builds the authoritative change-feed event for a previously sent
// message, the way the store would deliver it.
func echoOf(store *fakeStore, id string, delay time.Duration) domain.Message {
	store.mu.Lock()
	defer store.mu.Unlock()
	msg := store.inserted[len(store.inserted)-1]
	msg.ID = id
	msg.CreatedAt = msg.CreatedAt.Add(delay)
	return msg
}

func TestEngine_SendAppendsTentative(t *testing.T) {
	engine, _ := newTestEngine(t)

	tempID, err := engine.Send(context.Background(), textInput("hi"))
	require.NoError(t, err)
	assert.Contains(t, tempID, domain.TempIDPrefix)

	msgs := engine.Messages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, tempID, msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.True(t, msgs[0].Tentative())
}

// Sending a message and receiving its own authoritative echo results in
// exactly one visible message, not two.
func TestEngine_EchoReconcilesToOneEntry(t *testing.T) {
	engine, store := newTestEngine(t)

	tempID, err := engine.Send(context.Background(), textInput("hi"))
	require.NoError(t, err)

	engine.ApplyEvent(echoOf(store, "m1", 3*time.Second))

	msgs := engine.Messages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.NotEqual(t, tempID, msgs[0].ID)
	assert.False(t, msgs[0].Tentative())
}

// The heuristic path still reconciles events from rows without a client key.
func TestEngine_EchoWithoutClientKeyReconciles(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Send(context.Background(), textInput("hi"))
	require.NoError(t, err)

	echo := echoOf(store, "m1", 3*time.Second)
	echo.ClientKey = ""
	engine.ApplyEvent(echo)

	msgs := engine.Messages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestEngine_DuplicateDeliveryIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Send(context.Background(), textInput("hi"))
	require.NoError(t, err)

	echo := echoOf(store, "m1", time.Second)
	engine.ApplyEvent(echo)
	engine.ApplyEvent(echo)
	engine.ApplyEvent(echo)

	assert.Len(t, engine.Messages("conv1"), 1)
}

func TestEngine_ReceiverFirstSightAppends(t *testing.T) {
	engine, _ := newTestEngine(t)

	incoming := domain.Message{
		ID:             "m1",
		ConversationID: "conv1",
		SenderID:       "bob",
		ReceiverID:     "alice",
		Content:        "hello alice",
		Type:           domain.MessageText,
		CreatedAt:      time.Now().UTC(),
	}
	engine.ApplyEvent(incoming)

	msgs := engine.Messages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestEngine_EventsOrderedBySendTime(t *testing.T) {
	engine, _ := newTestEngine(t)
	base := time.Now().UTC()

	// Delivered out of order.
	engine.ApplyEvent(domain.Message{
		ID: "m2", ConversationID: "conv1", SenderID: "bob", ReceiverID: "alice",
		Content: "second", Type: domain.MessageText, CreatedAt: base.Add(2 * time.Second),
	})
	engine.ApplyEvent(domain.Message{
		ID: "m1", ConversationID: "conv1", SenderID: "bob", ReceiverID: "alice",
		Content: "first", Type: domain.MessageText, CreatedAt: base,
	})

	msgs := engine.Messages("conv1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestEngine_SendFailureRollsBack(t *testing.T) {
	engine, store := newTestEngine(t)
	store.failing = true

	_, err := engine.Send(context.Background(), textInput("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSendFailed)

	assert.Empty(t, engine.Messages("conv1"))
	assert.Empty(t, engine.Summaries())
}

func TestEngine_RestrictedSendFailsClosed(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine("alice", denyAll{reason: "account suspended"}, store, &mockPublisher{})

	_, err := engine.Send(context.Background(), textInput("hi"))
	require.Error(t, err)
	assert.True(t, domain.IsRestricted(err))

	// Nothing was written, nothing is shown.
	assert.Empty(t, engine.Messages("conv1"))
	store.mu.Lock()
	assert.Empty(t, store.inserted)
	store.mu.Unlock()
}

func TestEngine_SendValidation(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Send(context.Background(), SendInput{ReceiverID: "bob", Type: domain.MessageText, Content: "hi"})
	assert.Error(t, err, "missing conversation id")

	_, err = engine.Send(context.Background(), SendInput{ConversationID: "conv1", ReceiverID: "bob", Type: "bogus", Content: "hi"})
	assert.Error(t, err, "unknown message type")

	_, err = engine.Send(context.Background(), textInput(""))
	assert.Error(t, err, "empty text message")
}

func seedConversation(t *testing.T, engine *Engine, contents ...string) {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range contents {
		engine.ApplyEvent(domain.Message{
			ID:             "m" + string(rune('1'+i)),
			ConversationID: "conv1",
			SenderID:       "bob",
			ReceiverID:     "alice",
			Content:        content,
			Type:           domain.MessageText,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}
}

// Deleting the most recent message for-me moves the summary to the next
// non-deleted message.
func TestEngine_DeleteForMeRecomputesSummary(t *testing.T) {
	engine, _ := newTestEngine(t)
	seedConversation(t, engine, "first", "second", "third")

	summaries := engine.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "third", summaries[0].LastMessage)

	require.NoError(t, engine.DeleteForMe(context.Background(), "conv1", "m3"))

	summaries = engine.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "second", summaries[0].LastMessage)
}

func TestEngine_DeleteForMeAllDeletedEmptiesSummary(t *testing.T) {
	engine, _ := newTestEngine(t)
	seedConversation(t, engine, "only one")

	require.NoError(t, engine.DeleteForMe(context.Background(), "conv1", "m1"))

	summaries := engine.Summaries()
	require.Len(t, summaries, 1)
	assert.Empty(t, summaries[0].LastMessage)
	assert.Empty(t, engine.Messages("conv1"))
}

func TestEngine_DeleteForMeHidesEntirely(t *testing.T) {
	engine, _ := newTestEngine(t)
	seedConversation(t, engine, "first", "second")

	require.NoError(t, engine.DeleteForMe(context.Background(), "conv1", "m1"))

	msgs := engine.Messages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
	// Deleted-for-me is not a tombstone; the entry vanishes for the viewer.
	for _, m := range msgs {
		assert.NotEqual(t, domain.Tombstone, m.Content)
	}
}

func TestEngine_DeleteForMeUnknownMessage(t *testing.T) {
	engine, _ := newTestEngine(t)

	err := engine.DeleteForMe(context.Background(), "conv1", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// The deleting sender sees nothing; the other participant sees a tombstone.
func TestEngine_DeleteForEveryone(t *testing.T) {
	sender, senderStore := newTestEngine(t)

	_, err := sender.Send(context.Background(), textInput("regret this"))
	require.NoError(t, err)
	sender.ApplyEvent(echoOf(senderStore, "m1", time.Second))

	require.NoError(t, sender.DeleteForEveryone(context.Background(), "conv1", "m1"))
	assert.Empty(t, sender.Messages("conv1"), "deleter must not see a tombstone")

	// The receiver's engine learns of the retraction via the change feed.
	receiverStore := newFakeStore()
	receiver := NewEngine("bob", allowAll{}, receiverStore, &mockPublisher{})
	receiver.ApplyEvent(domain.Message{
		ID:                 "m1",
		ConversationID:     "conv1",
		SenderID:           "alice",
		ReceiverID:         "bob",
		Content:            domain.Tombstone,
		Type:               domain.MessageText,
		DeletedForSender:   true,
		DeletedForReceiver: true,
		CreatedAt:          time.Now().UTC(),
	})

	msgs := receiver.Messages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.Tombstone, msgs[0].Content)
}

// A duplicate of the original create, delivered after the retraction update,
// must not resurrect the deleted content.
func TestEngine_StaleDuplicateDoesNotUndoRetraction(t *testing.T) {
	receiverStore := newFakeStore()
	receiver := NewEngine("bob", allowAll{}, receiverStore, &mockPublisher{})

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	receiver.ApplyEvent(domain.Message{
		ID:                 "m1",
		ConversationID:     "conv1",
		SenderID:           "alice",
		ReceiverID:         "bob",
		Content:            domain.Tombstone,
		Type:               domain.MessageText,
		DeletedForSender:   true,
		DeletedForReceiver: true,
		CreatedAt:          created,
	})

	// The pre-retraction copy arrives out of order.
	receiver.ApplyEvent(domain.Message{
		ID:             "m1",
		ConversationID: "conv1",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "regret this",
		Type:           domain.MessageText,
		CreatedAt:      created,
	})

	msgs := receiver.Messages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.Tombstone, msgs[0].Content)
}

func TestEngine_DeleteForEveryoneSenderOnly(t *testing.T) {
	engine, _ := newTestEngine(t)
	seedConversation(t, engine, "from bob") // alice is the receiver here

	err := engine.DeleteForEveryone(context.Background(), "conv1", "m1")
	assert.ErrorIs(t, err, domain.ErrNotSender)
}

func TestEngine_SummariesSortedByActivity(t *testing.T) {
	engine, _ := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	engine.ApplyEvent(domain.Message{
		ID: "a1", ConversationID: "convA", SenderID: "bob", ReceiverID: "alice",
		Content: "older", Type: domain.MessageText, CreatedAt: base,
	})
	engine.ApplyEvent(domain.Message{
		ID: "b1", ConversationID: "convB", SenderID: "carol", ReceiverID: "alice",
		Content: "newer", Type: domain.MessageText, CreatedAt: base.Add(time.Hour),
	})

	summaries := engine.Summaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, "convB", summaries[0].ID)
	assert.Equal(t, "convA", summaries[1].ID)
}

func TestEngine_TouchFromEventResortsSummaries(t *testing.T) {
	engine, _ := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	engine.ApplyEvent(domain.Message{
		ID: "a1", ConversationID: "convA", SenderID: "bob", ReceiverID: "alice",
		Content: "hello", Type: domain.MessageText, CreatedAt: base,
	})
	engine.TouchFromEvent("convB", "carol", "ping", base.Add(time.Hour))

	summaries := engine.Summaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, "convB", summaries[0].ID)
	assert.Equal(t, "ping", summaries[0].LastMessage)
}

type fixedPresence struct{ status domain.StatusType }

func (f fixedPresence) GetStatus(userID string) domain.StatusType { return f.status }

func TestEngine_SummariesAnnotatedWithPeerPresence(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine("alice", allowAll{}, store, &mockPublisher{},
		WithPresenceReader(fixedPresence{status: domain.StatusAway}))
	seedConversation(t, engine, "hi")

	summaries := engine.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, domain.StatusAway, summaries[0].PeerStatus)
}

func TestEngine_UnreadCount(t *testing.T) {
	engine, _ := newTestEngine(t)
	seedConversation(t, engine, "one", "two")

	summaries := engine.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].UnreadCount)

	require.NoError(t, engine.MarkRead(context.Background(), "conv1", "m1"))

	summaries = engine.Summaries()
	assert.Equal(t, 1, summaries[0].UnreadCount)
}

func TestEngine_MediaSummaryText(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Send(context.Background(), SendInput{
		ConversationID: "conv1",
		ReceiverID:     "bob",
		Type:           domain.MessageImage,
		MediaRef:       "uploads/pic.jpg",
	})
	require.NoError(t, err)
	engine.ApplyEvent(echoOf(store, "m1", time.Second))

	summaries := engine.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "📷 Photo", summaries[0].LastMessage)
}
