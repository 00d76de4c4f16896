package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/amically/amity/internal/domain"
	"github.com/amically/amity/internal/policy"
	"github.com/amically/amity/internal/pubsub"
)

// Topics on which the engine publishes reconciled state for the UI layer.
const (
	TopicMessagesUpdated      = "sync.messages.updated"
	TopicConversationsUpdated = "sync.conversations.updated"
)

// SummaryScanLimit bounds the backward scan when recomputing a conversation
// summary after a deletion. If every message within the bound is deleted for
// the viewer, the summary becomes empty.
const SummaryScanLimit = 50

// Store is the slice of the durable store the engine needs.
type Store interface {
	Insert(ctx context.Context, msg domain.Message) (*domain.Message, error)
	SetDeletedForViewer(ctx context.Context, messageID string, isSender bool) error
	Retract(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID string) error
}

// PresenceReader is the read-only presence lookup used to annotate
// conversation headers. The engine never mutates presence state.
type PresenceReader interface {
	GetStatus(userID string) domain.StatusType
}

// SendInput is the caller-supplied payload for a send.
type SendInput struct {
	ConversationID string             `validate:"required"`
	ReceiverID     string             `validate:"required"`
	Type           domain.MessageType `validate:"required,oneof=text image document sticker"`
	Content        string             `validate:"max=4096"`
	MediaRef       string             `validate:"omitempty,max=512"`
	DocumentRef    string             `validate:"omitempty,max=512"`
	StickerRef     string             `validate:"omitempty,max=512"`
}

// Engine reconciles optimistic local sends with authoritative change-feed
// events into one consistent per-conversation view, and maintains the
// derived conversation summaries.
type Engine struct {
	userID    string
	checker   policy.Checker
	store     Store
	publisher pubsub.Publisher
	presence  PresenceReader
	matcher   Matcher
	validate  *validator.Validate
	logger    *slog.Logger
	clock     func() time.Time

	mu            sync.RWMutex
	conversations map[string][]domain.Message
	summaries     map[string]*domain.ConversationSummary

	metrics engineMetrics
}

type engineMetrics struct {
	sent         int64
	sendFailures int64
	reconciled   int64
	deduplicated int64
	appended     int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithMatcher replaces the reconciliation matcher.
func WithMatcher(m Matcher) Option {
	return func(e *Engine) { e.matcher = m }
}

// WithPresenceReader wires the read-only presence lookup for header
// annotations.
func WithPresenceReader(r PresenceReader) Option {
	return func(e *Engine) { e.presence = r }
}

// WithClock overrides the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a message sync engine for the signed-in user.
func NewEngine(userID string, checker policy.Checker, store Store, publisher pubsub.Publisher, opts ...Option) *Engine {
	e := &Engine{
		userID:    userID,
		checker:   checker,
		store:     store,
		publisher: publisher,
		matcher:   DefaultMatcher(DefaultMatchWindow),
		validate:  validator.New(),
		logger:    slog.Default().With("service", "messaging", "user_id", userID),
		clock:     func() time.Time { return time.Now().UTC() },

		conversations: make(map[string][]domain.Message),
		summaries:     make(map[string]*domain.ConversationSummary),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Send validates and sends a message. The tentative entry is appended to the
// local view before the authoritative write is issued; on write success it
// stays in place until the change-feed event reconciles it, because the
// authoritative event is the single path that also reaches the other
// participant. On write failure the tentative entry is rolled back and the
// failure reported. Returns the temporary id of the tentative entry.
func (e *Engine) Send(ctx context.Context, input SendInput) (string, error) {
	if err := e.validate.Struct(input); err != nil {
		return "", fmt.Errorf("invalid send input: %w", err)
	}
	if input.Type == domain.MessageText && input.Content == "" {
		return "", fmt.Errorf("%w: empty text message", domain.ErrSendFailed)
	}

	// Fails closed: a blocked or unreachable policy check stops the send.
	if err := e.checker.Check(ctx, e.userID, policy.FeatureMessaging); err != nil {
		e.logger.Info("Send blocked by policy", "conversation_id", input.ConversationID, "error", err)
		return "", err
	}

	now := e.clock()
	tentative := domain.Message{
		ID:             domain.TempIDPrefix + uuid.New().String(),
		ConversationID: input.ConversationID,
		SenderID:       e.userID,
		ReceiverID:     input.ReceiverID,
		Content:        input.Content,
		MediaRef:       input.MediaRef,
		DocumentRef:    input.DocumentRef,
		StickerRef:     input.StickerRef,
		Type:           input.Type,
		ClientKey:      uuid.New().String(),
		CreatedAt:      now,
	}

	e.mu.Lock()
	e.conversations[input.ConversationID] = append(e.conversations[input.ConversationID], tentative)
	e.touchSummaryLocked(input.ConversationID, input.ReceiverID, summaryText(tentative), now)
	e.mu.Unlock()
	e.publishMessagesUpdated(input.ConversationID)

	if _, err := e.store.Insert(ctx, tentative); err != nil {
		e.mu.Lock()
		e.removeLocked(input.ConversationID, tentative.ID)
		e.recomputeSummaryLocked(input.ConversationID)
		e.metrics.sendFailures++
		e.mu.Unlock()
		e.publishMessagesUpdated(input.ConversationID)

		e.logger.Warn("Authoritative write failed, tentative entry rolled back",
			"conversation_id", input.ConversationID, "temp_id", tentative.ID, "error", err)
		return "", fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}

	e.mu.Lock()
	e.metrics.sent++
	e.mu.Unlock()

	return tentative.ID, nil
}

// ApplyEvent reconciles an authoritative message event (own echo or the
// other participant's message) into the local view:
//
//  1. An entry with the same authoritative id is replaced in place, so
//     duplicate delivery is idempotent. A retracted entry is never replaced
//     by a copy without the tombstone; a stale pre-retraction duplicate must
//     not resurrect deleted content.
//  2. Otherwise a matching tentative entry is replaced in place, preserving
//     its list position.
//  3. Otherwise the message is appended as new.
func (e *Engine) ApplyEvent(msg domain.Message) {
	e.mu.Lock()

	list := e.conversations[msg.ConversationID]

	replaced := false
	for i := range list {
		if list[i].ID == msg.ID {
			if !list[i].DeletedForEveryone() || msg.DeletedForEveryone() {
				list[i] = msg
			}
			e.metrics.deduplicated++
			replaced = true
			break
		}
	}

	if !replaced {
		for i := range list {
			if e.matcher(list[i], msg) {
				list[i] = msg
				e.metrics.reconciled++
				replaced = true
				break
			}
		}
	}

	if !replaced {
		list = append(list, msg)
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
		e.metrics.appended++
	}

	e.conversations[msg.ConversationID] = list

	// The authoritative event carries the definitive timestamp and content.
	e.recomputeSummaryLocked(msg.ConversationID)
	e.mu.Unlock()

	e.publishMessagesUpdated(msg.ConversationID)
}

// Messages returns the conversation's messages as the signed-in user should
// see them: entries deleted for the viewer are filtered out entirely, while
// a message deleted for everyone renders as a tombstone to the participant
// who did not delete it.
func (e *Engine) Messages(conversationID string) []domain.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list := e.conversations[conversationID]
	visible := make([]domain.Message, 0, len(list))
	for _, msg := range list {
		if msg.VisibleTo(e.userID) {
			visible = append(visible, msg)
		}
	}
	return visible
}

// DeleteForMe sets the caller's own deletion flag. The content is untouched
// and the other participant's view is unaffected. If the deleted message was
// the summary's source, the summary is recomputed.
func (e *Engine) DeleteForMe(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	msg, ok := e.findLocked(conversationID, messageID)
	if !ok {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	if msg.SenderID != e.userID && msg.ReceiverID != e.userID {
		e.mu.Unlock()
		return domain.ErrNotParticipant
	}

	isSender := msg.SenderID == e.userID
	e.setDeletedLocked(conversationID, messageID, isSender, !isSender, "")
	e.recomputeSummaryLocked(conversationID)
	e.mu.Unlock()
	e.publishMessagesUpdated(conversationID)

	if err := e.store.SetDeletedForViewer(ctx, messageID, isSender); err != nil {
		return fmt.Errorf("failed to persist deletion: %w", err)
	}
	return nil
}

// DeleteForEveryone retracts a message for both participants: both deletion
// flags set and the content replaced by the tombstone. Only the sender may
// do this.
func (e *Engine) DeleteForEveryone(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	msg, ok := e.findLocked(conversationID, messageID)
	if !ok {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	if msg.SenderID != e.userID {
		e.mu.Unlock()
		return domain.ErrNotSender
	}

	e.setDeletedLocked(conversationID, messageID, true, true, domain.Tombstone)
	e.recomputeSummaryLocked(conversationID)
	e.mu.Unlock()
	e.publishMessagesUpdated(conversationID)

	if err := e.store.Retract(ctx, messageID); err != nil {
		return fmt.Errorf("failed to persist retraction: %w", err)
	}
	return nil
}

// MarkRead flags a message as read locally and in the store. Idempotent.
func (e *Engine) MarkRead(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	list := e.conversations[conversationID]
	for i := range list {
		if list[i].ID == messageID {
			list[i].Read = true
			break
		}
	}
	e.recomputeSummaryLocked(conversationID)
	e.mu.Unlock()

	if err := e.store.MarkRead(ctx, messageID); err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// TouchFromEvent applies an externally-sourced "conversation touched" event
// to the summary list.
func (e *Engine) TouchFromEvent(conversationID, otherParticipant, lastMessage string, at time.Time) {
	e.mu.Lock()
	e.touchSummaryLocked(conversationID, otherParticipant, lastMessage, at)
	e.mu.Unlock()
	e.publishConversationsUpdated()
}

// Summaries returns the conversation summaries sorted by last activity,
// newest first, annotated with the other participant's decayed presence when
// a presence reader is wired.
func (e *Engine) Summaries() []domain.ConversationSummary {
	e.mu.RLock()
	out := make([]domain.ConversationSummary, 0, len(e.summaries))
	for _, s := range e.summaries {
		out = append(out, *s)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})

	if e.presence != nil {
		for i := range out {
			out[i].PeerStatus = e.presence.GetStatus(out[i].Other(e.userID))
		}
	}

	return out
}

// GetMetrics returns reconciliation counters for diagnostics.
func (e *Engine) GetMetrics() map[string]int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]int64{
		"sent":          e.metrics.sent,
		"send_failures": e.metrics.sendFailures,
		"reconciled":    e.metrics.reconciled,
		"deduplicated":  e.metrics.deduplicated,
		"appended":      e.metrics.appended,
	}
}

func (e *Engine) findLocked(conversationID, messageID string) (domain.Message, bool) {
	for _, msg := range e.conversations[conversationID] {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return domain.Message{}, false
}

func (e *Engine) removeLocked(conversationID, messageID string) {
	list := e.conversations[conversationID]
	for i := range list {
		if list[i].ID == messageID {
			e.conversations[conversationID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (e *Engine) setDeletedLocked(conversationID, messageID string, forSender, forReceiver bool, content string) {
	list := e.conversations[conversationID]
	for i := range list {
		if list[i].ID != messageID {
			continue
		}
		if forSender {
			list[i].DeletedForSender = true
		}
		if forReceiver {
			list[i].DeletedForReceiver = true
		}
		if content != "" {
			list[i].Content = content
		}
		return
	}
}

// touchSummaryLocked updates a summary optimistically or from an external
// touch event and keeps the unread count current.
func (e *Engine) touchSummaryLocked(conversationID, otherParticipant, lastMessage string, at time.Time) {
	s, ok := e.summaries[conversationID]
	if !ok {
		s = &domain.ConversationSummary{
			ID:             conversationID,
			ParticipantIDs: [2]string{e.userID, otherParticipant},
		}
		e.summaries[conversationID] = s
	}
	if at.After(s.LastMessageAt) {
		s.LastMessage = lastMessage
		s.LastMessageAt = at
	}
	s.UnreadCount = e.unreadCountLocked(conversationID)
}

// recomputeSummaryLocked rederives the summary from the most recent message
// still visible to the viewer, scanning backward through bounded history.
// If nothing within the bound is visible, the summary becomes empty.
func (e *Engine) recomputeSummaryLocked(conversationID string) {
	list := e.conversations[conversationID]

	// A rolled-back send can leave an optimistic summary for a conversation
	// with no history; drop it rather than showing an empty header.
	if len(list) == 0 {
		if _, ok := e.summaries[conversationID]; ok {
			delete(e.summaries, conversationID)
			e.publishConversationsUpdatedAsync()
		}
		return
	}

	s, ok := e.summaries[conversationID]
	if !ok {
		latest := list[len(list)-1]
		s = &domain.ConversationSummary{
			ID:             conversationID,
			ParticipantIDs: [2]string{e.userID, latest.OtherParticipant(e.userID)},
		}
		e.summaries[conversationID] = s
	}

	scanned := 0
	for i := len(list) - 1; i >= 0 && scanned < SummaryScanLimit; i-- {
		scanned++
		if !list[i].VisibleTo(e.userID) {
			continue
		}
		s.LastMessage = summaryText(list[i])
		s.LastMessageAt = list[i].CreatedAt
		s.UnreadCount = e.unreadCountLocked(conversationID)
		e.publishConversationsUpdatedAsync()
		return
	}

	s.LastMessage = ""
	s.LastMessageAt = time.Time{}
	s.UnreadCount = e.unreadCountLocked(conversationID)
	e.publishConversationsUpdatedAsync()
}

func (e *Engine) unreadCountLocked(conversationID string) int {
	count := 0
	for _, msg := range e.conversations[conversationID] {
		if msg.ReceiverID == e.userID && !msg.Read && msg.VisibleTo(e.userID) {
			count++
		}
	}
	return count
}

func summaryText(msg domain.Message) string {
	switch msg.Type {
	case domain.MessageImage:
		return "📷 Photo"
	case domain.MessageDocument:
		return "📄 Document"
	case domain.MessageSticker:
		return "Sticker"
	default:
		return msg.Content
	}
}

func (e *Engine) publishMessagesUpdated(conversationID string) {
	payload, err := json.Marshal(struct {
		ConversationID string `json:"conversation_id"`
	}{ConversationID: conversationID})
	if err != nil {
		e.logger.Error("Failed to marshal messages update", "error", err)
		return
	}

	msg := pubsub.Message{
		Topic:   TopicMessagesUpdated,
		UserID:  e.userID,
		Payload: payload,
	}
	if err := e.publisher.Publish(context.Background(), msg); err != nil {
		e.logger.Error("Failed to publish messages update", "error", err, "topic", TopicMessagesUpdated)
	}
}

func (e *Engine) publishConversationsUpdated() {
	msg := pubsub.Message{
		Topic:   TopicConversationsUpdated,
		UserID:  e.userID,
		Payload: []byte(`{}`),
	}
	if err := e.publisher.Publish(context.Background(), msg); err != nil {
		e.logger.Error("Failed to publish conversations update", "error", err, "topic", TopicConversationsUpdated)
	}
}

// publishConversationsUpdatedAsync is used from code paths that hold the
// engine lock; publishing must not run under it.
func (e *Engine) publishConversationsUpdatedAsync() {
	go e.publishConversationsUpdated()
}
