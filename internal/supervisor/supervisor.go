// Package supervisor owns the lifecycle of the three sync components. It
// wires their change-feed inputs, forwards app foreground/background
// transitions, and tears everything down deterministically on session end.
// It holds no domain logic of its own.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amically/amity/internal/domain"
	"github.com/amically/amity/internal/session"
	"github.com/amically/amity/internal/store"
)

// PresenceComponent is the slice of the presence tracker the supervisor
// drives.
type PresenceComponent interface {
	Start(ctx context.Context)
	Shutdown(ctx context.Context)
	Foreground(ctx context.Context)
	Background(ctx context.Context)
	ApplyEvent(p domain.UserPresence)
	Invalidate(userID string)
}

// MessagingComponent is the slice of the message sync engine the supervisor
// feeds.
type MessagingComponent interface {
	ApplyEvent(msg domain.Message)
	TouchFromEvent(conversationID, otherParticipant, lastMessage string, at time.Time)
}

// NotifyComponent is the slice of the notification coordinator the supervisor
// drives.
type NotifyComponent interface {
	ApplyEvent(n domain.Notification)
	OnFeedState(state store.FeedState)
	Shutdown()
}

// Supervisor wires the sync components to their change feeds and manages
// their shared lifecycle.
type Supervisor struct {
	session     session.Session
	feed        store.Feed
	tracker     PresenceComponent
	engine      MessagingComponent
	coordinator NotifyComponent
	logger      *slog.Logger

	subIDs []string
}

// New creates a supervisor over already-constructed components.
func New(sess session.Session, feed store.Feed, tracker PresenceComponent, engine MessagingComponent, coordinator NotifyComponent) *Supervisor {
	return &Supervisor{
		session:     sess,
		feed:        feed,
		tracker:     tracker,
		engine:      engine,
		coordinator: coordinator,
		logger:      slog.Default().With("service", "supervisor", "user_id", sess.UserID),
	}
}

// Start opens the change-feed subscriptions and starts the presence
// heartbeat. A subscription that fails to open is logged and skipped; the
// affected component degrades (the notification coordinator to polling, the
// others to read-time refresh) rather than blocking startup.
func (s *Supervisor) Start(ctx context.Context) error {
	s.tracker.Start(ctx)

	subs := []struct {
		table   string
		filter  *store.FeedFilter
		handler store.FeedHandler
		onState store.StateHandler
	}{
		{
			table:   "user_presence",
			handler: s.handlePresenceEvent,
		},
		{
			table: "message",
			filter: &store.FeedFilter{
				Where:  "sender_id = $user_id OR receiver_id = $user_id",
				Params: map[string]any{"user_id": s.session.UserID},
			},
			handler: s.handleMessageEvent,
		},
		{
			table: "conversation",
			filter: &store.FeedFilter{
				Where:  "participant_ids CONTAINS $user_id",
				Params: map[string]any{"user_id": s.session.UserID},
			},
			handler: s.handleConversationEvent,
		},
		{
			table: "notification",
			filter: &store.FeedFilter{
				Where:  "user_id = $user_id",
				Params: map[string]any{"user_id": s.session.UserID},
			},
			handler: s.handleNotificationEvent,
			onState: s.coordinator.OnFeedState,
		},
	}

	for _, sub := range subs {
		result, err := s.feed.Subscribe(ctx, sub.table, sub.filter, sub.handler, sub.onState)
		if err != nil {
			s.logger.Warn("Feed subscription failed, component degrades",
				"table", sub.table, "error", err)
			continue
		}
		s.subIDs = append(s.subIDs, result.ID)
	}

	if len(s.subIDs) == 0 {
		return fmt.Errorf("no feed subscription could be established")
	}

	s.logger.Info("Sync supervisor started", "subscriptions", len(s.subIDs))
	return nil
}

// Shutdown tears down every subscription, halts the notification polling
// timer and forces the owner offline. Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, subID := range s.subIDs {
		if err := s.feed.Unsubscribe(subID); err != nil {
			s.logger.Warn("Feed unsubscribe failed", "sub_id", subID, "error", err)
		}
	}
	s.subIDs = nil

	s.coordinator.Shutdown()
	s.tracker.Shutdown(ctx)

	s.logger.Info("Sync supervisor stopped")
}

// OnForeground forwards an app-foreground transition.
func (s *Supervisor) OnForeground(ctx context.Context) {
	s.tracker.Foreground(ctx)
}

// OnBackground forwards an app-background transition.
func (s *Supervisor) OnBackground(ctx context.Context) {
	s.tracker.Background(ctx)
}

func (s *Supervisor) handlePresenceEvent(ctx context.Context, action store.FeedAction, data any) {
	p, err := store.DecodePresence(data)
	if err != nil {
		s.logger.Warn("Failed to decode presence event", "error", err)
		return
	}
	if p.UserID == "" {
		return
	}

	if action == store.ActionDelete {
		s.tracker.Invalidate(p.UserID)
		return
	}
	s.tracker.ApplyEvent(*p)
}

func (s *Supervisor) handleMessageEvent(ctx context.Context, action store.FeedAction, data any) {
	// Row deletion never happens for messages; retraction arrives as an
	// update carrying the tombstone.
	if action == store.ActionDelete {
		return
	}

	msg, err := store.DecodeMessage(data)
	if err != nil {
		s.logger.Warn("Failed to decode message event", "error", err)
		return
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return
	}

	s.engine.ApplyEvent(*msg)
}

func (s *Supervisor) handleConversationEvent(ctx context.Context, action store.FeedAction, data any) {
	if action == store.ActionDelete {
		return
	}

	c, err := store.DecodeConversation(data)
	if err != nil {
		s.logger.Warn("Failed to decode conversation event", "error", err)
		return
	}
	if c.ID == "" {
		return
	}

	s.engine.TouchFromEvent(c.ID, c.Other(s.session.UserID), c.LastMessage, c.LastMessageAt)
}

func (s *Supervisor) handleNotificationEvent(ctx context.Context, action store.FeedAction, data any) {
	if action != store.ActionCreate {
		return
	}

	n, err := store.DecodeNotification(data)
	if err != nil {
		s.logger.Warn("Failed to decode notification event", "error", err)
		return
	}
	if n.ID == "" {
		return
	}

	s.coordinator.ApplyEvent(*n)
}
