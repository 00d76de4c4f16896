// Package app is the composition root: it builds the stores, the event bus
// and the three sync components for a signed-in user and hands their shared
// lifecycle to the supervisor. UI code embedding the core constructs an App
// and talks to the components it exposes.
package app

import (
	"context"
	"log/slog"

	"github.com/amically/amity/internal/config"
	"github.com/amically/amity/internal/logging"
	"github.com/amically/amity/internal/messaging"
	"github.com/amically/amity/internal/notify"
	"github.com/amically/amity/internal/policy"
	"github.com/amically/amity/internal/presence"
	"github.com/amically/amity/internal/pubsub"
	"github.com/amically/amity/internal/session"
	"github.com/amically/amity/internal/store"
	"github.com/amically/amity/internal/supervisor"
)

// App bundles one user's fully wired sync core.
type App struct {
	Session     session.Session
	Tracker     *presence.Tracker
	Engine      *messaging.Engine
	Coordinator *notify.Coordinator
	Supervisor  *supervisor.Supervisor

	// Bus distributes reconciled-state topics to the UI layer.
	Bus *pubsub.WatermillBridge

	// Notifier gates and writes outbound notification rows for actions this
	// client triggers.
	Notifier *notify.Creator

	conn   *store.Connection
	logger *slog.Logger
}

// New wires the sync core for the given user. Nothing touches the network
// until Start.
func New(cfg config.Provider, userID string) *App {
	logging.New()

	conn := store.NewConnection(cfg)
	bus := pubsub.NewWatermillBridge()

	restrictions := store.NewRestrictionStore(conn)
	messages := store.NewMessageStore(conn)
	presenceRows := store.NewPresenceStore(conn)
	notifications := store.NewNotificationStore(conn)
	feed := store.NewSurrealFeed(conn)

	checker := policy.NewStoreChecker(restrictions)
	sess := session.New(userID, checker)

	tracker := presence.NewTracker(userID, presenceRows, bus,
		presence.WithHeartbeatInterval(cfg.GetHeartbeatInterval()),
		presence.WithRefreshInterval(cfg.GetPresenceRefreshInterval()),
	)
	engine := messaging.NewEngine(userID, checker, messages, bus,
		messaging.WithPresenceReader(tracker),
	)
	coordinator := notify.NewCoordinator(userID, notifications, bus,
		notify.WithPollInterval(cfg.GetNotificationPollInterval()),
	)

	return &App{
		Session:     sess,
		Tracker:     tracker,
		Engine:      engine,
		Coordinator: coordinator,
		Supervisor:  supervisor.New(sess, feed, tracker, engine, coordinator),
		Bus:         bus,
		Notifier:    notify.NewCreator(notifications),
		conn:        conn,
		logger:      slog.Default().With("service", "app", "user_id", userID),
	}
}

// Start connects to the store, begins connection health monitoring and brings
// the supervisor up.
func (a *App) Start(ctx context.Context) error {
	if err := a.conn.Connect(ctx); err != nil {
		return err
	}
	a.conn.StartMonitoring()

	if err := a.Supervisor.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("Sync core started")
	return nil
}

// Shutdown tears the core down in reverse order of Start: supervisor first so
// subscriptions and timers release before the connection goes away.
func (a *App) Shutdown(ctx context.Context) {
	a.Supervisor.Shutdown(ctx)

	if err := a.Bus.Close(); err != nil {
		a.logger.Warn("Event bus close failed", "error", err)
	}
	if err := a.conn.Close(ctx); err != nil {
		a.logger.Warn("Store connection close failed", "error", err)
	}

	a.logger.Info("Sync core stopped")
}
