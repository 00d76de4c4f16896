package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// FeedAction represents the type of change in a feed event.
type FeedAction string

const (
	ActionCreate FeedAction = "CREATE"
	ActionUpdate FeedAction = "UPDATE"
	ActionDelete FeedAction = "DELETE"
)

// FeedState is the lifecycle state of a feed subscription. The notification
// coordinator keys its polling fallback off these transitions: anything other
// than FeedSubscribed means the push path cannot be trusted.
type FeedState string

const (
	FeedPending    FeedState = "PENDING"
	FeedSubscribed FeedState = "SUBSCRIBED"
	FeedClosed     FeedState = "CLOSED"
	FeedErrored    FeedState = "ERRORED"
)

// FeedHandler is called when a watched row changes. The data argument is the
// raw decoded row; use Decode to map it onto a typed struct.
type FeedHandler func(ctx context.Context, action FeedAction, data any)

// StateHandler is called on every subscription state transition.
type StateHandler func(state FeedState)

// FeedFilter defines optional row filtering for feed subscriptions.
type FeedFilter struct {
	Where  string         // SurrealQL WHERE clause
	Params map[string]any // Query parameters
}

// FeedSubscription represents an active change feed subscription.
type FeedSubscription struct {
	ID    string
	Table string
}

// Feed provides real-time row change subscriptions. The backing
// implementation is a SurrealDB LIVE SELECT; it may silently stop delivering,
// which the connection health monitor detects and surfaces as a CLOSED state.
type Feed interface {
	// Subscribe to a table with optional WHERE clause. onState may be nil.
	Subscribe(ctx context.Context, table string, filter *FeedFilter, handler FeedHandler, onState StateHandler) (*FeedSubscription, error)

	// Unsubscribe tears down the subscription, killing the server-side live
	// query and releasing its notification channel.
	Unsubscribe(subID string) error
}

// SurrealFeed implements Feed using SurrealDB live queries.
type SurrealFeed struct {
	db DBConnection

	subscriptions sync.Map // map[string]*feedSubState
	logger        *slog.Logger
}

type feedSubState struct {
	id          string
	table       string
	handler     FeedHandler
	onState     StateHandler
	cancel      context.CancelFunc
	liveQueryID string
}

func (s *feedSubState) setState(state FeedState) {
	if s.onState != nil {
		s.onState(state)
	}
}

// NewSurrealFeed creates a new change feed over the given connection.
func NewSurrealFeed(db DBConnection) *SurrealFeed {
	return &SurrealFeed{
		db:     db,
		logger: slog.Default().With("service", "feed"),
	}
}

// Subscribe creates a live query subscription for a table.
func (s *SurrealFeed) Subscribe(ctx context.Context, table string, filter *FeedFilter, handler FeedHandler, onState StateHandler) (*FeedSubscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if table == "" {
		return nil, fmt.Errorf("table cannot be empty")
	}

	query := fmt.Sprintf("LIVE SELECT * FROM %s", table)
	if filter != nil && filter.Where != "" {
		query = fmt.Sprintf("%s WHERE %s", query, filter.Where)
	}

	params := make(map[string]any)
	if filter != nil && filter.Params != nil {
		params = filter.Params
	}

	subID := uuid.New().String()
	subCtx, cancel := context.WithCancel(context.Background())
	state := &feedSubState{
		id:      subID,
		table:   table,
		handler: handler,
		onState: onState,
		cancel:  cancel,
	}

	s.subscriptions.Store(subID, state)
	state.setState(FeedPending)

	err := s.db.WithConnection(ctx, func(dbConn *surrealdb.DB) error {
		s.logger.Info("Creating feed subscription", "subID", subID, "table", table)

		results, err := surrealdb.Query[any](ctx, dbConn, query, params)
		if err != nil {
			return fmt.Errorf("failed to execute live query: %w", err)
		}

		if results == nil || len(*results) == 0 {
			return fmt.Errorf("live query returned no results")
		}

		result := (*results)[0]
		if result.Status != "OK" {
			return fmt.Errorf("live query failed with status: %s", result.Status)
		}
		if result.Result == nil {
			return fmt.Errorf("live query returned nil result")
		}

		liveQueryID, err := extractLiveQueryID(result.Result)
		if err != nil {
			return err
		}
		state.liveQueryID = liveQueryID

		s.logger.Info("Feed subscription established", "subID", subID, "liveQueryID", liveQueryID)

		notificationChan, err := dbConn.LiveNotifications(liveQueryID)
		if err != nil {
			return fmt.Errorf("failed to get notification channel: %w", err)
		}

		go s.listen(subCtx, state, notificationChan)
		go s.teardownOnCancel(subCtx, state, dbConn)

		return nil
	})

	if err != nil {
		cancel()
		s.subscriptions.Delete(subID)
		state.setState(FeedErrored)
		return nil, fmt.Errorf("failed to start feed subscription: %w", err)
	}

	state.setState(FeedSubscribed)

	return &FeedSubscription{
		ID:    subID,
		Table: table,
	}, nil
}

// Unsubscribe removes a feed subscription.
func (s *SurrealFeed) Unsubscribe(subID string) error {
	if state, ok := s.subscriptions.Load(subID); ok {
		subState := state.(*feedSubState)
		subState.cancel()

		s.subscriptions.Delete(subID)
		s.logger.Info("Feed subscription removed", "subID", subID)
	}
	return nil
}

// listen consumes live query notifications until the channel closes or the
// subscription is cancelled.
func (s *SurrealFeed) listen(ctx context.Context, state *feedSubState, notificationChan <-chan connection.Notification) {
	defer func() {
		s.subscriptions.Delete(state.id)
		state.setState(FeedClosed)
	}()

	s.logger.Debug("Feed listener started", "subID", state.id, "liveQueryID", state.liveQueryID)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Feed listener context cancelled", "subID", state.id)
			return

		case notification, ok := <-notificationChan:
			if !ok {
				// The driver closed the channel underneath us. Consumers see
				// FeedClosed and switch to their fallback path.
				s.logger.Debug("Feed notification channel closed", "subID", state.id)
				return
			}

			var action FeedAction
			switch notification.Action {
			case connection.CreateAction:
				action = ActionCreate
			case connection.UpdateAction:
				action = ActionUpdate
			case connection.DeleteAction:
				action = ActionDelete
			default:
				s.logger.Warn("Unknown notification action", "subID", state.id, "action", notification.Action)
				continue
			}

			s.logger.Debug("Feed event received", "subID", state.id, "action", action, "table", state.table)

			// Handlers run inline so events for the same row are applied in
			// delivery order. Consumers perform id-keyed merges; reordering a
			// CREATE past its retraction UPDATE would resurrect the content.
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("Panic in feed handler", "subID", state.id, "panic", r)
					}
				}()

				state.handler(ctx, action, notification.Result)
			}()
		}
	}
}

// teardownOnCancel kills the server-side live query once the subscription
// context is cancelled. Leaking a live query after teardown is a defect, not
// an acceptable cost.
func (s *SurrealFeed) teardownOnCancel(subCtx context.Context, state *feedSubState, dbConn *surrealdb.DB) {
	<-subCtx.Done()
	if state.liveQueryID == "" {
		return
	}

	// Use a separate context for cleanup to avoid cancellation issues.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cleanupCancel()

	if err := dbConn.CloseLiveNotifications(state.liveQueryID); err != nil {
		s.logger.Warn("Failed to close live notifications", "error", err, "liveQueryID", state.liveQueryID)
	}

	// Give a moment for the channel to close cleanly.
	time.Sleep(100 * time.Millisecond)

	killParams := map[string]any{
		"liveQueryID": state.liveQueryID,
	}
	if _, err := surrealdb.Query[any](cleanupCtx, dbConn, "KILL $liveQueryID", killParams); err != nil {
		s.logger.Warn("Failed to kill live query", "error", err, "liveQueryID", state.liveQueryID)
	} else {
		s.logger.Debug("Killed live query", "liveQueryID", state.liveQueryID)
	}
}

// extractLiveQueryID pulls the live query UUID out of the query result, which
// the driver may deliver in several shapes.
func extractLiveQueryID(result any) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case models.UUID:
		return v.String(), nil
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return id, nil
		}
		if id, ok := v["id"].(models.UUID); ok {
			return id.String(), nil
		}
		return "", fmt.Errorf("live query result map does not contain 'id' field: %+v", v)
	default:
		return "", fmt.Errorf("unexpected live query result type: %T, value: %+v", result, result)
	}
}

// Decode maps a raw feed event payload onto a typed row. The driver hands us
// loosely typed maps; a JSON round-trip is the simplest faithful mapping.
func Decode(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal feed payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal feed payload: %w", err)
	}
	return nil
}
