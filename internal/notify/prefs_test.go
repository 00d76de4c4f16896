package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/amically/amity/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowed_SelfNotificationSuppressed(t *testing.T) {
	n := domain.Notification{UserID: "alice", Type: domain.NotifyMessageReceived}

	// Even always-allowed types never notify the actor about themselves.
	assert.False(t, Allowed(nil, "alice", n))
	assert.True(t, Allowed(nil, "bob", n))
}

func TestAllowed_MessageReceivedBypassesPreferences(t *testing.T) {
	prefs := map[domain.NotificationType]bool{
		domain.NotifyMessageReceived: false,
	}
	n := domain.Notification{UserID: "alice", Type: domain.NotifyMessageReceived}

	assert.True(t, Allowed(prefs, "bob", n))
}

func TestAllowed_PreferenceDisablesType(t *testing.T) {
	prefs := map[domain.NotificationType]bool{
		domain.NotifyPostLiked: false,
	}

	liked := domain.Notification{UserID: "alice", Type: domain.NotifyPostLiked}
	assert.False(t, Allowed(prefs, "bob", liked))

	// Types without a stored preference default to allowed.
	commented := domain.Notification{UserID: "alice", Type: domain.NotifyPostCommented}
	assert.True(t, Allowed(prefs, "bob", commented))
}

// fakeCreatorStore implements CreatorStore for testing.
type fakeCreatorStore struct {
	prefs     map[domain.NotificationType]bool
	prefsErr  error
	created   []domain.Notification
	createErr error
}

func (f *fakeCreatorStore) GetPreferences(ctx context.Context, userID string) (map[domain.NotificationType]bool, error) {
	return f.prefs, f.prefsErr
}

func (f *fakeCreatorStore) Create(ctx context.Context, n domain.Notification) (*domain.Notification, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	n.ID = "n1"
	f.created = append(f.created, n)
	return &n, nil
}

func TestCreator_SuppressedReturnsNil(t *testing.T) {
	fs := &fakeCreatorStore{prefs: map[domain.NotificationType]bool{domain.NotifyPostLiked: false}}
	creator := NewCreator(fs)

	created, err := creator.Notify(context.Background(), "bob", domain.Notification{
		UserID: "alice",
		Type:   domain.NotifyPostLiked,
	})
	require.NoError(t, err)
	assert.Nil(t, created)
	assert.Empty(t, fs.created)
}

func TestCreator_AllowedWritesRow(t *testing.T) {
	fs := &fakeCreatorStore{}
	creator := NewCreator(fs)

	created, err := creator.Notify(context.Background(), "bob", domain.Notification{
		UserID: "alice",
		Type:   domain.NotifyMessageReceived,
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "n1", created.ID)
}

func TestCreator_PreferenceLoadFailureDeliversAnyway(t *testing.T) {
	fs := &fakeCreatorStore{prefsErr: errors.New("store unavailable")}
	creator := NewCreator(fs)

	created, err := creator.Notify(context.Background(), "bob", domain.Notification{
		UserID: "alice",
		Type:   domain.NotifyPostLiked,
	})
	require.NoError(t, err)
	assert.NotNil(t, created)
}
