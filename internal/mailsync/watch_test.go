package mailsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavit-uk/backend-sub003/internal/models"
)

type recordingStateWriter struct {
	status     models.SyncStatus
	expiration *time.Time
}

func (w *recordingStateWriter) SetWatch(ctx context.Context, id string, status models.SyncStatus, expiration *time.Time) error {
	w.status = status
	w.expiration = expiration
	return nil
}

func TestEnsurePushSuccess(t *testing.T) {
	writer := &recordingStateWriter{}
	m := NewNotificationManager(writer)
	expiry := time.Now().Add(24 * time.Hour)
	provider := &fakeProvider{watchUntil: expiry}
	account := &models.Account{ID: "a1", Address: "a@example.com"}

	status := m.EnsurePush(context.Background(), account, provider)

	assert.Equal(t, models.StatusWatching, status)
	assert.Equal(t, models.StatusWatching, writer.status)
	require.NotNil(t, writer.expiration)
	assert.Equal(t, expiry, *writer.expiration)
}

func TestEnsurePushDowngradesToPolling(t *testing.T) {
	writer := &recordingStateWriter{}
	m := NewNotificationManager(writer)
	provider := &fakeProvider{watchErr: errors.New("webhook not configured")}
	account := &models.Account{ID: "a1", Address: "a@example.com"}

	status := m.EnsurePush(context.Background(), account, provider)

	assert.Equal(t, models.StatusPolling, status, "push failure is a downgrade, not an account error")
	assert.Equal(t, models.StatusPolling, writer.status)
	assert.Nil(t, writer.expiration)
}

func TestNeedsRenewal(t *testing.T) {
	now := time.Now()
	window := time.Hour

	mk := func(status models.SyncStatus, exp *time.Time) *models.Account {
		return &models.Account{
			IsActive:  true,
			SyncState: models.SyncState{Status: status, WatchExpiration: exp},
		}
	}
	in := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}

	assert.True(t, NeedsRenewal(mk(models.StatusPolling, nil), now, window), "polling retries the push upgrade")
	assert.True(t, NeedsRenewal(mk(models.StatusWatching, nil), now, window))
	assert.True(t, NeedsRenewal(mk(models.StatusWatching, in(30*time.Minute)), now, window))
	assert.False(t, NeedsRenewal(mk(models.StatusWatching, in(2*time.Hour)), now, window))
	assert.False(t, NeedsRenewal(mk(models.StatusComplete, nil), now, window))
	assert.False(t, NeedsRenewal(mk(models.StatusError, nil), now, window))

	inactive := mk(models.StatusPolling, nil)
	inactive.IsActive = false
	assert.False(t, NeedsRenewal(inactive, now, window))
}
