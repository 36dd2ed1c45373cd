package mailsync

import (
	"context"
	"log"
	"time"

	"github.com/bavit-uk/backend-sub003/internal/models"
)

// AccountStateWriter is the slice of the store the notification manager needs.
type AccountStateWriter interface {
	SetWatch(ctx context.Context, id string, status models.SyncStatus, expiration *time.Time) error
}

// NotificationManager establishes push delivery per account and downgrades to
// polling when push is unavailable. Polling and watching are both legitimate
// steady states; downgrade is never an account error.
type NotificationManager struct {
	states AccountStateWriter
}

func NewNotificationManager(states AccountStateWriter) *NotificationManager {
	return &NotificationManager{states: states}
}

// EnsurePush registers (or renews) the provider push subscription for the
// account and records the resulting steady state.
func (m *NotificationManager) EnsurePush(ctx context.Context, account *models.Account, provider MailProvider) models.SyncStatus {
	expiration, err := provider.RegisterWatch(ctx)
	if err != nil {
		log.Printf("watch: %s push unavailable, downgrading to polling: %v", account.Address, err)
		if err := m.states.SetWatch(ctx, account.ID, models.StatusPolling, nil); err != nil {
			log.Printf("watch: save polling state for %s: %v", account.Address, err)
		}
		return models.StatusPolling
	}

	if err := m.states.SetWatch(ctx, account.ID, models.StatusWatching, &expiration); err != nil {
		log.Printf("watch: save watching state for %s: %v", account.Address, err)
	}
	log.Printf("watch: %s watching until %s", account.Address, expiration.Format(time.RFC3339))
	return models.StatusWatching
}

// NeedsRenewal reports whether the account's push registration should be
// re-attempted on this renewal sweep. Watching accounts renew proactively once
// less than renewWindow remains, independent of whether mail arrived; polling
// accounts periodically retry the upgrade to push.
func NeedsRenewal(a *models.Account, now time.Time, renewWindow time.Duration) bool {
	if !a.IsActive {
		return false
	}
	switch a.SyncState.Status {
	case models.StatusPolling:
		return true
	case models.StatusWatching:
		if a.SyncState.WatchExpiration == nil {
			return true
		}
		return a.SyncState.WatchExpiration.Sub(now) < renewWindow
	default:
		return false
	}
}
