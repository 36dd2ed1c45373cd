package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bavit-uk/backend-sub003/internal/config"
	"github.com/bavit-uk/backend-sub003/internal/models"
	"github.com/bavit-uk/backend-sub003/internal/store"
)

// Orchestrator drives the four periodic sweeps that keep every account's
// mirror current: account sync, push renewal, error recovery and health.
// Each sweep carries its own in-memory re-entrancy guard; per-account mutual
// exclusion is the store's durable is_processing flag, so two orchestrator
// processes cannot sync the same account concurrently.
type Orchestrator struct {
	store    *store.Store
	tokens   TokenSource
	notifier Notifier
	factory  ProviderFactory
	watches  *NotificationManager
	cfg      config.Config

	syncRunning     atomic.Bool
	watchRunning    atomic.Bool
	recoveryRunning atomic.Bool
	healthRunning   atomic.Bool
}

func NewOrchestrator(st *store.Store, tokens TokenSource, notifier Notifier, factory ProviderFactory, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		store:    st,
		tokens:   tokens,
		notifier: notifier,
		factory:  factory,
		watches:  NewNotificationManager(st),
		cfg:      cfg,
	}
}

// RunSyncSweep syncs a bounded batch of due accounts. A sweep still running
// when its next tick fires is skipped, never overlapped.
func (o *Orchestrator) RunSyncSweep(ctx context.Context) {
	if !o.syncRunning.CompareAndSwap(false, true) {
		log.Printf("sync sweep: previous run still active, skipping tick")
		return
	}
	defer o.syncRunning.Store(false)

	accounts, err := o.store.DueAccounts(ctx, time.Now(), o.cfg.MinSyncInterval, o.cfg.SyncBatchSize)
	if err != nil {
		log.Printf("sync sweep: select due accounts: %v", err)
		return
	}

	for i, a := range accounts {
		if ctx.Err() != nil {
			return
		}
		if err := o.SyncAccount(ctx, a.ID); err != nil {
			log.Printf("sync sweep: account %s: %v", a.Address, err)
		}
		// provider rate limits: pause between accounts
		if i < len(accounts)-1 {
			sleep(ctx, o.cfg.AccountDelay)
		}
	}
}

// RunWatchSweep renews push subscriptions before they lapse and retries the
// push upgrade for polling accounts.
func (o *Orchestrator) RunWatchSweep(ctx context.Context) {
	if !o.watchRunning.CompareAndSwap(false, true) {
		log.Printf("watch sweep: previous run still active, skipping tick")
		return
	}
	defer o.watchRunning.Store(false)

	accounts, err := o.store.ListAccounts(ctx, true)
	if err != nil {
		log.Printf("watch sweep: list accounts: %v", err)
		return
	}

	now := time.Now()
	renewWindow := 2 * o.cfg.WatchInterval
	for i := range accounts {
		a := &accounts[i]
		if !NeedsRenewal(a, now, renewWindow) {
			continue
		}

		provider, err := o.buildProvider(ctx, a)
		if err != nil {
			if errors.Is(err, ErrReauthRequired) {
				continue // already marked, recovery path owns it
			}
			log.Printf("watch sweep: provider for %s: %v", a.Address, err)
			continue
		}
		o.watches.EnsurePush(ctx, a, provider)
	}
}

// RunRecoverySweep re-arms error accounts whose last attempt is older than the
// cooldown, resetting their cursor to force a full resync. This is the only
// path that takes an account out of the error state automatically.
func (o *Orchestrator) RunRecoverySweep(ctx context.Context) {
	if !o.recoveryRunning.CompareAndSwap(false, true) {
		log.Printf("recovery sweep: previous run still active, skipping tick")
		return
	}
	defer o.recoveryRunning.Store(false)

	accounts, err := o.store.RecoverableAccounts(ctx, time.Now(), o.cfg.RecoveryCooldown)
	if err != nil {
		log.Printf("recovery sweep: select accounts: %v", err)
		return
	}

	for _, a := range accounts {
		if isReauthError(a.SyncState.LastError) {
			continue // terminal until the user reconnects
		}
		if err := o.store.ResetForResync(ctx, a.ID, time.Now()); err != nil {
			log.Printf("recovery sweep: reset %s: %v", a.Address, err)
			continue
		}
		log.Printf("recovery sweep: re-armed %s after error: %s", a.Address, a.SyncState.LastError)
	}
}

// RunHealthSweep reclaims stuck processing locks and logs per-status counts
// and anomalies. This is the engine's self-healing against crashed workers.
func (o *Orchestrator) RunHealthSweep(ctx context.Context) {
	if !o.healthRunning.CompareAndSwap(false, true) {
		log.Printf("health sweep: previous run still active, skipping tick")
		return
	}
	defer o.healthRunning.Store(false)

	now := time.Now()
	stuck, err := o.store.StuckAccounts(ctx, now, o.cfg.StuckThreshold)
	if err != nil {
		log.Printf("health sweep: select stuck accounts: %v", err)
		return
	}

	for _, a := range stuck {
		msg := fmt.Sprintf("sync lock reclaimed: processing since %v exceeded %s",
			a.SyncState.LastProcessingStart, o.cfg.StuckThreshold)
		if err := o.store.ReleaseProcessing(ctx, a.ID); err != nil {
			log.Printf("health sweep: release lock %s: %v", a.Address, err)
			continue
		}
		if err := o.store.MarkError(ctx, a.ID, msg, now); err != nil {
			log.Printf("health sweep: mark error %s: %v", a.Address, err)
		}
		log.Printf("health sweep: %s %s", a.Address, msg)
	}

	counts, err := o.store.StatusCounts(ctx)
	if err != nil {
		log.Printf("health sweep: status counts: %v", err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		log.Printf("health sweep: %d accounts: %v", total, counts)
		if frac := float64(counts[models.StatusError]) / float64(total); frac > 0.2 {
			log.Printf("health sweep: anomaly: %.0f%% of accounts in error", frac*100)
		}
	}
}

// TriggerManualSync runs an immediate sync for one account, or kicks a full
// sweep when accountID is empty.
func (o *Orchestrator) TriggerManualSync(ctx context.Context, accountID string) error {
	if accountID == "" {
		go o.RunSyncSweep(context.WithoutCancel(ctx))
		return nil
	}
	return o.SyncAccount(ctx, accountID)
}

// SyncAccount performs one guarded sync pass for the account. When another
// worker holds the processing lock the call exits without mutating state.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string) error {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %s not found", accountID)
	}
	if !account.IsActive {
		return fmt.Errorf("account %s is disabled", account.Address)
	}

	claimed, err := o.store.ClaimProcessing(ctx, account.ID, time.Now())
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("sync: %s already processing, skipping", account.Address)
		return nil
	}
	defer func() {
		if err := o.store.ReleaseProcessing(context.WithoutCancel(ctx), account.ID); err != nil {
			log.Printf("sync: release lock %s: %v", account.Address, err)
		}
	}()

	return o.syncLocked(ctx, account)
}

// syncLocked runs the actual pass; the caller holds the processing lock.
func (o *Orchestrator) syncLocked(ctx context.Context, account *models.Account) error {
	now := time.Now()

	provider, err := o.buildProvider(ctx, account)
	if err != nil {
		return o.recordFailure(ctx, account, err, now)
	}

	cursor := account.SyncState.LastHistoryCursor
	if cursor == "" {
		// first contact, then backfill
		status := models.StatusInitial
		if account.SyncState.Status != models.StatusUninitialized {
			status = models.StatusHistorical
		}
		if err := o.store.SetStatus(ctx, account.ID, status); err != nil {
			log.Printf("sync: set status %s: %v", account.Address, err)
		}
	}

	opts := ListOptions{Folder: "inbox", Limit: o.cfg.FetchLimit}
	conversations, newCursor, err := o.listWithRetry(ctx, account, provider, cursor, opts)
	if err != nil {
		return o.recordFailure(ctx, account, err, now)
	}

	for _, conv := range conversations {
		if len(conv.Messages) == 0 {
			continue
		}

		existing, err := o.store.GetThread(ctx, account.ID, conversationKey(conv))
		if err != nil {
			return o.recordFailure(ctx, account, err, now)
		}

		thread, conflicts := Unify(conv, account.ID, existing)
		for _, c := range conflicts {
			log.Printf("sync: %s conflict on %s.%s resolved %s", account.Address,
				thread.ConversationKey, c.Field, c.Resolution)
		}

		if err := o.store.UpsertThread(ctx, thread); err != nil {
			return o.recordFailure(ctx, account, err, now)
		}

		if o.notifier != nil && HasNewMail(existing, thread) {
			o.notifier.EmitNewMail(account.ID, account.Address, NewMailEvent{
				ThreadID:        thread.ID,
				ConversationKey: thread.ConversationKey,
				Preview:         thread.Preview,
				ReceivedAt:      thread.LastMessageAt,
			})
		}
	}

	if err := o.store.MarkSynced(ctx, account.ID, newCursor, models.StatusComplete, time.Now()); err != nil {
		return err
	}
	log.Printf("sync: %s complete, %d conversations, cursor %q", account.Address, len(conversations), newCursor)

	o.watches.EnsurePush(ctx, account, provider)
	return nil
}

// listWithRetry calls the adapter with bounded in-tick retries for transient
// failures. A 401-class failure gets exactly one refresh-and-retry through the
// vault before escalating.
func (o *Orchestrator) listWithRetry(ctx context.Context, account *models.Account, provider MailProvider, cursor string, opts ListOptions) ([]RawConversation, string, error) {
	refreshed := false
	var lastErr error

	for attempt := 0; attempt < o.cfg.TransientRetries; attempt++ {
		conversations, newCursor, err := provider.ListThreadsSince(ctx, cursor, opts)
		if err == nil {
			return conversations, newCursor, nil
		}
		lastErr = err

		switch {
		case IsAuth(err) && !refreshed:
			refreshed = true
			token, rerr := o.tokens.ForceRefresh(ctx, account)
			if rerr != nil {
				return nil, "", rerr
			}
			provider, rerr = o.factory(ctx, token, account)
			if rerr != nil {
				return nil, "", rerr
			}
		case IsTransient(err):
			if attempt+1 < o.cfg.TransientRetries {
				sleep(ctx, time.Duration(attempt+1)*time.Second)
			}
		default:
			return nil, "", err
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
	}
	return nil, "", lastErr
}

// recordFailure translates a pass failure into sync state: reauth is terminal,
// repeated transient failures escalate to the error state, a lone transient
// failure just waits for the next tick.
func (o *Orchestrator) recordFailure(ctx context.Context, account *models.Account, err error, now time.Time) error {
	ctx = context.WithoutCancel(ctx)

	if errors.Is(err, ErrReauthRequired) {
		if merr := o.store.MarkError(ctx, account.ID, "reauth_required: credentials revoked, reconnect the account", now); merr != nil {
			log.Printf("sync: mark reauth error %s: %v", account.Address, merr)
		}
		return err
	}

	if IsTransient(err) {
		count, merr := o.store.MarkTransientFailure(ctx, account.ID, err.Error(), now)
		if merr != nil {
			return merr
		}
		if count >= o.cfg.TransientRetries {
			if merr := o.store.MarkError(ctx, account.ID,
				fmt.Sprintf("giving up after %d consecutive failures: %v", count, err), now); merr != nil {
				log.Printf("sync: mark error %s: %v", account.Address, merr)
			}
		}
		return err
	}

	if merr := o.store.MarkError(ctx, account.ID, err.Error(), now); merr != nil {
		log.Printf("sync: mark error %s: %v", account.Address, merr)
	}
	return err
}

// ThreadMessages is the on-demand body-level fetch for one conversation,
// invoked when a human views a thread. Not part of background sync.
func (o *Orchestrator) ThreadMessages(ctx context.Context, accountID, conversationKey string) ([]models.MessageMeta, error) {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", accountID)
	}

	provider, err := o.buildProvider(ctx, account)
	if err != nil {
		return nil, err
	}
	return provider.ThreadMessages(ctx, conversationKey)
}

func (o *Orchestrator) buildProvider(ctx context.Context, account *models.Account) (MailProvider, error) {
	token, err := o.tokens.GetValidAccessToken(ctx, account)
	if err != nil {
		return nil, err
	}
	return o.factory(ctx, token, account)
}

func conversationKey(conv RawConversation) string {
	if conv.Key != "" {
		return conv.Key
	}
	return DeriveConversationKey(conv.Messages[0])
}

func isReauthError(lastError string) bool {
	return strings.HasPrefix(lastError, "reauth")
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
