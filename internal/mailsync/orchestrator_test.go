package mailsync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavit-uk/backend-sub003/internal/config"
	"github.com/bavit-uk/backend-sub003/internal/models"
	"github.com/bavit-uk/backend-sub003/internal/store"
)

type fakeProvider struct {
	mu         sync.Mutex
	listCalls  int
	listFn     func(call int, cursor string) ([]RawConversation, string, error)
	watchErr   error
	watchUntil time.Time
	messages   []models.MessageMeta
}

func (p *fakeProvider) ListThreadsSince(ctx context.Context, cursor string, opts ListOptions) ([]RawConversation, string, error) {
	p.mu.Lock()
	p.listCalls++
	call := p.listCalls
	p.mu.Unlock()
	return p.listFn(call, cursor)
}

func (p *fakeProvider) ThreadMessages(ctx context.Context, conversationKey string) ([]models.MessageMeta, error) {
	return p.messages, nil
}

func (p *fakeProvider) RegisterWatch(ctx context.Context) (time.Time, error) {
	if p.watchErr != nil {
		return time.Time{}, p.watchErr
	}
	return p.watchUntil, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	err       error
	refreshes int
}

func (f *fakeTokens) GetValidAccessToken(ctx context.Context, account *models.Account) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, account *models.Account) (string, error) {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []NewMailEvent
}

func (n *fakeNotifier) EmitNewMail(accountID, accountAddress string, evt NewMailEvent) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func testConfig() config.Config {
	return config.Config{
		MinSyncInterval:  2 * time.Minute,
		AccountDelay:     0,
		SyncBatchSize:    5,
		FetchLimit:       100,
		StuckThreshold:   30 * time.Minute,
		RecoveryCooldown: 15 * time.Minute,
		TransientRetries: 2,
		WatchInterval:    30 * time.Minute,
	}
}

type harness struct {
	store        *store.Store
	provider     *fakeProvider
	tokens       *fakeTokens
	notifier     *fakeNotifier
	orchestrator *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:    st,
		provider: &fakeProvider{watchErr: errors.New("push not configured")},
		tokens:   &fakeTokens{token: "tok-1"},
		notifier: &fakeNotifier{},
	}
	factory := func(ctx context.Context, accessToken string, account *models.Account) (MailProvider, error) {
		return h.provider, nil
	}
	h.orchestrator = NewOrchestrator(st, h.tokens, h.notifier, factory, testConfig())
	return h
}

func (h *harness) addAccount(t *testing.T) *models.Account {
	t.Helper()
	a := &models.Account{
		ID:              uuid.NewString(),
		Address:         uuid.NewString() + "@example.com",
		Provider:        models.ProviderGmail,
		AccessTokenEnc:  "enc",
		RefreshTokenEnc: "enc",
		TokenExpiry:     time.Now().Add(time.Hour),
		IsActive:        true,
	}
	require.NoError(t, h.store.CreateAccount(context.Background(), a))
	return a
}

func oneConversation(key string, last time.Time) []RawConversation {
	return []RawConversation{{
		Key: key,
		Messages: []models.MessageMeta{
			{
				MessageID: "m1", ThreadID: key, Subject: "Hello",
				From: models.Participant{Address: "peer@example.com"},
				Date: last.Add(-time.Hour), IsRead: true,
			},
			{
				MessageID: "m2", ThreadID: key, Subject: "Re: Hello",
				From:    models.Participant{Address: "peer@example.com"},
				Snippet: "latest", Date: last,
			},
		},
	}}
}

func TestSyncAccountFirstPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)
	last := time.Now().Truncate(time.Second)

	h.provider.listFn = func(call int, cursor string) ([]RawConversation, string, error) {
		assert.Empty(t, cursor, "uninitialized account starts with a full fetch")
		return oneConversation("conv-1", last), "cursor-1", nil
	}

	require.NoError(t, h.orchestrator.SyncAccount(ctx, a.ID))

	got, err := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", got.SyncState.LastHistoryCursor)
	assert.Equal(t, models.StatusPolling, got.SyncState.Status, "failed push registration downgrades to polling")
	assert.False(t, got.SyncState.IsProcessing, "lock released after the pass")
	assert.NotNil(t, got.SyncState.LastSyncAt)

	thread, err := h.store.GetThread(ctx, a.ID, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)
	assert.Equal(t, "latest", thread.Preview)

	require.Equal(t, 1, h.notifier.count())
}

func TestSyncAccountSecondPassIsQuiet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)
	last := time.Now().Truncate(time.Second)

	h.provider.listFn = func(call int, cursor string) ([]RawConversation, string, error) {
		if call > 1 {
			assert.Equal(t, "cursor-1", cursor, "second pass resumes from the stored cursor")
		}
		return oneConversation("conv-1", last), "cursor-1", nil
	}

	require.NoError(t, h.orchestrator.SyncAccount(ctx, a.ID))
	require.NoError(t, h.orchestrator.SyncAccount(ctx, a.ID))

	thread, err := h.store.GetThread(ctx, a.ID, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount, "replaying the same window does not double-count")
	assert.Equal(t, 1, h.notifier.count(), "no new mail means no second event")
}

func TestSyncAccountSuccessfulWatchUpgrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)

	expiry := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	h.provider.watchErr = nil
	h.provider.watchUntil = expiry
	h.provider.listFn = func(call int, cursor string) ([]RawConversation, string, error) {
		return nil, "cursor-1", nil
	}

	require.NoError(t, h.orchestrator.SyncAccount(ctx, a.ID))

	got, err := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWatching, got.SyncState.Status)
	require.NotNil(t, got.SyncState.WatchExpiration)
	assert.Equal(t, expiry.Unix(), got.SyncState.WatchExpiration.Unix())
}

func TestSyncAccountSkipsWhenLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)

	claimed, err := h.store.ClaimProcessing(ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	h.provider.listFn = func(call int, cursor string) ([]RawConversation, string, error) {
		t.Fatal("provider must not be called while another worker holds the lock")
		return nil, "", nil
	}

	require.NoError(t, h.orchestrator.SyncAccount(ctx, a.ID))
	assert.Zero(t, h.provider.calls())

	got, err := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncState.IsProcessing, "skipping must not clear a lock it does not own")
}

func TestSyncAccountAuthRetryRefreshesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)
	last := time.Now().Truncate(time.Second)

	h.provider.listFn = func(call int, cursor string) ([]RawConversation, string, error) {
		if call == 1 {
			return nil, "", Auth(errors.New("401"))
		}
		return oneConversation("conv-1", last), "cursor-1", nil
	}

	require.NoError(t, h.orchestrator.SyncAccount(ctx, a.ID))
	assert.Equal(t, 1, h.tokens.refreshes)
	assert.Equal(t, 2, h.provider.calls())
}

func TestSyncAccountTransientEscalatesToError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)

	h.provider.listFn = func(call int, cursor string) ([]RawConversation, string, error) {
		return nil, "", Transient(errors.New("upstream 503"))
	}

	// first failing pass only records the streak
	err := h.orchestrator.SyncAccount(ctx, a.ID)
	require.Error(t, err)
	got, err2 := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err2)
	assert.NotEqual(t, models.StatusError, got.SyncState.Status)
	assert.Equal(t, 1, got.SyncState.RetryCount)
	assert.False(t, got.SyncState.IsProcessing)

	// the streak limit flips the account into the error state
	err = h.orchestrator.SyncAccount(ctx, a.ID)
	require.Error(t, err)
	got, err2 = h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err2)
	assert.Equal(t, models.StatusError, got.SyncState.Status)
	assert.Contains(t, got.SyncState.LastError, "giving up after 2 consecutive failures")
}

func TestReauthIsTerminalForRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)

	h.tokens.err = ErrReauthRequired

	err := h.orchestrator.SyncAccount(ctx, a.ID)
	require.ErrorIs(t, err, ErrReauthRequired)

	got, err2 := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err2)
	assert.Equal(t, models.StatusError, got.SyncState.Status)
	assert.Contains(t, got.SyncState.LastError, "reauth_required")

	// age the error past the cooldown; the recovery sweep must still skip it
	require.NoError(t, h.store.MarkError(ctx, a.ID, got.SyncState.LastError, time.Now().Add(-time.Hour)))
	h.orchestrator.RunRecoverySweep(ctx)

	got, err2 = h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err2)
	assert.Equal(t, models.StatusError, got.SyncState.Status, "reauth accounts wait for the user")
}

func TestRecoverySweepReArmsErrorAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)

	require.NoError(t, h.store.MarkSynced(ctx, a.ID, "cursor-9", models.StatusComplete, time.Now()))
	require.NoError(t, h.store.MarkError(ctx, a.ID, "upstream 503", time.Now().Add(-time.Hour)))

	h.orchestrator.RunRecoverySweep(ctx)

	got, err := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitial, got.SyncState.Status)
	assert.Empty(t, got.SyncState.LastHistoryCursor, "recovery forces a full resync")
	assert.Empty(t, got.SyncState.LastError)
}

func TestHealthSweepReclaimsStuckLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)

	_, err := h.store.ClaimProcessing(ctx, a.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	h.orchestrator.RunHealthSweep(ctx)

	got, err := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.SyncState.IsProcessing)
	assert.Equal(t, models.StatusError, got.SyncState.Status)
	assert.Contains(t, got.SyncState.LastError, "sync lock reclaimed")
}

func TestRunSyncSweepProcessesDueAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)
	b := h.addAccount(t)
	last := time.Now().Truncate(time.Second)

	h.provider.listFn = func(call int, cursor string) ([]RawConversation, string, error) {
		return oneConversation("conv-1", last), "cursor-1", nil
	}

	h.orchestrator.RunSyncSweep(ctx)

	for _, id := range []string{a.ID, b.ID} {
		got, err := h.store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "cursor-1", got.SyncState.LastHistoryCursor)
		assert.NotNil(t, got.SyncState.LastSyncAt)
	}
}

func TestWatchSweepRenewsExpiringSubscriptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAccount(t)

	soon := time.Now().Add(10 * time.Minute)
	require.NoError(t, h.store.SetWatch(ctx, a.ID, models.StatusWatching, &soon))

	renewed := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	h.provider.watchErr = nil
	h.provider.watchUntil = renewed

	h.orchestrator.RunWatchSweep(ctx)

	got, err := h.store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWatching, got.SyncState.Status)
	require.NotNil(t, got.SyncState.WatchExpiration)
	assert.Equal(t, renewed.Unix(), got.SyncState.WatchExpiration.Unix())
}

func TestTriggerManualSyncUnknownAccount(t *testing.T) {
	h := newHarness(t)
	err := h.orchestrator.TriggerManualSync(context.Background(), "missing")
	require.Error(t, err)
}
