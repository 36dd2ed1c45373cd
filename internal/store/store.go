// Package store persists accounts and canonical threads in SQLite. It owns the
// durable is_processing flag, so account-level mutual exclusion survives
// restarts and holds across orchestrator processes.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bavit-uk/backend-sub003/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	DB *sql.DB
}

// Open opens or creates the sync database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

const accountColumns = `id, address, provider, access_token_enc, refresh_token_enc, token_expiry,
	is_active, status, is_processing, last_processing_start, last_sync_at, last_history_cursor,
	watch_expiration, last_error, last_error_at, retry_count, last_recovery_at, created_at, updated_at`

// CreateAccount inserts a freshly linked account.
func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.SyncState.Status == "" {
		a.SyncState.Status = models.StatusUninitialized
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, address, provider, access_token_enc, refresh_token_enc, token_expiry,
			is_active, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Address, string(a.Provider), a.AccessTokenEnc, a.RefreshTokenEnc, a.TokenExpiry.Unix(),
		boolInt(a.IsActive), string(a.SyncState.Status), now.Unix(), now.Unix())

	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount loads one account by id. Returns nil when absent.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByAddress loads one account by its mailbox address.
func (s *Store) GetAccountByAddress(ctx context.Context, address string) (*models.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE address = ?`, address)
	return scanAccount(row)
}

// ListAccounts returns accounts, optionally only active ones.
func (s *Store) ListAccounts(ctx context.Context, activeOnly bool) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// SetAccountActive soft-enables or soft-disables an account. Revoked accounts
// are never hard-deleted.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?
	`, boolInt(active), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set active: %w", err)
	}
	return nil
}

// SaveTokens persists a refreshed token pair. The vault calls this before
// handing the new access token to anyone.
func (s *Store) SaveTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET access_token_enc = ?, refresh_token_enc = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?
	`, accessEnc, refreshEnc, expiry.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// ClaimProcessing atomically test-and-sets the processing lock. Returns false
// when another worker already holds it.
func (s *Store) ClaimProcessing(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET is_processing = 1, last_processing_start = ?, updated_at = ?
		WHERE id = ? AND is_processing = 0
	`, now.Unix(), now.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim processing: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseProcessing clears the processing lock regardless of outcome.
func (s *Store) ReleaseProcessing(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET is_processing = 0, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to release processing: %w", err)
	}
	return nil
}

// SetStatus updates only the lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id string, status models.SyncStatus) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// MarkSynced records a successful sync pass: new cursor, fresh last_sync_at,
// cleared error and retry state.
func (s *Store) MarkSynced(ctx context.Context, id, cursor string, status models.SyncStatus, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET last_history_cursor = ?, last_sync_at = ?, status = ?,
		    last_error = '', last_error_at = NULL, retry_count = 0, updated_at = ?
		WHERE id = ?
	`, cursor, now.Unix(), string(status), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	return nil
}

// MarkError flips the account into the error state with a diagnostic message.
func (s *Store) MarkError(ctx context.Context, id, msg string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, last_error = ?, last_error_at = ?, updated_at = ?
		WHERE id = ?
	`, string(models.StatusError), msg, now.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark error: %w", err)
	}
	return nil
}

// MarkTransientFailure records a retryable failure without leaving the current
// lifecycle state. Returns the new consecutive failure count.
func (s *Store) MarkTransientFailure(ctx context.Context, id, msg string, now time.Time) (int, error) {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET last_error = ?, last_error_at = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
	`, msg, now.Unix(), now.Unix(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark transient failure: %w", err)
	}

	var count int
	err = s.DB.QueryRowContext(ctx, `SELECT retry_count FROM accounts WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return count, nil
}

// SetWatch records the steady-state delivery mode and, for watching accounts,
// the push subscription expiry.
func (s *Store) SetWatch(ctx context.Context, id string, status models.SyncStatus, expiration *time.Time) error {
	var exp any
	if expiration != nil {
		exp = expiration.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, watch_expiration = ?, updated_at = ? WHERE id = ?
	`, string(status), exp, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set watch state: %w", err)
	}
	return nil
}

// DueAccounts selects up to limit active, unlocked accounts whose last sync is
// absent or older than minInterval, in an eligible lifecycle state. Polling
// accounts are eligible by definition; watching accounts ride push delivery
// and error accounts only re-arm through the recovery sweep.
func (s *Store) DueAccounts(ctx context.Context, now time.Time, minInterval time.Duration, limit int) ([]models.Account, error) {
	cutoff := now.Add(-minInterval).Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_active = 1
		  AND is_processing = 0
		  AND status IN (?, ?, ?, ?, ?)
		  AND (last_sync_at IS NULL OR last_sync_at <= ?)
		ORDER BY last_sync_at ASC
		LIMIT ?
	`, string(models.StatusUninitialized), string(models.StatusInitial),
		string(models.StatusHistorical), string(models.StatusComplete),
		string(models.StatusPolling), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// StuckAccounts returns accounts whose processing lock has persisted past the
// stuck threshold - a worker crashed or hung before clearing it.
func (s *Store) StuckAccounts(ctx context.Context, now time.Time, threshold time.Duration) ([]models.Account, error) {
	cutoff := now.Add(-threshold).Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_processing = 1
		  AND (last_processing_start IS NULL OR last_processing_start <= ?)
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// RecoverableAccounts returns error accounts whose last recovery attempt (or
// last error) is older than the cooldown.
func (s *Store) RecoverableAccounts(ctx context.Context, now time.Time, cooldown time.Duration) ([]models.Account, error) {
	cutoff := now.Add(-cooldown).Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_active = 1
		  AND status = ?
		  AND (last_recovery_at IS NULL OR last_recovery_at <= ?)
		  AND (last_error_at IS NULL OR last_error_at <= ?)
	`, string(models.StatusError), cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query recoverable accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ResetForResync re-arms an account from scratch: cursor cleared so the next
// pass performs a full fetch.
func (s *Store) ResetForResync(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, last_history_cursor = '', is_processing = 0,
		    last_error = '', last_error_at = NULL, retry_count = 0,
		    last_recovery_at = ?, updated_at = ?
		WHERE id = ?
	`, string(models.StatusInitial), now.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to reset account: %w", err)
	}
	return nil
}

// StatusCounts aggregates active account counts per lifecycle status.
func (s *Store) StatusCounts(ctx context.Context) (map[models.SyncStatus]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM accounts WHERE is_active = 1 GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpsertThread creates or replaces the canonical thread keyed by
// (account_id, conversation_key). Re-applying the same snapshot is idempotent.
func (s *Store) UpsertThread(ctx context.Context, t *models.Thread) error {
	participants, err := json.Marshal(t.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	labels, err := json.Marshal(t.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	now := time.Now()
	t.UpdatedAt = now

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO threads (id, account_id, conversation_key, subject, normalized_subject,
			participants_json, labels_json, message_count, unread_count, is_read, is_starred,
			has_attachments, size_total, first_message_at, last_message_at, folder, category,
			preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, conversation_key) DO UPDATE SET
			subject = excluded.subject,
			normalized_subject = excluded.normalized_subject,
			participants_json = excluded.participants_json,
			labels_json = excluded.labels_json,
			message_count = excluded.message_count,
			unread_count = excluded.unread_count,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			has_attachments = excluded.has_attachments,
			size_total = excluded.size_total,
			first_message_at = excluded.first_message_at,
			last_message_at = excluded.last_message_at,
			folder = excluded.folder,
			category = excluded.category,
			preview = excluded.preview,
			updated_at = excluded.updated_at
	`, t.ID, t.AccountID, t.ConversationKey, t.Subject, t.NormalizedSubject,
		string(participants), string(labels), t.MessageCount, t.UnreadCount, boolInt(t.IsRead),
		boolInt(t.IsStarred), boolInt(t.HasAttachments), t.SizeTotal,
		t.FirstMessageAt.Unix(), t.LastMessageAt.Unix(), t.Folder, t.Category,
		t.Preview, now.Unix())

	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}
	return nil
}

// GetThread loads one thread by its natural key. Returns nil when absent.
func (s *Store) GetThread(ctx context.Context, accountID, conversationKey string) (*models.Thread, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE account_id = ? AND conversation_key = ?
	`, accountID, conversationKey)

	return scanThread(row)
}

// ThreadFilter narrows ListThreads results.
type ThreadFilter struct {
	Folder     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// ListThreads returns an account's threads newest-first.
func (s *Store) ListThreads(ctx context.Context, accountID string, f ThreadFilter) ([]models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE account_id = ?`
	args := []any{accountID}

	if f.Folder != "" {
		query += ` AND folder = ?`
		args = append(args, f.Folder)
	}
	if f.UnreadOnly {
		query += ` AND unread_count > 0`
	}

	query += ` ORDER BY last_message_at DESC`

	if f.Limit <= 0 {
		f.Limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

const threadColumns = `id, account_id, conversation_key, subject, normalized_subject,
	participants_json, labels_json, message_count, unread_count, is_read, is_starred,
	has_attachments, size_total, first_message_at, last_message_at, folder, category,
	preview, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var provider, status string
	var isActive, isProcessing int
	var tokenExpiry, createdAt, updatedAt int64
	var procStart, lastSync, watchExp, lastErrAt, lastRecovery sql.NullInt64

	err := row.Scan(&a.ID, &a.Address, &provider, &a.AccessTokenEnc, &a.RefreshTokenEnc,
		&tokenExpiry, &isActive, &status, &isProcessing, &procStart, &lastSync,
		&a.SyncState.LastHistoryCursor, &watchExp, &a.SyncState.LastError, &lastErrAt,
		&a.SyncState.RetryCount, &lastRecovery, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.Provider = models.Provider(provider)
	a.TokenExpiry = time.Unix(tokenExpiry, 0)
	a.IsActive = isActive == 1
	a.SyncState.Status = models.SyncStatus(status)
	a.SyncState.IsProcessing = isProcessing == 1
	a.SyncState.LastProcessingStart = nullTime(procStart)
	a.SyncState.LastSyncAt = nullTime(lastSync)
	a.SyncState.WatchExpiration = nullTime(watchExp)
	a.SyncState.LastErrorAt = nullTime(lastErrAt)
	a.SyncState.LastRecoveryAt = nullTime(lastRecovery)
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return &a, nil
}

func scanAccounts(rows *sql.Rows) ([]models.Account, error) {
	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var t models.Thread
	var participants, labels string
	var isRead, isStarred, hasAttachments int
	var firstAt, lastAt, updatedAt int64

	err := row.Scan(&t.ID, &t.AccountID, &t.ConversationKey, &t.Subject, &t.NormalizedSubject,
		&participants, &labels, &t.MessageCount, &t.UnreadCount, &isRead, &isStarred,
		&hasAttachments, &t.SizeTotal, &firstAt, &lastAt, &t.Folder, &t.Category,
		&t.Preview, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}

	if err := json.Unmarshal([]byte(participants), &t.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}

	t.IsRead = isRead == 1
	t.IsStarred = isStarred == 1
	t.HasAttachments = hasAttachments == 1
	t.FirstMessageAt = time.Unix(firstAt, 0)
	t.LastMessageAt = time.Unix(lastAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
