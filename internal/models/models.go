// Package models holds the canonical account and thread records shared by the
// store, the provider adapters and the sync engine.
package models

import (
	"time"
)

// Provider identifies which external mailbox API an account belongs to.
type Provider string

const (
	ProviderGmail   Provider = "GMAIL"
	ProviderOutlook Provider = "OUTLOOK"
)

// SyncStatus is the per-account sync lifecycle state.
type SyncStatus string

const (
	StatusUninitialized SyncStatus = "uninitialized"
	StatusInitial       SyncStatus = "initial"
	StatusHistorical    SyncStatus = "historical"
	StatusWatching      SyncStatus = "watching"
	StatusPolling       SyncStatus = "polling"
	StatusComplete      SyncStatus = "complete"
	StatusError         SyncStatus = "error"
)

// SyncState is embedded in Account and mutated by every sync cycle.
type SyncState struct {
	Status              SyncStatus `json:"status"`
	IsProcessing        bool       `json:"isProcessing"`
	LastProcessingStart *time.Time `json:"lastProcessingStart,omitempty"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
	LastHistoryCursor   string     `json:"lastHistoryCursor,omitempty"`
	WatchExpiration     *time.Time `json:"watchExpiration,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty"`
	RetryCount          int        `json:"retryCount"`
	LastRecoveryAt      *time.Time `json:"lastRecoveryAt,omitempty"`
}

// Account is one external mailbox connection. Token ciphertext is opaque here;
// only the vault decrypts it.
type Account struct {
	ID              string    `json:"id"`
	Address         string    `json:"address"`
	Provider        Provider  `json:"provider"`
	AccessTokenEnc  string    `json:"-"`
	RefreshTokenEnc string    `json:"-"`
	TokenExpiry     time.Time `json:"tokenExpiry"`
	IsActive        bool      `json:"isActive"`
	SyncState       SyncState `json:"syncState"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NeedsSync reports whether the account is eligible for the next sync sweep.
// Watching accounts ride push delivery; error accounts are re-armed by the
// recovery sweep, not selected here.
func (a *Account) NeedsSync(now time.Time, minInterval time.Duration) bool {
	if !a.IsActive || a.SyncState.IsProcessing {
		return false
	}
	switch a.SyncState.Status {
	case StatusUninitialized, StatusInitial, StatusHistorical, StatusComplete, StatusPolling:
	default:
		return false
	}
	if a.SyncState.LastSyncAt == nil {
		return true
	}
	return now.Sub(*a.SyncState.LastSyncAt) >= minInterval
}

// Participant is one deduplicated address in a thread.
type Participant struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Thread is the canonical conversation unit keyed by (AccountID, ConversationKey).
type Thread struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"accountId"`
	ConversationKey   string        `json:"conversationKey"`
	Subject           string        `json:"subject"`
	NormalizedSubject string        `json:"normalizedSubject"`
	Participants      []Participant `json:"participants"`
	Labels            []string      `json:"labels,omitempty"`
	MessageCount      int           `json:"messageCount"`
	UnreadCount       int           `json:"unreadCount"`
	IsRead            bool          `json:"isRead"`
	IsStarred         bool          `json:"isStarred"`
	HasAttachments    bool          `json:"hasAttachments"`
	SizeTotal         int64         `json:"sizeTotal"`
	FirstMessageAt    time.Time     `json:"firstMessageAt"`
	LastMessageAt     time.Time     `json:"lastMessageAt"`
	Folder            string        `json:"folder"`
	Category          string        `json:"category,omitempty"`
	Preview           string        `json:"preview,omitempty"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// ConflictResolution tags how a differing field is resolved during unification.
type ConflictResolution string

const (
	// ResolveNewerWins replaces the stored scalar with the incoming value.
	ResolveNewerWins ConflictResolution = "newer_wins"
	// ResolveMerge unions set-valued fields instead of overwriting.
	ResolveMerge ConflictResolution = "merge"
)

// ConflictRecord is a transient field-level diff produced while merging an
// incoming thread snapshot into a stored one. It is logged, never persisted.
type ConflictRecord struct {
	Field      string             `json:"field"`
	Stored     any                `json:"stored"`
	Incoming   any                `json:"incoming"`
	Resolution ConflictResolution `json:"resolution"`
}

// MessageMeta is normalized per-message metadata across providers. Adapters
// fill it from list responses; bodies are never fetched during background sync.
type MessageMeta struct {
	Provider      Provider          `json:"provider"`
	MessageID     string            `json:"messageId"`
	ThreadID      string            `json:"threadId,omitempty"`
	Subject       string            `json:"subject"`
	From          Participant       `json:"from"`
	To            []Participant     `json:"to,omitempty"`
	Cc            []Participant     `json:"cc,omitempty"`
	Snippet       string            `json:"snippet,omitempty"`
	Labels        []string          `json:"labels,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Folder        string            `json:"folder,omitempty"`
	IsRead        bool              `json:"isRead"`
	IsStarred     bool              `json:"isStarred"`
	HasAttachment bool              `json:"hasAttachment"`
	SizeEstimate  int64             `json:"sizeEstimate"`
	Date          time.Time         `json:"date"`
	Body          string            `json:"body,omitempty"`
}
