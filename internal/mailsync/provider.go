// Package mailsync is the multi-provider mailbox synchronization engine: it
// drives provider adapters through the per-account sync lifecycle, unifies raw
// provider conversations into canonical threads, and arbitrates between push
// and polling delivery.
package mailsync

import (
	"context"
	"sort"
	"time"

	"github.com/bavit-uk/backend-sub003/internal/models"
)

// ListOptions bound and scope a background list call.
type ListOptions struct {
	Folder string
	Limit  int64
}

// RawConversation is one provider conversation: the provider-supplied grouping
// key (empty when the provider has no native threading for the message) plus
// its raw message metadata. Adapters never parse bodies for these.
type RawConversation struct {
	Key      string
	Messages []models.MessageMeta
}

// MailProvider is the capability set each provider adapter implements.
//
// ListThreadsSince fetches conversations changed since cursor; an empty cursor
// means full fetch bounded by opts.Limit. The returned cursor is opaque and
// monotonic per provider. Adapters surface only the engine error taxonomy
// (TransientError, AuthError), never raw transport errors.
type MailProvider interface {
	ListThreadsSince(ctx context.Context, cursor string, opts ListOptions) ([]RawConversation, string, error)

	// ThreadMessages fetches full messages for one conversation on demand.
	// Only called when a human views a thread, never during background sync.
	ThreadMessages(ctx context.Context, conversationKey string) ([]models.MessageMeta, error)

	// RegisterWatch creates or renews the provider push subscription and
	// returns its expiry.
	RegisterWatch(ctx context.Context) (time.Time, error)
}

// ProviderFactory builds a MailProvider for an account with a valid access token.
type ProviderFactory func(ctx context.Context, accessToken string, account *models.Account) (MailProvider, error)

// TokenSource yields a valid access token for an account, refreshing when
// needed. Returns ErrReauthRequired when the credential is beyond repair.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, account *models.Account) (string, error)
	ForceRefresh(ctx context.Context, account *models.Account) (string, error)
}

// NewMailEvent is the payload emitted to connected clients when a thread gains
// new mail.
type NewMailEvent struct {
	ThreadID        string    `json:"threadId"`
	ConversationKey string    `json:"conversationKey"`
	Preview         string    `json:"preview"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// Notifier fans a new-mail event out to connected clients. One-way, best-effort.
type Notifier interface {
	EmitNewMail(accountID, accountAddress string, evt NewMailEvent)
}

// GroupMessages buckets normalized messages into conversations by their native
// thread id, deriving a stable fallback key for messages without one. Both
// adapters use it for client-side grouping.
func GroupMessages(msgs []models.MessageMeta) []RawConversation {
	byKey := make(map[string]*RawConversation)
	var order []string

	for _, m := range msgs {
		key := m.ThreadID
		if key == "" {
			key = DeriveConversationKey(m)
		}
		conv, ok := byKey[key]
		if !ok {
			conv = &RawConversation{Key: m.ThreadID}
			byKey[key] = conv
			order = append(order, key)
		}
		conv.Messages = append(conv.Messages, m)
	}

	out := make([]RawConversation, 0, len(order))
	for _, key := range order {
		conv := byKey[key]
		sort.Slice(conv.Messages, func(i, j int) bool {
			return conv.Messages[i].Date.Before(conv.Messages[j].Date)
		})
		out = append(out, *conv)
	}
	return out
}
