// Package gmail implements the MailProvider capability set against the Gmail
// API. Incremental sync rides the history cursor; when the cursor is absent or
// expired the adapter falls back to a bounded full fetch.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bavit-uk/backend-sub003/internal/mailsync"
	"github.com/bavit-uk/backend-sub003/internal/models"
)

// Adapter talks to one Gmail mailbox with a delegated token.
type Adapter struct {
	svc         *gm.Service
	pubsubTopic string
}

// New builds an adapter around a short-lived access token. Token refresh is
// the vault's job, so no refresh token is wired in here.
func New(ctx context.Context, accessToken, pubsubTopic string) (*Adapter, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gm.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc, pubsubTopic: pubsubTopic}, nil
}

// ListThreadsSince fetches conversations changed since cursor. An empty cursor
// performs a full fetch bounded by opts.Limit and returns a fresh history
// cursor; otherwise only deltas since the stored history id are requested.
func (a *Adapter) ListThreadsSince(ctx context.Context, cursor string, opts mailsync.ListOptions) ([]mailsync.RawConversation, string, error) {
	if cursor == "" {
		return a.fullFetch(ctx, opts)
	}

	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	call := a.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(100)

	latest := startHistoryID
	threadIDs := make(map[string]struct{})

	err = call.Pages(ctx, func(page *gm.ListHistoryResponse) error {
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message != nil && added.Message.ThreadId != "" {
					threadIDs[added.Message.ThreadId] = struct{}{}
				}
			}
		}
		return nil
	})
	if err != nil {
		// an expired history id means the cursor window lapsed; rescan
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return a.fullFetch(ctx, opts)
		}
		return nil, "", mapErr(err)
	}

	var conversations []mailsync.RawConversation
	for threadID := range threadIDs {
		conv, err := a.fetchConversation(ctx, threadID)
		if err != nil {
			return nil, "", err
		}
		conversations = append(conversations, conv)
	}

	return conversations, strconv.FormatUint(latest, 10), nil
}

// fullFetch imports up to opts.Limit threads from the requested folder and
// anchors a new cursor at the mailbox's current history id.
func (a *Adapter) fullFetch(ctx context.Context, opts mailsync.ListOptions) ([]mailsync.RawConversation, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	list, err := a.svc.Users.Threads.List("me").
		LabelIds(folderLabel(opts.Folder)).
		MaxResults(limit).
		Context(ctx).Do()
	if err != nil {
		return nil, "", mapErr(err)
	}

	var conversations []mailsync.RawConversation
	for _, t := range list.Threads {
		conv, err := a.fetchConversation(ctx, t.Id)
		if err != nil {
			return nil, "", err
		}
		conversations = append(conversations, conv)
	}

	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, "", mapErr(err)
	}

	return conversations, strconv.FormatUint(profile.HistoryId, 10), nil
}

// fetchConversation loads one thread's message metadata. Bodies are not
// requested; background sync stays metadata-only.
func (a *Adapter) fetchConversation(ctx context.Context, threadID string) (mailsync.RawConversation, error) {
	thread, err := a.svc.Users.Threads.Get("me", threadID).
		Format("metadata").
		Context(ctx).Do()
	if err != nil {
		return mailsync.RawConversation{}, mapErr(err)
	}

	conv := mailsync.RawConversation{Key: threadID}
	for _, m := range thread.Messages {
		conv.Messages = append(conv.Messages, normalize(m))
	}
	return conv, nil
}

// ThreadMessages fetches a conversation's full messages including decoded
// text bodies. Invoked on demand when a thread is viewed.
func (a *Adapter) ThreadMessages(ctx context.Context, conversationKey string) ([]models.MessageMeta, error) {
	thread, err := a.svc.Users.Threads.Get("me", conversationKey).
		Format("full").
		Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err)
	}

	msgs := make([]models.MessageMeta, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		meta := normalize(m)
		meta.Body = extractBody(m.Payload)
		msgs = append(msgs, meta)
	}
	return msgs, nil
}

// RegisterWatch subscribes the mailbox to push notifications via Cloud
// Pub/Sub. Without a configured topic there is nothing to register, which the
// notification manager treats as a downgrade to polling.
func (a *Adapter) RegisterWatch(ctx context.Context) (time.Time, error) {
	if a.pubsubTopic == "" {
		return time.Time{}, errors.New("gmail watch: pub/sub topic not configured")
	}

	resp, err := a.svc.Users.Watch("me", &gm.WatchRequest{
		TopicName: a.pubsubTopic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return time.Time{}, mapErr(err)
	}

	return time.UnixMilli(resp.Expiration), nil
}

// normalize converts a Gmail message to provider-neutral metadata.
func normalize(m *gm.Message) models.MessageMeta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	meta := models.MessageMeta{
		Provider:     models.ProviderGmail,
		MessageID:    m.Id,
		ThreadID:     m.ThreadId,
		Subject:      headers["Subject"],
		From:         parseAddr(headers["From"]),
		To:           parseAddrList(headers["To"]),
		Cc:           parseAddrList(headers["Cc"]),
		Snippet:      m.Snippet,
		Labels:       m.LabelIds,
		Headers:      headers,
		Folder:       "inbox",
		IsRead:       true,
		SizeEstimate: m.SizeEstimate,
		Date:         time.UnixMilli(m.InternalDate),
	}

	for _, label := range m.LabelIds {
		switch label {
		case "UNREAD":
			meta.IsRead = false
		case "STARRED":
			meta.IsStarred = true
		case "SENT":
			meta.Folder = "sent"
		case "SPAM":
			meta.Folder = "spam"
		}
	}

	if m.Payload != nil {
		meta.HasAttachment = hasNamedPart(m.Payload)
	}
	return meta
}

func hasNamedPart(p *gm.MessagePart) bool {
	if p.Filename != "" {
		return true
	}
	for _, part := range p.Parts {
		if hasNamedPart(part) {
			return true
		}
	}
	return false
}

// extractBody walks the MIME tree for the first text/plain part.
func extractBody(p *gm.MessagePart) string {
	if p == nil {
		return ""
	}
	if p.MimeType == "text/plain" && p.Body != nil && p.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(p.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for _, part := range p.Parts {
		if body := extractBody(part); body != "" {
			return body
		}
	}
	return ""
}

func parseAddr(s string) models.Participant {
	if s == "" {
		return models.Participant{}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return models.Participant{Address: strings.TrimSpace(s)}
	}
	return models.Participant{Address: addr.Address, Name: addr.Name}
}

func parseAddrList(s string) []models.Participant {
	if s == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		// fall back to comma splitting for malformed lists
		var out []models.Participant
		for _, part := range strings.Split(s, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, models.Participant{Address: trimmed})
			}
		}
		return out
	}

	out := make([]models.Participant, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, models.Participant{Address: a.Address, Name: a.Name})
	}
	return out
}

func folderLabel(folder string) string {
	switch strings.ToLower(folder) {
	case "", "inbox":
		return "INBOX"
	case "sent":
		return "SENT"
	case "spam":
		return "SPAM"
	default:
		return strings.ToUpper(folder)
	}
}

// mapErr translates transport failures into the engine taxonomy: 401 means
// the token is invalid, rate limits and 5xx are retryable, everything else
// network-shaped is also retryable.
func mapErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return mailsync.Auth(err)
		case gerr.Code == 429 || gerr.Code >= 500:
			return mailsync.Transient(err)
		default:
			return err
		}
	}
	return mailsync.Transient(err)
}
