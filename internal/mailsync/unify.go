package mailsync

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bavit-uk/backend-sub003/internal/models"
)

var (
	replyMarker = regexp.MustCompile(`(?i)^(re|fwd?|fw)\s*:\s*`)
	bracketTag  = regexp.MustCompile(`^\[[^\]]*\]\s*`)
)

// NormalizeSubject strips reply/forward markers and bracketed tags, trims and
// lower-cases. Used for comparison only; the display subject keeps its casing.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		prev := s
		s = strings.TrimSpace(replyMarker.ReplaceAllString(s, ""))
		s = strings.TrimSpace(bracketTag.ReplaceAllString(s, ""))
		if s == prev {
			break
		}
	}
	return strings.ToLower(s)
}

// DeriveConversationKey builds a stable grouping key for a message without a
// native thread id: the In-Reply-To header, then the first References entry,
// then a hash of the normalized subject. The same logical conversation maps to
// the same key even across adapters that lack native threading.
func DeriveConversationKey(m models.MessageMeta) string {
	if m.ThreadID != "" {
		return m.ThreadID
	}

	if seed := headerValue(m.Headers, "In-Reply-To"); seed != "" {
		return hashKey(seed)
	}
	if refs := headerValue(m.Headers, "References"); refs != "" {
		if first := strings.Fields(refs); len(first) > 0 {
			return hashKey(first[0])
		}
	}
	return hashKey("subject:" + NormalizeSubject(m.Subject))
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.Trim(strings.TrimSpace(v), "<>")
		}
	}
	return ""
}

func hashKey(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return "drv-" + hex.EncodeToString(sum[:12])
}

// Unify maps one raw provider conversation into the canonical thread record
// and, when a stored thread exists, resolves field-level conflicts. Messages
// are processed oldest to newest so the aggregates are deterministic.
//
// Known limitation: a conversation first keyed by a derived header hash is not
// re-keyed when the provider later supplies a native id; the split is accepted.
func Unify(conv RawConversation, accountID string, existing *models.Thread) (*models.Thread, []models.ConflictRecord) {
	msgs := make([]models.MessageMeta, len(conv.Messages))
	copy(msgs, conv.Messages)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Date.Before(msgs[j].Date) })

	key := conv.Key
	if key == "" {
		key = DeriveConversationKey(msgs[0])
	}

	incoming := buildThread(msgs, accountID, key)
	if existing == nil {
		incoming.ID = uuid.NewString()
		return incoming, nil
	}

	return merge(existing, incoming)
}

// buildThread derives the aggregate thread fields from a full conversation.
func buildThread(msgs []models.MessageMeta, accountID, key string) *models.Thread {
	t := &models.Thread{
		AccountID:       accountID,
		ConversationKey: key,
		MessageCount:    len(msgs),
	}

	participants := make(map[string]models.Participant)
	labels := make(map[string]struct{})

	for i, m := range msgs {
		if t.Subject == "" && m.Subject != "" {
			t.Subject = m.Subject
		}
		if i == 0 || m.Date.Before(t.FirstMessageAt) {
			t.FirstMessageAt = m.Date
		}
		if m.Date.After(t.LastMessageAt) {
			t.LastMessageAt = m.Date
			t.Preview = m.Snippet
		}
		if !m.IsRead {
			t.UnreadCount++
		}
		if m.IsStarred {
			t.IsStarred = true
		}
		if m.HasAttachment {
			t.HasAttachments = true
		}
		if t.Folder == "" && m.Folder != "" {
			t.Folder = m.Folder
		}
		t.SizeTotal += m.SizeEstimate

		addParticipant(participants, m.From)
		for _, p := range m.To {
			addParticipant(participants, p)
		}
		for _, p := range m.Cc {
			addParticipant(participants, p)
		}
		for _, l := range m.Labels {
			labels[l] = struct{}{}
		}
	}

	t.NormalizedSubject = NormalizeSubject(t.Subject)
	t.IsRead = t.UnreadCount == 0
	if t.Folder == "" {
		t.Folder = "inbox"
	}
	t.Participants = sortedParticipants(participants)
	t.Labels = sortedSet(labels)
	return t
}

// merge applies the incoming snapshot over the stored thread. Scalar fields
// take the incoming value (newer_wins); set-valued fields union (merge).
// Counts and extremes combine idempotently so a duplicated sync pass cannot
// double-count.
func merge(stored, incoming *models.Thread) (*models.Thread, []models.ConflictRecord) {
	var conflicts []models.ConflictRecord

	out := *incoming
	out.ID = stored.ID

	if stored.Subject != incoming.Subject {
		conflicts = append(conflicts, models.ConflictRecord{
			Field: "subject", Stored: stored.Subject, Incoming: incoming.Subject,
			Resolution: models.ResolveNewerWins,
		})
	}
	if stored.IsRead != incoming.IsRead {
		conflicts = append(conflicts, models.ConflictRecord{
			Field: "isRead", Stored: stored.IsRead, Incoming: incoming.IsRead,
			Resolution: models.ResolveNewerWins,
		})
	}
	if stored.IsStarred != incoming.IsStarred {
		conflicts = append(conflicts, models.ConflictRecord{
			Field: "isStarred", Stored: stored.IsStarred, Incoming: incoming.IsStarred,
			Resolution: models.ResolveNewerWins,
		})
	}

	if !sameSet(stored.Labels, incoming.Labels) {
		conflicts = append(conflicts, models.ConflictRecord{
			Field: "labels", Stored: stored.Labels, Incoming: incoming.Labels,
			Resolution: models.ResolveMerge,
		})
	}
	out.Labels = unionStrings(stored.Labels, incoming.Labels)
	out.Participants = unionParticipants(stored.Participants, incoming.Participants)

	// A provider fetch window can truncate older messages the store already
	// knows about; combine extremes instead of trusting the window.
	if stored.FirstMessageAt.Before(out.FirstMessageAt) {
		out.FirstMessageAt = stored.FirstMessageAt
	}
	if stored.LastMessageAt.After(out.LastMessageAt) {
		out.LastMessageAt = stored.LastMessageAt
		out.Preview = stored.Preview
	}
	if stored.MessageCount > out.MessageCount {
		out.MessageCount = stored.MessageCount
	}
	if stored.SizeTotal > out.SizeTotal {
		out.SizeTotal = stored.SizeTotal
	}
	if stored.HasAttachments {
		out.HasAttachments = true
	}

	return &out, conflicts
}

// HasNewMail reports whether incoming advances the stored thread's latest
// activity, meaning connected clients should hear about it.
func HasNewMail(stored *models.Thread, incoming *models.Thread) bool {
	if stored == nil {
		return true
	}
	return incoming.LastMessageAt.After(stored.LastMessageAt)
}

func addParticipant(set map[string]models.Participant, p models.Participant) {
	addr := strings.ToLower(strings.TrimSpace(p.Address))
	if addr == "" {
		return
	}
	if cur, ok := set[addr]; ok {
		if cur.Name == "" && p.Name != "" {
			set[addr] = models.Participant{Address: addr, Name: p.Name}
		}
		return
	}
	set[addr] = models.Participant{Address: addr, Name: p.Name}
}

func sortedParticipants(set map[string]models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func unionStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	return sortedSet(set)
}

func unionParticipants(a, b []models.Participant) []models.Participant {
	set := make(map[string]models.Participant, len(a)+len(b))
	for _, p := range a {
		addParticipant(set, p)
	}
	for _, p := range b {
		addParticipant(set, p)
	}
	return sortedParticipants(set)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
