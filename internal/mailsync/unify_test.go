package mailsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavit-uk/backend-sub003/internal/models"
)

func TestNormalizeSubject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello world"},
		{"Re: Hello World", "hello world"},
		{"RE: re: Fwd: Hello", "hello"},
		{"[list] Re: Hello", "hello"},
		{"Re: [list] [other] Hello", "hello"},
		{"FW: budget", "budget"},
		{"  Re:   spaced  ", "spaced"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeSubject(tc.in), "subject %q", tc.in)
	}
}

func TestDeriveConversationKey(t *testing.T) {
	t.Run("native thread id wins", func(t *testing.T) {
		m := models.MessageMeta{ThreadID: "t-1", Headers: map[string]string{"In-Reply-To": "<x@y>"}}
		assert.Equal(t, "t-1", DeriveConversationKey(m))
	})

	t.Run("in-reply-to is stable across messages", func(t *testing.T) {
		a := models.MessageMeta{Headers: map[string]string{"In-Reply-To": "<root@example.com>"}}
		b := models.MessageMeta{Headers: map[string]string{"in-reply-to": " <root@example.com> "}}
		keyA := DeriveConversationKey(a)
		keyB := DeriveConversationKey(b)
		assert.Equal(t, keyA, keyB)
		assert.Contains(t, keyA, "drv-")
	})

	t.Run("references fallback uses first entry", func(t *testing.T) {
		reply := models.MessageMeta{Headers: map[string]string{"In-Reply-To": "<root@example.com>"}}
		deep := models.MessageMeta{Headers: map[string]string{"References": "<root@example.com> <mid@example.com>"}}
		assert.Equal(t, DeriveConversationKey(reply), DeriveConversationKey(deep))
	})

	t.Run("subject hash is the last resort", func(t *testing.T) {
		a := models.MessageMeta{Subject: "Re: Quarterly numbers"}
		b := models.MessageMeta{Subject: "quarterly numbers"}
		c := models.MessageMeta{Subject: "something else"}
		assert.Equal(t, DeriveConversationKey(a), DeriveConversationKey(b))
		assert.NotEqual(t, DeriveConversationKey(a), DeriveConversationKey(c))
	})
}

func TestGroupMessages(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []models.MessageMeta{
		{MessageID: "m2", ThreadID: "conv-a", Date: base.Add(time.Hour)},
		{MessageID: "m1", ThreadID: "conv-a", Date: base},
		{MessageID: "m3", ThreadID: "conv-b", Date: base},
		{MessageID: "m4", Subject: "orphan", Date: base},
	}

	convs := GroupMessages(msgs)
	require.Len(t, convs, 3)

	assert.Equal(t, "conv-a", convs[0].Key)
	require.Len(t, convs[0].Messages, 2)
	assert.Equal(t, "m1", convs[0].Messages[0].MessageID, "messages sorted oldest first")
	assert.Equal(t, "m2", convs[0].Messages[1].MessageID)

	// a message without a native thread id still forms a conversation
	assert.Empty(t, convs[2].Key)
	require.Len(t, convs[2].Messages, 1)
}

func testMessage(id string, date time.Time, mut func(*models.MessageMeta)) models.MessageMeta {
	m := models.MessageMeta{
		Provider:     models.ProviderGmail,
		MessageID:    id,
		ThreadID:     "conv-1",
		Subject:      "Project kickoff",
		From:         models.Participant{Address: "alice@example.com", Name: "Alice"},
		To:           []models.Participant{{Address: "bob@example.com"}},
		Snippet:      "snippet " + id,
		IsRead:       true,
		Date:         date,
		SizeEstimate: 100,
	}
	if mut != nil {
		mut(&m)
	}
	return m
}

func TestUnifyNewThread(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conv := RawConversation{
		Key: "conv-1",
		Messages: []models.MessageMeta{
			testMessage("m2", base.Add(time.Hour), func(m *models.MessageMeta) {
				m.Subject = "Re: Project kickoff"
				m.IsRead = false
				m.From = models.Participant{Address: "Bob@Example.com", Name: "Bob"}
				m.Labels = []string{"inbox"}
			}),
			testMessage("m1", base, func(m *models.MessageMeta) {
				m.IsStarred = true
				m.HasAttachment = true
				m.Labels = []string{"inbox", "work"}
			}),
		},
	}

	thread, conflicts := Unify(conv, "acct-1", nil)
	require.NotNil(t, thread)
	assert.Empty(t, conflicts)
	assert.NotEmpty(t, thread.ID)

	assert.Equal(t, "acct-1", thread.AccountID)
	assert.Equal(t, "conv-1", thread.ConversationKey)
	// subject comes from the oldest message that has one
	assert.Equal(t, "Project kickoff", thread.Subject)
	assert.Equal(t, "project kickoff", thread.NormalizedSubject)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)
	assert.False(t, thread.IsRead)
	assert.True(t, thread.IsStarred)
	assert.True(t, thread.HasAttachments)
	assert.Equal(t, int64(200), thread.SizeTotal)
	assert.Equal(t, base, thread.FirstMessageAt)
	assert.Equal(t, base.Add(time.Hour), thread.LastMessageAt)
	assert.Equal(t, "snippet m2", thread.Preview, "preview follows newest message")
	assert.Equal(t, []string{"inbox", "work"}, thread.Labels)

	// participants deduplicated by lower-cased address
	addrs := make([]string, 0, len(thread.Participants))
	for _, p := range thread.Participants {
		addrs = append(addrs, p.Address)
	}
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, addrs)
}

func TestUnifyMergeConflicts(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	conv := RawConversation{
		Key: "conv-1",
		Messages: []models.MessageMeta{
			testMessage("m1", base, func(m *models.MessageMeta) { m.Labels = []string{"inbox"} }),
		},
	}
	stored, _ := Unify(conv, "acct-1", nil)

	// second pass: the message was read remotely and gained a label
	conv2 := RawConversation{
		Key: "conv-1",
		Messages: []models.MessageMeta{
			testMessage("m1", base, func(m *models.MessageMeta) {
				m.IsRead = false
				m.Labels = []string{"work"}
			}),
		},
	}
	merged, conflicts := Unify(conv2, "acct-1", stored)

	assert.Equal(t, stored.ID, merged.ID, "thread identity survives merges")
	assert.False(t, merged.IsRead, "scalar conflict resolved newer wins")
	assert.Equal(t, []string{"inbox", "work"}, merged.Labels, "label conflict resolved by union")

	var fields []string
	for _, c := range conflicts {
		fields = append(fields, c.Field)
	}
	assert.Contains(t, fields, "isRead")
	assert.Contains(t, fields, "labels")
	for _, c := range conflicts {
		switch c.Field {
		case "labels":
			assert.Equal(t, models.ResolveMerge, c.Resolution)
		default:
			assert.Equal(t, models.ResolveNewerWins, c.Resolution)
		}
	}
}

func TestUnifyMergeIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conv := RawConversation{
		Key: "conv-1",
		Messages: []models.MessageMeta{
			testMessage("m1", base, nil),
			testMessage("m2", base.Add(time.Hour), nil),
		},
	}

	first, _ := Unify(conv, "acct-1", nil)
	second, conflicts := Unify(conv, "acct-1", first)

	assert.Empty(t, conflicts)
	assert.Equal(t, first.MessageCount, second.MessageCount)
	assert.Equal(t, first.SizeTotal, second.SizeTotal)
	assert.Equal(t, first.FirstMessageAt, second.FirstMessageAt)
	assert.Equal(t, first.LastMessageAt, second.LastMessageAt)
	assert.Equal(t, first.Labels, second.Labels)
	assert.Equal(t, first.Participants, second.Participants)
}

func TestUnifyTruncatedWindowKeepsExtremes(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	full := RawConversation{
		Key: "conv-1",
		Messages: []models.MessageMeta{
			testMessage("m1", base, nil),
			testMessage("m2", base.Add(time.Hour), nil),
			testMessage("m3", base.Add(2*time.Hour), nil),
		},
	}
	stored, _ := Unify(full, "acct-1", nil)

	// an incremental window that only saw the newest message
	window := RawConversation{
		Key:      "conv-1",
		Messages: []models.MessageMeta{testMessage("m3", base.Add(2*time.Hour), nil)},
	}
	merged, _ := Unify(window, "acct-1", stored)

	assert.Equal(t, 3, merged.MessageCount, "count never regresses")
	assert.Equal(t, base, merged.FirstMessageAt)
	assert.Equal(t, base.Add(2*time.Hour), merged.LastMessageAt)
	assert.Equal(t, int64(300), merged.SizeTotal)
}

func TestHasNewMail(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stored := &models.Thread{LastMessageAt: base}

	assert.True(t, HasNewMail(nil, &models.Thread{LastMessageAt: base}))
	assert.True(t, HasNewMail(stored, &models.Thread{LastMessageAt: base.Add(time.Minute)}))
	assert.False(t, HasNewMail(stored, &models.Thread{LastMessageAt: base}))
	assert.False(t, HasNewMail(stored, &models.Thread{LastMessageAt: base.Add(-time.Minute)}))
}
