package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bavit-uk/backend-sub003/internal/mailsync"
)

// Publisher wraps NATS JetStream for publishing mail events
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the MAIL_EVENTS stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	// Check if stream exists
	streamInfo, err := p.js.StreamInfo("MAIL_EVENTS")
	if err == nil && streamInfo != nil {
		return nil // Stream already exists
	}

	// Create stream
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       "MAIL_EVENTS",
		Subjects:   []string{"mail.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour, // Keep events for 30 days
	})

	if err != nil {
		// Check if error is "stream name already in use"
		if err.Error() == "stream name already in use" || err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EmitNewMail publishes a new-mail event for an account. Delivery is best
// effort; a failed publish is logged and never fails the sync that raised it.
func (p *Publisher) EmitNewMail(accountID, accountAddress string, evt mailsync.NewMailEvent) {
	payload, err := json.Marshal(struct {
		AccountID      string `json:"account_id"`
		AccountAddress string `json:"account_address"`
		mailsync.NewMailEvent
	}{
		AccountID:      accountID,
		AccountAddress: accountAddress,
		NewMailEvent:   evt,
	})
	if err != nil {
		log.Printf("Failed to marshal new-mail event for account %s: %v", accountID, err)
		return
	}

	subject := fmt.Sprintf("mail.%s.new", accountID)
	msgID := fmt.Sprintf("%s-%s-%d", accountID, evt.ConversationKey, evt.ReceivedAt.Unix())
	if err := p.Publish(subject, payload, msgID); err != nil {
		log.Printf("Failed to publish new-mail event for account %s: %v", accountID, err)
	}
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
