package queues

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusUpdate is the operational status-set signal for one server record.
type StatusUpdate struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

const (
	NotificationQueued = "matchmaking.queued"
	NotificationJoin   = "matchmaking.join"
)

// Notification is delivered to one account's presence connection.
type Notification struct {
	EnvelopeVersion string    `json:"envelopeVersion"`
	Type            string    `json:"type"`
	AccountID       string    `json:"accountId"`
	Payload         any       `json:"payload,omitempty"`
	SentAt          time.Time `json:"sentAt"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *StatusUpdate) error) error
}

// Publisher hands notifications to the presence system. Delivery is best effort.
type Publisher interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Discard drops notifications. Used when no notify topic is configured.
type Discard struct{}

func (Discard) Deliver(_ context.Context, n *Notification) error {
	log.Debug().Str("accountId", n.AccountID).Str("type", n.Type).Msg("queues: no notify topic; notification dropped")
	return nil
}

func NewNotification(kind, accountID string, payload any) *Notification {
	return &Notification{EnvelopeVersion: "1.0", Type: kind, AccountID: accountID, Payload: payload, SentAt: time.Now().UTC()}
}
