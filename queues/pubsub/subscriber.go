package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"dedicated-matchmaker/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Subscriber consumes operational status-set messages.
type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

// Start blocks until ctx is done. A handler error nacks the message for redelivery.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.StatusUpdate) error) error {
	if s.client == nil {
		client, err := newClient(ctx, s.projectID, s.credsFile, s.subscriptionName)
		if err != nil {
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		recvAt := time.Now()
		var upd queues.StatusUpdate
		if err := json.Unmarshal(m.Data, &upd); err != nil {
			// poison; redelivery cannot fix it
			log.Error().Err(err).Str("messageID", m.ID).Msg("failed to unmarshal status update")
			m.Ack()
			return
		}
		if upd.SessionID == "" || upd.Status == "" {
			log.Error().Str("sessionId", upd.SessionID).Str("status", upd.Status).Msg("invalid status update payload")
			m.Ack()
			return
		}

		log.Info().Str("sessionId", upd.SessionID).Str("status", upd.Status).Msg("handling status update")
		if err := handler(ctx, &upd); err != nil {
			log.Error().Err(err).Str("sessionId", upd.SessionID).Msg("handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("sessionId", upd.SessionID).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
		m.Ack()
	})
}
