package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"dedicated-matchmaker/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// Publisher delivers notifications to the presence system's topic. The account id rides as an
// attribute so presence replicas can filter without decoding.
type Publisher struct {
	projectID   string
	notifyTopic string
	credsFile   string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, notifyTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, notifyTopic: notifyTopic, credsFile: credsFile}
}

func (p *Publisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	client, err := newClient(ctx, p.projectID, p.credsFile, p.notifyTopic)
	if err != nil {
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.notifyTopic)
	log.Info().Str("topic", p.notifyTopic).Msg("pubsub publisher initialized")
	return p.topic, nil
}

func (p *Publisher) Deliver(ctx context.Context, n *queues.Notification) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("accountId", n.AccountID).Msg("failed to marshal notification")
		return eris.Wrap(err, "notification is not json serializable")
	}
	r := topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"accountId": n.AccountID, "type": n.Type},
	})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("accountId", n.AccountID).Str("type", n.Type).Msg("failed to publish notification")
		return eris.Wrap(err, "notification publish failed")
	}
	log.Debug().Str("messageID", id).Str("accountId", n.AccountID).Str("type", n.Type).Msg("published notification")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
