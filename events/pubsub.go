package events

import (
	"context"
	"encoding/json"
	"sync"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// PubsubPublisher publishes session lifecycle events to a Google Pub/Sub
// topic. The client is initialized lazily on the first publish; concurrent
// HTTP handlers publish, so the init is guarded. A failed init is retried on
// the next publish.
type PubsubPublisher struct {
	projectID string
	topicName string
	credsFile string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPubsubPublisher(projectID, topicName, credsFile string) *PubsubPublisher {
	return &PubsubPublisher{projectID: projectID, topicName: topicName, credsFile: credsFile}
}

func (p *PubsubPublisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}

	var (
		client *gpubsub.Client
		err    error
	)
	if p.credsFile != "" {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.topicName).Str("credsFile", p.credsFile).Msg("initializing pubsub publisher with explicit credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID, option.WithCredentialsFile(p.credsFile))
	} else {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.topicName).Msg("initializing pubsub publisher with default credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.topicName).Msg("failed to create pubsub client for publisher")
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.topicName)
	log.Info().Str("topic", p.topicName).Msg("pubsub event publisher initialized")
	return p.topic, nil
}

func (p *PubsubPublisher) PublishEvent(ctx context.Context, ev *SessionEvent) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Interface("event", ev).Msg("failed to marshal session event")
		return err
	}
	r := topic.Publish(ctx, &gpubsub.Message{Data: b})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("sessionId", ev.SessionID).Msg("failed to publish session event")
		return err
	}
	log.Debug().Str("messageID", id).Str("sessionId", ev.SessionID).Str("type", string(ev.Type)).Msg("published session event")
	return nil
}
