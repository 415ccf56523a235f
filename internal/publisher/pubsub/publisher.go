// Package pubsub publishes target notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// Attributed payloads expose message attributes so subscribers can filter
// without decoding the body.
type Attributed interface {
	Attributes() map[string]string
}

// Keyed payloads pin related messages to one ordering key.
type Keyed interface {
	OrderingKey() string
}

var errNoTopic = errors.New("pubsub topic is not configured")

// Publisher sends JSON payloads to one topic.
type Publisher struct {
	topic *pubsub.Topic
}

var _ harvest.Publisher = (*Publisher)(nil)

// New binds a Publisher to topic. Ordering keys are honored only when the
// topic was created with message ordering enabled.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish blocks until the server acknowledges the message and returns its id.
// The name argument is ignored; the topic is fixed by New.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", errNoTopic
	}
	msg, err := message(payload, p.topic.EnableMessageOrdering)
	if err != nil {
		return "", err
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish to %s: %w", p.topic.ID(), err)
	}
	return id, nil
}

// Stop flushes buffered messages.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

func message(payload any, ordered bool) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if a, ok := payload.(Attributed); ok {
		if attrs := a.Attributes(); len(attrs) > 0 {
			msg.Attributes = attrs
		}
	}
	if k, ok := payload.(Keyed); ok && ordered {
		msg.OrderingKey = k.OrderingKey()
	}
	return msg, nil
}
