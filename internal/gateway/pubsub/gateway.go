// Package pubsub publishes notifications to a Google Cloud Pub/Sub topic for a
// downstream delivery service (SMS, email) to consume.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Payload is the JSON body of each published message.
type Payload struct {
	UserID  string    `json:"userId"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

// Gateway wraps a Pub/Sub topic.
type Gateway struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	clock  tracker.Clock
}

var _ tracker.Gateway = (*Gateway)(nil)

// New creates a Gateway for an existing topic handle.
func New(topic *pubsub.Topic, clock tracker.Clock) *Gateway {
	return &Gateway{topic: topic, clock: clock}
}

// Open creates a client using Application Default Credentials and verifies
// the topic exists.
func Open(ctx context.Context, projectID, topicID string, clock tracker.Clock) (*Gateway, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &Gateway{client: client, topic: topic, clock: clock}, nil
}

// Send publishes the message and waits for the server-assigned ID.
func (g *Gateway) Send(ctx context.Context, userID, message string) (string, error) {
	if g.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	sentAt := time.Now().UTC()
	if g.clock != nil {
		sentAt = g.clock.Now().UTC()
	}
	data, err := json.Marshal(Payload{UserID: userID, Message: message, SentAt: sentAt})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := g.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"user_id": userID},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes and releases the client when Open created it.
func (g *Gateway) Close() error {
	if g.topic != nil {
		g.topic.Stop()
	}
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
