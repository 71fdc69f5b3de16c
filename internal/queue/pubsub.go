package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubConfig captures the Pub/Sub connection parameters. Each logical
// queue maps to the topic <TopicPrefix><queue name>.
type PubSubConfig struct {
	ProjectID   string
	TopicPrefix string
}

// PubSubEnqueuer publishes downstream payloads onto Pub/Sub topics. It
// implements bookmarks.Enqueuer.
type PubSubEnqueuer struct {
	client *pubsub.Client
	cfg    PubSubConfig
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubEnqueuer creates a Pub/Sub client authenticated via Application
// Default Credentials.
func NewPubSubEnqueuer(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSubEnqueuer, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("queue.project_id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubEnqueuer{
		client: client,
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (e *PubSubEnqueuer) topic(queue string) *pubsub.Topic {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.topics[queue]; ok {
		return t
	}
	t := e.client.Topic(e.cfg.TopicPrefix + queue)
	e.topics[queue] = t
	return t
}

// Enqueue marshals the payload to JSON and publishes it, waiting for the
// server acknowledgment so delivery failures surface to the caller.
func (e *PubSubEnqueuer) Enqueue(ctx context.Context, queue string, payload any) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	result := e.topic(queue).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	e.logger.Debug("payload published", zap.String("queue", queue), zap.String("message_id", id))
	return nil
}

// Close stops all topic publishers and closes the client.
func (e *PubSubEnqueuer) Close() error {
	e.mu.Lock()
	for _, t := range e.topics {
		t.Stop()
	}
	e.mu.Unlock()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
