// Package publish notifies downstream consumers when a crawl run reaches a
// terminal state.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// Config identifies the Pub/Sub topic for run completion messages.
type Config struct {
	ProjectID string
	TopicID   string
}

// PubSubPublisher implements harvester.Publisher on a Google Pub/Sub topic.
// Downstream pipelines (entity resolution, search indexing) subscribe to the
// topic; this process never blocks crawling on their availability beyond the
// publish call itself.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubPublisher connects to the topic and verifies it exists.
func NewPubSubPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*PubSubPublisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check pubsub topic: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.TopicID)
	}
	return &PubSubPublisher{client: client, topic: topic, logger: logger}, nil
}

// PublishRunCompleted sends one message per finalized run and waits for the
// server acknowledgement.
func (p *PubSubPublisher) PublishRunCompleted(ctx context.Context, run harvester.CrawlRun) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"source_id": run.SourceID,
			"status":    string(run.Status),
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish run completion: %w", err)
	}
	p.logger.Debug("run completion published",
		zap.String("run_id", run.ID),
		zap.String("message_id", id),
	)
	return nil
}

// Close flushes pending messages and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// runMessage is the wire form of a run completion notification.
type runMessage struct {
	RunID        string     `json:"run_id"`
	SourceID     string     `json:"source_id"`
	Target       string     `json:"target,omitempty"`
	Status       string     `json:"status"`
	TotalItems   int64      `json:"total_items"`
	NewItems     int64      `json:"new_items"`
	UpdatedItems int64      `json:"updated_items"`
	ErrorCount   int64      `json:"error_count"`
	ErrorText    string     `json:"error_text,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func encodeRun(run harvester.CrawlRun) ([]byte, error) {
	msg := runMessage{
		RunID:        run.ID,
		SourceID:     run.SourceID,
		Target:       run.Target,
		Status:       string(run.Status),
		TotalItems:   run.TotalItems,
		NewItems:     run.NewItems,
		UpdatedItems: run.UpdatedItems,
		ErrorCount:   run.ErrorCount,
		ErrorText:    run.ErrorText,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode run completion: %w", err)
	}
	return data, nil
}
