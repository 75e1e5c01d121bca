package publish

import (
	"context"

	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// NoopPublisher discards run completions. Used when no topic is configured.
type NoopPublisher struct {
	logger *zap.Logger
}

// NewNoopPublisher builds a NoopPublisher that logs at debug level.
func NewNoopPublisher(logger *zap.Logger) *NoopPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopPublisher{logger: logger}
}

// PublishRunCompleted drops the notification.
func (p *NoopPublisher) PublishRunCompleted(_ context.Context, run harvester.CrawlRun) error {
	p.logger.Debug("run completion dropped, no publisher configured",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
	)
	return nil
}

// Close implements harvester.Publisher.
func (p *NoopPublisher) Close() error { return nil }
