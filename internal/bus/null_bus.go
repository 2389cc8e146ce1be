package bus

import (
	"context"
	"log"
)

// NullBus is a no-op implementation of the bus interface for when Redis is disabled
type NullBus struct {
	logger *log.Logger
}

// NewNullBus creates a new null bus instance
func NewNullBus(logger *log.Logger) *NullBus {
	if logger == nil {
		logger = log.New(log.Writer(), "[bus] ", log.LstdFlags)
	}

	return &NullBus{
		logger: logger,
	}
}

func (nb *NullBus) Close() error {
	return nil
}

// PublishRun logs the run but doesn't actually publish it
func (nb *NullBus) PublishRun(ctx context.Context, run RunMessage) error {
	nb.logger.Printf("Would publish run %s with %d new indicators (Redis disabled)", run.RunID, run.Inserted())
	return nil
}

func (nb *NullBus) RecentRuns(ctx context.Context, n int64) ([]RunMessage, error) {
	return nil, nil
}

// GetStats returns empty stats for null bus
func (nb *NullBus) GetStats(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{
		"type":   "null",
		"status": "disabled",
	}, nil
}

// HealthCheck always returns nil for null bus
func (nb *NullBus) HealthCheck(ctx context.Context) error {
	return nil
}

func (nb *NullBus) Reset(ctx context.Context) error {
	return nil
}
