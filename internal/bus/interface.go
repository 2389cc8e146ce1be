package bus

import (
	"context"
	"io"
	"log"
	"time"
)

// RunsStream is the Redis stream ingestion summaries are appended to.
const RunsStream = "ingest_runs"

// Bus defines the interface for event bus implementations
type Bus interface {
	// PublishRun appends an ingestion run summary to the runs stream
	PublishRun(ctx context.Context, run RunMessage) error

	// RecentRuns returns up to n of the newest run summaries, newest first
	RecentRuns(ctx context.Context, n int64) ([]RunMessage, error)

	// GetStats returns basic statistics about the bus
	GetStats(ctx context.Context) (map[string]interface{}, error)

	// HealthCheck performs a health check on the bus connection
	HealthCheck(ctx context.Context) error

	// Reset drops everything the bus has published
	Reset(ctx context.Context) error

	// Close closes the bus connection
	Close() error
}

// FeedResult is the per-feed part of a run summary.
type FeedResult struct {
	Name       string `json:"name"`
	Candidates int64  `json:"candidates"`
	Inserted   int64  `json:"inserted"`
	Existing   int64  `json:"existing"`
	Failed     int64  `json:"failed"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RunMessage summarizes one ingestion run.
type RunMessage struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Feeds      []FeedResult `json:"feeds"`
	Compacted  int64        `json:"compacted"`
	SyncMode   string       `json:"sync_mode"`
	Indexed    int64        `json:"indexed"`
	Error      string       `json:"error,omitempty"`
}

// Inserted totals new rows across feeds.
func (r RunMessage) Inserted() int64 {
	var n int64
	for _, f := range r.Feeds {
		n += f.Inserted
	}
	return n
}

// NewBus creates a new bus instance based on the Redis URL
// If redisURL is empty or Redis is unreachable, returns a NullBus
func NewBus(redisURL string, logger *log.Logger) Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if redisURL == "" {
		return NewNullBus(logger)
	}

	redisBus, err := NewRedisBus(redisURL, logger)
	if err == nil {
		return redisBus
	}

	logger.Printf("Redis unavailable, run summaries will not be published: %v", err)
	return NewNullBus(logger)
}
