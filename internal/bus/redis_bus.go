package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultMaxLen bounds the runs stream; trimming is approximate.
const DefaultMaxLen = 1000

// RedisBus publishes run summaries to a Redis stream
type RedisBus struct {
	client *redis.Client
	logger *log.Logger
	maxLen int64
}

// NewRedisBus creates a new Redis bus instance
func NewRedisBus(redisURL string, logger *log.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = log.New(log.Writer(), "[bus] ", log.LstdFlags)
	}

	return &RedisBus{
		client: client,
		logger: logger,
		maxLen: DefaultMaxLen,
	}, nil
}

// Client exposes the underlying connection so other Redis users can share it.
func (rb *RedisBus) Client() *redis.Client {
	return rb.client
}

func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

// PublishRun appends the run summary to the runs stream
func (rb *RedisBus) PublishRun(ctx context.Context, run RunMessage) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	result := rb.client.XAdd(ctx, &redis.XAddArgs{
		Stream: RunsStream,
		MaxLen: rb.maxLen,
		Approx: true,
		Values: runFields(run, payload),
	})
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to publish run: %w", err)
	}

	rb.logger.Printf("Published run %s to %s stream as %s", run.RunID, RunsStream, result.Val())
	return nil
}

func runFields(run RunMessage, payload []byte) map[string]interface{} {
	return map[string]interface{}{
		"run_id":      run.RunID,
		"finished_at": run.FinishedAt.Unix(),
		"inserted":    run.Inserted(),
		"run":         string(payload),
	}
}

// RecentRuns reads the newest run summaries from the stream
func (rb *RedisBus) RecentRuns(ctx context.Context, n int64) ([]RunMessage, error) {
	result := rb.client.XRevRangeN(ctx, RunsStream, "+", "-", n)
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s stream: %w", RunsStream, err)
	}

	runs := make([]RunMessage, 0, len(result.Val()))
	for _, message := range result.Val() {
		run, err := decodeRun(message.Values)
		if err != nil {
			rb.logger.Printf("Skipping malformed run entry %s: %v", message.ID, err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func decodeRun(values map[string]interface{}) (RunMessage, error) {
	var run RunMessage
	raw, ok := values["run"].(string)
	if !ok {
		return run, fmt.Errorf("missing run field")
	}
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return run, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, nil
}

// GetStats returns statistics about the runs stream
func (rb *RedisBus) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"type":   "redis",
		"status": "connected",
	}

	if err := rb.HealthCheck(ctx); err != nil {
		stats["status"] = "disconnected"
		stats["error"] = err.Error()
		return stats, nil
	}

	info, err := rb.client.XInfoStream(ctx, RunsStream).Result()
	if err != nil {
		// XINFO fails until the first run has been published
		if strings.Contains(err.Error(), "no such key") {
			stats["runs_stream"] = map[string]interface{}{"length": int64(0)}
			return stats, nil
		}
		return nil, fmt.Errorf("failed to get stream info for %s: %w", RunsStream, err)
	}

	stats["runs_stream"] = map[string]interface{}{
		"length":         info.Length,
		"first_entry_id": info.FirstEntry.ID,
		"last_entry_id":  info.LastEntry.ID,
	}
	return stats, nil
}

// HealthCheck pings Redis
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	if err := rb.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Reset deletes the runs stream
func (rb *RedisBus) Reset(ctx context.Context) error {
	if err := rb.client.Del(ctx, RunsStream).Err(); err != nil {
		return fmt.Errorf("failed to delete %s stream: %w", RunsStream, err)
	}
	rb.logger.Printf("Deleted %s stream", RunsStream)
	return nil
}
