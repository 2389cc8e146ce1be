package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"
)

const DefaultInterval = 10 * time.Minute

// State is the scheduler's run state.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Scheduler repeats ingestion runs on a fixed interval.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   *log.Logger
	state    atomic.Int32
	trigger  chan struct{}
}

// NewScheduler creates a scheduler; interval <= 0 uses DefaultInterval.
func NewScheduler(runner *Runner, interval time.Duration, logger *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// State reports whether a run is in progress.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Runner returns the underlying runner.
func (s *Scheduler) Runner() *Runner {
	return s.runner
}

// SetSources swaps the feed table between runs.
func (s *Scheduler) SetSources(sources []Source) {
	s.runner.SetSources(sources)
}

// Trigger requests a run as soon as the current one (if any) finishes.
// It reports false when a request is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run runs immediately and then every interval until ctx is cancelled. It
// returns after the in-progress run completes.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("Scheduler started, interval %s", s.interval)
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("Scheduler stopping")
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
		// ticks that fired during the run are dropped
		select {
		case <-ticker.C:
		default:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateIdle))

	_, err := s.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Printf("Skipping tick: another ingestion run holds the lock")
	case err != nil:
		s.logger.Printf("Ingestion run failed: %v", err)
	}
}
