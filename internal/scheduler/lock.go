package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ErrRunInProgress is returned when another ingestion holds the run lock.
var ErrRunInProgress = errors.New("ingestion run already in progress")

// runLock excludes concurrent runs within the process and, when a path is
// set, across processes sharing the database.
type runLock struct {
	mu    sync.Mutex
	flock *flock.Flock
}

func newRunLock(path string) *runLock {
	l := &runLock{}
	if path != "" {
		l.flock = flock.New(path)
	}
	return l
}

// tryLock acquires the lock without blocking.
func (l *runLock) tryLock() error {
	if !l.mu.TryLock() {
		return ErrRunInProgress
	}
	if l.flock == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.flock.Path()), 0755); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		l.mu.Unlock()
		return ErrRunInProgress
	}
	return nil
}

func (l *runLock) unlock() error {
	defer l.mu.Unlock()
	if l.flock == nil {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
