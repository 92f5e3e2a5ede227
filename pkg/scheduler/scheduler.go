// Package scheduler runs named periodic maintenance tasks. Registering a
// name twice replaces the previous task; failures are counted per task and
// never stop the ticker.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic job.
type Task func(ctx context.Context) error

// TaskStatus is a snapshot of one scheduled task.
type TaskStatus struct {
	Name      string
	Interval  time.Duration
	Runs      int64
	Failures  int64
	LastError string
	LastRunAt int64
}

type entry struct {
	name     string
	interval time.Duration
	task     Task
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	runs      int64
	failures  int64
	lastError string
	lastRunAt int64
}

// Scheduler owns a set of named periodic tasks.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.Logger
	stopped bool
}

// New creates a scheduler. A nil logger falls back to zap.NewNop.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register starts a periodic task. A task already registered under name is
// stopped and replaced. The first run happens after one interval.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.entries[name]; ok {
		old.cancel()
		<-old.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		name:     name,
		interval: interval,
		task:     task,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.entries[name] = e
	go s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, e)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.failures++
			e.mu.Unlock()
			s.logger.Error("scheduled task panic",
				zap.String("task", e.name),
				zap.Any("panic", r))
		}
	}()

	err := e.task(ctx)

	e.mu.Lock()
	e.runs++
	e.lastRunAt = time.Now().UnixMilli()
	if err != nil {
		e.failures++
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled task failed",
			zap.String("task", e.name),
			zap.Error(err))
	}
}

// Stop cancels one task and waits for its loop to exit.
func (s *Scheduler) Stop(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if ok {
		e.cancel()
		<-e.done
	}
}

// StopAll cancels every task and waits up to deadline for the loops to
// drain. Returns false when the deadline expired with loops still running.
func (s *Scheduler) StopAll(deadline time.Duration) bool {
	s.mu.Lock()
	s.stopped = true
	entries := make([]*entry, 0, len(s.entries))
	for name, e := range s.entries {
		entries = append(entries, e)
		delete(s.entries, name)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for _, e := range entries {
		select {
		case <-e.done:
		case <-timer.C:
			return false
		}
	}
	return true
}

// Status snapshots every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, TaskStatus{
			Name:      e.name,
			Interval:  e.interval,
			Runs:      e.runs,
			Failures:  e.failures,
			LastError: e.lastError,
			LastRunAt: e.lastRunAt,
		})
		e.mu.Unlock()
	}
	return out
}
