// Package sweep schedules unattended pipeline runs on cron expressions. A
// sweep that is still running when its schedule fires again is skipped, not
// stacked; the portal session does not tolerate two sweeps interleaving.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wirebot-io/wirebot/internal/pipeline"
)

// Job runs one unattended sweep pass.
type Job func(ctx context.Context) (pipeline.Summary, error)

// ErrUnknownSweep is returned by Trigger for an unregistered name.
var ErrUnknownSweep = errors.New("sweep: unknown sweep")

// Scheduler fires registered sweeps on their cron schedules.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	jobs    map[string]Job
	running map[string]bool
	logger  *slog.Logger
}

// New builds an empty scheduler. Standard 5-field cron expressions and
// @every durations are accepted.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
		logger:  logger,
	}
}

// Register makes a named sweep triggerable without scheduling it.
func (s *Scheduler) Register(name string, job Job) {
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
}

// Trigger fires a registered sweep in the background. The overlap guard
// still applies, so a manual trigger never stacks on a scheduled run.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	go s.fire(name, job)
	return nil
}

// Add registers a named sweep. Registering a name twice replaces the old
// schedule.
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	id, err := s.cron.AddFunc(spec, func() { s.fire(name, job) })
	if err != nil {
		return fmt.Errorf("sweep: invalid schedule %q for %s: %w", spec, name, err)
	}
	s.entries[name] = id
	s.jobs[name] = job
	s.logger.Info("sweep scheduled", "sweep", name, "schedule", spec)
	return nil
}

func (s *Scheduler) fire(name string, job Job) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("sweep still running, skipping this firing", "sweep", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	start := time.Now()
	sum, err := job(context.Background())
	if err != nil {
		s.logger.Error("sweep failed", "sweep", name, "elapsed", time.Since(start), "error", err)
		return
	}
	s.logger.Info("sweep done", "sweep", name, "elapsed", time.Since(start), "summary", sum.String())
}

// Start runs the scheduler until ctx is cancelled, then waits for the
// in-flight firing, if any, to return.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("sweep scheduler started")
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("sweep scheduler stopped")
	return ctx.Err()
}

// Next reports when the named sweep fires next. Zero when unknown.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Count reports the number of registered sweeps.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
