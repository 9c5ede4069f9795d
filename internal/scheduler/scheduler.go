// Package scheduler drives time-based work: firing schedule entry nodes on
// their cron expressions and sweeping expired waiting deadlines.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// Runner is the interface the scheduler drives. Satisfied by the engine
// (avoids import cycle).
type Runner interface {
	TriggerSchedule(ctx context.Context, workflowID string, version int, firedAt time.Time) error
	SweepDeadlines(ctx context.Context, now time.Time) error
}

// WorkflowLister is the slice of the store the scheduler reads.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
}

// Scheduler ticks every interval, fires due schedule triggers, and expires
// waiting deadlines.
type Scheduler struct {
	store    WorkflowLister
	runner   Runner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	nextMu  sync.Mutex
	nextRun map[string]time.Time // workflowID@version -> next fire time

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule keys currently firing (dedup)
}

// NewScheduler creates a Scheduler. A non-positive interval defaults to 60s.
func NewScheduler(s WorkflowLister, runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		nextRun:  make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick expires due waiting deadlines, then fires every schedule trigger whose
// next run has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if err := s.runner.SweepDeadlines(ctx, now); err != nil {
		s.logger.Error("deadline sweep failed", slog.String("error", err.Error()))
	}

	active := schema.WorkflowActive
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active})
	if err != nil {
		s.logger.Error("failed to list workflows", slog.String("error", err.Error()))
		return
	}

	for _, wf := range workflows {
		cronExpr, ok := scheduleExpr(wf)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s@%d", wf.ID, wf.Version)

		due, err := s.checkDue(key, cronExpr, now)
		if err != nil {
			s.logger.Error("bad cron expression",
				slog.String("workflow_id", wf.ID),
				slog.String("cron", cronExpr),
				slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}

		if !s.tryAcquire(key) {
			continue
		}
		if err := s.runner.TriggerSchedule(ctx, wf.ID, wf.Version, now); err != nil {
			s.logger.Error("schedule trigger failed",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()))
		}
		s.release(key)
	}
}

// checkDue tracks when each schedule should fire next. A schedule seen for
// the first time arms without firing, so restarting the process does not
// replay every schedule immediately.
func (s *Scheduler) checkDue(key, cronExpr string, now time.Time) (bool, error) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	next, seen := s.nextRun[key]
	if !seen {
		computed, err := s.CalculateNextRun(cronExpr, now)
		if err != nil {
			return false, err
		}
		s.nextRun[key] = computed
		return false, nil
	}

	if now.Before(next) {
		return false, nil
	}
	computed, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return false, err
	}
	s.nextRun[key] = computed
	return true, nil
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// scheduleExpr returns the cron expression of the workflow's entry node, if
// it is a schedule trigger.
func scheduleExpr(wf *schema.Workflow) (string, bool) {
	entry := wf.EntryNode()
	if entry == nil {
		return "", false
	}
	cfg, err := entry.WhenConfig()
	if err != nil || cfg.Cron == "" {
		return "", false
	}
	return cfg.Cron, true
}
