// Package engine executes workflow instances: trigger matching, graph
// traversal, durable waiting, and resumption. All instance mutation happens
// under a per-instance lease so concurrent wakeups never interleave.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sendloop/journey/internal/actions"
	"github.com/sendloop/journey/internal/conditions"
	"github.com/sendloop/journey/internal/logging"
	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// Engine is the public execution surface.
type Engine struct {
	store    store.Store
	matcher  *TriggerMatcher
	executor *GraphExecutor
	waiting  *WaitingManager
	fsm      *InstanceFSM
	leases   *LeaseRegistry
	cache    *DefinitionCache
	logger   *slog.Logger
}

// Config wires the engine's collaborators.
type Config struct {
	Store      store.Store
	Conditions conditions.Evaluator
	Dispatcher *actions.Dispatcher
	Matcher    *TriggerMatcher
	Executor   ExecutorConfig
	Logger     *slog.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fsm := NewInstanceFSM(cfg.Store)
	return &Engine{
		store:    cfg.Store,
		matcher:  cfg.Matcher,
		executor: NewGraphExecutor(cfg.Store, fsm, cfg.Conditions, cfg.Dispatcher, cfg.Executor, logger),
		waiting:  NewWaitingManager(cfg.Store, fsm, logger),
		fsm:      fsm,
		leases:   NewLeaseRegistry(),
		cache:    NewDefinitionCache(cfg.Store),
		logger:   logger,
	}
}

// HandleEvent matches an event against active workflows and drives every
// instance it starts. A non-matching event is a silent no-op. Per-instance
// execution failures are recorded on the instance, not returned; only infra
// errors surface.
func (e *Engine) HandleEvent(ctx context.Context, ev IncomingEvent) ([]string, error) {
	started, err := e.matcher.Match(ctx, ev)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(started))
	for _, inst := range started {
		ids = append(ids, inst.ID)
		e.driveUnderLease(ctx, inst)
	}
	return ids, nil
}

// HandleResponse routes a user response to its waiting instance, validates
// it, and drives the resumed instance down the responded branch.
func (e *Engine) HandleResponse(ctx context.Context, resp UserResponse) error {
	rec, err := e.waiting.Resolve(ctx, resp)
	if err != nil {
		return err
	}

	if err := e.leases.TryAcquire(rec.InstanceID); err != nil {
		return err
	}
	defer e.leases.Release(rec.InstanceID)

	inst, err := e.store.GetInstance(ctx, rec.InstanceID)
	if err != nil {
		return err
	}
	wf, err := e.cache.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return err
	}

	if err := e.waiting.Resume(ctx, wf, inst, rec, resp.Value); err != nil {
		return err
	}

	if driveErr := e.executor.Drive(ctx, wf, inst); driveErr != nil {
		e.logger.ErrorContext(ctx, "drive after resume failed",
			slog.String("instance_id", inst.ID),
			slog.String("error", driveErr.Error()))
	}
	return nil
}

// Cancel terminates an instance regardless of where it is. Cancelling a
// terminal instance is a conflict; cancelling a waiting instance also removes
// its waiting record.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	if err := e.leases.TryAcquire(instanceID); err != nil {
		return err
	}
	defer e.leases.Release(instanceID)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is already %s", instanceID, inst.Status)
	}

	if inst.Status == schema.InstanceWaiting {
		if _, err := e.store.DeleteWaiting(ctx, instanceID); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	cancelled := schema.InstanceCancelled
	var reasonPayload json.RawMessage
	if reason != "" {
		reasonPayload, _ = json.Marshal(map[string]any{"reason": reason})
	}
	if err := e.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:        &cancelled,
		FailureReason: reasonPayload,
		CompletedAt:   &now,
	}); err != nil {
		return err
	}

	if err := e.fsm.Transition(ctx, instanceID, inst.Status, cancelled); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "instance cancelled",
		slog.String("instance_id", instanceID),
		slog.String("reason", reason))
	return nil
}

// SweepDeadlines resumes every waiting instance whose deadline has passed.
// Instances whose lease is busy are skipped and picked up on the next sweep.
func (e *Engine) SweepDeadlines(ctx context.Context, now time.Time) error {
	due, err := e.store.ListDueWaiting(ctx, now)
	if err != nil {
		return err
	}

	for _, rec := range due {
		if err := e.leases.TryAcquire(rec.InstanceID); err != nil {
			continue
		}
		e.expireOne(ctx, rec)
		e.leases.Release(rec.InstanceID)
	}
	return nil
}

func (e *Engine) expireOne(ctx context.Context, rec *store.WaitingRecord) {
	inst, err := e.store.GetInstance(ctx, rec.InstanceID)
	if err != nil {
		e.logger.ErrorContext(ctx, "load timed-out instance failed",
			slog.String("instance_id", rec.InstanceID),
			slog.String("error", err.Error()))
		return
	}
	wf, err := e.cache.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		e.logger.ErrorContext(ctx, "load workflow for timeout failed",
			slog.String("instance_id", rec.InstanceID),
			slog.String("error", err.Error()))
		return
	}

	won, err := e.waiting.ExpireDeadline(ctx, wf, inst, rec)
	if err != nil {
		// The record is gone but the instance cannot continue.
		if failErr := e.executor.fail(ctx, inst, err); failErr != nil {
			e.logger.ErrorContext(ctx, "timeout expiry failed",
				slog.String("instance_id", rec.InstanceID),
				slog.String("error", failErr.Error()))
		}
		return
	}
	if !won {
		return
	}

	if driveErr := e.executor.Drive(ctx, wf, inst); driveErr != nil {
		e.logger.ErrorContext(ctx, "drive after timeout failed",
			slog.String("instance_id", inst.ID),
			slog.String("error", driveErr.Error()))
	}
}

// TriggerSchedule starts one instance of a workflow from its schedule entry
// node. The scheduler calls this when the node's cron expression fires.
func (e *Engine) TriggerSchedule(ctx context.Context, workflowID string, version int, firedAt time.Time) error {
	wf, err := e.cache.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	entry := wf.EntryNode()
	if entry == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no entry node", workflowID)
	}
	cfg, err := entry.WhenConfig()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	inst := &store.ExecutionInstance{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		SubjectID:       cfg.Subject,
		CurrentNodeID:   entry.ID,
		Status:          schema.InstanceRunning,
		Variables: map[string]any{
			"event": map[string]any{
				"type":     schema.EventSchedule,
				"fired_at": firedAt.UTC().Format(time.RFC3339),
			},
		},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return err
	}

	firePayload, _ := json.Marshal(map[string]any{
		"cron":     cfg.Cron,
		"fired_at": firedAt.UTC().Format(time.RFC3339),
	})
	if err := e.store.AppendEvent(ctx, &store.Event{
		InstanceID: inst.ID,
		NodeID:     entry.ID,
		Type:       schema.EventScheduleFired,
		Payload:    firePayload,
	}); err != nil {
		return err
	}
	if err := e.store.AppendEvent(ctx, &store.Event{
		InstanceID: inst.ID,
		Type:       schema.EventInstanceStarted,
	}); err != nil {
		return err
	}

	e.driveUnderLease(ctx, inst)
	return nil
}

func (e *Engine) driveUnderLease(ctx context.Context, inst *store.ExecutionInstance) {
	if err := e.leases.TryAcquire(inst.ID); err != nil {
		// A fresh instance with a busy lease should not happen; log it and let
		// recovery pick the instance up.
		e.logger.WarnContext(ctx, "lease busy for new instance", slog.String("instance_id", inst.ID))
		return
	}
	defer e.leases.Release(inst.ID)

	wf, err := e.cache.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		e.logger.ErrorContext(ctx, "load workflow failed",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()))
		return
	}

	ctx = logging.WithIDs(ctx, inst.ID, wf.ID, "")
	if err := e.executor.Drive(ctx, wf, inst); err != nil {
		e.logger.ErrorContext(ctx, "instance execution failed",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()))
	}
}

// Recover re-drives instances left in running state by a previous process.
// Waiting instances need no recovery; their records carry the deadline.
func (e *Engine) Recover(ctx context.Context) error {
	running := schema.InstanceRunning
	stuck, err := e.store.ListInstances(ctx, store.InstanceFilter{Status: &running})
	if err != nil {
		return err
	}
	for _, inst := range stuck {
		e.logger.InfoContext(ctx, "recovering instance", slog.String("instance_id", inst.ID))
		e.driveUnderLease(ctx, inst)
	}
	return nil
}
