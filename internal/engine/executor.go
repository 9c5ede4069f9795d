package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sendloop/journey/internal/actions"
	"github.com/sendloop/journey/internal/conditions"
	"github.com/sendloop/journey/internal/logging"
	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// DefaultStepLimit caps node visits per drive so an undetected cycle cannot
// spin an instance forever.
const DefaultStepLimit = 10_000

// GraphExecutor advances an execution instance through its workflow graph
// until it suspends, completes, or fails. Callers hold the instance lease for
// the duration of Drive.
type GraphExecutor struct {
	store      store.Store
	fsm        *InstanceFSM
	conditions conditions.Evaluator
	dispatcher *actions.Dispatcher
	retry      RetryPolicy
	stepLimit  int
	logger     *slog.Logger
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	Retry     RetryPolicy
	StepLimit int
}

func NewGraphExecutor(s store.Store, fsm *InstanceFSM, ev conditions.Evaluator, d *actions.Dispatcher, cfg ExecutorConfig, logger *slog.Logger) *GraphExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	stepLimit := cfg.StepLimit
	if stepLimit <= 0 {
		stepLimit = DefaultStepLimit
	}
	return &GraphExecutor{
		store:      s,
		fsm:        fsm,
		conditions: ev,
		dispatcher: d,
		retry:      cfg.Retry.orDefault(),
		stepLimit:  stepLimit,
		logger:     logger,
	}
}

// Drive runs the instance from its current node until it reaches a waiting
// node or a terminal state. Each step persists the instance position before
// appending its log events, so a crash replays at most the current node.
func (e *GraphExecutor) Drive(ctx context.Context, wf *schema.Workflow, inst *store.ExecutionInstance) error {
	ctx = logging.WithIDs(ctx, inst.ID, wf.ID, "")

	for steps := 0; ; steps++ {
		if steps >= e.stepLimit {
			return e.fail(ctx, inst, schema.NewErrorf(schema.ErrCodeStepLimit,
				"instance exceeded %d steps without suspending", e.stepLimit))
		}

		node := wf.NodeByID(inst.CurrentNodeID)
		if node == nil {
			return e.fail(ctx, inst, schema.NewErrorf(schema.ErrCodeNotFound,
				"node %s not in workflow %s v%d", inst.CurrentNodeID, wf.ID, wf.Version))
		}
		ctx := logging.WithNodeID(ctx, node.ID)

		e.appendEvent(ctx, inst.ID, node.ID, schema.EventNodeEntered, nil)

		var (
			next    string
			suspend bool
			err     error
		)
		switch node.Kind {
		case schema.NodeWhen:
			next, err = e.advanceUnconditional(wf, node)
		case schema.NodeCondition:
			next, err = e.executeCondition(ctx, wf, node, inst)
		case schema.NodeAction:
			next, err = e.executeAction(ctx, wf, node, inst)
		case schema.NodeWaiting:
			suspend = true
			err = e.suspendAt(ctx, node, inst)
		default:
			err = schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", node.Kind).WithNode(node.ID)
		}

		if err != nil {
			return e.fail(ctx, inst, err)
		}
		if suspend {
			return nil
		}
		if next == "" {
			return e.complete(ctx, inst)
		}
		if err := e.advance(ctx, inst, next); err != nil {
			return err
		}
	}
}

// advanceUnconditional follows the single unlabeled edge out of a node. No
// edge means the path ends here.
func (e *GraphExecutor) advanceUnconditional(wf *schema.Workflow, node *schema.Node) (string, error) {
	target, ok := wf.BranchTarget(node.ID, "")
	if !ok {
		return "", nil
	}
	return target, nil
}

func (e *GraphExecutor) executeCondition(ctx context.Context, wf *schema.Workflow, node *schema.Node, inst *store.ExecutionInstance) (string, error) {
	outcome, err := e.evaluateWithRetry(ctx, node, inst)
	if err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{"outcome": string(outcome)})
	e.appendEvent(ctx, inst.ID, node.ID, schema.EventConditionEvaluated, payload)

	target, ok := wf.BranchTarget(node.ID, string(outcome))
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeUnmatchedBranch,
			"condition produced %q but node %s has no such branch", outcome, node.ID).
			WithNode(node.ID).
			WithDetails(map[string]any{"outcome": string(outcome)})
	}
	return target, nil
}

func (e *GraphExecutor) executeAction(ctx context.Context, wf *schema.Workflow, node *schema.Node, inst *store.ExecutionInstance) (string, error) {
	out, err := e.runWithRetry(ctx, node, inst)
	if err != nil {
		return "", err
	}

	if len(out.Variables) > 0 {
		if inst.Variables == nil {
			inst.Variables = make(map[string]any, len(out.Variables))
		}
		for k, v := range out.Variables {
			inst.Variables[k] = v
		}
		if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Variables: inst.Variables}); err != nil {
			return "", err
		}
	}

	e.appendEvent(ctx, inst.ID, node.ID, schema.EventActionDispatched, nil)
	return e.advanceUnconditional(wf, node)
}

// evaluateWithRetry runs the condition evaluator under the retry policy.
// An unreachable classifier or a flaky model call backs off like a transient
// action failure; bad expressions and unknown labels abort on the first
// attempt.
func (e *GraphExecutor) evaluateWithRetry(ctx context.Context, node *schema.Node, inst *store.ExecutionInstance) (conditions.Outcome, error) {
	env := e.conditionEnv(inst)

	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		outcome, err := e.conditions.Evaluate(ctx, node, env)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return "", err
		}

		if attempt+1 < e.retry.MaxAttempts {
			delay := e.retry.ComputeBackoff(attempt)
			payload, _ := json.Marshal(map[string]any{
				"attempt": attempt + 1,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
			e.appendEvent(ctx, inst.ID, node.ID, schema.EventConditionRetrying, payload)
			e.logger.WarnContext(ctx, "retrying condition evaluation",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if err := WaitForBackoff(ctx, delay); err != nil {
				return "", err
			}
		}
	}

	return "", schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"condition evaluation failed after %d attempts", e.retry.MaxAttempts).
		WithNode(node.ID).WithCause(lastErr)
}

// runWithRetry executes the action under the retry policy. Permanent failures
// abort immediately; transient ones back off until attempts run out.
func (e *GraphExecutor) runWithRetry(ctx context.Context, node *schema.Node, inst *store.ExecutionInstance) (*actions.Output, error) {
	in := actions.DispatchInput{
		InstanceID: inst.ID,
		SubjectID:  inst.SubjectID,
		Node:       node,
		Variables:  inst.Variables,
		Event:      eventFromVariables(inst.Variables),
		Subject:    map[string]any{"id": inst.SubjectID},
	}

	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		out, err := e.dispatcher.Dispatch(ctx, in)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			e.appendEvent(ctx, inst.ID, node.ID, schema.EventActionFailed, errPayload(err))
			return nil, schema.NewError(schema.ErrCodePermanent, "action failed permanently").
				WithNode(node.ID).WithCause(err)
		}

		if attempt+1 < e.retry.MaxAttempts {
			delay := e.retry.ComputeBackoff(attempt)
			payload, _ := json.Marshal(map[string]any{
				"attempt": attempt + 1,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
			e.appendEvent(ctx, inst.ID, node.ID, schema.EventActionRetrying, payload)
			e.logger.WarnContext(ctx, "retrying action",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	e.appendEvent(ctx, inst.ID, node.ID, schema.EventActionFailed, errPayload(lastErr))
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"action failed after %d attempts", e.retry.MaxAttempts).
		WithNode(node.ID).WithCause(lastErr)
}

// suspendAt parks the instance on a waiting node: a durable waiting record
// first, then the status flip, then the log entries.
func (e *GraphExecutor) suspendAt(ctx context.Context, node *schema.Node, inst *store.ExecutionInstance) error {
	cfg, err := node.WaitingConfig()
	if err != nil {
		return err
	}

	var deadline *time.Time
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "bad timeout %q", cfg.Timeout).
				WithNode(node.ID).WithCause(err)
		}
		t := time.Now().UTC().Add(d)
		deadline = &t
	}

	rec := &store.WaitingRecord{
		InstanceID: inst.ID,
		NodeID:     node.ID,
		SubjectID:  inst.SubjectID,
		Expected:   cfg,
		Deadline:   deadline,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateWaiting(ctx, rec); err != nil {
		return err
	}

	waiting := schema.InstanceWaiting
	if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Status: &waiting}); err != nil {
		return err
	}
	prev := inst.Status
	inst.Status = waiting

	var waitPayload json.RawMessage
	if deadline != nil {
		waitPayload, _ = json.Marshal(map[string]any{"deadline": deadline.Format(time.RFC3339)})
	}
	e.appendEvent(ctx, inst.ID, node.ID, schema.EventWaitStarted, waitPayload)
	if err := e.fsm.Transition(ctx, inst.ID, prev, waiting); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "instance suspended", slog.Any("deadline", deadline))
	return nil
}

func (e *GraphExecutor) advance(ctx context.Context, inst *store.ExecutionInstance, target string) error {
	if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{CurrentNodeID: &target}); err != nil {
		return err
	}
	inst.CurrentNodeID = target
	return nil
}

func (e *GraphExecutor) complete(ctx context.Context, inst *store.ExecutionInstance) error {
	now := time.Now().UTC()
	completed := schema.InstanceCompleted
	if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:      &completed,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	prev := inst.Status
	inst.Status = completed
	inst.CompletedAt = &now

	if err := e.fsm.Transition(ctx, inst.ID, prev, completed); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "instance completed")
	return nil
}

// fail marks the instance failed and records the reason. The original error
// is returned so callers can observe it.
func (e *GraphExecutor) fail(ctx context.Context, inst *store.ExecutionInstance, cause error) error {
	now := time.Now().UTC()
	failed := schema.InstanceFailed
	if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:        &failed,
		FailureReason: errPayload(cause),
		CompletedAt:   &now,
	}); err != nil {
		return errors.Join(cause, err)
	}
	prev := inst.Status
	inst.Status = failed
	inst.CompletedAt = &now

	if err := e.fsm.Transition(ctx, inst.ID, prev, failed); err != nil {
		return errors.Join(cause, err)
	}

	e.logger.ErrorContext(ctx, "instance failed", slog.String("error", cause.Error()))
	return cause
}

func (e *GraphExecutor) conditionEnv(inst *store.ExecutionInstance) conditions.Env {
	return conditions.Env{
		Variables: inst.Variables,
		Event:     eventFromVariables(inst.Variables),
		Subject:   map[string]any{"id": inst.SubjectID},
	}
}

// appendEvent writes a log entry, logging append failures instead of aborting
// the step: the state transition already happened and the log is best-effort
// behind it.
func (e *GraphExecutor) appendEvent(ctx context.Context, instanceID, nodeID, eventType string, payload json.RawMessage) {
	err := e.store.AppendEvent(ctx, &store.Event{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Type:       eventType,
		Payload:    payload,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "append event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

func eventFromVariables(vars map[string]any) map[string]any {
	if ev, ok := vars["event"].(map[string]any); ok {
		return ev
	}
	return nil
}

func errPayload(err error) json.RawMessage {
	var jErr *schema.JourneyError
	if errors.As(err, &jErr) {
		if raw, mErr := json.Marshal(jErr); mErr == nil {
			return raw
		}
	}
	raw, _ := json.Marshal(map[string]any{"message": err.Error()})
	return raw
}
