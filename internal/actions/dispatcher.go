package actions

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/pkg/schema"
)

// Dispatcher resolves an action node's config against the registry,
// interpolates its params, and executes it once. Callers own retries.
type Dispatcher struct {
	registry *Registry
	interp   *expressions.Interpolator
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, interp *expressions.Interpolator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, interp: interp, logger: logger}
}

// DispatchInput carries the instance context for a single action execution.
type DispatchInput struct {
	InstanceID string
	SubjectID  string
	Node       *schema.Node
	Variables  map[string]any
	Event      map[string]any
	Subject    map[string]any
}

// Dispatch executes the action configured on the node. Failures are returned
// as *ActionError; anything unclassified is treated as transient so the
// engine's retry policy gets a chance to recover it.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*Output, error) {
	cfg, err := in.Node.ActionConfig()
	if err != nil {
		return nil, Permanent(err)
	}

	action, err := d.registry.Get(cfg.Type)
	if err != nil {
		return nil, Permanent(err)
	}

	data := map[string]any{
		"variables": orEmpty(in.Variables),
		"event":     orEmpty(in.Event),
		"subject":   orEmpty(in.Subject),
	}
	rendered, err := d.interp.RenderParams(ctx, cfg.Params, data)
	if err != nil {
		// Unresolved placeholders never heal on retry.
		return nil, Permanent(schema.NewError(schema.ErrCodeValidation, "param interpolation failed").WithNode(in.Node.ID).WithCause(err))
	}

	input := Input{
		InstanceID:     in.InstanceID,
		NodeID:         in.Node.ID,
		SubjectID:      in.SubjectID,
		IdempotencyKey: IdempotencyKey(in.InstanceID, in.Node.ID),
		Params:         rendered,
		Variables:      in.Variables,
	}

	d.logger.DebugContext(ctx, "dispatching action",
		slog.String("action_type", string(cfg.Type)),
		slog.String("idempotency_key", input.IdempotencyKey))

	out, err := action.Execute(ctx, input)
	if err != nil {
		return nil, classify(err)
	}
	if out == nil {
		out = &Output{}
	}
	return out, nil
}

func classify(err error) *ActionError {
	if ae, ok := err.(*ActionError); ok {
		return ae
	}
	var je *schema.JourneyError
	if errors.As(err, &je) && !je.IsRetryable() {
		return Permanent(err)
	}
	return Transient(err)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
