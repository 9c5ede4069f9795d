package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// UserResponse is an answer from a subject to a waiting instance. InstanceID
// takes precedence when set; otherwise the waiting record is located by
// subject and node.
type UserResponse struct {
	InstanceID string `json:"instance_id,omitempty"`
	SubjectID  string `json:"subject_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	Value      any    `json:"value"`
}

// WaitingManager resumes suspended instances, either from a user response or
// from a deadline expiry. Both paths go through DeleteWaiting, whose row count
// decides the race: exactly one resume wins.
type WaitingManager struct {
	store  store.Store
	fsm    *InstanceFSM
	logger *slog.Logger

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewWaitingManager(s store.Store, fsm *InstanceFSM, logger *slog.Logger) *WaitingManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &WaitingManager{
		store:   s,
		fsm:     fsm,
		logger:  logger,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Resolve locates the waiting record a response addresses.
func (w *WaitingManager) Resolve(ctx context.Context, resp UserResponse) (*store.WaitingRecord, error) {
	if resp.InstanceID != "" {
		return w.store.GetWaiting(ctx, resp.InstanceID)
	}
	if resp.SubjectID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "response needs an instance_id or subject_id")
	}
	return w.store.FindWaitingBySubject(ctx, resp.SubjectID, resp.NodeID)
}

// Resume applies a response to a waiting instance. The caller holds the
// instance lease. On success the instance is back in running state positioned
// on the responded branch, ready to be driven. A rejected response leaves the
// instance waiting and returns a validation error.
func (w *WaitingManager) Resume(ctx context.Context, wf *schema.Workflow, inst *store.ExecutionInstance, rec *store.WaitingRecord, value any) error {
	if inst.Status != schema.InstanceWaiting {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is %s, not waiting", inst.ID, inst.Status)
	}

	if err := w.validate(rec.Expected, value); err != nil {
		payload, _ := json.Marshal(map[string]any{"error": err.Error()})
		w.appendEvent(ctx, inst.ID, rec.NodeID, schema.EventResponseRejected, payload)
		w.logger.InfoContext(ctx, "response rejected",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()))
		return err
	}

	target, ok := wf.BranchTarget(rec.NodeID, schema.BranchResponded)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnmatchedBranch,
			"waiting node %s has no responded branch", rec.NodeID).WithNode(rec.NodeID)
	}

	// Whoever deletes the record owns the resume; a concurrent timeout that
	// got there first means this response arrived too late.
	deleted, err := w.store.DeleteWaiting(ctx, inst.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s was already resumed", inst.ID)
	}

	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}
	if rec.Expected != nil && rec.Expected.SaveTo != "" {
		inst.Variables[rec.Expected.SaveTo] = value
	}

	running := schema.InstanceRunning
	if err := w.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:        &running,
		CurrentNodeID: &target,
		Variables:     inst.Variables,
	}); err != nil {
		return err
	}
	if err := w.fsm.Transition(ctx, inst.ID, inst.Status, running); err != nil {
		return err
	}
	inst.Status = running
	inst.CurrentNodeID = target

	valuePayload, _ := json.Marshal(map[string]any{"value": value})
	w.appendEvent(ctx, inst.ID, rec.NodeID, schema.EventResponseReceived, valuePayload)
	w.appendEvent(ctx, inst.ID, "", schema.EventInstanceResumed, nil)
	return nil
}

// ExpireDeadline resumes a timed-out instance onto its timeout branch. The
// caller holds the lease. Returns false without error when a response won the
// race first.
func (w *WaitingManager) ExpireDeadline(ctx context.Context, wf *schema.Workflow, inst *store.ExecutionInstance, rec *store.WaitingRecord) (bool, error) {
	target, hasBranch := wf.BranchTarget(rec.NodeID, schema.BranchTimeout)

	deleted, err := w.store.DeleteWaiting(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	if !hasBranch {
		return true, schema.NewErrorf(schema.ErrCodeUnmatchedBranch,
			"waiting node %s timed out but has no timeout branch", rec.NodeID).WithNode(rec.NodeID)
	}

	running := schema.InstanceRunning
	if err := w.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:        &running,
		CurrentNodeID: &target,
	}); err != nil {
		return true, err
	}
	if err := w.fsm.Transition(ctx, inst.ID, inst.Status, running); err != nil {
		return true, err
	}
	inst.Status = running
	inst.CurrentNodeID = target

	w.appendEvent(ctx, inst.ID, rec.NodeID, schema.EventWaitTimedOut, nil)
	w.appendEvent(ctx, inst.ID, "", schema.EventInstanceResumed, nil)
	w.logger.InfoContext(ctx, "wait deadline expired",
		slog.String("instance_id", inst.ID),
		slog.String("node_id", rec.NodeID))
	return true, nil
}

// validate checks a response value against the waiting node's expectation
// using a compiled JSON Schema per answer kind.
func (w *WaitingManager) validate(expected *schema.WaitingConfig, value any) error {
	if expected == nil {
		return nil
	}

	compiled, err := w.getOrCompile(expected)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "bad answer schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "response value is not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeSchemaMismatch,
			"response does not match expected %s answer", expected.Answer).WithCause(err)
	}
	return nil
}

func (w *WaitingManager) getOrCompile(expected *schema.WaitingConfig) (*jsonschema.Schema, error) {
	doc, err := answerSchema(expected)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	w.mu.RLock()
	if cached, ok := w.schemas[key]; ok {
		w.mu.RUnlock()
		return cached, nil
	}
	w.mu.RUnlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if cached, ok := w.schemas[key]; ok {
		return cached, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("journey://answer-schema/%d", len(w.schemas))
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, err
	}

	w.schemas[key] = compiled
	return compiled, nil
}

// answerSchema maps an answer kind onto a JSON Schema document.
func answerSchema(expected *schema.WaitingConfig) (map[string]any, error) {
	switch expected.Answer {
	case schema.AnswerText:
		return map[string]any{"type": "string", "minLength": 1}, nil
	case schema.AnswerNumber:
		return map[string]any{"type": "number"}, nil
	case schema.AnswerChoice:
		if len(expected.Choices) == 0 {
			return nil, fmt.Errorf("choice answer declares no choices")
		}
		enum := make([]any, len(expected.Choices))
		for i, c := range expected.Choices {
			enum[i] = c
		}
		return map[string]any{"enum": enum}, nil
	default:
		return nil, fmt.Errorf("unknown answer kind %q", expected.Answer)
	}
}

func (w *WaitingManager) appendEvent(ctx context.Context, instanceID, nodeID, eventType string, payload json.RawMessage) {
	err := w.store.AppendEvent(ctx, &store.Event{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Type:       eventType,
		Payload:    payload,
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "append event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// toJSONValue round-trips a value through JSON so numbers come back as
// json.Number, which the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
