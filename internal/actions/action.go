// Package actions dispatches action nodes to their channel adapters. The
// dispatcher performs exactly one effect per call and classifies failures as
// transient or permanent; retry decisions belong to the engine.
package actions

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sendloop/journey/pkg/schema"
)

// Input is the data provided to an action at execution time. Params are
// already interpolated; Variables are read-only context.
type Input struct {
	InstanceID     string         `json:"instance_id"`
	NodeID         string         `json:"node_id"`
	SubjectID      string         `json:"subject_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Params         map[string]any `json:"params"`
	Variables      map[string]any `json:"variables,omitempty"`
}

// Output is the result of an action execution. Variables are merged into the
// instance's variable mapping.
type Output struct {
	Variables map[string]any `json:"variables,omitempty"`
}

// Action is one executable effect type.
type Action interface {
	Type() schema.ActionType
	Execute(ctx context.Context, in Input) (*Output, error)
}

// FailureKind classifies an action failure for the engine's retry policy.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// ActionError is a classified action failure.
type ActionError struct {
	Kind FailureKind
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action failure: %v", e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as a retryable failure.
func Transient(err error) *ActionError {
	return &ActionError{Kind: FailureTransient, Err: err}
}

// Permanent wraps an error as a non-retryable failure.
func Permanent(err error) *ActionError {
	return &ActionError{Kind: FailurePermanent, Err: err}
}

// idempotencyNamespace salts derived keys so they cannot collide with other
// UUID producers in the system.
var idempotencyNamespace = uuid.MustParse("8f3c1a52-4f6e-45a1-9c27-6d3adbf20c11")

// IdempotencyKey derives a stable identifier from (instance, node) so channel
// adapters can deduplicate retried effects.
func IdempotencyKey(instanceID, nodeID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(instanceID+":"+nodeID)).String()
}

// --- Param helpers shared by the builtin actions ---

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "param %q must be a string, got %T", key, v)
	}
	return s, nil
}

func optionalStringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
