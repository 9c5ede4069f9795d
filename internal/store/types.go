package store

import (
	"encoding/json"
	"time"

	"github.com/sendloop/journey/pkg/schema"
)

// ExecutionInstance is one run of a workflow for one subject. Created by
// trigger matching; mutated only by the executor and the waiting-state
// manager, always under the per-instance lease.
type ExecutionInstance struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion int                   `json:"workflow_version"`
	SubjectID       string                `json:"subject_id"`
	CurrentNodeID   string                `json:"current_node_id"`
	Status          schema.InstanceStatus `json:"status"`
	Variables       map[string]any        `json:"variables,omitempty"`
	FailureReason   json.RawMessage       `json:"failure_reason,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// WaitingRecord is the durable marker that an instance is suspended at a
// waiting node. It exists only while the instance status is waiting and is
// deleted by whichever resume path wins.
type WaitingRecord struct {
	InstanceID string                `json:"instance_id"`
	NodeID     string                `json:"node_id"`
	SubjectID  string                `json:"subject_id"`
	Expected   *schema.WaitingConfig `json:"expected"`
	Deadline   *time.Time            `json:"deadline,omitempty"` // nil = wait forever
	CreatedAt  time.Time             `json:"created_at"`
}

// Event is an immutable entry in the execution log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflow definitions.
// Listing returns only the latest version of each workflow.
type WorkflowFilter struct {
	Status   *schema.WorkflowStatus `json:"status,omitempty"`
	TenantID string                 `json:"tenant_id,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// InstanceFilter specifies criteria for listing execution instances.
type InstanceFilter struct {
	Status     *schema.InstanceStatus `json:"status,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	SubjectID  string                 `json:"subject_id,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// InstanceUpdate specifies mutable fields of an execution instance.
// Variables replaces the whole mapping when non-nil.
type InstanceUpdate struct {
	Status        *schema.InstanceStatus `json:"status,omitempty"`
	CurrentNodeID *string                `json:"current_node_id,omitempty"`
	Variables     map[string]any         `json:"variables,omitempty"`
	FailureReason json.RawMessage        `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing log events.
type EventFilter struct {
	InstanceID string     `json:"instance_id,omitempty"`
	NodeID     string     `json:"node_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}
