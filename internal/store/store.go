package store

import (
	"context"
	"time"

	"github.com/sendloop/journey/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions (read-mostly; versions are immutable once written)
	PutWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)

	// Execution instances
	CreateInstance(ctx context.Context, inst *ExecutionInstance) error
	GetInstance(ctx context.Context, id string) (*ExecutionInstance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*ExecutionInstance, error)

	// Waiting records (one per suspended instance)
	CreateWaiting(ctx context.Context, rec *WaitingRecord) error
	GetWaiting(ctx context.Context, instanceID string) (*WaitingRecord, error)
	FindWaitingBySubject(ctx context.Context, subjectID, nodeID string) (*WaitingRecord, error)
	ListDueWaiting(ctx context.Context, before time.Time) ([]*WaitingRecord, error)
	// DeleteWaiting returns false when the record was already gone, which is
	// how a losing resume path discovers it lost the race.
	DeleteWaiting(ctx context.Context, instanceID string) (bool, error)

	// Execution log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
