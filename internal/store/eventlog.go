package store

import (
	"context"
	"fmt"

	"github.com/sendloop/journey/pkg/schema"
)

// ExecutionLog provides audit-trail operations on top of a LibSQLStore.
// Sequencing lives in the store itself so every appender, engine included,
// shares the same contiguous per-instance numbering; this wrapper adds the
// replay and verification side.
type ExecutionLog struct {
	store *LibSQLStore
}

// NewExecutionLog wraps a LibSQLStore to provide execution-log operations.
func NewExecutionLog(s *LibSQLStore) *ExecutionLog {
	return &ExecutionLog{store: s}
}

// AppendEvent appends an event to the instance's log. The store assigns the
// next per-instance sequence.
func (el *ExecutionLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for an instance with sequence > since, ordered by sequence ASC.
func (el *ExecutionLog) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, instanceID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *ExecutionLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// Replay returns the full ordered log of an instance, verifying sequence
// contiguity. A gap means log entries were lost and the trail cannot be
// trusted for audit.
func (el *ExecutionLog) Replay(ctx context.Context, instanceID string) ([]*Event, error) {
	events, err := el.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s: expected %d, got %d", instanceID, expected, e.Sequence)
		}
	}
	return events, nil
}

// NodeOutcomes folds the log into the last recorded event type per node,
// used by statistics and monitoring readers.
func NodeOutcomes(events []*Event) map[string]string {
	outcomes := make(map[string]string)
	for _, e := range events {
		if e.NodeID != "" {
			outcomes[e.NodeID] = e.Type
		}
	}
	return outcomes
}
