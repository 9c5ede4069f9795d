package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sendloop/journey/internal/store"
)

// StreamEvent is a real-time copy of an execution-log entry, pushed to
// subscribers as instances run.
type StreamEvent struct {
	InstanceID string          `json:"instance_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventFilter narrows a subscription. Zero value means everything; a set
// InstanceID or a non-empty EventTypes list restricts delivery.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

func (f EventFilter) matches(e StreamEvent) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for live execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// FromLogEvent converts a persisted log event into its stream form.
func FromLogEvent(ev *store.Event) StreamEvent {
	return StreamEvent{
		InstanceID: ev.InstanceID,
		NodeID:     ev.NodeID,
		Type:       ev.Type,
		Payload:    ev.Payload,
		Sequence:   ev.Sequence,
		Timestamp:  ev.Timestamp,
	}
}
