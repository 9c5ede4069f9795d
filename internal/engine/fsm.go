package engine

import (
	"context"
	"sync"

	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// TransitionHook is called before or after an instance state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and the ExecutionLog; the FSM uses
// it to emit lifecycle events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.InstanceStatus
}

// InstanceFSM manages execution instance lifecycle transitions.
type InstanceFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewInstanceFSM creates an InstanceFSM that emits events via the given appender.
func NewInstanceFSM(appender EventAppender) *InstanceFSM {
	return &InstanceFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an instance state transition, emitting
// the corresponding lifecycle event. The caller persists the new state to the
// store before calling Transition so the log never gets ahead of the state.
func (f *InstanceFSM) Transition(ctx context.Context, instanceID string, from, to schema.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := instanceEventType(to); eventType != "" {
		event := &store.Event{
			InstanceID: instanceID,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit instance event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceWaiting:
		return schema.EventInstanceWaiting
	case schema.InstanceCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceFailed:
		return schema.EventInstanceFailed
	case schema.InstanceCancelled:
		return schema.EventInstanceCancelled
	default:
		return ""
	}
}

// ValidInstanceTransitions defines the allowed instance state transitions.
// running -> running self-loops are not transitions; node advancement happens
// within the running state.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceRunning:   {schema.InstanceWaiting, schema.InstanceCompleted, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstanceWaiting:   {schema.InstanceRunning, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstanceCompleted: {},
	schema.InstanceFailed:    {},
	schema.InstanceCancelled: {},
}
