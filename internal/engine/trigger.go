package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// IncomingEvent is an external occurrence that may start workflow instances.
type IncomingEvent struct {
	Type      string         `json:"type"`
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Subject   map[string]any `json:"subject,omitempty"`
}

// TriggerMatcher decides which active workflows an event starts. An event
// that matches nothing is silently dropped; an event that matches several
// workflows starts one instance per workflow.
type TriggerMatcher struct {
	store  store.Store
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

func NewTriggerMatcher(s store.Store, jq *expressions.GoJQEngine, logger *slog.Logger) *TriggerMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerMatcher{store: s, jq: jq, logger: logger}
}

// Match returns new instances for every active workflow whose entry node
// matches the event. Instances are persisted in running state, positioned at
// the entry node, with the event payload seeded into variables so later nodes
// can still reference it after a suspension.
func (m *TriggerMatcher) Match(ctx context.Context, ev IncomingEvent) ([]*store.ExecutionInstance, error) {
	active := schema.WorkflowActive
	workflows, err := m.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active})
	if err != nil {
		return nil, err
	}

	var started []*store.ExecutionInstance
	for _, wf := range workflows {
		entry := wf.EntryNode()
		if entry == nil {
			continue
		}
		cfg, err := entry.WhenConfig()
		if err != nil {
			m.logger.WarnContext(ctx, "skipping workflow with bad entry config",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}

		matched, err := m.matches(ctx, cfg, ev)
		if err != nil {
			return started, err
		}
		if !matched {
			continue
		}

		inst, err := m.startInstance(ctx, wf, entry, ev)
		if err != nil {
			return started, err
		}
		started = append(started, inst)
	}
	return started, nil
}

func (m *TriggerMatcher) matches(ctx context.Context, cfg *schema.WhenConfig, ev IncomingEvent) (bool, error) {
	if cfg.EventType != ev.Type {
		return false, nil
	}
	for _, filter := range cfg.Filters {
		ok, err := m.filterHolds(ctx, filter, ev.Payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *TriggerMatcher) filterHolds(ctx context.Context, filter schema.FieldFilter, payload map[string]any) (bool, error) {
	path := filter.Path
	if !strings.HasPrefix(path, ".") {
		path = "." + path
	}
	actual, found, err := m.jq.Lookup(ctx, path, payload)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "bad filter path %q", filter.Path).WithCause(err)
	}
	if !found {
		return false, nil
	}

	switch filter.Op {
	case schema.FilterEq:
		return looseEqual(actual, filter.Value), nil
	case schema.FilterContains:
		return contains(actual, filter.Value), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown filter op %q", filter.Op)
	}
}

func (m *TriggerMatcher) startInstance(ctx context.Context, wf *schema.Workflow, entry *schema.Node, ev IncomingEvent) (*store.ExecutionInstance, error) {
	now := time.Now().UTC()
	variables := map[string]any{}
	if ev.Payload != nil {
		variables["event"] = ev.Payload
	}

	inst := &store.ExecutionInstance{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		SubjectID:       ev.SubjectID,
		CurrentNodeID:   entry.ID,
		Status:          schema.InstanceRunning,
		Variables:       variables,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	matchPayload, _ := json.Marshal(map[string]any{
		"event_type":  ev.Type,
		"workflow_id": wf.ID,
		"version":     wf.Version,
		"subject_id":  ev.SubjectID,
	})
	if err := m.store.AppendEvent(ctx, &store.Event{
		InstanceID: inst.ID,
		NodeID:     entry.ID,
		Type:       schema.EventTriggerMatched,
		Payload:    matchPayload,
	}); err != nil {
		return nil, err
	}
	if err := m.store.AppendEvent(ctx, &store.Event{
		InstanceID: inst.ID,
		Type:       schema.EventInstanceStarted,
	}); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "instance started",
		slog.String("instance_id", inst.ID),
		slog.String("workflow_id", wf.ID),
		slog.Int("version", wf.Version),
		slog.String("subject_id", ev.SubjectID))
	return inst, nil
}

// looseEqual compares filter values the way JSON does: all numbers compare as
// float64 and everything else by deep equality.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// contains checks substring membership for strings and element membership for
// slices. Any other actual value never matches.
func contains(actual, want any) bool {
	switch a := actual.(type) {
	case string:
		s, ok := want.(string)
		return ok && strings.Contains(a, s)
	case []any:
		for _, item := range a {
			if looseEqual(item, want) {
				return true
			}
		}
		return false
	case []string:
		s, ok := want.(string)
		if !ok {
			return false
		}
		for _, item := range a {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}
