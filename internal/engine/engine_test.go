package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/journey/internal/actions"
	"github.com/sendloop/journey/internal/conditions"
	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// --- Test doubles ---

type fakeSender struct {
	mu      sync.Mutex
	sent    []actions.Message
	failFor int // fail the first N sends
	fails   int
}

func (s *fakeSender) Send(_ context.Context, msg actions.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails < s.failFor {
		s.fails++
		return errors.New("connection refused")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Body
	}
	return out
}

type fakeProfiles struct {
	mu   sync.Mutex
	tags map[string][]string
}

func (p *fakeProfiles) AddTag(_ context.Context, subjectID, tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tags == nil {
		p.tags = make(map[string][]string)
	}
	p.tags[subjectID] = append(p.tags[subjectID], tag)
	return nil
}

func (p *fakeProfiles) RemoveTag(context.Context, string, string) error { return nil }

func (p *fakeProfiles) SetField(context.Context, string, string, any) error { return nil }

// flakyEvaluator fails the first failFor evaluations before delegating, the
// shape of a classifier backend that is briefly unreachable.
type flakyEvaluator struct {
	inner   conditions.Evaluator
	failErr error
	failFor int
	calls   int
}

func (f *flakyEvaluator) Evaluate(ctx context.Context, node *schema.Node, env conditions.Env) (conditions.Outcome, error) {
	f.calls++
	if f.calls <= f.failFor {
		return "", f.failErr
	}
	return f.inner.Evaluate(ctx, node, env)
}

// --- Harness ---

type testHarness struct {
	store    *memStore
	engine   *Engine
	sender   *fakeSender
	profiles *fakeProfiles
}

func newHarness(t *testing.T, opts ...func(*Config)) *testHarness {
	t.Helper()

	st := newMemStore()
	sender := &fakeSender{}
	profiles := &fakeProfiles{}

	jq := expressions.NewGoJQEngine()
	interp := expressions.NewInterpolator(jq)
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	evaluator := conditions.NewNodeEvaluator(expressions.NewExprEngine(), celEngine, interp, nil)

	registry := actions.NewRegistry()
	registry.MustRegister(actions.NewSendMessageAction(sender))
	registry.MustRegister(actions.NewAddTagAction(profiles))
	registry.MustRegister(actions.NewRemoveTagAction(profiles))
	registry.MustRegister(actions.NewSetFieldAction(profiles))
	dispatcher := actions.NewDispatcher(registry, interp, nil)

	cfg := Config{
		Store:      st,
		Conditions: evaluator,
		Dispatcher: dispatcher,
		Matcher:    NewTriggerMatcher(st, jq, nil),
		Executor:   ExecutorConfig{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	eng := New(cfg)
	return &testHarness{store: st, engine: eng, sender: sender, profiles: profiles}
}

func mustConfig(t *testing.T, cfg any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

// signupWorkflow is a full onboarding journey:
//
//	when(user.signup) -> send welcome -> wait for a yes/no answer
//	  responded -> interested? -> add_tag / complete
//	  timeout   -> send discount
func signupWorkflow(t *testing.T) *schema.Workflow {
	t.Helper()
	return &schema.Workflow{
		ID:      "wf-signup",
		Name:    "Onboarding",
		Version: 1,
		Status:  schema.WorkflowActive,
		Nodes: []schema.Node{
			{ID: "when", Kind: schema.NodeWhen, Config: mustConfig(t, schema.WhenConfig{
				EventType: "user.signup",
				Filters:   []schema.FieldFilter{{Path: ".plan", Op: schema.FilterEq, Value: "pro"}},
			})},
			{ID: "welcome", Kind: schema.NodeAction, Config: mustConfig(t, schema.ActionConfig{
				Type:   schema.ActionSendMessage,
				Params: map[string]any{"body": "Welcome, {{event.name}}!"},
			})},
			{ID: "ask", Kind: schema.NodeWaiting, Config: mustConfig(t, schema.WaitingConfig{
				Answer:  schema.AnswerChoice,
				Choices: []string{"yes", "no"},
				SaveTo:  "interested",
				Timeout: "72h",
			})},
			{ID: "interested", Kind: schema.NodeCondition, Config: mustConfig(t, schema.ConditionConfig{
				Mode:  schema.ConditionRules,
				Rules: &schema.RuleGroup{Combinator: "and", Rules: []schema.Rule{{Field: "interested", Op: schema.RuleEq, Value: "yes"}}},
			})},
			{ID: "tag", Kind: schema.NodeAction, Config: mustConfig(t, schema.ActionConfig{
				Type:   schema.ActionAddTag,
				Params: map[string]any{"tag": "engaged"},
			})},
			{ID: "discount", Kind: schema.NodeAction, Config: mustConfig(t, schema.ActionConfig{
				Type:   schema.ActionSendMessage,
				Params: map[string]any{"body": "Here is a discount"},
			})},
		},
		Connections: []schema.Connection{
			{SourceID: "when", TargetID: "welcome"},
			{SourceID: "welcome", TargetID: "ask"},
			{SourceID: "ask", TargetID: "interested", Branch: schema.BranchResponded},
			{SourceID: "ask", TargetID: "discount", Branch: schema.BranchTimeout},
			{SourceID: "interested", TargetID: "tag", Branch: schema.BranchTrue},
		},
	}
}

// Note: the false branch of "interested" is deliberately absent in some
// tests; those add it where needed.

func signupEvent() IncomingEvent {
	return IncomingEvent{
		Type:      "user.signup",
		SubjectID: "user-7",
		Payload:   map[string]any{"plan": "pro", "name": "Ada"},
	}
}

// --- Scenarios ---

func TestEventStartsInstanceAndSuspends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceWaiting, inst.Status)
	assert.Equal(t, "ask", inst.CurrentNodeID)
	assert.Equal(t, []string{"Welcome, Ada!"}, h.sender.bodies())

	rec, err := h.store.GetWaiting(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, rec.Deadline)

	types := h.store.eventTypes(ids[0])
	assert.Equal(t, []string{
		schema.EventTriggerMatched,
		schema.EventInstanceStarted,
		schema.EventNodeEntered, // when
		schema.EventNodeEntered, // welcome
		schema.EventActionDispatched,
		schema.EventNodeEntered, // ask
		schema.EventWaitStarted,
		schema.EventInstanceWaiting,
	}, types)
}

func TestNonMatchingEventIsSilentNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, IncomingEvent{
		Type:      "user.signup",
		SubjectID: "user-7",
		Payload:   map[string]any{"plan": "free"},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = h.engine.HandleEvent(ctx, IncomingEvent{Type: "order.placed", SubjectID: "user-7"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResponseResumesDownRespondedBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "yes"}))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, "yes", inst.Variables["interested"])
	assert.Equal(t, []string{"engaged"}, h.profiles.tags["user-7"])
	require.NotNil(t, inst.CompletedAt)
}

func TestInvalidResponseIsRejectedAndInstanceStaysWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)

	err = h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "maybe"})
	require.Error(t, err)
	var jErr *schema.JourneyError
	require.ErrorAs(t, err, &jErr)
	assert.Equal(t, schema.ErrCodeSchemaMismatch, jErr.Code)

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceWaiting, inst.Status)
	assert.Contains(t, h.store.eventTypes(ids[0]), schema.EventResponseRejected)

	// The instance is still resumable with a valid answer.
	require.NoError(t, h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "no"}))
}

func TestTimeoutTakesTimeoutBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)

	require.NoError(t, h.engine.SweepDeadlines(ctx, time.Now().Add(100*time.Hour)))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Contains(t, h.sender.bodies(), "Here is a discount")
	assert.Contains(t, h.store.eventTypes(ids[0]), schema.EventWaitTimedOut)
}

func TestSecondResponseLosesRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	_, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)

	require.NoError(t, h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "yes"}))

	// The waiting record is gone, so a second answer has nothing to resume.
	err = h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "no"})
	var jErr *schema.JourneyError
	require.ErrorAs(t, err, &jErr)
	assert.Equal(t, schema.ErrCodeNotFound, jErr.Code)

	// And only one tag was applied.
	assert.Equal(t, []string{"engaged"}, h.profiles.tags["user-7"])
}

func TestUnmatchedBranchFailsInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	_, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)

	// "no" evaluates the condition to false, which has no outgoing edge.
	require.NoError(t, h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "no"}))

	insts, err := h.store.ListInstances(ctx, store.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, schema.InstanceFailed, insts[0].Status)

	var reason schema.JourneyError
	require.NoError(t, json.Unmarshal(insts[0].FailureReason, &reason))
	assert.Equal(t, schema.ErrCodeUnmatchedBranch, reason.Code)
}

func TestStepLimitStopsCycles(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Executor.StepLimit = 5 })
	ctx := context.Background()

	wf := &schema.Workflow{
		ID:      "wf-cycle",
		Version: 1,
		Status:  schema.WorkflowActive,
		Nodes: []schema.Node{
			{ID: "when", Kind: schema.NodeWhen, Config: mustConfig(t, schema.WhenConfig{EventType: "ping"})},
			{ID: "a", Kind: schema.NodeAction, Config: mustConfig(t, schema.ActionConfig{
				Type: schema.ActionAddTag, Params: map[string]any{"tag": "looped"},
			})},
			{ID: "b", Kind: schema.NodeAction, Config: mustConfig(t, schema.ActionConfig{
				Type: schema.ActionAddTag, Params: map[string]any{"tag": "looped"},
			})},
		},
		Connections: []schema.Connection{
			{SourceID: "when", TargetID: "a"},
			{SourceID: "a", TargetID: "b"},
			{SourceID: "b", TargetID: "a"},
		},
	}
	require.NoError(t, h.store.PutWorkflow(ctx, wf))

	ids, err := h.engine.HandleEvent(ctx, IncomingEvent{Type: "ping", SubjectID: "user-1"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFailed, inst.Status)

	var reason schema.JourneyError
	require.NoError(t, json.Unmarshal(inst.FailureReason, &reason))
	assert.Equal(t, schema.ErrCodeStepLimit, reason.Code)
}

func TestTransientActionFailureRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.sender.failFor = 2
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceWaiting, inst.Status)
	assert.Len(t, h.sender.bodies(), 1)

	retries := 0
	for _, typ := range h.store.eventTypes(ids[0]) {
		if typ == schema.EventActionRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestTransientConditionFailureRetriesThenSucceeds(t *testing.T) {
	flaky := &flakyEvaluator{
		failErr: schema.NewError(schema.ErrCodeClassifier, "classifier unavailable"),
		failFor: 2,
	}
	h := newHarness(t, func(cfg *Config) {
		flaky.inner = cfg.Conditions
		cfg.Conditions = flaky
	})
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)
	require.NoError(t, h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "yes"}))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, []string{"engaged"}, h.profiles.tags["user-7"])
	assert.Equal(t, 3, flaky.calls)

	retries := 0
	for _, typ := range h.store.eventTypes(ids[0]) {
		if typ == schema.EventConditionRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestConditionRetryExhaustionFailsInstance(t *testing.T) {
	flaky := &flakyEvaluator{
		failErr: schema.NewError(schema.ErrCodeClassifier, "classifier unavailable"),
		failFor: 10,
	}
	h := newHarness(t, func(cfg *Config) {
		flaky.inner = cfg.Conditions
		cfg.Conditions = flaky
	})
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)
	require.NoError(t, h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "yes"}))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFailed, inst.Status)
	assert.Equal(t, 3, flaky.calls)

	var reason schema.JourneyError
	require.NoError(t, json.Unmarshal(inst.FailureReason, &reason))
	assert.Equal(t, schema.ErrCodeRetryExhausted, reason.Code)
}

func TestPermanentConditionFailureDoesNotRetry(t *testing.T) {
	flaky := &flakyEvaluator{
		failErr: schema.NewError(schema.ErrCodeValidation, "unknown rule operator"),
		failFor: 10,
	}
	h := newHarness(t, func(cfg *Config) {
		flaky.inner = cfg.Conditions
		cfg.Conditions = flaky
	})
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)
	require.NoError(t, h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "yes"}))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFailed, inst.Status)
	assert.Equal(t, 1, flaky.calls)
	assert.NotContains(t, h.store.eventTypes(ids[0]), schema.EventConditionRetrying)
}

func TestRetryExhaustionFailsInstance(t *testing.T) {
	h := newHarness(t)
	h.sender.failFor = 10
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFailed, inst.Status)

	var reason schema.JourneyError
	require.NoError(t, json.Unmarshal(inst.FailureReason, &reason))
	assert.Equal(t, schema.ErrCodeRetryExhausted, reason.Code)
	assert.Contains(t, h.store.eventTypes(ids[0]), schema.EventActionFailed)
}

func TestCancelWaitingInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutWorkflow(ctx, signupWorkflow(t)))

	ids, err := h.engine.HandleEvent(ctx, signupEvent())
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(ctx, ids[0], "subject unsubscribed"))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCancelled, inst.Status)

	_, err = h.store.GetWaiting(ctx, ids[0])
	require.Error(t, err)

	// Cancelling again is a conflict.
	err = h.engine.Cancel(ctx, ids[0], "")
	var jErr *schema.JourneyError
	require.ErrorAs(t, err, &jErr)
	assert.Equal(t, schema.ErrCodeConflict, jErr.Code)

	// A late response finds nothing to resume.
	err = h.engine.HandleResponse(ctx, UserResponse{SubjectID: "user-7", Value: "yes"})
	require.Error(t, err)
}

func TestScheduleTriggerStartsInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := &schema.Workflow{
		ID:      "wf-digest",
		Version: 1,
		Status:  schema.WorkflowActive,
		Nodes: []schema.Node{
			{ID: "when", Kind: schema.NodeWhen, Config: mustConfig(t, schema.WhenConfig{
				EventType: schema.EventSchedule,
				Cron:      "0 9 * * *",
				Subject:   "segment-daily",
			})},
			{ID: "send", Kind: schema.NodeAction, Config: mustConfig(t, schema.ActionConfig{
				Type:   schema.ActionSendMessage,
				Params: map[string]any{"body": "Your daily digest"},
			})},
		},
		Connections: []schema.Connection{{SourceID: "when", TargetID: "send"}},
	}
	require.NoError(t, h.store.PutWorkflow(ctx, wf))

	require.NoError(t, h.engine.TriggerSchedule(ctx, "wf-digest", 1, time.Now()))

	insts, err := h.store.ListInstances(ctx, store.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, schema.InstanceCompleted, insts[0].Status)
	assert.Equal(t, "segment-daily", insts[0].SubjectID)
	assert.Equal(t, []string{"Your daily digest"}, h.sender.bodies())
	assert.Contains(t, h.store.eventTypes(insts[0].ID), schema.EventScheduleFired)
}

func TestRecoverDrivesRunningInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := &schema.Workflow{
		ID:      "wf-simple",
		Version: 1,
		Status:  schema.WorkflowActive,
		Nodes: []schema.Node{
			{ID: "when", Kind: schema.NodeWhen, Config: mustConfig(t, schema.WhenConfig{EventType: "ping"})},
			{ID: "tag", Kind: schema.NodeAction, Config: mustConfig(t, schema.ActionConfig{
				Type: schema.ActionAddTag, Params: map[string]any{"tag": "pinged"},
			})},
		},
		Connections: []schema.Connection{{SourceID: "when", TargetID: "tag"}},
	}
	require.NoError(t, h.store.PutWorkflow(ctx, wf))

	// Simulate a crash mid-flight: instance persisted but never driven.
	now := time.Now().UTC()
	inst := &store.ExecutionInstance{
		ID:              "inst-stuck",
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		SubjectID:       "user-3",
		CurrentNodeID:   "when",
		Status:          schema.InstanceRunning,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, h.store.CreateInstance(ctx, inst))

	require.NoError(t, h.engine.Recover(ctx))

	got, err := h.store.GetInstance(ctx, "inst-stuck")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, []string{"pinged"}, h.profiles.tags["user-3"])
}
