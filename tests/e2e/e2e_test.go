package e2e

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/journey/internal/actions"
	"github.com/sendloop/journey/internal/conditions"
	"github.com/sendloop/journey/internal/engine"
	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/internal/streaming"
	"github.com/sendloop/journey/internal/validation"
	"github.com/sendloop/journey/pkg/schema"
)

// --- Test collaborators ---

type capturingSender struct {
	mu       sync.Mutex
	messages []actions.Message
}

func (c *capturingSender) Send(_ context.Context, msg actions.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *capturingSender) sent() []actions.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]actions.Message(nil), c.messages...)
}

type capturingProfiles struct {
	mu   sync.Mutex
	tags []string
}

func (c *capturingProfiles) AddTag(_ context.Context, _, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append(c.tags, tag)
	return nil
}

func (c *capturingProfiles) RemoveTag(context.Context, string, string) error { return nil }

func (c *capturingProfiles) SetField(context.Context, string, string, any) error { return nil }

// --- Test harness ---

type harness struct {
	t         *testing.T
	store     *store.LibSQLStore
	log       *store.ExecutionLog
	engine    *engine.Engine
	validator *validation.WorkflowValidator
	hub       *streaming.MemoryHub
	sender    *capturingSender
	profiles  *capturingProfiles
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "e2e.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	jq := expressions.NewGoJQEngine()
	interp := expressions.NewInterpolator(jq)
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	exprEngine := expressions.NewExprEngine()

	sender := &capturingSender{}
	profiles := &capturingProfiles{}

	registry := actions.NewRegistry()
	registry.MustRegister(actions.NewSendMessageAction(sender))
	registry.MustRegister(actions.NewAddTagAction(profiles))
	registry.MustRegister(actions.NewRemoveTagAction(profiles))
	registry.MustRegister(actions.NewSetFieldAction(profiles))

	hub := streaming.NewMemoryHub()
	tapped := streaming.NewTap(s, hub)

	eng := engine.New(engine.Config{
		Store:      tapped,
		Conditions: conditions.NewNodeEvaluator(exprEngine, celEngine, interp, nil),
		Dispatcher: actions.NewDispatcher(registry, interp, logger),
		Matcher:    engine.NewTriggerMatcher(tapped, jq, logger),
		Executor: engine.ExecutorConfig{
			Retry: engine.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		},
		Logger: logger,
	})

	validator, err := validation.NewWorkflowValidator(registry)
	require.NoError(t, err)

	return &harness{
		t:         t,
		store:     s,
		log:       store.NewExecutionLog(s),
		engine:    eng,
		validator: validator,
		hub:       hub,
		sender:    sender,
		profiles:  profiles,
	}
}

func (h *harness) putWorkflow(path string) *schema.Workflow {
	h.t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(h.t, err)
	var wf schema.Workflow
	require.NoError(h.t, json.Unmarshal(data, &wf))

	require.NoError(h.t, h.validator.ValidateDefinition(&wf))
	require.NoError(h.t, h.store.PutWorkflow(context.Background(), &wf))
	return &wf
}

const exampleWorkflow = "../../examples/onboarding/workflow.json"

// --- Tests ---

func TestOnboardingJourney(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(exampleWorkflow)

	stream, cancel, err := h.hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// A matching signup event starts an instance, sends the welcome message,
	// and suspends at the waiting node.
	ids, err := h.engine.HandleEvent(ctx, engine.IncomingEvent{
		Type:      "user.signup",
		SubjectID: "user-1",
		Payload:   map[string]any{"plan": "pro", "name": "Dana"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceWaiting, inst.Status)
	assert.Equal(t, "ask", inst.CurrentNodeID)

	messages := h.sender.sent()
	require.Len(t, messages, 1)
	assert.Equal(t, "Welcome aboard, Dana!", messages[0].Body)

	// The subject answers; the responded branch tags the profile and the
	// instance completes.
	err = h.engine.HandleResponse(ctx, engine.UserResponse{
		InstanceID: ids[0],
		Value:      "yes",
	})
	require.NoError(t, err)

	inst, err = h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, "yes", inst.Variables["interested"])
	assert.Equal(t, []string{"engaged"}, h.profiles.tags)

	// The log replays without gaps and records the journey's shape.
	events, err := h.log.Replay(ctx, ids[0])
	require.NoError(t, err)
	outcomes := store.NodeOutcomes(events)
	assert.Equal(t, schema.EventActionDispatched, outcomes["welcome"])
	assert.Equal(t, schema.EventResponseReceived, outcomes["ask"])
	assert.Equal(t, schema.EventActionDispatched, outcomes["tag_engaged"])

	// Every persisted event also went out on the live stream.
	var streamed int
	for range events {
		select {
		case <-stream:
			streamed++
		case <-time.After(time.Second):
			t.Fatalf("stream delivered %d of %d events", streamed, len(events))
		}
	}
}

func TestNonMatchingPlanDoesNotStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(exampleWorkflow)

	ids, err := h.engine.HandleEvent(ctx, engine.IncomingEvent{
		Type:      "user.signup",
		SubjectID: "user-2",
		Payload:   map[string]any{"plan": "free"},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, h.sender.sent())
}

func TestTimeoutBranchSendsNudge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(exampleWorkflow)

	ids, err := h.engine.HandleEvent(ctx, engine.IncomingEvent{
		Type:      "user.signup",
		SubjectID: "user-3",
		Payload:   map[string]any{"plan": "pro", "name": "Sam"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// Sweep past the 72h deadline; the timeout branch sends the discount
	// message and the instance completes.
	require.NoError(t, h.engine.SweepDeadlines(ctx, time.Now().UTC().Add(100*time.Hour)))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)

	messages := h.sender.sent()
	require.Len(t, messages, 2)
	assert.Equal(t, "tpl-discount", messages[1].TemplateID)
	assert.Empty(t, h.profiles.tags)
}

func TestCancelStopsWaitingInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(exampleWorkflow)

	ids, err := h.engine.HandleEvent(ctx, engine.IncomingEvent{
		Type:      "user.signup",
		SubjectID: "user-4",
		Payload:   map[string]any{"plan": "pro", "name": "Kim"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, h.engine.Cancel(ctx, ids[0], "subject unsubscribed"))

	inst, err := h.store.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCancelled, inst.Status)

	// The waiting record is gone, so a late response cannot resume.
	err = h.engine.HandleResponse(ctx, engine.UserResponse{InstanceID: ids[0], Value: "yes"})
	require.Error(t, err)
}
