package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	workflows map[string]map[int]*schema.Workflow
	instances map[string]*store.ExecutionInstance
	waiting   map[string]*store.WaitingRecord
	events    []*store.Event
	seq       map[string]int64
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]map[int]*schema.Workflow),
		instances: make(map[string]*store.ExecutionInstance),
		waiting:   make(map[string]*store.WaitingRecord),
		seq:       make(map[string]int64),
	}
}

func (m *memStore) PutWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workflows[wf.ID] == nil {
		m.workflows[wf.ID] = make(map[int]*schema.Workflow)
	}
	m.workflows[wf.ID][wf.Version] = wf
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string, version int) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	wf, ok := versions[version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s v%d not found", id, version)
	}
	return wf, nil
}

func (m *memStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Workflow
	for _, versions := range m.workflows {
		var latest *schema.Workflow
		for _, wf := range versions {
			if latest == nil || wf.Version > latest.Version {
				latest = wf
			}
		}
		if filter.Status != nil && latest.Status != *filter.Status {
			continue
		}
		out = append(out, latest)
	}
	return out, nil
}

func (m *memStore) CreateInstance(_ context.Context, inst *store.ExecutionInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (*store.ExecutionInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", id)
	}
	cp := *inst
	return &cp, nil
}

func (m *memStore) UpdateInstance(_ context.Context, id string, update store.InstanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", id)
	}
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.CurrentNodeID != nil {
		inst.CurrentNodeID = *update.CurrentNodeID
	}
	if update.Variables != nil {
		inst.Variables = update.Variables
	}
	if update.FailureReason != nil {
		inst.FailureReason = update.FailureReason
	}
	if update.CompletedAt != nil {
		inst.CompletedAt = update.CompletedAt
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*store.ExecutionInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ExecutionInstance
	for _, inst := range m.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.SubjectID != "" && inst.SubjectID != filter.SubjectID {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CreateWaiting(_ context.Context, rec *store.WaitingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.waiting[rec.InstanceID] = &cp
	return nil
}

func (m *memStore) GetWaiting(_ context.Context, instanceID string) (*store.WaitingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.waiting[instanceID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no waiting record for instance %s", instanceID)
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) FindWaitingBySubject(_ context.Context, subjectID, nodeID string) (*store.WaitingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.waiting {
		if rec.SubjectID != subjectID {
			continue
		}
		if nodeID != "" && rec.NodeID != nodeID {
			continue
		}
		cp := *rec
		return &cp, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no waiting record for subject %s", subjectID)
}

func (m *memStore) ListDueWaiting(_ context.Context, before time.Time) ([]*store.WaitingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WaitingRecord
	for _, rec := range m.waiting {
		if rec.Deadline != nil && rec.Deadline.Before(before) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) DeleteWaiting(_ context.Context, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waiting[instanceID]; !ok {
		return false, nil
	}
	delete(m.waiting, instanceID)
	return true, nil
}

// AppendEvent numbers entries per instance and writes the assigned sequence
// back through the pointer, same contract as the libsql store.
func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.seq[event.InstanceID]++
	event.Sequence = m.seq[event.InstanceID]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.ID = m.nextID
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events {
		if ev.InstanceID == instanceID && ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events {
		if ev.Type != eventType {
			continue
		}
		if filter.InstanceID != "" && ev.InstanceID != filter.InstanceID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }

func (m *memStore) Close() error { return nil }

// eventTypes returns the ordered event types logged for one instance.
func (m *memStore) eventTypes(instanceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.InstanceID == instanceID {
			out = append(out, ev.Type)
		}
	}
	return out
}
