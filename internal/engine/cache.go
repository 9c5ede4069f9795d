package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/pkg/schema"
)

// DefinitionCache caches workflow definitions by (id, version). Versions are
// immutable once stored, so entries never expire; an instance keeps executing
// the version it started on even after the workflow is republished.
type DefinitionCache struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]*schema.Workflow
}

func NewDefinitionCache(s store.Store) *DefinitionCache {
	return &DefinitionCache{
		store: s,
		cache: make(map[string]*schema.Workflow),
	}
}

// Get returns the workflow at the pinned version, loading it on first use.
func (c *DefinitionCache) Get(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	key := fmt.Sprintf("%s@%d", id, version)

	c.mu.RLock()
	if wf, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return wf, nil
	}
	c.mu.RUnlock()

	wf, err := c.store.GetWorkflow(ctx, id, version)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = wf
	c.mu.Unlock()
	return wf, nil
}
