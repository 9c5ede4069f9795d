package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// listenerBuffer bounds how far a consumer may fall behind before events are
// dropped for it. Sized for a browser tab on a slow link watching one
// instance; a sweep that touches many instances can briefly burst past it.
const listenerBuffer = 64

type listener struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub fans execution-log events out to in-process listeners. Delivery
// is best effort: the tap already wrote the event durably, so a listener that
// cannot keep up loses events rather than stalling instance execution. Anyone
// who needs the complete trail replays the log instead.
type MemoryHub struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{listeners: make(map[uint64]*listener)}
}

// Publish delivers the event to every listener whose filter matches, never
// blocking on a full buffer.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, l := range h.listeners {
		if !l.filter.matches(event) {
			continue
		}
		select {
		case l.ch <- event:
		default:
			// Listener is behind; drop.
		}
	}
	return nil
}

// Subscribe registers a listener. The returned cancel must be called when the
// consumer goes away or the listener leaks.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	l := &listener{ch: make(chan StreamEvent, listenerBuffer), filter: filter}

	h.mu.Lock()
	h.listeners[id] = l
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
	return l.ch, cancel, nil
}
