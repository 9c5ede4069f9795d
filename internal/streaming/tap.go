package streaming

import (
	"context"

	"github.com/sendloop/journey/internal/store"
)

// Tap decorates a Store so every appended log event is also published to an
// EventHub. Publish happens after the durable write succeeds; a full
// subscriber buffer never blocks or fails the append.
type Tap struct {
	store.Store
	hub EventHub
}

// NewTap wraps the given store with live-event publishing.
func NewTap(s store.Store, hub EventHub) *Tap {
	return &Tap{Store: s, hub: hub}
}

func (t *Tap) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := t.Store.AppendEvent(ctx, event); err != nil {
		return err
	}
	_ = t.hub.Publish(ctx, FromLogEvent(event))
	return nil
}
