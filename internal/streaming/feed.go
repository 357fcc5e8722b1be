package streaming

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// Feed adapts an EventHub to the EventSink shape so the Event Notifier can
// mirror every delivered event onto the live feed.
type Feed struct {
	hub EventHub
}

// NewFeed wraps the hub as an event sink.
func NewFeed(hub EventHub) *Feed {
	return &Feed{hub: hub}
}

// Publish forwards the event to the hub. Always succeeds from the caller's
// point of view; feed delivery is best-effort.
func (f *Feed) Publish(ctx context.Context, topic string, event schema.IntegrationEvent) error {
	_ = f.hub.Publish(ctx, StreamEvent{
		Subject:   event.Subject,
		EventType: event.EventType,
		Topic:     topic,
		Data:      event.Data,
	})
	return nil
}
