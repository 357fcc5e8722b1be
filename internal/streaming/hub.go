// Package streaming provides the live feed of delivered integration events,
// consumed by the ops panel's SSE endpoints.
package streaming

import "context"

// StreamEvent is one delivered integration event as seen on the live feed.
type StreamEvent struct {
	Subject   string         `json:"subject"`
	EventType string         `json:"event_type"`
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	Subject    string   `json:"subject,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for the live event feed.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
