package sink

import (
	"context"
	"sync"

	"github.com/rendis/relay/pkg/schema"
)

// Published is one delivered event with its topic.
type Published struct {
	Topic string
	Event schema.IntegrationEvent
}

// MemorySink collects published events in memory. Used in tests and as a
// stand-in sink during local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Published

	// FailWith, when set, is returned by every Publish call.
	FailWith error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(ctx context.Context, topic string, event schema.IntegrationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.events = append(s.events, Published{Topic: topic, Event: event})
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Published, len(s.events))
	copy(out, s.events)
	return out
}
