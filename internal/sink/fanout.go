package sink

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// FanoutSink publishes to a primary sink and mirrors the event to secondary
// sinks. Only the primary's error is reported: the outbox row must stay
// pending iff the real delivery failed, and mirrors are best-effort.
type FanoutSink struct {
	primary     EventSink
	secondaries []EventSink
}

// Fanout wires a primary sink with best-effort mirrors.
func Fanout(primary EventSink, secondaries ...EventSink) *FanoutSink {
	return &FanoutSink{primary: primary, secondaries: secondaries}
}

func (f *FanoutSink) Publish(ctx context.Context, topic string, event schema.IntegrationEvent) error {
	err := f.primary.Publish(ctx, topic, event)
	for _, s := range f.secondaries {
		_ = s.Publish(ctx, topic, event)
	}
	return err
}
