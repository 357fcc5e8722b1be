// Package sink defines the outbound notification collaborator: where the
// Event Notifier delivers integration events.
package sink

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// EventSink delivers one integration event to a topic. Implementations own
// their transport-level retry; the Event Notifier does not retry sends.
type EventSink interface {
	Publish(ctx context.Context, topic string, event schema.IntegrationEvent) error
}
