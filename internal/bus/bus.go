// Package bus is the inbound message transport boundary. The production
// transport is an external broker; everything in this repo talks to the Bus
// interface so the in-process implementation and a broker adapter are
// interchangeable.
package bus

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// Bus carries command envelopes from producers to the consumer loop.
// Delivery is at-least-once: a consumer that fails mid-handling may see the
// same envelope again, which is exactly what the deduplication guard is for.
type Bus interface {
	Publish(ctx context.Context, env schema.Envelope) error
	Subscribe(ctx context.Context) (<-chan schema.Envelope, func(), error)
}
