package consumer

import (
	"context"
	"fmt"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// Guard rejects redelivery of a command whose idempotency token was already
// consumed. A token counts as consumed once an outbox row carrying it exists:
// that row is inserted in the same transaction as the command's effects, so
// its presence proves the command was applied.
type Guard struct {
	store store.Store
}

// NewGuard creates a deduplication guard over the given store.
func NewGuard(s store.Store) *Guard {
	return &Guard{store: s}
}

// Check returns a DUPLICATE_MESSAGE error when the (kind, token) pair was
// already handled. Trigger and housekeeping commands carry no entity effects
// and are exempt.
func (g *Guard) Check(ctx context.Context, kind schema.CommandKind, token string) error {
	outboxKind, dedup := outboxKindFor(kind)
	if !dedup {
		return nil
	}

	exists, err := g.store.HasOutboxMessage(ctx, outboxKind, token)
	if err != nil {
		return fmt.Errorf("deduplication lookup: %w", err)
	}
	if exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateMessage,
			"Message %s with Id %s already exists.", kind, token)
	}
	return nil
}

// outboxKindFor maps a command kind to the outbox kind its handler inserts.
// StartProcess consumes its token with the ProcessStart row; every other
// entity command consumes it with an EventNotification row.
func outboxKindFor(kind schema.CommandKind) (store.MessageKind, bool) {
	switch kind {
	case schema.CommandStartProcess:
		return store.KindProcessStart, true
	case schema.CommandStartActivity,
		schema.CommandEndActivity,
		schema.CommandUpdateActivity,
		schema.CommandUpdateProcessStatus:
		return store.KindEventNotification, true
	default:
		return "", false
	}
}
