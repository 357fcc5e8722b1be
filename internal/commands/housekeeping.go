package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// handleDeleteOldOutboxMessages prunes processed outbox rows past the
// retention threshold. Housekeeping only: pending rows are never touched.
func (d *Dispatcher) handleDeleteOldOutboxMessages(ctx context.Context, env schema.Envelope) error {
	var cmd schema.DeleteOldOutboxMessagesCommand
	if err := decode(env, &cmd); err != nil {
		return err
	}
	if err := d.validator.Validate(env.Kind, env.Payload); err != nil {
		return err
	}

	retention := d.config.Retention
	if cmd.OlderThanDays > 0 {
		retention = time.Duration(cmd.OlderThanDays) * 24 * time.Hour
	}

	olderThan := time.Now().UTC().Add(-retention)
	deleted, err := d.store.DeleteProcessedOutbox(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("delete processed outbox: %w", err)
	}
	if deleted > 0 {
		d.logger.InfoContext(ctx, "pruned processed outbox rows", "count", deleted)
	}
	return nil
}
