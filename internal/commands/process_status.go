package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/notify"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// handleUpdateProcessStatus moves a run to its terminal status. Terminal
// states are terminal: a second completion is rejected as an invalid
// transition rather than silently re-applied.
func (d *Dispatcher) handleUpdateProcessStatus(ctx context.Context, env schema.Envelope) error {
	var cmd schema.UpdateProcessStatusCommand
	if err := decode(env, &cmd); err != nil {
		return err
	}
	ctx = logging.WithOperationID(ctx, cmd.OperationID)

	if err := d.validator.Validate(env.Kind, env.Payload); err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeInternal {
			return err
		}
		return d.recordStatusFailure(ctx, env, cmd.OperationID, validationErrorData(err))
	}

	run, err := d.store.GetRun(ctx, cmd.OperationID)
	if err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeNotFound {
			return d.recordStatusFailure(ctx, env, cmd.OperationID, schema.ErrorData{
				Message: fmt.Sprintf("WorkflowRun with operationId: %s not found.", cmd.OperationID),
				Source:  "UpdateProcessStatus",
			})
		}
		return fmt.Errorf("get run: %w", err)
	}

	status, ok := schema.RunStatusFromOutcome(cmd.Outcome)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInternal, "unmapped outcome %q", cmd.Outcome)
	}

	if !schema.IsValidRunTransition(run.Status, status) {
		return d.recordStatusFailure(ctx, env, cmd.OperationID, schema.ErrorData{
			Message: fmt.Sprintf("WorkflowRun with operationId: %s cannot move from %s to %s.",
				cmd.OperationID, run.Status, status),
			Source: "UpdateProcessStatus",
		})
	}

	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:    &status,
		ChangedBy: cmd.ChangedBy,
		EndAt:     &now,
	}
	eventMsg, err := notify.EventMessage(env.MessageID, notify.UpdateProcessStatusSucceeded{
		OperationID:   cmd.OperationID,
		CorrelationID: env.CorrelationID,
		Status:        status,
		Timestamp:     now,
	})
	if err != nil {
		return err
	}

	if err := d.store.UpdateRun(ctx, cmd.OperationID, update, eventMsg); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	d.logger.InfoContext(ctx, "run completed", "status", string(status))
	return nil
}

func (d *Dispatcher) recordStatusFailure(ctx context.Context, env schema.Envelope, operationID string, errData schema.ErrorData) error {
	msg, err := notify.EventMessage(env.MessageID, notify.UpdateProcessStatusFailed{
		OperationID:   operationID,
		CorrelationID: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Err:           errData,
	})
	if err != nil {
		return err
	}
	if err := d.store.InsertOutbox(ctx, msg); err != nil {
		return fmt.Errorf("record status failure: %w", err)
	}
	d.logger.WarnContext(ctx, "status update rejected", "reason", errData.Message)
	return nil
}
