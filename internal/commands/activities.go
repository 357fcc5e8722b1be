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

func (d *Dispatcher) handleStartActivity(ctx context.Context, env schema.Envelope) error {
	var cmd schema.StartActivityCommand
	if err := decode(env, &cmd); err != nil {
		return err
	}
	ctx = logging.WithOperationID(ctx, cmd.OperationID)
	ctx = logging.WithActivityID(ctx, cmd.ActivityID)

	if err := d.validator.Validate(env.Kind, env.Payload); err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeInternal {
			return err
		}
		return d.recordActivityFailure(ctx, env, notify.StartActivityFailed{
			OperationID:   cmd.OperationID,
			ActivityID:    cmd.ActivityID,
			CorrelationID: env.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Err:           validationErrorData(err),
		})
	}

	exists, err := d.store.RunExists(ctx, cmd.OperationID)
	if err != nil {
		return fmt.Errorf("check run existence: %w", err)
	}
	if !exists {
		return d.recordActivityFailure(ctx, env, notify.StartActivityFailed{
			OperationID:   cmd.OperationID,
			ActivityID:    cmd.ActivityID,
			CorrelationID: env.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Err: schema.ErrorData{
				Message: fmt.Sprintf("WorkflowRun with operationId: %s not found.", cmd.OperationID),
				Source:  "StartActivity",
			},
		})
	}

	now := time.Now().UTC()
	act := &store.Activity{
		ActivityID:  cmd.ActivityID,
		OperationID: cmd.OperationID,
		Name:        cmd.Name,
		Status:      schema.ActivityStatusInProgress,
		URI:         cmd.URI,
		StartAt:     now,
	}
	eventMsg, err := notify.EventMessage(env.MessageID, notify.StartActivitySucceeded{
		OperationID:   cmd.OperationID,
		ActivityID:    cmd.ActivityID,
		CorrelationID: env.CorrelationID,
		Timestamp:     now,
	})
	if err != nil {
		return err
	}

	if err := d.store.CreateActivity(ctx, act, eventMsg); err != nil {
		return fmt.Errorf("create activity: %w", err)
	}
	d.logger.InfoContext(ctx, "activity started", "name", cmd.Name)
	return nil
}

func (d *Dispatcher) handleEndActivity(ctx context.Context, env schema.Envelope) error {
	var cmd schema.EndActivityCommand
	if err := decode(env, &cmd); err != nil {
		return err
	}
	ctx = logging.WithActivityID(ctx, cmd.ActivityID)

	if err := d.validator.Validate(env.Kind, env.Payload); err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeInternal {
			return err
		}
		return d.recordActivityFailure(ctx, env, notify.EndActivityFailed{
			ActivityID:    cmd.ActivityID,
			CorrelationID: env.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Err:           validationErrorData(err),
		})
	}

	act, err := d.store.GetActivity(ctx, cmd.ActivityID)
	if err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeNotFound {
			return d.recordActivityFailure(ctx, env, notify.EndActivityFailed{
				ActivityID:    cmd.ActivityID,
				CorrelationID: env.CorrelationID,
				Timestamp:     time.Now().UTC(),
				Err: schema.ErrorData{
					Message: fmt.Sprintf("Activity with activityId: %s not found.", cmd.ActivityID),
					Source:  "EndActivity",
				},
			})
		}
		return fmt.Errorf("get activity: %w", err)
	}

	status, ok := schema.ActivityStatusFromOutcome(cmd.Outcome)
	if !ok {
		// The schema constrains outcomes; reaching here means the schema and
		// the translation table disagree.
		return schema.NewErrorf(schema.ErrCodeInternal, "unmapped outcome %q", cmd.Outcome)
	}

	now := time.Now().UTC()
	update := store.ActivityUpdate{Status: &status, EndAt: &now}
	if cmd.URI != "" {
		update.URI = &cmd.URI
	}
	eventMsg, err := notify.EventMessage(env.MessageID, notify.EndActivitySucceeded{
		OperationID:   act.OperationID,
		ActivityID:    cmd.ActivityID,
		CorrelationID: env.CorrelationID,
		Timestamp:     now,
	})
	if err != nil {
		return err
	}

	if err := d.store.UpdateActivity(ctx, cmd.ActivityID, update, eventMsg); err != nil {
		return fmt.Errorf("end activity: %w", err)
	}
	d.logger.InfoContext(ctx, "activity ended", "status", string(status))
	return nil
}

func (d *Dispatcher) handleUpdateActivity(ctx context.Context, env schema.Envelope) error {
	var cmd schema.UpdateActivityCommand
	if err := decode(env, &cmd); err != nil {
		return err
	}
	ctx = logging.WithActivityID(ctx, cmd.ActivityID)

	if err := d.validator.Validate(env.Kind, env.Payload); err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeInternal {
			return err
		}
		return d.recordActivityFailure(ctx, env, notify.UpdateActivityFailed{
			ActivityID:    cmd.ActivityID,
			CorrelationID: env.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Err:           validationErrorData(err),
		})
	}

	act, err := d.store.GetActivity(ctx, cmd.ActivityID)
	if err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeNotFound {
			return d.recordActivityFailure(ctx, env, notify.UpdateActivityFailed{
				ActivityID:    cmd.ActivityID,
				CorrelationID: env.CorrelationID,
				Timestamp:     time.Now().UTC(),
				Err: schema.ErrorData{
					Message: fmt.Sprintf("Activity with activityId: %s not found.", cmd.ActivityID),
					Source:  "UpdateActivity",
				},
			})
		}
		return fmt.Errorf("get activity: %w", err)
	}

	status, ok := schema.ActivityStatusFromOutcome(cmd.Outcome)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInternal, "unmapped outcome %q", cmd.Outcome)
	}

	now := time.Now().UTC()
	update := store.ActivityUpdate{Status: &status}
	if cmd.URI != "" {
		update.URI = &cmd.URI
	}
	eventMsg, err := notify.EventMessage(env.MessageID, notify.UpdateActivitySucceeded{
		OperationID:   act.OperationID,
		ActivityID:    cmd.ActivityID,
		CorrelationID: env.CorrelationID,
		Timestamp:     now,
	})
	if err != nil {
		return err
	}

	if err := d.store.UpdateActivity(ctx, cmd.ActivityID, update, eventMsg); err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	d.logger.InfoContext(ctx, "activity updated", "status", string(status))
	return nil
}

// recordActivityFailure inserts the *Failed event row; the failure is durably
// recorded so the inbound message counts as handled.
func (d *Dispatcher) recordActivityFailure(ctx context.Context, env schema.Envelope, n notify.Notification) error {
	msg, err := notify.EventMessage(env.MessageID, n)
	if err != nil {
		return err
	}
	if err := d.store.InsertOutbox(ctx, msg); err != nil {
		return fmt.Errorf("record activity failure: %w", err)
	}
	d.logger.WarnContext(ctx, "activity command rejected", "event_type", n.Event().EventType)
	return nil
}
