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

// handleStartProcess creates the WorkflowRun and queues the external start.
// The slow gateway invocation is deliberately NOT made here; it is deferred
// to the Process Starter via a ProcessStart outbox row.
func (d *Dispatcher) handleStartProcess(ctx context.Context, env schema.Envelope) error {
	var cmd schema.StartProcessCommand
	if err := decode(env, &cmd); err != nil {
		return err
	}
	ctx = logging.WithOperationID(ctx, cmd.OperationID)

	if err := d.validator.Validate(env.Kind, env.Payload); err != nil {
		if rerr, ok := err.(*schema.RelayError); ok && rerr.Code == schema.ErrCodeInternal {
			return err
		}
		return d.recordStartProcessFailure(ctx, env, cmd.OperationID, validationErrorData(err), false)
	}

	exists, err := d.store.RunExists(ctx, cmd.OperationID)
	if err != nil {
		return fmt.Errorf("check run existence: %w", err)
	}
	if exists {
		// Already-started is a conflict: the start-specific failure and the
		// generic process failure are emitted together so subscribers of
		// either class observe it.
		errData := schema.ErrorData{
			Message: fmt.Sprintf("WorkflowRun with operationId: %s already exists.", cmd.OperationID),
			Source:  "StartProcess",
		}
		return d.recordStartProcessFailure(ctx, env, cmd.OperationID, errData, true)
	}

	// Resolve the invocation target. Gateway failures here are genuine
	// infrastructure errors and propagate so the transport redelivers.
	descriptor, err := d.resolver.GetProcessDescriptor(ctx, cmd.Key, cmd.Name, cmd.Parameters, cmd.Environment)
	if err != nil {
		return fmt.Errorf("resolve process descriptor: %w", err)
	}
	if descriptor.PrincipalID == "" {
		principalID, err := d.resolver.GetPrincipalID(ctx, cmd.Key, cmd.Environment)
		if err != nil {
			return fmt.Errorf("resolve principal id: %w", err)
		}
		descriptor.PrincipalID = principalID
	}
	if descriptor.Headers == nil {
		descriptor.Headers = map[string]string{}
	}
	if env.CorrelationID != "" {
		descriptor.Headers["X-Correlation-Id"] = env.CorrelationID
	}

	now := time.Now().UTC()
	run := &store.WorkflowRun{
		OperationID: cmd.OperationID,
		Name:        cmd.Name,
		Status:      schema.RunStatusInProgress,
		CreatedBy:   cmd.CreatedBy,
		CreatedAt:   now,
		ChangedBy:   cmd.CreatedBy,
		ChangedAt:   now,
	}
	relations := make([]*store.WorkflowRelation, 0, len(cmd.Relations))
	for _, rel := range cmd.Relations {
		relations = append(relations, &store.WorkflowRelation{
			OperationID: cmd.OperationID,
			EntityID:    rel.EntityID,
			EntityType:  rel.EntityType,
			CreatedBy:   cmd.CreatedBy,
			CreatedAt:   now,
		})
	}

	startMsg, err := notify.StartMessage(env.MessageID, schema.StartPayload{
		OperationID:   cmd.OperationID,
		CorrelationID: env.CorrelationID,
		Descriptor:    descriptor,
	})
	if err != nil {
		return err
	}

	if err := d.store.CreateRun(ctx, run, relations, startMsg); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	d.logger.InfoContext(ctx, "workflow run created", "name", cmd.Name)
	return nil
}

// recordStartProcessFailure records the start-specific failure event and,
// for conflicts, the paired generic process failure. Both rows commit in one
// transaction.
func (d *Dispatcher) recordStartProcessFailure(ctx context.Context, env schema.Envelope, operationID string, errData schema.ErrorData, withGeneric bool) error {
	now := time.Now().UTC()
	msgs := make([]*store.OutboxMessage, 0, 2)

	startFailed, err := notify.EventMessage(env.MessageID, notify.StartProcessFailed{
		OperationID:   operationID,
		CorrelationID: env.CorrelationID,
		Timestamp:     now,
		Err:           errData,
	})
	if err != nil {
		return err
	}
	msgs = append(msgs, startFailed)

	if withGeneric {
		processFailed, err := notify.EventMessage(env.MessageID, notify.ProcessFailed{
			OperationID:   operationID,
			CorrelationID: env.CorrelationID,
			Timestamp:     now,
			Err:           errData,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, processFailed)
	}

	if err := d.store.InsertOutbox(ctx, msgs...); err != nil {
		return fmt.Errorf("record start failure: %w", err)
	}
	d.logger.WarnContext(ctx, "start process rejected", "reason", errData.Message)
	return nil
}
