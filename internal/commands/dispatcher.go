// Package commands implements one handler per inbound command kind. Handlers
// validate before touching the store, apply entity mutations and the outbox
// insert in one transaction, and convert domain failures into *Failed events
// instead of errors.
package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

// DescriptorResolver is the slice of the process gateway the handlers need:
// resolving a start command into an invocable descriptor. The actual start
// call belongs to the Process Starter, never to command handling.
type DescriptorResolver interface {
	GetProcessDescriptor(ctx context.Context, key, name string, parameters map[string]any, environment string) (schema.ProcessDescriptor, error)
	GetPrincipalID(ctx context.Context, key, environment string) (string, error)
}

// OutboxDispatcher is one polling loop that can be driven explicitly by a
// trigger command. Satisfied by the Event Notifier and the Process Starter.
type OutboxDispatcher interface {
	Tick(ctx context.Context) error
}

// Config holds the tunables command handling needs.
type Config struct {
	// Retention is the default age threshold for DeleteOldOutboxMessages.
	Retention time.Duration
}

// Dispatcher routes command envelopes to their handlers.
type Dispatcher struct {
	store     store.Store
	validator validation.Validator
	resolver  DescriptorResolver
	notifier  OutboxDispatcher
	starter   OutboxDispatcher
	config    Config
	logger    *slog.Logger
}

// NewDispatcher wires the command dispatcher. A nil store, validator or
// resolver is a programming error and fails construction immediately.
func NewDispatcher(s store.Store, v validation.Validator, r DescriptorResolver, notifier, starter OutboxDispatcher, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "command dispatcher requires a store")
	}
	if v == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "command dispatcher requires a validator")
	}
	if r == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "command dispatcher requires a descriptor resolver")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     s,
		validator: v,
		resolver:  r,
		notifier:  notifier,
		starter:   starter,
		config:    cfg,
		logger:    logger,
	}, nil
}

// Handle applies one command envelope. A nil return means the command was
// handled: either applied, or its failure durably recorded as a *Failed
// event. A non-nil return means the transport should redeliver.
func (d *Dispatcher) Handle(ctx context.Context, env schema.Envelope) error {
	switch env.Kind {
	case schema.CommandStartProcess:
		return d.handleStartProcess(ctx, env)
	case schema.CommandStartActivity:
		return d.handleStartActivity(ctx, env)
	case schema.CommandEndActivity:
		return d.handleEndActivity(ctx, env)
	case schema.CommandUpdateActivity:
		return d.handleUpdateActivity(ctx, env)
	case schema.CommandUpdateProcessStatus:
		return d.handleUpdateProcessStatus(ctx, env)
	case schema.CommandDeleteOldOutboxMessages:
		return d.handleDeleteOldOutboxMessages(ctx, env)
	case schema.CommandSendEvents:
		return d.triggerDispatcher(ctx, d.notifier, "event notifier")
	case schema.CommandStartProcesses:
		return d.triggerDispatcher(ctx, d.starter, "process starter")
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown command kind %q", env.Kind)
	}
}

func (d *Dispatcher) triggerDispatcher(ctx context.Context, disp OutboxDispatcher, name string) error {
	if disp == nil {
		return schema.NewErrorf(schema.ErrCodeInternal, "no %s wired", name)
	}
	return disp.Tick(ctx)
}

// decode unmarshals a payload into its typed command. A malformed payload is
// a validation error; the consumer routes it to the dead-letter path.
func decode[T any](env schema.Envelope, out *T) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "malformed %s payload", env.Kind).WithCause(err)
	}
	return nil
}

// validationErrorData converts a validation failure into the event error
// payload, preserving the specific violation message.
func validationErrorData(err error) schema.ErrorData {
	if rerr, ok := err.(*schema.RelayError); ok {
		return schema.ErrorData{Message: rerr.Message, Source: "validation"}
	}
	return schema.ErrorData{Message: err.Error(), Source: "validation"}
}
