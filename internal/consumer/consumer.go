// Package consumer runs the inbound delivery loop: dedup, dispatch, and the
// dead-letter path for messages that cannot or must not be processed.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/relay/internal/bus"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// Handler applies one command envelope. Satisfied by the command dispatcher.
type Handler interface {
	Handle(ctx context.Context, env schema.Envelope) error
}

// Consumer subscribes to the bus and drives command handling.
type Consumer struct {
	bus     bus.Bus
	guard   *Guard
	handler Handler
	store   store.Store
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer wires the consumer loop. All collaborators are required.
func NewConsumer(b bus.Bus, guard *Guard, handler Handler, s store.Store, logger *slog.Logger) (*Consumer, error) {
	if b == nil || guard == nil || handler == nil || s == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "consumer requires bus, guard, handler and store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{bus: b, guard: guard, handler: handler, store: s, logger: logger}, nil
}

// Start subscribes and launches the consumption loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("consumer already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)

	ch, unsubscribe, err := c.bus.Subscribe(loopCtx)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		defer unsubscribe()
		for {
			select {
			case <-loopCtx.Done():
				return
			case env := <-ch:
				if err := c.Process(loopCtx, env); err != nil {
					// Recoverable outcomes were dead-lettered inside Process;
					// what reaches here is infrastructure failure that a real
					// broker transport would answer with redelivery.
					c.logger.Error("command handling failed",
						"message_id", env.MessageID,
						"kind", string(env.Kind),
						"error", err.Error(),
					)
				}
			}
		}
	}()

	c.logger.Info("consumer started")
	return nil
}

// Process handles one envelope: guard first, handler second. Duplicates and
// malformed commands end up in the dead-letter store and return nil — they
// are handled, not retryable.
func (c *Consumer) Process(ctx context.Context, env schema.Envelope) error {
	ctx = logging.WithMessageID(ctx, env.MessageID)

	if env.MessageID == "" {
		return c.deadLetter(ctx, env, "message has no idempotency token")
	}

	if err := c.guard.Check(ctx, env.Kind, env.MessageID); err != nil {
		var rerr *schema.RelayError
		if errors.As(err, &rerr) && rerr.Code == schema.ErrCodeDuplicateMessage {
			return c.deadLetter(ctx, env, rerr.Message)
		}
		return err
	}

	if err := c.handler.Handle(ctx, env); err != nil {
		var rerr *schema.RelayError
		if errors.As(err, &rerr) && rerr.Code == schema.ErrCodeValidation {
			// Structurally unprocessable (bad JSON, unknown kind): the
			// handler could not even record a *Failed event for it.
			return c.deadLetter(ctx, env, rerr.Message)
		}
		return err
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, env schema.Envelope, reason string) error {
	raw, _ := json.Marshal(env)
	dl := &store.DeadLetter{
		MessageID: env.MessageID,
		Kind:      string(env.Kind),
		Reason:    reason,
		Envelope:  raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.InsertDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	c.logger.WarnContext(ctx, "message dead-lettered",
		"kind", string(env.Kind),
		"reason", reason,
	)
	return nil
}

// Stop gracefully shuts down the consumption loop.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.logger.Info("consumer stopped")
	return nil
}
