package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/relay/internal/sink"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

const defaultBatchLimit = 100

// Notifier is the outbox dispatcher for EventNotification rows: a pure send
// to the sink, then processed_at is set. A failed send is left pending for
// the next tick; retry bookkeeping belongs to the sink's transport, not here.
type Notifier struct {
	store    store.Store
	sink     sink.EventSink
	router   *Router
	interval time.Duration
	limit    int
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates the Event Notifier.
func NewNotifier(s store.Store, es sink.EventSink, router *Router, interval time.Duration, logger *slog.Logger) *Notifier {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:    s,
		sink:     es,
		router:   router,
		interval: interval,
		limit:    defaultBatchLimit,
		logger:   logger,
	}
}

// Start launches the background polling loop.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.done != nil {
		n.mu.Unlock()
		return fmt.Errorf("event notifier already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	n.mu.Unlock()

	go n.loop(loopCtx)
	n.logger.Info("event notifier started", "interval", n.interval.String())
	return nil
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	if err := n.Tick(ctx); err != nil {
		n.logger.Error("event notifier tick failed", "error", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Tick(ctx); err != nil {
				n.logger.Error("event notifier tick failed", "error", err.Error())
			}
		}
	}
}

// Tick delivers all pending EventNotification rows once.
func (n *Notifier) Tick(ctx context.Context) error {
	pending, err := n.store.ListPendingOutbox(ctx, store.OutboxFilter{
		Kind:  store.KindEventNotification,
		Limit: n.limit,
	})
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}

	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.deliver(ctx, msg); err != nil {
			// Left pending; the next tick will try again.
			n.logger.Warn("event delivery failed",
				"outbox_id", msg.ID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, msg *store.OutboxMessage) error {
	var event schema.IntegrationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("unmarshal event payload: %w", err)
	}

	topic := event.Subject
	if n.router != nil {
		t, err := n.router.Topic(event)
		if err != nil {
			return err
		}
		topic = t
	}

	if err := n.sink.Publish(ctx, topic, event); err != nil {
		return err
	}
	if err := n.store.MarkOutboxProcessed(ctx, msg.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	n.logger.Debug("event delivered",
		"outbox_id", msg.ID,
		"event_type", event.EventType,
		"topic", topic,
	)
	return nil
}

// Stop gracefully shuts down the polling loop.
func (n *Notifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cancel == nil {
		return nil
	}
	n.cancel()
	<-n.done
	n.cancel = nil
	n.done = nil

	n.logger.Info("event notifier stopped")
	return nil
}
