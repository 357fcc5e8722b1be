package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/relay/internal/gateway"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/notify"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// Starter is the outbox dispatcher for ProcessStart rows: it invokes the
// external engine with bounded exponential retry and abandons the row — and
// fails the owning run — once the budget is exhausted.
type Starter struct {
	store    store.Store
	gateway  gateway.ProcessGateway
	policy   RetryPolicy
	interval time.Duration
	limit    int
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStarter creates the Process Starter.
func NewStarter(s store.Store, g gateway.ProcessGateway, policy RetryPolicy, interval time.Duration, logger *slog.Logger) *Starter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Starter{
		store:    s,
		gateway:  g,
		policy:   policy,
		interval: interval,
		limit:    defaultBatchLimit,
		logger:   logger,
	}
}

// Start launches the background polling loop.
func (st *Starter) Start(ctx context.Context) error {
	st.mu.Lock()
	if st.done != nil {
		st.mu.Unlock()
		return fmt.Errorf("process starter already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.done = make(chan struct{})
	st.mu.Unlock()

	go st.loop(loopCtx)
	st.logger.Info("process starter started", "interval", st.interval.String())
	return nil
}

func (st *Starter) loop(ctx context.Context) {
	defer close(st.done)

	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	if err := st.Tick(ctx); err != nil {
		st.logger.Error("process starter tick failed", "error", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Tick(ctx); err != nil {
				st.logger.Error("process starter tick failed", "error", err.Error())
			}
		}
	}
}

// Tick attempts every due pending ProcessStart row once. Each row's outcome
// commits as its own transaction.
func (st *Starter) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := st.store.ListPendingOutbox(ctx, store.OutboxFilter{
		Kind:  store.KindProcessStart,
		Due:   &now,
		Limit: st.limit,
	})
	if err != nil {
		return fmt.Errorf("list due process starts: %w", err)
	}

	for _, msg := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.attempt(ctx, msg); err != nil {
			st.logger.Error("process start bookkeeping failed",
				"outbox_id", msg.ID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

func (st *Starter) attempt(ctx context.Context, msg *store.OutboxMessage) error {
	var payload schema.StartPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal start payload: %w", err)
	}
	ctx = logging.WithOperationID(ctx, payload.OperationID)

	// The outbox row id doubles as the idempotency key: a crash between a
	// successful start and marking the row processed re-sends the same key.
	startErr := st.gateway.StartProcess(ctx, payload.Descriptor, msg.ID)
	if startErr == nil {
		return st.complete(ctx, msg, payload)
	}
	return st.handleFailure(ctx, msg, payload, startErr)
}

func (st *Starter) complete(ctx context.Context, msg *store.OutboxMessage, payload schema.StartPayload) error {
	successMsg, err := notify.EventMessage(msg.MessageID, notify.StartProcessSucceeded{
		OperationID:   payload.OperationID,
		CorrelationID: payload.CorrelationID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := st.store.CompleteProcessStart(ctx, msg.ID, successMsg); err != nil {
		return fmt.Errorf("complete process start: %w", err)
	}
	st.logger.InfoContext(ctx, "external process started", "attempt", msg.Attempt())
	return nil
}

func (st *Starter) handleFailure(ctx context.Context, msg *store.OutboxMessage, payload schema.StartPayload, startErr error) error {
	attempt := msg.Attempt()
	if attempt < st.policy.MaxAttempts {
		next := attempt + 1
		nextRetryAt := time.Now().UTC().Add(st.policy.NextDelay(next))
		if err := st.store.ScheduleOutboxRetry(ctx, msg.ID, next, nextRetryAt); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		st.logger.WarnContext(ctx, "process start failed, retrying",
			"attempt", next,
			"next_retry_at", nextRetryAt.Format(time.RFC3339),
			"error", startErr.Error(),
		)
		return nil
	}

	// Budget exhausted: abandon the row, fail the run, surface the failure.
	now := time.Now().UTC()
	failMsg, err := notify.EventMessage(msg.MessageID, notify.ProcessFailed{
		OperationID:   payload.OperationID,
		CorrelationID: payload.CorrelationID,
		Timestamp:     now,
		Err: schema.ErrorData{
			Message: fmt.Sprintf("Process start abandoned after %d attempts.", attempt+1),
			Detail:  startErr.Error(),
			Source:  "ProcessStarter",
		},
	})
	if err != nil {
		return err
	}
	if err := st.store.AbandonProcessStart(ctx, msg.ID, payload.OperationID, failMsg); err != nil {
		return fmt.Errorf("abandon process start: %w", err)
	}
	st.logger.ErrorContext(ctx, "process start abandoned",
		"attempts", attempt+1,
		"error", startErr.Error(),
	)
	return nil
}

// Stop gracefully shuts down the polling loop.
func (st *Starter) Stop() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.cancel == nil {
		return nil
	}
	st.cancel()
	<-st.done
	st.cancel = nil
	st.done = nil

	st.logger.Info("process starter stopped")
	return nil
}
