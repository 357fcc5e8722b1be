package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Methods that take an
// *OutboxMessage alongside an entity mutation apply both in one transaction;
// this is the atomicity guarantee the outbox pattern rests on.
type Store interface {
	// Workflow runs
	CreateRun(ctx context.Context, run *WorkflowRun, relations []*WorkflowRelation, msg *OutboxMessage) error
	GetRun(ctx context.Context, operationID string) (*WorkflowRun, error)
	RunExists(ctx context.Context, operationID string) (bool, error)
	UpdateRun(ctx context.Context, operationID string, update RunUpdate, msg *OutboxMessage) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	ListRelations(ctx context.Context, operationID string) ([]*WorkflowRelation, error)

	// Activities
	CreateActivity(ctx context.Context, act *Activity, msg *OutboxMessage) error
	GetActivity(ctx context.Context, activityID string) (*Activity, error)
	UpdateActivity(ctx context.Context, activityID string, update ActivityUpdate, msg *OutboxMessage) error
	ListActivities(ctx context.Context, operationID string) ([]*Activity, error)

	// Outbox
	InsertOutbox(ctx context.Context, msgs ...*OutboxMessage) error
	HasOutboxMessage(ctx context.Context, kind MessageKind, messageID string) (bool, error)
	ListPendingOutbox(ctx context.Context, filter OutboxFilter) ([]*OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	ScheduleOutboxRetry(ctx context.Context, id string, attempt int, nextRetryAt time.Time) error
	CompleteProcessStart(ctx context.Context, id string, successMsg *OutboxMessage) error
	AbandonProcessStart(ctx context.Context, id string, operationID string, failureMsg *OutboxMessage) error
	DeleteProcessedOutbox(ctx context.Context, olderThan time.Time) (int64, error)

	// Dead letters
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
