package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// MessageKind identifies the delivery channel an outbox row belongs to.
type MessageKind string

const (
	KindEventNotification MessageKind = "event_notification"
	KindProcessStart      MessageKind = "process_start"
)

// WorkflowRun is the persisted representation of one external workflow execution.
type WorkflowRun struct {
	OperationID   string           `json:"operation_id"`
	Name          string           `json:"name"`
	Status        schema.RunStatus `json:"status"`
	ExternalRunID string           `json:"external_run_id,omitempty"`
	CreatedBy     string           `json:"created_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ChangedBy     string           `json:"changed_by,omitempty"`
	ChangedAt     time.Time        `json:"changed_at"`
	EndAt         *time.Time       `json:"end_at,omitempty"`
}

// Activity is one sub-step of a workflow run.
type Activity struct {
	ActivityID  string                `json:"activity_id"`
	OperationID string                `json:"operation_id"`
	Name        string                `json:"name"`
	Status      schema.ActivityStatus `json:"status"`
	URI         string                `json:"uri,omitempty"`
	StartAt     time.Time             `json:"start_at"`
	EndAt       *time.Time            `json:"end_at,omitempty"`
}

// WorkflowRelation links a run to an external domain entity.
type WorkflowRelation struct {
	OperationID string    `json:"operation_id"`
	EntityID    string    `json:"entity_id"`
	EntityType  string    `json:"entity_type"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// OutboxMessage is one unit of guaranteed-eventual delivery.
// A row is pending iff ProcessedAt is nil; once set it is never cleared.
// RetryAttempt and NextRetryAt are used by ProcessStart rows only.
type OutboxMessage struct {
	ID          string          `json:"id"`
	MessageID   string          `json:"message_id"`
	Kind        MessageKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	RetryAttempt *int           `json:"retry_attempt,omitempty"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
}

// Attempt returns the retry attempt count, treating nil as zero.
func (m *OutboxMessage) Attempt() int {
	if m.RetryAttempt == nil {
		return 0
	}
	return *m.RetryAttempt
}

// DeadLetter is an inbound message routed to the error path.
type DeadLetter struct {
	ID        int64           `json:"id"`
	MessageID string          `json:"message_id"`
	Kind      string          `json:"kind"`
	Reason    string          `json:"reason"`
	Envelope  json.RawMessage `json:"envelope,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// --- Update and filter types ---

// RunUpdate specifies mutable fields of a workflow run.
type RunUpdate struct {
	Status        *schema.RunStatus `json:"status,omitempty"`
	ExternalRunID *string           `json:"external_run_id,omitempty"`
	ChangedBy     string            `json:"changed_by,omitempty"`
	EndAt         *time.Time        `json:"end_at,omitempty"`
}

// ActivityUpdate specifies mutable fields of an activity.
type ActivityUpdate struct {
	Status *schema.ActivityStatus `json:"status,omitempty"`
	URI    *string                `json:"uri,omitempty"`
	EndAt  *time.Time             `json:"end_at,omitempty"`
}

// RunFilter specifies criteria for listing workflow runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// OutboxFilter specifies criteria for selecting pending outbox rows.
// Due limits ProcessStart selection to rows whose NextRetryAt is null
// or not after the given instant.
type OutboxFilter struct {
	Kind  MessageKind `json:"kind"`
	Due   *time.Time  `json:"due,omitempty"`
	Limit int         `json:"limit,omitempty"`
}
