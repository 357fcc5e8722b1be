// Package notify maps domain notifications raised by command handlers and
// dispatchers onto integration events and the outbox rows that carry them.
package notify

import (
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// Notification is the outcome a handler raises after applying (or rejecting)
// a command. Each notification maps to exactly one integration event.
type Notification interface {
	Event() schema.IntegrationEvent
}

// StartProcessSucceeded is raised by the Process Starter once the external
// engine accepted the start. The original start payload is not carried.
type StartProcessSucceeded struct {
	OperationID   string
	CorrelationID string
	Timestamp     time.Time
}

func (n StartProcessSucceeded) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.WorkflowSubject(n.OperationID),
		EventType: schema.EventStartProcessSucceeded,
		Data:      runData(n.OperationID, n.CorrelationID, n.Timestamp, nil),
	}
}

// StartProcessFailed is raised when a start command is rejected (validation,
// conflict) or the external start ran out of retries.
type StartProcessFailed struct {
	OperationID   string
	CorrelationID string
	Timestamp     time.Time
	Err           schema.ErrorData
}

func (n StartProcessFailed) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.WorkflowSubject(n.OperationID),
		EventType: schema.EventStartProcessFailed,
		Data:      runData(n.OperationID, n.CorrelationID, n.Timestamp, &n.Err),
	}
}

// ProcessFailed is the generic terminal-failure event, addressed to the same
// subject as the start-specific one so both subscriber classes stay served.
type ProcessFailed struct {
	OperationID   string
	CorrelationID string
	Timestamp     time.Time
	Err           schema.ErrorData
}

func (n ProcessFailed) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.WorkflowSubject(n.OperationID),
		EventType: schema.EventProcessFailed,
		Data:      runData(n.OperationID, n.CorrelationID, n.Timestamp, &n.Err),
	}
}

// StartActivitySucceeded is raised after an activity row is created.
type StartActivitySucceeded struct {
	OperationID   string
	ActivityID    string
	CorrelationID string
	Timestamp     time.Time
}

func (n StartActivitySucceeded) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.ActivitySubject(n.ActivityID),
		EventType: schema.EventStartActivitySucceeded,
		Data:      activityData(n.OperationID, n.ActivityID, n.CorrelationID, n.Timestamp, nil),
	}
}

// StartActivityFailed is raised when an activity cannot be created.
type StartActivityFailed struct {
	OperationID   string
	ActivityID    string
	CorrelationID string
	Timestamp     time.Time
	Err           schema.ErrorData
}

func (n StartActivityFailed) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.ActivitySubject(n.ActivityID),
		EventType: schema.EventStartActivityFailed,
		Data:      activityData(n.OperationID, n.ActivityID, n.CorrelationID, n.Timestamp, &n.Err),
	}
}

// EndActivitySucceeded is raised after an activity reaches a terminal status.
type EndActivitySucceeded struct {
	OperationID   string
	ActivityID    string
	CorrelationID string
	Timestamp     time.Time
}

func (n EndActivitySucceeded) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.ActivitySubject(n.ActivityID),
		EventType: schema.EventEndActivitySucceeded,
		Data:      activityData(n.OperationID, n.ActivityID, n.CorrelationID, n.Timestamp, nil),
	}
}

// EndActivityFailed is raised when an end command cannot be applied.
type EndActivityFailed struct {
	ActivityID    string
	CorrelationID string
	Timestamp     time.Time
	Err           schema.ErrorData
}

func (n EndActivityFailed) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.ActivitySubject(n.ActivityID),
		EventType: schema.EventEndActivityFailed,
		Data:      activityData("", n.ActivityID, n.CorrelationID, n.Timestamp, &n.Err),
	}
}

// UpdateActivitySucceeded is raised after an activity update is applied.
type UpdateActivitySucceeded struct {
	OperationID   string
	ActivityID    string
	CorrelationID string
	Timestamp     time.Time
}

func (n UpdateActivitySucceeded) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.ActivitySubject(n.ActivityID),
		EventType: schema.EventUpdateActivitySucceeded,
		Data:      activityData(n.OperationID, n.ActivityID, n.CorrelationID, n.Timestamp, nil),
	}
}

// UpdateActivityFailed is raised when an activity update cannot be applied.
type UpdateActivityFailed struct {
	ActivityID    string
	CorrelationID string
	Timestamp     time.Time
	Err           schema.ErrorData
}

func (n UpdateActivityFailed) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.ActivitySubject(n.ActivityID),
		EventType: schema.EventUpdateActivityFailed,
		Data:      activityData("", n.ActivityID, n.CorrelationID, n.Timestamp, &n.Err),
	}
}

// UpdateProcessStatusSucceeded is raised after a run reaches a terminal status.
type UpdateProcessStatusSucceeded struct {
	OperationID   string
	CorrelationID string
	Status        schema.RunStatus
	Timestamp     time.Time
}

func (n UpdateProcessStatusSucceeded) Event() schema.IntegrationEvent {
	data := runData(n.OperationID, n.CorrelationID, n.Timestamp, nil)
	data["status"] = string(n.Status)
	return schema.IntegrationEvent{
		Subject:   schema.WorkflowSubject(n.OperationID),
		EventType: schema.EventUpdateProcessStatusSucceeded,
		Data:      data,
	}
}

// UpdateProcessStatusFailed is raised when a status update cannot be applied.
type UpdateProcessStatusFailed struct {
	OperationID   string
	CorrelationID string
	Timestamp     time.Time
	Err           schema.ErrorData
}

func (n UpdateProcessStatusFailed) Event() schema.IntegrationEvent {
	return schema.IntegrationEvent{
		Subject:   schema.WorkflowSubject(n.OperationID),
		EventType: schema.EventUpdateProcessStatusFailed,
		Data:      runData(n.OperationID, n.CorrelationID, n.Timestamp, &n.Err),
	}
}

func runData(operationID, correlationID string, ts time.Time, errData *schema.ErrorData) map[string]any {
	data := map[string]any{
		"operation_id": operationID,
		"timestamp":    ts.UTC().Format(time.RFC3339),
	}
	if correlationID != "" {
		data["correlation_id"] = correlationID
	}
	if errData != nil {
		data["error"] = *errData
	}
	return data
}

func activityData(operationID, activityID, correlationID string, ts time.Time, errData *schema.ErrorData) map[string]any {
	data := map[string]any{
		"activity_id": activityID,
		"timestamp":   ts.UTC().Format(time.RFC3339),
	}
	if operationID != "" {
		data["operation_id"] = operationID
	}
	if correlationID != "" {
		data["correlation_id"] = correlationID
	}
	if errData != nil {
		data["error"] = *errData
	}
	return data
}
