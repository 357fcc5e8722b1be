package schema

import "encoding/json"

// CommandKind identifies the type of an inbound command.
type CommandKind string

const (
	CommandStartProcess        CommandKind = "StartProcess"
	CommandStartActivity       CommandKind = "StartActivity"
	CommandEndActivity         CommandKind = "EndActivity"
	CommandUpdateActivity      CommandKind = "UpdateActivity"
	CommandUpdateProcessStatus CommandKind = "UpdateProcessStatus"

	// Housekeeping and dispatcher-trigger commands, usually cron-driven.
	CommandDeleteOldOutboxMessages CommandKind = "DeleteOldOutboxMessages"
	CommandSendEvents              CommandKind = "SendEvents"
	CommandStartProcesses          CommandKind = "StartProcesses"
)

// Envelope is the wire form of an inbound command message.
// MessageID is the idempotency token; CorrelationID is the business
// correlation header and travels on every event derived from the command.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Kind          CommandKind     `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}

// RelationRef links a workflow run to an external domain entity.
type RelationRef struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// StartProcessCommand creates a workflow run and queues the external start.
type StartProcessCommand struct {
	OperationID string         `json:"operation_id"`
	Name        string         `json:"name"`
	Key         string         `json:"key"`
	Environment string         `json:"environment,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Relations   []RelationRef  `json:"relations,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

// StartActivityCommand creates an in-progress activity under a run.
type StartActivityCommand struct {
	OperationID string `json:"operation_id"`
	ActivityID  string `json:"activity_id"`
	Name        string `json:"name"`
	URI         string `json:"uri,omitempty"`
}

// EndActivityCommand closes an activity with a caller-supplied outcome.
type EndActivityCommand struct {
	ActivityID string `json:"activity_id"`
	Outcome    string `json:"outcome"`
	URI        string `json:"uri,omitempty"`
}

// UpdateActivityCommand mutates an activity's outcome and reference.
type UpdateActivityCommand struct {
	ActivityID string `json:"activity_id"`
	Outcome    string `json:"outcome"`
	URI        string `json:"uri,omitempty"`
}

// UpdateProcessStatusCommand records the terminal outcome of a run.
type UpdateProcessStatusCommand struct {
	OperationID string `json:"operation_id"`
	Outcome     string `json:"outcome"`
	ChangedBy   string `json:"changed_by,omitempty"`
}

// DeleteOldOutboxMessagesCommand prunes processed outbox rows.
// A zero OlderThanDays falls back to the configured retention.
type DeleteOldOutboxMessagesCommand struct {
	OlderThanDays int `json:"older_than_days,omitempty"`
}
