package schema

import "fmt"

// Event type constants for outbound integration events.
const (
	EventStartProcessSucceeded = "StartProcessSucceeded"
	EventStartProcessFailed    = "StartProcessFailed"
	EventProcessFailed         = "ProcessFailed"

	EventStartActivitySucceeded = "StartActivitySucceeded"
	EventStartActivityFailed    = "StartActivityFailed"
	EventEndActivitySucceeded   = "EndActivitySucceeded"
	EventEndActivityFailed      = "EndActivityFailed"

	EventUpdateActivitySucceeded = "UpdateActivitySucceeded"
	EventUpdateActivityFailed    = "UpdateActivityFailed"

	EventUpdateProcessStatusSucceeded = "UpdateProcessStatusSucceeded"
	EventUpdateProcessStatusFailed    = "UpdateProcessStatusFailed"
)

// ErrorData carries failure information inside a *Failed event.
type ErrorData struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Source  string `json:"source,omitempty"`
}

// IntegrationEvent is the externally observable unit published to subscribers.
// Subject is the delivery target path (workflows/{operationId} or
// activities/{activityId}); Data holds the notification's public fields.
type IntegrationEvent struct {
	Subject   string         `json:"subject"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// WorkflowSubject builds the subject path for run-scoped events.
func WorkflowSubject(operationID string) string {
	return fmt.Sprintf("workflows/%s", operationID)
}

// ActivitySubject builds the subject path for activity-scoped events.
func ActivitySubject(activityID string) string {
	return fmt.Sprintf("activities/%s", activityID)
}
