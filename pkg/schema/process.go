package schema

// ProcessDescriptor is everything the Process Starter needs to invoke the
// external workflow engine later, serialized into a ProcessStart outbox row.
type ProcessDescriptor struct {
	URL         string            `json:"url"`
	Name        string            `json:"name"`
	Key         string            `json:"key"`
	Environment string            `json:"environment,omitempty"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// StartPayload is the envelope stored in a ProcessStart outbox row: the
// event published once the start succeeds plus the descriptor to invoke it.
type StartPayload struct {
	OperationID   string            `json:"operation_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Descriptor    ProcessDescriptor `json:"descriptor"`
}
