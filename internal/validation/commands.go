// Package validation checks inbound command payloads against JSON Schemas
// before any handler or store access happens.
package validation

import (
	"bytes"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/relay/pkg/schema"
)

// Validator checks a command payload for structural correctness.
type Validator interface {
	Validate(kind schema.CommandKind, payload []byte) error
}

const schemaBaseURL = "https://relay.dev/schemas/"

// Per-command JSON Schemas, embedded as constants to avoid filesystem
// dependencies. Outcome strings are constrained here so handlers never see
// an unknown outcome.
var commandSchemas = map[schema.CommandKind]string{
	schema.CommandStartProcess: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operation_id", "name", "key"],
  "properties": {
    "operation_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "key": { "type": "string", "minLength": 1 },
    "environment": { "type": "string" },
    "parameters": { "type": "object" },
    "relations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["entity_id", "entity_type"],
        "properties": {
          "entity_id": { "type": "string", "minLength": 1 },
          "entity_type": { "type": "string", "minLength": 1 }
        },
        "additionalProperties": false
      }
    },
    "created_by": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.CommandStartActivity: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operation_id", "activity_id", "name"],
  "properties": {
    "operation_id": { "type": "string", "minLength": 1 },
    "activity_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "uri": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.CommandEndActivity: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["activity_id", "outcome"],
  "properties": {
    "activity_id": { "type": "string", "minLength": 1 },
    "outcome": { "type": "string", "enum": ["succeeded", "failed"] },
    "uri": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.CommandUpdateActivity: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["activity_id", "outcome"],
  "properties": {
    "activity_id": { "type": "string", "minLength": 1 },
    "outcome": { "type": "string", "enum": ["succeeded", "failed"] },
    "uri": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.CommandUpdateProcessStatus: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operation_id", "outcome"],
  "properties": {
    "operation_id": { "type": "string", "minLength": 1 },
    "outcome": { "type": "string", "enum": ["succeeded", "failed"] },
    "changed_by": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.CommandDeleteOldOutboxMessages: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "older_than_days": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false
}`,
	schema.CommandSendEvents: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false
}`,
	schema.CommandStartProcesses: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false
}`,
}

// CommandValidator implements Validator using JSON Schema Draft 2020-12.
// All schemas are compiled at construction; it is safe for concurrent use.
type CommandValidator struct {
	schemas map[schema.CommandKind]*jsonschema.Schema
}

// NewCommandValidator compiles the schema for every known command kind.
func NewCommandValidator() (*CommandValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make(map[schema.CommandKind]*jsonschema.Schema, len(commandSchemas))
	for kind, raw := range commandSchemas {
		url := schemaBaseURL + string(kind) + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		compiled[kind] = s
	}

	return &CommandValidator{schemas: compiled}, nil
}

// Validate checks the payload against the schema for its kind. A kind with no
// registered schema is a wiring defect and surfaces as an internal error, not
// a validation failure.
func (v *CommandValidator) Validate(kind schema.CommandKind, payload []byte) error {
	s, ok := v.schemas[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInternal, "no validator registered for command kind %q", kind)
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "command payload is not valid JSON").WithCause(err)
	}

	if err := s.Validate(doc); err != nil {
		return toRelayError(err)
	}
	return nil
}

// toRelayError converts a jsonschema.ValidationError into a RelayError with
// the specific violations surfaced in the message and details.
func toRelayError(err error) *schema.RelayError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
