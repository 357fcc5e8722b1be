// Package gateway defines the collaborator interface to the external
// workflow-execution engine and its HTTP client implementation.
package gateway

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// ProcessGateway is the remote engine that actually runs business processes.
// All calls are fallible remote operations; the gateway promises no
// idempotency of its own, so the caller passes an idempotency key and the
// Process Starter bounds the retries.
type ProcessGateway interface {
	// StartProcess invokes the engine with the descriptor. The idempotencyKey
	// is sent as a header so a hardened engine can deduplicate restarts.
	StartProcess(ctx context.Context, descriptor schema.ProcessDescriptor, idempotencyKey string) error

	// GetProcessDescriptor resolves the invocation target for a named process
	// in a given environment.
	GetProcessDescriptor(ctx context.Context, key, name string, parameters map[string]any, environment string) (schema.ProcessDescriptor, error)

	// GetPrincipalID resolves the identity the engine executes under.
	GetPrincipalID(ctx context.Context, key, environment string) (string, error)
}
