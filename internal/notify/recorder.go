package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// EventMessage builds an EventNotification outbox row for a notification.
// messageID is the idempotency token of the command (or dispatcher row) that
// produced it; inserting the row is what consumes the token.
func EventMessage(messageID string, n Notification) (*store.OutboxMessage, error) {
	payload, err := json.Marshal(n.Event())
	if err != nil {
		return nil, fmt.Errorf("marshal integration event: %w", err)
	}
	return &store.OutboxMessage{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Kind:      store.KindEventNotification,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// StartMessage builds a ProcessStart outbox row carrying the descriptor the
// Process Starter needs to invoke the external engine later.
func StartMessage(messageID string, p schema.StartPayload) (*store.OutboxMessage, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal start payload: %w", err)
	}
	return &store.OutboxMessage{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Kind:      store.KindProcessStart,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}
