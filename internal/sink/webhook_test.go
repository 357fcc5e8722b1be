package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func TestNewWebhookSink_Validation(t *testing.T) {
	_, err := NewWebhookSink(WebhookConfig{})
	require.Error(t, err)

	_, err = NewWebhookSink(WebhookConfig{Endpoint: "not a url"})
	require.Error(t, err)

	s, err := NewWebhookSink(WebhookConfig{Endpoint: "https://hooks.example/events"})
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestWebhookPublish(t *testing.T) {
	var gotPath, gotType, gotSubject, gotAuth string
	var gotEvent schema.IntegrationEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("X-Event-Type")
		gotSubject = r.Header.Get("X-Event-Subject")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{Endpoint: srv.URL, AuthToken: "hook-token"})
	require.NoError(t, err)

	event := schema.IntegrationEvent{
		Subject:   "workflows/op-1",
		EventType: schema.EventProcessFailed,
		Data:      map[string]any{"operation_id": "op-1"},
	}
	require.NoError(t, s.Publish(context.Background(), "alerts", event))

	assert.Equal(t, "/alerts", gotPath)
	assert.Equal(t, schema.EventProcessFailed, gotType)
	assert.Equal(t, "workflows/op-1", gotSubject)
	assert.Equal(t, "Bearer hook-token", gotAuth)
	assert.Equal(t, "op-1", gotEvent.Data["operation_id"])
}

func TestWebhookPublish_NonSuccessIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	err = s.Publish(context.Background(), "events", schema.IntegrationEvent{})
	require.Error(t, err)
	relayErr, ok := err.(*schema.RelayError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeGateway, relayErr.Code)
	assert.True(t, relayErr.IsRetryable())
}

func TestMemorySink_CollectsAndFails(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, "events", schema.IntegrationEvent{EventType: "A"}))
	require.NoError(t, s.Publish(ctx, "alerts", schema.IntegrationEvent{EventType: "B"}))

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "events", events[0].Topic)
	assert.Equal(t, "B", events[1].Event.EventType)

	s.FailWith = assert.AnError
	require.Error(t, s.Publish(ctx, "events", schema.IntegrationEvent{}))
	assert.Len(t, s.Events(), 2)
}
