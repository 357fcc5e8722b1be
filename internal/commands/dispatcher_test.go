package commands

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

type fakeResolver struct {
	descriptor schema.ProcessDescriptor
	principal  string
	err        error
	calls      int
}

func (f *fakeResolver) GetProcessDescriptor(ctx context.Context, key, name string, parameters map[string]any, environment string) (schema.ProcessDescriptor, error) {
	f.calls++
	if f.err != nil {
		return schema.ProcessDescriptor{}, f.err
	}
	d := f.descriptor
	if d.URL == "" {
		d.URL = "https://engine.example/workflows/" + name + "/trigger"
	}
	d.Name = name
	d.Key = key
	d.Environment = environment
	d.Parameters = parameters
	return d, nil
}

func (f *fakeResolver) GetPrincipalID(ctx context.Context, key, environment string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.principal == "" {
		return "principal-1", nil
	}
	return f.principal, nil
}

type tickRecorder struct {
	ticks int
	err   error
}

func (r *tickRecorder) Tick(ctx context.Context) error {
	r.ticks++
	return r.err
}

type testEnv struct {
	store      *store.LibSQLStore
	dispatcher *Dispatcher
	resolver   *fakeResolver
	notifier   *tickRecorder
	starter    *tickRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	v, err := validation.NewCommandValidator()
	require.NoError(t, err)

	resolver := &fakeResolver{}
	notifier := &tickRecorder{}
	starter := &tickRecorder{}
	d, err := NewDispatcher(s, v, resolver, notifier, starter, Config{}, nil)
	require.NoError(t, err)

	return &testEnv{store: s, dispatcher: d, resolver: resolver, notifier: notifier, starter: starter}
}

func envelope(t *testing.T, kind schema.CommandKind, payload any) schema.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return schema.Envelope{
		MessageID:     uuid.New().String(),
		CorrelationID: "corr-1",
		Kind:          kind,
		Payload:       raw,
	}
}

func pendingEvents(t *testing.T, s *store.LibSQLStore) []schema.IntegrationEvent {
	t.Helper()
	rows, err := s.ListPendingOutbox(context.Background(), store.OutboxFilter{Kind: store.KindEventNotification})
	require.NoError(t, err)
	events := make([]schema.IntegrationEvent, 0, len(rows))
	for _, row := range rows {
		var ev schema.IntegrationEvent
		require.NoError(t, json.Unmarshal(row.Payload, &ev))
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []schema.IntegrationEvent) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

// --- StartProcess ---

func TestHandleStartProcess_CreatesRunAndQueuesStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := uuid.New().String()

	cmd := envelope(t, schema.CommandStartProcess, schema.StartProcessCommand{
		OperationID: opID,
		Name:        "order-fulfillment",
		Key:         "order-fulfillment-key",
		Environment: "prod",
		Relations:   []schema.RelationRef{{EntityID: "order-7", EntityType: "order"}},
		CreatedBy:   "api",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	run, err := env.store.GetRun(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusInProgress, run.Status)
	assert.Equal(t, "order-fulfillment", run.Name)
	assert.Equal(t, "api", run.CreatedBy)

	rels, err := env.store.ListRelations(ctx, opID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "order-7", rels[0].EntityID)

	// The gateway is never invoked during command handling; the start is
	// queued for the Process Starter instead.
	starts, err := env.store.ListPendingOutbox(ctx, store.OutboxFilter{Kind: store.KindProcessStart})
	require.NoError(t, err)
	require.Len(t, starts, 1)
	assert.Equal(t, cmd.MessageID, starts[0].MessageID)

	var payload schema.StartPayload
	require.NoError(t, json.Unmarshal(starts[0].Payload, &payload))
	assert.Equal(t, opID, payload.OperationID)
	assert.Equal(t, "corr-1", payload.CorrelationID)
	assert.Equal(t, "corr-1", payload.Descriptor.Headers["X-Correlation-Id"])
	assert.Equal(t, "principal-1", payload.Descriptor.PrincipalID)
	assert.NotEmpty(t, payload.Descriptor.URL)
}

func TestHandleStartProcess_ValidationFailureEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := uuid.New().String()

	// Missing required "key".
	cmd := envelope(t, schema.CommandStartProcess, map[string]any{
		"operation_id": opID,
		"name":         "incomplete",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	exists, err := env.store.RunExists(ctx, opID)
	require.NoError(t, err)
	assert.False(t, exists)

	events := pendingEvents(t, env.store)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStartProcessFailed, events[0].EventType)
	assert.Equal(t, schema.WorkflowSubject(opID), events[0].Subject)
}

func TestHandleStartProcess_DuplicateEmitsBothFailureEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := uuid.New().String()

	payload := schema.StartProcessCommand{OperationID: opID, Name: "dup", Key: "dup-key"}
	require.NoError(t, env.dispatcher.Handle(ctx, envelope(t, schema.CommandStartProcess, payload)))

	// Second start with a fresh message id: the operation already exists.
	require.NoError(t, env.dispatcher.Handle(ctx, envelope(t, schema.CommandStartProcess, payload)))

	events := pendingEvents(t, env.store)
	assert.ElementsMatch(t, []string{schema.EventStartProcessFailed, schema.EventProcessFailed}, eventTypes(events))

	starts, err := env.store.ListPendingOutbox(ctx, store.OutboxFilter{Kind: store.KindProcessStart})
	require.NoError(t, err)
	assert.Len(t, starts, 1)
}

func TestHandleStartProcess_ResolverErrorPropagates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := uuid.New().String()
	env.resolver.err = schema.NewError(schema.ErrCodeGateway, "engine unreachable")

	cmd := envelope(t, schema.CommandStartProcess, schema.StartProcessCommand{
		OperationID: opID, Name: "wf", Key: "wf-key",
	})
	require.Error(t, env.dispatcher.Handle(ctx, cmd))

	// Infrastructure failure: nothing persisted, the transport redelivers.
	exists, err := env.store.RunExists(ctx, opID)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, pendingEvents(t, env.store))
}

func TestHandleStartProcess_MalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	err := env.dispatcher.Handle(context.Background(), schema.Envelope{
		MessageID: uuid.New().String(),
		Kind:      schema.CommandStartProcess,
		Payload:   json.RawMessage(`{not json`),
	})
	require.Error(t, err)
	relayErr, ok := err.(*schema.RelayError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, relayErr.Code)
}

// --- Activities ---

func startRun(t *testing.T, env *testEnv) string {
	t.Helper()
	opID := uuid.New().String()
	cmd := envelope(t, schema.CommandStartProcess, schema.StartProcessCommand{
		OperationID: opID, Name: "wf", Key: "wf-key",
	})
	require.NoError(t, env.dispatcher.Handle(context.Background(), cmd))
	return opID
}

func startActivity(t *testing.T, env *testEnv, opID string) string {
	t.Helper()
	actID := uuid.New().String()
	cmd := envelope(t, schema.CommandStartActivity, schema.StartActivityCommand{
		OperationID: opID, ActivityID: actID, Name: "step-1",
	})
	require.NoError(t, env.dispatcher.Handle(context.Background(), cmd))
	return actID
}

func TestHandleStartActivity_Succeeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := startRun(t, env)
	actID := startActivity(t, env, opID)

	act, err := env.store.GetActivity(ctx, actID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActivityStatusInProgress, act.Status)
	assert.Equal(t, opID, act.OperationID)

	events := pendingEvents(t, env.store)
	assert.Contains(t, eventTypes(events), schema.EventStartActivitySucceeded)
}

func TestHandleStartActivity_UnknownRunEmitsFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actID := uuid.New().String()

	cmd := envelope(t, schema.CommandStartActivity, schema.StartActivityCommand{
		OperationID: uuid.New().String(), ActivityID: actID, Name: "orphan",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	_, err := env.store.GetActivity(ctx, actID)
	require.Error(t, err)

	events := pendingEvents(t, env.store)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStartActivityFailed, events[0].EventType)
	assert.Equal(t, schema.ActivitySubject(actID), events[0].Subject)
}

func TestHandleEndActivity_Succeeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := startRun(t, env)
	actID := startActivity(t, env, opID)

	cmd := envelope(t, schema.CommandEndActivity, schema.EndActivityCommand{
		ActivityID: actID, Outcome: "succeeded", URI: "https://engine.example/act/1",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	act, err := env.store.GetActivity(ctx, actID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActivityStatusCompleted, act.Status)
	assert.Equal(t, "https://engine.example/act/1", act.URI)
	require.NotNil(t, act.EndAt)

	events := pendingEvents(t, env.store)
	assert.Contains(t, eventTypes(events), schema.EventEndActivitySucceeded)
}

func TestHandleEndActivity_FailedOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := startRun(t, env)
	actID := startActivity(t, env, opID)

	cmd := envelope(t, schema.CommandEndActivity, schema.EndActivityCommand{
		ActivityID: actID, Outcome: "failed",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	act, err := env.store.GetActivity(ctx, actID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActivityStatusFailed, act.Status)
}

func TestHandleEndActivity_UnknownActivityEmitsFailure(t *testing.T) {
	env := newTestEnv(t)
	actID := uuid.New().String()

	cmd := envelope(t, schema.CommandEndActivity, schema.EndActivityCommand{
		ActivityID: actID, Outcome: "succeeded",
	})
	require.NoError(t, env.dispatcher.Handle(context.Background(), cmd))

	events := pendingEvents(t, env.store)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventEndActivityFailed, events[0].EventType)
}

func TestHandleEndActivity_InvalidOutcomeRejectedByValidation(t *testing.T) {
	env := newTestEnv(t)
	actID := uuid.New().String()

	cmd := envelope(t, schema.CommandEndActivity, map[string]any{
		"activity_id": actID,
		"outcome":     "exploded",
	})
	require.NoError(t, env.dispatcher.Handle(context.Background(), cmd))

	events := pendingEvents(t, env.store)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventEndActivityFailed, events[0].EventType)
}

func TestHandleUpdateActivity_Succeeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := startRun(t, env)
	actID := startActivity(t, env, opID)

	cmd := envelope(t, schema.CommandUpdateActivity, schema.UpdateActivityCommand{
		ActivityID: actID, Outcome: "succeeded",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	act, err := env.store.GetActivity(ctx, actID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActivityStatusCompleted, act.Status)
	// Update does not close the activity.
	assert.Nil(t, act.EndAt)

	events := pendingEvents(t, env.store)
	assert.Contains(t, eventTypes(events), schema.EventUpdateActivitySucceeded)
}

// --- UpdateProcessStatus ---

func TestHandleUpdateProcessStatus_Succeeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := startRun(t, env)

	cmd := envelope(t, schema.CommandUpdateProcessStatus, schema.UpdateProcessStatusCommand{
		OperationID: opID, Outcome: "succeeded", ChangedBy: "engine",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	run, err := env.store.GetRun(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, "engine", run.ChangedBy)
	require.NotNil(t, run.EndAt)

	events := pendingEvents(t, env.store)
	assert.Contains(t, eventTypes(events), schema.EventUpdateProcessStatusSucceeded)
}

func TestHandleUpdateProcessStatus_TerminalStateIsFinal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opID := startRun(t, env)

	first := envelope(t, schema.CommandUpdateProcessStatus, schema.UpdateProcessStatusCommand{
		OperationID: opID, Outcome: "failed",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, first))

	// A second completion must not overwrite the terminal status.
	second := envelope(t, schema.CommandUpdateProcessStatus, schema.UpdateProcessStatusCommand{
		OperationID: opID, Outcome: "succeeded",
	})
	require.NoError(t, env.dispatcher.Handle(ctx, second))

	run, err := env.store.GetRun(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)

	events := pendingEvents(t, env.store)
	assert.Contains(t, eventTypes(events), schema.EventUpdateProcessStatusFailed)
}

func TestHandleUpdateProcessStatus_UnknownRunEmitsFailure(t *testing.T) {
	env := newTestEnv(t)
	opID := uuid.New().String()

	cmd := envelope(t, schema.CommandUpdateProcessStatus, schema.UpdateProcessStatusCommand{
		OperationID: opID, Outcome: "succeeded",
	})
	require.NoError(t, env.dispatcher.Handle(context.Background(), cmd))

	events := pendingEvents(t, env.store)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventUpdateProcessStatusFailed, events[0].EventType)
}

// --- Housekeeping and triggers ---

func TestHandleDeleteOldOutboxMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-48 * time.Hour)
	stale := &store.OutboxMessage{
		ID:          uuid.New().String(),
		MessageID:   uuid.New().String(),
		Kind:        store.KindEventNotification,
		Payload:     json.RawMessage(`{}`),
		CreatedAt:   past,
		ProcessedAt: &past,
	}
	require.NoError(t, env.store.InsertOutbox(ctx, stale))

	cmd := envelope(t, schema.CommandDeleteOldOutboxMessages, schema.DeleteOldOutboxMessagesCommand{
		OlderThanDays: 1,
	})
	require.NoError(t, env.dispatcher.Handle(ctx, cmd))

	has, err := env.store.HasOutboxMessage(ctx, store.KindEventNotification, stale.MessageID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHandleTriggerCommands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.dispatcher.Handle(ctx, envelope(t, schema.CommandSendEvents, map[string]any{})))
	assert.Equal(t, 1, env.notifier.ticks)
	assert.Equal(t, 0, env.starter.ticks)

	require.NoError(t, env.dispatcher.Handle(ctx, envelope(t, schema.CommandStartProcesses, map[string]any{})))
	assert.Equal(t, 1, env.starter.ticks)
}

func TestHandle_UnknownKind(t *testing.T) {
	env := newTestEnv(t)
	err := env.dispatcher.Handle(context.Background(), schema.Envelope{
		MessageID: uuid.New().String(),
		Kind:      "Teleport",
		Payload:   json.RawMessage(`{}`),
	})
	require.Error(t, err)
	relayErr, ok := err.(*schema.RelayError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, relayErr.Code)
}
