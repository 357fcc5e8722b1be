package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/bus"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []schema.Envelope
	err  error
}

func (h *recordingHandler) Handle(ctx context.Context, env schema.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, env)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func newConsumerStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestConsumer(t *testing.T, s *store.LibSQLStore, h Handler) *Consumer {
	t.Helper()
	c, err := NewConsumer(bus.NewMemoryBus(), NewGuard(s), h, s, nil)
	require.NoError(t, err)
	return c
}

func testEnvelope(kind schema.CommandKind) schema.Envelope {
	return schema.Envelope{
		MessageID: uuid.New().String(),
		Kind:      kind,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestProcess_DelegatesToHandler(t *testing.T) {
	s := newConsumerStore(t)
	h := &recordingHandler{}
	c := newTestConsumer(t, s, h)

	env := testEnvelope(schema.CommandStartProcess)
	require.NoError(t, c.Process(context.Background(), env))
	require.Equal(t, 1, h.count())
	assert.Equal(t, env.MessageID, h.seen[0].MessageID)
}

func TestProcess_MissingMessageIDDeadLetters(t *testing.T) {
	s := newConsumerStore(t)
	h := &recordingHandler{}
	c := newTestConsumer(t, s, h)
	ctx := context.Background()

	env := schema.Envelope{Kind: schema.CommandStartProcess, Payload: json.RawMessage(`{}`)}
	require.NoError(t, c.Process(ctx, env))
	assert.Equal(t, 0, h.count())

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "no idempotency token")
}

func TestProcess_DuplicateDeadLetters(t *testing.T) {
	s := newConsumerStore(t)
	h := &recordingHandler{}
	c := newTestConsumer(t, s, h)
	ctx := context.Background()

	env := testEnvelope(schema.CommandStartProcess)

	// Consume the token the way a handler does: insert the outbox row.
	require.NoError(t, s.InsertOutbox(ctx, &store.OutboxMessage{
		ID:        uuid.New().String(),
		MessageID: env.MessageID,
		Kind:      store.KindProcessStart,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, c.Process(ctx, env))
	assert.Equal(t, 0, h.count())

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "already exists")
	assert.Equal(t, env.MessageID, letters[0].MessageID)
}

func TestProcess_ValidationErrorDeadLetters(t *testing.T) {
	s := newConsumerStore(t)
	h := &recordingHandler{err: schema.NewError(schema.ErrCodeValidation, "malformed payload")}
	c := newTestConsumer(t, s, h)
	ctx := context.Background()

	require.NoError(t, c.Process(ctx, testEnvelope(schema.CommandStartProcess)))

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "malformed payload")
}

func TestProcess_InfrastructureErrorPropagates(t *testing.T) {
	s := newConsumerStore(t)
	h := &recordingHandler{err: errors.New("store unavailable")}
	c := newTestConsumer(t, s, h)
	ctx := context.Background()

	err := c.Process(ctx, testEnvelope(schema.CommandStartProcess))
	require.Error(t, err)

	// Not dead-lettered: the transport should redeliver.
	letters, lerr := s.ListDeadLetters(ctx, 10)
	require.NoError(t, lerr)
	assert.Empty(t, letters)
}

func TestConsumer_StartDeliversFromBus(t *testing.T) {
	s := newConsumerStore(t)
	h := &recordingHandler{}
	b := bus.NewMemoryBus()
	c, err := NewConsumer(b, NewGuard(s), h, s, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.Error(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop() })

	require.NoError(t, b.Publish(ctx, testEnvelope(schema.CommandSendEvents)))
	require.NoError(t, b.Publish(ctx, testEnvelope(schema.CommandSendEvents)))

	require.Eventually(t, func() bool {
		return h.count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}
