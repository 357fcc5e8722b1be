package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/pkg/schema"
)

func newTestPanel(t *testing.T) (*httptest.Server, store.Store, *streaming.MemoryHub) {
	t.Helper()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()
	srv := NewPanelServer(PanelDeps{
		Store:  st,
		Hub:    hub,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, hub
}

func seedRun(t *testing.T, st store.Store, operationID string, status schema.RunStatus) {
	t.Helper()
	require.NoError(t, st.CreateRun(context.Background(), &store.WorkflowRun{
		OperationID: operationID,
		Name:        "order-fulfillment",
		Status:      status,
		CreatedBy:   "tester",
		CreatedAt:   time.Now().UTC(),
		ChangedAt:   time.Now().UTC(),
	}, nil, nil))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestPanel_Health(t *testing.T) {
	ts, _, _ := newTestPanel(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestPanel_ListRuns(t *testing.T) {
	ts, st, _ := newTestPanel(t)
	seedRun(t, st, "op-1", schema.RunStatusInProgress)
	seedRun(t, st, "op-2", schema.RunStatusFailed)

	var body struct {
		Runs  []*store.WorkflowRun `json:"runs"`
		Count int                  `json:"count"`
	}
	code := getJSON(t, ts.URL+"/api/runs", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Count)

	code = getJSON(t, ts.URL+"/api/runs?status=failed", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "op-2", body.Runs[0].OperationID)
}

func TestPanel_ListRuns_BadStatus(t *testing.T) {
	ts, _, _ := newTestPanel(t)
	code := getJSON(t, ts.URL+"/api/runs?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPanel_RunDetail(t *testing.T) {
	ts, st, _ := newTestPanel(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &store.WorkflowRun{
		OperationID: "op-1",
		Name:        "order-fulfillment",
		Status:      schema.RunStatusInProgress,
		CreatedAt:   time.Now().UTC(),
		ChangedAt:   time.Now().UTC(),
	}, []*store.WorkflowRelation{
		{OperationID: "op-1", EntityID: "order-7", EntityType: "order", CreatedAt: time.Now().UTC()},
	}, nil))
	require.NoError(t, st.CreateActivity(ctx, &store.Activity{
		ActivityID:  "act-1",
		OperationID: "op-1",
		Name:        "reserve-stock",
		Status:      schema.ActivityStatusInProgress,
		StartAt:     time.Now().UTC(),
	}, nil))

	var body struct {
		Run        *store.WorkflowRun        `json:"run"`
		Activities []*store.Activity         `json:"activities"`
		Relations  []*store.WorkflowRelation `json:"relations"`
	}
	code := getJSON(t, ts.URL+"/api/runs/op-1", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "op-1", body.Run.OperationID)
	require.Len(t, body.Activities, 1)
	assert.Equal(t, "act-1", body.Activities[0].ActivityID)
	require.Len(t, body.Relations, 1)
	assert.Equal(t, "order-7", body.Relations[0].EntityID)
}

func TestPanel_RunDetail_NotFound(t *testing.T) {
	ts, _, _ := newTestPanel(t)
	code := getJSON(t, ts.URL+"/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPanel_RunActivities_UnknownRun(t *testing.T) {
	ts, _, _ := newTestPanel(t)
	code := getJSON(t, ts.URL+"/api/runs/missing/activities", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPanel_Outbox(t *testing.T) {
	ts, st, _ := newTestPanel(t)
	ctx := context.Background()

	require.NoError(t, st.InsertOutbox(ctx,
		&store.OutboxMessage{
			ID:        "out-1",
			MessageID: "msg-1",
			Kind:      store.KindEventNotification,
			Payload:   json.RawMessage(`{"event_type":"A"}`),
			CreatedAt: time.Now().UTC(),
		},
		&store.OutboxMessage{
			ID:        "out-2",
			MessageID: "msg-2",
			Kind:      store.KindProcessStart,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: time.Now().UTC(),
		},
	))

	var body struct {
		Pending []*store.OutboxMessage `json:"pending"`
		Count   int                    `json:"count"`
	}
	code := getJSON(t, ts.URL+"/api/outbox", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "out-1", body.Pending[0].ID)

	code = getJSON(t, ts.URL+"/api/outbox?kind=process_start", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "out-2", body.Pending[0].ID)

	code = getJSON(t, ts.URL+"/api/outbox?kind=carrier_pigeon", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPanel_DeadLetters(t *testing.T) {
	ts, st, _ := newTestPanel(t)

	require.NoError(t, st.InsertDeadLetter(context.Background(), &store.DeadLetter{
		MessageID: "msg-1",
		Kind:      "StartProcess",
		Reason:    "duplicate message",
		Envelope:  json.RawMessage(`{"kind":"StartProcess"}`),
		CreatedAt: time.Now().UTC(),
	}))

	var body struct {
		DeadLetters []*store.DeadLetter `json:"dead_letters"`
		Count       int                 `json:"count"`
	}
	code := getJSON(t, ts.URL+"/api/deadletters", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "duplicate message", body.DeadLetters[0].Reason)
}

func TestPanel_SSE_StreamsEvents(t *testing.T) {
	ts, _, hub := newTestPanel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish repeatedly until the handler's subscription is live; the hub
	// silently drops events published before Subscribe.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = hub.Publish(context.Background(), streaming.StreamEvent{
					Subject:   schema.WorkflowSubject("op-1"),
					EventType: schema.EventStartProcessSucceeded,
					Topic:     "events",
				})
			}
		}
	}()

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	frame := string(buf[:n])
	assert.Contains(t, frame, fmt.Sprintf("event: %s\n", schema.EventStartProcessSucceeded))
	assert.Contains(t, frame, schema.WorkflowSubject("op-1"))
}

func TestPanel_SSE_NoHub(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := NewPanelServer(PanelDeps{Store: st, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/sse/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
