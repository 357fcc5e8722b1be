package panel

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Limit:  intQuery(r, "limit", defaultPageSize),
		Offset: intQuery(r, "offset", 0),
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.RunStatus(raw)
		switch status {
		case schema.RunStatusInProgress, schema.RunStatusSucceeded, schema.RunStatusFailed:
			filter.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "unknown status %q", raw)
			return
		}
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *PanelServer) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operationID := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, operationID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	activities, err := s.deps.Store.ListActivities(ctx, operationID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	relations, err := s.deps.Store.ListRelations(ctx, operationID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":        run,
		"activities": activities,
		"relations":  relations,
	})
}

func (s *PanelServer) handleRunActivities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operationID := r.PathValue("id")

	// 404 for unknown runs instead of an empty list.
	if _, err := s.deps.Store.GetRun(ctx, operationID); err != nil {
		s.storeError(w, err)
		return
	}
	activities, err := s.deps.Store.ListActivities(ctx, operationID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

func (s *PanelServer) handleOutbox(w http.ResponseWriter, r *http.Request) {
	kind := store.MessageKind(r.URL.Query().Get("kind"))
	switch kind {
	case "":
		kind = store.KindEventNotification
	case store.KindEventNotification, store.KindProcessStart:
	default:
		writeError(w, http.StatusBadRequest, "unknown outbox kind %q", kind)
		return
	}

	filter := store.OutboxFilter{Kind: kind, Limit: intQuery(r, "limit", defaultPageSize)}
	if r.URL.Query().Get("due") == "true" {
		now := time.Now().UTC()
		filter.Due = &now
	}

	pending, err := s.deps.Store.ListPendingOutbox(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

func (s *PanelServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.Store.ListDeadLetters(r.Context(), intQuery(r, "limit", defaultPageSize))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
}

func (s *PanelServer) storeError(w http.ResponseWriter, err error) {
	var relayErr *schema.RelayError
	if errors.As(err, &relayErr) && relayErr.Code == schema.ErrCodeNotFound {
		writeError(w, http.StatusNotFound, "%s", relayErr.Message)
		return
	}
	s.deps.Logger.Error("panel store query failed", "error", err.Error())
	writeError(w, http.StatusInternalServerError, "store query failed")
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
