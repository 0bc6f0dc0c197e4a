// Package ipc provides the HTTP API for the lesson-plan service.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
	"github.com/Yi-XIE/PBL.AI/internal/projection"
	"github.com/Yi-XIE/PBL.AI/internal/session"
)

// keepAliveInterval spaces SSE comments on idle streams.
const keepAliveInterval = 15 * time.Second

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Registry *session.Registry
	// Defaults returns the task settings request bodies are decoded over.
	Defaults func() domain.TaskConfig
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
	Version string
}

// EditFileRequest is the body for PUT /api/v1/tasks/{taskID}/files.
type EditFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Cascade *bool  `json:"cascade,omitempty"`
}

// APIError is a structured error response. Snapshot is set when the
// action failed after the task state recorded the failure.
type APIError struct {
	Code     int                  `json:"code"`
	Message  string               `json:"message"`
	Snapshot *projection.Snapshot `json:"snapshot,omitempty"`
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Tasks   int    `json:"tasks"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.Version, Tasks: h.Registry.Len()})
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var cfg domain.TaskConfig
	if h.Defaults != nil {
		cfg = h.Defaults()
	}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}

	snap, err := h.Registry.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	headers := []projection.Header{}
	for _, id := range h.Registry.IDs() {
		snap, err := h.Registry.Snapshot(id)
		if err != nil {
			// Destroyed between listing and reading.
			continue
		}
		headers = append(headers, snap.Header)
	}
	writeJSON(w, http.StatusOK, headers)
}

// GetTask handles GET /api/v1/tasks/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Registry.Snapshot(r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// DeleteTask handles DELETE /api/v1/tasks/{taskID}.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Destroy(r.Context(), r.PathValue("taskID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyAction handles POST /api/v1/tasks/{taskID}/actions.
func (h *Handler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	var a domain.Action
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if a.Type == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "action is required"})
		return
	}

	snap, err := h.Registry.Apply(r.Context(), r.PathValue("taskID"), a)
	if err != nil {
		writeActionError(w, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// EditFile handles PUT /api/v1/tasks/{taskID}/files.
func (h *Handler) EditFile(w http.ResponseWriter, r *http.Request) {
	var req EditFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "path is required"})
		return
	}

	snap, err := h.Registry.EditPath(r.Context(), r.PathValue("taskID"), req.Path, req.Content, req.Cascade)
	if err != nil {
		writeActionError(w, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListMessages handles GET /api/v1/tasks/{taskID}/messages?since_seq=N.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	msgs, err := h.Registry.Messages(r.Context(), r.PathValue("taskID"), sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ExportTask handles GET /api/v1/tasks/{taskID}/export. With
// format=markdown the aggregate plan document is returned instead.
func (h *Handler) ExportTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	if r.URL.Query().Get("format") == "markdown" {
		t, err := h.Registry.Task(taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, projection.PlanMarkdown(t))
		return
	}

	exp, err := h.Registry.Export(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// GetStoredPlan handles GET /api/v1/tasks/{taskID}/plan.
func (h *Handler) GetStoredPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Registry.StoredPlan(r.Context(), r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Plan-Checksum", plan.Checksum)
	w.Header().Set("X-Plan-State-Version", strconv.FormatInt(plan.StateVersion, 10))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, plan.SnapshotJSON)
}

// StreamTask handles GET /api/v1/tasks/{taskID}/stream (SSE). The first
// event is a full snapshot, later events are deltas.
func (h *Handler) StreamTask(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	sub, err := h.Registry.Subscribe(r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case d, ok := <-sub.C:
			if !ok {
				fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			writeSSEDelta(w, flusher, d)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status and API code.
func statusFor(err error) (int, int) {
	switch {
	case errors.Is(err, domain.ErrGenerationTimeout):
		return http.StatusGatewayTimeout, domain.ErrGenerationTimeout.Code
	case errors.Is(err, domain.ErrGenerationBackend):
		return http.StatusBadGateway, domain.ErrGenerationBackend.Code
	}

	var engErr *domain.EngineError
	if !errors.As(err, &engErr) {
		return http.StatusInternalServerError, -1
	}
	status := http.StatusInternalServerError
	switch engErr.Code {
	case domain.ErrNotFound.Code:
		status = http.StatusNotFound
	case domain.ErrNotInScope.Code, domain.ErrUnknownCandidate.Code, domain.ErrUnknownStage.Code,
		domain.ErrEmptyContent.Code, domain.ErrUnknownAction.Code, domain.ErrInvalidInput.Code:
		status = http.StatusBadRequest
	case domain.ErrInvalidTransition.Code, domain.ErrGateBlocked.Code, domain.ErrRegenerationLimit.Code,
		domain.ErrArtifactLocked.Code, domain.ErrConcurrentModification.Code, domain.ErrSuperseded.Code:
		status = http.StatusConflict
	case domain.ErrRateLimitExceeded.Code:
		status = http.StatusTooManyRequests
	case domain.ErrTooManyTasks.Code:
		status = http.StatusServiceUnavailable
	}
	return status, engErr.Code
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, APIError{Code: code, Message: errorMessage(err)})
}

// writeActionError includes the resulting snapshot when the action
// committed a failure record.
func writeActionError(w http.ResponseWriter, snap projection.Snapshot, err error) {
	status, code := statusFor(err)
	apiErr := APIError{Code: code, Message: errorMessage(err)}
	if snap.TaskID != "" {
		apiErr.Snapshot = &snap
	}
	writeJSON(w, status, apiErr)
}

func errorMessage(err error) string {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		return engErr.Message
	}
	return err.Error()
}

func writeSSEDelta(w http.ResponseWriter, f http.Flusher, d projection.Delta) {
	event := "delta"
	if d.Full != nil {
		event = "snapshot"
	}
	data, _ := json.Marshal(d)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}
