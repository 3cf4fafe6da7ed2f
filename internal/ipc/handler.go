// Package ipc provides the HTTP API for the signoff approval engine.
package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rogers-f/signoff/internal/domain"
	"github.com/rogers-f/signoff/internal/metrics"
	"github.com/rogers-f/signoff/internal/registry"
	"github.com/rogers-f/signoff/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine   *workflow.Engine
	Registry *registry.Registry
	Metrics  *metrics.Metrics
}

// CreateInstanceRequest is the body for POST /api/v1/instances.
type CreateInstanceRequest struct {
	RequestID   string              `json:"request_id"`
	RequestType domain.WorkflowType `json:"request_type"`
	Attributes  map[string]any      `json:"attributes"`
}

// DecisionRequest is the body for POST /api/v1/instances/{instanceID}/decisions.
type DecisionRequest struct {
	ApproverID string         `json:"approver_id"`
	Outcome    domain.Outcome `json:"outcome"`
	Comment    string         `json:"comment"`
}

// CancelRequest is the body for POST /api/v1/instances/{instanceID}/cancel.
type CancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

// ActiveRequest is the body for PUT /api/v1/workflows/{workflowID}/active.
type ActiveRequest struct {
	Active *bool `json:"active"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListWorkflows handles GET /api/v1/workflows?type=&active=.
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wfType := domain.WorkflowType(q.Get("type"))
	if wfType != "" && !wfType.Valid() {
		writeError(w, domain.ErrInvalidWorkflowType.Detail("%q", wfType))
		return
	}
	activeOnly := false
	if s := q.Get("active"); s != "" {
		parsed, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "active must be a boolean"})
			return
		}
		activeOnly = parsed
	}

	defs, err := h.Registry.List(r.Context(), wfType, activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if defs == nil {
		defs = []*domain.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

// GetWorkflow handles GET /api/v1/workflows/{workflowID}.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.Registry.Get(r.Context(), r.PathValue("workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// SetWorkflowActive handles PUT /api/v1/workflows/{workflowID}/active.
func (h *Handler) SetWorkflowActive(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	var req ActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Active == nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "active is required"})
		return
	}

	if err := h.Registry.SetActive(r.Context(), workflowID, *req.Active); err != nil {
		writeError(w, err)
		return
	}
	def, err := h.Registry.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// WorkflowStats handles GET /api/v1/workflows/{workflowID}/stats.
func (h *Handler) WorkflowStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Stats(r.Context(), r.PathValue("workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CreateInstance handles POST /api/v1/instances.
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "request_id is required"})
		return
	}

	inst, err := h.Engine.CreateInstance(r.Context(), req.RequestID, req.RequestType, req.Attributes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// GetInstance handles GET /api/v1/instances/{instanceID}.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Engine.GetInstance(r.Context(), r.PathValue("instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetLog handles GET /api/v1/instances/{instanceID}/log.
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.GetLog(r.Context(), r.PathValue("instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Decide handles POST /api/v1/instances/{instanceID}/decisions.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceID")
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}

	inst, err := h.Engine.Decide(r.Context(), instanceID, req.ApproverID, req.Outcome, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// Cancel handles POST /api/v1/instances/{instanceID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceID")
	var req CancelRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}

	inst, err := h.Engine.Cancel(r.Context(), instanceID, req.ActorID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ListPending handles GET /api/v1/approvers/{approverID}/pending.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Engine.ListPending(r.Context(), r.PathValue("approverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusFor(engErr), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func statusFor(err *domain.EngineError) int {
	switch err.Code {
	case domain.ErrWorkflowNotFound.Code, domain.ErrDefinitionNotFound.Code, domain.ErrInstanceNotFound.Code:
		return http.StatusNotFound
	case domain.ErrAmbiguousMatch.Code, domain.ErrTerminalInstance.Code, domain.ErrStageAdvanced.Code,
		domain.ErrDuplicateRequest.Code, domain.ErrDuplicateDefinition.Code, domain.ErrOptimisticLock.Code:
		return http.StatusConflict
	case domain.ErrUnauthorizedApprover.Code:
		return http.StatusForbidden
	case domain.ErrInvalidRequest.Code, domain.ErrInvalidWorkflowType.Code:
		return http.StatusBadRequest
	case domain.ErrInvalidDecision.Code, domain.ErrInvalidDefinition.Code:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
