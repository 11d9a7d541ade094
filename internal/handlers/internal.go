package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/giftwell/api/internal/platform/auth"
	"github.com/giftwell/api/internal/platform/httpx"
	"github.com/giftwell/api/internal/services"
)

// InternalHandlers exposes endpoints reserved for scheduled jobs and service
// callers holding the internal role.
type InternalHandlers struct {
	authn     *auth.Authenticator
	scheduler services.SchedulerService
	processor services.ExecutionProcessorService
}

// InternalHandlersOption customises InternalHandlers construction.
type InternalHandlersOption func(*InternalHandlers)

// WithInternalProcessor wires the execution processor for queue push delivery.
func WithInternalProcessor(processor services.ExecutionProcessorService) InternalHandlersOption {
	return func(h *InternalHandlers) {
		h.processor = processor
	}
}

// NewInternalHandlers builds the internal route group.
func NewInternalHandlers(authn *auth.Authenticator, scheduler services.SchedulerService, opts ...InternalHandlersOption) *InternalHandlers {
	h := &InternalHandlers{
		authn:     authn,
		scheduler: scheduler,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers internal endpoints on the provided router group.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Use(h.authn.RequireAuth(auth.RoleInternal, auth.RoleAdmin))

	r.Post("/scheduler:run", h.runScheduler)
	r.Post("/executions/{executionID}:process", h.processExecution)
}

type runSchedulerRequest struct {
	LookaheadDays int      `json:"lookahead_days"`
	UserFilter    []string `json:"user_filter"`
}

func (h *InternalHandlers) runScheduler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "missing identity", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req runSchedulerRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}
	if req.LookaheadDays < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "lookahead_days must not be negative", http.StatusBadRequest))
		return
	}

	result, err := h.scheduler.RunDailyCheck(ctx, services.RunDailyCheckCommand{
		LookaheadDays: req.LookaheadDays,
		UserFilter:    parseFilterValues(req.UserFilter),
		TriggeredBy:   identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, struct {
		RunID               string   `json:"run_id"`
		Created             int      `json:"created"`
		Skipped             int      `json:"skipped"`
		Failed              int      `json:"failed"`
		CreatedExecutionIDs []string `json:"created_execution_ids,omitempty"`
	}{
		RunID:               result.RunID,
		Created:             result.Created,
		Skipped:             result.Skipped,
		Failed:              result.Failed,
		CreatedExecutionIDs: result.CreatedExecutionIDs,
	})
}

func (h *InternalHandlers) processExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.processor == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "execution processing is not enabled", http.StatusNotImplemented))
		return
	}

	executionID := chi.URLParam(r, "executionID")
	if executionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "execution id is required", http.StatusBadRequest))
		return
	}

	execution, err := h.processor.ProcessExecution(ctx, executionID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, struct {
		Execution executionPayload `json:"execution"`
	}{Execution: buildExecutionPayload(execution)})
}
