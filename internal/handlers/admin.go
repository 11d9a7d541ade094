package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/platform/auth"
	"github.com/giftwell/api/internal/platform/httpx"
	"github.com/giftwell/api/internal/services"
)

const defaultGuardWindowDays = 7

// AdminHandlers exposes operator endpoints: forced processing, refund
// settlement, guard health, and the audit trail.
type AdminHandlers struct {
	authn     *auth.Authenticator
	processor services.ExecutionProcessorService
	lifecycle services.OrderLifecycleService
	refunds   services.RefundEscrowService
	guard     services.MethodGuardService
	audit     services.AuditLogService
}

// AdminHandlersOption customises AdminHandlers construction.
type AdminHandlersOption func(*AdminHandlers)

// WithAdminProcessor wires the execution processor used by force-process.
func WithAdminProcessor(processor services.ExecutionProcessorService) AdminHandlersOption {
	return func(h *AdminHandlers) {
		h.processor = processor
	}
}

// WithAdminLifecycle wires the order lifecycle service for operator lookups.
func WithAdminLifecycle(lifecycle services.OrderLifecycleService) AdminHandlersOption {
	return func(h *AdminHandlers) {
		h.lifecycle = lifecycle
	}
}

// WithAdminRefunds wires refund settlement.
func WithAdminRefunds(refunds services.RefundEscrowService) AdminHandlersOption {
	return func(h *AdminHandlers) {
		h.refunds = refunds
	}
}

// WithAdminGuard wires the fulfillment method guard.
func WithAdminGuard(guard services.MethodGuardService) AdminHandlersOption {
	return func(h *AdminHandlers) {
		h.guard = guard
	}
}

// WithAdminAudit wires the audit log service.
func WithAdminAudit(audit services.AuditLogService) AdminHandlersOption {
	return func(h *AdminHandlers) {
		h.audit = audit
	}
}

// NewAdminHandlers builds the admin route group.
func NewAdminHandlers(authn *auth.Authenticator, opts ...AdminHandlersOption) *AdminHandlers {
	h := &AdminHandlers{authn: authn}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers admin endpoints. Every route requires staff or admin role;
// force-process additionally requires admin.
func (h *AdminHandlers) Routes(r chi.Router) {
	r.Use(h.authn.RequireAuth(auth.RoleStaff, auth.RoleAdmin))

	r.With(h.authn.RequireAuth(auth.RoleAdmin)).
		Post("/executions/{executionID}:force-process", h.forceProcess)
	r.With(h.authn.RequireAuth(auth.RoleAdmin)).
		Post("/orders/{orderID}:force-process", h.forceProcessOrder)

	r.Post("/orders/{orderID}:check-status", h.checkStatus)
	r.Post("/orders/{orderID}:validate-method", h.validateMethod)
	r.Post("/refunds/{refundID}:settle", h.settleRefund)
	r.Get("/guard/health", h.guardHealth)
	r.Get("/audit-logs", h.listAuditLogs)
}

func (h *AdminHandlers) forceProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.processor == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "execution processing is not enabled", http.StatusNotImplemented))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "missing identity", http.StatusUnauthorized))
		return
	}

	executionID := strings.TrimSpace(chi.URLParam(r, "executionID"))
	if executionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "execution id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason is required when forcing an execution", http.StatusBadRequest))
		return
	}

	execution, err := h.processor.ForceProcess(ctx, services.ForceProcessCommand{
		ExecutionID: executionID,
		ActorID:     identity.UID,
		Reason:      req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, struct {
		Execution executionPayload `json:"execution"`
	}{Execution: buildExecutionPayload(execution)})
}

func (h *AdminHandlers) forceProcessOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.processor == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "execution processing is not enabled", http.StatusNotImplemented))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "missing identity", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason is required when forcing an order", http.StatusBadRequest))
		return
	}

	order, err := h.processor.ForceProcessOrder(ctx, services.ForceProcessOrderCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) checkStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "order lifecycle is not enabled", http.StatusNotImplemented))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.lifecycle.CheckStatus(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) validateMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.guard == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "method guard is not enabled", http.StatusNotImplemented))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	result, err := h.guard.ValidateOrderMethod(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, struct {
		IsValid     bool   `json:"is_valid"`
		OrderMethod string `json:"order_method"`
		Converted   bool   `json:"converted"`
	}{IsValid: result.IsValid, OrderMethod: result.OrderMethod, Converted: result.Converted})
}

func (h *AdminHandlers) settleRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "refunds are not enabled", http.StatusNotImplemented))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "missing identity", http.StatusUnauthorized))
		return
	}

	refundID := strings.TrimSpace(chi.URLParam(r, "refundID"))
	if refundID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Decision string `json:"decision"`
		Note     string `json:"note"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	decision := services.SettleDecision(strings.ToLower(strings.TrimSpace(req.Decision)))
	if decision != services.SettleApprove && decision != services.SettleReject {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "decision must be approve or reject", http.StatusBadRequest))
		return
	}

	settled, err := h.refunds.Settle(ctx, services.SettleRefundCommand{
		RefundRequestID: refundID,
		Decision:        decision,
		ActorID:         identity.UID,
		Note:            req.Note,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, struct {
		Refund refundRequestPayload `json:"refund"`
	}{Refund: buildRefundRequestPayload(settled)})
}

func (h *AdminHandlers) guardHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.guard == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "method guard is not enabled", http.StatusNotImplemented))
		return
	}

	windowDays, err := parseIntParam(r.URL.Query().Get("window_days"), defaultGuardWindowDays)
	if err != nil || windowDays <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "window_days must be a positive integer", http.StatusBadRequest))
		return
	}

	health, err := h.guard.GetHealthMetrics(ctx, windowDays)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, struct {
		WindowDays        int              `json:"window_days"`
		CountsByMethod    map[string]int64 `json:"counts_by_method"`
		Conversions       int64            `json:"conversions"`
		LastForbiddenSeen string           `json:"last_forbidden_seen,omitempty"`
		HardAlert         bool             `json:"hard_alert"`
	}{
		WindowDays:        health.WindowDays,
		CountsByMethod:    health.CountsByMethod,
		Conversions:       health.Conversions,
		LastForbiddenSeen: formatTimePtr(health.LastForbiddenSeen),
		HardAlert:         health.HardAlert,
	})
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "audit logging is not enabled", http.StatusNotImplemented))
		return
	}

	query := services.AuditLogQuery{
		TargetRef: strings.TrimSpace(r.URL.Query().Get("target_ref")),
		Actor:     strings.TrimSpace(r.URL.Query().Get("actor")),
		Action:    strings.TrimSpace(r.URL.Query().Get("action")),
		Pagination: domain.Pagination{
			PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
		},
	}

	pageSize, err := parseIntParam(r.URL.Query().Get("page_size"), 0)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}
	query.Pagination.PageSize = pageSize

	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		from, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be RFC3339", http.StatusBadRequest))
			return
		}
		query.From = &from
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		to, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be RFC3339", http.StatusBadRequest))
			return
		}
		query.To = &to
	}

	page, err := h.audit.List(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, buildAuditLogPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, struct {
		Items         []auditLogPayload `json:"items"`
		NextPageToken string            `json:"next_page_token,omitempty"`
	}{Items: items, NextPageToken: page.NextPageToken})
}
