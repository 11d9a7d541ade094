package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/platform/auth"
	"github.com/giftwell/api/internal/platform/httpx"
	"github.com/giftwell/api/internal/services"
)

const maxOrderBodyBytes int64 = 64 << 10

// OrderHandlers exposes the user-facing order lifecycle endpoints.
type OrderHandlers struct {
	authn     *auth.Authenticator
	lifecycle services.OrderLifecycleService
	refunds   services.RefundEscrowService
	limiter   rateLimiter
}

// OrderHandlersOption customises OrderHandlers construction.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderRefundService wires the refund escrow endpoints.
func WithOrderRefundService(refunds services.RefundEscrowService) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.refunds = refunds
	}
}

// WithOrderRateLimit throttles mutating order endpoints per caller. A zero
// limit or window disables throttling.
func WithOrderRateLimit(limit int, window time.Duration) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewOrderHandlers builds the order route group.
func NewOrderHandlers(authn *auth.Authenticator, lifecycle services.OrderLifecycleService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:     authn,
		lifecycle: lifecycle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers order endpoints on the provided router group.
func (h *OrderHandlers) Routes(r chi.Router) {
	r.Use(h.authn.RequireAuth())

	r.Get("/", h.list)
	r.Get("/{orderID}", h.get)
	r.Get("/{orderID}/notes", h.listNotes)
	r.Get("/{orderID}/abort-eligibility", h.abortEligibility)
	r.Post("/{orderID}:abort", h.throttled(h.abort))
	r.Post("/{orderID}:cancel", h.throttled(h.cancel))
	r.Post("/{orderID}:retry", h.throttled(h.retry))
	r.Post("/{orderID}:check-status", h.throttled(h.checkStatus))
	r.Get("/{orderID}/refunds", h.listRefunds)
	r.Post("/{orderID}/refunds", h.throttled(h.requestRefund))
}

// throttled limits mutating calls per identity when a limiter is configured.
func (h *OrderHandlers) throttled(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			key := ""
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				key = identity.UID
			}
			if !h.limiter.Allow(key) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests, slow down", http.StatusTooManyRequests))
				return
			}
		}
		next(w, r)
	}
}

func (h *OrderHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "missing identity", http.StatusUnauthorized))
		return
	}

	query := services.OrderListQuery{
		UserID: identity.UID,
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

	for _, raw := range parseFilterValues(r.URL.Query()["status"]) {
		query.Status = append(query.Status, domain.OrderStatus(raw))
	}

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

	page, err := h.lifecycle.ListOrders(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Items:         make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) get(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}

	pager := domain.Pagination{
		PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
	}
	pageSize, err := parseIntParam(r.URL.Query().Get("page_size"), 0)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}
	pager.PageSize = pageSize

	page, err := h.lifecycle.ListNotes(ctx, order.ID, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderNotePayload, 0, len(page.Items))
	for _, note := range page.Items {
		items = append(items, buildOrderNotePayload(note))
	}
	writeJSONResponse(w, http.StatusOK, struct {
		Items         []orderNotePayload `json:"items"`
		NextPageToken string             `json:"next_page_token,omitempty"`
	}{Items: items, NextPageToken: page.NextPageToken})
}

func (h *OrderHandlers) abortEligibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}

	result, err := h.lifecycle.AbortEligibility(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, struct {
		Eligible  bool   `json:"eligible"`
		CanAbort  bool   `json:"can_abort"`
		CanCancel bool   `json:"can_cancel"`
		Action    string `json:"action"`
		Reason    string `json:"reason,omitempty"`
	}{
		Eligible:  result.Eligible,
		CanAbort:  result.CanAbort,
		CanCancel: result.CanCancel,
		Action:    string(result.Action),
		Reason:    result.Reason,
	})
}

type orderActionRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) abort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	req, ok := decodeOrderActionRequest(ctx, w, r)
	if !ok {
		return
	}

	updated, err := h.lifecycle.PerformAbort(ctx, services.AbortOrderCommand{
		OrderID: order.ID,
		ActorID: identity.UID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	req, ok := decodeOrderActionRequest(ctx, w, r)
	if !ok {
		return
	}

	updated, err := h.lifecycle.Cancel(ctx, services.CancelOrderCommand{
		OrderID: order.ID,
		ActorID: identity.UID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	body, err := readLimitedBody(r, maxOrderBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		UseNativeRetry bool `json:"use_native_retry"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	updated, err := h.lifecycle.Retry(ctx, services.RetryOrderCommand{
		OrderID:        order.ID,
		ActorID:        identity.UID,
		UseNativeRetry: req.UseNativeRetry,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) checkStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}

	updated, err := h.lifecycle.CheckStatus(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "refunds are not enabled", http.StatusNotImplemented))
		return
	}
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}

	requests, err := h.refunds.ListByOrder(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]refundRequestPayload, 0, len(requests))
	for _, req := range requests {
		items = append(items, buildRefundRequestPayload(req))
	}
	writeJSONResponse(w, http.StatusOK, struct {
		Items []refundRequestPayload `json:"items"`
	}{Items: items})
}

func (h *OrderHandlers) requestRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "refunds are not enabled", http.StatusNotImplemented))
		return
	}
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	body, err := readLimitedBody(r, maxOrderBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		AmountCents int64  `json:"amount_cents"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	created, err := h.refunds.RequestRefund(ctx, services.RequestRefundCommand{
		OrderID:     order.ID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		RequestedBy: identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, struct {
		Refund refundRequestPayload `json:"refund"`
	}{Refund: buildRefundRequestPayload(created)})
}

// loadOwnedOrder resolves the order and enforces that the caller either owns
// it or holds an operator role. Writes the error response on failure.
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request) (domain.Order, bool) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "missing identity", http.StatusUnauthorized))
		return domain.Order{}, false
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return domain.Order{}, false
	}

	order, err := h.lifecycle.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return domain.Order{}, false
	}

	if order.UserID != identity.UID && !identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		// Report not_found rather than forbidden so order ids are not probeable.
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return domain.Order{}, false
	}

	return order, true
}

func decodeOrderActionRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (orderActionRequest, bool) {
	body, err := readLimitedBody(r, maxOrderBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return orderActionRequest{}, false
	}

	var req orderActionRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return orderActionRequest{}, false
		}
	}
	return req, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("request_too_large", "request body too large", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
}
