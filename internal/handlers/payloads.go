package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/platform/httpx"
	"github.com/giftwell/api/internal/services"
)

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string            `json:"id"`
	OrderNumber       string            `json:"order_number"`
	UserID            string            `json:"user_id"`
	ExecutionID       string            `json:"execution_id,omitempty"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	OrderMethod       string            `json:"order_method"`
	PartnerRequestID  string            `json:"partner_request_id,omitempty"`
	PartnerOrderID    string            `json:"partner_order_id,omitempty"`
	AmountCents       int64             `json:"amount_cents"`
	Currency          string            `json:"currency"`
	AbortMethod       string            `json:"abort_method,omitempty"`
	RetryCount        int               `json:"retry_count,omitempty"`
	LastFailureReason string            `json:"last_failure_reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at,omitempty"`
	ShippedAt         string            `json:"shipped_at,omitempty"`
	DeliveredAt       string            `json:"delivered_at,omitempty"`
	CancelledAt       string            `json:"cancelled_at,omitempty"`
	AbortedAt         string            `json:"aborted_at,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	return orderPayload{
		ID:                strings.TrimSpace(order.ID),
		OrderNumber:       strings.TrimSpace(order.OrderNumber),
		UserID:            strings.TrimSpace(order.UserID),
		ExecutionID:       strings.TrimSpace(order.ExecutionID),
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		OrderMethod:       strings.TrimSpace(order.OrderMethod),
		PartnerRequestID:  strings.TrimSpace(order.FulfillmentPartnerRequestID),
		PartnerOrderID:    strings.TrimSpace(order.FulfillmentPartnerOrderID),
		AmountCents:       order.AmountCents,
		Currency:          strings.ToUpper(strings.TrimSpace(order.CurrencyCode)),
		AbortMethod:       string(order.AbortMethod),
		RetryCount:        order.RetryCount,
		LastFailureReason: strings.TrimSpace(order.LastFailureReason),
		Metadata:          order.Metadata,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
		ShippedAt:         formatTimePtr(order.ShippedAt),
		DeliveredAt:       formatTimePtr(order.DeliveredAt),
		CancelledAt:       formatTimePtr(order.CancelledAt),
		AbortedAt:         formatTimePtr(order.AbortedAt),
	}
}

type orderNotePayload struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	NoteType  string `json:"note_type"`
	Body      string `json:"body"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"created_at"`
}

func buildOrderNotePayload(note domain.OrderNote) orderNotePayload {
	return orderNotePayload{
		ID:        strings.TrimSpace(note.ID),
		OrderID:   strings.TrimSpace(note.OrderID),
		NoteType:  string(note.NoteType),
		Body:      note.Body,
		Actor:     strings.TrimSpace(note.Actor),
		CreatedAt: formatTime(note.CreatedAt),
	}
}

type refundRequestPayload struct {
	ID              string `json:"id"`
	OrderID         string `json:"order_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	Reason          string `json:"reason,omitempty"`
	Status          string `json:"status"`
	GatewayRefundID string `json:"gateway_refund_id,omitempty"`
	RequestedBy     string `json:"requested_by,omitempty"`
	SettledBy       string `json:"settled_by,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
	SettledAt       string `json:"settled_at,omitempty"`
}

func buildRefundRequestPayload(req domain.RefundRequest) refundRequestPayload {
	return refundRequestPayload{
		ID:              strings.TrimSpace(req.ID),
		OrderID:         strings.TrimSpace(req.OrderID),
		AmountCents:     req.AmountCents,
		Currency:        strings.ToUpper(strings.TrimSpace(req.CurrencyCode)),
		Reason:          strings.TrimSpace(req.Reason),
		Status:          string(req.Status),
		GatewayRefundID: strings.TrimSpace(req.GatewayRefundID),
		RequestedBy:     strings.TrimSpace(req.RequestedBy),
		SettledBy:       strings.TrimSpace(req.SettledBy),
		FailureReason:   strings.TrimSpace(req.FailureReason),
		CreatedAt:       formatTime(req.CreatedAt),
		SettledAt:       formatTimePtr(req.SettledAt),
	}
}

type auditLogPayload struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

func buildAuditLogPayload(entry domain.AuditLogEntry) auditLogPayload {
	return auditLogPayload{
		ID:         strings.TrimSpace(entry.ID),
		Actor:      strings.TrimSpace(entry.Actor),
		Action:     strings.TrimSpace(entry.Action),
		TargetType: strings.TrimSpace(entry.TargetType),
		TargetID:   strings.TrimSpace(entry.TargetID),
		Detail:     entry.Detail,
		CreatedAt:  formatTime(entry.CreatedAt),
	}
}

type executionPayload struct {
	ID            string `json:"id"`
	RuleID        string `json:"rule_id"`
	EventID       string `json:"event_id"`
	UserID        string `json:"user_id"`
	ExecutionDate string `json:"execution_date"`
	Status        string `json:"status"`
	OrderID       string `json:"order_id,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

func buildExecutionPayload(execution domain.Execution) executionPayload {
	return executionPayload{
		ID:            strings.TrimSpace(execution.ID),
		RuleID:        strings.TrimSpace(execution.RuleID),
		EventID:       strings.TrimSpace(execution.EventID),
		UserID:        strings.TrimSpace(execution.UserID),
		ExecutionDate: formatTime(execution.ExecutionDate),
		Status:        string(execution.Status),
		OrderID:       strings.TrimSpace(execution.OrderID),
		Attempts:      execution.Attempts,
		LastError:     strings.TrimSpace(execution.LastError),
	}
}

// writeServiceError maps the service error taxonomy onto the HTTP envelope.
// Specific sentinels get their own code before the four roots are consulted.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrExecutionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("execution_not_found", "execution not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRefundNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_found", "refund request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderStateConflict),
		errors.Is(err, services.ErrRetryInProgress),
		errors.Is(err, services.ErrRefundNotSettleable):
		httpx.WriteError(ctx, w, httpx.NewError("state_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAbortNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("abort_not_eligible", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRefundExceedsCaptured):
		httpx.WriteError(ctx, w, httpx.NewError("refund_exceeds_captured", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentNotConfirmed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_confirmed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRetryTimedOut):
		httpx.WriteError(ctx, w, httpx.NewError("retry_timed_out", err.Error(), http.StatusGatewayTimeout))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPayment):
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrExternalPartner):
		httpx.WriteError(ctx, w, httpx.NewError("partner_error", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrInvariantViolation):
		httpx.WriteError(ctx, w, httpx.NewError("invariant_violation", "internal state error", http.StatusInternalServerError))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}
