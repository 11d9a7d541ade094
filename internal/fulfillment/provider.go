// Package fulfillment defines the contract with the external retail
// fulfillment partner and the ZMA implementation of it.
package fulfillment

import (
	"context"
	"fmt"
	"strings"
)

// Status is the partner-reported fulfillment state, normalised to the values
// the lifecycle controller understands. The partner is authoritative for
// fulfillment state; payment state is never derived from it.
type Status string

const (
	// StatusProcessing means the partner accepted the order and is working it.
	StatusProcessing Status = "processing"
	// StatusShipped means the shipment is in transit.
	StatusShipped Status = "shipped"
	// StatusDelivered means the partner confirmed delivery.
	StatusDelivered Status = "delivered"
	// StatusFailed means the partner gave up on the order.
	StatusFailed Status = "failed"
	// StatusCancelled means the partner confirmed a cancellation.
	StatusCancelled Status = "cancelled"
	// StatusAborted means the partner confirmed an abort before commitment.
	StatusAborted Status = "aborted"
	// StatusUnknown covers partner values this client does not recognise.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether the partner considers the order finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled, StatusAborted:
		return true
	}
	return false
}

// AbortOutcome is the partner's synchronous answer to an abort request.
type AbortOutcome string

const (
	// AbortImmediate means the abort took effect synchronously.
	AbortImmediate AbortOutcome = "immediate"
	// AbortPending means the partner queued the abort; callers poll for the
	// resolution.
	AbortPending AbortOutcome = "pending"
	// AbortRejected means the partner refused the abort (already committed).
	AbortRejected AbortOutcome = "rejected"
)

// SubmitRequest describes an order hand-off to the partner. ClientNotes are
// opaque to the partner and round-trip unchanged on webhooks; the lifecycle
// controller stores the order id and number there so callbacks can be matched
// even when the request id mapping is lost.
type SubmitRequest struct {
	OrderID        string
	OrderNumber    string
	RecipientID    string
	ProductRef     string
	Quantity       int
	MaxPriceCents  int64
	CurrencyCode   string
	ClientNotes    map[string]string
	IdempotencyKey string
}

// SubmitResult reports the partner's acceptance of a submission.
type SubmitResult struct {
	RequestID string
	Status    Status
}

// StatusResult is a point-in-time partner view of an order.
type StatusResult struct {
	RequestID      string
	PartnerOrderID string
	Status         Status
	Detail         string
}

// Provider is the partner adapter. Every call carries an explicit deadline;
// implementations must not block past the context.
type Provider interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	// AbortOrder asks the partner to stop an uncommitted order. The outcome is
	// immediate, pending (poll for resolution), or rejected.
	AbortOrder(ctx context.Context, requestID string) (AbortOutcome, error)
	// CancelOrder requests an asynchronous cancellation; the partner answers
	// with an ack only, then resolves via webhook.
	CancelOrder(ctx context.Context, requestID string, reason string) error
	PollStatus(ctx context.Context, requestID string) (StatusResult, error)
	// RetryOrder re-runs a failed order on the partner side, reusing its
	// original payload.
	RetryOrder(ctx context.Context, requestID string) (SubmitResult, error)
}

// PartnerError carries partner-side failure detail for classification.
type PartnerError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *PartnerError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return fmt.Sprintf("fulfillment: %s: %s (http %d)", e.Op, msg, e.StatusCode)
}

// Temporary reports whether the failure is plausibly transient.
func (e *PartnerError) Temporary() bool {
	if e == nil {
		return false
	}
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 0
}

// NormalizeStatus maps raw partner status strings onto the Status enum.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "processing", "accepted", "placed", "in_progress":
		return StatusProcessing
	case "shipped", "in_transit":
		return StatusShipped
	case "delivered":
		return StatusDelivered
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	case "aborted":
		return StatusAborted
	default:
		return StatusUnknown
	}
}
