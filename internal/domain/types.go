package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results along with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// ApprovalMode controls whether an execution may proceed without a human sign-off.
type ApprovalMode string

const (
	// ApprovalModeAuto lets the execution processor place the order unattended.
	ApprovalModeAuto ApprovalMode = "auto"
	// ApprovalModeManual parks the execution until an operator approves it.
	ApprovalModeManual ApprovalMode = "manual"
)

// AutoGiftRule describes a standing instruction to send a gift when one of the
// user's calendar events comes due.
type AutoGiftRule struct {
	ID           string
	UserID       string
	RecipientID  string
	OccasionType string
	BudgetCents  int64
	Currency     string
	LeadTimeDays int
	ApprovalMode ApprovalMode
	Enabled      bool
	PausedFrom   *time.Time
	PausedUntil  *time.Time
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PausedAt reports whether the rule is inside its pause window at the given instant.
func (r AutoGiftRule) PausedAt(now time.Time) bool {
	if r.PausedFrom == nil && r.PausedUntil == nil {
		return false
	}
	if r.PausedFrom != nil && now.Before(*r.PausedFrom) {
		return false
	}
	if r.PausedUntil != nil && now.After(*r.PausedUntil) {
		return false
	}
	return true
}

// CalendarEvent is a dated occasion (birthday, anniversary) owned by a user.
// EventDate holds the next concrete occurrence, already resolved from any
// month/day recurrence by the calendar importer.
type CalendarEvent struct {
	ID           string
	UserID       string
	RecipientID  string
	OccasionType string
	EventDate    time.Time
	Source       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExecutionStatus enumerates the lifecycle of a scheduled gift execution.
type ExecutionStatus string

const (
	// ExecutionStatusScheduled means the scheduler has materialised the execution.
	ExecutionStatusScheduled ExecutionStatus = "scheduled"
	// ExecutionStatusDispatched means the execution was handed to the processor queue.
	ExecutionStatusDispatched ExecutionStatus = "dispatched"
	// ExecutionStatusAwaitingApproval means a manual-mode rule is waiting on an operator.
	ExecutionStatusAwaitingApproval ExecutionStatus = "awaiting_approval"
	// ExecutionStatusProcessing means the processor picked the execution up.
	ExecutionStatusProcessing ExecutionStatus = "processing"
	// ExecutionStatusCompleted means an order was placed for the execution.
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed means the processor gave up on the execution.
	ExecutionStatusFailed ExecutionStatus = "failed"
	// ExecutionStatusCancelled means the execution was withdrawn before ordering.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Execution is one materialised rule×event match slated to become an order.
// The (RuleID, EventID, ExecutionDate) triple is unique: the scheduler relies
// on a keyed insert so that re-runs skip rather than duplicate.
type Execution struct {
	ID            string
	RuleID        string
	EventID       string
	UserID        string
	ExecutionDate time.Time
	Status        ExecutionStatus
	OrderID       string
	ScheduledBy   string
	Attempts      int
	LastError     string
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExecutionKey derives the natural key used for idempotent scheduling inserts.
func ExecutionKey(ruleID, eventID string, executionDate time.Time) string {
	return ruleID + "_" + eventID + "_" + executionDate.UTC().Format("2006-01-02")
}

// OrderStatus represents lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state before fulfillment submission succeeds.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing means the fulfillment partner accepted the order.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped means the partner reports the shipment in transit.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered is terminal: the recipient received the gift.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusFailed means submission or fulfillment failed; retry is possible.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusRetryPending marks an in-flight retry; concurrent retries are rejected.
	OrderStatusRetryPending OrderStatus = "retry_pending"
	// OrderStatusCancellationPending means an async partner cancel is awaiting its callback.
	OrderStatusCancellationPending OrderStatus = "cancellation_pending"
	// OrderStatusCancelled is terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusAborted is terminal: the order was stopped before the partner
	// committed it. A timed-out abort falls back to cancelled, not aborted.
	OrderStatusAborted OrderStatus = "aborted"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusDelivered, OrderStatusAborted:
		return true
	}
	return false
}

// PaymentStatus tracks the payment side of an order independently of fulfillment.
type PaymentStatus string

const (
	// PaymentStatusPending means capture has not completed.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusSucceeded means funds were captured.
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	// PaymentStatusFailed means capture failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded means the captured amount was fully refunded.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Fulfillment method values. Only OrderMethodZMA is valid for new orders;
// OrderMethodLegacyZincAPI is a forbidden legacy value that the method guard
// rewrites on sight.
const (
	OrderMethodZMA           = "zma"
	OrderMethodLegacyZincAPI = "zinc_api"
)

// AbortMethod records how an abort concluded.
type AbortMethod string

const (
	// AbortMethodImmediate means the partner confirmed the abort synchronously.
	AbortMethodImmediate AbortMethod = "immediate"
	// AbortMethodPolled means the abort resolved within the polling budget.
	AbortMethodPolled AbortMethod = "polled"
	// AbortMethodTimeoutFallback means polling exhausted its budget and the
	// order was cancelled locally instead of aborted.
	AbortMethodTimeoutFallback AbortMethod = "timeout_fallback"
)

// Order captures a placed (or attempted) gift order.
type Order struct {
	ID                          string
	OrderNumber                 string
	UserID                      string
	ExecutionID                 string
	Status                      OrderStatus
	PaymentStatus               PaymentStatus
	OrderMethod                 string
	PaymentIntentID             string
	FulfillmentPartnerRequestID string
	FulfillmentPartnerOrderID   string
	AmountCents                 int64
	CurrencyCode                string
	AbortMethod                 AbortMethod
	RetryCount                  int
	LastFailureReason           string
	Metadata                    map[string]string
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
	ShippedAt                   *time.Time
	DeliveredAt                 *time.Time
	CancelledAt                 *time.Time
	AbortedAt                   *time.Time
}

// NoteType classifies order notes.
type NoteType string

const (
	// NoteTypeSystem covers routine lifecycle annotations.
	NoteTypeSystem NoteType = "system"
	// NoteTypeSecurityAlert flags forbidden fulfillment method conversions.
	NoteTypeSecurityAlert NoteType = "security_alert"
	// NoteTypeAdminAction records privileged operator interventions.
	NoteTypeAdminAction NoteType = "admin_action"
	// NoteTypeAbort records abort attempts and outcomes.
	NoteTypeAbort NoteType = "abort"
	// NoteTypeCancellation records cancellation attempts and webhook resolutions.
	NoteTypeCancellation NoteType = "cancellation"
	// NoteTypeRetry records retry attempts and outcomes.
	NoteTypeRetry NoteType = "retry"
	// NoteTypeRefund records refund escrow activity.
	NoteTypeRefund NoteType = "refund"
)

// OrderNote is an append-only annotation on an order. Notes are never updated
// or deleted once written.
type OrderNote struct {
	ID        string
	OrderID   string
	NoteType  NoteType
	Body      string
	Actor     string
	CreatedAt time.Time
}

// RefundStatus enumerates refund escrow states.
type RefundStatus string

const (
	// RefundStatusPending awaits settlement.
	RefundStatusPending RefundStatus = "pending"
	// RefundStatusApproved means an operator approved and the gateway call is underway.
	RefundStatusApproved RefundStatus = "approved"
	// RefundStatusRejected is terminal: an operator declined the refund.
	RefundStatusRejected RefundStatus = "rejected"
	// RefundStatusCompleted is terminal: the gateway confirmed the refund.
	RefundStatusCompleted RefundStatus = "completed"
	// RefundStatusFailed is terminal: the gateway rejected the refund. Failed
	// refunds are never retried automatically.
	RefundStatusFailed RefundStatus = "failed"
)

// RefundRequest holds a refund in escrow until an operator settles it.
type RefundRequest struct {
	ID              string
	OrderID         string
	AmountCents     int64
	CurrencyCode    string
	Reason          string
	Status          RefundStatus
	GatewayRefundID string
	RequestedBy     string
	SettledBy       string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SettledAt       *time.Time
}

// AuditLogEntry captures privileged or security-relevant activity.
type AuditLogEntry struct {
	ID         string
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Detail     map[string]any
	CreatedAt  time.Time
}
