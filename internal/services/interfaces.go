package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/giftwell/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	AutoGiftRule    = domain.AutoGiftRule
	CalendarEvent   = domain.CalendarEvent
	Execution       = domain.Execution
	ExecutionStatus = domain.ExecutionStatus
	Order           = domain.Order
	OrderStatus     = domain.OrderStatus
	OrderNote       = domain.OrderNote
	PaymentStatus   = domain.PaymentStatus
	RefundRequest   = domain.RefundRequest
	RefundStatus    = domain.RefundStatus
	AuditLogEntry   = domain.AuditLogEntry
	Pagination      = domain.Pagination
)

// Error taxonomy. Specific sentinels wrap one of these four so callers can
// classify with errors.Is at either granularity.
var (
	// ErrValidation covers caller mistakes: unknown ids, illegal state for
	// the requested operation, malformed input.
	ErrValidation = errors.New("services: validation error")
	// ErrExternalPartner covers fulfillment partner failures and timeouts.
	ErrExternalPartner = errors.New("services: external partner error")
	// ErrPayment covers payment gateway failures and unconfirmed payments.
	ErrPayment = errors.New("services: payment error")
	// ErrInvariantViolation covers states that should be unreachable; these
	// are bugs or data corruption, never user error.
	ErrInvariantViolation = errors.New("services: invariant violation")
)

// SchedulerService materialises upcoming rule×event matches into executions.
type SchedulerService interface {
	// RunDailyCheck scans enabled rules against calendar events inside the
	// lookahead window and inserts one execution per match. Inserting an
	// execution that already exists counts as a skip; a failure on one pair
	// never aborts the rest of the run.
	RunDailyCheck(ctx context.Context, cmd RunDailyCheckCommand) (DailyCheckResult, error)
}

// RunDailyCheckCommand parameterises a scheduler run.
type RunDailyCheckCommand struct {
	// LookaheadDays bounds the event window; zero means the default of 7.
	LookaheadDays int
	// UserFilter restricts the run to the given user ids; empty means all.
	UserFilter []string
	// TriggeredBy identifies the initiator (cron identity or operator).
	TriggeredBy string
}

// DailyCheckResult summarises one scheduler run.
type DailyCheckResult struct {
	RunID               string
	Created             int
	Skipped             int
	Failed              int
	CreatedExecutionIDs []string
}

// ExecutionProcessorService turns dispatched executions into placed orders.
type ExecutionProcessorService interface {
	// ProcessExecution runs the full pipeline: approval policy, gift
	// selection, payment capture, order creation, partner submission.
	ProcessExecution(ctx context.Context, executionID string) (Execution, error)
	// ForceProcess bypasses the approval hold (never the method guard) for an
	// operator with elevated permission. The action is audit-logged and
	// annotated on the resulting order.
	ForceProcess(ctx context.Context, cmd ForceProcessCommand) (Execution, error)
	// ForceProcessOrder pushes a stuck order to the partner without the
	// funding precheck. Only verified-paid orders qualify: the capture step is
	// skipped precisely because the payment already succeeded. The guard still
	// runs, and the action is audit-logged and noted on the order.
	ForceProcessOrder(ctx context.Context, cmd ForceProcessOrderCommand) (Order, error)
}

// ForceProcessCommand identifies the execution and the operator forcing it.
type ForceProcessCommand struct {
	ExecutionID string
	ActorID     string
	Reason      string
}

// ForceProcessOrderCommand identifies the order and the operator forcing it.
type ForceProcessOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// GiftSelection is the concrete purchasable a selector picked for a rule.
type GiftSelection struct {
	ProductRef  string
	Description string
	PriceCents  int64
	Currency    string
}

// GiftSelector chooses a gift for a rule and event. Selection strategy is a
// black box behind this interface.
type GiftSelector interface {
	SelectGift(ctx context.Context, rule AutoGiftRule, event CalendarEvent) (GiftSelection, error)
}

// AbortAction is the recommended path out of an order, if any.
type AbortAction string

const (
	// AbortActionCancel means no partner request exists; cancel locally.
	AbortActionCancel AbortAction = "cancel"
	// AbortActionAbort means the partner holds an uncommitted order; abort it.
	AbortActionAbort AbortAction = "abort"
	// AbortActionNone means no stop is possible from the current state.
	AbortActionNone AbortAction = "none"
)

// AbortEligibilityResult reports whether and how an order can be stopped.
// CanAbort and CanCancel are independent answers: an order the partner has
// not committed can be aborted in place, while a locally pending, failed or
// retry_pending order can be cancelled even when the partner already holds a
// submission. Action is the recommended stop, preferring abort over cancel.
type AbortEligibilityResult struct {
	Eligible  bool
	CanAbort  bool
	CanCancel bool
	Action    AbortAction
	Reason    string
}

// OrderLifecycleService owns order state transitions after placement.
type OrderLifecycleService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[Order], error)
	ListNotes(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderNote], error)

	// AbortEligibility evaluates the stop decision table without side effects.
	AbortEligibility(ctx context.Context, orderID string) (AbortEligibilityResult, error)
	// PerformAbort stops the order at the partner, polling when the partner
	// answers pending. An exhausted polling budget downgrades to a local
	// cancellation recorded with the timeout_fallback abort method.
	PerformAbort(ctx context.Context, cmd AbortOrderCommand) (Order, error)
	// Cancel requests an asynchronous partner cancellation; the order parks in
	// cancellation_pending until the partner webhook resolves it.
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	// Retry re-attempts a failed order. Concurrent retries are rejected; an
	// unconfirmed payment fails fast before any partner call.
	Retry(ctx context.Context, cmd RetryOrderCommand) (Order, error)
	// CheckStatus reconciles local fulfillment state against the partner.
	// Partner state wins for fulfillment; payment status and terminal local
	// states are never regressed.
	CheckStatus(ctx context.Context, orderID string) (Order, error)
	// HandlePartnerCallback applies a webhook resolution idempotently.
	HandlePartnerCallback(ctx context.Context, cmd PartnerCallbackCommand) (Order, error)
}

// OrderListQuery filters order listings.
type OrderListQuery struct {
	UserID     string
	Status     []OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

// AbortOrderCommand identifies the order and actor for an abort.
type AbortOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// CancelOrderCommand identifies the order and actor for a cancellation.
type CancelOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// RetryOrderCommand controls a retry attempt.
type RetryOrderCommand struct {
	OrderID string
	ActorID string
	// UseNativeRetry replays the original partner payload via the partner's
	// retry endpoint instead of submitting a fresh order.
	UseNativeRetry bool
}

// CallbackResolution is the partner's verdict on an async operation.
type CallbackResolution string

const (
	// CallbackResolutionSucceeded confirms the requested operation.
	CallbackResolutionSucceeded CallbackResolution = "succeeded"
	// CallbackResolutionFailed means the partner could not perform it.
	CallbackResolutionFailed CallbackResolution = "failed"
)

// PartnerCallbackCommand carries the webhook payload after authentication.
type PartnerCallbackCommand struct {
	RequestID  string
	Resolution CallbackResolution
	// ClientNotes round-trips whatever was sent at submission, including the
	// order id and number used as a fallback lookup.
	ClientNotes map[string]string
}

// MethodValidationResult reports a guard check outcome.
type MethodValidationResult struct {
	IsValid     bool
	OrderMethod string
	Converted   bool
}

// MethodGuardHealth aggregates guard activity over a reporting window.
type MethodGuardHealth struct {
	WindowDays        int
	CountsByMethod    map[string]int64
	Conversions       int64
	LastForbiddenSeen *time.Time
	// HardAlert is raised when a forbidden method value was observed within
	// the last 24 hours.
	HardAlert bool
}

// MethodGuardService enforces the single valid fulfillment method.
type MethodGuardService interface {
	// ValidateOrderMethod checks the order's method, rewriting the forbidden
	// legacy value in a single conditional update and flagging the rewrite
	// with a security_alert note.
	ValidateOrderMethod(ctx context.Context, orderID string) (MethodValidationResult, error)
	GetHealthMetrics(ctx context.Context, windowDays int) (MethodGuardHealth, error)
}

// RequestRefundCommand opens a refund escrow entry.
type RequestRefundCommand struct {
	OrderID     string
	AmountCents int64
	Reason      string
	RequestedBy string
}

// SettleDecision is the operator's verdict on a pending refund.
type SettleDecision string

const (
	// SettleApprove releases the refund to the payment gateway.
	SettleApprove SettleDecision = "approve"
	// SettleReject closes the request without refunding.
	SettleReject SettleDecision = "reject"
)

// SettleRefundCommand settles a pending refund request.
type SettleRefundCommand struct {
	RefundRequestID string
	Decision        SettleDecision
	ActorID         string
	Note            string
}

// RefundEscrowService holds refunds pending manual settlement.
type RefundEscrowService interface {
	RequestRefund(ctx context.Context, cmd RequestRefundCommand) (RefundRequest, error)
	// Settle resolves a pending request. Exactly one concurrent settlement
	// wins; approval triggers the gateway refund, completion marks the order
	// refunded, and a gateway failure parks the request in failed without
	// automatic retry.
	Settle(ctx context.Context, cmd SettleRefundCommand) (RefundRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]RefundRequest, error)
}

// AuditLogRecord captures a privileged action for the audit trail.
type AuditLogRecord struct {
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Detail     map[string]any
}

// AuditLogQuery filters audit log listings.
type AuditLogQuery struct {
	TargetRef  string
	Actor      string
	Action     string
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

// AuditLogService persists and lists immutable audit entries.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord) (AuditLogEntry, error)
	List(ctx context.Context, query AuditLogQuery) (domain.CursorPage[AuditLogEntry], error)
}

// ExecutionDispatcher hands scheduled executions to the processor queue.
// Publishing is fire-and-forget from the scheduler's perspective: a dispatch
// failure is logged and retried on the next run, never surfaced to callers.
type ExecutionDispatcher interface {
	DispatchExecution(ctx context.Context, execution Execution) error
}

// Notification is an outbound user-facing message.
type Notification struct {
	UserID   string
	Kind     string
	Subject  string
	Body     string
	Metadata map[string]string
}

// NotificationPublisher enqueues notifications for asynchronous delivery.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, notification Notification) error
}

// SystemService reports dependency health for readiness checks.
type SystemService interface {
	Health(ctx context.Context) (domain.SystemHealthReport, error)
}
