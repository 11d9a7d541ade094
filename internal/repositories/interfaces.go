package repositories

import (
	"context"
	"time"

	domain "github.com/giftwell/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Rules() RuleRepository
	Events() EventRepository
	Executions() ExecutionRepository
	Orders() OrderRepository
	OrderNotes() OrderNoteRepository
	RefundRequests() RefundRequestRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RuleRepository stores auto-gift rules.
type RuleRepository interface {
	Insert(ctx context.Context, rule domain.AutoGiftRule) error
	Update(ctx context.Context, rule domain.AutoGiftRule) error
	FindByID(ctx context.Context, ruleID string) (domain.AutoGiftRule, error)
	// ListEnabled returns enabled rules, optionally restricted to a set of user
	// IDs. An empty userFilter means all users.
	ListEnabled(ctx context.Context, userFilter []string) ([]domain.AutoGiftRule, error)
}

// EventRepository stores calendar events whose next occurrence is already resolved.
type EventRepository interface {
	Insert(ctx context.Context, event domain.CalendarEvent) error
	FindByID(ctx context.Context, eventID string) (domain.CalendarEvent, error)
	// ListUpcoming returns events with EventDate inside [from, to], ordered by
	// EventDate ascending.
	ListUpcoming(ctx context.Context, from, to time.Time) ([]domain.CalendarEvent, error)
}

// ExecutionRepository persists scheduled executions. Insert must fail with a
// RepositoryError reporting IsConflict when an execution already exists for
// the same (ruleID, eventID, executionDate) key; the scheduler counts that as
// a skip, never a duplicate.
type ExecutionRepository interface {
	Insert(ctx context.Context, execution domain.Execution) error
	Update(ctx context.Context, execution domain.Execution) error
	FindByID(ctx context.Context, executionID string) (domain.Execution, error)
	FindByKey(ctx context.Context, ruleID, eventID string, executionDate time.Time) (domain.Execution, error)
	ListByRun(ctx context.Context, runID string) ([]domain.Execution, error)
	List(ctx context.Context, filter ExecutionListFilter) (domain.CursorPage[domain.Execution], error)
	// UpdateStatusIf transitions the execution from one of the expected
	// statuses to the target, applying mutate inside the same transaction.
	// It fails with IsConflict when the current status is not in from.
	UpdateStatusIf(ctx context.Context, executionID string, from []domain.ExecutionStatus, to domain.ExecutionStatus, mutate func(*domain.Execution)) (domain.Execution, error)
}

// OrderRepository persists order headers and provides the conditional updates
// the lifecycle controller and method guard rely on for per-order
// serialisation.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPartnerRequestID(ctx context.Context, requestID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// UpdateStatusIf performs a transactional compare-and-set: the order moves
	// from one of the expected statuses to the target, with mutate applied to
	// the rest of the document inside the same transaction. A precondition
	// miss surfaces as a RepositoryError reporting IsConflict.
	UpdateStatusIf(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, mutate func(*domain.Order)) (domain.Order, error)
	// SetOrderMethodIf rewrites OrderMethod from one exact value to another in
	// a single conditional update. It reports false (without error) when the
	// stored value no longer matches from, which is how concurrent guard
	// conversions collapse to one winner.
	SetOrderMethodIf(ctx context.Context, orderID string, from, to string) (bool, error)
	// CountByMethodSince returns per-method order counts plus the most recent
	// time each method was written, for guard health metrics.
	CountByMethodSince(ctx context.Context, since time.Time) (MethodCounts, error)
}

// MethodCounts aggregates fulfillment method usage for guard health checks.
// Conversions counts forbidden-method rewrites in the window; a rewritten
// order carries the supported method afterwards, so the tally comes from the
// security alert notes the rewrites leave behind.
type MethodCounts struct {
	ByMethod    map[string]int64
	LastSeen    map[string]time.Time
	Conversions int64
}

// OrderNoteRepository is append-only: notes are immutable once written.
type OrderNoteRepository interface {
	Append(ctx context.Context, note domain.OrderNote) error
	ListByOrder(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderNote], error)
}

// RefundRequestRepository persists refund escrow records.
type RefundRequestRepository interface {
	Insert(ctx context.Context, req domain.RefundRequest) error
	FindByID(ctx context.Context, refundRequestID string) (domain.RefundRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error)
	// UpdateStatusIf is the settlement compare-and-set: exactly one concurrent
	// settle wins the pending→approved|rejected transition, the rest observe
	// IsConflict.
	UpdateStatusIf(ctx context.Context, refundRequestID string, from []domain.RefundStatus, to domain.RefundStatus, mutate func(*domain.RefundRequest)) (domain.RefundRequest, error)
	// SumSettledByOrder totals amounts in completed or approved state for the
	// order, used to cap new requests at captured minus already refunded.
	SumSettledByOrder(ctx context.Context, orderID string) (int64, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Method     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type ExecutionListFilter struct {
	UserID     string
	Status     []domain.ExecutionStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
