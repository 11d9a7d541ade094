package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/fulfillment"
	"github.com/giftwell/api/internal/platform/poll"
	"github.com/giftwell/api/internal/repositories"
)

const (
	defaultAbortPollInterval  = 10 * time.Second
	defaultAbortPollAttempts  = 12
	defaultRetryTimeout       = 2 * time.Minute
	defaultPartnerCallTimeout = 15 * time.Second
)

// Lifecycle sentinels. Each wraps one of the taxonomy roots.
var (
	// ErrOrderNotFound means the order id resolved to nothing.
	ErrOrderNotFound = fmt.Errorf("%w: order not found", ErrValidation)
	// ErrOrderStateConflict means the order moved underneath the caller.
	ErrOrderStateConflict = fmt.Errorf("%w: order state conflict", ErrValidation)
	// ErrOrderInvalidInput flags malformed lifecycle commands.
	ErrOrderInvalidInput = fmt.Errorf("%w: order invalid input", ErrValidation)
	// ErrAbortNotEligible means the decision table yielded no stop action.
	ErrAbortNotEligible = fmt.Errorf("%w: order is not eligible for abort", ErrValidation)
	// ErrRetryInProgress rejects a retry racing another retry.
	ErrRetryInProgress = fmt.Errorf("%w: retry already in progress", ErrValidation)
	// ErrRetryTimedOut means the retry deadline elapsed before the partner answered.
	ErrRetryTimedOut = fmt.Errorf("%w: retry timed out", ErrExternalPartner)
	// ErrPaymentNotConfirmed fails a retry fast when funds were never captured.
	ErrPaymentNotConfirmed = fmt.Errorf("%w: payment not confirmed", ErrPayment)
	// ErrPartnerUnavailable wraps partner transport and server failures.
	ErrPartnerUnavailable = fmt.Errorf("%w: partner unavailable", ErrExternalPartner)
)

// orderStateTransitions is the legal transition table. Terminal states carry
// no outgoing edges, which is what enforces monotonicity.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {
		domain.OrderStatusProcessing,
		domain.OrderStatusFailed,
		domain.OrderStatusCancellationPending,
		domain.OrderStatusCancelled,
		domain.OrderStatusAborted,
	},
	domain.OrderStatusProcessing: {
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusFailed,
		domain.OrderStatusCancellationPending,
		domain.OrderStatusAborted,
	},
	domain.OrderStatusShipped: {
		domain.OrderStatusDelivered,
		domain.OrderStatusFailed,
	},
	domain.OrderStatusFailed: {
		domain.OrderStatusRetryPending,
		domain.OrderStatusCancellationPending,
		domain.OrderStatusCancelled,
		domain.OrderStatusAborted,
	},
	domain.OrderStatusRetryPending: {
		domain.OrderStatusProcessing,
		domain.OrderStatusFailed,
		domain.OrderStatusCancellationPending,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusCancellationPending: {
		domain.OrderStatusCancelled,
		domain.OrderStatusProcessing,
	},
	domain.OrderStatusCancelled: {},
	domain.OrderStatusDelivered: {},
	domain.OrderStatusAborted:   {},
}

func canTransition(from, to domain.OrderStatus) bool {
	for _, candidate := range orderStateTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// OrderLifecycleServiceDeps wires the lifecycle controller's collaborators.
type OrderLifecycleServiceDeps struct {
	Orders        repositories.OrderRepository
	Notes         repositories.OrderNoteRepository
	Partner       fulfillment.Provider
	Refunds       RefundEscrowService
	Notifications NotificationPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger

	// AbortPollInterval and AbortPollAttempts bound the wait for a pending
	// partner abort; the defaults give a two minute budget.
	AbortPollInterval  time.Duration
	AbortPollAttempts  int
	RetryTimeout       time.Duration
	PartnerCallTimeout time.Duration
}

type orderLifecycleService struct {
	orders        repositories.OrderRepository
	notes         repositories.OrderNoteRepository
	partner       fulfillment.Provider
	refunds       RefundEscrowService
	notifications NotificationPublisher
	clock         func() time.Time
	idGen         func() string
	logger        Logger

	abortPollInterval  time.Duration
	abortPollAttempts  int
	retryTimeout       time.Duration
	partnerCallTimeout time.Duration
}

var _ OrderLifecycleService = (*orderLifecycleService)(nil)

// NewOrderLifecycleService constructs the lifecycle controller.
func NewOrderLifecycleService(deps OrderLifecycleServiceDeps) (OrderLifecycleService, error) {
	if deps.Orders == nil {
		return nil, errors.New("lifecycle service: order repository is required")
	}
	if deps.Notes == nil {
		return nil, errors.New("lifecycle service: order note repository is required")
	}
	if deps.Partner == nil {
		return nil, errors.New("lifecycle service: fulfillment provider is required")
	}
	if deps.IDGenerator == nil {
		return nil, errors.New("lifecycle service: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	pollInterval := deps.AbortPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultAbortPollInterval
	}
	pollAttempts := deps.AbortPollAttempts
	if pollAttempts <= 0 {
		pollAttempts = defaultAbortPollAttempts
	}
	retryTimeout := deps.RetryTimeout
	if retryTimeout <= 0 {
		retryTimeout = defaultRetryTimeout
	}
	callTimeout := deps.PartnerCallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultPartnerCallTimeout
	}

	return &orderLifecycleService{
		orders:             deps.Orders,
		notes:              deps.Notes,
		partner:            deps.Partner,
		refunds:            deps.Refunds,
		notifications:      deps.Notifications,
		clock:              func() time.Time { return clock().UTC() },
		idGen:              deps.IDGenerator,
		logger:             logger,
		abortPollInterval:  pollInterval,
		abortPollAttempts:  pollAttempts,
		retryTimeout:       retryTimeout,
		partnerCallTimeout: callTimeout,
	}, nil
}

func (s *orderLifecycleService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return s.loadOrder(ctx, orderID)
}

func (s *orderLifecycleService) ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[Order], error) {
	filter := repositories.OrderListFilter{
		UserID:     strings.TrimSpace(query.UserID),
		Status:     query.Status,
		DateRange:  domain.RangeQuery[time.Time]{From: query.From, To: query.To},
		Pagination: query.Pagination,
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, fmt.Errorf("lifecycle: list orders: %w", err)
	}
	return page, nil
}

func (s *orderLifecycleService) ListNotes(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderNote], error) {
	if _, err := s.loadOrder(ctx, orderID); err != nil {
		return domain.CursorPage[OrderNote]{}, err
	}
	page, err := s.notes.ListByOrder(ctx, orderID, pager)
	if err != nil {
		return domain.CursorPage[OrderNote]{}, fmt.Errorf("lifecycle: list notes: %w", err)
	}
	return page, nil
}

// AbortEligibility evaluates the stop decision table. Orders that never
// reached the partner can be cancelled locally; orders the partner holds but
// has not finished can be aborted; an order the partner has already committed
// can still be cancelled while the local state is pending, failed or
// retry_pending.
func (s *orderLifecycleService) AbortEligibility(ctx context.Context, orderID string) (AbortEligibilityResult, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return AbortEligibilityResult{}, err
	}
	return s.evaluateEligibility(ctx, order)
}

// cancellableLocally reports the local states the cancel answer accepts,
// independent of what the partner says.
func cancellableLocally(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusFailed, domain.OrderStatusRetryPending:
		return true
	default:
		return false
	}
}

func (s *orderLifecycleService) evaluateEligibility(ctx context.Context, order Order) (AbortEligibilityResult, error) {
	if order.Status.IsTerminal() {
		return AbortEligibilityResult{Action: AbortActionNone, Reason: "order already in terminal state"}, nil
	}

	if order.FulfillmentPartnerRequestID == "" {
		if cancellableLocally(order.Status) {
			return AbortEligibilityResult{
				Eligible:  true,
				CanCancel: true,
				Action:    AbortActionCancel,
				Reason:    "no partner submission exists",
			}, nil
		}
		return AbortEligibilityResult{Action: AbortActionNone, Reason: "order has no partner submission and cannot be stopped from this state"}, nil
	}

	status, err := s.pollPartner(ctx, order.FulfillmentPartnerRequestID)
	if err != nil {
		return AbortEligibilityResult{}, err
	}

	canAbort := !status.Status.Terminal() &&
		(order.Status == domain.OrderStatusPending || order.Status == domain.OrderStatusProcessing)
	canCancel := cancellableLocally(order.Status)

	result := AbortEligibilityResult{
		Eligible:  canAbort || canCancel,
		CanAbort:  canAbort,
		CanCancel: canCancel,
	}
	switch {
	case canAbort:
		result.Action = AbortActionAbort
		result.Reason = "partner holds an uncommitted order"
	case canCancel:
		result.Action = AbortActionCancel
		result.Reason = "partner already committed the order; a cancellation can still be requested"
	default:
		result.Action = AbortActionNone
		result.Reason = "neither abort nor cancellation is possible from this state"
	}
	return result, nil
}

// PerformAbort stops the order per the eligibility decision. A partner
// "pending" answer is polled on a fixed budget; exhausting it downgrades the
// stop to a local cancellation recorded as timeout_fallback. An order note is
// written on every outcome, success or failure.
func (s *orderLifecycleService) PerformAbort(ctx context.Context, cmd AbortOrderCommand) (Order, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actor := actorOrSystem(cmd.ActorID)

	eligibility, err := s.evaluateEligibility(ctx, order)
	if err != nil {
		return Order{}, err
	}
	if !eligibility.Eligible {
		s.appendNote(ctx, order.ID, domain.NoteTypeAbort, "abort refused: "+eligibility.Reason, actor)
		return Order{}, fmt.Errorf("%w: %s", ErrAbortNotEligible, eligibility.Reason)
	}

	switch eligibility.Action {
	case AbortActionCancel:
		if order.FulfillmentPartnerRequestID != "" {
			// The partner already committed, so the only stop left is the
			// asynchronous cancellation flow.
			return s.Cancel(ctx, CancelOrderCommand(cmd))
		}
		return s.abortLocally(ctx, order, actor, cmd.Reason)
	case AbortActionAbort:
		return s.abortAtPartner(ctx, order, actor)
	default:
		return Order{}, fmt.Errorf("%w: unexpected abort action %q", ErrInvariantViolation, eligibility.Action)
	}
}

func (s *orderLifecycleService) abortLocally(ctx context.Context, order Order, actor, reason string) (Order, error) {
	now := s.clock()
	updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusFailed, domain.OrderStatusRetryPending},
		domain.OrderStatusAborted,
		func(o *domain.Order) {
			o.AbortMethod = domain.AbortMethodImmediate
			o.AbortedAt = valuePtr(now)
			o.UpdatedAt = now
		})
	if err != nil {
		return Order{}, s.mapOrderError(err)
	}

	body := "order aborted before partner submission"
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		body += ": " + trimmed
	}
	s.appendNote(ctx, order.ID, domain.NoteTypeAbort, body, actor)
	s.maybeRequestRefund(ctx, updated, actor, "order aborted")
	s.logger(ctx, "order.aborted", map[string]any{
		"orderId": order.ID,
		"method":  string(domain.AbortMethodImmediate),
	})
	return updated, nil
}

func (s *orderLifecycleService) abortAtPartner(ctx context.Context, order Order, actor string) (Order, error) {
	outcome, err := s.abortPartnerOrder(ctx, order.FulfillmentPartnerRequestID)
	if err != nil {
		s.appendNote(ctx, order.ID, domain.NoteTypeAbort, "abort request failed: "+err.Error(), actor)
		return Order{}, err
	}

	switch outcome {
	case fulfillment.AbortImmediate:
		return s.finishAbort(ctx, order, actor, domain.AbortMethodImmediate)
	case fulfillment.AbortRejected:
		s.appendNote(ctx, order.ID, domain.NoteTypeAbort, "abort rejected: partner already committed the order", actor)
		return Order{}, fmt.Errorf("%w: partner rejected the abort", ErrAbortNotEligible)
	case fulfillment.AbortPending:
		return s.awaitAbort(ctx, order, actor)
	default:
		return Order{}, fmt.Errorf("%w: unexpected abort outcome %q", ErrInvariantViolation, outcome)
	}
}

// awaitAbort polls the partner until it reports the order stopped. Budget
// exhaustion falls back to cancelling the order locally: the partner may yet
// ship, so the stronger aborted state is not claimed.
func (s *orderLifecycleService) awaitAbort(ctx context.Context, order Order, actor string) (Order, error) {
	var last fulfillment.StatusResult
	err := poll.Run(ctx, poll.Config{Interval: s.abortPollInterval, MaxAttempts: s.abortPollAttempts},
		func(ctx context.Context, attempt int) (bool, error) {
			status, pollErr := s.pollPartner(ctx, order.FulfillmentPartnerRequestID)
			if pollErr != nil {
				// Transient partner failures consume the attempt rather than
				// aborting the wait.
				s.logger(ctx, "order.abort.poll_error", map[string]any{
					"orderId": order.ID,
					"attempt": attempt,
					"error":   pollErr.Error(),
				})
				return false, nil
			}
			last = status
			return status.Status == fulfillment.StatusAborted || status.Status == fulfillment.StatusCancelled, nil
		})

	switch {
	case err == nil:
		return s.finishAbort(ctx, order, actor, domain.AbortMethodPolled)
	case errors.Is(err, poll.ErrBudgetExhausted):
		return s.abortTimeoutFallback(ctx, order, actor, last)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Order{}, fmt.Errorf("%w: abort polling interrupted: %v", ErrPartnerUnavailable, err)
	default:
		return Order{}, err
	}
}

func (s *orderLifecycleService) finishAbort(ctx context.Context, order Order, actor string, method domain.AbortMethod) (Order, error) {
	now := s.clock()
	updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing},
		domain.OrderStatusAborted,
		func(o *domain.Order) {
			o.AbortMethod = method
			o.AbortedAt = valuePtr(now)
			o.UpdatedAt = now
		})
	if err != nil {
		return Order{}, s.mapOrderError(err)
	}

	s.appendNote(ctx, order.ID, domain.NoteTypeAbort, "order aborted at partner ("+string(method)+")", actor)
	s.maybeRequestRefund(ctx, updated, actor, "order aborted")
	s.logger(ctx, "order.aborted", map[string]any{
		"orderId": order.ID,
		"method":  string(method),
	})
	return updated, nil
}

// abortTimeoutFallback cancels locally after the polling budget runs out. The
// resulting state is cancelled with abort method timeout_fallback, never
// aborted.
func (s *orderLifecycleService) abortTimeoutFallback(ctx context.Context, order Order, actor string, last fulfillment.StatusResult) (Order, error) {
	now := s.clock()
	updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing},
		domain.OrderStatusCancelled,
		func(o *domain.Order) {
			o.AbortMethod = domain.AbortMethodTimeoutFallback
			o.CancelledAt = valuePtr(now)
			o.UpdatedAt = now
		})
	if err != nil {
		return Order{}, s.mapOrderError(err)
	}

	body := "abort polling budget exhausted; order cancelled locally"
	if last.Status != "" {
		body += " (last partner status: " + string(last.Status) + ")"
	}
	s.appendNote(ctx, order.ID, domain.NoteTypeAbort, body, actor)
	s.maybeRequestRefund(ctx, updated, actor, "order cancelled after abort timeout")
	s.logger(ctx, "order.abort.timeout_fallback", map[string]any{
		"orderId": order.ID,
	})
	return updated, nil
}

// Cancel requests an asynchronous partner cancellation. The order parks in
// cancellation_pending until HandlePartnerCallback resolves it. Repeating the
// call while a cancellation is pending is a no-op.
func (s *orderLifecycleService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actor := actorOrSystem(cmd.ActorID)

	if order.Status == domain.OrderStatusCancellationPending {
		return order, nil
	}
	if order.Status.IsTerminal() {
		return Order{}, fmt.Errorf("%w: order already %s", ErrOrderStateConflict, order.Status)
	}

	if order.FulfillmentPartnerRequestID == "" {
		now := s.clock()
		updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
			[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusFailed, domain.OrderStatusRetryPending},
			domain.OrderStatusCancelled,
			func(o *domain.Order) {
				o.CancelledAt = valuePtr(now)
				o.UpdatedAt = now
			})
		if err != nil {
			return Order{}, s.mapOrderError(err)
		}
		s.appendNote(ctx, order.ID, domain.NoteTypeCancellation, cancelNoteBody("order cancelled locally", cmd.Reason), actor)
		s.maybeRequestRefund(ctx, updated, actor, "order cancelled")
		return updated, nil
	}

	// Any non-terminal state with a live partner request can ask for the
	// asynchronous cancellation, not just processing: a locally failed or
	// retry_pending order may still have an open submission at the partner.
	now := s.clock()
	updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{
			domain.OrderStatusPending,
			domain.OrderStatusProcessing,
			domain.OrderStatusFailed,
			domain.OrderStatusRetryPending,
		},
		domain.OrderStatusCancellationPending,
		func(o *domain.Order) {
			o.UpdatedAt = now
		})
	if err != nil {
		return Order{}, s.mapOrderError(err)
	}

	if err := s.cancelPartnerOrder(ctx, order.FulfillmentPartnerRequestID, cmd.Reason); err != nil {
		// Roll the park back so the order is not stranded waiting for a
		// callback that will never come.
		if _, rbErr := s.orders.UpdateStatusIf(ctx, order.ID,
			[]domain.OrderStatus{domain.OrderStatusCancellationPending},
			order.Status, nil); rbErr != nil {
			s.logger(ctx, "order.cancel.rollback_failed", map[string]any{
				"orderId": order.ID,
				"error":   rbErr.Error(),
			})
		}
		s.appendNote(ctx, order.ID, domain.NoteTypeCancellation, "cancellation request failed: "+err.Error(), actor)
		return Order{}, err
	}

	s.appendNote(ctx, order.ID, domain.NoteTypeCancellation, cancelNoteBody("cancellation requested at partner", cmd.Reason), actor)
	s.logger(ctx, "order.cancellation_pending", map[string]any{
		"orderId":   order.ID,
		"requestId": order.FulfillmentPartnerRequestID,
	})
	return updated, nil
}

// Retry re-attempts a failed order. An unconfirmed payment fails fast before
// any partner traffic; a concurrent retry loses the compare-and-set into
// retry_pending and is rejected.
func (s *orderLifecycleService) Retry(ctx context.Context, cmd RetryOrderCommand) (Order, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actor := actorOrSystem(cmd.ActorID)

	if order.PaymentStatus != domain.PaymentStatusSucceeded {
		return Order{}, ErrPaymentNotConfirmed
	}

	now := s.clock()
	parked, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusFailed},
		domain.OrderStatusRetryPending,
		func(o *domain.Order) {
			o.UpdatedAt = now
		})
	if err != nil {
		if isRepoConflict(err) {
			current, loadErr := s.loadOrder(ctx, order.ID)
			if loadErr == nil && current.Status == domain.OrderStatusRetryPending {
				return Order{}, ErrRetryInProgress
			}
			return Order{}, fmt.Errorf("%w: order is not in a retryable state", ErrOrderStateConflict)
		}
		return Order{}, s.mapOrderError(err)
	}

	retryCtx, cancel := context.WithTimeout(ctx, s.retryTimeout)
	defer cancel()

	result, err := s.submitRetry(retryCtx, parked, cmd.UseNativeRetry)
	if err != nil {
		failure := err.Error()
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(retryCtx.Err(), context.DeadlineExceeded)
		if _, failErr := s.orders.UpdateStatusIf(ctx, order.ID,
			[]domain.OrderStatus{domain.OrderStatusRetryPending},
			domain.OrderStatusFailed,
			func(o *domain.Order) {
				o.LastFailureReason = failure
				o.UpdatedAt = s.clock()
			}); failErr != nil {
			s.logger(ctx, "order.retry.unpark_failed", map[string]any{
				"orderId": order.ID,
				"error":   failErr.Error(),
			})
		}
		if timedOut {
			s.appendNote(ctx, order.ID, domain.NoteTypeRetry, "retry timed out before the partner answered", actor)
			return Order{}, ErrRetryTimedOut
		}
		s.appendNote(ctx, order.ID, domain.NoteTypeRetry, "retry failed: "+failure, actor)
		return Order{}, err
	}

	updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusRetryPending},
		domain.OrderStatusProcessing,
		func(o *domain.Order) {
			o.FulfillmentPartnerRequestID = result.RequestID
			o.RetryCount++
			o.LastFailureReason = ""
			o.UpdatedAt = s.clock()
		})
	if err != nil {
		return Order{}, s.mapOrderError(err)
	}

	mode := "resubmitted"
	if cmd.UseNativeRetry {
		mode = "native retry"
	}
	s.appendNote(ctx, order.ID, domain.NoteTypeRetry, "retry accepted by partner ("+mode+")", actor)
	s.logger(ctx, "order.retry.accepted", map[string]any{
		"orderId":   order.ID,
		"requestId": result.RequestID,
		"native":    cmd.UseNativeRetry,
	})
	return updated, nil
}

func (s *orderLifecycleService) submitRetry(ctx context.Context, order Order, useNative bool) (fulfillment.SubmitResult, error) {
	if useNative {
		if order.FulfillmentPartnerRequestID == "" {
			return fulfillment.SubmitResult{}, fmt.Errorf("%w: native retry requires a previous partner request", ErrOrderInvalidInput)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.partnerCallTimeout)
		defer cancel()
		result, err := s.partner.RetryOrder(callCtx, order.FulfillmentPartnerRequestID)
		if err != nil {
			return fulfillment.SubmitResult{}, s.wrapPartnerError(err)
		}
		return result, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.partnerCallTimeout)
	defer cancel()
	result, err := s.partner.SubmitOrder(callCtx, fulfillment.SubmitRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		RecipientID:   order.Metadata["recipientId"],
		ProductRef:    order.Metadata["productRef"],
		MaxPriceCents: order.AmountCents,
		CurrencyCode:  order.CurrencyCode,
		ClientNotes: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		},
		IdempotencyKey: fmt.Sprintf("%s_retry_%d", order.ID, order.RetryCount+1),
	})
	if err != nil {
		return fulfillment.SubmitResult{}, s.wrapPartnerError(err)
	}
	return result, nil
}

// CheckStatus reconciles local fulfillment state with the partner's. The
// partner is authoritative for fulfillment, but terminal local states are
// never regressed and payment status is never derived from partner data.
func (s *orderLifecycleService) CheckStatus(ctx context.Context, orderID string) (Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.Status.IsTerminal() || order.FulfillmentPartnerRequestID == "" {
		return order, nil
	}

	status, err := s.pollPartner(ctx, order.FulfillmentPartnerRequestID)
	if err != nil {
		return Order{}, err
	}

	target, ok := localStatusFor(status.Status)
	if !ok || target == order.Status {
		return order, nil
	}
	if !canTransition(order.Status, target) {
		s.logger(ctx, "order.status.skipped_transition", map[string]any{
			"orderId": order.ID,
			"from":    string(order.Status),
			"to":      string(target),
		})
		return order, nil
	}

	now := s.clock()
	updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{order.Status}, target,
		func(o *domain.Order) {
			if status.PartnerOrderID != "" {
				o.FulfillmentPartnerOrderID = status.PartnerOrderID
			}
			switch target {
			case domain.OrderStatusShipped:
				o.ShippedAt = valuePtr(now)
			case domain.OrderStatusDelivered:
				o.DeliveredAt = valuePtr(now)
			case domain.OrderStatusCancelled:
				o.CancelledAt = valuePtr(now)
			case domain.OrderStatusFailed:
				o.LastFailureReason = status.Detail
			}
			o.UpdatedAt = now
		})
	if err != nil {
		if isRepoConflict(err) {
			// Someone else advanced the order; the fresh read is the answer.
			return s.loadOrder(ctx, orderID)
		}
		return Order{}, s.mapOrderError(err)
	}

	s.logger(ctx, "order.status.reconciled", map[string]any{
		"orderId": order.ID,
		"from":    string(order.Status),
		"to":      string(target),
	})
	return updated, nil
}

// HandlePartnerCallback resolves an asynchronous cancellation. Duplicate and
// late deliveries return the current order without re-applying side effects.
func (s *orderLifecycleService) HandlePartnerCallback(ctx context.Context, cmd PartnerCallbackCommand) (Order, error) {
	order, err := s.locateCallbackOrder(ctx, cmd)
	if err != nil {
		return Order{}, err
	}

	if order.Status != domain.OrderStatusCancellationPending {
		// Already resolved (duplicate delivery) or the callback raced a
		// different transition; acknowledge without side effects.
		return order, nil
	}

	now := s.clock()
	switch cmd.Resolution {
	case CallbackResolutionSucceeded:
		updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
			[]domain.OrderStatus{domain.OrderStatusCancellationPending},
			domain.OrderStatusCancelled,
			func(o *domain.Order) {
				o.CancelledAt = valuePtr(now)
				o.UpdatedAt = now
			})
		if err != nil {
			if isRepoConflict(err) {
				return s.loadOrder(ctx, order.ID)
			}
			return Order{}, s.mapOrderError(err)
		}
		s.appendNote(ctx, order.ID, domain.NoteTypeCancellation, "partner confirmed the cancellation", "system:partner")
		s.maybeRequestRefund(ctx, updated, "system:partner", "order cancelled by partner confirmation")
		s.notifyCancellation(ctx, updated, true)
		return updated, nil

	case CallbackResolutionFailed:
		updated, err := s.orders.UpdateStatusIf(ctx, order.ID,
			[]domain.OrderStatus{domain.OrderStatusCancellationPending},
			domain.OrderStatusProcessing,
			func(o *domain.Order) {
				o.UpdatedAt = now
			})
		if err != nil {
			if isRepoConflict(err) {
				return s.loadOrder(ctx, order.ID)
			}
			return Order{}, s.mapOrderError(err)
		}
		s.appendNote(ctx, order.ID, domain.NoteTypeCancellation, "partner could not cancel; order resumed processing", "system:partner")
		s.notifyCancellation(ctx, updated, false)
		return updated, nil

	default:
		return Order{}, fmt.Errorf("%w: unknown callback resolution %q", ErrOrderInvalidInput, cmd.Resolution)
	}
}

func (s *orderLifecycleService) locateCallbackOrder(ctx context.Context, cmd PartnerCallbackCommand) (Order, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID != "" {
		order, err := s.orders.FindByPartnerRequestID(ctx, requestID)
		if err == nil {
			return order, nil
		}
		if !isRepoNotFound(err) {
			return Order{}, fmt.Errorf("lifecycle: find by request id: %w", err)
		}
	}

	// The client notes round-trip the order id for exactly this fallback.
	if orderID := strings.TrimSpace(cmd.ClientNotes["orderId"]); orderID != "" {
		return s.loadOrder(ctx, orderID)
	}
	return Order{}, fmt.Errorf("%w: callback matches no order", ErrOrderNotFound)
}

// Helpers -------------------------------------------------------------------

func (s *orderLifecycleService) loadOrder(ctx context.Context, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapOrderError(err)
	}
	return order, nil
}

func (s *orderLifecycleService) mapOrderError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrOrderNotFound
	case isRepoConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderStateConflict, err)
	default:
		return fmt.Errorf("lifecycle: %w", err)
	}
}

func (s *orderLifecycleService) pollPartner(ctx context.Context, requestID string) (fulfillment.StatusResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.partnerCallTimeout)
	defer cancel()
	status, err := s.partner.PollStatus(callCtx, requestID)
	if err != nil {
		return fulfillment.StatusResult{}, s.wrapPartnerError(err)
	}
	return status, nil
}

func (s *orderLifecycleService) abortPartnerOrder(ctx context.Context, requestID string) (fulfillment.AbortOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.partnerCallTimeout)
	defer cancel()
	outcome, err := s.partner.AbortOrder(callCtx, requestID)
	if err != nil {
		return "", s.wrapPartnerError(err)
	}
	return outcome, nil
}

func (s *orderLifecycleService) cancelPartnerOrder(ctx context.Context, requestID, reason string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.partnerCallTimeout)
	defer cancel()
	if err := s.partner.CancelOrder(callCtx, requestID, reason); err != nil {
		return s.wrapPartnerError(err)
	}
	return nil
}

func (s *orderLifecycleService) wrapPartnerError(err error) error {
	return fmt.Errorf("%w: %v", ErrPartnerUnavailable, err)
}

// appendNote writes an order note best-effort. A note failure is logged, not
// surfaced: the lifecycle transition it documents has already happened.
func (s *orderLifecycleService) appendNote(ctx context.Context, orderID string, noteType domain.NoteType, body, actor string) {
	note := domain.OrderNote{
		ID:        "note_" + s.idGen(),
		OrderID:   orderID,
		NoteType:  noteType,
		Body:      body,
		Actor:     actor,
		CreatedAt: s.clock(),
	}
	if err := s.notes.Append(ctx, note); err != nil {
		s.logger(ctx, "order.note.append_failed", map[string]any{
			"orderId": orderID,
			"type":    string(noteType),
			"error":   err.Error(),
		})
	}
}

// maybeRequestRefund opens a refund escrow entry when the stopped order had
// captured funds. Failures are logged; the stop itself already succeeded.
func (s *orderLifecycleService) maybeRequestRefund(ctx context.Context, order Order, actor, reason string) {
	if s.refunds == nil || order.PaymentStatus != domain.PaymentStatusSucceeded {
		return
	}
	if _, err := s.refunds.RequestRefund(ctx, RequestRefundCommand{
		OrderID:     order.ID,
		AmountCents: order.AmountCents,
		Reason:      reason,
		RequestedBy: actor,
	}); err != nil {
		s.logger(ctx, "order.refund_request_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *orderLifecycleService) notifyCancellation(ctx context.Context, order Order, cancelled bool) {
	if s.notifications == nil {
		return
	}
	kind := "order_cancellation_failed"
	subject := "We could not cancel your gift order"
	if cancelled {
		kind = "order_cancelled"
		subject = "Your gift order was cancelled"
	}
	if err := s.notifications.PublishNotification(ctx, Notification{
		UserID:  order.UserID,
		Kind:    kind,
		Subject: subject,
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		},
	}); err != nil {
		s.logger(ctx, "order.notification_failed", map[string]any{
			"orderId": order.ID,
			"kind":    kind,
			"error":   err.Error(),
		})
	}
}

func localStatusFor(status fulfillment.Status) (domain.OrderStatus, bool) {
	switch status {
	case fulfillment.StatusProcessing:
		return domain.OrderStatusProcessing, true
	case fulfillment.StatusShipped:
		return domain.OrderStatusShipped, true
	case fulfillment.StatusDelivered:
		return domain.OrderStatusDelivered, true
	case fulfillment.StatusFailed:
		return domain.OrderStatusFailed, true
	case fulfillment.StatusCancelled:
		return domain.OrderStatusCancelled, true
	case fulfillment.StatusAborted:
		return domain.OrderStatusAborted, true
	default:
		return "", false
	}
}

func actorOrSystem(actorID string) string {
	if trimmed := strings.TrimSpace(actorID); trimmed != "" {
		return trimmed
	}
	return "system"
}

func cancelNoteBody(base, reason string) string {
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		return base + ": " + trimmed
	}
	return base
}
