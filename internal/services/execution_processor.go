package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/fulfillment"
	"github.com/giftwell/api/internal/payments"
	"github.com/giftwell/api/internal/repositories"
)

const orderNumberCounter = "order_number"

// Processor sentinels.
var (
	// ErrExecutionNotFound means the execution id resolved to nothing.
	ErrExecutionNotFound = fmt.Errorf("%w: execution not found", ErrValidation)
	// ErrExecutionNotProcessable rejects processing an execution outside the
	// dispatched or awaiting_approval states.
	ErrExecutionNotProcessable = fmt.Errorf("%w: execution is not processable", ErrValidation)
	// ErrGiftSelectionFailed wraps a selector that found nothing within budget.
	ErrGiftSelectionFailed = fmt.Errorf("%w: gift selection failed", ErrValidation)
	// ErrCaptureFailed wraps a payment capture refusal.
	ErrCaptureFailed = fmt.Errorf("%w: payment capture failed", ErrPayment)
)

// captureGateway abstracts payments.Manager for easier testing.
type captureGateway interface {
	Capture(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureRequest) (payments.PaymentDetails, error)
}

// ExecutionProcessorDeps wires the processor's collaborators.
type ExecutionProcessorDeps struct {
	Executions    repositories.ExecutionRepository
	Rules         repositories.RuleRepository
	Events        repositories.EventRepository
	Orders        repositories.OrderRepository
	Notes         repositories.OrderNoteRepository
	Counters      repositories.CounterRepository
	Selector      GiftSelector
	Guard         MethodGuardService
	Gateway       captureGateway
	Partner       fulfillment.Provider
	Audit         AuditLogService
	Notifications NotificationPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger
}

type executionProcessor struct {
	executions    repositories.ExecutionRepository
	rules         repositories.RuleRepository
	events        repositories.EventRepository
	orders        repositories.OrderRepository
	notes         repositories.OrderNoteRepository
	counters      repositories.CounterRepository
	selector      GiftSelector
	guard         MethodGuardService
	gateway       captureGateway
	partner       fulfillment.Provider
	audit         AuditLogService
	notifications NotificationPublisher
	clock         func() time.Time
	idGen         func() string
	logger        Logger
}

var _ ExecutionProcessorService = (*executionProcessor)(nil)

// NewExecutionProcessor constructs the execution processor.
func NewExecutionProcessor(deps ExecutionProcessorDeps) (ExecutionProcessorService, error) {
	switch {
	case deps.Executions == nil:
		return nil, errors.New("execution processor: execution repository is required")
	case deps.Rules == nil:
		return nil, errors.New("execution processor: rule repository is required")
	case deps.Events == nil:
		return nil, errors.New("execution processor: event repository is required")
	case deps.Orders == nil:
		return nil, errors.New("execution processor: order repository is required")
	case deps.Counters == nil:
		return nil, errors.New("execution processor: counter repository is required")
	case deps.Selector == nil:
		return nil, errors.New("execution processor: gift selector is required")
	case deps.Guard == nil:
		return nil, errors.New("execution processor: method guard is required")
	case deps.Gateway == nil:
		return nil, errors.New("execution processor: payment gateway is required")
	case deps.Partner == nil:
		return nil, errors.New("execution processor: fulfillment provider is required")
	case deps.IDGenerator == nil:
		return nil, errors.New("execution processor: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &executionProcessor{
		executions:    deps.Executions,
		rules:         deps.Rules,
		events:        deps.Events,
		orders:        deps.Orders,
		notes:         deps.Notes,
		counters:      deps.Counters,
		selector:      deps.Selector,
		guard:         deps.Guard,
		gateway:       deps.Gateway,
		partner:       deps.Partner,
		audit:         deps.Audit,
		notifications: deps.Notifications,
		clock:         func() time.Time { return clock().UTC() },
		idGen:         deps.IDGenerator,
		logger:        logger,
	}, nil
}

// ProcessExecution drives a dispatched execution to a gift order. A manual
// approval rule parks the execution in awaiting_approval instead; ForceProcess
// or an explicit approval resumes it.
func (p *executionProcessor) ProcessExecution(ctx context.Context, executionID string) (Execution, error) {
	execution, err := p.loadExecution(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}

	rule, err := p.rules.FindByID(ctx, execution.RuleID)
	if err != nil {
		return p.fail(ctx, execution, fmt.Sprintf("load rule: %v", err))
	}

	if rule.ApprovalMode == domain.ApprovalModeManual && execution.Status != domain.ExecutionStatusAwaitingApproval {
		return p.holdForApproval(ctx, execution, rule)
	}

	return p.run(ctx, execution, rule, "system:processor")
}

// ForceProcess releases an approval hold on an operator's authority. The
// action is audit-logged and annotated on the resulting order. The method
// guard still runs: forcing never skips it.
func (p *executionProcessor) ForceProcess(ctx context.Context, cmd ForceProcessCommand) (Execution, error) {
	if strings.TrimSpace(cmd.ActorID) == "" {
		return Execution{}, fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	execution, err := p.loadExecution(ctx, cmd.ExecutionID)
	if err != nil {
		return Execution{}, err
	}

	rule, err := p.rules.FindByID(ctx, execution.RuleID)
	if err != nil {
		return p.fail(ctx, execution, fmt.Sprintf("load rule: %v", err))
	}

	p.recordAudit(ctx, cmd.ActorID, "execution.force_process", "execution", execution.ID, map[string]any{
		"ruleId": execution.RuleID,
		"reason": cmd.Reason,
	})

	processed, err := p.run(ctx, execution, rule, cmd.ActorID)
	if err != nil {
		return Execution{}, err
	}
	if processed.OrderID != "" {
		p.appendOrderNote(ctx, processed.OrderID,
			"order force-processed by operator"+noteSuffix(cmd.Reason), cmd.ActorID)
	}
	return processed, nil
}

// ForceProcessOrder pushes a stuck order to the partner on an operator's
// authority, skipping the funding precheck. The skip is only safe when the
// payment is already captured, so anything but a succeeded payment status is
// refused outright. The method guard still runs: forcing never skips it.
func (p *executionProcessor) ForceProcessOrder(ctx context.Context, cmd ForceProcessOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.ActorID) == "" {
		return Order{}, fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}

	order, err := p.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("execution processor: load order: %w", err)
	}

	if order.PaymentStatus != domain.PaymentStatusSucceeded {
		return Order{}, fmt.Errorf("%w: forced processing requires a captured payment", ErrPaymentNotConfirmed)
	}
	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusFailed, domain.OrderStatusRetryPending:
	default:
		return Order{}, fmt.Errorf("%w: order cannot be force-processed from %s", ErrOrderStateConflict, order.Status)
	}

	p.recordAudit(ctx, cmd.ActorID, "order.force_process", "order", order.ID, map[string]any{
		"reason":        cmd.Reason,
		"paymentStatus": order.PaymentStatus,
	})

	if _, err := p.guard.ValidateOrderMethod(ctx, order.ID); err != nil {
		return Order{}, fmt.Errorf("validate method: %w", err)
	}

	result, err := p.partner.SubmitOrder(ctx, fulfillment.SubmitRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		RecipientID:   order.Metadata["recipientId"],
		ProductRef:    order.Metadata["productRef"],
		Quantity:      1,
		MaxPriceCents: order.AmountCents,
		CurrencyCode:  order.CurrencyCode,
		ClientNotes: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		},
		IdempotencyKey: order.ID + "_force",
	})
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrPartnerUnavailable, err)
	}

	updated, err := p.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusFailed, domain.OrderStatusRetryPending},
		domain.OrderStatusProcessing,
		func(o *domain.Order) {
			o.FulfillmentPartnerRequestID = result.RequestID
			o.LastFailureReason = ""
			o.UpdatedAt = p.clock()
		})
	if err != nil {
		if isRepoConflict(err) {
			return Order{}, fmt.Errorf("%w: order moved during forced processing", ErrOrderStateConflict)
		}
		return Order{}, fmt.Errorf("execution processor: record forced submission: %w", err)
	}

	p.appendOrderNote(ctx, order.ID,
		"order force-processed without funding precheck"+noteSuffix(cmd.Reason), cmd.ActorID)
	p.logger(ctx, "order.force_processed", map[string]any{
		"orderId":   order.ID,
		"requestId": result.RequestID,
		"actor":     cmd.ActorID,
	})
	return updated, nil
}

func (p *executionProcessor) holdForApproval(ctx context.Context, execution Execution, rule AutoGiftRule) (Execution, error) {
	held, err := p.executions.UpdateStatusIf(ctx, execution.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusScheduled, domain.ExecutionStatusDispatched},
		domain.ExecutionStatusAwaitingApproval,
		func(e *domain.Execution) {
			e.UpdatedAt = p.clock()
		})
	if err != nil {
		return Execution{}, p.mapExecutionError(err)
	}

	if p.notifications != nil {
		if err := p.notifications.PublishNotification(ctx, Notification{
			UserID:  rule.UserID,
			Kind:    "gift_approval_requested",
			Subject: "A scheduled gift is waiting for your approval",
			Metadata: map[string]string{
				"executionId": execution.ID,
				"ruleId":      rule.ID,
			},
		}); err != nil {
			p.logger(ctx, "execution.approval_notify_failed", map[string]any{
				"executionId": execution.ID,
				"error":       err.Error(),
			})
		}
	}
	p.logger(ctx, "execution.awaiting_approval", map[string]any{
		"executionId": execution.ID,
		"ruleId":      rule.ID,
	})
	return held, nil
}

func (p *executionProcessor) run(ctx context.Context, execution Execution, rule AutoGiftRule, actor string) (Execution, error) {
	processing, err := p.executions.UpdateStatusIf(ctx, execution.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusScheduled, domain.ExecutionStatusDispatched, domain.ExecutionStatusAwaitingApproval},
		domain.ExecutionStatusProcessing,
		func(e *domain.Execution) {
			e.Attempts++
			e.UpdatedAt = p.clock()
		})
	if err != nil {
		if isRepoConflict(err) {
			return Execution{}, ErrExecutionNotProcessable
		}
		return Execution{}, p.mapExecutionError(err)
	}
	execution = processing

	event, err := p.events.FindByID(ctx, execution.EventID)
	if err != nil {
		return p.fail(ctx, execution, fmt.Sprintf("load event: %v", err))
	}

	selection, err := p.selector.SelectGift(ctx, rule, event)
	if err != nil {
		return p.fail(ctx, execution, fmt.Sprintf("%v: %v", ErrGiftSelectionFailed, err))
	}
	if selection.PriceCents > rule.BudgetCents {
		return p.fail(ctx, execution, fmt.Sprintf("selection %d exceeds budget %d", selection.PriceCents, rule.BudgetCents))
	}

	order, err := p.createOrder(ctx, execution, rule, selection)
	if err != nil {
		return p.fail(ctx, execution, err.Error())
	}

	// The guard runs on every order, forced or not.
	if _, err := p.guard.ValidateOrderMethod(ctx, order.ID); err != nil {
		p.failOrder(ctx, order.ID, "method validation failed: "+err.Error())
		return p.fail(ctx, execution, fmt.Sprintf("validate method: %v", err))
	}

	captured, err := p.capturePayment(ctx, order, selection)
	if err != nil {
		p.failOrder(ctx, order.ID, "payment capture failed: "+err.Error())
		return p.fail(ctx, execution, err.Error())
	}
	order = captured

	submitted, err := p.submitToPartner(ctx, order, rule, selection)
	if err != nil {
		p.failOrder(ctx, order.ID, "partner submission failed: "+err.Error())
		return p.fail(ctx, execution, err.Error())
	}
	order = submitted

	completed, err := p.executions.UpdateStatusIf(ctx, execution.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusProcessing},
		domain.ExecutionStatusCompleted,
		func(e *domain.Execution) {
			e.OrderID = order.ID
			e.LastError = ""
			e.UpdatedAt = p.clock()
		})
	if err != nil {
		return Execution{}, p.mapExecutionError(err)
	}

	p.logger(ctx, "execution.completed", map[string]any{
		"executionId": execution.ID,
		"orderId":     order.ID,
		"actor":       actor,
	})
	return completed, nil
}

func (p *executionProcessor) createOrder(ctx context.Context, execution Execution, rule AutoGiftRule, selection GiftSelection) (Order, error) {
	seq, err := p.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return Order{}, fmt.Errorf("allocate order number: %w", err)
	}

	now := p.clock()
	order := domain.Order{
		ID:          "ord_" + p.idGen(),
		OrderNumber: fmt.Sprintf("GW-%04d-%06d", now.Year(), seq),
		UserID:      execution.UserID,
		ExecutionID: execution.ID,
		Status:      domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		OrderMethod: domain.OrderMethodZMA,
		AmountCents: selection.PriceCents,
		CurrencyCode: selection.Currency,
		Metadata: map[string]string{
			"ruleId":      rule.ID,
			"recipientId": rule.RecipientID,
			"productRef":  selection.ProductRef,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.orders.Insert(ctx, order); err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

func (p *executionProcessor) capturePayment(ctx context.Context, order Order, selection GiftSelection) (Order, error) {
	amount := selection.PriceCents
	details, err := p.gateway.Capture(ctx, payments.PaymentContext{Currency: selection.Currency}, payments.CaptureRequest{
		Amount:         &amount,
		IdempotencyKey: order.ID + "_capture",
		Metadata: map[string]string{
			"orderId":     order.ID,
			"executionId": order.ExecutionID,
		},
	})
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if details.Status != payments.StatusSucceeded {
		return Order{}, fmt.Errorf("%w: gateway reported %s", ErrCaptureFailed, details.Status)
	}

	updated, err := p.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending},
		domain.OrderStatusPending,
		func(o *domain.Order) {
			o.PaymentStatus = domain.PaymentStatusSucceeded
			o.PaymentIntentID = details.IntentID
			o.UpdatedAt = p.clock()
		})
	if err != nil {
		return Order{}, fmt.Errorf("record capture: %w", err)
	}
	return updated, nil
}

func (p *executionProcessor) submitToPartner(ctx context.Context, order Order, rule AutoGiftRule, selection GiftSelection) (Order, error) {
	result, err := p.partner.SubmitOrder(ctx, fulfillment.SubmitRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		RecipientID:   rule.RecipientID,
		ProductRef:    selection.ProductRef,
		Quantity:      1,
		MaxPriceCents: rule.BudgetCents,
		CurrencyCode:  order.CurrencyCode,
		ClientNotes: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		},
		IdempotencyKey: order.ID + "_submit",
	})
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrPartnerUnavailable, err)
	}

	updated, err := p.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending},
		domain.OrderStatusProcessing,
		func(o *domain.Order) {
			o.FulfillmentPartnerRequestID = result.RequestID
			o.UpdatedAt = p.clock()
		})
	if err != nil {
		return Order{}, fmt.Errorf("record submission: %w", err)
	}
	return updated, nil
}

// fail parks the execution in the failed state with the error recorded. The
// failure itself is returned to the caller.
func (p *executionProcessor) fail(ctx context.Context, execution Execution, reason string) (Execution, error) {
	if _, err := p.executions.UpdateStatusIf(ctx, execution.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusScheduled, domain.ExecutionStatusDispatched, domain.ExecutionStatusAwaitingApproval, domain.ExecutionStatusProcessing},
		domain.ExecutionStatusFailed,
		func(e *domain.Execution) {
			e.LastError = reason
			e.UpdatedAt = p.clock()
		}); err != nil {
		p.logger(ctx, "execution.fail_record_failed", map[string]any{
			"executionId": execution.ID,
			"error":       err.Error(),
		})
	}
	p.logger(ctx, "execution.failed", map[string]any{
		"executionId": execution.ID,
		"reason":      reason,
	})
	return Execution{}, fmt.Errorf("execution %s failed: %s", execution.ID, reason)
}

// failOrder marks an order failed after a downstream step broke. Best-effort;
// the execution failure carries the authoritative reason.
func (p *executionProcessor) failOrder(ctx context.Context, orderID, reason string) {
	if _, err := p.orders.UpdateStatusIf(ctx, orderID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing},
		domain.OrderStatusFailed,
		func(o *domain.Order) {
			o.LastFailureReason = reason
			o.UpdatedAt = p.clock()
		}); err != nil {
		p.logger(ctx, "order.fail_record_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (p *executionProcessor) appendOrderNote(ctx context.Context, orderID, body, actor string) {
	if p.notes == nil {
		return
	}
	note := domain.OrderNote{
		ID:        "note_" + p.idGen(),
		OrderID:   orderID,
		NoteType:  domain.NoteTypeAdminAction,
		Body:      body,
		Actor:     actor,
		CreatedAt: p.clock(),
	}
	if err := p.notes.Append(ctx, note); err != nil {
		p.logger(ctx, "execution.note_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (p *executionProcessor) recordAudit(ctx context.Context, actor, action, targetType, targetID string, detail map[string]any) {
	if p.audit == nil {
		return
	}
	if _, err := p.audit.Record(ctx, AuditLogRecord{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}); err != nil {
		p.logger(ctx, "execution.audit_failed", map[string]any{
			"targetId": targetID,
			"error":    err.Error(),
		})
	}
}

func (p *executionProcessor) loadExecution(ctx context.Context, executionID string) (Execution, error) {
	if strings.TrimSpace(executionID) == "" {
		return Execution{}, fmt.Errorf("%w: execution id is required", ErrValidation)
	}
	execution, err := p.executions.FindByID(ctx, executionID)
	if err != nil {
		return Execution{}, p.mapExecutionError(err)
	}
	return execution, nil
}

func (p *executionProcessor) mapExecutionError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrExecutionNotFound
	case isRepoConflict(err):
		return fmt.Errorf("%w: %v", ErrExecutionNotProcessable, err)
	default:
		return fmt.Errorf("execution processor: %w", err)
	}
}
