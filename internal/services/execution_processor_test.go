package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/fulfillment"
	"github.com/giftwell/api/internal/payments"
	"github.com/giftwell/api/internal/repositories"
)

type memoryExecutionRepo struct {
	stubExecutionRepo

	mu         sync.Mutex
	executions map[string]domain.Execution
}

func newMemoryExecutionRepo(executions ...domain.Execution) *memoryExecutionRepo {
	repo := &memoryExecutionRepo{executions: make(map[string]domain.Execution)}
	for _, execution := range executions {
		repo.executions[execution.ID] = execution
	}
	return repo
}

func (r *memoryExecutionRepo) FindByID(_ context.Context, executionID string) (domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execution, ok := r.executions[executionID]
	if !ok {
		return domain.Execution{}, &stubRepoError{notFound: true}
	}
	return execution, nil
}

func (r *memoryExecutionRepo) UpdateStatusIf(_ context.Context, executionID string, from []domain.ExecutionStatus, to domain.ExecutionStatus, mutate func(*domain.Execution)) (domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execution, ok := r.executions[executionID]
	if !ok {
		return domain.Execution{}, &stubRepoError{notFound: true}
	}
	matched := false
	for _, status := range from {
		if execution.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return domain.Execution{}, &stubRepoError{conflict: true}
	}
	execution.Status = to
	if mutate != nil {
		mutate(&execution)
	}
	r.executions[executionID] = execution
	return execution, nil
}

type stubSelector struct {
	selectFn func(ctx context.Context, rule AutoGiftRule, event CalendarEvent) (GiftSelection, error)
}

func (s *stubSelector) SelectGift(ctx context.Context, rule AutoGiftRule, event CalendarEvent) (GiftSelection, error) {
	if s.selectFn != nil {
		return s.selectFn(ctx, rule, event)
	}
	return GiftSelection{ProductRef: "prod_1", Description: "boxed chocolates", PriceCents: 3500, Currency: "USD"}, nil
}

type stubCaptureGateway struct {
	captureFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureRequest) (payments.PaymentDetails, error)
	calls     []payments.CaptureRequest
}

func (g *stubCaptureGateway) Capture(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureRequest) (payments.PaymentDetails, error) {
	g.calls = append(g.calls, req)
	if g.captureFn != nil {
		return g.captureFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{IntentID: "pi_cap", Status: payments.StatusSucceeded}, nil
}

type processorFixture struct {
	executions *memoryExecutionRepo
	orders     *memoryOrderRepo
	notes      *stubNoteRepo
	rules      *stubRuleRepo
	events     *stubEventRepo
	selector   *stubSelector
	gateway    *stubCaptureGateway
	partner    *stubPartner
	audit      *stubAuditService
	svc        ExecutionProcessorService
}

type stubCounterRepo struct {
	next int64
}

func (r *stubCounterRepo) Next(context.Context, string, int64) (int64, error) {
	r.next++
	return r.next, nil
}
func (r *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

func newProcessorFixture(t *testing.T, execution domain.Execution, rule domain.AutoGiftRule) *processorFixture {
	t.Helper()
	f := &processorFixture{
		executions: newMemoryExecutionRepo(execution),
		orders:     newMemoryOrderRepo(),
		notes:      &stubNoteRepo{},
		rules: &stubRuleRepo{
			findByIDFn: func(context.Context, string) (domain.AutoGiftRule, error) { return rule, nil },
		},
		events: &stubEventRepo{
			findByIDFn: func(_ context.Context, eventID string) (domain.CalendarEvent, error) {
				return domain.CalendarEvent{ID: eventID, UserID: rule.UserID, RecipientID: rule.RecipientID}, nil
			},
		},
		selector: &stubSelector{},
		gateway:  &stubCaptureGateway{},
		partner:  &stubPartner{},
		audit:    &stubAuditService{},
	}

	guard, err := NewMethodGuardService(MethodGuardServiceDeps{
		Orders:      f.orders,
		Notes:       f.notes,
		Clock:       fixedClock,
		IDGenerator: sequenceIDGen(),
	})
	if err != nil {
		t.Fatalf("NewMethodGuardService: %v", err)
	}

	svc, err := NewExecutionProcessor(ExecutionProcessorDeps{
		Executions:  f.executions,
		Rules:       f.rules,
		Events:      f.events,
		Orders:      f.orders,
		Notes:       f.notes,
		Counters:    &stubCounterRepo{},
		Selector:    f.selector,
		Guard:       guard,
		Gateway:     f.gateway,
		Partner:     f.partner,
		Audit:       f.audit,
		Clock:       fixedClock,
		IDGenerator: sequenceIDGen(),
	})
	if err != nil {
		t.Fatalf("NewExecutionProcessor: %v", err)
	}
	f.svc = svc
	return f
}

func dispatchedExecution() domain.Execution {
	return domain.Execution{
		ID:            "exec_1",
		RuleID:        "rule_1",
		EventID:       "evt_1",
		UserID:        "user_1",
		ExecutionDate: fixedClock(),
		Status:        domain.ExecutionStatusDispatched,
	}
}

func autoRule() domain.AutoGiftRule {
	return domain.AutoGiftRule{
		ID: "rule_1", UserID: "user_1", RecipientID: "rcp_1",
		OccasionType: "birthday", BudgetCents: 5000, Currency: "USD",
		LeadTimeDays: 7, ApprovalMode: domain.ApprovalModeAuto, Enabled: true,
	}
}

func TestProcessExecutionCreatesOrder(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())

	execution, err := f.svc.ProcessExecution(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("ProcessExecution: %v", err)
	}
	if execution.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("status = %q, want completed", execution.Status)
	}
	if execution.OrderID == "" {
		t.Fatal("completed execution must reference its order")
	}

	order, err := f.orders.FindByID(context.Background(), execution.OrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("order status = %q, want processing", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status = %q", order.PaymentStatus)
	}
	if order.OrderMethod != domain.OrderMethodZMA {
		t.Fatalf("order method = %q", order.OrderMethod)
	}
	if order.FulfillmentPartnerRequestID == "" {
		t.Fatal("partner request id not recorded")
	}
	if !strings.HasPrefix(order.OrderNumber, "GW-2026-") {
		t.Fatalf("order number = %q", order.OrderNumber)
	}
	if len(f.gateway.calls) != 1 {
		t.Fatalf("capture calls = %d", len(f.gateway.calls))
	}
}

func TestProcessExecutionHoldsManualApproval(t *testing.T) {
	rule := autoRule()
	rule.ApprovalMode = domain.ApprovalModeManual
	f := newProcessorFixture(t, dispatchedExecution(), rule)

	execution, err := f.svc.ProcessExecution(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("ProcessExecution: %v", err)
	}
	if execution.Status != domain.ExecutionStatusAwaitingApproval {
		t.Fatalf("status = %q, want awaiting_approval", execution.Status)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatal("held execution must not capture payment")
	}
}

func TestProcessExecutionResumesApprovedHold(t *testing.T) {
	execution := dispatchedExecution()
	execution.Status = domain.ExecutionStatusAwaitingApproval
	rule := autoRule()
	rule.ApprovalMode = domain.ApprovalModeManual
	f := newProcessorFixture(t, execution, rule)

	processed, err := f.svc.ProcessExecution(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("ProcessExecution: %v", err)
	}
	if processed.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("status = %q, want completed", processed.Status)
	}
}

func TestProcessExecutionFailsOnBudgetOverrun(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())
	f.selector.selectFn = func(context.Context, AutoGiftRule, CalendarEvent) (GiftSelection, error) {
		return GiftSelection{ProductRef: "prod_lux", PriceCents: 9000, Currency: "USD"}, nil
	}

	_, err := f.svc.ProcessExecution(context.Background(), "exec_1")
	if err == nil {
		t.Fatal("expected budget failure")
	}
	stored, _ := f.executions.FindByID(context.Background(), "exec_1")
	if stored.Status != domain.ExecutionStatusFailed {
		t.Fatalf("execution status = %q, want failed", stored.Status)
	}
	if stored.LastError == "" {
		t.Fatal("failure reason not recorded")
	}
	if len(f.gateway.calls) != 0 {
		t.Fatal("over-budget selection must not capture payment")
	}
}

func TestProcessExecutionCaptureFailureMarksOrderFailed(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())
	f.gateway.captureFn = func(context.Context, payments.PaymentContext, payments.CaptureRequest) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{}, errors.New("insufficient funds")
	}

	_, err := f.svc.ProcessExecution(context.Background(), "exec_1")
	if err == nil {
		t.Fatal("expected capture failure")
	}
	stored, _ := f.executions.FindByID(context.Background(), "exec_1")
	if stored.Status != domain.ExecutionStatusFailed {
		t.Fatalf("execution status = %q", stored.Status)
	}
	for _, order := range f.orders.orders {
		if order.Status != domain.OrderStatusFailed {
			t.Fatalf("order status = %q, want failed", order.Status)
		}
	}
}

func TestProcessExecutionPartnerFailureDoesNotComplete(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())
	f.partner.submitFn = func(context.Context, fulfillment.SubmitRequest) (fulfillment.SubmitResult, error) {
		return fulfillment.SubmitResult{}, &fulfillment.PartnerError{Op: "submit", StatusCode: 503}
	}

	_, err := f.svc.ProcessExecution(context.Background(), "exec_1")
	if err == nil {
		t.Fatal("expected partner failure")
	}
	stored, _ := f.executions.FindByID(context.Background(), "exec_1")
	if stored.Status != domain.ExecutionStatusFailed {
		t.Fatalf("execution status = %q", stored.Status)
	}
}

func TestProcessExecutionRejectsTerminalExecution(t *testing.T) {
	execution := dispatchedExecution()
	execution.Status = domain.ExecutionStatusCompleted
	f := newProcessorFixture(t, execution, autoRule())

	_, err := f.svc.ProcessExecution(context.Background(), "exec_1")
	if !errors.Is(err, ErrExecutionNotProcessable) {
		t.Fatalf("expected ErrExecutionNotProcessable, got %v", err)
	}
}

func TestForceProcessReleasesHoldWithAudit(t *testing.T) {
	execution := dispatchedExecution()
	execution.Status = domain.ExecutionStatusAwaitingApproval
	rule := autoRule()
	rule.ApprovalMode = domain.ApprovalModeManual
	f := newProcessorFixture(t, execution, rule)

	processed, err := f.svc.ForceProcess(context.Background(), ForceProcessCommand{
		ExecutionID: "exec_1",
		ActorID:     "admin_1",
		Reason:      "recipient birthday tomorrow",
	})
	if err != nil {
		t.Fatalf("ForceProcess: %v", err)
	}
	if processed.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("status = %q, want completed", processed.Status)
	}

	if len(f.audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(f.audit.records))
	}
	record := f.audit.records[0]
	if record.Action != "execution.force_process" || record.Actor != "admin_1" {
		t.Fatalf("unexpected audit record %+v", record)
	}

	admin := f.notes.byType(domain.NoteTypeAdminAction)
	if len(admin) != 1 {
		t.Fatalf("admin notes = %d, want 1", len(admin))
	}
}

func TestForceProcessRequiresActor(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())
	_, err := f.svc.ForceProcess(context.Background(), ForceProcessCommand{ExecutionID: "exec_1"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func stuckPaidOrder() domain.Order {
	return domain.Order{
		ID:            "ord_stuck",
		OrderNumber:   "GW-2026-000042",
		UserID:        "user_1",
		Status:        domain.OrderStatusFailed,
		PaymentStatus: domain.PaymentStatusSucceeded,
		OrderMethod:   domain.OrderMethodZMA,
		AmountCents:   3500,
		CurrencyCode:  "USD",
		Metadata: map[string]string{
			"recipientId": "rcp_1",
			"productRef":  "prod_1",
		},
	}
}

func TestForceProcessOrderSkipsCaptureForPaidOrder(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())
	if err := f.orders.Insert(context.Background(), stuckPaidOrder()); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	var submitted fulfillment.SubmitRequest
	f.partner.submitFn = func(_ context.Context, req fulfillment.SubmitRequest) (fulfillment.SubmitResult, error) {
		submitted = req
		return fulfillment.SubmitResult{RequestID: "zma_req_forced"}, nil
	}

	order, err := f.svc.ForceProcessOrder(context.Background(), ForceProcessOrderCommand{
		OrderID: "ord_stuck",
		ActorID: "admin_1",
		Reason:  "payment verified manually",
	})
	if err != nil {
		t.Fatalf("ForceProcessOrder: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %q, want processing", order.Status)
	}
	if order.FulfillmentPartnerRequestID != "zma_req_forced" {
		t.Fatalf("request id = %q", order.FulfillmentPartnerRequestID)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatal("forcing a paid order must not run the capture step")
	}
	if submitted.OrderID != "ord_stuck" || submitted.ProductRef != "prod_1" {
		t.Fatalf("unexpected submission %+v", submitted)
	}

	if len(f.audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(f.audit.records))
	}
	if record := f.audit.records[0]; record.Action != "order.force_process" || record.TargetID != "ord_stuck" {
		t.Fatalf("unexpected audit record %+v", record)
	}
	if admin := f.notes.byType(domain.NoteTypeAdminAction); len(admin) != 1 {
		t.Fatalf("admin notes = %d, want 1", len(admin))
	}
}

func TestForceProcessOrderRefusesUnpaidOrder(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())
	order := stuckPaidOrder()
	order.PaymentStatus = domain.PaymentStatusPending
	if err := f.orders.Insert(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	f.partner.submitFn = func(context.Context, fulfillment.SubmitRequest) (fulfillment.SubmitResult, error) {
		t.Fatal("an unpaid order must never reach the partner")
		return fulfillment.SubmitResult{}, nil
	}

	_, err := f.svc.ForceProcessOrder(context.Background(), ForceProcessOrderCommand{
		OrderID: "ord_stuck",
		ActorID: "admin_1",
		Reason:  "push it through",
	})
	if !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
	}
}

func TestForceProcessOrderRejectsTerminalOrder(t *testing.T) {
	f := newProcessorFixture(t, dispatchedExecution(), autoRule())
	order := stuckPaidOrder()
	order.Status = domain.OrderStatusDelivered
	if err := f.orders.Insert(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	_, err := f.svc.ForceProcessOrder(context.Background(), ForceProcessOrderCommand{
		OrderID: "ord_stuck",
		ActorID: "admin_1",
		Reason:  "retry delivery",
	})
	if !errors.Is(err, ErrOrderStateConflict) {
		t.Fatalf("expected ErrOrderStateConflict, got %v", err)
	}
}
