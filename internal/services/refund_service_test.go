package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/payments"
)

type memoryRefundRepo struct {
	mu       sync.Mutex
	requests map[string]domain.RefundRequest
}

func newMemoryRefundRepo(requests ...domain.RefundRequest) *memoryRefundRepo {
	repo := &memoryRefundRepo{requests: make(map[string]domain.RefundRequest)}
	for _, request := range requests {
		repo.requests[request.ID] = request
	}
	return repo
}

func (r *memoryRefundRepo) Insert(_ context.Context, request domain.RefundRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[request.ID]; ok {
		return &stubRepoError{conflict: true}
	}
	r.requests[request.ID] = request
	return nil
}

func (r *memoryRefundRepo) FindByID(_ context.Context, requestID string) (domain.RefundRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[requestID]
	if !ok {
		return domain.RefundRequest{}, &stubRepoError{notFound: true}
	}
	return request, nil
}

func (r *memoryRefundRepo) ListByOrder(_ context.Context, orderID string) ([]domain.RefundRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.RefundRequest
	for _, request := range r.requests {
		if request.OrderID == orderID {
			items = append(items, request)
		}
	}
	return items, nil
}

func (r *memoryRefundRepo) UpdateStatusIf(_ context.Context, requestID string, from []domain.RefundStatus, to domain.RefundStatus, mutate func(*domain.RefundRequest)) (domain.RefundRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[requestID]
	if !ok {
		return domain.RefundRequest{}, &stubRepoError{notFound: true}
	}
	matched := false
	for _, status := range from {
		if request.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return domain.RefundRequest{}, &stubRepoError{conflict: true}
	}
	request.Status = to
	if mutate != nil {
		mutate(&request)
	}
	r.requests[requestID] = request
	return request, nil
}

func (r *memoryRefundRepo) SumSettledByOrder(_ context.Context, orderID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, request := range r.requests {
		if request.OrderID == orderID && request.Status == domain.RefundStatusCompleted {
			sum += request.AmountCents
		}
	}
	return sum, nil
}

type stubGateway struct {
	mu       sync.Mutex
	refundFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
	calls    []payments.RefundRequest
}

func (g *stubGateway) Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.refundFn != nil {
		return g.refundFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{IntentID: "re_" + req.IdempotencyKey, Status: payments.StatusRefunded}, nil
}

type stubNotifications struct {
	mu        sync.Mutex
	published []Notification
}

func (n *stubNotifications) PublishNotification(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, notification)
	return nil
}

func capturedOrder() domain.Order {
	return domain.Order{
		ID:              "ord_1",
		OrderNumber:     "GW-2026-000001",
		UserID:          "user_1",
		Status:          domain.OrderStatusCancelled,
		PaymentStatus:   domain.PaymentStatusSucceeded,
		PaymentIntentID: "pi_123",
		AmountCents:     5000,
		CurrencyCode:    "USD",
	}
}

func escrowFixture(t *testing.T, refunds *memoryRefundRepo, orders *memoryOrderRepo, gateway *stubGateway, notifications *stubNotifications) RefundEscrowService {
	t.Helper()
	deps := RefundEscrowServiceDeps{
		Refunds:     refunds,
		Orders:      orders,
		Notes:       &stubNoteRepo{},
		Gateway:     gateway,
		Clock:       fixedClock,
		IDGenerator: sequenceIDGen(),
	}
	if notifications != nil {
		deps.Notifications = notifications
	}
	svc, err := NewRefundEscrowService(deps)
	if err != nil {
		t.Fatalf("NewRefundEscrowService: %v", err)
	}
	return svc
}

func pendingRefund(id string, amount int64) domain.RefundRequest {
	return domain.RefundRequest{
		ID:           id,
		OrderID:      "ord_1",
		AmountCents:  amount,
		CurrencyCode: "USD",
		Status:       domain.RefundStatusPending,
		RequestedBy:  "user_1",
	}
}

func TestRequestRefundOpensPendingEntry(t *testing.T) {
	refunds := newMemoryRefundRepo()
	orders := newMemoryOrderRepo(capturedOrder())
	gateway := &stubGateway{}
	svc := escrowFixture(t, refunds, orders, gateway, nil)

	request, err := svc.RequestRefund(context.Background(), RequestRefundCommand{
		OrderID:     "ord_1",
		AmountCents: 5000,
		Reason:      "order cancelled",
		RequestedBy: "user_1",
	})
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if request.Status != domain.RefundStatusPending {
		t.Fatalf("status = %q, want pending", request.Status)
	}
	if request.CurrencyCode != "USD" {
		t.Fatalf("currency = %q", request.CurrencyCode)
	}
	if len(gateway.calls) != 0 {
		t.Fatal("no money may move before settlement")
	}
}

func TestRequestRefundRejectsOverCapture(t *testing.T) {
	orders := newMemoryOrderRepo(capturedOrder())
	svc := escrowFixture(t, newMemoryRefundRepo(), orders, &stubGateway{}, nil)

	_, err := svc.RequestRefund(context.Background(), RequestRefundCommand{OrderID: "ord_1", AmountCents: 5001})
	if !errors.Is(err, ErrRefundExceedsCaptured) {
		t.Fatalf("expected ErrRefundExceedsCaptured, got %v", err)
	}
}

func TestRequestRefundRejectsUncapturedPayment(t *testing.T) {
	order := capturedOrder()
	order.PaymentStatus = domain.PaymentStatusPending
	svc := escrowFixture(t, newMemoryRefundRepo(), newMemoryOrderRepo(order), &stubGateway{}, nil)

	_, err := svc.RequestRefund(context.Background(), RequestRefundCommand{OrderID: "ord_1", AmountCents: 100})
	if !errors.Is(err, ErrRefundPaymentMissing) {
		t.Fatalf("expected ErrRefundPaymentMissing, got %v", err)
	}
}

func TestSettleApproveCompletesRefund(t *testing.T) {
	refunds := newMemoryRefundRepo(pendingRefund("rfr_1", 3000))
	orders := newMemoryOrderRepo(capturedOrder())
	gateway := &stubGateway{}
	notifications := &stubNotifications{}
	svc := escrowFixture(t, refunds, orders, gateway, notifications)

	settled, err := svc.Settle(context.Background(), SettleRefundCommand{
		RefundRequestID: "rfr_1",
		Decision:        SettleApprove,
		ActorID:         "admin_1",
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settled.Status != domain.RefundStatusCompleted {
		t.Fatalf("status = %q, want completed", settled.Status)
	}
	if settled.GatewayRefundID == "" {
		t.Fatal("gateway refund id not recorded")
	}

	if len(gateway.calls) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(gateway.calls))
	}
	call := gateway.calls[0]
	if call.IdempotencyKey != "rfr_1" {
		t.Fatalf("idempotency key = %q, want the escrow entry id", call.IdempotencyKey)
	}
	if call.Amount == nil || *call.Amount != 3000 {
		t.Fatalf("refund amount = %v", call.Amount)
	}

	order, _ := orders.FindByID(context.Background(), "ord_1")
	if order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("order payment status = %q, want refunded", order.PaymentStatus)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("order fulfillment status changed to %q", order.Status)
	}
	if len(notifications.published) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifications.published))
	}
}

func TestSettleRejectLeavesPaymentAlone(t *testing.T) {
	refunds := newMemoryRefundRepo(pendingRefund("rfr_1", 3000))
	orders := newMemoryOrderRepo(capturedOrder())
	gateway := &stubGateway{}
	svc := escrowFixture(t, refunds, orders, gateway, nil)

	settled, err := svc.Settle(context.Background(), SettleRefundCommand{
		RefundRequestID: "rfr_1",
		Decision:        SettleReject,
		ActorID:         "admin_1",
		Note:            "duplicate request",
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settled.Status != domain.RefundStatusRejected {
		t.Fatalf("status = %q, want rejected", settled.Status)
	}
	if len(gateway.calls) != 0 {
		t.Fatal("rejection must not touch the gateway")
	}
	order, _ := orders.FindByID(context.Background(), "ord_1")
	if order.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status changed to %q", order.PaymentStatus)
	}
}

func TestSettleGatewayFailureIsTerminal(t *testing.T) {
	refunds := newMemoryRefundRepo(pendingRefund("rfr_1", 3000))
	orders := newMemoryOrderRepo(capturedOrder())
	gateway := &stubGateway{
		refundFn: func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{}, errors.New("card network declined")
		},
	}
	svc := escrowFixture(t, refunds, orders, gateway, nil)

	_, err := svc.Settle(context.Background(), SettleRefundCommand{RefundRequestID: "rfr_1", Decision: SettleApprove})
	if !errors.Is(err, ErrRefundGatewayFailed) {
		t.Fatalf("expected ErrRefundGatewayFailed, got %v", err)
	}
	if !errors.Is(err, ErrPayment) {
		t.Fatal("gateway failures classify as payment errors")
	}

	stored, _ := refunds.FindByID(context.Background(), "rfr_1")
	if stored.Status != domain.RefundStatusFailed {
		t.Fatalf("status = %q, want failed", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}

	// Failed requests stay failed.
	_, err = svc.Settle(context.Background(), SettleRefundCommand{RefundRequestID: "rfr_1", Decision: SettleApprove})
	if !errors.Is(err, ErrRefundNotSettleable) {
		t.Fatalf("re-settling a failed request: got %v", err)
	}
	if calls := len(gateway.calls); calls != 1 {
		t.Fatalf("gateway calls = %d, a failed request must never be re-driven", calls)
	}
}

func TestSettleConcurrentApprovalsHaveOneWinner(t *testing.T) {
	refunds := newMemoryRefundRepo(pendingRefund("rfr_1", 3000))
	orders := newMemoryOrderRepo(capturedOrder())
	gateway := &stubGateway{}
	svc := escrowFixture(t, refunds, orders, gateway, nil)

	const settlers = 6
	var wg sync.WaitGroup
	errs := make([]error, settlers)
	for i := 0; i < settlers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Settle(context.Background(), SettleRefundCommand{RefundRequestID: "rfr_1", Decision: SettleApprove})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrRefundNotSettleable) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly one", winners)
	}
	if len(gateway.calls) != 1 {
		t.Fatalf("gateway calls = %d, want exactly one", len(gateway.calls))
	}
}

func TestSettleHeadroomRecheckedAtSettlement(t *testing.T) {
	completed := pendingRefund("rfr_done", 4000)
	completed.Status = domain.RefundStatusCompleted
	refunds := newMemoryRefundRepo(completed, pendingRefund("rfr_1", 3000))
	orders := newMemoryOrderRepo(capturedOrder())
	gateway := &stubGateway{}
	svc := escrowFixture(t, refunds, orders, gateway, nil)

	_, err := svc.Settle(context.Background(), SettleRefundCommand{RefundRequestID: "rfr_1", Decision: SettleApprove})
	if !errors.Is(err, ErrRefundGatewayFailed) && !errors.Is(err, ErrPayment) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if len(gateway.calls) != 0 {
		t.Fatal("over-captured settlement must not reach the gateway")
	}
	stored, _ := refunds.FindByID(context.Background(), "rfr_1")
	if stored.Status != domain.RefundStatusFailed {
		t.Fatalf("status = %q, want failed", stored.Status)
	}
}

func TestSettleUnknownRequest(t *testing.T) {
	svc := escrowFixture(t, newMemoryRefundRepo(), newMemoryOrderRepo(capturedOrder()), &stubGateway{}, nil)
	_, err := svc.Settle(context.Background(), SettleRefundCommand{RefundRequestID: "rfr_missing", Decision: SettleApprove})
	if !errors.Is(err, ErrRefundNotFound) {
		t.Fatalf("expected ErrRefundNotFound, got %v", err)
	}
}
