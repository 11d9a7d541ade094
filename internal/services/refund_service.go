package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/payments"
	"github.com/giftwell/api/internal/repositories"
)

const defaultGatewayTimeout = 30 * time.Second

// Refund escrow sentinels.
var (
	// ErrRefundNotFound means the refund request id resolved to nothing.
	ErrRefundNotFound = fmt.Errorf("%w: refund request not found", ErrValidation)
	// ErrRefundInvalidInput flags malformed refund commands.
	ErrRefundInvalidInput = fmt.Errorf("%w: refund invalid input", ErrValidation)
	// ErrRefundNotSettleable rejects settling a request that already left the
	// pending state. Failed refunds stay failed; they are never re-driven.
	ErrRefundNotSettleable = fmt.Errorf("%w: refund request is not pending", ErrValidation)
	// ErrRefundExceedsCaptured rejects refunds above the captured amount, net
	// of what earlier settlements already returned.
	ErrRefundExceedsCaptured = fmt.Errorf("%w: refund exceeds captured amount", ErrValidation)
	// ErrRefundPaymentMissing means the order has no captured payment to
	// refund against.
	ErrRefundPaymentMissing = fmt.Errorf("%w: order has no captured payment", ErrPayment)
	// ErrRefundGatewayFailed wraps a gateway refusal during settlement.
	ErrRefundGatewayFailed = fmt.Errorf("%w: refund gateway failed", ErrPayment)
)

// refundGateway abstracts payments.Manager for easier testing.
type refundGateway interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// RefundEscrowServiceDeps wires the refund escrow's collaborators.
type RefundEscrowServiceDeps struct {
	Refunds        repositories.RefundRequestRepository
	Orders         repositories.OrderRepository
	Notes          repositories.OrderNoteRepository
	Gateway        refundGateway
	Notifications  NotificationPublisher
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         Logger
	GatewayTimeout time.Duration
}

type refundEscrowService struct {
	refunds        repositories.RefundRequestRepository
	orders         repositories.OrderRepository
	notes          repositories.OrderNoteRepository
	gateway        refundGateway
	notifications  NotificationPublisher
	clock          func() time.Time
	idGen          func() string
	logger         Logger
	gatewayTimeout time.Duration
}

var _ RefundEscrowService = (*refundEscrowService)(nil)

// NewRefundEscrowService constructs the refund escrow.
func NewRefundEscrowService(deps RefundEscrowServiceDeps) (RefundEscrowService, error) {
	if deps.Refunds == nil {
		return nil, errors.New("refund escrow: refund repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("refund escrow: order repository is required")
	}
	if deps.Notes == nil {
		return nil, errors.New("refund escrow: order note repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("refund escrow: payment gateway is required")
	}
	if deps.IDGenerator == nil {
		return nil, errors.New("refund escrow: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}

	return &refundEscrowService{
		refunds:        deps.Refunds,
		orders:         deps.Orders,
		notes:          deps.Notes,
		gateway:        deps.Gateway,
		notifications:  deps.Notifications,
		clock:          func() time.Time { return clock().UTC() },
		idGen:          deps.IDGenerator,
		logger:         logger,
		gatewayTimeout: timeout,
	}, nil
}

// RequestRefund opens a pending escrow entry. No money moves here; funds only
// leave on an approved settlement.
func (s *refundEscrowService) RequestRefund(ctx context.Context, cmd RequestRefundCommand) (RefundRequest, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return RefundRequest{}, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	if cmd.AmountCents <= 0 {
		return RefundRequest{}, fmt.Errorf("%w: amount must be positive", ErrRefundInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		if isRepoNotFound(err) {
			return RefundRequest{}, ErrOrderNotFound
		}
		return RefundRequest{}, fmt.Errorf("refund escrow: load order: %w", err)
	}
	if order.PaymentStatus != domain.PaymentStatusSucceeded && order.PaymentStatus != domain.PaymentStatusRefunded {
		return RefundRequest{}, ErrRefundPaymentMissing
	}

	if err := s.checkHeadroom(ctx, order, cmd.AmountCents); err != nil {
		return RefundRequest{}, err
	}

	now := s.clock()
	request := domain.RefundRequest{
		ID:           "rfr_" + s.idGen(),
		OrderID:      order.ID,
		AmountCents:  cmd.AmountCents,
		CurrencyCode: order.CurrencyCode,
		Reason:       strings.TrimSpace(cmd.Reason),
		Status:       domain.RefundStatusPending,
		RequestedBy:  actorOrSystem(cmd.RequestedBy),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.refunds.Insert(ctx, request); err != nil {
		return RefundRequest{}, fmt.Errorf("refund escrow: insert request: %w", err)
	}

	s.logger(ctx, "refund.requested", map[string]any{
		"refundId": request.ID,
		"orderId":  order.ID,
		"amount":   cmd.AmountCents,
	})
	return request, nil
}

// Settle resolves a pending request. The pending->approved move is a
// compare-and-set, so concurrent settlements have one winner; the loser sees
// the request already resolved. A gateway failure marks the request failed
// and it stays failed.
func (s *refundEscrowService) Settle(ctx context.Context, cmd SettleRefundCommand) (RefundRequest, error) {
	if strings.TrimSpace(cmd.RefundRequestID) == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund request id is required", ErrRefundInvalidInput)
	}
	actor := actorOrSystem(cmd.ActorID)

	switch cmd.Decision {
	case SettleReject:
		return s.reject(ctx, cmd, actor)
	case SettleApprove:
		return s.approve(ctx, cmd, actor)
	default:
		return RefundRequest{}, fmt.Errorf("%w: unknown settle decision %q", ErrRefundInvalidInput, cmd.Decision)
	}
}

func (s *refundEscrowService) reject(ctx context.Context, cmd SettleRefundCommand, actor string) (RefundRequest, error) {
	now := s.clock()
	updated, err := s.refunds.UpdateStatusIf(ctx, cmd.RefundRequestID,
		[]domain.RefundStatus{domain.RefundStatusPending},
		domain.RefundStatusRejected,
		func(r *domain.RefundRequest) {
			r.SettledBy = actor
			r.SettledAt = valuePtr(now)
			r.UpdatedAt = now
		})
	if err != nil {
		return RefundRequest{}, s.mapRefundError(err)
	}
	s.appendOrderNote(ctx, updated.OrderID, "refund request rejected"+noteSuffix(cmd.Note), actor)
	s.logger(ctx, "refund.rejected", map[string]any{
		"refundId": updated.ID,
		"orderId":  updated.OrderID,
	})
	return updated, nil
}

func (s *refundEscrowService) approve(ctx context.Context, cmd SettleRefundCommand, actor string) (RefundRequest, error) {
	now := s.clock()
	approved, err := s.refunds.UpdateStatusIf(ctx, cmd.RefundRequestID,
		[]domain.RefundStatus{domain.RefundStatusPending},
		domain.RefundStatusApproved,
		func(r *domain.RefundRequest) {
			r.SettledBy = actor
			r.SettledAt = valuePtr(now)
			r.UpdatedAt = now
		})
	if err != nil {
		return RefundRequest{}, s.mapRefundError(err)
	}

	order, err := s.orders.FindByID(ctx, approved.OrderID)
	if err != nil {
		return s.markFailed(ctx, approved, actor, fmt.Sprintf("load order: %v", err))
	}

	// Re-check headroom at settlement time: other requests may have settled
	// since this one was opened.
	if err := s.checkHeadroom(ctx, order, approved.AmountCents); err != nil {
		return s.markFailed(ctx, approved, actor, err.Error())
	}

	details, err := s.refundAtGateway(ctx, order, approved)
	if err != nil {
		s.logger(ctx, "refund.gateway_failed", map[string]any{
			"refundId": approved.ID,
			"orderId":  order.ID,
			"error":    err.Error(),
		})
		return s.markFailed(ctx, approved, actor, err.Error())
	}

	completed, err := s.refunds.UpdateStatusIf(ctx, approved.ID,
		[]domain.RefundStatus{domain.RefundStatusApproved},
		domain.RefundStatusCompleted,
		func(r *domain.RefundRequest) {
			r.GatewayRefundID = details.IntentID
			r.UpdatedAt = s.clock()
		})
	if err != nil {
		return RefundRequest{}, s.mapRefundError(err)
	}

	s.markOrderRefunded(ctx, order)
	s.appendOrderNote(ctx, order.ID, fmt.Sprintf("refund of %d %s completed", completed.AmountCents, completed.CurrencyCode), actor)
	s.notifyRefund(ctx, order, completed)
	s.logger(ctx, "refund.completed", map[string]any{
		"refundId": completed.ID,
		"orderId":  order.ID,
		"amount":   completed.AmountCents,
	})
	return completed, nil
}

func (s *refundEscrowService) ListByOrder(ctx context.Context, orderID string) ([]RefundRequest, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	requests, err := s.refunds.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("refund escrow: list by order: %w", err)
	}
	return requests, nil
}

// checkHeadroom enforces the escrow cap: requested amount plus everything
// already settled must not exceed what was captured for the order.
func (s *refundEscrowService) checkHeadroom(ctx context.Context, order domain.Order, amountCents int64) error {
	settled, err := s.refunds.SumSettledByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("refund escrow: sum settled: %w", err)
	}
	if amountCents+settled > order.AmountCents {
		return fmt.Errorf("%w: requested %d with %d already settled against %d captured",
			ErrRefundExceedsCaptured, amountCents, settled, order.AmountCents)
	}
	return nil
}

func (s *refundEscrowService) refundAtGateway(ctx context.Context, order domain.Order, request domain.RefundRequest) (payments.PaymentDetails, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	amount := request.AmountCents
	details, err := s.gateway.Refund(callCtx, payments.PaymentContext{Currency: order.CurrencyCode}, payments.RefundRequest{
		IntentID: order.PaymentIntentID,
		Amount:   &amount,
		Reason:   request.Reason,
		// The escrow entry id doubles as the idempotency key, so a replayed
		// settlement cannot move money twice.
		IdempotencyKey: request.ID,
		Metadata: map[string]string{
			"orderId":  order.ID,
			"refundId": request.ID,
		},
	})
	if err != nil {
		return payments.PaymentDetails{}, fmt.Errorf("%w: %v", ErrRefundGatewayFailed, err)
	}
	return details, nil
}

// markFailed parks an approved request in the failed state. Failed requests
// are terminal; recovery means opening a fresh request.
func (s *refundEscrowService) markFailed(ctx context.Context, request domain.RefundRequest, actor, reason string) (RefundRequest, error) {
	failed, err := s.refunds.UpdateStatusIf(ctx, request.ID,
		[]domain.RefundStatus{domain.RefundStatusApproved},
		domain.RefundStatusFailed,
		func(r *domain.RefundRequest) {
			r.FailureReason = reason
			r.UpdatedAt = s.clock()
		})
	if err != nil {
		return RefundRequest{}, s.mapRefundError(err)
	}
	s.appendOrderNote(ctx, failed.OrderID, "refund settlement failed: "+reason, actor)
	return RefundRequest{}, fmt.Errorf("%w: %s", ErrRefundGatewayFailed, reason)
}

// markOrderRefunded flips the order's payment status without touching its
// fulfillment status.
func (s *refundEscrowService) markOrderRefunded(ctx context.Context, order domain.Order) {
	if _, err := s.orders.UpdateStatusIf(ctx, order.ID,
		[]domain.OrderStatus{order.Status}, order.Status,
		func(o *domain.Order) {
			o.PaymentStatus = domain.PaymentStatusRefunded
			o.UpdatedAt = s.clock()
		}); err != nil {
		s.logger(ctx, "refund.order_update_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *refundEscrowService) appendOrderNote(ctx context.Context, orderID, body, actor string) {
	note := domain.OrderNote{
		ID:        "note_" + s.idGen(),
		OrderID:   orderID,
		NoteType:  domain.NoteTypeRefund,
		Body:      body,
		Actor:     actor,
		CreatedAt: s.clock(),
	}
	if err := s.notes.Append(ctx, note); err != nil {
		s.logger(ctx, "refund.note_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

// notifyRefund publishes a completion notice best-effort; the settlement does
// not depend on it.
func (s *refundEscrowService) notifyRefund(ctx context.Context, order domain.Order, request domain.RefundRequest) {
	if s.notifications == nil {
		return
	}
	if err := s.notifications.PublishNotification(ctx, Notification{
		UserID:  order.UserID,
		Kind:    "refund_completed",
		Subject: "Your refund has been processed",
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
			"refundId":    request.ID,
			"amountCents": fmt.Sprintf("%d", request.AmountCents),
		},
	}); err != nil {
		s.logger(ctx, "refund.notification_failed", map[string]any{
			"orderId":  order.ID,
			"refundId": request.ID,
			"error":    err.Error(),
		})
	}
}

func (s *refundEscrowService) mapRefundError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrRefundNotFound
	case isRepoConflict(err):
		return ErrRefundNotSettleable
	default:
		return fmt.Errorf("refund escrow: %w", err)
	}
}

func noteSuffix(note string) string {
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		return ": " + trimmed
	}
	return ""
}
