package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/giftwell/api/internal/domain"
	pfirestore "github.com/giftwell/api/internal/platform/firestore"
)

const refundRequestsCollection = "refundRequests"

type refundRequestDocument struct {
	OrderID         string     `firestore:"orderId"`
	AmountCents     int64      `firestore:"amountCents"`
	CurrencyCode    string     `firestore:"currencyCode"`
	Reason          string     `firestore:"reason,omitempty"`
	Status          string     `firestore:"status"`
	GatewayRefundID string     `firestore:"gatewayRefundId,omitempty"`
	RequestedBy     string     `firestore:"requestedBy"`
	SettledBy       string     `firestore:"settledBy,omitempty"`
	FailureReason   string     `firestore:"failureReason,omitempty"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	UpdatedAt       time.Time  `firestore:"updatedAt"`
	SettledAt       *time.Time `firestore:"settledAt,omitempty"`
}

func newRefundRequestDocument(req domain.RefundRequest) refundRequestDocument {
	return refundRequestDocument{
		OrderID:         strings.TrimSpace(req.OrderID),
		AmountCents:     req.AmountCents,
		CurrencyCode:    strings.ToUpper(strings.TrimSpace(req.CurrencyCode)),
		Reason:          strings.TrimSpace(req.Reason),
		Status:          string(req.Status),
		GatewayRefundID: strings.TrimSpace(req.GatewayRefundID),
		RequestedBy:     strings.TrimSpace(req.RequestedBy),
		SettledBy:       strings.TrimSpace(req.SettledBy),
		FailureReason:   strings.TrimSpace(req.FailureReason),
		CreatedAt:       req.CreatedAt.UTC(),
		UpdatedAt:       req.UpdatedAt.UTC(),
		SettledAt:       req.SettledAt,
	}
}

func (d refundRequestDocument) toDomain(id string) domain.RefundRequest {
	return domain.RefundRequest{
		ID:              id,
		OrderID:         d.OrderID,
		AmountCents:     d.AmountCents,
		CurrencyCode:    d.CurrencyCode,
		Reason:          d.Reason,
		Status:          domain.RefundStatus(d.Status),
		GatewayRefundID: d.GatewayRefundID,
		RequestedBy:     d.RequestedBy,
		SettledBy:       d.SettledBy,
		FailureReason:   d.FailureReason,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		SettledAt:       d.SettledAt,
	}
}

// RefundRequestRepository persists refund escrow records in Firestore.
type RefundRequestRepository struct {
	provider *pfirestore.Provider
	refunds  *pfirestore.BaseRepository[refundRequestDocument]
}

// NewRefundRequestRepository constructs a Firestore-backed refund request repository.
func NewRefundRequestRepository(provider *pfirestore.Provider) (*RefundRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("refund request repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[refundRequestDocument](provider, refundRequestsCollection, nil, nil)
	return &RefundRequestRepository{provider: provider, refunds: base}, nil
}

func (r *RefundRequestRepository) Insert(ctx context.Context, req domain.RefundRequest) error {
	if r == nil || r.refunds == nil {
		return errors.New("refund request repository not initialised")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return errors.New("refund request insert: id is required")
	}
	ref, err := r.refunds.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newRefundRequestDocument(req)); err != nil {
		return pfirestore.WrapError("refundRequests.insert", err)
	}
	return nil
}

func (r *RefundRequestRepository) FindByID(ctx context.Context, refundRequestID string) (domain.RefundRequest, error) {
	if r == nil || r.refunds == nil {
		return domain.RefundRequest{}, errors.New("refund request repository not initialised")
	}
	doc, err := r.refunds.Get(ctx, strings.TrimSpace(refundRequestID))
	if err != nil {
		return domain.RefundRequest{}, pfirestore.WrapError("refundRequests.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *RefundRequestRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	if r == nil || r.refunds == nil {
		return nil, errors.New("refund request repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("refund request list: order id is required")
	}

	docs, err := r.refunds.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	requests := make([]domain.RefundRequest, 0, len(docs))
	for _, doc := range docs {
		requests = append(requests, doc.Data.toDomain(doc.ID))
	}
	return requests, nil
}

func (r *RefundRequestRepository) UpdateStatusIf(ctx context.Context, refundRequestID string, from []domain.RefundStatus, to domain.RefundStatus, mutate func(*domain.RefundRequest)) (domain.RefundRequest, error) {
	if r == nil || r.provider == nil {
		return domain.RefundRequest{}, errors.New("refund request repository not initialised")
	}
	refundRequestID = strings.TrimSpace(refundRequestID)
	if refundRequestID == "" {
		return domain.RefundRequest{}, errors.New("refund request update: id is required")
	}

	expected := make(map[string]struct{}, len(from))
	for _, s := range from {
		expected[string(s)] = struct{}{}
	}

	var updated domain.RefundRequest
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.refunds.DocumentRef(ctx, refundRequestID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc refundRequestDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode refund request %s: %w", snap.Ref.ID, err)
		}
		if _, ok := expected[doc.Status]; !ok {
			return status.Errorf(codes.FailedPrecondition, "refund request %s is %s", refundRequestID, doc.Status)
		}

		entity := doc.toDomain(refundRequestID)
		entity.Status = to
		if mutate != nil {
			mutate(&entity)
		}
		entity.Status = to
		entity.ID = refundRequestID

		next := newRefundRequestDocument(entity)
		if err := tx.Set(ref, next); err != nil {
			return err
		}
		updated = next.toDomain(refundRequestID)
		return nil
	})
	if err != nil {
		return domain.RefundRequest{}, pfirestore.WrapError("refundRequests.updateStatusIf", err)
	}
	return updated, nil
}

func (r *RefundRequestRepository) SumSettledByOrder(ctx context.Context, orderID string) (int64, error) {
	if r == nil || r.refunds == nil {
		return 0, errors.New("refund request repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, errors.New("refund request sum: order id is required")
	}

	docs, err := r.refunds.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("orderId", "==", orderID).
			Where("status", "in", []any{
				string(domain.RefundStatusApproved),
				string(domain.RefundStatusCompleted),
			})
	})
	if err != nil {
		return 0, err
	}

	var total int64
	for _, doc := range docs {
		total += doc.Data.AmountCents
	}
	return total, nil
}
