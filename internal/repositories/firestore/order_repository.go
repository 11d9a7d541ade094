package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/giftwell/api/internal/domain"
	pfirestore "github.com/giftwell/api/internal/platform/firestore"
	"github.com/giftwell/api/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	OrderNumber                 string            `firestore:"orderNumber"`
	UserID                      string            `firestore:"userId"`
	ExecutionID                 string            `firestore:"executionId,omitempty"`
	Status                      string            `firestore:"status"`
	PaymentStatus               string            `firestore:"paymentStatus"`
	OrderMethod                 string            `firestore:"orderMethod"`
	PaymentIntentID             string            `firestore:"paymentIntentId,omitempty"`
	FulfillmentPartnerRequestID string            `firestore:"partnerRequestId,omitempty"`
	FulfillmentPartnerOrderID   string            `firestore:"partnerOrderId,omitempty"`
	AmountCents                 int64             `firestore:"amountCents"`
	CurrencyCode                string            `firestore:"currencyCode"`
	AbortMethod                 string            `firestore:"abortMethod,omitempty"`
	RetryCount                  int               `firestore:"retryCount"`
	LastFailureReason           string            `firestore:"lastFailureReason,omitempty"`
	Metadata                    map[string]string `firestore:"metadata,omitempty"`
	CreatedAt                   time.Time         `firestore:"createdAt"`
	UpdatedAt                   time.Time         `firestore:"updatedAt"`
	ShippedAt                   *time.Time        `firestore:"shippedAt,omitempty"`
	DeliveredAt                 *time.Time        `firestore:"deliveredAt,omitempty"`
	CancelledAt                 *time.Time        `firestore:"cancelledAt,omitempty"`
	AbortedAt                   *time.Time        `firestore:"abortedAt,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:                 strings.TrimSpace(order.OrderNumber),
		UserID:                      strings.TrimSpace(order.UserID),
		ExecutionID:                 strings.TrimSpace(order.ExecutionID),
		Status:                      string(order.Status),
		PaymentStatus:               string(order.PaymentStatus),
		OrderMethod:                 strings.TrimSpace(order.OrderMethod),
		PaymentIntentID:             strings.TrimSpace(order.PaymentIntentID),
		FulfillmentPartnerRequestID: strings.TrimSpace(order.FulfillmentPartnerRequestID),
		FulfillmentPartnerOrderID:   strings.TrimSpace(order.FulfillmentPartnerOrderID),
		AmountCents:                 order.AmountCents,
		CurrencyCode:                strings.ToUpper(strings.TrimSpace(order.CurrencyCode)),
		AbortMethod:                 string(order.AbortMethod),
		RetryCount:                  order.RetryCount,
		LastFailureReason:           strings.TrimSpace(order.LastFailureReason),
		Metadata:                    order.Metadata,
		CreatedAt:                   order.CreatedAt.UTC(),
		UpdatedAt:                   order.UpdatedAt.UTC(),
		ShippedAt:                   order.ShippedAt,
		DeliveredAt:                 order.DeliveredAt,
		CancelledAt:                 order.CancelledAt,
		AbortedAt:                   order.AbortedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:                          id,
		OrderNumber:                 d.OrderNumber,
		UserID:                      d.UserID,
		ExecutionID:                 d.ExecutionID,
		Status:                      domain.OrderStatus(d.Status),
		PaymentStatus:               domain.PaymentStatus(d.PaymentStatus),
		OrderMethod:                 d.OrderMethod,
		PaymentIntentID:             d.PaymentIntentID,
		FulfillmentPartnerRequestID: d.FulfillmentPartnerRequestID,
		FulfillmentPartnerOrderID:   d.FulfillmentPartnerOrderID,
		AmountCents:                 d.AmountCents,
		CurrencyCode:                d.CurrencyCode,
		AbortMethod:                 domain.AbortMethod(d.AbortMethod),
		RetryCount:                  d.RetryCount,
		LastFailureReason:           d.LastFailureReason,
		Metadata:                    d.Metadata,
		CreatedAt:                   d.CreatedAt,
		UpdatedAt:                   d.UpdatedAt,
		ShippedAt:                   d.ShippedAt,
		DeliveredAt:                 d.DeliveredAt,
		CancelledAt:                 d.CancelledAt,
		AbortedAt:                   d.AbortedAt,
	}
}

// OrderRepository persists order headers in Firestore. All conditional updates
// run inside transactions so concurrent writers serialise per order.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	notes    *pfirestore.BaseRepository[orderNoteDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	notes := pfirestore.NewBaseRepository[orderNoteDocument](provider, orderNotesCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders, notes: notes}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order insert: id is required")
	}
	ref, err := r.orders.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByPartnerRequestID(ctx context.Context, requestID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.Order{}, errors.New("order lookup: partner request id is required")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("partnerRequestId", "==", requestID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.get", status.Errorf(codes.NotFound, "order with partner request %s not found", requestID))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", statusValues(filter.Status))
	}
	if method := strings.TrimSpace(filter.Method); method != "" {
		query = query.Where("orderMethod", "==", method)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodePageCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		query = query.StartAfter(cursor.At, cursor.DocID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}

	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextToken, err = encodePageCursor(pageCursor{At: last.CreatedAt, DocID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

func (r *OrderRepository) UpdateStatusIf(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, mutate func(*domain.Order)) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order update: id is required")
	}

	expected := make(map[string]struct{}, len(from))
	for _, s := range from {
		expected[string(s)] = struct{}{}
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		if _, ok := expected[doc.Status]; !ok {
			return status.Errorf(codes.FailedPrecondition, "order %s is %s", orderID, doc.Status)
		}

		entity := doc.toDomain(orderID)
		entity.Status = to
		if mutate != nil {
			mutate(&entity)
		}
		entity.Status = to
		entity.ID = orderID

		next := newOrderDocument(entity)
		if err := tx.Set(ref, next); err != nil {
			return err
		}
		updated = next.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.updateStatusIf", err)
	}
	return updated, nil
}

func (r *OrderRepository) SetOrderMethodIf(ctx context.Context, orderID string, from, to string) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, errors.New("order method update: id is required")
	}
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return false, errors.New("order method update: from and to are required")
	}

	converted := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		if doc.OrderMethod != from {
			// Concurrent conversion already won; nothing to do.
			converted = false
			return nil
		}
		converted = true
		return tx.Update(ref, []firestore.Update{
			{Path: "orderMethod", Value: to},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		return false, pfirestore.WrapError("orders.setOrderMethodIf", err)
	}
	return converted, nil
}

func (r *OrderRepository) CountByMethodSince(ctx context.Context, since time.Time) (repositories.MethodCounts, error) {
	if r == nil || r.orders == nil {
		return repositories.MethodCounts{}, errors.New("order repository not initialised")
	}

	counts := repositories.MethodCounts{
		ByMethod: make(map[string]int64),
		LastSeen: make(map[string]time.Time),
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("createdAt", ">=", since.UTC())
	})
	if err != nil {
		return repositories.MethodCounts{}, err
	}
	for _, doc := range docs {
		method := doc.Data.OrderMethod
		if method == "" {
			continue
		}
		counts.ByMethod[method]++
		if doc.Data.UpdatedAt.After(counts.LastSeen[method]) {
			counts.LastSeen[method] = doc.Data.UpdatedAt
		}
	}

	// Converted orders carry the supported method afterwards, so conversions
	// are tallied from the security alert notes the guard leaves behind.
	noteDocs, err := r.notes.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("noteType", "==", string(domain.NoteTypeSecurityAlert)).
			Where("createdAt", ">=", since.UTC())
	})
	if err != nil {
		return repositories.MethodCounts{}, err
	}
	counts.Conversions = int64(len(noteDocs))
	for _, doc := range noteDocs {
		if doc.Data.CreatedAt.After(counts.LastSeen[domain.OrderMethodLegacyZincAPI]) {
			counts.LastSeen[domain.OrderMethodLegacyZincAPI] = doc.Data.CreatedAt
		}
	}

	return counts, nil
}
