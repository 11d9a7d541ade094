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

// Executions are keyed by their (rule, event, date) natural key so that a
// re-run of the scheduler hits AlreadyExists instead of writing a duplicate.
// The generated execution ID lives in the document body and is indexed for
// point lookups.
const executionsCollection = "executions"

type executionDocument struct {
	ExecutionID   string            `firestore:"id"`
	RuleID        string            `firestore:"ruleId"`
	EventID       string            `firestore:"eventId"`
	UserID        string            `firestore:"userId"`
	ExecutionDate time.Time         `firestore:"executionDate"`
	Status        string            `firestore:"status"`
	OrderID       string            `firestore:"orderId,omitempty"`
	ScheduledBy   string            `firestore:"scheduledBy"`
	Attempts      int               `firestore:"attempts"`
	LastError     string            `firestore:"lastError,omitempty"`
	Metadata      map[string]string `firestore:"metadata,omitempty"`
	CreatedAt     time.Time         `firestore:"createdAt"`
	UpdatedAt     time.Time         `firestore:"updatedAt"`
}

func newExecutionDocument(execution domain.Execution) executionDocument {
	return executionDocument{
		ExecutionID:   strings.TrimSpace(execution.ID),
		RuleID:        strings.TrimSpace(execution.RuleID),
		EventID:       strings.TrimSpace(execution.EventID),
		UserID:        strings.TrimSpace(execution.UserID),
		ExecutionDate: execution.ExecutionDate.UTC(),
		Status:        string(execution.Status),
		OrderID:       strings.TrimSpace(execution.OrderID),
		ScheduledBy:   strings.TrimSpace(execution.ScheduledBy),
		Attempts:      execution.Attempts,
		LastError:     strings.TrimSpace(execution.LastError),
		Metadata:      execution.Metadata,
		CreatedAt:     execution.CreatedAt.UTC(),
		UpdatedAt:     execution.UpdatedAt.UTC(),
	}
}

func (d executionDocument) toDomain() domain.Execution {
	return domain.Execution{
		ID:            d.ExecutionID,
		RuleID:        d.RuleID,
		EventID:       d.EventID,
		UserID:        d.UserID,
		ExecutionDate: d.ExecutionDate,
		Status:        domain.ExecutionStatus(d.Status),
		OrderID:       d.OrderID,
		ScheduledBy:   d.ScheduledBy,
		Attempts:      d.Attempts,
		LastError:     d.LastError,
		Metadata:      d.Metadata,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// ExecutionRepository persists scheduled executions in Firestore.
type ExecutionRepository struct {
	provider   *pfirestore.Provider
	executions *pfirestore.BaseRepository[executionDocument]
}

// NewExecutionRepository constructs a Firestore-backed execution repository.
func NewExecutionRepository(provider *pfirestore.Provider) (*ExecutionRepository, error) {
	if provider == nil {
		return nil, errors.New("execution repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[executionDocument](provider, executionsCollection, nil, nil)
	return &ExecutionRepository{provider: provider, executions: base}, nil
}

func (r *ExecutionRepository) Insert(ctx context.Context, execution domain.Execution) error {
	if r == nil || r.executions == nil {
		return errors.New("execution repository not initialised")
	}
	if strings.TrimSpace(execution.ID) == "" {
		return errors.New("execution insert: id is required")
	}
	if strings.TrimSpace(execution.RuleID) == "" || strings.TrimSpace(execution.EventID) == "" {
		return errors.New("execution insert: rule and event ids are required")
	}

	key := domain.ExecutionKey(execution.RuleID, execution.EventID, execution.ExecutionDate)
	ref, err := r.executions.DocumentRef(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newExecutionDocument(execution)); err != nil {
		return pfirestore.WrapError("executions.insert", err)
	}
	return nil
}

func (r *ExecutionRepository) Update(ctx context.Context, execution domain.Execution) error {
	if r == nil || r.executions == nil {
		return errors.New("execution repository not initialised")
	}
	key := domain.ExecutionKey(execution.RuleID, execution.EventID, execution.ExecutionDate)
	if _, err := r.executions.Set(ctx, key, newExecutionDocument(execution)); err != nil {
		return pfirestore.WrapError("executions.update", err)
	}
	return nil
}

func (r *ExecutionRepository) FindByID(ctx context.Context, executionID string) (domain.Execution, error) {
	if r == nil || r.executions == nil {
		return domain.Execution{}, errors.New("execution repository not initialised")
	}
	doc, err := r.findDocByExecutionID(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	return doc.Data.toDomain(), nil
}

func (r *ExecutionRepository) FindByKey(ctx context.Context, ruleID, eventID string, executionDate time.Time) (domain.Execution, error) {
	if r == nil || r.executions == nil {
		return domain.Execution{}, errors.New("execution repository not initialised")
	}
	key := domain.ExecutionKey(ruleID, eventID, executionDate)
	doc, err := r.executions.Get(ctx, key)
	if err != nil {
		return domain.Execution{}, pfirestore.WrapError("executions.get", err)
	}
	return doc.Data.toDomain(), nil
}

func (r *ExecutionRepository) ListByRun(ctx context.Context, runID string) ([]domain.Execution, error) {
	if r == nil || r.executions == nil {
		return nil, errors.New("execution repository not initialised")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("execution list: run id is required")
	}

	docs, err := r.executions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("scheduledBy", "==", runID).OrderBy("executionDate", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	executions := make([]domain.Execution, 0, len(docs))
	for _, doc := range docs {
		executions = append(executions, doc.Data.toDomain())
	}
	return executions, nil
}

func (r *ExecutionRepository) List(ctx context.Context, filter repositories.ExecutionListFilter) (domain.CursorPage[domain.Execution], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Execution]{}, errors.New("execution repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Execution]{}, pfirestore.WrapError("executions.list", err)
	}

	query := client.Collection(executionsCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", statusValues(filter.Status))
	}
	if filter.DateRange.From != nil {
		query = query.Where("executionDate", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("executionDate", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("executionDate", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodePageCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Execution]{}, err
		}
		query = query.StartAfter(cursor.At, cursor.DocID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var executions []domain.Execution
	var lastDocID string
	var lastAt time.Time
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Execution]{}, pfirestore.WrapError("executions.list", err)
		}
		var doc executionDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Execution]{}, fmt.Errorf("decode execution %s: %w", snap.Ref.ID, err)
		}
		executions = append(executions, doc.toDomain())
		lastDocID = snap.Ref.ID
		lastAt = doc.ExecutionDate
	}

	hasMore := len(executions) > pageSize
	if hasMore {
		trimmed := executions[:pageSize]
		last := trimmed[len(trimmed)-1]
		lastDocID = domain.ExecutionKey(last.RuleID, last.EventID, last.ExecutionDate)
		lastAt = last.ExecutionDate
		executions = trimmed
	}

	var nextToken string
	if hasMore {
		nextToken, err = encodePageCursor(pageCursor{At: lastAt, DocID: lastDocID})
		if err != nil {
			return domain.CursorPage[domain.Execution]{}, err
		}
	}

	return domain.CursorPage[domain.Execution]{Items: executions, NextPageToken: nextToken}, nil
}

func (r *ExecutionRepository) UpdateStatusIf(ctx context.Context, executionID string, from []domain.ExecutionStatus, to domain.ExecutionStatus, mutate func(*domain.Execution)) (domain.Execution, error) {
	if r == nil || r.provider == nil {
		return domain.Execution{}, errors.New("execution repository not initialised")
	}

	located, err := r.findDocByExecutionID(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}

	expected := make(map[string]struct{}, len(from))
	for _, s := range from {
		expected[string(s)] = struct{}{}
	}

	var updated domain.Execution
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.executions.DocumentRef(ctx, located.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc executionDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode execution %s: %w", snap.Ref.ID, err)
		}
		if _, ok := expected[doc.Status]; !ok {
			return status.Errorf(codes.FailedPrecondition, "execution %s is %s", executionID, doc.Status)
		}

		entity := doc.toDomain()
		entity.Status = to
		if mutate != nil {
			mutate(&entity)
		}
		entity.Status = to

		next := newExecutionDocument(entity)
		if err := tx.Set(ref, next); err != nil {
			return err
		}
		updated = next.toDomain()
		return nil
	})
	if err != nil {
		return domain.Execution{}, pfirestore.WrapError("executions.updateStatusIf", err)
	}
	return updated, nil
}

func (r *ExecutionRepository) findDocByExecutionID(ctx context.Context, executionID string) (pfirestore.Document[executionDocument], error) {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return pfirestore.Document[executionDocument]{}, errors.New("execution lookup: id is required")
	}

	docs, err := r.executions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("id", "==", executionID).Limit(1)
	})
	if err != nil {
		return pfirestore.Document[executionDocument]{}, err
	}
	if len(docs) == 0 {
		return pfirestore.Document[executionDocument]{}, pfirestore.WrapError("executions.get", status.Errorf(codes.NotFound, "execution %s not found", executionID))
	}
	return docs[0], nil
}

func statusValues[T ~string](statuses []T) []any {
	values := make([]any, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	return values
}
