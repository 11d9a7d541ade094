package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/giftwell/api/internal/domain"
	pfirestore "github.com/giftwell/api/internal/platform/firestore"
	"github.com/giftwell/api/internal/repositories"
)

const auditLogsCollection = "auditLogs"

type auditLogDocument struct {
	Actor      string         `firestore:"actor"`
	Action     string         `firestore:"action"`
	TargetType string         `firestore:"targetType"`
	TargetID   string         `firestore:"targetId"`
	TargetRef  string         `firestore:"targetRef"`
	Detail     map[string]any `firestore:"detail,omitempty"`
	CreatedAt  time.Time      `firestore:"createdAt"`
}

func newAuditLogDocument(entry domain.AuditLogEntry) auditLogDocument {
	targetType := strings.TrimSpace(entry.TargetType)
	targetID := strings.TrimSpace(entry.TargetID)
	return auditLogDocument{
		Actor:      strings.TrimSpace(entry.Actor),
		Action:     strings.TrimSpace(entry.Action),
		TargetType: targetType,
		TargetID:   targetID,
		TargetRef:  auditTargetRef(targetType, targetID),
		Detail:     entry.Detail,
		CreatedAt:  entry.CreatedAt.UTC(),
	}
}

func (d auditLogDocument) toDomain(id string) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:         id,
		Actor:      d.Actor,
		Action:     d.Action,
		TargetType: d.TargetType,
		TargetID:   d.TargetID,
		Detail:     d.Detail,
		CreatedAt:  d.CreatedAt,
	}
}

func auditTargetRef(targetType, targetID string) string {
	if targetType == "" && targetID == "" {
		return ""
	}
	return targetType + "/" + targetID
}

// AuditLogRepository persists immutable audit trail entries in Firestore.
type AuditLogRepository struct {
	provider *pfirestore.Provider
	entries  *pfirestore.BaseRepository[auditLogDocument]
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection, nil, nil)
	return &AuditLogRepository{provider: provider, entries: base}, nil
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.entries == nil {
		return errors.New("audit log repository not initialised")
	}
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return errors.New("audit log append: id is required")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit log append: action is required")
	}
	ref, err := r.entries.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newAuditLogDocument(entry)); err != nil {
		return pfirestore.WrapError("auditLogs.append", err)
	}
	return nil
}

func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("audit log repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
	}

	query := client.Collection(auditLogsCollection).Query
	if targetRef := strings.TrimSpace(filter.TargetRef); targetRef != "" {
		query = query.Where("targetRef", "==", targetRef)
	}
	if actor := strings.TrimSpace(filter.Actor); actor != "" {
		query = query.Where("actor", "==", actor)
	}
	if action := strings.TrimSpace(filter.Action); action != "" {
		query = query.Where("action", "==", action)
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
			return domain.CursorPage[domain.AuditLogEntry]{}, err
		}
		query = query.StartAfter(cursor.At, cursor.DocID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var entries []domain.AuditLogEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		var doc auditLogDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("decode audit log %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(entries) > pageSize
	if hasMore {
		entries = entries[:pageSize]
	}

	var nextToken string
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		nextToken, err = encodePageCursor(pageCursor{At: last.CreatedAt, DocID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, err
		}
	}

	return domain.CursorPage[domain.AuditLogEntry]{Items: entries, NextPageToken: nextToken}, nil
}
