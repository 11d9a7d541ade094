package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/repositories"
)

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	idGen  func() string
	logger Logger
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}
	if deps.IDGenerator == nil {
		return nil, fmt.Errorf("audit log service: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &auditLogService{
		repo:   deps.Repository,
		clock:  func() time.Time { return clock().UTC() },
		idGen:  deps.IDGenerator,
		logger: logger,
	}, nil
}

// Record persists an audit entry after sanitising its fields. Entries are
// immutable once written.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) (AuditLogEntry, error) {
	entry := s.buildEntry(record)
	if entry.Actor == "" {
		return AuditLogEntry{}, fmt.Errorf("%w: audit actor is required", ErrValidation)
	}
	if entry.Action == "" {
		return AuditLogEntry{}, fmt.Errorf("%w: audit action is required", ErrValidation)
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		return AuditLogEntry{}, fmt.Errorf("audit log service: append: %w", err)
	}
	return entry, nil
}

// List delegates to the repository to retrieve paginated audit entries.
func (s *auditLogService) List(ctx context.Context, query AuditLogQuery) (domain.CursorPage[AuditLogEntry], error) {
	page, err := s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef:  strings.TrimSpace(query.TargetRef),
		Actor:      strings.TrimSpace(query.Actor),
		Action:     strings.TrimSpace(query.Action),
		DateRange:  domain.RangeQuery[time.Time]{From: query.From, To: query.To},
		Pagination: query.Pagination,
	})
	if err != nil {
		return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("audit log service: list: %w", err)
	}
	return page, nil
}

func (s *auditLogService) buildEntry(record AuditLogRecord) domain.AuditLogEntry {
	entry := domain.AuditLogEntry{
		ID:         "audit_" + s.idGen(),
		Actor:      sanitizeText(record.Actor, 160),
		Action:     sanitizeText(record.Action, 120),
		TargetType: sanitizeText(record.TargetType, 80),
		TargetID:   sanitizeText(record.TargetID, 200),
		CreatedAt:  s.clock(),
	}
	if detail := sanitizeDetail(record.Detail); len(detail) > 0 {
		entry.Detail = detail
	}
	return entry
}

func sanitizeDetail(detail map[string]any) map[string]any {
	if len(detail) == 0 {
		return nil
	}
	result := make(map[string]any, len(detail))
	for key, value := range detail {
		trimmedKey := sanitizeText(key, 80)
		if trimmedKey == "" {
			continue
		}
		switch v := value.(type) {
		case string:
			result[trimmedKey] = sanitizeText(v, 512)
		case fmt.Stringer:
			result[trimmedKey] = sanitizeText(v.String(), 512)
		default:
			result[trimmedKey] = v
		}
	}
	return result
}

func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		if builder.Len() >= limit {
			break
		}
	}
	return builder.String()
}
