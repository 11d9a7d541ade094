package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/giftwell/api/internal/domain"
	pfirestore "github.com/giftwell/api/internal/platform/firestore"
)

const rulesCollection = "autoGiftRules"

// Firestore caps disjunctions at 30 values, so user filters are chunked.
const userFilterChunkSize = 30

type ruleDocument struct {
	UserID       string            `firestore:"userId"`
	RecipientID  string            `firestore:"recipientId"`
	OccasionType string            `firestore:"occasionType"`
	BudgetCents  int64             `firestore:"budgetCents"`
	Currency     string            `firestore:"currency"`
	LeadTimeDays int               `firestore:"leadTimeDays"`
	ApprovalMode string            `firestore:"approvalMode"`
	Enabled      bool              `firestore:"enabled"`
	PausedFrom   *time.Time        `firestore:"pausedFrom,omitempty"`
	PausedUntil  *time.Time        `firestore:"pausedUntil,omitempty"`
	Metadata     map[string]string `firestore:"metadata,omitempty"`
	CreatedAt    time.Time         `firestore:"createdAt"`
	UpdatedAt    time.Time         `firestore:"updatedAt"`
}

func newRuleDocument(rule domain.AutoGiftRule) ruleDocument {
	return ruleDocument{
		UserID:       strings.TrimSpace(rule.UserID),
		RecipientID:  strings.TrimSpace(rule.RecipientID),
		OccasionType: strings.TrimSpace(rule.OccasionType),
		BudgetCents:  rule.BudgetCents,
		Currency:     strings.ToUpper(strings.TrimSpace(rule.Currency)),
		LeadTimeDays: rule.LeadTimeDays,
		ApprovalMode: string(rule.ApprovalMode),
		Enabled:      rule.Enabled,
		PausedFrom:   rule.PausedFrom,
		PausedUntil:  rule.PausedUntil,
		Metadata:     rule.Metadata,
		CreatedAt:    rule.CreatedAt.UTC(),
		UpdatedAt:    rule.UpdatedAt.UTC(),
	}
}

func (d ruleDocument) toDomain(id string) domain.AutoGiftRule {
	return domain.AutoGiftRule{
		ID:           id,
		UserID:       d.UserID,
		RecipientID:  d.RecipientID,
		OccasionType: d.OccasionType,
		BudgetCents:  d.BudgetCents,
		Currency:     d.Currency,
		LeadTimeDays: d.LeadTimeDays,
		ApprovalMode: domain.ApprovalMode(d.ApprovalMode),
		Enabled:      d.Enabled,
		PausedFrom:   d.PausedFrom,
		PausedUntil:  d.PausedUntil,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// RuleRepository persists auto-gift rules in Firestore.
type RuleRepository struct {
	provider *pfirestore.Provider
	rules    *pfirestore.BaseRepository[ruleDocument]
}

// NewRuleRepository constructs a Firestore-backed rule repository.
func NewRuleRepository(provider *pfirestore.Provider) (*RuleRepository, error) {
	if provider == nil {
		return nil, errors.New("rule repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[ruleDocument](provider, rulesCollection, nil, nil)
	return &RuleRepository{provider: provider, rules: base}, nil
}

func (r *RuleRepository) Insert(ctx context.Context, rule domain.AutoGiftRule) error {
	if r == nil || r.provider == nil {
		return errors.New("rule repository not initialised")
	}
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		return errors.New("rule insert: id is required")
	}
	ref, err := r.rules.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newRuleDocument(rule)); err != nil {
		return pfirestore.WrapError("autoGiftRules.insert", err)
	}
	return nil
}

func (r *RuleRepository) Update(ctx context.Context, rule domain.AutoGiftRule) error {
	if r == nil || r.rules == nil {
		return errors.New("rule repository not initialised")
	}
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		return errors.New("rule update: id is required")
	}
	if _, err := r.rules.Set(ctx, id, newRuleDocument(rule)); err != nil {
		return pfirestore.WrapError("autoGiftRules.update", err)
	}
	return nil
}

func (r *RuleRepository) FindByID(ctx context.Context, ruleID string) (domain.AutoGiftRule, error) {
	if r == nil || r.rules == nil {
		return domain.AutoGiftRule{}, errors.New("rule repository not initialised")
	}
	doc, err := r.rules.Get(ctx, strings.TrimSpace(ruleID))
	if err != nil {
		return domain.AutoGiftRule{}, pfirestore.WrapError("autoGiftRules.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *RuleRepository) ListEnabled(ctx context.Context, userFilter []string) ([]domain.AutoGiftRule, error) {
	if r == nil || r.rules == nil {
		return nil, errors.New("rule repository not initialised")
	}

	filter := normaliseUserFilter(userFilter)
	if len(filter) == 0 {
		docs, err := r.rules.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("enabled", "==", true)
		})
		if err != nil {
			return nil, err
		}
		return ruleDocsToDomain(docs), nil
	}

	var rules []domain.AutoGiftRule
	for start := 0; start < len(filter); start += userFilterChunkSize {
		end := start + userFilterChunkSize
		if end > len(filter) {
			end = len(filter)
		}
		chunk := filter[start:end]
		docs, err := r.rules.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("enabled", "==", true).Where("userId", "in", chunk)
		})
		if err != nil {
			return nil, err
		}
		rules = append(rules, ruleDocsToDomain(docs)...)
	}
	return rules, nil
}

func normaliseUserFilter(userFilter []string) []any {
	var out []any
	seen := make(map[string]struct{}, len(userFilter))
	for _, id := range userFilter {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func ruleDocsToDomain(docs []pfirestore.Document[ruleDocument]) []domain.AutoGiftRule {
	rules := make([]domain.AutoGiftRule, 0, len(docs))
	for _, doc := range docs {
		rules = append(rules, doc.Data.toDomain(doc.ID))
	}
	return rules
}
