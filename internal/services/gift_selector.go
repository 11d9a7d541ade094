package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// metadata keys a rule may carry to steer selection.
const (
	ruleMetaPreferredProduct = "preferredProductRef"
	ruleMetaPreferredPrice   = "preferredPriceCents"
)

type budgetGiftSelector struct {
	catalog []GiftSelection
}

// NewBudgetGiftSelector builds a selector that honours a rule's explicit
// product preference when present and otherwise picks the most expensive
// catalog entry that fits the rule budget. The catalog is a static fallback;
// richer strategies plug in behind the same interface.
func NewBudgetGiftSelector(catalog []GiftSelection) (GiftSelector, error) {
	cleaned := make([]GiftSelection, 0, len(catalog))
	for _, item := range catalog {
		if strings.TrimSpace(item.ProductRef) == "" || item.PriceCents <= 0 {
			continue
		}
		cleaned = append(cleaned, item)
	}
	return &budgetGiftSelector{catalog: cleaned}, nil
}

func (s *budgetGiftSelector) SelectGift(_ context.Context, rule AutoGiftRule, event CalendarEvent) (GiftSelection, error) {
	if rule.BudgetCents <= 0 {
		return GiftSelection{}, fmt.Errorf("%w: rule %s has no budget", ErrGiftSelectionFailed, rule.ID)
	}

	if ref := strings.TrimSpace(rule.Metadata[ruleMetaPreferredProduct]); ref != "" {
		price := rule.BudgetCents
		if raw := strings.TrimSpace(rule.Metadata[ruleMetaPreferredPrice]); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed <= 0 {
				return GiftSelection{}, fmt.Errorf("%w: rule %s has invalid preferred price", ErrGiftSelectionFailed, rule.ID)
			}
			price = parsed
		}
		if price > rule.BudgetCents {
			return GiftSelection{}, fmt.Errorf("%w: preferred product exceeds budget for rule %s", ErrGiftSelectionFailed, rule.ID)
		}
		return GiftSelection{
			ProductRef:  ref,
			Description: fmt.Sprintf("preferred gift for %s", strings.TrimSpace(event.OccasionType)),
			PriceCents:  price,
			Currency:    rule.Currency,
		}, nil
	}

	var best *GiftSelection
	for i := range s.catalog {
		item := s.catalog[i]
		if item.PriceCents > rule.BudgetCents {
			continue
		}
		if item.Currency != "" && rule.Currency != "" && !strings.EqualFold(item.Currency, rule.Currency) {
			continue
		}
		if best == nil || item.PriceCents > best.PriceCents {
			best = &item
		}
	}
	if best == nil {
		return GiftSelection{}, fmt.Errorf("%w: no catalog entry within budget for rule %s", ErrGiftSelectionFailed, rule.ID)
	}

	selected := *best
	if selected.Currency == "" {
		selected.Currency = rule.Currency
	}
	return selected, nil
}
