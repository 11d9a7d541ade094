package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/giftwell/api/internal/domain"
)

func selectorRule(budget int64, metadata map[string]string) domain.AutoGiftRule {
	return domain.AutoGiftRule{
		ID:          "rule_1",
		UserID:      "user_1",
		BudgetCents: budget,
		Currency:    "USD",
		Metadata:    metadata,
	}
}

func TestBudgetGiftSelectorPrefersRuleProduct(t *testing.T) {
	selector, err := NewBudgetGiftSelector(nil)
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}

	selection, err := selector.SelectGift(context.Background(), selectorRule(5000, map[string]string{
		"preferredProductRef": "prod_flowers",
		"preferredPriceCents": "3500",
	}), domain.CalendarEvent{OccasionType: "birthday"})
	if err != nil {
		t.Fatalf("select gift: %v", err)
	}
	if selection.ProductRef != "prod_flowers" {
		t.Fatalf("expected preferred product, got %q", selection.ProductRef)
	}
	if selection.PriceCents != 3500 {
		t.Fatalf("expected preferred price, got %d", selection.PriceCents)
	}
}

func TestBudgetGiftSelectorRejectsPreferredOverBudget(t *testing.T) {
	selector, err := NewBudgetGiftSelector(nil)
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}

	_, err = selector.SelectGift(context.Background(), selectorRule(1000, map[string]string{
		"preferredProductRef": "prod_watch",
		"preferredPriceCents": "250000",
	}), domain.CalendarEvent{})
	if !errors.Is(err, ErrGiftSelectionFailed) {
		t.Fatalf("expected selection failure, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation classification, got %v", err)
	}
}

func TestBudgetGiftSelectorPicksBestCatalogFit(t *testing.T) {
	selector, err := NewBudgetGiftSelector([]GiftSelection{
		{ProductRef: "prod_card", PriceCents: 500, Currency: "USD"},
		{ProductRef: "prod_chocolates", PriceCents: 2900, Currency: "USD"},
		{ProductRef: "prod_hamper", PriceCents: 9900, Currency: "USD"},
		{ProductRef: "prod_eu_hamper", PriceCents: 2500, Currency: "EUR"},
	})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}

	selection, err := selector.SelectGift(context.Background(), selectorRule(3000, nil), domain.CalendarEvent{})
	if err != nil {
		t.Fatalf("select gift: %v", err)
	}
	if selection.ProductRef != "prod_chocolates" {
		t.Fatalf("expected best in-budget same-currency entry, got %q", selection.ProductRef)
	}
}

func TestBudgetGiftSelectorFailsWhenNothingFits(t *testing.T) {
	selector, err := NewBudgetGiftSelector([]GiftSelection{
		{ProductRef: "prod_hamper", PriceCents: 9900, Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}

	_, err = selector.SelectGift(context.Background(), selectorRule(1000, nil), domain.CalendarEvent{})
	if !errors.Is(err, ErrGiftSelectionFailed) {
		t.Fatalf("expected selection failure, got %v", err)
	}
}
