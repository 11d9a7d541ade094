package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/repositories"
)

func guardFixture(t *testing.T, orders repositories.OrderRepository, notes *stubNoteRepo) MethodGuardService {
	t.Helper()
	svc, err := NewMethodGuardService(MethodGuardServiceDeps{
		Orders:      orders,
		Notes:       notes,
		Clock:       fixedClock,
		IDGenerator: sequenceIDGen(),
	})
	if err != nil {
		t.Fatalf("NewMethodGuardService: %v", err)
	}
	return svc
}

func TestValidateOrderMethodPassesSupportedMethod(t *testing.T) {
	orders := newMemoryOrderRepo(domain.Order{ID: "ord_1", OrderMethod: domain.OrderMethodZMA})
	notes := &stubNoteRepo{}

	result, err := guardFixture(t, orders, notes).ValidateOrderMethod(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("ValidateOrderMethod: %v", err)
	}
	if !result.IsValid || result.Converted {
		t.Fatalf("result = %+v, want valid and unconverted", result)
	}
	if result.OrderMethod != domain.OrderMethodZMA {
		t.Fatalf("method = %q", result.OrderMethod)
	}
	if len(notes.notes) != 0 {
		t.Fatal("valid orders must not produce notes")
	}
}

func TestValidateOrderMethodRewritesForbiddenValue(t *testing.T) {
	orders := newMemoryOrderRepo(domain.Order{ID: "ord_1", OrderMethod: domain.OrderMethodLegacyZincAPI})
	notes := &stubNoteRepo{}

	result, err := guardFixture(t, orders, notes).ValidateOrderMethod(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("ValidateOrderMethod: %v", err)
	}
	if !result.IsValid || !result.Converted {
		t.Fatalf("result = %+v, want valid and converted", result)
	}
	if result.OrderMethod != domain.OrderMethodZMA {
		t.Fatalf("method = %q, want rewrite to zma", result.OrderMethod)
	}

	stored, _ := orders.FindByID(context.Background(), "ord_1")
	if stored.OrderMethod != domain.OrderMethodZMA {
		t.Fatalf("stored method = %q, not rewritten", stored.OrderMethod)
	}
	alerts := notes.byType(domain.NoteTypeSecurityAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one security alert note, got %d", len(alerts))
	}
}

func TestValidateOrderMethodConcurrentConversionHasOneWinner(t *testing.T) {
	orders := newMemoryOrderRepo(domain.Order{ID: "ord_1", OrderMethod: domain.OrderMethodLegacyZincAPI})
	notes := &stubNoteRepo{}
	svc := guardFixture(t, orders, notes)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]MethodValidationResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ValidateOrderMethod(context.Background(), "ord_1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].IsValid || results[i].OrderMethod != domain.OrderMethodZMA {
			t.Fatalf("caller %d got %+v", i, results[i])
		}
		if results[i].Converted {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one caller may claim the conversion, got %d", winners)
	}
	if alerts := notes.byType(domain.NoteTypeSecurityAlert); len(alerts) != 1 {
		t.Fatalf("conversion must have exactly one winner, got %d alert notes", len(alerts))
	}
}

// racedOrderRepo simulates a conversion lost to another validator: the
// conditional update reports no change while the stored method is already
// rewritten by the time the caller re-reads.
type racedOrderRepo struct {
	*memoryOrderRepo
}

func (r *racedOrderRepo) SetOrderMethodIf(ctx context.Context, orderID string, _, to string) (bool, error) {
	if _, err := r.memoryOrderRepo.SetOrderMethodIf(ctx, orderID, domain.OrderMethodLegacyZincAPI, to); err != nil {
		return false, err
	}
	return false, nil
}

func TestValidateOrderMethodLostRaceReportsUnconverted(t *testing.T) {
	orders := &racedOrderRepo{memoryOrderRepo: newMemoryOrderRepo(
		domain.Order{ID: "ord_1", OrderMethod: domain.OrderMethodLegacyZincAPI},
	)}
	notes := &stubNoteRepo{}

	result, err := guardFixture(t, orders, notes).ValidateOrderMethod(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("ValidateOrderMethod: %v", err)
	}
	if result.Converted {
		t.Fatal("a losing racer must not claim the conversion")
	}
	if !result.IsValid || result.OrderMethod != domain.OrderMethodZMA {
		t.Fatalf("result = %+v, want the re-read zma state", result)
	}
	if len(notes.byType(domain.NoteTypeSecurityAlert)) != 0 {
		t.Fatal("the losing racer must not write the alert note")
	}
}

func TestValidateOrderMethodRejectsUnknownMethod(t *testing.T) {
	orders := newMemoryOrderRepo(domain.Order{ID: "ord_1", OrderMethod: "carrier_pigeon"})

	result, err := guardFixture(t, orders, &stubNoteRepo{}).ValidateOrderMethod(context.Background(), "ord_1")
	if !errors.Is(err, ErrGuardUnknownMethod) {
		t.Fatalf("expected ErrGuardUnknownMethod, got %v", err)
	}
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatal("unknown methods classify as invariant violations")
	}
	if result.IsValid {
		t.Fatal("unknown method must not validate")
	}
	if result.OrderMethod != "carrier_pigeon" {
		t.Fatalf("result method = %q", result.OrderMethod)
	}
}

func TestValidateOrderMethodUnknownOrder(t *testing.T) {
	_, err := guardFixture(t, newMemoryOrderRepo(), &stubNoteRepo{}).ValidateOrderMethod(context.Background(), "ord_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

type stubMethodCountsRepo struct {
	*memoryOrderRepo
	counts repositories.MethodCounts
	since  time.Time
}

func (r *stubMethodCountsRepo) CountByMethodSince(_ context.Context, since time.Time) (repositories.MethodCounts, error) {
	r.since = since
	return r.counts, nil
}

func TestGetHealthMetricsRaisesHardAlertWithin24h(t *testing.T) {
	now := fixedClock()
	recent := now.Add(-2 * time.Hour)
	repo := &stubMethodCountsRepo{
		memoryOrderRepo: newMemoryOrderRepo(),
		counts: repositories.MethodCounts{
			ByMethod:    map[string]int64{domain.OrderMethodZMA: 40},
			LastSeen:    map[string]time.Time{domain.OrderMethodLegacyZincAPI: recent},
			Conversions: 3,
		},
	}

	health, err := guardFixture(t, repo, &stubNoteRepo{}).GetHealthMetrics(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetHealthMetrics: %v", err)
	}
	if !health.HardAlert {
		t.Fatal("forbidden value seen two hours ago must raise the hard alert")
	}
	if health.LastForbiddenSeen == nil || !health.LastForbiddenSeen.Equal(recent) {
		t.Fatalf("last forbidden seen = %v", health.LastForbiddenSeen)
	}
	if health.Conversions != 3 {
		t.Fatalf("conversions = %d", health.Conversions)
	}
	if want := now.AddDate(0, 0, -7); !repo.since.Equal(want) {
		t.Fatalf("window start = %v, want %v", repo.since, want)
	}
}

func TestGetHealthMetricsStaysQuietOutside24h(t *testing.T) {
	now := fixedClock()
	repo := &stubMethodCountsRepo{
		memoryOrderRepo: newMemoryOrderRepo(),
		counts: repositories.MethodCounts{
			ByMethod: map[string]int64{domain.OrderMethodZMA: 12},
			LastSeen: map[string]time.Time{domain.OrderMethodLegacyZincAPI: now.Add(-48 * time.Hour)},
		},
	}

	health, err := guardFixture(t, repo, &stubNoteRepo{}).GetHealthMetrics(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetHealthMetrics: %v", err)
	}
	if health.HardAlert {
		t.Fatal("a sighting two days ago must not raise the hard alert")
	}
	if health.WindowDays != 7 {
		t.Fatalf("window defaulted to %d", health.WindowDays)
	}
	if health.LastForbiddenSeen == nil {
		t.Fatal("the stale sighting is still reported")
	}
}

func TestGetHealthMetricsRejectsBadWindow(t *testing.T) {
	_, err := guardFixture(t, newMemoryOrderRepo(), &stubNoteRepo{}).GetHealthMetrics(context.Background(), 365)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
