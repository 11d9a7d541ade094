package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/repositories"
)

const (
	guardMetricNamespace  = "github.com/giftwell/api/internal/services/methodguard"
	defaultHealthWindow   = 7
	maxHealthWindowDays   = 90
	hardAlertWindow       = 24 * time.Hour
	forbiddenRewriteActor = "system:method-guard"
)

// Guard sentinels.
var (
	// ErrGuardInvalidInput flags malformed guard queries.
	ErrGuardInvalidInput = fmt.Errorf("%w: method guard invalid input", ErrValidation)
	// ErrGuardUnknownMethod means the order carries a method the platform has
	// never shipped. The order must not proceed.
	ErrGuardUnknownMethod = fmt.Errorf("%w: unknown order method", ErrInvariantViolation)
)

// MethodGuardServiceDeps wires the guard's collaborators.
type MethodGuardServiceDeps struct {
	Orders      repositories.OrderRepository
	Notes       repositories.OrderNoteRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
	Meter       metric.Meter
}

type methodGuardService struct {
	orders repositories.OrderRepository
	notes  repositories.OrderNoteRepository
	clock  func() time.Time
	idGen  func() string
	logger Logger

	validations        metric.Int64Counter
	validationsEnabled bool
	conversions        metric.Int64Counter
	conversionsEnabled bool
}

var _ MethodGuardService = (*methodGuardService)(nil)

// NewMethodGuardService constructs the fulfillment method guard.
func NewMethodGuardService(deps MethodGuardServiceDeps) (MethodGuardService, error) {
	if deps.Orders == nil {
		return nil, errors.New("method guard: order repository is required")
	}
	if deps.Notes == nil {
		return nil, errors.New("method guard: order note repository is required")
	}
	if deps.IDGenerator == nil {
		return nil, errors.New("method guard: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(guardMetricNamespace)
	}

	svc := &methodGuardService{
		orders: deps.Orders,
		notes:  deps.Notes,
		clock:  func() time.Time { return clock().UTC() },
		idGen:  deps.IDGenerator,
		logger: logger,
	}

	validations, err := meter.Int64Counter(
		"method_guard.validations",
		metric.WithDescription("Order method validations by outcome"),
	)
	if err == nil {
		svc.validations = validations
		svc.validationsEnabled = true
	}
	conversions, err := meter.Int64Counter(
		"method_guard.conversions",
		metric.WithDescription("Forbidden order method rewrites"),
	)
	if err == nil {
		svc.conversions = conversions
		svc.conversionsEnabled = true
	}

	return svc, nil
}

// ValidateOrderMethod checks an order's fulfillment method. The forbidden
// legacy value is rewritten to the supported one in a single conditional
// update, so concurrent validations produce exactly one conversion; the winner
// records a security_alert note.
func (s *methodGuardService) ValidateOrderMethod(ctx context.Context, orderID string) (MethodValidationResult, error) {
	if orderID == "" {
		return MethodValidationResult{}, fmt.Errorf("%w: order id is required", ErrGuardInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return MethodValidationResult{}, ErrOrderNotFound
		}
		return MethodValidationResult{}, fmt.Errorf("method guard: load order: %w", err)
	}

	switch order.OrderMethod {
	case domain.OrderMethodZMA:
		s.count(ctx, "valid", false)
		return MethodValidationResult{IsValid: true, OrderMethod: domain.OrderMethodZMA}, nil

	case domain.OrderMethodLegacyZincAPI:
		converted, err := s.orders.SetOrderMethodIf(ctx, orderID, domain.OrderMethodLegacyZincAPI, domain.OrderMethodZMA)
		if err != nil {
			return MethodValidationResult{}, fmt.Errorf("method guard: convert method: %w", err)
		}
		if converted {
			s.recordConversion(ctx, orderID)
			s.count(ctx, "converted", true)
			return MethodValidationResult{IsValid: true, OrderMethod: domain.OrderMethodZMA, Converted: true}, nil
		}

		// Lost the race: another validation rewrote the method first. Re-read
		// and report the current state without claiming the conversion.
		current, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return MethodValidationResult{}, fmt.Errorf("method guard: reload order: %w", err)
		}
		s.count(ctx, "valid", false)
		return MethodValidationResult{
			IsValid:     current.OrderMethod == domain.OrderMethodZMA,
			OrderMethod: current.OrderMethod,
		}, nil

	default:
		s.count(ctx, "unknown", false)
		s.logger(ctx, "method_guard.unknown_method", map[string]any{
			"orderId": orderID,
			"method":  order.OrderMethod,
		})
		return MethodValidationResult{IsValid: false, OrderMethod: order.OrderMethod},
			fmt.Errorf("%w: %q", ErrGuardUnknownMethod, order.OrderMethod)
	}
}

func (s *methodGuardService) recordConversion(ctx context.Context, orderID string) {
	note := domain.OrderNote{
		ID:        "note_" + s.idGen(),
		OrderID:   orderID,
		NoteType:  domain.NoteTypeSecurityAlert,
		Body:      "forbidden order method rewritten from " + domain.OrderMethodLegacyZincAPI + " to " + domain.OrderMethodZMA,
		Actor:     forbiddenRewriteActor,
		CreatedAt: s.clock(),
	}
	if err := s.notes.Append(ctx, note); err != nil {
		s.logger(ctx, "method_guard.note_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
	s.logger(ctx, "method_guard.converted", map[string]any{
		"orderId": orderID,
		"from":    domain.OrderMethodLegacyZincAPI,
		"to":      domain.OrderMethodZMA,
	})
}

func (s *methodGuardService) count(ctx context.Context, outcome string, converted bool) {
	if s.validationsEnabled {
		s.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if converted && s.conversionsEnabled {
		s.conversions.Add(ctx, 1)
	}
}

// GetHealthMetrics summarises guard activity over the window. The hard alert
// fires when the forbidden method value was seen on any order inside the last
// 24 hours, regardless of the requested window.
func (s *methodGuardService) GetHealthMetrics(ctx context.Context, windowDays int) (MethodGuardHealth, error) {
	if windowDays == 0 {
		windowDays = defaultHealthWindow
	}
	if windowDays < 0 || windowDays > maxHealthWindowDays {
		return MethodGuardHealth{}, fmt.Errorf("%w: window must be between 1 and %d days", ErrGuardInvalidInput, maxHealthWindowDays)
	}

	now := s.clock()
	since := now.AddDate(0, 0, -windowDays)
	counts, err := s.orders.CountByMethodSince(ctx, since)
	if err != nil {
		return MethodGuardHealth{}, fmt.Errorf("method guard: count methods: %w", err)
	}

	health := MethodGuardHealth{
		WindowDays:     windowDays,
		CountsByMethod: counts.ByMethod,
		Conversions:    counts.Conversions,
	}
	if health.CountsByMethod == nil {
		health.CountsByMethod = map[string]int64{}
	}
	if seen, ok := counts.LastSeen[domain.OrderMethodLegacyZincAPI]; ok {
		health.LastForbiddenSeen = valuePtr(seen)
		health.HardAlert = now.Sub(seen) <= hardAlertWindow
	}
	return health, nil
}
