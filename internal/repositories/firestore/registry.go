package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/giftwell/api/internal/platform/firestore"
	"github.com/giftwell/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the
// repositories.Registry interface.
type Registry struct {
	provider *pfirestore.Provider

	rules      *RuleRepository
	events     *EventRepository
	executions *ExecutionRepository
	orders     *OrderRepository
	orderNotes *OrderNoteRepository
	refunds    *RefundRequestRepository
	auditLogs  *AuditLogRepository
	counters   *CounterRepository
	health     repositories.HealthRepository
}

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithHealthRepository injects the dependency probe set used for readiness checks.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		if health != nil {
			r.health = health
		}
	}
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs all Firestore repositories over a shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	rules, err := NewRuleRepository(provider)
	if err != nil {
		return nil, err
	}
	events, err := NewEventRepository(provider)
	if err != nil {
		return nil, err
	}
	executions, err := NewExecutionRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	orderNotes, err := NewOrderNoteRepository(provider)
	if err != nil {
		return nil, err
	}
	refunds, err := NewRefundRequestRepository(provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		provider:   provider,
		rules:      rules,
		events:     events,
		executions: executions,
		orders:     orders,
		orderNotes: orderNotes,
		refunds:    refunds,
		auditLogs:  auditLogs,
		counters:   counters,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Rules() repositories.RuleRepository                   { return r.rules }
func (r *Registry) Events() repositories.EventRepository                 { return r.events }
func (r *Registry) Executions() repositories.ExecutionRepository         { return r.executions }
func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) OrderNotes() repositories.OrderNoteRepository         { return r.orderNotes }
func (r *Registry) RefundRequests() repositories.RefundRequestRepository { return r.refunds }
func (r *Registry) AuditLogs() repositories.AuditLogRepository           { return r.auditLogs }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }

// Health returns the injected dependency health repository, if any.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn directly. The conditional update methods on the
// individual repositories each open their own Firestore transaction, which is
// where per-document serialisation happens; ambient cross-repository
// transactions are not supported by this backend.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is nil")
	}
	return fn(ctx)
}
