package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/repositories"
)

// Registry assembles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider       *pfirestore.Provider
	products       *ProductRepository
	carts          *CartRepository
	inventory      *InventoryRepository
	orders         *OrderRepository
	payments       *PaymentRepository
	paymentEvents  *PaymentEventRepository
	promotions     *PromotionRepository
	promotionUsage *PromotionUsageRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
	closers        []func(context.Context) error
}

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithHealthRepository overrides the dependency checks used for readiness.
func WithHealthRepository(repo repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		if repo != nil {
			r.health = repo
		}
	}
}

// WithCloser registers an additional resource released by Close, such as a Redis client.
func WithCloser(fn func(context.Context) error) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.closers = append(r.closers, fn)
		}
	}
}

// NewRegistry builds every Firestore repository on top of a shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider}

	var err error
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, err
	}
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.inventory, err = NewInventoryRepository(provider); err != nil {
		return nil, err
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.payments, err = NewPaymentRepository(provider); err != nil {
		return nil, err
	}
	if reg.paymentEvents, err = NewPaymentEventRepository(provider); err != nil {
		return nil, err
	}
	if reg.promotions, err = NewPromotionRepository(provider); err != nil {
		return nil, err
	}
	if reg.promotionUsage, err = NewPromotionUsageRepository(provider); err != nil {
		return nil, err
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	if reg.health == nil {
		health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
			{Name: "firestore", Check: provider.Ping},
		})
		if err != nil {
			return nil, err
		}
		reg.health = health
	}
	return reg, nil
}

// RunInTx runs fn inside one Firestore transaction. Repositories called with the ctx handed to fn
// join it. Errors returned by fn are passed back unchanged so callers can match their sentinels.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("firestore registry: transaction function is nil")
	}
	var fnErr error
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		fnErr = fn(ctx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// Close releases registered resources and the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.provider.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close firestore: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Registry) Products() repositories.ProductRepository              { return r.products }
func (r *Registry) Carts() repositories.CartRepository                    { return r.carts }
func (r *Registry) Inventory() repositories.InventoryRepository           { return r.inventory }
func (r *Registry) Orders() repositories.OrderRepository                  { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository              { return r.payments }
func (r *Registry) PaymentEvents() repositories.PaymentEventRepository    { return r.paymentEvents }
func (r *Registry) Promotions() repositories.PromotionRepository          { return r.promotions }
func (r *Registry) PromotionUsage() repositories.PromotionUsageRepository { return r.promotionUsage }
func (r *Registry) Counters() repositories.CounterRepository              { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                 { return r.health }

var _ repositories.Registry = (*Registry)(nil)
