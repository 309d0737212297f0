package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bazaar-commerce/api/internal/platform/config"
	"github.com/bazaar-commerce/api/internal/repositories"
	"github.com/bazaar-commerce/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart       services.CartService
	Orders     services.OrderService
	Payments   services.PaymentService
	Promotions services.PromotionService
	Inventory  services.InventoryService
	Counters   services.CounterService
	System     services.SystemService
	Pricing    *services.PricingEngine
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option supplies collaborators that live outside the repository registry.
type Option func(*options)

type options struct {
	gateway services.PaymentGateway
	events  services.EventPublisher
	logger  func(ctx context.Context, event string, fields map[string]any)
	build   services.BuildInfo
	clock   func() time.Time
}

// WithPaymentGateway sets the gateway router used by the payment service.
func WithPaymentGateway(gateway services.PaymentGateway) Option {
	return func(o *options) { o.gateway = gateway }
}

// WithEventPublisher sets the sink for domain events. Without one events are only logged.
func WithEventPublisher(publisher services.EventPublisher) Option {
	return func(o *options) { o.events = publisher }
}

// WithEventLogger sets the structured logger handed to every service.
func WithEventLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *options) { o.logger = logger }
}

// WithBuildInfo sets the version metadata reported by health checks.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *options) { o.build = info }
}

// WithClock overrides the clock shared by services.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore
// registry; tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(ctx, reg, cfg, o)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, o options) (Services, error) {
	var svc Services
	var err error

	svc.Inventory, err = services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Events:    o.events,
		Clock:     o.clock,
		Logger:    o.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}

	svc.Promotions, err = services.NewPromotionService(services.PromotionServiceDeps{
		Promotions: reg.Promotions(),
		Usage:      reg.PromotionUsage(),
		Orders:     reg.Orders(),
		Clock:      o.clock,
		Logger:     o.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build promotion service: %w", err)
	}

	svc.Pricing, err = services.NewPricingEngine(services.PricingEngineConfig{
		ShippingRates:         cfg.Checkout.ShippingRates,
		FreeShippingThreshold: cfg.Checkout.FreeShippingThreshold,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	svc.Cart, err = services.NewCartService(services.CartServiceDeps{
		Carts:           reg.Carts(),
		Products:        reg.Products(),
		Inventory:       svc.Inventory,
		Promotions:      svc.Promotions,
		Pricing:         svc.Pricing,
		UnitOfWork:      reg,
		DefaultCurrency: cfg.Checkout.Currency,
		DefaultTaxRate:  cfg.Checkout.DefaultTaxRate,
		Clock:           o.clock,
		Logger:          o.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}

	svc.Counters, err = services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Prefix:     cfg.Checkout.OrderNumberPrefix,
		Clock:      o.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}

	// The order service refunds through the payment service, which in turn finalises orders.
	var payments services.PaymentService
	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:         reg.Orders(),
		Carts:          reg.Carts(),
		Promotions:     svc.Promotions,
		PromotionRepo:  reg.Promotions(),
		PromotionUsage: reg.PromotionUsage(),
		Inventory:      svc.Inventory,
		Pricing:        svc.Pricing,
		Counters:       svc.Counters,
		Payments:       reg.Payments(),
		Refunder:       func() services.PaymentRefunder { return payments },
		UnitOfWork:     reg,
		Events:         o.events,
		ReservationTTL: cfg.Checkout.ReservationTTL,
		Clock:          o.clock,
		Logger:         o.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	payments, err = services.NewPaymentService(services.PaymentServiceDeps{
		Gateway:       o.gateway,
		Payments:      reg.Payments(),
		PaymentEvents: reg.PaymentEvents(),
		Orders:        reg.Orders(),
		Carts:         reg.Carts(),
		Promotions:    svc.Promotions,
		Pricing:       svc.Pricing,
		Inventory:     svc.Inventory,
		Finalizer:     svc.Orders,
		UnitOfWork:    reg,
		Events:        o.events,
		Clock:         o.clock,
		Logger:        o.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = payments

	build := o.build
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = o.clock().UTC()
	}
	svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Orders:           reg.Orders(),
		Cancel:           svc.Orders.Cancel,
		ReservationTTL:   cfg.Checkout.ReservationTTL,
		Clock:            o.clock,
		Build:            build,
		Logger:           o.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}

	return svc, nil
}
