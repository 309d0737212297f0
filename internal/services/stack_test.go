package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/repositories"
)

var (
	testNow   = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	testUser  = domain.OwnerKey{UserID: "user-1"}
	testGuest = domain.OwnerKey{GuestID: "guest-1"}
)

// testStack wires the real services over in-memory repositories.
type testStack struct {
	products  *memProducts
	carts     *memCarts
	stock     *memInventory
	orders    *memOrders
	payments  *memPayments
	events    *memPaymentEvents
	promos    *memPromotions
	usage     *memUsage
	publisher *recordingPublisher
	gateway   *fakeGateway
	logs      []string

	inventory  InventoryService
	promotions PromotionService
	pricing    *PricingEngine
	cart       CartService
	order      OrderService
	payment    PaymentService
	system     SystemService
}

func testProducts() map[string]domain.Product {
	shirtPrice := int64(1200)
	return map[string]domain.Product{
		"prod-tee": {
			ID:          "prod-tee",
			SKU:         "TEE-1",
			Name:        "Tee",
			Price:       1000,
			Currency:    "INR",
			CategoryIDs: []string{"apparel"},
			Active:      true,
		},
		"prod-shirt": {
			ID:       "prod-shirt",
			SKU:      "SHIRT",
			Name:     "Shirt",
			Price:    1500,
			Currency: "INR",
			Variants: []domain.ProductVariant{{ID: "s", SKU: "SHIRT-S", Name: "Small", Price: &shirtPrice}},
			Active:   true,
		},
		"prod-retired": {ID: "prod-retired", SKU: "OLD", Name: "Old", Price: 10, Currency: "INR"},
		"prod-usd":     {ID: "prod-usd", SKU: "USD-1", Name: "Import", Price: 500, Currency: "USD", Active: true},
	}
}

func newTestStack(t *testing.T, promos ...domain.Promotion) *testStack {
	t.Helper()
	st := &testStack{
		products:  &memProducts{items: testProducts()},
		carts:     newMemCarts(),
		stock:     newMemInventory(map[string]int{"TEE-1": 10, "SHIRT-S": 5, "USD-1": 5}),
		orders:    newMemOrders(),
		payments:  newMemPayments(),
		events:    newMemPaymentEvents(),
		promos:    newMemPromotions(promos...),
		usage:     newMemUsage(),
		publisher: &recordingPublisher{},
		gateway:   newFakeGateway(),
	}
	clock := fixedClock(testNow)
	logger := func(_ context.Context, event string, _ map[string]any) {
		st.logs = append(st.logs, event)
	}

	var err error
	st.inventory, err = NewInventoryService(InventoryServiceDeps{
		Inventory:   st.stock,
		Events:      st.publisher,
		Clock:       clock,
		IDGenerator: sequenceIDs("r"),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("inventory service: %v", err)
	}
	st.promotions, err = NewPromotionService(PromotionServiceDeps{
		Promotions: st.promos,
		Usage:      st.usage,
		Orders:     st.orders,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("promotion service: %v", err)
	}
	st.pricing, err = NewPricingEngine(PricingEngineConfig{
		ShippingRates:         map[string]int64{ShippingMethodStandard: 4900, ShippingMethodExpress: 14900},
		FreeShippingThreshold: 99900,
	})
	if err != nil {
		t.Fatalf("pricing engine: %v", err)
	}
	st.cart, err = NewCartService(CartServiceDeps{
		Carts:           st.carts,
		Products:        st.products,
		Inventory:       st.inventory,
		Promotions:      st.promotions,
		Pricing:         st.pricing,
		DefaultCurrency: "INR",
		DefaultTaxRate:  decimal.Zero,
		Clock:           clock,
		IDGenerator:     sequenceIDs("i"),
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("cart service: %v", err)
	}

	counterRepo := &stubCounterRepository{}
	var seq int64
	counterRepo.nextFn = func(context.Context, string, int64) (int64, error) {
		seq++
		return seq, nil
	}
	counters, err := NewCounterService(CounterServiceDeps{Repository: counterRepo, Clock: clock})
	if err != nil {
		t.Fatalf("counter service: %v", err)
	}

	var payment PaymentService
	st.order, err = NewOrderService(OrderServiceDeps{
		Orders:         st.orders,
		Carts:          st.carts,
		Promotions:     st.promotions,
		PromotionRepo:  st.promos,
		PromotionUsage: st.usage,
		Inventory:      st.inventory,
		Pricing:        st.pricing,
		Counters:       counters,
		Payments:       st.payments,
		Refunder:       func() PaymentRefunder { return payment },
		Events:         st.publisher,
		Clock:          clock,
		IDGenerator:    sequenceIDs("o"),
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	payment, err = NewPaymentService(PaymentServiceDeps{
		Gateway:       st.gateway,
		Payments:      st.payments,
		PaymentEvents: st.events,
		Orders:        st.orders,
		Carts:         st.carts,
		Promotions:    st.promotions,
		Pricing:       st.pricing,
		Inventory:     st.inventory,
		Finalizer:     st.order,
		Events:        st.publisher,
		Clock:         clock,
		IDGenerator:   sequenceIDs("p"),
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("payment service: %v", err)
	}
	st.payment = payment

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
	}, repositories.WithDependencyClock(clock))
	if err != nil {
		t.Fatalf("health repository: %v", err)
	}
	st.system, err = NewSystemService(SystemServiceDeps{
		HealthRepository: health,
		Orders:           st.orders,
		Cancel:           st.order.Cancel,
		Clock:            clock,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("system service: %v", err)
	}
	return st
}

func testAddress() *domain.Address {
	return &domain.Address{
		Recipient:  "Asha Rao",
		Line1:      "12 MG Road",
		City:       "Bengaluru",
		PostalCode: "560001",
		Country:    "IN",
	}
}

// placeOrder fills the user's cart and checks out.
func (st *testStack) placeOrder(t *testing.T, owner domain.OwnerKey, qty int) Order {
	t.Helper()
	ctx := context.Background()
	if _, err := st.cart.AddItem(ctx, AddCartItemCommand{Owner: owner, ProductID: "prod-tee", Quantity: qty}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	order, err := st.order.CreateFromCart(ctx, CreateOrderCommand{Owner: owner, ShippingAddress: testAddress(), PaymentMethod: "razorpay"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (st *testStack) stockOf(sku string) domain.InventoryStock {
	return st.stock.stocks[sku]
}

func percentPromotion(id, code string, percent int64) domain.Promotion {
	return domain.Promotion{
		ID:           id,
		Code:         code,
		Name:         code,
		Kind:         domain.PromotionKindPercentage,
		Percent:      decimal.NewFromInt(percent),
		CustomerType: domain.CustomerTypeAll,
		ValidFrom:    testNow.Add(-24 * time.Hour),
		Active:       true,
	}
}
