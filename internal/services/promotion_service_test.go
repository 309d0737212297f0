package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaar-commerce/api/internal/domain"
)

type promotionFixture struct {
	svc    PromotionService
	promos *memPromotions
	usage  *memUsage
	orders *memOrders
}

func newPromotionFixture(t *testing.T, promos ...domain.Promotion) promotionFixture {
	t.Helper()
	f := promotionFixture{
		promos: newMemPromotions(promos...),
		usage:  newMemUsage(),
		orders: newMemOrders(),
	}
	svc, err := NewPromotionService(PromotionServiceDeps{
		Promotions:  f.promos,
		Usage:       f.usage,
		Orders:      f.orders,
		Clock:       fixedClock(testNow),
		IDGenerator: sequenceIDs("x"),
	})
	if err != nil {
		t.Fatalf("new promotion service: %v", err)
	}
	f.svc = svc
	return f
}

func cartWith(owner domain.OwnerKey, items ...domain.CartItem) domain.Cart {
	return domain.Cart{UserID: owner.UserID, GuestID: owner.GuestID, Currency: "INR", Items: items}
}

func teeLine(qty int) domain.CartItem {
	return domain.CartItem{ID: "it-1", ProductID: "prod-tee", SKU: "TEE-1", CategoryIDs: []string{"apparel"}, Quantity: qty, UnitPrice: 1000}
}

func TestPromotionServiceValidatePercentage(t *testing.T) {
	f := newPromotionFixture(t, percentPromotion("promo-10", "SAVE10", 10))

	eval, err := f.svc.Validate(context.Background(), ValidatePromotionCommand{Code: " save10 ", Cart: cartWith(testUser, teeLine(2))})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if eval.Discount != 200 {
		t.Fatalf("expected discount 200, got %d", eval.Discount)
	}
	if len(eval.Breakdown) != 1 || eval.Breakdown[0].Code != "SAVE10" {
		t.Fatalf("unexpected breakdown %+v", eval.Breakdown)
	}
}

func TestPromotionServiceBuyTwoGetOne(t *testing.T) {
	promo := domain.Promotion{
		ID:           "promo-b2g1",
		Code:         "B2G1",
		Kind:         domain.PromotionKindBuyXGetY,
		BuyXGetY:     &domain.BuyXGetY{BuyQuantity: 2, GetQuantity: 1},
		CustomerType: domain.CustomerTypeAll,
		Active:       true,
	}
	f := newPromotionFixture(t, promo)
	ctx := context.Background()

	cases := []struct {
		qty      int
		discount int64
	}{
		{qty: 2, discount: 0},
		{qty: 3, discount: 1000},
		{qty: 5, discount: 1000},
		{qty: 6, discount: 2000},
	}
	for _, tc := range cases {
		eval, err := f.svc.Validate(ctx, ValidatePromotionCommand{Code: "B2G1", Cart: cartWith(testUser, teeLine(tc.qty))})
		if err != nil {
			t.Fatalf("qty %d: validate: %v", tc.qty, err)
		}
		if eval.Discount != tc.discount {
			t.Fatalf("qty %d: expected discount %d, got %d", tc.qty, tc.discount, eval.Discount)
		}
	}
}

func TestPromotionServiceRejections(t *testing.T) {
	until := testNow.Add(-time.Hour)
	expired := percentPromotion("promo-old", "OLD10", 10)
	expired.ValidUntil = &until
	future := percentPromotion("promo-future", "SOON10", 10)
	future.ValidFrom = testNow.Add(time.Hour)
	minOrder := percentPromotion("promo-min", "BIG10", 10)
	minOrder.MinOrderValue = 5000
	minItems := percentPromotion("promo-items", "MANY10", 10)
	minItems.MinItemCount = 4
	exhausted := percentPromotion("promo-gone", "GONE10", 10)
	exhausted.UsageLimit = 5
	exhausted.UsageCount = 5
	perUser := percentPromotion("promo-once", "ONCE10", 10)
	perUser.UsageLimitPerUser = 1
	newOnly := percentPromotion("promo-new", "HELLO10", 10)
	newOnly.CustomerType = domain.CustomerTypeNew
	inactive := percentPromotion("promo-off", "OFF10", 10)
	inactive.Active = false

	f := newPromotionFixture(t, expired, future, minOrder, minItems, exhausted, perUser, newOnly, inactive)
	f.usage.usage["promo-once|user-1"] = domain.PromotionUsage{UserID: "user-1", Times: 1}
	f.orders.orders["ord-prev"] = domain.Order{ID: "ord-prev", UserID: "user-1"}

	cases := []struct {
		code   string
		reason PromotionRejection
	}{
		{code: "NOPE", reason: RejectNotFound},
		{code: "OFF10", reason: RejectNotFound},
		{code: "OLD10", reason: RejectExpired},
		{code: "SOON10", reason: RejectNotYetActive},
		{code: "BIG10", reason: RejectMinOrderNotMet},
		{code: "MANY10", reason: RejectMinItemsNotMet},
		{code: "GONE10", reason: RejectUsageLimitReached},
		{code: "ONCE10", reason: RejectUserLimitReached},
		{code: "HELLO10", reason: RejectCustomerTypeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			_, err := f.svc.Validate(context.Background(), ValidatePromotionCommand{Code: tc.code, Cart: cartWith(testUser, teeLine(2))})
			var rejection *PromotionError
			if !errors.As(err, &rejection) {
				t.Fatalf("expected promotion error, got %v", err)
			}
			if rejection.Reason != tc.reason {
				t.Fatalf("expected %s, got %s", tc.reason, rejection.Reason)
			}
			if KindOf(err) != KindInvalidPromotion {
				t.Fatalf("expected invalid promotion kind, got %s", KindOf(err))
			}
		})
	}
}

func TestPromotionServiceNewCustomerAcceptsGuests(t *testing.T) {
	newOnly := percentPromotion("promo-new", "HELLO10", 10)
	newOnly.CustomerType = domain.CustomerTypeNew
	f := newPromotionFixture(t, newOnly)

	if _, err := f.svc.Validate(context.Background(), ValidatePromotionCommand{Code: "HELLO10", Cart: cartWith(testGuest, teeLine(1))}); err != nil {
		t.Fatalf("expected guest to count as new customer, got %v", err)
	}
}

func TestPromotionServiceAlreadyAppliedConflicts(t *testing.T) {
	f := newPromotionFixture(t, percentPromotion("promo-10", "SAVE10", 10))
	cart := cartWith(testUser, teeLine(2))
	cart.Promotion = &domain.CartPromotion{PromotionID: "promo-10", Code: "SAVE10", Applied: true}

	_, err := f.svc.Validate(context.Background(), ValidatePromotionCommand{Code: "save10", Cart: cart})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPromotionServiceEvaluateScopesAndCaps(t *testing.T) {
	maxDiscount := int64(150)
	category := domain.Promotion{
		ID: "promo-cat", Code: "APPAREL20", Kind: domain.PromotionKindCategoryPercentage,
		Percent: decimal.NewFromInt(20), ApplicableCategories: []string{"apparel"},
		MaxDiscount: &maxDiscount, Active: true,
	}
	fixed := domain.Promotion{ID: "promo-fixed", Code: "FLAT5000", Kind: domain.PromotionKindFixedAmount, Amount: 5000, Active: true}
	f := newPromotionFixture(t, category, fixed)
	ctx := context.Background()

	mug := domain.CartItem{ID: "it-2", ProductID: "prod-mug", SKU: "MUG", Quantity: 1, UnitPrice: 700}
	cart := cartWith(testUser, teeLine(1), mug)

	cart.Promotion = &domain.CartPromotion{PromotionID: "promo-cat", Code: "APPAREL20", Applied: true}
	eval, err := f.svc.Evaluate(ctx, cart)
	if err != nil {
		t.Fatalf("evaluate category: %v", err)
	}
	if eval == nil || eval.Discount != 150 {
		t.Fatalf("expected discount capped at 150, got %+v", eval)
	}

	cart.Promotion = &domain.CartPromotion{PromotionID: "promo-fixed", Code: "FLAT5000", Applied: true}
	eval, err = f.svc.Evaluate(ctx, cart)
	if err != nil {
		t.Fatalf("evaluate fixed: %v", err)
	}
	if eval.Discount != 1700 {
		t.Fatalf("expected discount clamped to subtotal 1700, got %d", eval.Discount)
	}
}

func TestPromotionServiceBestAutomatic(t *testing.T) {
	small := percentPromotion("auto-a", "", 5)
	small.Automatic = true
	large := percentPromotion("auto-b", "", 15)
	large.Automatic = true
	large.MinOrderValue = 3000
	shipping := domain.Promotion{ID: "auto-c", Automatic: true, Kind: domain.PromotionKindFreeShipping, Active: true}
	f := newPromotionFixture(t, small, large, shipping)
	ctx := context.Background()

	eval, err := f.svc.Evaluate(ctx, cartWith(testUser, teeLine(2)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval == nil || eval.Promotion.ID != "auto-a" || eval.Discount != 100 {
		t.Fatalf("expected auto-a with 100, got %+v", eval)
	}

	eval, err = f.svc.Evaluate(ctx, cartWith(testUser, teeLine(3)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Promotion.ID != "auto-b" || eval.Discount != 450 {
		t.Fatalf("expected auto-b with 450, got %+v", eval)
	}

	none, err := f.svc.Evaluate(ctx, cartWith(testUser))
	if err != nil || none != nil {
		t.Fatalf("expected nothing for empty cart, got %+v %v", none, err)
	}
}

func TestPromotionServiceCreate(t *testing.T) {
	f := newPromotionFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, CreatePromotionCommand{Promotion: domain.Promotion{
		Code: " welcome10 ", Name: "Welcome", Kind: domain.PromotionKindPercentage, Percent: decimal.NewFromInt(10), Active: true,
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Code != "WELCOME10" || created.CustomerType != domain.CustomerTypeAll || !created.ValidFrom.Equal(testNow) {
		t.Fatalf("unexpected defaults %+v", created)
	}

	_, err = f.svc.Create(ctx, CreatePromotionCommand{Promotion: domain.Promotion{
		Code: "WELCOME10", Kind: domain.PromotionKindFixedAmount, Amount: 100,
	}})
	if !errors.Is(err, ErrPromotionConflict) {
		t.Fatalf("expected duplicate code conflict, got %v", err)
	}

	invalid := []domain.Promotion{
		{Kind: domain.PromotionKindPercentage, Percent: decimal.NewFromInt(10)},
		{Code: "X", Kind: domain.PromotionKindPercentage, Percent: decimal.NewFromInt(10)},
		{Code: "PCT0", Kind: domain.PromotionKindPercentage},
		{Code: "PCT101", Kind: domain.PromotionKindPercentage, Percent: decimal.NewFromInt(101)},
		{Code: "FIXED0", Kind: domain.PromotionKindFixedAmount},
		{Code: "BXGY", Kind: domain.PromotionKindBuyXGetY},
		{Code: "SCOPED", Kind: domain.PromotionKindProductFixed, Amount: 100},
		{Code: "WHO", Kind: domain.PromotionKindFreeShipping, CustomerType: "vip"},
		{Code: "HUH", Kind: "mystery"},
	}
	for _, promo := range invalid {
		if _, err := f.svc.Create(ctx, CreatePromotionCommand{Promotion: promo}); KindOf(err) != KindValidation {
			t.Fatalf("expected validation for %+v, got %v", promo, err)
		}
	}
}
