package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrCartPricingInvalidInput signals bad pricing input such as negative prices or quantities.
	ErrCartPricingInvalidInput = newKindError("cart pricing: invalid input", ErrValidation)
	// ErrCartPricingCurrencyMismatch is returned when items use multiple currencies.
	ErrCartPricingCurrencyMismatch = newKindError("cart pricing: currency mismatch", ErrValidation)
	// ErrCartPricingShippingMethod is returned for an unknown shipping method.
	ErrCartPricingShippingMethod = newKindError("cart pricing: unknown shipping method", ErrValidation)
)

const (
	ShippingMethodStandard = "standard"
	ShippingMethodExpress  = "express"
)

var hundred = decimal.NewFromInt(100)

// PricingEngineConfig holds the checkout pricing policy.
type PricingEngineConfig struct {
	// ShippingRates maps a shipping method to its flat rate in minor units.
	ShippingRates map[string]int64
	// FreeShippingThreshold waives shipping when the discounted subtotal reaches it. Zero disables it.
	FreeShippingThreshold int64
	DefaultShippingMethod string
}

// PricingEngine computes cart totals. It is pure: promotions are evaluated by the caller and
// passed in.
type PricingEngine struct {
	rates         map[string]int64
	freeThreshold int64
	defaultMethod string
}

func NewPricingEngine(cfg PricingEngineConfig) (*PricingEngine, error) {
	rates := make(map[string]int64, len(cfg.ShippingRates))
	for method, amount := range cfg.ShippingRates {
		key := strings.ToLower(strings.TrimSpace(method))
		if key == "" {
			continue
		}
		if amount < 0 {
			return nil, fmt.Errorf("pricing engine: negative rate for %q", key)
		}
		rates[key] = amount
	}
	if len(rates) == 0 {
		return nil, errors.New("pricing engine: at least one shipping rate is required")
	}
	if cfg.FreeShippingThreshold < 0 {
		return nil, errors.New("pricing engine: free shipping threshold must not be negative")
	}
	method := strings.ToLower(strings.TrimSpace(cfg.DefaultShippingMethod))
	if method == "" {
		method = ShippingMethodStandard
	}
	if _, ok := rates[method]; !ok {
		methods := make([]string, 0, len(rates))
		for m := range rates {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		method = methods[0]
	}
	return &PricingEngine{rates: rates, freeThreshold: cfg.FreeShippingThreshold, defaultMethod: method}, nil
}

// ShippingMethod resolves the method a cart will ship with.
func (e *PricingEngine) ShippingMethod(requested string) (string, error) {
	method := strings.ToLower(strings.TrimSpace(requested))
	if method == "" {
		return e.defaultMethod, nil
	}
	if _, ok := e.rates[method]; !ok {
		return "", fmt.Errorf("%w: %s", ErrCartPricingShippingMethod, method)
	}
	return method, nil
}

// Price computes subtotal, tax, shipping, discount and total for the cart. Tax is charged per
// line on the undiscounted line subtotal. The total never drops below zero.
func (e *PricingEngine) Price(cart Cart, promo *PromotionEvaluation) (PricingBreakdown, error) {
	currency := strings.ToUpper(strings.TrimSpace(cart.Currency))
	breakdown := PricingBreakdown{
		Currency: currency,
		Items:    make([]ItemPricingBreakdown, 0, len(cart.Items)),
	}

	taxExact := decimal.Zero
	for _, item := range cart.Items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s has quantity %d and price %d", ErrCartPricingInvalidInput, item.ID, item.Quantity, item.UnitPrice)
		}
		if c := strings.ToUpper(strings.TrimSpace(item.Currency)); c != "" && currency != "" && c != currency {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s is %s, cart is %s", ErrCartPricingCurrencyMismatch, item.ID, c, currency)
		}
		line := item.UnitPrice * int64(item.Quantity)
		lineTax := decimal.NewFromInt(line).Mul(item.TaxRate)
		taxExact = taxExact.Add(lineTax)
		breakdown.Subtotal += line
		breakdown.Items = append(breakdown.Items, ItemPricingBreakdown{
			ItemID:   item.ID,
			SKU:      item.SKU,
			Subtotal: line,
			Tax:      roundHalfUp(lineTax),
		})
	}
	breakdown.Tax = roundHalfUp(taxExact)

	freeShipping := false
	if promo != nil {
		breakdown.Discount = promo.Discount
		if breakdown.Discount > breakdown.Subtotal {
			breakdown.Discount = breakdown.Subtotal
		}
		if breakdown.Discount < 0 {
			breakdown.Discount = 0
		}
		freeShipping = promo.FreeShipping
		breakdown.Discounts = append(breakdown.Discounts, promo.Breakdown...)
		for i := range breakdown.Items {
			for _, d := range promo.Breakdown {
				if d.ItemID != "" && d.ItemID == breakdown.Items[i].ItemID {
					breakdown.Items[i].Discount += d.Amount
				}
			}
		}
	}

	method, err := e.ShippingMethod(cart.ShippingMethod)
	if err != nil {
		return PricingBreakdown{}, err
	}
	breakdown.ShippingMethod = method
	if len(cart.Items) > 0 && !freeShipping {
		discounted := breakdown.Subtotal - breakdown.Discount
		if e.freeThreshold == 0 || discounted < e.freeThreshold {
			breakdown.Shipping = e.rates[method]
		}
	}

	breakdown.Total = breakdown.Subtotal - breakdown.Discount + breakdown.Tax + breakdown.Shipping
	if breakdown.Total < 0 {
		breakdown.Total = 0
	}
	return breakdown, nil
}

// roundHalfUp rounds to the nearest minor unit, halves away from zero.
func roundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// percentOf returns amount × percent / 100 without rounding.
func percentOf(amount int64, percent decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(amount).Mul(percent).Div(hundred)
}
