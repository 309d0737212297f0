package domain

// PricingBreakdown captures the aggregated monetary results of pricing a cart.
type PricingBreakdown struct {
	Currency       string
	Subtotal       int64
	Discount       int64
	Tax            int64
	Shipping       int64
	Total          int64
	ShippingMethod string
	Items          []ItemPricingBreakdown
	Discounts      []DiscountBreakdown
}

// Estimate projects the breakdown onto the cart estimate shape.
func (b PricingBreakdown) Estimate() CartEstimate {
	return CartEstimate{
		Subtotal: b.Subtotal,
		Discount: b.Discount,
		Tax:      b.Tax,
		Shipping: b.Shipping,
		Total:    b.Total,
	}
}

// ItemPricingBreakdown stores the per-item pricing outputs after running the engine.
type ItemPricingBreakdown struct {
	ItemID   string
	SKU      string
	Subtotal int64
	Discount int64
	Tax      int64
}

// DiscountBreakdown lists the individual discount adjustments applied to the cart.
type DiscountBreakdown struct {
	Code        string
	PromotionID string
	Kind        PromotionKind
	ItemID      string
	Amount      int64
	Description string
}
