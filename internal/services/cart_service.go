package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/bazaar-commerce/api/internal/platform/textutil"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	cartItemIDPrefix    = "cit_"
	maxCartNotesLength  = 2000
	maxCartLineQuantity = 999
	maxAddressField     = 200
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = newKindError("cart service: invalid input", ErrValidation)
	// ErrCartItemNotFound indicates the referenced cart line does not exist.
	ErrCartItemNotFound = newKindError("cart service: item not found", ErrNotFound)
	// ErrCartProductNotFound indicates the product or variant is missing or inactive.
	ErrCartProductNotFound = newKindError("cart service: product not found", ErrNotFound)
	// ErrCartOutOfStock indicates the requested quantity exceeds available stock.
	ErrCartOutOfStock = newKindError("cart service: out of stock", ErrOutOfStock)
	// ErrCartConflict indicates the cart changed concurrently.
	ErrCartConflict = newKindError("cart service: conflict", ErrConflict)
)

// CartServiceDeps wires the repository and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Inventory       InventoryService
	Promotions      PromotionService
	Pricing         *PricingEngine
	UnitOfWork      repositories.UnitOfWork
	DefaultCurrency string
	// DefaultTaxRate applies to products that carry no tax rate of their own.
	DefaultTaxRate decimal.Decimal
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts           repositories.CartRepository
	products        repositories.ProductRepository
	inventory       InventoryService
	promotions      PromotionService
	pricing         *PricingEngine
	uow             unitOfWork
	defaultCurrency string
	defaultTaxRate  decimal.Decimal
	clock           func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("cart service: inventory service is required")
	}
	if deps.Promotions == nil {
		return nil, errors.New("cart service: promotion service is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("cart service: pricing engine is required")
	}
	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "INR"
	}
	if _, err := currency.ParseISO(defaultCurrency); err != nil {
		return nil, fmt.Errorf("cart service: default currency: %w", err)
	}

	var uow unitOfWork = noopUnitOfWork{}
	if deps.UnitOfWork != nil {
		uow = deps.UnitOfWork
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:           deps.Carts,
		products:        deps.Products,
		inventory:       deps.Inventory,
		promotions:      deps.Promotions,
		pricing:         deps.Pricing,
		uow:             uow,
		defaultCurrency: defaultCurrency,
		defaultTaxRate:  deps.DefaultTaxRate,
		clock:           func() time.Time { return clock().UTC() },
		newID:           idGen,
		logger:          logger,
	}, nil
}

func (s *cartService) GetOrCreate(ctx context.Context, owner OwnerKey) (Cart, error) {
	if err := validateOwner(owner); err != nil {
		return Cart{}, err
	}
	cart, err := s.carts.Get(ctx, owner)
	if err == nil {
		return cart, nil
	}
	if !isRepoNotFound(err) {
		return Cart{}, translateRepositoryError(err, nil, ErrCartConflict)
	}
	return s.mutate(ctx, owner, func(context.Context, *Cart) error { return nil })
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: productId is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 1 || cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, maxCartLineQuantity)
	}
	variantID := strings.TrimSpace(cmd.VariantID)

	return s.mutate(ctx, cmd.Owner, func(txCtx context.Context, cart *Cart) error {
		product, err := s.products.FindByID(txCtx, productID)
		if err != nil {
			return translateRepositoryError(err, ErrCartProductNotFound, nil)
		}
		if !product.Active {
			return fmt.Errorf("%w: %s is not available", ErrCartProductNotFound, productID)
		}

		sku, name, price := product.SKU, product.Name, product.Price
		if variantID != "" {
			found := false
			for _, v := range product.Variants {
				if v.ID != variantID {
					continue
				}
				found = true
				if v.SKU != "" {
					sku = v.SKU
				}
				if v.Name != "" {
					name = product.Name + " - " + v.Name
				}
				if v.Price != nil {
					price = *v.Price
				}
				break
			}
			if !found {
				return fmt.Errorf("%w: variant %s of %s", ErrCartProductNotFound, variantID, productID)
			}
		}

		productCurrency := strings.ToUpper(strings.TrimSpace(product.Currency))
		if productCurrency == "" {
			productCurrency = s.defaultCurrency
		}
		if len(cart.Items) == 0 {
			cart.Currency = productCurrency
		} else if cart.Currency != productCurrency {
			return fmt.Errorf("%w: product is priced in %s, cart is %s", ErrCartInvalidInput, productCurrency, cart.Currency)
		}

		index := -1
		for i, item := range cart.Items {
			if item.ProductID == productID && item.VariantID == variantID {
				index = i
				break
			}
		}
		quantity := cmd.Quantity
		if index >= 0 {
			quantity += cart.Items[index].Quantity
		}
		if quantity > maxCartLineQuantity {
			return fmt.Errorf("%w: quantity must not exceed %d", ErrCartInvalidInput, maxCartLineQuantity)
		}
		if err := s.checkStock(txCtx, sku, quantity); err != nil {
			return err
		}

		now := s.clock()
		if index >= 0 {
			cart.Items[index].Quantity = quantity
			cart.Items[index].UpdatedAt = &now
			return nil
		}

		taxRate := product.TaxRate
		if taxRate.IsZero() {
			taxRate = s.defaultTaxRate
		}
		cart.Items = append(cart.Items, CartItem{
			ID:          cartItemIDPrefix + s.newID(),
			ProductID:   productID,
			VariantID:   variantID,
			SKU:         sku,
			Name:        name,
			CategoryIDs: append([]string(nil), product.CategoryIDs...),
			Quantity:    quantity,
			UnitPrice:   price,
			Currency:    productCurrency,
			TaxRate:     taxRate,
			Attributes:  textutil.CleanAttributes(cmd.Attributes),
			AddedAt:     now,
		})
		return nil
	})
}

// UpdateItem sets a line's quantity. Zero removes the line.
func (s *cartService) UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return Cart{}, fmt.Errorf("%w: itemId is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 0 {
		return Cart{}, fmt.Errorf("%w: quantity must not be negative", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must not exceed %d", ErrCartInvalidInput, maxCartLineQuantity)
	}
	if cmd.Quantity == 0 {
		return s.RemoveItem(ctx, cmd.Owner, itemID)
	}

	return s.mutate(ctx, cmd.Owner, func(txCtx context.Context, cart *Cart) error {
		index := findCartItem(cart.Items, itemID)
		if index < 0 {
			return fmt.Errorf("%w: %s", ErrCartItemNotFound, itemID)
		}
		if cmd.Quantity > cart.Items[index].Quantity {
			if err := s.checkStock(txCtx, cart.Items[index].SKU, cmd.Quantity); err != nil {
				return err
			}
		}
		now := s.clock()
		cart.Items[index].Quantity = cmd.Quantity
		cart.Items[index].UpdatedAt = &now
		return nil
	})
}

func (s *cartService) RemoveItem(ctx context.Context, owner OwnerKey, itemID string) (Cart, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Cart{}, fmt.Errorf("%w: itemId is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, owner, func(_ context.Context, cart *Cart) error {
		index := findCartItem(cart.Items, itemID)
		if index < 0 {
			return fmt.Errorf("%w: %s", ErrCartItemNotFound, itemID)
		}
		cart.Items = append(cart.Items[:index], cart.Items[index+1:]...)
		return nil
	})
}

// Clear empties the cart and drops any coupon.
func (s *cartService) Clear(ctx context.Context, owner OwnerKey) (Cart, error) {
	return s.mutate(ctx, owner, func(_ context.Context, cart *Cart) error {
		clearCart(cart)
		return nil
	})
}

// ApplyCoupon replaces any prior coupon. A rejected code leaves the cart untouched.
func (s *cartService) ApplyCoupon(ctx context.Context, owner OwnerKey, code string) (Cart, error) {
	code = normalizePromotionCode(code)
	if code == "" {
		return Cart{}, fmt.Errorf("%w: code is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, owner, func(txCtx context.Context, cart *Cart) error {
		if cart.Promotion != nil && cart.Promotion.Code == "" {
			// Automatic promotions do not block a coupon.
			cart.Promotion = nil
		}
		eval, err := s.promotions.Validate(txCtx, ValidatePromotionCommand{Code: code, Cart: *cart, Owner: owner})
		if err != nil {
			return err
		}
		cart.Promotion = &CartPromotion{
			PromotionID:    eval.Promotion.ID,
			Code:           eval.Promotion.Code,
			Kind:           eval.Promotion.Kind,
			DiscountAmount: eval.Discount,
			FreeShipping:   eval.FreeShipping,
			Applied:        true,
		}
		return nil
	})
}

func (s *cartService) RemoveCoupon(ctx context.Context, owner OwnerKey) (Cart, error) {
	return s.mutate(ctx, owner, func(_ context.Context, cart *Cart) error {
		cart.Promotion = nil
		return nil
	})
}

func (s *cartService) UpdateCheckout(ctx context.Context, cmd CartCheckoutCommand) (Cart, error) {
	shipping, err := normalizeAddress(cmd.ShippingAddress, "shippingAddress")
	if err != nil {
		return Cart{}, err
	}
	billing, err := normalizeAddress(cmd.BillingAddress, "billingAddress")
	if err != nil {
		return Cart{}, err
	}
	method := strings.TrimSpace(cmd.ShippingMethod)
	if method != "" {
		if method, err = s.pricing.ShippingMethod(method); err != nil {
			return Cart{}, err
		}
	}
	notes := textutil.SanitizeText(cmd.Notes, maxCartNotesLength)

	return s.mutate(ctx, cmd.Owner, func(_ context.Context, cart *Cart) error {
		if shipping != nil {
			cart.ShippingAddress = shipping
		}
		if billing != nil {
			cart.BillingAddress = billing
		}
		if method != "" {
			cart.ShippingMethod = method
		}
		if strings.TrimSpace(cmd.Notes) != "" {
			cart.Notes = notes
		}
		return nil
	})
}

// mutate loads (or starts) the owner's cart, applies fn, reprices and saves inside one
// transaction. An error from fn aborts without saving.
func (s *cartService) mutate(ctx context.Context, owner OwnerKey, fn func(context.Context, *Cart) error) (Cart, error) {
	if err := validateOwner(owner); err != nil {
		return Cart{}, err
	}
	var saved Cart
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		cart, err := s.carts.Get(txCtx, owner)
		switch {
		case err == nil:
		case isRepoNotFound(err):
			cart = Cart{UserID: owner.UserID, Currency: s.defaultCurrency}
			if owner.UserID == "" {
				cart.GuestID = owner.GuestID
			}
		default:
			return translateRepositoryError(err, nil, ErrCartConflict)
		}

		if err := fn(txCtx, &cart); err != nil {
			return err
		}
		if err := s.reprice(txCtx, &cart); err != nil {
			return err
		}
		cart.UpdatedAt = s.clock()
		saved, err = s.carts.Save(txCtx, cart)
		if err != nil {
			return translateRepositoryError(err, nil, ErrCartConflict)
		}
		return nil
	})
	if err != nil {
		return Cart{}, err
	}
	return saved, nil
}

// reprice refreshes the promotion snapshot and the estimate. A coupon that no longer qualifies
// stays on the cart unapplied so the shopper can see why.
func (s *cartService) reprice(ctx context.Context, cart *Cart) error {
	if cart.Promotion != nil && cart.Promotion.Code == "" {
		cart.Promotion = nil
	}
	eval, err := s.promotions.Evaluate(ctx, *cart)
	if err != nil {
		var rejection *PromotionError
		if !errors.As(err, &rejection) {
			return err
		}
		s.logger(ctx, "cart.promotion.unapplied", map[string]any{
			"cartId": cart.ID,
			"code":   rejection.Code,
			"reason": string(rejection.Reason),
		})
		cart.Promotion.Applied = false
		cart.Promotion.DiscountAmount = 0
		cart.Promotion.FreeShipping = false
		eval = nil
	}
	if eval != nil {
		if cart.Promotion == nil {
			cart.Promotion = &CartPromotion{
				PromotionID: eval.Promotion.ID,
				Kind:        eval.Promotion.Kind,
			}
		}
		cart.Promotion.Applied = true
		cart.Promotion.DiscountAmount = eval.Discount
		cart.Promotion.FreeShipping = eval.FreeShipping
	} else if cart.Promotion != nil {
		// An empty cart has nothing to discount; the code stays attached.
		cart.Promotion.Applied = false
		cart.Promotion.DiscountAmount = 0
		cart.Promotion.FreeShipping = false
	}

	breakdown, err := s.pricing.Price(*cart, eval)
	if err != nil {
		return err
	}
	estimate := breakdown.Estimate()
	cart.Estimate = &estimate
	return nil
}

func (s *cartService) checkStock(ctx context.Context, sku string, quantity int) error {
	stock, err := s.inventory.GetStock(ctx, sku)
	if err != nil {
		if errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s is not stocked", ErrCartOutOfStock, sku)
		}
		return err
	}
	available := stock.OnHand - stock.Reserved
	if quantity > available {
		return fmt.Errorf("%w: %s has %d available, %d requested", ErrCartOutOfStock, sku, max(available, 0), quantity)
	}
	return nil
}

func clearCart(cart *Cart) {
	cart.Items = nil
	cart.Promotion = nil
	cart.Estimate = nil
}

func findCartItem(items []CartItem, itemID string) int {
	for i, item := range items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

func validateOwner(owner OwnerKey) error {
	if owner.IsZero() {
		return fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	return nil
}

// normalizeAddress trims and sanitises an address, requiring the fields a shipment needs.
func normalizeAddress(addr *Address, field string) (*Address, error) {
	if addr == nil {
		return nil, nil
	}
	clean := func(v string) string { return textutil.SanitizeText(v, maxAddressField) }
	cleanPtr := func(v *string) *string {
		if v == nil {
			return nil
		}
		c := clean(*v)
		if c == "" {
			return nil
		}
		return &c
	}
	out := &Address{
		Recipient:  clean(addr.Recipient),
		Line1:      clean(addr.Line1),
		Line2:      cleanPtr(addr.Line2),
		City:       clean(addr.City),
		State:      cleanPtr(addr.State),
		PostalCode: clean(addr.PostalCode),
		Country:    strings.ToUpper(clean(addr.Country)),
		Phone:      cleanPtr(addr.Phone),
		Email:      cleanPtr(addr.Email),
	}
	var missing []string
	if out.Recipient == "" {
		missing = append(missing, "recipient")
	}
	if out.Line1 == "" {
		missing = append(missing, "line1")
	}
	if out.City == "" {
		missing = append(missing, "city")
	}
	if out.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if len(out.Country) != 2 {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s requires %s", ErrCartInvalidInput, field, strings.Join(missing, ", "))
	}
	return out, nil
}
