package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists one cart document per owner. Authenticated carts are keyed
// "user:<uid>" and guest carts "guest:<id>".
type CartRepository struct {
	base *pfirestore.Collection[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base: pfirestore.NewCollection[cartDocument](provider, cartCollection, nil, nil),
	}, nil
}

// CartDocumentID derives the cart document identifier from the owner key.
func CartDocumentID(owner domain.OwnerKey) string {
	if uid := strings.TrimSpace(owner.UserID); uid != "" {
		return "user:" + uid
	}
	if gid := strings.TrimSpace(owner.GuestID); gid != "" {
		return "guest:" + gid
	}
	return ""
}

// Get loads the cart for the owner. A missing cart surfaces as a not-found repository error.
func (r *CartRepository) Get(ctx context.Context, owner domain.OwnerKey) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := CartDocumentID(owner)
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: owner is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Save replaces the owner's cart document.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := CartDocumentID(cart.Owner())
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: owner is required")
	}

	now := cart.UpdatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	cart.ID = id

	doc := newCartDocument(cart)
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(id), nil
}

type cartDocument struct {
	UserID          string                 `firestore:"userId,omitempty"`
	GuestID         string                 `firestore:"guestId,omitempty"`
	Currency        string                 `firestore:"currency"`
	Items           []cartItemDocument     `firestore:"items"`
	Promotion       *cartPromotionDocument `firestore:"promo,omitempty"`
	Estimates       *cartEstimateDocument  `firestore:"estimates,omitempty"`
	ShippingAddress *addressDocument       `firestore:"shippingAddress,omitempty"`
	BillingAddress  *addressDocument       `firestore:"billingAddress,omitempty"`
	ShippingMethod  string                 `firestore:"shippingMethod,omitempty"`
	Notes           string                 `firestore:"notes,omitempty"`
	Metadata        map[string]any         `firestore:"metadata,omitempty"`
	ItemsCount      int                    `firestore:"itemsCount"`
	CreatedAt       time.Time              `firestore:"createdAt"`
	UpdatedAt       time.Time              `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID          string            `firestore:"id"`
	ProductID   string            `firestore:"productId"`
	VariantID   string            `firestore:"variantId,omitempty"`
	SKU         string            `firestore:"sku"`
	Name        string            `firestore:"name"`
	CategoryIDs []string          `firestore:"categoryIds,omitempty"`
	Quantity    int               `firestore:"qty"`
	UnitPrice   int64             `firestore:"unitPrice"`
	Currency    string            `firestore:"currency"`
	TaxRate     string            `firestore:"taxRate,omitempty"`
	Attributes  map[string]string `firestore:"attributes,omitempty"`
	AddedAt     time.Time         `firestore:"addedAt"`
	UpdatedAt   *time.Time        `firestore:"updatedAt,omitempty"`
}

type cartPromotionDocument struct {
	PromotionID    string `firestore:"promotionId"`
	Code           string `firestore:"code"`
	Kind           string `firestore:"kind"`
	DiscountAmount int64  `firestore:"discountAmount"`
	FreeShipping   bool   `firestore:"freeShipping,omitempty"`
	Applied        bool   `firestore:"applied"`
}

type cartEstimateDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Tax      int64 `firestore:"tax"`
	Shipping int64 `firestore:"shipping"`
	Total    int64 `firestore:"total"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	doc := cartDocument{
		UserID:          strings.TrimSpace(cart.UserID),
		GuestID:         strings.TrimSpace(cart.GuestID),
		Currency:        strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:           make([]cartItemDocument, 0, len(cart.Items)),
		ShippingAddress: newAddressDocument(cart.ShippingAddress),
		BillingAddress:  newAddressDocument(cart.BillingAddress),
		ShippingMethod:  strings.TrimSpace(cart.ShippingMethod),
		Notes:           strings.TrimSpace(cart.Notes),
		Metadata:        cloneAnyMap(cart.Metadata),
		ItemsCount:      len(cart.Items),
		CreatedAt:       cart.CreatedAt.UTC(),
		UpdatedAt:       cart.UpdatedAt.UTC(),
	}
	if doc.UserID != "" {
		doc.GuestID = ""
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, cartItemDocument{
			ID:          item.ID,
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			SKU:         item.SKU,
			Name:        item.Name,
			CategoryIDs: append([]string(nil), item.CategoryIDs...),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Currency:    item.Currency,
			TaxRate:     encodeDecimal(item.TaxRate),
			Attributes:  cloneStringMap(item.Attributes),
			AddedAt:     item.AddedAt.UTC(),
			UpdatedAt:   item.UpdatedAt,
		})
	}
	if cart.Promotion != nil {
		doc.Promotion = &cartPromotionDocument{
			PromotionID:    cart.Promotion.PromotionID,
			Code:           strings.TrimSpace(cart.Promotion.Code),
			Kind:           string(cart.Promotion.Kind),
			DiscountAmount: cart.Promotion.DiscountAmount,
			FreeShipping:   cart.Promotion.FreeShipping,
			Applied:        cart.Promotion.Applied,
		}
	}
	if cart.Estimate != nil {
		doc.Estimates = &cartEstimateDocument{
			Subtotal: cart.Estimate.Subtotal,
			Discount: cart.Estimate.Discount,
			Tax:      cart.Estimate.Tax,
			Shipping: cart.Estimate.Shipping,
			Total:    cart.Estimate.Total,
		}
	}
	return doc
}

func (d cartDocument) toDomain(id string) domain.Cart {
	cart := domain.Cart{
		ID:              id,
		UserID:          d.UserID,
		GuestID:         d.GuestID,
		Currency:        d.Currency,
		Items:           make([]domain.CartItem, 0, len(d.Items)),
		ShippingAddress: d.ShippingAddress.toDomain(),
		BillingAddress:  d.BillingAddress.toDomain(),
		ShippingMethod:  d.ShippingMethod,
		Notes:           d.Notes,
		Metadata:        cloneAnyMap(d.Metadata),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	for _, item := range d.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:          item.ID,
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			SKU:         item.SKU,
			Name:        item.Name,
			CategoryIDs: append([]string(nil), item.CategoryIDs...),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Currency:    item.Currency,
			TaxRate:     decodeDecimal(item.TaxRate),
			Attributes:  cloneStringMap(item.Attributes),
			AddedAt:     item.AddedAt,
			UpdatedAt:   item.UpdatedAt,
		})
	}
	if d.Promotion != nil {
		cart.Promotion = &domain.CartPromotion{
			PromotionID:    d.Promotion.PromotionID,
			Code:           d.Promotion.Code,
			Kind:           domain.PromotionKind(d.Promotion.Kind),
			DiscountAmount: d.Promotion.DiscountAmount,
			FreeShipping:   d.Promotion.FreeShipping,
			Applied:        d.Promotion.Applied,
		}
	}
	if d.Estimates != nil {
		cart.Estimate = &domain.CartEstimate{
			Subtotal: d.Estimates.Subtotal,
			Discount: d.Estimates.Discount,
			Tax:      d.Estimates.Tax,
			Shipping: d.Estimates.Shipping,
			Total:    d.Estimates.Total,
		}
	}
	return cart
}

var _ repositories.CartRepository = (*CartRepository)(nil)
