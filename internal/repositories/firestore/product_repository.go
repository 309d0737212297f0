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

const productsCollection = "products"

// ProductRepository reads the catalog projection maintained by the catalog service.
type ProductRepository struct {
	base *pfirestore.Collection[productDocument]
}

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base: pfirestore.NewCollection[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

type productDocument struct {
	SKU         string                   `firestore:"sku"`
	Name        string                   `firestore:"name"`
	Price       int64                    `firestore:"price"`
	Currency    string                   `firestore:"currency"`
	TaxRate     string                   `firestore:"taxRate,omitempty"`
	CategoryIDs []string                 `firestore:"categoryIds,omitempty"`
	Variants    []productVariantDocument `firestore:"variants,omitempty"`
	Active      bool                     `firestore:"active"`
	UpdatedAt   time.Time                `firestore:"updatedAt"`
}

type productVariantDocument struct {
	ID         string            `firestore:"id"`
	SKU        string            `firestore:"sku"`
	Name       string            `firestore:"name"`
	Price      *int64            `firestore:"price,omitempty"`
	Attributes map[string]string `firestore:"attributes,omitempty"`
}

func (d productDocument) toDomain(id string) domain.Product {
	product := domain.Product{
		ID:          id,
		SKU:         strings.TrimSpace(d.SKU),
		Name:        d.Name,
		Price:       d.Price,
		Currency:    strings.ToUpper(strings.TrimSpace(d.Currency)),
		TaxRate:     decodeDecimal(d.TaxRate),
		CategoryIDs: append([]string(nil), d.CategoryIDs...),
		Active:      d.Active,
		UpdatedAt:   d.UpdatedAt,
	}
	for _, v := range d.Variants {
		product.Variants = append(product.Variants, domain.ProductVariant{
			ID:         v.ID,
			SKU:        strings.TrimSpace(v.SKU),
			Name:       v.Name,
			Price:      v.Price,
			Attributes: cloneStringMap(v.Attributes),
		})
	}
	return product
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
