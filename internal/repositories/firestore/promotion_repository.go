package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/bazaar-commerce/api/internal/domain"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const promotionsCollection = "promotions"

// PromotionRepository stores promotion definitions. Codes are unique and stored upper-cased.
type PromotionRepository struct {
	base *pfirestore.Collection[promotionDocument]
}

func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	return &PromotionRepository{
		base: pfirestore.NewCollection[promotionDocument](provider, promotionsCollection, nil, nil),
	}, nil
}

func (r *PromotionRepository) Insert(ctx context.Context, promotion domain.Promotion) error {
	if r == nil || r.base == nil {
		return errors.New("promotion repository not initialised")
	}
	id := strings.TrimSpace(promotion.ID)
	if id == "" {
		return errors.New("promotion repository: promotion id is required")
	}
	if code := normalisePromotionCode(promotion.Code); code != "" {
		if _, err := r.FindByCode(ctx, code); err == nil {
			return pfirestore.ConflictError("promotions.insert", "promotion code "+code)
		} else if !isNotFound(err) {
			return err
		}
	}
	return r.base.Create(ctx, id, newPromotionDocument(promotion))
}

func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (domain.Promotion, error) {
	if r == nil || r.base == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	code = normalisePromotionCode(code)
	if code == "" {
		return domain.Promotion{}, errors.New("promotion repository: code is required")
	}
	doc, err := r.base.First(ctx, "promotion "+code, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", code)
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *PromotionRepository) FindByID(ctx context.Context, promotionID string) (domain.Promotion, error) {
	if r == nil || r.base == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(promotionID))
	if err != nil {
		return domain.Promotion{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListAutomatic returns active code-less promotions whose window has opened. The end of the window
// is checked by the evaluator since Firestore cannot filter on a missing validUntil.
func (r *PromotionRepository) ListAutomatic(ctx context.Context, now time.Time) ([]domain.Promotion, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("promotion repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("automatic", "==", true).
			Where("active", "==", true).
			Where("validFrom", "<=", now.UTC())
	})
	if err != nil {
		return nil, err
	}
	promotions := make([]domain.Promotion, 0, len(docs))
	for _, doc := range docs {
		promotions = append(promotions, doc.Data.toDomain(doc.ID))
	}
	return promotions, nil
}

// AdjustUsage atomically moves the global usage counter without reading the document.
func (r *PromotionRepository) AdjustUsage(ctx context.Context, promotionID string, delta int) error {
	if r == nil || r.base == nil {
		return errors.New("promotion repository not initialised")
	}
	if delta == 0 {
		return nil
	}
	return r.base.Update(ctx, strings.TrimSpace(promotionID), []firestore.Update{
		{Path: "usageCount", Value: firestore.Increment(delta)},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
}

func normalisePromotionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type promotionDocument struct {
	Code                 string            `firestore:"code,omitempty"`
	Automatic            bool              `firestore:"automatic"`
	Name                 string            `firestore:"name"`
	Description          string            `firestore:"description,omitempty"`
	Kind                 string            `firestore:"kind"`
	Percent              string            `firestore:"percent,omitempty"`
	Amount               int64             `firestore:"amount,omitempty"`
	MaxDiscount          *int64            `firestore:"maxDiscount,omitempty"`
	MinOrderValue        int64             `firestore:"minOrderValue"`
	MinItemCount         int               `firestore:"minItemCount"`
	CustomerType         string            `firestore:"customerType"`
	ValidFrom            time.Time         `firestore:"validFrom"`
	ValidUntil           *time.Time        `firestore:"validUntil,omitempty"`
	UsageLimit           int               `firestore:"usageLimit"`
	UsageLimitPerUser    int               `firestore:"usageLimitPerUser"`
	UsageCount           int               `firestore:"usageCount"`
	ApplicableProducts   []string          `firestore:"applicableProducts,omitempty"`
	ApplicableCategories []string          `firestore:"applicableCategories,omitempty"`
	BuyXGetY             *buyXGetYDocument `firestore:"buyXGetY,omitempty"`
	Active               bool              `firestore:"active"`
	CreatedAt            time.Time         `firestore:"createdAt"`
	UpdatedAt            time.Time         `firestore:"updatedAt"`
}

type buyXGetYDocument struct {
	BuyQuantity     int    `firestore:"buyQty"`
	GetQuantity     int    `firestore:"getQty"`
	DiscountPercent string `firestore:"discountPercent"`
}

func newPromotionDocument(p domain.Promotion) promotionDocument {
	doc := promotionDocument{
		Code:                 normalisePromotionCode(p.Code),
		Automatic:            p.Automatic,
		Name:                 p.Name,
		Description:          p.Description,
		Kind:                 string(p.Kind),
		Percent:              encodeDecimal(p.Percent),
		Amount:               p.Amount,
		MaxDiscount:          p.MaxDiscount,
		MinOrderValue:        p.MinOrderValue,
		MinItemCount:         p.MinItemCount,
		CustomerType:         string(p.CustomerType),
		ValidFrom:            p.ValidFrom.UTC(),
		ValidUntil:           p.ValidUntil,
		UsageLimit:           p.UsageLimit,
		UsageLimitPerUser:    p.UsageLimitPerUser,
		UsageCount:           p.UsageCount,
		ApplicableProducts:   append([]string(nil), p.ApplicableProducts...),
		ApplicableCategories: append([]string(nil), p.ApplicableCategories...),
		Active:               p.Active,
		CreatedAt:            p.CreatedAt.UTC(),
		UpdatedAt:            p.UpdatedAt.UTC(),
	}
	if p.BuyXGetY != nil {
		doc.BuyXGetY = &buyXGetYDocument{
			BuyQuantity:     p.BuyXGetY.BuyQuantity,
			GetQuantity:     p.BuyXGetY.GetQuantity,
			DiscountPercent: encodeDecimal(p.BuyXGetY.DiscountPercent),
		}
	}
	return doc
}

func (d promotionDocument) toDomain(id string) domain.Promotion {
	promotion := domain.Promotion{
		ID:                   id,
		Code:                 d.Code,
		Automatic:            d.Automatic,
		Name:                 d.Name,
		Description:          d.Description,
		Kind:                 domain.PromotionKind(d.Kind),
		Percent:              decodeDecimal(d.Percent),
		Amount:               d.Amount,
		MaxDiscount:          d.MaxDiscount,
		MinOrderValue:        d.MinOrderValue,
		MinItemCount:         d.MinItemCount,
		CustomerType:         domain.CustomerType(d.CustomerType),
		ValidFrom:            d.ValidFrom,
		ValidUntil:           d.ValidUntil,
		UsageLimit:           d.UsageLimit,
		UsageLimitPerUser:    d.UsageLimitPerUser,
		UsageCount:           d.UsageCount,
		ApplicableProducts:   append([]string(nil), d.ApplicableProducts...),
		ApplicableCategories: append([]string(nil), d.ApplicableCategories...),
		Active:               d.Active,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
	if promotion.CustomerType == "" {
		promotion.CustomerType = domain.CustomerTypeAll
	}
	if d.BuyXGetY != nil {
		promotion.BuyXGetY = &domain.BuyXGetY{
			BuyQuantity:     d.BuyXGetY.BuyQuantity,
			GetQuantity:     d.BuyXGetY.GetQuantity,
			DiscountPercent: decodeDecimal(d.BuyXGetY.DiscountPercent),
		}
	}
	return promotion
}

var _ repositories.PromotionRepository = (*PromotionRepository)(nil)
