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

const promotionUsagesCollection = "promotionUsages"

// PromotionUsageRepository keeps one usage document per promotion and user.
type PromotionUsageRepository struct {
	base *pfirestore.Collection[promotionUsageDocument]
}

func NewPromotionUsageRepository(provider *pfirestore.Provider) (*PromotionUsageRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion usage repository requires firestore provider")
	}
	return &PromotionUsageRepository{
		base: pfirestore.NewCollection[promotionUsageDocument](provider, promotionUsagesCollection, nil, nil),
	}, nil
}

func promotionUsageID(promotionID, userID string) string {
	return strings.TrimSpace(promotionID) + ":" + strings.TrimSpace(userID)
}

// Get returns the usage for the user. A user who never redeemed the promotion has zero usage.
func (r *PromotionUsageRepository) Get(ctx context.Context, promotionID string, userID string) (domain.PromotionUsage, error) {
	if r == nil || r.base == nil {
		return domain.PromotionUsage{}, errors.New("promotion usage repository not initialised")
	}
	if strings.TrimSpace(promotionID) == "" || strings.TrimSpace(userID) == "" {
		return domain.PromotionUsage{UserID: userID}, nil
	}
	doc, err := r.base.Get(ctx, promotionUsageID(promotionID, userID))
	if err != nil {
		if isNotFound(err) {
			return domain.PromotionUsage{UserID: userID}, nil
		}
		return domain.PromotionUsage{}, err
	}
	return domain.PromotionUsage{
		UserID:     doc.Data.UserID,
		Times:      doc.Data.Times,
		LastUsedAt: doc.Data.LastUsedAt,
		OrderRefs:  append([]string(nil), doc.Data.OrderRefs...),
	}, nil
}

// Adjust increments (or with a negative delta, decrements) the usage without a prior read, so it
// can follow other writes inside a transaction.
func (r *PromotionUsageRepository) Adjust(ctx context.Context, promotionID string, userID string, delta int, orderRef string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("promotion usage repository not initialised")
	}
	if delta == 0 || strings.TrimSpace(userID) == "" {
		return nil
	}
	ref, err := r.base.Doc(ctx, promotionUsageID(promotionID, userID))
	if err != nil {
		return err
	}
	payload := map[string]any{
		"promotionId": strings.TrimSpace(promotionID),
		"userId":      strings.TrimSpace(userID),
		"times":       firestore.Increment(delta),
	}
	if delta > 0 {
		payload["lastUsedAt"] = now.UTC()
	}
	if ref := strings.TrimSpace(orderRef); ref != "" {
		if delta > 0 {
			payload["orderRefs"] = firestore.ArrayUnion(ref)
		} else {
			payload["orderRefs"] = firestore.ArrayRemove(ref)
		}
	}
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		return pfirestore.WrapError("promotionUsages.adjust", tx.Set(ref, payload, firestore.MergeAll))
	}
	_, err = ref.Set(ctx, payload, firestore.MergeAll)
	return pfirestore.WrapError("promotionUsages.adjust", err)
}

type promotionUsageDocument struct {
	PromotionID string    `firestore:"promotionId"`
	UserID      string    `firestore:"userId"`
	Times       int       `firestore:"times"`
	LastUsedAt  time.Time `firestore:"lastUsedAt"`
	OrderRefs   []string  `firestore:"orderRefs,omitempty"`
}

var _ repositories.PromotionUsageRepository = (*PromotionUsageRepository)(nil)
