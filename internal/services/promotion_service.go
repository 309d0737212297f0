package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/repositories"
)

var (
	// ErrPromotionInvalidInput signals an invalid promotion definition or code.
	ErrPromotionInvalidInput = newKindError("promotion service: invalid input", ErrValidation)
	// ErrPromotionNotFound indicates no promotion exists for the provided code.
	ErrPromotionNotFound = newKindError("promotion service: promotion not found", ErrNotFound)
	// ErrPromotionConflict indicates the code is already taken.
	ErrPromotionConflict = newKindError("promotion service: code already exists", ErrConflict)
)

var promotionCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,31}$`)

// PromotionServiceDeps bundles dependencies required to construct a PromotionService implementation.
type PromotionServiceDeps struct {
	Promotions  repositories.PromotionRepository
	Usage       repositories.PromotionUsageRepository
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type promotionService struct {
	repo   repositories.PromotionRepository
	usage  repositories.PromotionUsageRepository
	orders repositories.OrderRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewPromotionService wires a PromotionService backed by the provided repositories.
func NewPromotionService(deps PromotionServiceDeps) (PromotionService, error) {
	if deps.Promotions == nil {
		return nil, errors.New("promotion service: promotion repository is required")
	}
	if deps.Usage == nil {
		return nil, errors.New("promotion service: usage repository is required")
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
	return &promotionService{
		repo:   deps.Promotions,
		usage:  deps.Usage,
		orders: deps.Orders,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *promotionService) Validate(ctx context.Context, cmd ValidatePromotionCommand) (PromotionEvaluation, error) {
	code := normalizePromotionCode(cmd.Code)
	if code == "" {
		return PromotionEvaluation{}, fmt.Errorf("%w: code is required", ErrPromotionInvalidInput)
	}
	if p := cmd.Cart.Promotion; p != nil && p.Applied && strings.EqualFold(p.Code, code) {
		return PromotionEvaluation{}, rejectPromotion(code, RejectAlreadyApplied, "")
	}

	promo, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if isRepoNotFound(err) {
			return PromotionEvaluation{}, rejectPromotion(code, RejectNotFound, "")
		}
		return PromotionEvaluation{}, translateRepositoryError(err, ErrPromotionNotFound, nil)
	}
	if !promo.Active || promo.Automatic {
		return PromotionEvaluation{}, rejectPromotion(code, RejectNotFound, "")
	}

	owner := cmd.Owner
	if owner.IsZero() {
		owner = cmd.Cart.Owner()
	}
	if err := s.checkEligibility(ctx, promo, cmd.Cart, owner); err != nil {
		return PromotionEvaluation{}, err
	}
	return evaluatePromotion(promo, cmd.Cart), nil
}

func (s *promotionService) Evaluate(ctx context.Context, cart Cart) (*PromotionEvaluation, error) {
	if len(cart.Items) == 0 {
		return nil, nil
	}
	if applied := cart.Promotion; applied != nil && strings.TrimSpace(applied.PromotionID) != "" {
		promo, err := s.repo.FindByID(ctx, applied.PromotionID)
		if err != nil {
			if isRepoNotFound(err) {
				return nil, rejectPromotion(applied.Code, RejectNotFound, "")
			}
			return nil, translateRepositoryError(err, ErrPromotionNotFound, nil)
		}
		if !promo.Active {
			return nil, rejectPromotion(applied.Code, RejectNotFound, "")
		}
		if err := s.checkEligibility(ctx, promo, cart, cart.Owner()); err != nil {
			return nil, err
		}
		eval := evaluatePromotion(promo, cart)
		return &eval, nil
	}
	return s.bestAutomatic(ctx, cart)
}

// bestAutomatic picks the eligible automatic promotion with the largest discount. Free shipping
// only wins when nothing else discounts.
func (s *promotionService) bestAutomatic(ctx context.Context, cart Cart) (*PromotionEvaluation, error) {
	candidates, err := s.repo.ListAutomatic(ctx, s.clock())
	if err != nil {
		return nil, translateRepositoryError(err, nil, nil)
	}
	var best *PromotionEvaluation
	for _, promo := range candidates {
		if !promo.Active {
			continue
		}
		if err := s.checkEligibility(ctx, promo, cart, cart.Owner()); err != nil {
			var rejection *PromotionError
			if errors.As(err, &rejection) {
				continue
			}
			return nil, err
		}
		eval := evaluatePromotion(promo, cart)
		if eval.Discount == 0 && !eval.FreeShipping {
			continue
		}
		if best == nil || eval.Discount > best.Discount || (eval.Discount == best.Discount && eval.FreeShipping && !best.FreeShipping) {
			candidate := eval
			best = &candidate
		}
	}
	return best, nil
}

func (s *promotionService) checkEligibility(ctx context.Context, promo Promotion, cart Cart, owner OwnerKey) error {
	code := promo.Code
	if code == "" {
		code = promo.ID
	}
	now := s.clock()
	if !promo.ValidFrom.IsZero() && now.Before(promo.ValidFrom) {
		return rejectPromotion(code, RejectNotYetActive, "")
	}
	if promo.ValidUntil != nil && !now.Before(*promo.ValidUntil) {
		return rejectPromotion(code, RejectExpired, "")
	}

	subtotal, items := cartSubtotal(cart)
	if promo.MinOrderValue > 0 && subtotal < promo.MinOrderValue {
		return rejectPromotion(code, RejectMinOrderNotMet, fmt.Sprintf("minimum %d, subtotal %d", promo.MinOrderValue, subtotal))
	}
	if promo.MinItemCount > 0 && items < promo.MinItemCount {
		return rejectPromotion(code, RejectMinItemsNotMet, fmt.Sprintf("minimum %d items, cart has %d", promo.MinItemCount, items))
	}
	if promo.UsageLimit > 0 && promo.UsageCount >= promo.UsageLimit {
		return rejectPromotion(code, RejectUsageLimitReached, "")
	}

	ref := ownerRef(owner)
	if promo.UsageLimitPerUser > 0 && ref != "" {
		usage, err := s.usage.Get(ctx, promo.ID, ref)
		if err != nil && !isRepoNotFound(err) {
			return translateRepositoryError(err, nil, nil)
		}
		if usage.Times >= promo.UsageLimitPerUser {
			return rejectPromotion(code, RejectUserLimitReached, "")
		}
	}

	switch promo.CustomerType {
	case domain.CustomerTypeNew, domain.CustomerTypeExisting:
		existing := false
		if owner.UserID != "" && s.orders != nil {
			count, err := s.orders.CountByUser(ctx, owner.UserID)
			if err != nil {
				return translateRepositoryError(err, nil, nil)
			}
			existing = count > 0
		}
		if (promo.CustomerType == domain.CustomerTypeNew) == existing {
			return rejectPromotion(code, RejectCustomerTypeMismatch, string(promo.CustomerType))
		}
	}
	return nil
}

func (s *promotionService) Create(ctx context.Context, cmd CreatePromotionCommand) (Promotion, error) {
	promo := cmd.Promotion
	promo.Code = normalizePromotionCode(promo.Code)
	promo.Name = strings.TrimSpace(promo.Name)
	if err := validatePromotionDefinition(promo); err != nil {
		return Promotion{}, err
	}
	now := s.clock()
	promo.ID = "promo_" + s.newID()
	if promo.CustomerType == "" {
		promo.CustomerType = domain.CustomerTypeAll
	}
	if promo.ValidFrom.IsZero() {
		promo.ValidFrom = now
	}
	promo.UsageCount = 0
	promo.CreatedAt = now
	promo.UpdatedAt = now

	if err := s.repo.Insert(ctx, promo); err != nil {
		return Promotion{}, translateRepositoryError(err, nil, ErrPromotionConflict)
	}
	s.logger(ctx, "promotion.created", map[string]any{
		"promotionId": promo.ID,
		"code":        promo.Code,
		"kind":        string(promo.Kind),
		"actor":       cmd.ActorID,
	})
	return promo, nil
}

func (s *promotionService) GetByCode(ctx context.Context, code string) (Promotion, error) {
	normalized := normalizePromotionCode(code)
	if normalized == "" {
		return Promotion{}, fmt.Errorf("%w: code is required", ErrPromotionInvalidInput)
	}
	promo, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		return Promotion{}, translateRepositoryError(err, ErrPromotionNotFound, nil)
	}
	return promo, nil
}

func validatePromotionDefinition(p Promotion) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrPromotionInvalidInput}, args...)...)
	}
	if p.Code == "" && !p.Automatic {
		return invalid("code is required unless the promotion is automatic")
	}
	if p.Code != "" && !promotionCodePattern.MatchString(p.Code) {
		return invalid("code %q must be 3-32 letters, digits, '-' or '_'", p.Code)
	}
	if p.Automatic && p.Code != "" {
		return invalid("automatic promotions do not carry a code")
	}
	if p.ValidUntil != nil && !p.ValidUntil.After(p.ValidFrom) {
		return invalid("validUntil must be after validFrom")
	}
	if p.MinOrderValue < 0 || p.MinItemCount < 0 || p.UsageLimit < 0 || p.UsageLimitPerUser < 0 {
		return invalid("limits must not be negative")
	}
	if p.MaxDiscount != nil && *p.MaxDiscount <= 0 {
		return invalid("maxDiscount must be positive")
	}
	switch p.CustomerType {
	case "", domain.CustomerTypeAll, domain.CustomerTypeNew, domain.CustomerTypeExisting:
	default:
		return invalid("unknown customer type %q", p.CustomerType)
	}

	validPercent := func(d decimal.Decimal) bool {
		return d.GreaterThan(decimal.Zero) && d.LessThanOrEqual(hundred)
	}
	switch p.Kind {
	case domain.PromotionKindPercentage, domain.PromotionKindProductPercentage, domain.PromotionKindCategoryPercentage:
		if !validPercent(p.Percent) {
			return invalid("percent must be in (0, 100]")
		}
	case domain.PromotionKindFixedAmount, domain.PromotionKindProductFixed, domain.PromotionKindCategoryFixed:
		if p.Amount <= 0 {
			return invalid("amount must be positive")
		}
	case domain.PromotionKindFreeShipping:
	case domain.PromotionKindBuyXGetY:
		cfg := p.BuyXGetY
		if cfg == nil {
			return invalid("buy_x_get_y requires buy, get and discount percent")
		}
		if cfg.BuyQuantity < 1 || cfg.GetQuantity < 1 {
			return invalid("buy and get quantities must be at least 1")
		}
		if !cfg.DiscountPercent.IsZero() && !validPercent(cfg.DiscountPercent) {
			return invalid("buy_x_get_y discount percent must be in (0, 100]")
		}
	default:
		return invalid("unknown kind %q", p.Kind)
	}
	switch p.Kind {
	case domain.PromotionKindProductPercentage, domain.PromotionKindProductFixed:
		if len(p.ApplicableProducts) == 0 {
			return invalid("product-scoped promotions need applicable products")
		}
	case domain.PromotionKindCategoryPercentage, domain.PromotionKindCategoryFixed:
		if len(p.ApplicableCategories) == 0 {
			return invalid("category-scoped promotions need applicable categories")
		}
	}
	return nil
}

// evaluatePromotion computes the discount a promotion yields on the cart. Amounts are computed
// exactly and rounded half-up once. The discount never exceeds the cart subtotal.
func evaluatePromotion(promo Promotion, cart Cart) PromotionEvaluation {
	eval := PromotionEvaluation{Promotion: promo}
	subtotal, _ := cartSubtotal(cart)

	capped := func(d decimal.Decimal) int64 {
		amount := roundHalfUp(d)
		if promo.MaxDiscount != nil && amount > *promo.MaxDiscount {
			amount = *promo.MaxDiscount
		}
		return amount
	}

	switch promo.Kind {
	case domain.PromotionKindPercentage:
		eval.Discount = capped(percentOf(subtotal, promo.Percent))
	case domain.PromotionKindFixedAmount:
		eval.Discount = capped(decimal.NewFromInt(promo.Amount))
	case domain.PromotionKindFreeShipping:
		eval.FreeShipping = true
	case domain.PromotionKindProductPercentage, domain.PromotionKindCategoryPercentage,
		domain.PromotionKindProductFixed, domain.PromotionKindCategoryFixed:
		var scoped int64
		for _, item := range cart.Items {
			if promotionMatchesItem(promo, item) {
				scoped += item.UnitPrice * int64(item.Quantity)
			}
		}
		if promo.Kind == domain.PromotionKindProductFixed || promo.Kind == domain.PromotionKindCategoryFixed {
			eval.Discount = capped(decimal.NewFromInt(min(promo.Amount, scoped)))
		} else {
			eval.Discount = capped(percentOf(scoped, promo.Percent))
		}
	case domain.PromotionKindBuyXGetY:
		eval.Discount, eval.Breakdown = evaluateBuyXGetY(promo, cart)
		if promo.MaxDiscount != nil && eval.Discount > *promo.MaxDiscount {
			eval.Discount = *promo.MaxDiscount
		}
	}

	if eval.Discount > subtotal {
		eval.Discount = subtotal
	}
	if eval.Discount < 0 {
		eval.Discount = 0
	}
	if len(eval.Breakdown) == 0 && (eval.Discount > 0 || eval.FreeShipping) {
		eval.Breakdown = []DiscountBreakdown{{
			Code:        promo.Code,
			PromotionID: promo.ID,
			Kind:        promo.Kind,
			Amount:      eval.Discount,
			Description: promo.Name,
		}}
	}
	return eval
}

// evaluateBuyXGetY discounts getQuantity units for every complete group of buy+get units on each
// eligible line. Trailing partial groups earn nothing.
func evaluateBuyXGetY(promo Promotion, cart Cart) (int64, []DiscountBreakdown) {
	cfg := promo.BuyXGetY
	if cfg == nil || cfg.BuyQuantity < 1 || cfg.GetQuantity < 1 {
		return 0, nil
	}
	percent := cfg.DiscountPercent
	if percent.IsZero() {
		percent = hundred
	}
	group := cfg.BuyQuantity + cfg.GetQuantity
	total := decimal.Zero
	var breakdown []DiscountBreakdown
	for _, item := range cart.Items {
		if !promotionMatchesItem(promo, item) {
			continue
		}
		free := (item.Quantity / group) * cfg.GetQuantity
		if free == 0 {
			continue
		}
		exact := percentOf(item.UnitPrice*int64(free), percent)
		total = total.Add(exact)
		breakdown = append(breakdown, DiscountBreakdown{
			Code:        promo.Code,
			PromotionID: promo.ID,
			Kind:        promo.Kind,
			ItemID:      item.ID,
			Amount:      roundHalfUp(exact),
			Description: fmt.Sprintf("%d discounted unit(s)", free),
		})
	}
	return roundHalfUp(total), breakdown
}

// promotionMatchesItem reports whether the item is in the promotion's product or category scope.
// A promotion without scope matches every item.
func promotionMatchesItem(promo Promotion, item CartItem) bool {
	if len(promo.ApplicableProducts) == 0 && len(promo.ApplicableCategories) == 0 {
		return true
	}
	if slices.Contains(promo.ApplicableProducts, item.ProductID) || (item.SKU != "" && slices.Contains(promo.ApplicableProducts, item.SKU)) {
		return true
	}
	for _, category := range item.CategoryIDs {
		if slices.Contains(promo.ApplicableCategories, category) {
			return true
		}
	}
	return false
}

func cartSubtotal(cart Cart) (int64, int) {
	var subtotal int64
	var count int
	for _, item := range cart.Items {
		subtotal += item.UnitPrice * int64(item.Quantity)
		count += item.Quantity
	}
	return subtotal, count
}

func normalizePromotionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ownerRef is the identity promotion usage is counted against.
func ownerRef(owner OwnerKey) string {
	if uid := strings.TrimSpace(owner.UserID); uid != "" {
		return uid
	}
	if gid := strings.TrimSpace(owner.GuestID); gid != "" {
		return "guest:" + gid
	}
	return ""
}
