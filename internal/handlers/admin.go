package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/platform/httpx"
	"github.com/bazaar-commerce/api/internal/platform/pagination"
	"github.com/bazaar-commerce/api/internal/services"
)

const maxAdminBodySize = 32 * 1024

// AdminHandlers exposes promotion and inventory administration.
type AdminHandlers struct {
	authn      *auth.Authenticator
	promotions services.PromotionService
	inventory  services.InventoryService
}

// NewAdminHandlers constructs admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, promotions services.PromotionService, inventory services.InventoryService) *AdminHandlers {
	return &AdminHandlers{authn: authn, promotions: promotions, inventory: inventory}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Route("/promotions", func(pr chi.Router) {
		pr.Use(auth.RequireCapability(auth.CapPromotionManage))
		pr.Post("/", h.createPromotion)
		pr.Get("/{code}", h.getPromotion)
	})
	r.Route("/inventory", func(ir chi.Router) {
		ir.With(auth.RequireCapability(auth.CapInventoryRead)).Get("/low-stock", h.listLowStock)
		ir.With(auth.RequireCapability(auth.CapInventoryManage)).Put("/{sku}", h.upsertStock)
	})
}

type buyXGetYPayload struct {
	BuyQuantity     int             `json:"buy_quantity"`
	GetQuantity     int             `json:"get_quantity"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type promotionRequest struct {
	Code                 string           `json:"code"`
	Automatic            bool             `json:"automatic"`
	Name                 string           `json:"name"`
	Description          string           `json:"description"`
	Kind                 string           `json:"kind"`
	Percent              decimal.Decimal  `json:"percent"`
	Amount               int64            `json:"amount"`
	MaxDiscount          *int64           `json:"max_discount"`
	MinOrderValue        int64            `json:"min_order_value"`
	MinItemCount         int              `json:"min_item_count"`
	CustomerType         string           `json:"customer_type"`
	ValidFrom            *time.Time       `json:"valid_from"`
	ValidUntil           *time.Time       `json:"valid_until"`
	UsageLimit           int              `json:"usage_limit"`
	UsageLimitPerUser    int              `json:"usage_limit_per_user"`
	ApplicableProducts   []string         `json:"applicable_products"`
	ApplicableCategories []string         `json:"applicable_categories"`
	BuyXGetY             *buyXGetYPayload `json:"buy_x_get_y"`
	Active               *bool            `json:"active"`
}

func (req promotionRequest) toDomain() domain.Promotion {
	promo := domain.Promotion{
		Code:                 req.Code,
		Automatic:            req.Automatic,
		Name:                 strings.TrimSpace(req.Name),
		Description:          strings.TrimSpace(req.Description),
		Kind:                 domain.PromotionKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Percent:              req.Percent,
		Amount:               req.Amount,
		MaxDiscount:          req.MaxDiscount,
		MinOrderValue:        req.MinOrderValue,
		MinItemCount:         req.MinItemCount,
		CustomerType:         domain.CustomerType(strings.ToLower(strings.TrimSpace(req.CustomerType))),
		ValidUntil:           req.ValidUntil,
		UsageLimit:           req.UsageLimit,
		UsageLimitPerUser:    req.UsageLimitPerUser,
		ApplicableProducts:   req.ApplicableProducts,
		ApplicableCategories: req.ApplicableCategories,
		Active:               true,
	}
	if req.ValidFrom != nil {
		promo.ValidFrom = *req.ValidFrom
	}
	if req.Active != nil {
		promo.Active = *req.Active
	}
	if req.BuyXGetY != nil {
		promo.BuyXGetY = &domain.BuyXGetY{
			BuyQuantity:     req.BuyXGetY.BuyQuantity,
			GetQuantity:     req.BuyXGetY.GetQuantity,
			DiscountPercent: req.BuyXGetY.DiscountPercent,
		}
	}
	return promo
}

type promotionPayload struct {
	ID                   string   `json:"id"`
	Code                 string   `json:"code,omitempty"`
	Automatic            bool     `json:"automatic"`
	Name                 string   `json:"name,omitempty"`
	Kind                 string   `json:"kind"`
	Percent              string   `json:"percent,omitempty"`
	Amount               int64    `json:"amount,omitempty"`
	MaxDiscount          *int64   `json:"max_discount,omitempty"`
	MinOrderValue        int64    `json:"min_order_value,omitempty"`
	MinItemCount         int      `json:"min_item_count,omitempty"`
	CustomerType         string   `json:"customer_type"`
	ValidFrom            string   `json:"valid_from,omitempty"`
	ValidUntil           string   `json:"valid_until,omitempty"`
	UsageLimit           int      `json:"usage_limit,omitempty"`
	UsageLimitPerUser    int      `json:"usage_limit_per_user,omitempty"`
	UsageCount           int      `json:"usage_count"`
	ApplicableProducts   []string `json:"applicable_products,omitempty"`
	ApplicableCategories []string `json:"applicable_categories,omitempty"`
	Active               bool     `json:"active"`
}

func buildPromotionPayload(promo services.Promotion) promotionPayload {
	payload := promotionPayload{
		ID:                   promo.ID,
		Code:                 promo.Code,
		Automatic:            promo.Automatic,
		Name:                 promo.Name,
		Kind:                 string(promo.Kind),
		Amount:               promo.Amount,
		MaxDiscount:          promo.MaxDiscount,
		MinOrderValue:        promo.MinOrderValue,
		MinItemCount:         promo.MinItemCount,
		CustomerType:         string(promo.CustomerType),
		ValidFrom:            formatTime(promo.ValidFrom),
		ValidUntil:           formatTimePtr(promo.ValidUntil),
		UsageLimit:           promo.UsageLimit,
		UsageLimitPerUser:    promo.UsageLimitPerUser,
		UsageCount:           promo.UsageCount,
		ApplicableProducts:   promo.ApplicableProducts,
		ApplicableCategories: promo.ApplicableCategories,
		Active:               promo.Active,
	}
	if !promo.Percent.IsZero() {
		payload.Percent = promo.Percent.String()
	}
	return payload
}

type upsertStockRequest struct {
	ProductID         string `json:"product_id"`
	OnHand            *int   `json:"on_hand"`
	LowStockThreshold *int   `json:"low_stock_threshold"`
}

type stockListPayload struct {
	Items         []stockPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (h *AdminHandlers) createPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promotions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promotion_service_unavailable", "promotion service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req promotionRequest
	if !decodeJSONBody(w, r, maxAdminBodySize, &req) {
		return
	}
	created, err := h.promotions.Create(ctx, services.CreatePromotionCommand{Promotion: req.toDomain(), ActorID: actorID(ctx)})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, "promotion created", buildPromotionPayload(created))
}

func (h *AdminHandlers) getPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promotions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promotion_service_unavailable", "promotion service unavailable", http.StatusServiceUnavailable))
		return
	}
	promo, err := h.promotions.GetByCode(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "promotion retrieved", buildPromotionPayload(promo))
}

func (h *AdminHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	page, err := pagination.Parse(r.URL.Query())
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	result, err := h.inventory.ListLowStock(ctx, services.InventoryLowStockFilter{Pagination: page})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := stockListPayload{Items: make([]stockPayload, 0, len(result.Items)), NextPageToken: result.NextPageToken}
	for _, stock := range result.Items {
		payload.Items = append(payload.Items, buildStockPayload(stock))
	}
	httpx.WriteSuccess(w, http.StatusOK, "low stock retrieved", payload)
}

func (h *AdminHandlers) upsertStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req upsertStockRequest
	if !decodeJSONBody(w, r, maxAdminBodySize, &req) {
		return
	}
	stock, err := h.inventory.UpsertStock(ctx, services.UpsertStockCommand{
		SKU:               chi.URLParam(r, "sku"),
		ProductID:         strings.TrimSpace(req.ProductID),
		OnHand:            req.OnHand,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "stock updated", buildStockPayload(stock))
}
