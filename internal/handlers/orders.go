package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/platform/cache"
	"github.com/bazaar-commerce/api/internal/platform/httpx"
	"github.com/bazaar-commerce/api/internal/platform/pagination"
	"github.com/bazaar-commerce/api/internal/platform/requestctx"
	"github.com/bazaar-commerce/api/internal/services"
)

const (
	maxOrderBodySize = 16 * 1024

	orderListCachePattern   = "orders:list"
	orderDetailCachePattern = "orders:detail"
)

// OrderHandlers exposes the order lifecycle to shoppers and back office staff.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	cache       cache.Store
	cacheTTL    time.Duration
	idempotency func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderCache caches GET responses per caller for ttl. Mutations invalidate both order patterns.
func WithOrderCache(store cache.Store, ttl time.Duration) OrderOption {
	return func(h *OrderHandlers) {
		h.cache = store
		h.cacheTTL = ttl
	}
}

// WithOrderIdempotency installs the Idempotency-Key middleware on order creation.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}

	create := r.With(auth.RequireCapability(auth.CapOrderCreate))
	if h.idempotency != nil {
		create = create.With(h.idempotency)
	}
	create.Post("/", h.createOrder)

	r.With(
		auth.RequireCapability(auth.CapOrderReadOwn, auth.CapOrderReadAny),
		cache.Middleware(h.cache, orderListCachePattern, h.cacheTTL, cacheScope),
	).Get("/", h.listOrders)
	r.With(
		auth.RequireCapability(auth.CapOrderReadOwn, auth.CapOrderReadAny),
		cache.Middleware(h.cache, orderDetailCachePattern, h.cacheTTL, cacheScope),
	).Get("/{orderID}", h.getOrder)

	r.With(auth.RequireCapability(auth.CapOrderCancelOwn, auth.CapOrderCancelAny)).Put("/{orderID}/cancel", h.cancelOrder)
	r.With(auth.RequireCapability(auth.CapOrderStatusUpdate)).Put("/{orderID}/status", h.updateStatus)
	r.With(auth.RequireCapability(auth.CapOrderShippingUpdate)).Put("/{orderID}/shipping", h.updateShipping)
	r.With(auth.RequireCapability(auth.CapOrderNoteOwn, auth.CapOrderNoteAny)).Post("/{orderID}/notes", h.addNote)
	r.With(auth.RequireCapability(auth.CapOrderRefund)).Post("/{orderID}/refund", h.refundOrder)
}

// cacheScope keys cached reads by caller and by whether the caller sees every order, since staff
// responses include private notes.
func cacheScope(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.UID == "" {
		return ""
	}
	if auth.Can(r.Context(), auth.CapOrderReadAny) {
		return "staff:" + identity.UID
	}
	return "user:" + identity.UID
}

type createOrderRequest struct {
	ShippingAddress *addressPayload `json:"shipping_address"`
	BillingAddress  *addressPayload `json:"billing_address"`
	ShippingMethod  string          `json:"shipping_method"`
	PaymentMethod   string          `json:"payment_method"`
	Notes           string          `json:"notes"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type orderStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type orderShippingRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

type orderNoteRequest struct {
	Body   string `json:"body"`
	Public bool   `json:"public"`
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Full   bool   `json:"full"`
	Reason string `json:"reason"`
}

type orderListPayload struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeOptionalJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.CreateFromCart(r.Context(), services.CreateOrderCommand{
		Owner:           domain.OwnerKey{UserID: identity.UID},
		ShippingAddress: req.ShippingAddress.toDomain(),
		BillingAddress:  req.BillingAddress.toDomain(),
		ShippingMethod:  strings.TrimSpace(req.ShippingMethod),
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		Notes:           req.Notes,
		ActorID:         identity.UID,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	h.invalidate(r.Context())
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteSuccess(w, http.StatusCreated, "order created", buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	page, err := pagination.Parse(r.URL.Query())
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	filter := services.OrderListFilter{Pagination: page}
	for _, raw := range splitCSV(r.URL.Query()["status"]) {
		filter.Status = append(filter.Status, domain.OrderStatus(raw))
	}
	// Staff may list another customer's orders; everyone else sees their own.
	filter.UserID = identity.UID
	if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" && auth.Can(ctx, auth.CapOrderReadAny) {
		filter.UserID = userID
	}

	result, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := orderListPayload{Items: make([]orderPayload, 0, len(result.Items)), NextPageToken: result.NextPageToken}
	for _, order := range result.Items {
		if !auth.Can(ctx, auth.CapOrderReadAny) {
			order.Notes = publicOrderNotes(order.Notes)
		}
		payload.Items = append(payload.Items, buildOrderPayload(order))
	}
	httpx.WriteSuccess(w, http.StatusOK, "orders retrieved", payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"), h.access(ctx, identity, auth.CapOrderReadAny))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "order retrieved", buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if !decodeOptionalJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	ctx := r.Context()
	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
		ActorID: identity.UID,
		Access:  h.access(ctx, identity, auth.CapOrderCancelAny),
	})
	h.respondMutation(w, r, order, err, "order cancelled")
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req orderStatusRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.UpdateStatus(r.Context(), services.OrderStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  domain.OrderStatus(req.Status),
		Note:    req.Note,
		ActorID: identity.UID,
	})
	h.respondMutation(w, r, order, err, "order status updated")
}

func (h *OrderHandlers) updateShipping(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req orderShippingRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.UpdateShipping(r.Context(), services.UpdateShippingCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		ActorID:        identity.UID,
	})
	h.respondMutation(w, r, order, err, "shipping updated")
}

func (h *OrderHandlers) addNote(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req orderNoteRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	ctx := r.Context()
	order, err := h.orders.AddNote(ctx, services.AddOrderNoteCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Body:    req.Body,
		Public:  req.Public,
		ActorID: identity.UID,
		Access:  h.access(ctx, identity, auth.CapOrderNoteAny),
	})
	h.respondMutation(w, r, order, err, "note added")
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.ProcessRefund(r.Context(), services.OrderRefundCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Amount:  req.Amount,
		Full:    req.Full,
		Reason:  req.Reason,
		ActorID: identity.UID,
	})
	h.respondMutation(w, r, order, err, "refund processed")
}

func (h *OrderHandlers) ready(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	return requireIdentity(ctx, w)
}

func (h *OrderHandlers) access(ctx context.Context, identity *auth.Identity, anyCap auth.Capability) services.OrderAccess {
	return services.OrderAccess{
		Owner:    domain.OwnerKey{UserID: identity.UID},
		AnyOwner: auth.Can(ctx, anyCap),
	}
}

func (h *OrderHandlers) respondMutation(w http.ResponseWriter, r *http.Request, order services.Order, err error, message string) {
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	h.invalidate(r.Context())
	httpx.WriteSuccess(w, http.StatusOK, message, buildOrderPayload(order))
}

func (h *OrderHandlers) invalidate(ctx context.Context) {
	invalidateOrders(ctx, h.cache)
}

// invalidateOrders drops every cached order list and detail. Payment and maintenance routes change
// orders too, so they call it as well.
func invalidateOrders(ctx context.Context, store cache.Store) {
	if store == nil {
		return
	}
	if err := store.Invalidate(ctx, orderListCachePattern, orderDetailCachePattern); err != nil {
		requestctx.Logger(ctx).Warn("order cache invalidation failed", zap.Error(err))
	}
}

func publicOrderNotes(notes []domain.OrderNote) []domain.OrderNote {
	out := make([]domain.OrderNote, 0, len(notes))
	for _, note := range notes {
		if note.Public {
			out = append(out, note)
		}
	}
	return out
}

func splitCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			out = append(out, trimmed)
		}
	}
	return out
}
