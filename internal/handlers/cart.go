package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/platform/httpx"
	"github.com/bazaar-commerce/api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes the shopper cart for signed-in users and cookie-identified guests.
type CartHandlers struct {
	authn  *auth.Authenticator
	guests auth.GuestSessions
	carts  services.CartService
}

// NewCartHandlers constructs cart handlers. A nil authenticator serves every caller as a guest.
func NewCartHandlers(authn *auth.Authenticator, guests auth.GuestSessions, carts services.CartService) *CartHandlers {
	return &CartHandlers{authn: authn, guests: guests, carts: carts}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalAuth())
	}
	r.Use(h.guests.Middleware)
	r.Use(auth.RequireCapability(auth.CapCartManage))

	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Put("/items/{itemId}", h.updateItem)
	r.Delete("/items/{itemId}", h.removeItem)
	r.Post("/coupon", h.applyCoupon)
	r.Delete("/coupon", h.removeCoupon)
	r.Put("/checkout", h.updateCheckout)
}

type addCartItemRequest struct {
	ProductID  string            `json:"product_id"`
	VariantID  string            `json:"variant_id"`
	Quantity   int               `json:"quantity"`
	Attributes map[string]string `json:"attributes"`
}

type updateCartItemRequest struct {
	Quantity *int `json:"quantity"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type cartCheckoutRequest struct {
	ShippingAddress *addressPayload `json:"shipping_address"`
	BillingAddress  *addressPayload `json:"billing_address"`
	ShippingMethod  string          `json:"shipping_method"`
	Notes           string          `json:"notes"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.GetOrCreate(r.Context(), owner)
	h.respond(w, r, cart, err, "cart retrieved")
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.Clear(r.Context(), owner)
	h.respond(w, r, cart, err, "cart cleared")
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req addCartItemRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	cart, err := h.carts.AddItem(r.Context(), services.AddCartItemCommand{
		Owner:      owner,
		ProductID:  strings.TrimSpace(req.ProductID),
		VariantID:  strings.TrimSpace(req.VariantID),
		Quantity:   req.Quantity,
		Attributes: req.Attributes,
	})
	h.respond(w, r, cart, err, "item added")
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req updateCartItemRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	if req.Quantity == nil {
		writeBadRequest(r.Context(), w, "quantity is required")
		return
	}
	cart, err := h.carts.UpdateItem(r.Context(), services.UpdateCartItemCommand{
		Owner:    owner,
		ItemID:   chi.URLParam(r, "itemId"),
		Quantity: *req.Quantity,
	})
	message := "item updated"
	if *req.Quantity == 0 {
		message = "item removed"
	}
	h.respond(w, r, cart, err, message)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.RemoveItem(r.Context(), owner, chi.URLParam(r, "itemId"))
	h.respond(w, r, cart, err, "item removed")
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req couponRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	cart, err := h.carts.ApplyCoupon(r.Context(), owner, req.Code)
	h.respond(w, r, cart, err, "coupon applied")
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.RemoveCoupon(r.Context(), owner)
	h.respond(w, r, cart, err, "coupon removed")
}

func (h *CartHandlers) updateCheckout(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req cartCheckoutRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	cart, err := h.carts.UpdateCheckout(r.Context(), services.CartCheckoutCommand{
		Owner:           owner,
		ShippingAddress: req.ShippingAddress.toDomain(),
		BillingAddress:  req.BillingAddress.toDomain(),
		ShippingMethod:  strings.TrimSpace(req.ShippingMethod),
		Notes:           req.Notes,
	})
	h.respond(w, r, cart, err, "checkout details saved")
}

func (h *CartHandlers) owner(w http.ResponseWriter, r *http.Request) (services.OwnerKey, bool) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return services.OwnerKey{}, false
	}
	owner, ok := ownerFromRequest(ctx)
	if !ok {
		writeMissingOwner(ctx, w)
		return services.OwnerKey{}, false
	}
	return owner, true
}

func (h *CartHandlers) respond(w http.ResponseWriter, r *http.Request, cart services.Cart, err error, message string) {
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	setCartResponseHeaders(w, cart)
	httpx.WriteSuccess(w, http.StatusOK, message, buildCartPayload(cart))
}

func setCartResponseHeaders(w http.ResponseWriter, cart services.Cart) {
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(cart services.Cart) string {
	if cart.ID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", cart.ID, cart.UpdatedAt.UnixNano(), len(cart.Items))))
	return `W/"` + hex.EncodeToString(sum[:8]) + `"`
}
