package auth

import (
	"context"
	"net/http"
)

// Capability names an action a principal may perform.
type Capability string

const (
	CapCartManage          Capability = "cart:manage"
	CapPaymentCheckout     Capability = "payment:checkout"
	CapOrderCreate         Capability = "order:create"
	CapOrderReadOwn        Capability = "order:read:own"
	CapOrderReadAny        Capability = "order:read:any"
	CapOrderCancelOwn      Capability = "order:cancel:own"
	CapOrderCancelAny      Capability = "order:cancel:any"
	CapOrderNoteOwn        Capability = "order:note:own"
	CapOrderNoteAny        Capability = "order:note:any"
	CapOrderStatusUpdate   Capability = "order:status:update"
	CapOrderShippingUpdate Capability = "order:shipping:update"
	CapOrderRefund         Capability = "order:refund"
	CapPaymentRefund       Capability = "payment:refund"
	CapPromotionManage     Capability = "promotion:manage"
	CapInventoryRead       Capability = "inventory:read"
	CapInventoryManage     Capability = "inventory:manage"
)

// roleCapabilities is cumulative: each role inherits everything granted to the roles before it.
var roleCapabilities = buildCapabilityTable([]roleGrant{
	{role: RoleGuest, caps: []Capability{CapCartManage, CapPaymentCheckout}},
	{role: RoleUser, caps: []Capability{CapOrderCreate, CapOrderReadOwn, CapOrderCancelOwn, CapOrderNoteOwn}},
	{role: RoleStaff, caps: []Capability{CapOrderReadAny, CapOrderStatusUpdate, CapOrderShippingUpdate, CapOrderNoteAny, CapInventoryRead}},
	{role: RoleAdmin, caps: []Capability{CapOrderCancelAny, CapOrderRefund, CapPaymentRefund, CapPromotionManage, CapInventoryManage}},
})

type roleGrant struct {
	role string
	caps []Capability
}

func buildCapabilityTable(grants []roleGrant) map[string]map[Capability]struct{} {
	table := make(map[string]map[Capability]struct{}, len(grants))
	inherited := make(map[Capability]struct{})
	for _, grant := range grants {
		for _, c := range grant.caps {
			inherited[c] = struct{}{}
		}
		set := make(map[Capability]struct{}, len(inherited))
		for c := range inherited {
			set[c] = struct{}{}
		}
		table[grant.role] = set
	}
	return table
}

// RoleHas reports whether the role is granted the capability.
func RoleHas(role string, capability Capability) bool {
	_, ok := roleCapabilities[normaliseRole(role)][capability]
	return ok
}

// Can reports whether the principal on ctx holds the capability. Requests without an identity are
// evaluated as guests.
func Can(ctx context.Context, capability Capability) bool {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return RoleHas(RoleGuest, capability)
	}
	for _, role := range identity.Roles {
		if RoleHas(role, capability) {
			return true
		}
	}
	return false
}

// RequireCapability allows the request when the principal holds any of caps. Anonymous callers get
// 401 so clients know to sign in; authenticated callers lacking the grant get 403.
func RequireCapability(caps ...Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			for _, c := range caps {
				if Can(ctx, c) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if _, ok := IdentityFromContext(ctx); !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			respondAuthError(ctx, w, http.StatusForbidden, "forbidden", "insufficient permissions")
		})
	}
}
