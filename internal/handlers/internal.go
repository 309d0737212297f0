package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bazaar-commerce/api/internal/platform/cache"
	"github.com/bazaar-commerce/api/internal/platform/httpx"
	"github.com/bazaar-commerce/api/internal/services"
)

// InternalHandlers serves maintenance endpoints invoked by schedulers. The router guards the
// group with OIDC service authentication.
type InternalHandlers struct {
	system     services.SystemService
	orderCache cache.Store
}

// InternalOption customises InternalHandlers.
type InternalOption func(*InternalHandlers)

// WithInternalOrderCache invalidates the order response cache when a sweep cancels orders.
func WithInternalOrderCache(store cache.Store) InternalOption {
	return func(h *InternalHandlers) {
		h.orderCache = store
	}
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(system services.SystemService, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{system: system}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reservations:sweep", h.sweepReservations)
}

type sweepRequest struct {
	Limit int `json:"limit"`
}

type sweepPayload struct {
	Examined  int               `json:"examined"`
	Cancelled []string          `json:"cancelled"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (h *InternalHandlers) sweepReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req sweepRequest
	if !decodeOptionalJSONBody(w, r, defaultBodyLimit, &req) {
		return
	}
	result, err := h.system.SweepExpiredReservations(ctx, services.SweepReservationsCommand{Limit: req.Limit})
	if len(result.Cancelled) > 0 {
		invalidateOrders(ctx, h.orderCache)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	cancelled := result.Cancelled
	if cancelled == nil {
		cancelled = []string{}
	}
	httpx.WriteSuccess(w, http.StatusOK, "sweep completed", sweepPayload{
		Examined:  result.Examined,
		Cancelled: cancelled,
		Failed:    result.Failed,
	})
}
