package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bazaar-commerce/api/internal/payments"
	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/platform/cache"
	"github.com/bazaar-commerce/api/internal/platform/httpx"
	"github.com/bazaar-commerce/api/internal/platform/requestctx"
	"github.com/bazaar-commerce/api/internal/services"
)

const (
	maxPaymentBodySize = 16 * 1024
	maxWebhookBodySize = 256 * 1024

	idempotencyHeader = "Idempotency-Key"
)

// Webhook delivery outcomes reported to the WebhookRecorder.
const (
	webhookProcessed        = "processed"
	webhookDuplicate        = "duplicate"
	webhookIgnored          = "ignored"
	webhookInvalidSignature = "invalid_signature"
	webhookFailed           = "failed"
)

// WebhookRecorder counts webhook deliveries per provider and outcome.
type WebhookRecorder interface {
	Record(ctx context.Context, provider, outcome string)
}

// PaymentHandlers exposes checkout, confirmation, webhook and refund endpoints.
type PaymentHandlers struct {
	authn       *auth.Authenticator
	guests      auth.GuestSessions
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
	webhookMW   []func(http.Handler) http.Handler
	recorder    WebhookRecorder
	orderCache  cache.Store
}

// PaymentOption customises PaymentHandlers.
type PaymentOption func(*PaymentHandlers)

// WithPaymentIdempotency installs the Idempotency-Key middleware on intent creation.
func WithPaymentIdempotency(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.idempotency = mw
	}
}

// WithWebhookMiddleware wraps the gateway webhook routes, typically with the webhook rate limit tier.
func WithWebhookMiddleware(mw ...func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.webhookMW = append(h.webhookMW, mw...)
	}
}

// WithWebhookRecorder reports webhook outcomes to recorder.
func WithWebhookRecorder(recorder WebhookRecorder) PaymentOption {
	return func(h *PaymentHandlers) {
		h.recorder = recorder
	}
}

// WithPaymentOrderCache invalidates the order response cache after payments move an order.
func WithPaymentOrderCache(store cache.Store) PaymentOption {
	return func(h *PaymentHandlers) {
		h.orderCache = store
	}
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(authn *auth.Authenticator, guests auth.GuestSessions, paymentSvc services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{authn: authn, guests: guests, payments: paymentSvc}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(checkout chi.Router) {
		if h.authn != nil {
			checkout.Use(h.authn.OptionalAuth())
		}
		checkout.Use(h.guests.Middleware)
		checkout.Use(auth.RequireCapability(auth.CapPaymentCheckout))

		intent := checkout.With()
		if h.idempotency != nil {
			intent = checkout.With(h.idempotency)
		}
		intent.Post("/razorpay/order", h.createIntent(payments.ProviderRazorpay))
		checkout.Post("/razorpay/verify", h.verify(payments.ProviderRazorpay))
	})

	r.Group(func(hooks chi.Router) {
		for _, mw := range h.webhookMW {
			if mw != nil {
				hooks.Use(mw)
			}
		}
		hooks.Post("/razorpay/webhook", h.webhook(payments.ProviderRazorpay))
		hooks.Post("/stripe/webhook", h.webhook(payments.ProviderStripe))
	})

	r.Group(func(admin chi.Router) {
		if h.authn != nil {
			admin.Use(h.authn.RequireAuth())
		}
		admin.Use(auth.RequireCapability(auth.CapPaymentRefund))
		admin.Post("/{paymentID}/refund", h.refund)
	})
}

type createIntentRequest struct {
	OrderID string `json:"order_id"`
}

type verifyPaymentRequest struct {
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

type intentPayload struct {
	Provider       string `json:"provider"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
	ClientSecret   string `json:"client_secret,omitempty"`
}

type intentResponse struct {
	Payment paymentPayload `json:"payment"`
	Intent  intentPayload  `json:"intent"`
	Reused  bool           `json:"reused"`
}

type webhookAck struct {
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

func (h *PaymentHandlers) createIntent(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		owner, ok := h.owner(w, r)
		if !ok {
			return
		}
		var req createIntentRequest
		if !decodeOptionalJSONBody(w, r, maxPaymentBodySize, &req) {
			return
		}
		result, err := h.payments.CreateIntent(ctx, services.CreateIntentCommand{
			Owner:          owner,
			OrderID:        strings.TrimSpace(req.OrderID),
			Provider:       provider,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyHeader)),
		})
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		status, message := http.StatusCreated, "payment intent created"
		if result.Reused {
			status, message = http.StatusOK, "payment intent reused"
		}
		httpx.WriteSuccess(w, status, message, intentResponse{
			Payment: buildPaymentPayload(result.Payment),
			Intent: intentPayload{
				Provider:       result.Intent.Provider,
				GatewayOrderID: result.Intent.GatewayOrderID,
				Amount:         result.Intent.Amount,
				Currency:       result.Intent.Currency,
				Status:         result.Intent.Status,
				KeyID:          result.Intent.KeyID,
				ClientSecret:   result.Intent.ClientSecret,
			},
			Reused: result.Reused,
		})
	}
}

func (h *PaymentHandlers) verify(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		owner, ok := h.owner(w, r)
		if !ok {
			return
		}
		var req verifyPaymentRequest
		if !decodeJSONBody(w, r, maxPaymentBodySize, &req) {
			return
		}
		payment, err := h.payments.Verify(ctx, services.VerifyPaymentCommand{
			Provider:         provider,
			GatewayOrderID:   strings.TrimSpace(req.RazorpayOrderID),
			GatewayPaymentID: strings.TrimSpace(req.RazorpayPaymentID),
			Signature:        strings.TrimSpace(req.RazorpaySignature),
			Owner:            owner,
		})
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		invalidateOrders(ctx, h.orderCache)
		httpx.WriteSuccess(w, http.StatusOK, "payment verified", buildPaymentPayload(payment))
	}
}

// webhook acknowledges every delivery with 200 so gateways do not retry processing failures. Only a
// signature mismatch is answered with 400, which is the one case a sender retry can fix.
func (h *PaymentHandlers) webhook(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := requestctx.Logger(ctx).With(zap.String("provider", provider))

		if h.payments == nil {
			h.record(ctx, provider, webhookFailed)
			httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{Success: false, Message: "payment service unavailable"})
			return
		}
		body, err := readLimitedBody(r, maxWebhookBodySize)
		if err != nil {
			h.record(ctx, provider, webhookFailed)
			logger.Warn("webhook body rejected", zap.Error(err))
			httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{Success: false, Message: "webhook payload rejected"})
			return
		}

		result, err := h.payments.HandleWebhook(ctx, services.PaymentWebhookCommand{
			Provider: provider,
			Payload:  body,
			Headers:  r.Header.Clone(),
		})
		ack := webhookAck{EventID: result.EventID, EventType: result.EventType, Duplicate: result.Duplicate, Ignored: result.Ignored}
		switch {
		case err != nil && errors.Is(err, services.ErrInvalidSignature):
			h.record(ctx, provider, webhookInvalidSignature)
			logger.Warn("webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "signature verification failed", http.StatusBadRequest))
		case err != nil:
			// part of the event may have been applied
			invalidateOrders(ctx, h.orderCache)
			h.record(ctx, provider, webhookFailed)
			logger.Error("webhook processing failed", zap.String("event_id", result.EventID), zap.Error(err))
			httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{Success: false, Message: "webhook received", Data: ack})
		case result.Duplicate:
			h.record(ctx, provider, webhookDuplicate)
			httpx.WriteSuccess(w, http.StatusOK, "webhook already processed", ack)
		case result.Ignored:
			h.record(ctx, provider, webhookIgnored)
			httpx.WriteSuccess(w, http.StatusOK, "webhook ignored", ack)
		default:
			invalidateOrders(ctx, h.orderCache)
			h.record(ctx, provider, webhookProcessed)
			httpx.WriteSuccess(w, http.StatusOK, "webhook processed", ack)
		}
	}
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req refundRequest
	if !decodeJSONBody(w, r, maxPaymentBodySize, &req) {
		return
	}
	payment, err := h.payments.Refund(ctx, services.PaymentRefundCommand{
		PaymentID: chi.URLParam(r, "paymentID"),
		Amount:    req.Amount,
		Full:      req.Full,
		Reason:    req.Reason,
		ActorID:   identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	invalidateOrders(ctx, h.orderCache)
	httpx.WriteSuccess(w, http.StatusOK, "refund processed", buildPaymentPayload(payment))
}

func (h *PaymentHandlers) owner(w http.ResponseWriter, r *http.Request) (services.OwnerKey, bool) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return services.OwnerKey{}, false
	}
	owner, ok := ownerFromRequest(ctx)
	if !ok {
		writeMissingOwner(ctx, w)
		return services.OwnerKey{}, false
	}
	return owner, true
}

func (h *PaymentHandlers) record(ctx context.Context, provider, outcome string) {
	if h.recorder != nil {
		h.recorder.Record(ctx, provider, outcome)
	}
}
