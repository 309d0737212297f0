package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
	// WebhookTolerance bounds the age of a signed webhook timestamp. Zero uses the library default.
	WebhookTolerance time.Duration
	Backends         *stripe.Backends
	Logger           StripeLogger
	Clock            func() time.Time

	clients *stripeClients
}

// StripeProvider creates Stripe payment intents and consumes Stripe webhooks.
type StripeProvider struct {
	api              stripeClients
	account          string
	webhookSecret    string
	webhookTolerance time.Duration
	clock            func() time.Time
	logger           StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents, refunds: sc.Refunds}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:              clients,
		account:          strings.TrimSpace(cfg.AccountID),
		webhookSecret:    strings.TrimSpace(cfg.WebhookSecret),
		webhookTolerance: cfg.WebhookTolerance,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (p *StripeProvider) Name() string { return ProviderStripe }

// CreateIntent creates an automatically captured Payment Intent.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if receipt := strings.TrimSpace(req.Receipt); receipt != "" {
		metadata["receipt"] = receipt
	}
	if len(metadata) > 0 {
		params.Metadata = metadata
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, newGatewayError(ctx, ProviderStripe, "create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	createdAt := p.clock()
	if intent.Created > 0 {
		createdAt = time.Unix(intent.Created, 0).UTC()
	}
	return Intent{
		Provider:       ProviderStripe,
		GatewayOrderID: intent.ID,
		Amount:         intent.Amount,
		Currency:       strings.ToUpper(string(intent.Currency)),
		Status:         string(intent.Status),
		ClientSecret:   intent.ClientSecret,
		CreatedAt:      createdAt,
	}, nil
}

// VerifyConfirmation is unsupported: Stripe payments are confirmed through webhooks only.
func (p *StripeProvider) VerifyConfirmation(Confirmation) error {
	return fmt.Errorf("%w: stripe confirmations arrive by webhook", ErrUnsupportedOperation)
}

// ParseWebhook verifies the Stripe-Signature header and maps the event.
func (p *StripeProvider) ParseWebhook(payload []byte, headers http.Header) (WebhookEvent, error) {
	if p.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, headers.Get(stripeSignatureHeader), p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.webhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := WebhookEvent{
		ID:       evt.ID,
		Provider: ProviderStripe,
		RawType:  string(evt.Type),
		Type:     EventIgnored,
	}
	if evt.Created > 0 {
		event.OccurredAt = time.Unix(evt.Created, 0).UTC()
	} else {
		event.OccurredAt = p.clock()
	}
	if evt.Data == nil {
		return event, nil
	}

	switch evt.Type {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		event.GatewayOrderID = intent.ID
		event.GatewayPaymentID = intent.ID
		if intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
			event.GatewayPaymentID = intent.LatestCharge.ID
		}
		event.Amount = intent.Amount
		event.Currency = strings.ToUpper(string(intent.Currency))
		switch evt.Type {
		case "payment_intent.succeeded":
			event.Type = EventPaymentCaptured
		case "payment_intent.amount_capturable_updated":
			event.Type = EventPaymentAuthorized
		default:
			event.Type = EventPaymentFailed
			if intent.LastPaymentError != nil {
				event.FailureReason = intent.LastPaymentError.Msg
			}
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		event.Type = EventRefundProcessed
		event.GatewayPaymentID = charge.ID
		if charge.PaymentIntent != nil {
			event.GatewayOrderID = charge.PaymentIntent.ID
		}
		event.Amount = charge.Amount
		event.Currency = strings.ToUpper(string(charge.Currency))
		event.RefundedTotal = charge.AmountRefunded
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 {
			latest := charge.Refunds.Data[0]
			event.RefundID = latest.ID
			event.RefundAmount = latest.Amount
		} else {
			event.RefundID = fmt.Sprintf("%s:%d", charge.ID, charge.AmountRefunded)
		}
	}
	return event, nil
}

// Refund creates a refund against the Payment Intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	intentID := strings.TrimSpace(req.GatewayOrderID)
	if intentID == "" {
		return Refund{}, errors.New("stripe: payment intent id is required")
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	refund, err := p.api.refunds.New(params)
	if err != nil {
		return Refund{}, newGatewayError(ctx, ProviderStripe, "refund payment intent", err)
	}
	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": intentID,
		"refundId":      refund.ID,
		"amount":        refund.Amount,
	})
	return Refund{
		GatewayRefundID: refund.ID,
		Amount:          refund.Amount,
		Status:          string(refund.Status),
	}, nil
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
