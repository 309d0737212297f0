package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

const (
	razorpaySignatureHeader = "X-Razorpay-Signature"
	razorpayEventIDHeader   = "X-Razorpay-Event-Id"
	razorpayMaxReceiptLen   = 40
)

// RazorpayLogger defines the logging contract for Razorpay provider operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentAPI interface {
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Logger        RazorpayLogger
	Clock         func() time.Time

	orders   razorpayOrderAPI
	payments razorpayPaymentAPI
}

// RazorpayProvider creates Razorpay orders as payment intents and verifies Razorpay signatures.
type RazorpayProvider struct {
	keyID         string
	keySecret     []byte
	webhookSecret []byte
	orders        razorpayOrderAPI
	payments      razorpayPaymentAPI
	clock         func() time.Time
	logger        RazorpayLogger
}

// NewRazorpayProvider constructs the provider. The key secret signs client confirmations and the
// webhook secret signs webhook bodies.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keyID == "" || keySecret == "" {
		return nil, errors.New("razorpay: key id and key secret are required")
	}

	orders, payments := cfg.orders, cfg.payments
	if orders == nil || payments == nil {
		client := razorpay.NewClient(keyID, keySecret)
		if orders == nil {
			orders = client.Order
		}
		if payments == nil {
			payments = client.Payment
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		keyID:         keyID,
		keySecret:     []byte(keySecret),
		webhookSecret: []byte(strings.TrimSpace(cfg.WebhookSecret)),
		orders:        orders,
		payments:      payments,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

func (p *RazorpayProvider) Name() string { return ProviderRazorpay }

// CreateIntent creates a Razorpay order with automatic capture.
func (p *RazorpayProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, errors.New("razorpay: amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	data := map[string]interface{}{
		"amount":          req.Amount,
		"currency":        currency,
		"payment_capture": 1,
	}
	if receipt := truncate(strings.TrimSpace(req.Receipt), razorpayMaxReceiptLen); receipt != "" {
		data["receipt"] = receipt
	}
	if len(req.Metadata) > 0 {
		notes := make(map[string]interface{}, len(req.Metadata))
		for k, v := range req.Metadata {
			notes[k] = v
		}
		data["notes"] = notes
	}
	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers["X-Idempotency-Key"] = key
	}

	body, err := callGateway(ctx, func() (map[string]interface{}, error) {
		return p.orders.Create(data, headers)
	})
	if err != nil {
		return Intent{}, newGatewayError(ctx, ProviderRazorpay, "create order", err)
	}

	orderID := stringField(body, "id")
	if orderID == "" {
		return Intent{}, newGatewayError(ctx, ProviderRazorpay, "create order", errors.New("response missing order id"))
	}
	createdAt := p.clock()
	if ts := int64Field(body, "created_at"); ts > 0 {
		createdAt = time.Unix(ts, 0).UTC()
	}
	amount := int64Field(body, "amount")
	if amount == 0 {
		amount = req.Amount
	}
	if c := stringField(body, "currency"); c != "" {
		currency = strings.ToUpper(c)
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"gatewayOrderId": orderID,
		"amount":         amount,
		"currency":       currency,
	})

	return Intent{
		Provider:       ProviderRazorpay,
		GatewayOrderID: orderID,
		Amount:         amount,
		Currency:       currency,
		Status:         stringField(body, "status"),
		KeyID:          p.keyID,
		CreatedAt:      createdAt,
	}, nil
}

// VerifyConfirmation checks the HMAC-SHA256 of "orderId|paymentId" under the key secret.
func (p *RazorpayProvider) VerifyConfirmation(c Confirmation) error {
	orderID := strings.TrimSpace(c.GatewayOrderID)
	paymentID := strings.TrimSpace(c.GatewayPaymentID)
	if orderID == "" || paymentID == "" || strings.TrimSpace(c.Signature) == "" {
		return fmt.Errorf("%w: order id, payment id and signature are required", ErrInvalidSignature)
	}
	if !validSignature(p.keySecret, []byte(orderID+"|"+paymentID), c.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseWebhook verifies the body signature under the webhook secret and decodes the event.
func (p *RazorpayProvider) ParseWebhook(payload []byte, headers http.Header) (WebhookEvent, error) {
	if len(p.webhookSecret) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if !validSignature(p.webhookSecret, payload, headers.Get(razorpaySignatureHeader)) {
		return WebhookEvent{}, ErrInvalidSignature
	}

	var envelope razorpayWebhook
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	event := WebhookEvent{
		ID:       strings.TrimSpace(headers.Get(razorpayEventIDHeader)),
		Provider: ProviderRazorpay,
		RawType:  envelope.Event,
		Type:     razorpayEventType(envelope.Event),
	}
	if envelope.CreatedAt > 0 {
		event.OccurredAt = time.Unix(envelope.CreatedAt, 0).UTC()
	} else {
		event.OccurredAt = p.clock()
	}

	if payment := envelope.Payload.Payment; payment != nil {
		entity := payment.Entity
		event.GatewayPaymentID = entity.ID
		event.GatewayOrderID = entity.OrderID
		event.Amount = entity.Amount
		event.Currency = strings.ToUpper(entity.Currency)
		event.RefundedTotal = entity.AmountRefunded
		event.FailureReason = strings.TrimSpace(entity.ErrorDescription)
	}
	if refund := envelope.Payload.Refund; refund != nil {
		event.RefundID = refund.Entity.ID
		event.RefundAmount = refund.Entity.Amount
		if event.GatewayPaymentID == "" {
			event.GatewayPaymentID = refund.Entity.PaymentID
		}
	}
	if order := envelope.Payload.Order; order != nil && event.GatewayOrderID == "" {
		event.GatewayOrderID = order.Entity.ID
	}
	if event.ID == "" {
		// Deliveries without the event id header are keyed by their content.
		event.ID = fmt.Sprintf("%s:%s:%s:%d", envelope.Event, event.GatewayPaymentID, event.RefundID, envelope.CreatedAt)
	}
	return event, nil
}

// Refund issues a (partial) refund for a captured Razorpay payment.
func (p *RazorpayProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	paymentID := strings.TrimSpace(req.GatewayPaymentID)
	if paymentID == "" {
		return Refund{}, errors.New("razorpay: gateway payment id is required")
	}
	if req.Amount <= 0 {
		return Refund{}, errors.New("razorpay: refund amount must be positive")
	}
	data := map[string]interface{}{}
	notes := map[string]interface{}{}
	for k, v := range req.Metadata {
		notes[k] = v
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		notes["reason"] = reason
	}
	if len(notes) > 0 {
		data["notes"] = notes
	}
	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers["X-Idempotency-Key"] = key
	}

	body, err := callGateway(ctx, func() (map[string]interface{}, error) {
		return p.payments.Refund(paymentID, int(req.Amount), data, headers)
	})
	if err != nil {
		return Refund{}, newGatewayError(ctx, ProviderRazorpay, "refund payment", err)
	}

	refund := Refund{
		GatewayRefundID: stringField(body, "id"),
		Amount:          int64Field(body, "amount"),
		Status:          stringField(body, "status"),
	}
	if refund.Amount == 0 {
		refund.Amount = req.Amount
	}
	p.logger(ctx, "payments.razorpay.refund.created", map[string]any{
		"gatewayPaymentId": paymentID,
		"refundId":         refund.GatewayRefundID,
		"amount":           refund.Amount,
	})
	return refund, nil
}

// Signature computes the hex HMAC-SHA256 of message under secret.
func Signature(secret []byte, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret []byte, message []byte, supplied string) bool {
	supplied = strings.ToLower(strings.TrimSpace(supplied))
	if supplied == "" {
		return false
	}
	return hmac.Equal([]byte(Signature(secret, message)), []byte(supplied))
}

func razorpayEventType(name string) EventType {
	switch strings.TrimSpace(name) {
	case "payment.authorized":
		return EventPaymentAuthorized
	case "payment.captured", "order.paid":
		return EventPaymentCaptured
	case "payment.failed":
		return EventPaymentFailed
	case "refund.processed", "refund.created":
		return EventRefundProcessed
	default:
		return EventIgnored
	}
}

type razorpayWebhook struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity razorpayPaymentEntity `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity razorpayRefundEntity `json:"entity"`
		} `json:"refund"`
		Order *struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type razorpayPaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	AmountRefunded   int64  `json:"amount_refunded"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

type razorpayRefundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

// callGateway runs a blocking SDK call and abandons it when ctx ends first. The SDK has no
// context support, so the call itself keeps running until its HTTP timeout.
func callGateway(ctx context.Context, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := fn()
		done <- result{body: body, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.body, res.err
	}
}

func stringField(body map[string]interface{}, key string) string {
	if v, ok := body[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func int64Field(body map[string]interface{}, key string) int64 {
	switch v := body[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
