package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderRazorpay = "razorpay"
	ProviderStripe   = "stripe"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrUnsupportedOperation is returned when a provider has no equivalent of the requested call.
	ErrUnsupportedOperation = errors.New("payments: operation not supported by provider")
	// ErrInvalidSignature reports a confirmation or webhook signature mismatch.
	ErrInvalidSignature = errors.New("payments: invalid signature")
	// ErrMalformedWebhook reports a correctly signed payload that could not be decoded.
	ErrMalformedWebhook = errors.New("payments: malformed webhook payload")
)

// GatewayError wraps a failed call to the remote gateway.
type GatewayError struct {
	Provider string
	Op       string
	Timeout  bool
	Err      error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newGatewayError(ctx context.Context, provider, op string, err error) error {
	if err == nil {
		return nil
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &GatewayError{Provider: provider, Op: op, Timeout: timeout, Err: err}
}

// IntentRequest asks the gateway for a new payment intent.
type IntentRequest struct {
	Amount         int64
	Currency       string
	Receipt        string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the gateway-side handle returned to the client to complete payment.
type Intent struct {
	Provider       string
	GatewayOrderID string
	Amount         int64
	Currency       string
	Status         string
	ClientSecret   string
	KeyID          string
	CreatedAt      time.Time
}

// Confirmation carries the client-reported completion of a payment.
type Confirmation struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// RefundRequest defines a refund against a captured gateway payment.
type RefundRequest struct {
	GatewayPaymentID string
	GatewayOrderID   string
	Amount           int64
	Reason           string
	Metadata         map[string]string
	IdempotencyKey   string
}

// Refund is the gateway's record of an issued refund.
type Refund struct {
	GatewayRefundID string
	Amount          int64
	Status          string
}

// EventType is the provider-neutral classification of a webhook event.
type EventType string

const (
	EventPaymentAuthorized EventType = "payment.authorized"
	EventPaymentCaptured   EventType = "payment.captured"
	EventPaymentFailed     EventType = "payment.failed"
	EventRefundProcessed   EventType = "refund.processed"
	EventIgnored           EventType = "ignored"
)

// WebhookEvent is a verified and decoded gateway notification.
type WebhookEvent struct {
	ID               string
	Provider         string
	Type             EventType
	RawType          string
	GatewayOrderID   string
	GatewayPaymentID string
	Amount           int64
	Currency         string
	FailureReason    string
	RefundID         string
	RefundAmount     int64
	// RefundedTotal is the cumulative amount refunded on the payment as reported by the gateway.
	RefundedTotal int64
	OccurredAt    time.Time
}

// Provider is implemented by each gateway adapter.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	VerifyConfirmation(confirmation Confirmation) error
	ParseWebhook(payload []byte, headers http.Header) (WebhookEvent, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
}

// Manager routes calls to registered providers by name.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when a caller does not name one.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseProvider(provider)
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registration")
		}
		key := normaliseProvider(p.Name())
		if key == "" {
			return nil, errors.New("payments: provider name is required")
		}
		if _, exists := m.providers[key]; exists {
			return nil, fmt.Errorf("payments: provider %q registered twice", key)
		}
		m.providers[key] = p
	}
	if _, ok := m.providers[ProviderRazorpay]; ok {
		m.defaultProvider = ProviderRazorpay
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Provider resolves a provider by name, falling back to the default provider for an empty name.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	key := normaliseProvider(name)
	if key == "" {
		key = m.defaultProvider
	}
	if key == "" && len(m.providers) == 1 {
		for _, p := range m.providers {
			return p, nil
		}
	}
	if p, ok := m.providers[key]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
}

// CreateIntent delegates to the named provider and stamps the provider key on the result.
func (m *Manager) CreateIntent(ctx context.Context, provider string, req IntentRequest) (Intent, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return Intent{}, err
	}
	intent, err := p.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = p.Name()
	return intent, nil
}

// VerifyConfirmation delegates to the named provider.
func (m *Manager) VerifyConfirmation(provider string, confirmation Confirmation) error {
	p, err := m.Provider(provider)
	if err != nil {
		return err
	}
	return p.VerifyConfirmation(confirmation)
}

// ParseWebhook verifies and decodes a webhook delivery for the named provider.
func (m *Manager) ParseWebhook(provider string, payload []byte, headers http.Header) (WebhookEvent, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return WebhookEvent{}, err
	}
	event, err := p.ParseWebhook(payload, headers)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Provider = p.Name()
	return event, nil
}

// Refund delegates to the named provider.
func (m *Manager) Refund(ctx context.Context, provider string, req RefundRequest) (Refund, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return Refund{}, err
	}
	return p.Refund(ctx, req)
}

func normaliseProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
