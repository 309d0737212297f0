package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/bazaar-commerce/api/internal/platform/observability")

// WebhookRecorder counts webhook deliveries by provider and outcome.
type WebhookRecorder struct {
	deliveries metric.Int64Counter
}

// NewWebhookRecorder registers the webhook delivery counter on the global meter provider.
func NewWebhookRecorder() (*WebhookRecorder, error) {
	counter, err := meter.Int64Counter("bazaar.payments.webhook.deliveries",
		metric.WithDescription("Payment webhook deliveries by provider and outcome"),
	)
	if err != nil {
		return nil, err
	}
	return &WebhookRecorder{deliveries: counter}, nil
}

// Record increments the counter. outcome is one of processed, duplicate, ignored, invalid_signature, failed.
func (r *WebhookRecorder) Record(ctx context.Context, provider, outcome string) {
	if r == nil || r.deliveries == nil {
		return
	}
	r.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}
