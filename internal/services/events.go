package services

import (
	"context"
	"maps"
	"time"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status.changed"
	EventOrderCancelled     = "order.cancelled"
	EventOrderRefunded      = "order.refunded"
	EventPaymentCaptured    = "payment.captured"
	EventPaymentFailed      = "payment.failed"
	EventPaymentRefunded    = "payment.refunded"
	EventPaymentExpired     = "payment.expired"
	EventPaymentUnfulfilled = "payment.unfulfilled"
	EventInventoryLowStock  = "inventory.low_stock"
)

// DomainEvent is the envelope published to downstream consumers.
type DomainEvent struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	AggregateID string         `json:"aggregateId"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Data        map[string]any `json:"data,omitempty"`
}

// EventPublisher delivers domain events. Implementations must be safe for concurrent use.
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}

type eventCollectorKey struct{}

// eventCollector buffers events raised inside a transaction so they are only published once the
// transaction commits.
type eventCollector struct {
	events []DomainEvent
}

func (c *eventCollector) reset() {
	c.events = c.events[:0]
}

func withEventCollector(ctx context.Context, c *eventCollector) context.Context {
	return context.WithValue(ctx, eventCollectorKey{}, c)
}

func collectorFromContext(ctx context.Context) *eventCollector {
	c, _ := ctx.Value(eventCollectorKey{}).(*eventCollector)
	return c
}

// eventEmitter is embedded by services that raise domain events.
type eventEmitter struct {
	publisher EventPublisher
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// emit buffers the event when ctx belongs to a transaction and publishes it otherwise.
func (e eventEmitter) emit(ctx context.Context, event DomainEvent) {
	if event.ID == "" && e.newID != nil {
		event.ID = "evt_" + e.newID()
	}
	if event.Data != nil {
		event.Data = maps.Clone(event.Data)
	}
	if c := collectorFromContext(ctx); c != nil {
		c.events = append(c.events, event)
		return
	}
	e.publish(ctx, event)
}

func (e eventEmitter) publish(ctx context.Context, event DomainEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil && e.logger != nil {
		e.logger(ctx, "event.publish.failed", map[string]any{
			"type":      event.Type,
			"aggregate": event.AggregateID,
			"error":     err.Error(),
		})
	}
}

func (e eventEmitter) flush(ctx context.Context, c *eventCollector) {
	for _, event := range c.events {
		e.publish(ctx, event)
	}
	c.reset()
}

// runInTx runs fn inside the unit of work, collecting events per attempt and publishing the
// final attempt's events after commit.
func runInTx(ctx context.Context, uow unitOfWork, emitter eventEmitter, fn func(context.Context) error) error {
	collector := collectorFromContext(ctx)
	if collector != nil {
		// Nested call: the outer transaction owns publication.
		return uow.RunInTx(ctx, fn)
	}
	collector = &eventCollector{}
	err := uow.RunInTx(ctx, func(txCtx context.Context) error {
		collector.reset()
		return fn(withEventCollector(txCtx, collector))
	})
	if err != nil {
		return err
	}
	emitter.flush(ctx, collector)
	return nil
}

type unitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
