package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/payments"
	"github.com/bazaar-commerce/api/internal/platform/textutil"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	paymentIDPrefix = "pay_"
	refundIDPrefix  = "rfd_"
	systemActor     = "system"
	maxRefundReason = 500
)

var (
	// ErrPaymentInvalidInput indicates the request was malformed.
	ErrPaymentInvalidInput = newKindError("payment: invalid input", ErrValidation)
	// ErrPaymentNotFound indicates the payment could not be located.
	ErrPaymentNotFound = newKindError("payment: not found", ErrNotFound)
	// ErrPaymentInvalidState indicates the payment cannot perform the requested action in its state.
	ErrPaymentInvalidState = newKindError("payment: invalid state", ErrConflict)
	// ErrPaymentConflict indicates a concurrent update or duplicate record.
	ErrPaymentConflict = newKindError("payment: conflict", ErrConflict)
	// ErrPaymentForbidden indicates the caller does not own the payment.
	ErrPaymentForbidden = newKindError("payment: forbidden", ErrForbidden)
)

// PaymentGateway is the slice of payments.Manager the service drives.
type PaymentGateway interface {
	Provider(name string) (payments.Provider, error)
	CreateIntent(ctx context.Context, provider string, req payments.IntentRequest) (payments.Intent, error)
	VerifyConfirmation(provider string, confirmation payments.Confirmation) error
	ParseWebhook(provider string, payload []byte, headers http.Header) (payments.WebhookEvent, error)
	Refund(ctx context.Context, provider string, req payments.RefundRequest) (payments.Refund, error)
}

// PaymentServiceDeps wires the gateway and persistence collaborators.
type PaymentServiceDeps struct {
	Gateway       PaymentGateway
	Payments      repositories.PaymentRepository
	PaymentEvents repositories.PaymentEventRepository
	Orders        repositories.OrderRepository
	Carts         repositories.CartRepository
	// Promotions and Pricing reprice a cart before an intent is opened for it. Without them the
	// cart's stored estimate is used.
	Promotions  PromotionService
	Pricing     *PricingEngine
	Inventory   InventoryService
	Finalizer   OrderFinalizer
	UnitOfWork  repositories.UnitOfWork
	Events      EventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	eventEmitter
	gateway    PaymentGateway
	payments   repositories.PaymentRepository
	events     repositories.PaymentEventRepository
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	promotions PromotionService
	pricing    *PricingEngine
	inventory  InventoryService
	finalizer  OrderFinalizer
	uow        unitOfWork
	clock      func() time.Time
	newID      func() string
}

// NewPaymentService constructs the payment service.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	switch {
	case deps.Gateway == nil:
		return nil, errors.New("payment service: gateway is required")
	case deps.Payments == nil:
		return nil, errors.New("payment service: payment repository is required")
	case deps.PaymentEvents == nil:
		return nil, errors.New("payment service: payment event repository is required")
	case deps.Orders == nil:
		return nil, errors.New("payment service: order repository is required")
	case deps.Carts == nil:
		return nil, errors.New("payment service: cart repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("payment service: inventory service is required")
	case deps.Finalizer == nil:
		return nil, errors.New("payment service: order finalizer is required")
	}

	var uow unitOfWork = noopUnitOfWork{}
	if deps.UnitOfWork != nil {
		uow = deps.UnitOfWork
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		eventEmitter: eventEmitter{publisher: deps.Events, newID: idGen, logger: logger},
		gateway:      deps.Gateway,
		payments:     deps.Payments,
		events:       deps.PaymentEvents,
		orders:       deps.Orders,
		carts:        deps.Carts,
		promotions:   deps.Promotions,
		pricing:      deps.Pricing,
		inventory:    deps.Inventory,
		finalizer:    deps.Finalizer,
		uow:          uow,
		clock:        func() time.Time { return clock().UTC() },
		newID:        idGen,
	}, nil
}

// CreateIntent opens a gateway intent for an existing pending order, or for the owner's cart when
// no order is named. An open intent for the same target and amount is returned instead of a new one.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (PaymentIntent, error) {
	if cmd.Owner.IsZero() {
		return PaymentIntent{}, fmt.Errorf("%w: owner is required", ErrPaymentInvalidInput)
	}
	provider, err := s.resolveProvider(cmd.Provider)
	if err != nil {
		return PaymentIntent{}, err
	}

	target, err := s.intentTarget(ctx, cmd)
	if err != nil {
		return PaymentIntent{}, err
	}
	if target.amount <= 0 {
		return PaymentIntent{}, fmt.Errorf("%w: nothing to pay", ErrPaymentInvalidInput)
	}

	open, err := s.payments.FindOpen(ctx, repositories.OpenPaymentFilter{
		Provider:        provider,
		CartID:          target.cartID,
		OrderID:         target.orderID,
		Amount:          target.amount,
		Currency:        target.currency,
		CartFingerprint: target.fingerprint,
	})
	switch {
	case err == nil:
		s.logger(ctx, "payment.intent.reused", map[string]any{"paymentId": open.ID, "provider": provider})
		return PaymentIntent{Payment: open, Intent: intentFromPayment(open), Reused: true}, nil
	case !isRepoNotFound(err):
		return PaymentIntent{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	payment := Payment{
		ID:              paymentIDPrefix + s.newID(),
		Provider:        provider,
		CartID:          target.cartID,
		OrderID:         target.orderID,
		UserID:          cmd.Owner.UserID,
		CartFingerprint: target.fingerprint,
		Amount:          target.amount,
		Currency:        target.currency,
		Status:          domain.PaymentStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cmd.Owner.UserID == "" {
		payment.GuestID = cmd.Owner.GuestID
	}
	payment.Receipt = target.receipt
	if payment.Receipt == "" {
		payment.Receipt = payment.ID
	}
	idempotencyKey := strings.TrimSpace(cmd.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = payment.ID
	}

	intent, err := s.gateway.CreateIntent(ctx, provider, payments.IntentRequest{
		Amount:   payment.Amount,
		Currency: payment.Currency,
		Receipt:  payment.Receipt,
		Metadata: map[string]string{
			"paymentId": payment.ID,
			"cartId":    payment.CartID,
			"orderId":   payment.OrderID,
		},
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		s.logger(ctx, "payment.intent.failed", map[string]any{"provider": provider, "error": err.Error()})
		return PaymentIntent{}, mapGatewayError(err)
	}
	payment.GatewayOrderID = intent.GatewayOrderID
	payment.Metadata = map[string]string{}
	if intent.KeyID != "" {
		payment.Metadata["keyId"] = intent.KeyID
	}
	if intent.ClientSecret != "" {
		payment.Metadata["clientSecret"] = intent.ClientSecret
	}

	if err := s.payments.Insert(ctx, payment); err != nil {
		return PaymentIntent{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "payment.intent.created", map[string]any{
		"paymentId":      payment.ID,
		"provider":       provider,
		"gatewayOrderId": payment.GatewayOrderID,
		"amount":         payment.Amount,
	})
	if intent.Provider == "" {
		intent.Provider = provider
	}
	return PaymentIntent{Payment: payment, Intent: intent}, nil
}

type intentTarget struct {
	cartID      string
	fingerprint string
	orderID     string
	amount      int64
	currency    string
	receipt     string
}

func (s *paymentService) intentTarget(ctx context.Context, cmd CreateIntentCommand) (intentTarget, error) {
	if orderID := strings.TrimSpace(cmd.OrderID); orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return intentTarget{}, translateRepositoryError(err, ErrOrderNotFound, nil)
		}
		if err := checkOrderAccess(order, OrderAccess{Owner: cmd.Owner}); err != nil {
			return intentTarget{}, err
		}
		if order.Status != domain.OrderStatusPending || order.Payment.Status == domain.OrderPaymentPaid {
			return intentTarget{}, fmt.Errorf("%w: order %s is not awaiting payment", ErrPaymentInvalidState, order.ID)
		}
		return intentTarget{
			orderID:  order.ID,
			amount:   order.Totals.Total,
			currency: order.Currency,
			receipt:  order.OrderNumber,
		}, nil
	}

	cart, err := s.carts.Get(ctx, cmd.Owner)
	if err != nil {
		if isRepoNotFound(err) {
			return intentTarget{}, fmt.Errorf("%w: cart is empty", ErrPaymentInvalidInput)
		}
		return intentTarget{}, s.mapRepositoryError(err)
	}
	if len(cart.Items) == 0 {
		return intentTarget{}, fmt.Errorf("%w: cart is empty", ErrPaymentInvalidInput)
	}
	// The order is only created once the money is captured, so anything that would stop it must
	// fail here instead.
	if cart.ShippingAddress == nil {
		return intentTarget{}, fmt.Errorf("%w: cart has no shipping address", ErrPaymentInvalidInput)
	}
	total, err := s.cartTotal(ctx, cart)
	if err != nil {
		var rejection *PromotionError
		if errors.As(err, &rejection) {
			return intentTarget{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		return intentTarget{}, err
	}
	return intentTarget{
		cartID:      cart.ID,
		fingerprint: cartFingerprint(cart),
		amount:      total,
		currency:    cart.Currency,
	}, nil
}

func (s *paymentService) cartTotal(ctx context.Context, cart Cart) (int64, error) {
	if s.pricing == nil || s.promotions == nil {
		if cart.Estimate == nil {
			return 0, fmt.Errorf("%w: cart has no estimate", ErrPaymentInvalidInput)
		}
		return cart.Estimate.Total, nil
	}
	if cart.Promotion != nil && cart.Promotion.Code == "" {
		cart.Promotion = nil
	}
	eval, err := s.promotions.Evaluate(ctx, cart)
	if err != nil {
		return 0, err
	}
	breakdown, err := s.pricing.Price(cart, eval)
	if err != nil {
		return 0, err
	}
	return breakdown.Total, nil
}

// Verify checks the client-reported confirmation signature and captures the payment.
func (s *paymentService) Verify(ctx context.Context, cmd VerifyPaymentCommand) (Payment, error) {
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	gatewayPaymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	if gatewayOrderID == "" || gatewayPaymentID == "" || strings.TrimSpace(cmd.Signature) == "" {
		return Payment{}, fmt.Errorf("%w: gateway order id, payment id and signature are required", ErrPaymentInvalidInput)
	}
	provider, err := s.resolveProvider(cmd.Provider)
	if err != nil {
		return Payment{}, err
	}
	if err := s.gateway.VerifyConfirmation(provider, payments.Confirmation{
		GatewayOrderID:   gatewayOrderID,
		GatewayPaymentID: gatewayPaymentID,
		Signature:        strings.TrimSpace(cmd.Signature),
	}); err != nil {
		s.logger(ctx, "payment.verify.rejected", map[string]any{"provider": provider, "gatewayOrderId": gatewayOrderID})
		return Payment{}, mapGatewayError(err)
	}

	payment, err := s.payments.FindByGatewayOrderID(ctx, provider, gatewayOrderID)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	if !cmd.Owner.IsZero() && !ownsPayment(payment, cmd.Owner) {
		return Payment{}, fmt.Errorf("%w: payment %s belongs to another customer", ErrPaymentForbidden, payment.ID)
	}
	return s.capture(ctx, payment.ID, gatewayPaymentID, 0)
}

// HandleWebhook verifies and applies a gateway notification. Deliveries are deduplicated by event
// id and every state change is idempotent, so redelivery is harmless.
func (s *paymentService) HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) (WebhookResult, error) {
	provider, err := s.resolveProvider(cmd.Provider)
	if err != nil {
		return WebhookResult{}, err
	}
	event, err := s.gateway.ParseWebhook(provider, cmd.Payload, cmd.Headers)
	if err != nil {
		s.logger(ctx, "payment.webhook.rejected", map[string]any{"provider": provider, "error": err.Error()})
		return WebhookResult{}, mapGatewayError(err)
	}
	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	if event.ID == "" {
		return result, fmt.Errorf("%w: webhook event id is missing", ErrPaymentInvalidInput)
	}

	seen, err := s.events.Exists(ctx, event.ID)
	if err != nil {
		return result, s.mapRepositoryError(err)
	}
	if seen {
		result.Duplicate = true
		s.logger(ctx, "payment.webhook.duplicate", map[string]any{"eventId": event.ID, "type": event.RawType})
		return result, nil
	}

	if err := s.applyWebhookEvent(ctx, provider, event, &result); err != nil {
		return result, err
	}

	record := domain.PaymentEvent{
		ID:         event.ID,
		Provider:   provider,
		Type:       event.RawType,
		PaymentID:  result.PaymentID,
		ReceivedAt: s.clock(),
	}
	if err := s.events.Record(ctx, record); err != nil {
		if isRepoConflict(err) {
			result.Duplicate = true
			return result, nil
		}
		return result, s.mapRepositoryError(err)
	}
	return result, nil
}

func (s *paymentService) applyWebhookEvent(ctx context.Context, provider string, event payments.WebhookEvent, result *WebhookResult) error {
	if event.Type == payments.EventIgnored {
		result.Ignored = true
		return nil
	}
	payment, err := s.payments.FindByGatewayOrderID(ctx, provider, event.GatewayOrderID)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "payment.webhook.unknown_order", map[string]any{
				"eventId":        event.ID,
				"provider":       provider,
				"gatewayOrderId": event.GatewayOrderID,
			})
			result.Ignored = true
			return nil
		}
		return s.mapRepositoryError(err)
	}
	result.PaymentID = payment.ID

	switch event.Type {
	case payments.EventPaymentAuthorized:
		return s.authorize(ctx, payment.ID, event.GatewayPaymentID)
	case payments.EventPaymentCaptured:
		_, err := s.capture(ctx, payment.ID, event.GatewayPaymentID, event.Amount)
		return err
	case payments.EventPaymentFailed:
		return s.fail(ctx, payment.ID, event)
	case payments.EventRefundProcessed:
		return s.refundFromWebhook(ctx, payment.ID, event)
	default:
		result.Ignored = true
		return nil
	}
}

func (s *paymentService) authorize(ctx context.Context, paymentID, gatewayPaymentID string) error {
	return runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		payment, err := s.payments.FindByID(txCtx, paymentID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if payment.Status != domain.PaymentStatusCreated {
			return nil
		}
		payment.Status = domain.PaymentStatusAuthorized
		if gatewayPaymentID != "" {
			payment.GatewayPaymentID = gatewayPaymentID
		}
		payment.UpdatedAt = s.clock()
		if err := s.payments.Update(txCtx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
}

// capture marks the payment captured. Only the call that performs the transition finalises the
// order; later calls return the stored payment.
func (s *paymentService) capture(ctx context.Context, paymentID, gatewayPaymentID string, amount int64) (Payment, error) {
	var (
		captured     Payment
		transitioned bool
		expired      bool
	)
	err := runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		transitioned = false
		payment, err := s.payments.FindByID(txCtx, paymentID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		switch payment.Status {
		case domain.PaymentStatusCaptured, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
			captured = payment
			return nil
		}
		// The gateway took the money even though the intent expired; record it so it can be refunded.
		expired = payment.Status == domain.PaymentStatusExpired

		now := s.clock()
		payment.Status = domain.PaymentStatusCaptured
		payment.CapturedAmount = payment.Amount
		if amount > 0 {
			payment.CapturedAmount = amount
		}
		if gatewayPaymentID != "" {
			payment.GatewayPaymentID = gatewayPaymentID
		}
		payment.FailureReason = ""
		payment.FailedAt = nil
		payment.CapturedAt = &now
		payment.UpdatedAt = now
		if err := s.payments.Update(txCtx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
		s.emit(txCtx, DomainEvent{
			Type:        EventPaymentCaptured,
			AggregateID: payment.ID,
			OccurredAt:  now,
			Data: map[string]any{
				"provider":         payment.Provider,
				"gatewayPaymentId": payment.GatewayPaymentID,
				"amount":           payment.CapturedAmount,
				"currency":         payment.Currency,
				"orderId":          payment.OrderID,
				"cartId":           payment.CartID,
			},
		})
		captured = payment
		transitioned = true
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	if !transitioned {
		return captured, nil
	}
	s.logger(ctx, "payment.captured", map[string]any{"paymentId": captured.ID, "amount": captured.CapturedAmount})
	if expired {
		return s.refundUnfulfilled(ctx, captured, "expire", fmt.Errorf("%w: payment %s captured after it expired", ErrPaymentInvalidState, captured.ID)), nil
	}
	return s.finalize(ctx, captured), nil
}

// finalize turns a captured payment into a paid order. Failures are not returned because the money
// is already captured: a payment that can never become a paid order is refunded, anything else is
// logged for reconciliation from the payment record.
func (s *paymentService) finalize(ctx context.Context, payment Payment) Payment {
	paidAt := s.clock()
	if payment.CapturedAt != nil {
		paidAt = *payment.CapturedAt
	}
	markPaid := func(orderID string) error {
		_, err := s.finalizer.MarkPaid(ctx, MarkOrderPaidCommand{
			OrderID:       orderID,
			PaymentID:     payment.ID,
			TransactionID: payment.GatewayPaymentID,
			Method:        payment.Provider,
			PaidAt:        paidAt,
			Amount:        payment.CapturedAmount,
			Currency:      payment.Currency,
		})
		return err
	}
	handleFailure := func(stage string, err error) Payment {
		if unfulfillable(err) {
			return s.refundUnfulfilled(ctx, payment, stage, err)
		}
		s.logger(ctx, "payment.finalize.failed", map[string]any{
			"paymentId": payment.ID,
			"stage":     stage,
			"error":     err.Error(),
		})
		return payment
	}

	if payment.OrderID != "" {
		if err := markPaid(payment.OrderID); err != nil {
			return handleFailure("mark_paid", err)
		}
		return payment
	}
	if payment.CartID == "" {
		return payment
	}

	order, err := s.finalizer.CreateFromCart(ctx, CreateOrderCommand{
		Owner:            OwnerKey{UserID: payment.UserID, GuestID: payment.GuestID},
		PaymentMethod:    payment.Provider,
		ActorID:          systemActor,
		CartFingerprint:  payment.CartFingerprint,
		ExpectedTotal:    payment.CapturedAmount,
		ExpectedCurrency: payment.Currency,
	})
	if err != nil {
		return handleFailure("create_order", err)
	}
	if err := markPaid(order.ID); err != nil {
		// The order stays pending and the reservation sweep cancels it.
		return handleFailure("mark_paid", err)
	}

	var linked Payment
	err = runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		current, err := s.payments.FindByID(txCtx, payment.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		current.OrderID = order.ID
		current.UpdatedAt = s.clock()
		if err := s.payments.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		linked = current
		return nil
	})
	if err != nil {
		s.logger(ctx, "payment.finalize.failed", map[string]any{
			"paymentId": payment.ID,
			"stage":     "link_order",
			"error":     err.Error(),
		})
		payment.OrderID = order.ID
		return payment
	}
	return linked
}

// unfulfillable reports whether a finalisation failure is permanent, as opposed to a transient
// storage or gateway failure that a retry could get past.
func unfulfillable(err error) bool {
	switch {
	case errors.Is(err, ErrOrderCartChanged),
		errors.Is(err, ErrOrderPaymentMismatch),
		errors.Is(err, ErrOrderInvalidState),
		errors.Is(err, ErrOutOfStock),
		errors.Is(err, ErrInvalidPromotion),
		errors.Is(err, ErrValidation):
		return true
	}
	return false
}

// refundUnfulfilled hands back money that cannot pay for an order. The event lets reconciliation
// pick up a refund the gateway refused.
func (s *paymentService) refundUnfulfilled(ctx context.Context, payment Payment, stage string, cause error) Payment {
	s.logger(ctx, "payment.unfulfilled", map[string]any{
		"paymentId": payment.ID,
		"stage":     stage,
		"error":     cause.Error(),
	})
	s.emit(ctx, DomainEvent{
		Type:        EventPaymentUnfulfilled,
		AggregateID: payment.ID,
		OccurredAt:  s.clock(),
		Data: map[string]any{
			"provider": payment.Provider,
			"amount":   payment.CapturedAmount,
			"currency": payment.Currency,
			"orderId":  payment.OrderID,
			"cartId":   payment.CartID,
			"stage":    stage,
			"reason":   cause.Error(),
		},
	})
	refunded, err := s.Refund(ctx, PaymentRefundCommand{
		PaymentID: payment.ID,
		Full:      true,
		Reason:    "order could not be fulfilled",
		ActorID:   systemActor,
	})
	if err != nil {
		s.logger(ctx, "payment.reconcile.required", map[string]any{
			"paymentId": payment.ID,
			"error":     err.Error(),
		})
		return payment
	}
	return refunded
}

func (s *paymentService) fail(ctx context.Context, paymentID string, event payments.WebhookEvent) error {
	return runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		payment, err := s.payments.FindByID(txCtx, paymentID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if payment.Status != domain.PaymentStatusCreated && payment.Status != domain.PaymentStatusAuthorized {
			return nil
		}
		var order *Order
		if payment.OrderID != "" {
			found, err := s.orders.FindByID(txCtx, payment.OrderID)
			if err != nil && !isRepoNotFound(err) {
				return translateRepositoryError(err, nil, ErrOrderConflict)
			}
			if err == nil {
				order = &found
			}
		}

		now := s.clock()
		payment.Status = domain.PaymentStatusFailed
		payment.FailureReason = textutil.SanitizeText(event.FailureReason, maxRefundReason)
		if event.GatewayPaymentID != "" {
			payment.GatewayPaymentID = event.GatewayPaymentID
		}
		payment.FailedAt = &now
		payment.UpdatedAt = now
		if err := s.payments.Update(txCtx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
		if order != nil && order.Payment.Status == domain.OrderPaymentPending {
			order.Payment.Status = domain.OrderPaymentFailed
			order.UpdatedAt = now
			if err := s.orders.Update(txCtx, *order); err != nil {
				return translateRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
			}
		}
		s.emit(txCtx, DomainEvent{
			Type:        EventPaymentFailed,
			AggregateID: payment.ID,
			OccurredAt:  now,
			Data: map[string]any{
				"provider": payment.Provider,
				"reason":   payment.FailureReason,
				"orderId":  payment.OrderID,
			},
		})
		return nil
	})
}

func (s *paymentService) refundFromWebhook(ctx context.Context, paymentID string, event payments.WebhookEvent) error {
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	amount := event.RefundAmount
	if event.RefundedTotal > 0 {
		amount = event.RefundedTotal - payment.RefundedAmount
	}
	if amount <= 0 || hasGatewayRefund(payment, event.RefundID) {
		return nil
	}
	_, err = s.recordRefund(ctx, paymentID, event.RefundID, amount, "gateway refund", systemActor)
	return err
}

// Refund issues a refund through the gateway and records it against the payment and its order.
// The amount may not exceed what was captured minus what was already refunded.
func (s *paymentService) Refund(ctx context.Context, cmd PaymentRefundCommand) (Payment, error) {
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return Payment{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	if payment.Status != domain.PaymentStatusCaptured && payment.Status != domain.PaymentStatusPartiallyRefunded {
		return Payment{}, fmt.Errorf("%w: payment %s in status %q cannot be refunded", ErrPaymentInvalidState, payment.ID, payment.Status)
	}

	refundable := payment.Refundable()
	amount := cmd.Amount
	if cmd.Full {
		amount = refundable
	}
	if amount <= 0 {
		return Payment{}, fmt.Errorf("%w: refund amount must be positive", ErrPaymentInvalidInput)
	}
	if amount > refundable {
		return Payment{}, fmt.Errorf("%w: refund of %d exceeds refundable %d", ErrPaymentInvalidInput, amount, refundable)
	}
	reason := textutil.SanitizeText(cmd.Reason, maxRefundReason)

	refund, err := s.gateway.Refund(ctx, payment.Provider, payments.RefundRequest{
		GatewayPaymentID: payment.GatewayPaymentID,
		GatewayOrderID:   payment.GatewayOrderID,
		Amount:           amount,
		Reason:           reason,
		Metadata:         map[string]string{"paymentId": payment.ID, "orderId": payment.OrderID},
		IdempotencyKey:   payment.ID + ":refund:" + strconv.FormatInt(payment.RefundedAmount, 10) + ":" + strconv.FormatInt(amount, 10),
	})
	if err != nil {
		s.logger(ctx, "payment.refund.failed", map[string]any{"paymentId": payment.ID, "error": err.Error()})
		return Payment{}, mapGatewayError(err)
	}
	if refund.Amount > 0 {
		amount = refund.Amount
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = systemActor
	}
	return s.recordRefund(ctx, payment.ID, refund.GatewayRefundID, amount, reason, actor)
}

// recordRefund applies a gateway refund to the payment and its order. A refund whose gateway id
// is already recorded is skipped, so the webhook and the API call can race safely.
func (s *paymentService) recordRefund(ctx context.Context, paymentID, gatewayRefundID string, amount int64, reason, actor string) (Payment, error) {
	var updated Payment
	err := runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		payment, err := s.payments.FindByID(txCtx, paymentID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if hasGatewayRefund(payment, gatewayRefundID) {
			updated = payment
			return nil
		}
		if amount > payment.Refundable() {
			amount = payment.Refundable()
		}
		if amount <= 0 {
			updated = payment
			return nil
		}

		var order *Order
		if payment.OrderID != "" {
			found, err := s.orders.FindByID(txCtx, payment.OrderID)
			if err != nil && !isRepoNotFound(err) {
				return translateRepositoryError(err, nil, ErrOrderConflict)
			}
			if err == nil {
				order = &found
			}
		}

		now := s.clock()
		payment.RefundedAmount += amount
		full := payment.RefundedAmount >= payment.CapturedAmount
		if full {
			payment.Status = domain.PaymentStatusRefunded
		} else {
			payment.Status = domain.PaymentStatusPartiallyRefunded
		}
		payment.Refunds = append(payment.Refunds, domain.PaymentRefund{
			ID:              refundIDPrefix + s.newID(),
			GatewayRefundID: gatewayRefundID,
			Amount:          amount,
			Reason:          reason,
			CreatedAt:       now,
		})
		payment.UpdatedAt = now

		// Stock goes back on the shelf only when nothing left the warehouse.
		if full && order != nil && order.ReservationID != "" && order.Status == domain.OrderStatusProcessing {
			if _, err := s.inventory.Restock(txCtx, InventoryReleaseCommand{
				ReservationID: order.ReservationID,
				Reason:        "refunded",
			}); err != nil && !errors.Is(err, ErrInventoryInvalidState) {
				return err
			}
		}

		if err := s.payments.Update(txCtx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
		if order != nil {
			previous, changed := applyOrderRefund(order, domain.OrderRefund{
				ID:        payment.Refunds[len(payment.Refunds)-1].ID,
				Amount:    amount,
				Reason:    reason,
				Full:      full,
				Actor:     actor,
				CreatedAt: now,
			}, full, now)
			if err := s.orders.Update(txCtx, *order); err != nil {
				return translateRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
			}
			if changed {
				s.emit(txCtx, DomainEvent{
					Type:        EventOrderRefunded,
					AggregateID: order.ID,
					OccurredAt:  now,
					Data: map[string]any{
						"previousStatus": string(previous),
						"refundedAmount": order.Payment.RefundedAmount,
					},
				})
			}
		}
		s.emit(txCtx, DomainEvent{
			Type:        EventPaymentRefunded,
			AggregateID: payment.ID,
			OccurredAt:  now,
			Data: map[string]any{
				"amount":         amount,
				"refundedAmount": payment.RefundedAmount,
				"full":           full,
				"orderId":        payment.OrderID,
			},
		})
		updated = payment
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return updated, nil
}

func (s *paymentService) resolveProvider(name string) (string, error) {
	p, err := s.gateway.Provider(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return "", mapGatewayError(err)
	}
	return p.Name(), nil
}

func (s *paymentService) mapRepositoryError(err error) error {
	return translateRepositoryError(err, ErrPaymentNotFound, ErrPaymentConflict)
}

// mapGatewayError classifies payments package failures into service error kinds.
func mapGatewayError(err error) error {
	var gatewayErr *payments.GatewayError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrInvalidSignature):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, payments.ErrMalformedWebhook),
		errors.Is(err, payments.ErrUnsupportedProvider),
		errors.Is(err, payments.ErrUnsupportedOperation):
		return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	case errors.As(err, &gatewayErr) && gatewayErr.Timeout:
		return fmt.Errorf("%w: %v", ErrExternalTimeout, err)
	case errors.As(err, &gatewayErr):
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	return err
}

func intentFromPayment(p Payment) payments.Intent {
	return payments.Intent{
		Provider:       p.Provider,
		GatewayOrderID: p.GatewayOrderID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         string(p.Status),
		KeyID:          p.Metadata["keyId"],
		ClientSecret:   p.Metadata["clientSecret"],
		CreatedAt:      p.CreatedAt,
	}
}

func ownsPayment(p Payment, owner OwnerKey) bool {
	if owner.UserID != "" {
		return owner.UserID == p.UserID
	}
	return owner.GuestID != "" && owner.GuestID == p.GuestID
}

func hasGatewayRefund(p Payment, gatewayRefundID string) bool {
	if gatewayRefundID == "" {
		return false
	}
	return slices.ContainsFunc(p.Refunds, func(r domain.PaymentRefund) bool {
		return r.GatewayRefundID == gatewayRefundID
	})
}
