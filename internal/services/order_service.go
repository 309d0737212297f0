package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/platform/pagination"
	"github.com/bazaar-commerce/api/internal/platform/textutil"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	orderIDPrefix     = "ord_"
	orderNoteIDPrefix = "note_"
	maxOrderNoteLen   = 2000
	maxCarrierLen     = 100
	maxTrackingLen    = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = newKindError("order: invalid input", ErrValidation)
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = newKindError("order: not found", ErrNotFound)
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = newKindError("order: invalid status transition", ErrConflict)
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = newKindError("order: conflict", ErrConflict)
	// ErrOrderForbidden indicates the caller does not own the order.
	ErrOrderForbidden = newKindError("order: forbidden", ErrForbidden)
	// ErrOrderEmptyCart indicates checkout was attempted on a cart without items.
	ErrOrderEmptyCart = newKindError("order: cart is empty", ErrValidation)
	// ErrOrderCartChanged indicates the cart no longer holds what a payment was opened for.
	ErrOrderCartChanged = newKindError("order: cart changed since payment was opened", ErrConflict)
	// ErrOrderPaymentMismatch indicates the captured amount or currency differs from the order total.
	ErrOrderPaymentMismatch = newKindError("order: payment does not match order total", ErrConflict)

	errOrderRefunderUnavailable = errors.New("order: payment refunder not configured")
)

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusRefunded},
	domain.OrderStatusDelivered:  {domain.OrderStatusRefunded},
}

var cancellableStatuses = []OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
}

// OrderServiceDeps wires the collaborators the order service needs.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Carts          repositories.CartRepository
	Promotions     PromotionService
	PromotionRepo  repositories.PromotionRepository
	PromotionUsage repositories.PromotionUsageRepository
	Inventory      InventoryService
	Pricing        *PricingEngine
	Counters       CounterService
	// Payments is optional; with it a cancellation expires the order's open intents.
	Payments repositories.PaymentRepository
	// Refunder is resolved lazily so the payment service can be built after the order service.
	Refunder       func() PaymentRefunder
	UnitOfWork     repositories.UnitOfWork
	Events         EventPublisher
	ReservationTTL time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	eventEmitter
	orders         repositories.OrderRepository
	carts          repositories.CartRepository
	promotions     PromotionService
	promotionRepo  repositories.PromotionRepository
	usage          repositories.PromotionUsageRepository
	inventory      InventoryService
	pricing        *PricingEngine
	counters       CounterService
	payments       repositories.PaymentRepository
	refunder       func() PaymentRefunder
	uow            unitOfWork
	reservationTTL time.Duration
	clock          func() time.Time
	newID          func() string
}

// NewOrderService constructs an OrderService backed by the provided dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Carts == nil:
		return nil, errors.New("order service: cart repository is required")
	case deps.Promotions == nil:
		return nil, errors.New("order service: promotion service is required")
	case deps.Inventory == nil:
		return nil, errors.New("order service: inventory service is required")
	case deps.Pricing == nil:
		return nil, errors.New("order service: pricing engine is required")
	case deps.Counters == nil:
		return nil, errors.New("order service: counter service is required")
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
	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	refunder := deps.Refunder
	if refunder == nil {
		refunder = func() PaymentRefunder { return nil }
	}

	return &orderService{
		eventEmitter:   eventEmitter{publisher: deps.Events, newID: idGen, logger: logger},
		orders:         deps.Orders,
		carts:          deps.Carts,
		promotions:     deps.Promotions,
		promotionRepo:  deps.PromotionRepo,
		usage:          deps.PromotionUsage,
		inventory:      deps.Inventory,
		pricing:        deps.Pricing,
		counters:       deps.Counters,
		payments:       deps.Payments,
		refunder:       refunder,
		uow:            uow,
		reservationTTL: ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

// CreateFromCart prices the owner's cart, reserves its stock, records the order and clears the
// cart. Any failure leaves cart, stock and promotion usage untouched.
func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if cmd.Owner.IsZero() {
		return Order{}, fmt.Errorf("%w: owner is required", ErrOrderInvalidInput)
	}
	shippingOverride, err := normalizeAddress(cmd.ShippingAddress, "shippingAddress")
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	billingOverride, err := normalizeAddress(cmd.BillingAddress, "billingAddress")
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	// Order numbers come from their own counter transaction; a failed checkout burns one.
	orderNumber, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, err
	}

	var created Order
	err = runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		cart, err := s.carts.Get(txCtx, cmd.Owner)
		if err != nil {
			if isRepoNotFound(err) {
				return ErrOrderEmptyCart
			}
			return s.mapRepositoryError(err)
		}
		if len(cart.Items) == 0 {
			return ErrOrderEmptyCart
		}
		if cmd.CartFingerprint != "" && cartFingerprint(cart) != cmd.CartFingerprint {
			return ErrOrderCartChanged
		}
		if method := strings.TrimSpace(cmd.ShippingMethod); method != "" {
			cart.ShippingMethod = method
		}
		if cart.Promotion != nil && cart.Promotion.Code == "" {
			cart.Promotion = nil
		}

		eval, err := s.promotions.Evaluate(txCtx, cart)
		if err != nil {
			return err
		}
		breakdown, err := s.pricing.Price(cart, eval)
		if err != nil {
			return err
		}
		if cmd.ExpectedTotal > 0 && !amountMatches(breakdown.Total, breakdown.Currency, cmd.ExpectedTotal, cmd.ExpectedCurrency) {
			return fmt.Errorf("%w: cart prices at %d %s, paid %d %s", ErrOrderPaymentMismatch,
				breakdown.Total, breakdown.Currency, cmd.ExpectedTotal, cmd.ExpectedCurrency)
		}

		shipping := shippingOverride
		if shipping == nil {
			shipping = cart.ShippingAddress
		}
		if shipping == nil {
			return fmt.Errorf("%w: shipping address is required", ErrOrderInvalidInput)
		}
		billing := billingOverride
		if billing == nil {
			billing = cart.BillingAddress
		}
		if billing == nil {
			billing = shipping
		}

		now := s.clock()
		orderID := orderIDPrefix + s.newID()
		owner := ownerRef(cmd.Owner)

		reservation, err := s.inventory.Reserve(txCtx, InventoryReserveCommand{
			OrderRef: orderID,
			UserRef:  owner,
			Lines:    reservationLines(cart.Items),
			TTL:      s.reservationTTL,
		})
		if err != nil {
			return err
		}

		notes := textutil.SanitizeText(cmd.Notes, maxOrderNoteLen)
		if notes == "" {
			notes = cart.Notes
		}
		actor := strings.TrimSpace(cmd.ActorID)
		if actor == "" {
			actor = owner
		}

		order := Order{
			ID:              orderID,
			OrderNumber:     orderNumber,
			UserID:          cmd.Owner.UserID,
			CartID:          cart.ID,
			Status:          domain.OrderStatusPending,
			Currency:        breakdown.Currency,
			Items:           buildOrderLineItems(cart.Items, breakdown),
			Totals:          buildOrderTotals(breakdown),
			ShippingAddress: *shipping,
			BillingAddress:  *billing,
			ShippingMethod:  breakdown.ShippingMethod,
			Payment: domain.OrderPayment{
				Method: strings.TrimSpace(cmd.PaymentMethod),
				Status: domain.OrderPaymentPending,
			},
			StatusHistory: []domain.OrderStatusEvent{{
				Status: domain.OrderStatusPending,
				At:     now,
				Actor:  actor,
			}},
			ReservationID: reservation.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if cmd.Owner.UserID == "" {
			order.GuestID = cmd.Owner.GuestID
		}
		if notes != "" {
			order.Notes = []OrderNote{{
				ID:        orderNoteIDPrefix + s.newID(),
				Body:      notes,
				Public:    true,
				Author:    actor,
				CreatedAt: now,
			}}
		}
		if eval != nil {
			order.Promotion = &domain.OrderPromotion{
				PromotionID:    eval.Promotion.ID,
				Code:           eval.Promotion.Code,
				DiscountAmount: breakdown.Discount,
			}
		}

		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.adjustPromotionUsage(txCtx, order, 1, now); err != nil {
			return err
		}

		clearCart(&cart)
		cart.Notes = ""
		cart.UpdatedAt = now
		if _, err := s.carts.Save(txCtx, cart); err != nil {
			return s.mapRepositoryError(err)
		}

		s.emit(txCtx, DomainEvent{
			Type:        EventOrderCreated,
			AggregateID: order.ID,
			OccurredAt:  now,
			Data: map[string]any{
				"orderNumber": order.OrderNumber,
				"userId":      order.UserID,
				"guestId":     order.GuestID,
				"total":       order.Totals.Total,
				"currency":    order.Currency,
			},
		})
		created = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.logger(ctx, "order.created", map[string]any{
		"orderId":     created.ID,
		"orderNumber": created.OrderNumber,
		"total":       created.Totals.Total,
	})
	return created, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, access OrderAccess) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := checkOrderAccess(order, access); err != nil {
		return Order{}, err
	}
	if !access.AnyOwner {
		order.Notes = publicNotes(order.Notes)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	for _, status := range filter.Status {
		if !isKnownOrderStatus(status) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID: strings.TrimSpace(filter.UserID),
		Status: filter.Status,
		Pagination: Pagination{
			PageSize:  pagination.Normalize(filter.Pagination.PageSize),
			PageToken: strings.TrimSpace(filter.Pagination.PageToken),
		},
	})
	switch {
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	case err != nil:
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// UpdateStatus moves an order along the fulfilment graph. Cancellation routes through Cancel so
// stock and promotion usage are returned; refunds must go through ProcessRefund.
func (s *orderService) UpdateStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	switch {
	case target == "":
		return Order{}, fmt.Errorf("%w: status is required", ErrOrderInvalidInput)
	case !isKnownOrderStatus(target):
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	case target == domain.OrderStatusCancelled:
		return s.Cancel(ctx, CancelOrderCommand{
			OrderID: orderID,
			Reason:  cmd.Note,
			ActorID: cmd.ActorID,
			Access:  OrderAccess{AnyOwner: true},
		})
	case target == domain.OrderStatusRefunded:
		return Order{}, fmt.Errorf("%w: use the refund operation to refund an order", ErrOrderInvalidInput)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	note := textutil.SanitizeText(cmd.Note, maxOrderNoteLen)

	var updated Order
	err := runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		now := s.clock()
		previous := order.Status
		if err := applyStatusTransition(&order, target, actor, note, now); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		s.emitStatusChanged(txCtx, order, previous, actor, now)
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// Cancel is only possible before shipment. Reserved stock is released, committed stock is put
// back on hand and the promotion use is returned.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := textutil.SanitizeText(cmd.Reason, maxOrderNoteLen)
	actor := strings.TrimSpace(cmd.ActorID)

	var cancelled Order
	err := runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := checkOrderAccess(order, cmd.Access); err != nil {
			return err
		}
		if !slices.Contains(cancellableStatuses, order.Status) {
			return fmt.Errorf("%w: order in status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
		}
		// Firestore transactions read before they write.
		var open []domain.Payment
		if s.payments != nil {
			if open, err = s.payments.ListOpenByOrder(txCtx, order.ID); err != nil {
				return s.mapRepositoryError(err)
			}
		}

		if order.ReservationID != "" {
			if err := s.returnStock(txCtx, order, reason); err != nil {
				return err
			}
		}

		now := s.clock()
		previous := order.Status
		if err := applyStatusTransition(&order, domain.OrderStatusCancelled, actor, reason, now); err != nil {
			return err
		}
		if reason != "" {
			order.CancelReason = &reason
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.adjustPromotionUsage(txCtx, order, -1, now); err != nil {
			return err
		}
		if err := s.expirePayments(txCtx, open, now); err != nil {
			return err
		}

		s.emitStatusChanged(txCtx, order, previous, actor, now)
		s.emit(txCtx, DomainEvent{
			Type:        EventOrderCancelled,
			AggregateID: order.ID,
			OccurredAt:  now,
			Data: map[string]any{
				"orderNumber": order.OrderNumber,
				"reason":      reason,
				"actorId":     actor,
			},
		})
		cancelled = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.logger(ctx, "order.cancelled", map[string]any{"orderId": cancelled.ID, "reason": reason})
	return cancelled, nil
}

// expirePayments closes intents that can no longer pay for the order. A capture that still arrives
// for one of them is refunded by the payment service.
func (s *orderService) expirePayments(ctx context.Context, open []domain.Payment, now time.Time) error {
	for _, payment := range open {
		payment.Status = domain.PaymentStatusExpired
		payment.UpdatedAt = now
		if err := s.payments.Update(ctx, payment); err != nil {
			return translateRepositoryError(err, ErrPaymentNotFound, ErrPaymentConflict)
		}
		s.emit(ctx, DomainEvent{
			Type:        EventPaymentExpired,
			AggregateID: payment.ID,
			OccurredAt:  now,
			Data: map[string]any{
				"provider": payment.Provider,
				"orderId":  payment.OrderID,
			},
		})
	}
	return nil
}

// returnStock releases a live reservation, or restocks one that payment already committed.
func (s *orderService) returnStock(ctx context.Context, order Order, reason string) error {
	cmd := InventoryReleaseCommand{ReservationID: order.ReservationID, Reason: reason}
	var err error
	if order.Payment.Status == domain.OrderPaymentPaid {
		_, err = s.inventory.Restock(ctx, cmd)
	} else {
		_, err = s.inventory.ReleaseReservation(ctx, cmd)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInventoryInvalidState) || errors.Is(err, ErrInventoryNotFound) {
		// Already returned by an earlier sweep or cancellation.
		s.logger(ctx, "order.stock.skip", map[string]any{
			"orderId":       order.ID,
			"reservationId": order.ReservationID,
			"error":         err.Error(),
		})
		return nil
	}
	return err
}

func (s *orderService) AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	body := textutil.SanitizeText(cmd.Body, maxOrderNoteLen)
	if body == "" {
		return Order{}, fmt.Errorf("%w: note body is required", ErrOrderInvalidInput)
	}

	var updated Order
	err := runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := checkOrderAccess(order, cmd.Access); err != nil {
			return err
		}
		now := s.clock()
		order.Notes = append(order.Notes, OrderNote{
			ID:   orderNoteIDPrefix + s.newID(),
			Body: body,
			// Shoppers can only leave notes they can read back.
			Public:    cmd.Public || !cmd.Access.AnyOwner,
			Author:    strings.TrimSpace(cmd.ActorID),
			CreatedAt: now,
		})
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if !cmd.Access.AnyOwner {
		updated.Notes = publicNotes(updated.Notes)
	}
	return updated, nil
}

func (s *orderService) UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	carrier := textutil.SanitizeText(cmd.Carrier, maxCarrierLen)
	tracking := strings.TrimSpace(cmd.TrackingNumber)
	if carrier == "" || tracking == "" {
		return Order{}, fmt.Errorf("%w: carrier and tracking number are required", ErrOrderInvalidInput)
	}
	if len(tracking) > maxTrackingLen {
		return Order{}, fmt.Errorf("%w: tracking number too long", ErrOrderInvalidInput)
	}

	var updated Order
	err := runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status != domain.OrderStatusProcessing && order.Status != domain.OrderStatusShipped {
			return fmt.Errorf("%w: shipping details cannot change in status %q", ErrOrderInvalidState, order.Status)
		}
		now := s.clock()
		order.Shipping = &domain.OrderShipping{Carrier: carrier, TrackingNumber: tracking, UpdatedAt: now}
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// ProcessRefund refunds the order's captured payment through the payment service, which also
// updates the order.
func (s *orderService) ProcessRefund(ctx context.Context, cmd OrderRefundCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Full && cmd.Amount <= 0 {
		return Order{}, fmt.Errorf("%w: refund amount must be positive", ErrOrderInvalidInput)
	}
	refunder := s.refunder()
	if refunder == nil {
		return Order{}, errOrderRefunderUnavailable
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.Payment.Status != domain.OrderPaymentPaid || order.Payment.PaymentID == "" {
		return Order{}, fmt.Errorf("%w: order %s has no captured payment to refund", ErrOrderInvalidState, order.ID)
	}

	if _, err := refunder.Refund(ctx, PaymentRefundCommand{
		PaymentID: order.Payment.PaymentID,
		Amount:    cmd.Amount,
		Full:      cmd.Full,
		Reason:    cmd.Reason,
		ActorID:   cmd.ActorID,
	}); err != nil {
		return Order{}, err
	}

	refreshed, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return refreshed, nil
}

// MarkPaid commits the order's stock and moves it to processing. Repeating it for a paid order is
// a no-op.
func (s *orderService) MarkPaid(ctx context.Context, cmd MarkOrderPaidCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var paid Order
	err := runInTx(ctx, s.uow, s.eventEmitter, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Payment.Status == domain.OrderPaymentPaid {
			paid = order
			return nil
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order in status %q cannot be marked paid", ErrOrderInvalidState, order.Status)
		}
		if cmd.Amount > 0 && !amountMatches(order.Totals.Total, order.Currency, cmd.Amount, cmd.Currency) {
			return fmt.Errorf("%w: order total %d %s, captured %d %s", ErrOrderPaymentMismatch,
				order.Totals.Total, order.Currency, cmd.Amount, cmd.Currency)
		}

		if order.ReservationID != "" {
			if _, err := s.inventory.CommitReservation(txCtx, InventoryCommitCommand{
				ReservationID: order.ReservationID,
				OrderRef:      order.ID,
			}); err != nil {
				return err
			}
		}

		now := s.clock()
		paidAt := cmd.PaidAt.UTC()
		if cmd.PaidAt.IsZero() {
			paidAt = now
		}
		order.Payment.Status = domain.OrderPaymentPaid
		order.Payment.PaymentID = strings.TrimSpace(cmd.PaymentID)
		order.Payment.TransactionID = strings.TrimSpace(cmd.TransactionID)
		if method := strings.TrimSpace(cmd.Method); method != "" {
			order.Payment.Method = method
		}
		order.Payment.PaidAt = &paidAt
		order.PaidAt = &paidAt

		previous := order.Status
		if err := applyStatusTransition(&order, domain.OrderStatusProcessing, "system", "payment captured", now); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		s.emitStatusChanged(txCtx, order, previous, "system", now)
		paid = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return paid, nil
}

func (s *orderService) adjustPromotionUsage(ctx context.Context, order Order, delta int, now time.Time) error {
	if order.Promotion == nil || order.Promotion.PromotionID == "" {
		return nil
	}
	if s.promotionRepo != nil {
		if err := s.promotionRepo.AdjustUsage(ctx, order.Promotion.PromotionID, delta); err != nil {
			return s.mapRepositoryError(err)
		}
	}
	if s.usage != nil {
		ref := ownerRef(OwnerKey{UserID: order.UserID, GuestID: order.GuestID})
		if err := s.usage.Adjust(ctx, order.Promotion.PromotionID, ref, delta, order.ID, now); err != nil {
			return s.mapRepositoryError(err)
		}
	}
	return nil
}

func (s *orderService) emitStatusChanged(ctx context.Context, order Order, previous OrderStatus, actor string, now time.Time) {
	s.emit(ctx, DomainEvent{
		Type:        EventOrderStatusChanged,
		AggregateID: order.ID,
		OccurredAt:  now,
		Data: map[string]any{
			"orderNumber":    order.OrderNumber,
			"previousStatus": string(previous),
			"currentStatus":  string(order.Status),
			"actorId":        actor,
		},
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	return translateRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
}

// applyStatusTransition validates and applies target, stamping the matching timestamp and
// appending to the status history.
func applyStatusTransition(order *Order, target OrderStatus, actor string, note string, now time.Time) error {
	if !canTransition(order.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, target)
	}
	order.Status = target
	order.UpdatedAt = now
	order.StatusHistory = append(order.StatusHistory, domain.OrderStatusEvent{
		Status: target,
		At:     now,
		Note:   note,
		Actor:  actor,
	})
	switch target {
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	}
	return nil
}

// applyOrderRefund records a payment refund on the order. A refund that leaves nothing
// refundable also refunds the order itself when its status allows it.
func applyOrderRefund(order *Order, refund domain.OrderRefund, fullyRefunded bool, now time.Time) (previous OrderStatus, statusChanged bool) {
	previous = order.Status
	order.Refunds = append(order.Refunds, refund)
	order.Payment.RefundedAmount += refund.Amount
	order.UpdatedAt = now
	if !fullyRefunded {
		return previous, false
	}
	order.Payment.Status = domain.OrderPaymentRefunded
	if err := applyStatusTransition(order, domain.OrderStatusRefunded, refund.Actor, refund.Reason, now); err != nil {
		return previous, false
	}
	return previous, true
}

func canTransition(current, target OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

func isKnownOrderStatus(status OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusShipped,
		domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded:
		return true
	}
	return false
}

func checkOrderAccess(order Order, access OrderAccess) error {
	if access.AnyOwner {
		return nil
	}
	owner := access.Owner
	if owner.UserID != "" && owner.UserID == order.UserID {
		return nil
	}
	if owner.UserID == "" && owner.GuestID != "" && owner.GuestID == order.GuestID {
		return nil
	}
	return fmt.Errorf("%w: order %s belongs to another customer", ErrOrderForbidden, order.ID)
}

func publicNotes(notes []OrderNote) []OrderNote {
	return slices.DeleteFunc(slices.Clone(notes), func(n OrderNote) bool { return !n.Public })
}

// amountMatches compares an expected amount with a paid one. An empty paid currency matches any.
func amountMatches(total int64, currency string, paid int64, paidCurrency string) bool {
	if total != paid {
		return false
	}
	return paidCurrency == "" || strings.EqualFold(strings.TrimSpace(currency), strings.TrimSpace(paidCurrency))
}

// cartFingerprint digests what a cart would turn into: its lines, coupon, currency and shipping
// method. Item ids and timestamps are left out so re-adding the same line keeps the digest.
func cartFingerprint(cart Cart) string {
	lines := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		lines = append(lines, strings.Join([]string{
			item.ProductID,
			item.VariantID,
			item.SKU,
			strconv.Itoa(item.Quantity),
			strconv.FormatInt(item.UnitPrice, 10),
		}, "|"))
	}
	slices.Sort(lines)
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	code := ""
	if cart.Promotion != nil {
		code = strings.ToUpper(strings.TrimSpace(cart.Promotion.Code))
	}
	fmt.Fprintf(h, "coupon=%s\ncurrency=%s\nshipping=%s\n",
		code, strings.ToUpper(cart.Currency), strings.TrimSpace(cart.ShippingMethod))
	return hex.EncodeToString(h.Sum(nil))
}

func reservationLines(items []CartItem) []InventoryReservationLine {
	lines := make([]InventoryReservationLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, InventoryReservationLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

func buildOrderTotals(b PricingBreakdown) OrderTotals {
	return OrderTotals{
		Subtotal: b.Subtotal,
		Discount: b.Discount,
		Shipping: b.Shipping,
		Tax:      b.Tax,
		Total:    b.Total,
	}
}

func buildOrderLineItems(items []CartItem, b PricingBreakdown) []OrderLineItem {
	taxByItem := make(map[string]int64, len(b.Items))
	for _, line := range b.Items {
		taxByItem[line.ItemID] = line.Tax
	}
	out := make([]OrderLineItem, 0, len(items))
	for _, item := range items {
		out = append(out, OrderLineItem{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TaxRate:    item.TaxRate,
			Tax:        taxByItem[item.ID],
			Subtotal:   item.UnitPrice * int64(item.Quantity),
			Attributes: maps.Clone(item.Attributes),
		})
	}
	return out
}
