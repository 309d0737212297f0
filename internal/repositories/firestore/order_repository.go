package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	domain "github.com/bazaar-commerce/api/internal/domain"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/platform/pagination"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	ordersCollection = "orders"

	// Firestore "in" filters accept at most ten values.
	maxStatusFilters = 10
)

// OrderRepository persists order aggregates. Status history, notes and refunds are embedded in the
// order document so every transition is a single-document write.
type OrderRepository struct {
	base *pfirestore.Collection[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewCollection[orderDocument](provider, ordersCollection, nil, nil),
	}, nil
}

// Insert creates the order document. A duplicate ID is reported as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.base.Create(ctx, id, newOrderDocument(order))
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Set(ctx, id, newOrderDocument(order))
	return err
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns orders newest first, optionally narrowed to one user and a set of statuses.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}
	limit := pagination.Normalize(filter.Pagination.PageSize)
	cursor, err := pagination.DecodeScoped(pagination.ScopeOrders, filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	statuses := make([]string, 0, len(filter.Status))
	for _, status := range filter.Status {
		if trimmed := strings.TrimSpace(string(status)); trimmed != "" {
			statuses = append(statuses, trimmed)
		}
	}
	if len(statuses) > maxStatusFilters {
		statuses = statuses[:maxStatusFilters]
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		switch len(statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", statuses[0])
		default:
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor.ID != "" {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	if len(docs) > limit {
		last := docs[limit-1]
		token, err := pagination.EncodeToken(pagination.Cursor{Scope: pagination.ScopeOrders, CreatedAt: last.Data.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		docs = docs[:limit]
	}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

// CountByUser counts every order the user has placed, regardless of status.
func (r *OrderRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("order repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, nil
	}
	coll, err := r.base.Ref(ctx)
	if err != nil {
		return 0, err
	}
	query := coll.Where("userId", "==", userID)
	result, err := query.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("orders.count", err)
	}
	value, ok := result["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("orders.count: unexpected aggregation result %T", result["all"])
	}
	return int(value.GetIntegerValue()), nil
}

// ListPendingBefore returns pending orders created before cutoff, oldest first.
func (r *OrderRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = pagination.MaxPageSize
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusPending)).
			Where("createdAt", "<", cutoff.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

type orderDocument struct {
	OrderNumber     string                     `firestore:"orderNumber"`
	UserID          string                     `firestore:"userId,omitempty"`
	GuestID         string                     `firestore:"guestId,omitempty"`
	CartID          string                     `firestore:"cartId,omitempty"`
	Status          string                     `firestore:"status"`
	Currency        string                     `firestore:"currency"`
	Items           []orderLineItemDocument    `firestore:"items"`
	Totals          orderTotalsDocument        `firestore:"totals"`
	Promotion       *orderPromotionDocument    `firestore:"promotion,omitempty"`
	ShippingAddress addressDocument            `firestore:"shippingAddress"`
	BillingAddress  addressDocument            `firestore:"billingAddress"`
	ShippingMethod  string                     `firestore:"shippingMethod,omitempty"`
	Payment         orderPaymentDocument       `firestore:"payment"`
	Shipping        *orderShippingDocument     `firestore:"shipping,omitempty"`
	StatusHistory   []orderStatusEventDocument `firestore:"statusHistory"`
	Notes           []orderNoteDocument        `firestore:"notes,omitempty"`
	Refunds         []orderRefundDocument      `firestore:"refunds,omitempty"`
	ReservationID   string                     `firestore:"reservationId,omitempty"`
	CancelReason    *string                    `firestore:"cancelReason,omitempty"`
	Metadata        map[string]any             `firestore:"metadata,omitempty"`
	CreatedAt       time.Time                  `firestore:"createdAt"`
	UpdatedAt       time.Time                  `firestore:"updatedAt"`
	PaidAt          *time.Time                 `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time                 `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time                 `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time                 `firestore:"cancelledAt,omitempty"`
	RefundedAt      *time.Time                 `firestore:"refundedAt,omitempty"`
}

type orderLineItemDocument struct {
	ProductID  string            `firestore:"productId"`
	VariantID  string            `firestore:"variantId,omitempty"`
	SKU        string            `firestore:"sku"`
	Name       string            `firestore:"name"`
	Quantity   int               `firestore:"qty"`
	UnitPrice  int64             `firestore:"unitPrice"`
	TaxRate    string            `firestore:"taxRate,omitempty"`
	Tax        int64             `firestore:"tax"`
	Subtotal   int64             `firestore:"subtotal"`
	Attributes map[string]string `firestore:"attributes,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type orderPromotionDocument struct {
	PromotionID    string `firestore:"promotionId"`
	Code           string `firestore:"code"`
	DiscountAmount int64  `firestore:"discountAmount"`
}

type orderPaymentDocument struct {
	Method         string     `firestore:"method,omitempty"`
	Status         string     `firestore:"status"`
	PaymentID      string     `firestore:"paymentId,omitempty"`
	TransactionID  string     `firestore:"transactionId,omitempty"`
	PaidAt         *time.Time `firestore:"paidAt,omitempty"`
	RefundedAmount int64      `firestore:"refundedAmount"`
}

type orderShippingDocument struct {
	Carrier        string    `firestore:"carrier"`
	TrackingNumber string    `firestore:"trackingNumber"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

type orderStatusEventDocument struct {
	Status string    `firestore:"status"`
	At     time.Time `firestore:"at"`
	Note   string    `firestore:"note,omitempty"`
	Actor  string    `firestore:"actor,omitempty"`
}

type orderNoteDocument struct {
	ID        string    `firestore:"id"`
	Body      string    `firestore:"body"`
	Public    bool      `firestore:"public"`
	Author    string    `firestore:"author,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderRefundDocument struct {
	ID        string    `firestore:"id"`
	Amount    int64     `firestore:"amount"`
	Reason    string    `firestore:"reason,omitempty"`
	Full      bool      `firestore:"full"`
	Actor     string    `firestore:"actor,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		GuestID:        order.GuestID,
		CartID:         order.CartID,
		Status:         string(order.Status),
		Currency:       strings.ToUpper(order.Currency),
		Items:          make([]orderLineItemDocument, 0, len(order.Items)),
		Totals:         orderTotalsDocument(order.Totals),
		ShippingMethod: order.ShippingMethod,
		Payment: orderPaymentDocument{
			Method:         order.Payment.Method,
			Status:         string(order.Payment.Status),
			PaymentID:      order.Payment.PaymentID,
			TransactionID:  order.Payment.TransactionID,
			PaidAt:         order.Payment.PaidAt,
			RefundedAmount: order.Payment.RefundedAmount,
		},
		StatusHistory: make([]orderStatusEventDocument, 0, len(order.StatusHistory)),
		ReservationID: order.ReservationID,
		CancelReason:  order.CancelReason,
		Metadata:      cloneAnyMap(order.Metadata),
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		PaidAt:        order.PaidAt,
		ShippedAt:     order.ShippedAt,
		DeliveredAt:   order.DeliveredAt,
		CancelledAt:   order.CancelledAt,
		RefundedAt:    order.RefundedAt,
	}
	if addr := newAddressDocument(&order.ShippingAddress); addr != nil {
		doc.ShippingAddress = *addr
	}
	if addr := newAddressDocument(&order.BillingAddress); addr != nil {
		doc.BillingAddress = *addr
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderLineItemDocument{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TaxRate:    encodeDecimal(item.TaxRate),
			Tax:        item.Tax,
			Subtotal:   item.Subtotal,
			Attributes: cloneStringMap(item.Attributes),
		})
	}
	if order.Promotion != nil {
		doc.Promotion = &orderPromotionDocument{
			PromotionID:    order.Promotion.PromotionID,
			Code:           order.Promotion.Code,
			DiscountAmount: order.Promotion.DiscountAmount,
		}
	}
	if order.Shipping != nil {
		doc.Shipping = &orderShippingDocument{
			Carrier:        order.Shipping.Carrier,
			TrackingNumber: order.Shipping.TrackingNumber,
			UpdatedAt:      order.Shipping.UpdatedAt.UTC(),
		}
	}
	for _, event := range order.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, orderStatusEventDocument{
			Status: string(event.Status),
			At:     event.At.UTC(),
			Note:   event.Note,
			Actor:  event.Actor,
		})
	}
	for _, note := range order.Notes {
		doc.Notes = append(doc.Notes, orderNoteDocument(note))
	}
	for _, refund := range order.Refunds {
		doc.Refunds = append(doc.Refunds, orderRefundDocument(refund))
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserID,
		GuestID:         d.GuestID,
		CartID:          d.CartID,
		Status:          domain.OrderStatus(d.Status),
		Currency:        d.Currency,
		Items:           make([]domain.OrderLineItem, 0, len(d.Items)),
		Totals:          domain.OrderTotals(d.Totals),
		ShippingAddress: *d.ShippingAddress.toDomain(),
		BillingAddress:  *d.BillingAddress.toDomain(),
		ShippingMethod:  d.ShippingMethod,
		Payment: domain.OrderPayment{
			Method:         d.Payment.Method,
			Status:         domain.OrderPaymentStatus(d.Payment.Status),
			PaymentID:      d.Payment.PaymentID,
			TransactionID:  d.Payment.TransactionID,
			PaidAt:         d.Payment.PaidAt,
			RefundedAmount: d.Payment.RefundedAmount,
		},
		ReservationID: d.ReservationID,
		CancelReason:  d.CancelReason,
		Metadata:      cloneAnyMap(d.Metadata),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		PaidAt:        d.PaidAt,
		ShippedAt:     d.ShippedAt,
		DeliveredAt:   d.DeliveredAt,
		CancelledAt:   d.CancelledAt,
		RefundedAt:    d.RefundedAt,
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TaxRate:    decodeDecimal(item.TaxRate),
			Tax:        item.Tax,
			Subtotal:   item.Subtotal,
			Attributes: cloneStringMap(item.Attributes),
		})
	}
	if d.Promotion != nil {
		order.Promotion = &domain.OrderPromotion{
			PromotionID:    d.Promotion.PromotionID,
			Code:           d.Promotion.Code,
			DiscountAmount: d.Promotion.DiscountAmount,
		}
	}
	if d.Shipping != nil {
		order.Shipping = &domain.OrderShipping{
			Carrier:        d.Shipping.Carrier,
			TrackingNumber: d.Shipping.TrackingNumber,
			UpdatedAt:      d.Shipping.UpdatedAt,
		}
	}
	for _, event := range d.StatusHistory {
		order.StatusHistory = append(order.StatusHistory, domain.OrderStatusEvent{
			Status: domain.OrderStatus(event.Status),
			At:     event.At,
			Note:   event.Note,
			Actor:  event.Actor,
		})
	}
	for _, note := range d.Notes {
		order.Notes = append(order.Notes, domain.OrderNote(note))
	}
	for _, refund := range d.Refunds {
		order.Refunds = append(order.Refunds, domain.OrderRefund(refund))
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
