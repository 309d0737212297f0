package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/bazaar-commerce/api/internal/domain"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const paymentsCollection = "payments"

var openPaymentStatuses = []string{
	string(domain.PaymentStatusCreated),
	string(domain.PaymentStatusAuthorized),
}

// PaymentRepository stores the local record of gateway payment intents.
type PaymentRepository struct {
	base *pfirestore.Collection[paymentDocument]
}

func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		base: pfirestore.NewCollection[paymentDocument](provider, paymentsCollection, nil, nil),
	}, nil
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.base == nil {
		return errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(payment.ID)
	if id == "" {
		return errors.New("payment repository: payment id is required")
	}
	return r.base.Create(ctx, id, newPaymentDocument(payment))
}

func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.base == nil {
		return errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(payment.ID)
	if id == "" {
		return errors.New("payment repository: payment id is required")
	}
	_, err := r.base.Set(ctx, id, newPaymentDocument(payment))
	return err
}

func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByGatewayOrderID resolves the local payment from the gateway's order or session identifier.
func (r *PaymentRepository) FindByGatewayOrderID(ctx context.Context, provider string, gatewayOrderID string) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		return domain.Payment{}, errors.New("payment repository: gateway order id is required")
	}
	doc, err := r.base.First(ctx, "payment for gateway order "+gatewayOrderID, func(q firestore.Query) firestore.Query {
		q = q.Where("gatewayOrderId", "==", gatewayOrderID)
		if p := strings.TrimSpace(provider); p != "" {
			q = q.Where("provider", "==", p)
		}
		return q
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindOpen returns the newest created or authorized payment matching the filter.
func (r *PaymentRepository) FindOpen(ctx context.Context, filter repositories.OpenPaymentFilter) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	doc, err := r.base.First(ctx, "open payment", func(q firestore.Query) firestore.Query {
		if v := strings.TrimSpace(filter.Provider); v != "" {
			q = q.Where("provider", "==", v)
		}
		if v := strings.TrimSpace(filter.CartID); v != "" {
			q = q.Where("cartId", "==", v)
		}
		if v := strings.TrimSpace(filter.OrderID); v != "" {
			q = q.Where("orderId", "==", v)
		}
		if filter.Amount > 0 {
			q = q.Where("amount", "==", filter.Amount)
		}
		if v := strings.TrimSpace(filter.Currency); v != "" {
			q = q.Where("currency", "==", strings.ToUpper(v))
		}
		if v := strings.TrimSpace(filter.CartFingerprint); v != "" {
			q = q.Where("cartFingerprint", "==", v)
		}
		return q.Where("status", "in", openPaymentStatuses).
			OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListOpenByOrder returns the order's created and authorized payments, oldest first.
func (r *PaymentRepository) ListOpenByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("payment repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("payment repository: order id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).
			Where("status", "in", openPaymentStatuses).
			OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

type paymentDocument struct {
	Provider         string                  `firestore:"provider"`
	GatewayOrderID   string                  `firestore:"gatewayOrderId"`
	GatewayPaymentID string                  `firestore:"gatewayPaymentId,omitempty"`
	CartID           string                  `firestore:"cartId,omitempty"`
	CartFingerprint  string                  `firestore:"cartFingerprint,omitempty"`
	OrderID          string                  `firestore:"orderId,omitempty"`
	UserID           string                  `firestore:"userId,omitempty"`
	GuestID          string                  `firestore:"guestId,omitempty"`
	Receipt          string                  `firestore:"receipt,omitempty"`
	Amount           int64                   `firestore:"amount"`
	Currency         string                  `firestore:"currency"`
	Status           string                  `firestore:"status"`
	CapturedAmount   int64                   `firestore:"capturedAmount"`
	RefundedAmount   int64                   `firestore:"refundedAmount"`
	Refunds          []paymentRefundDocument `firestore:"refunds,omitempty"`
	FailureReason    string                  `firestore:"failureReason,omitempty"`
	Metadata         map[string]string       `firestore:"metadata,omitempty"`
	CreatedAt        time.Time               `firestore:"createdAt"`
	UpdatedAt        time.Time               `firestore:"updatedAt"`
	CapturedAt       *time.Time              `firestore:"capturedAt,omitempty"`
	FailedAt         *time.Time              `firestore:"failedAt,omitempty"`
}

type paymentRefundDocument struct {
	ID              string    `firestore:"id"`
	GatewayRefundID string    `firestore:"gatewayRefundId"`
	Amount          int64     `firestore:"amount"`
	Reason          string    `firestore:"reason,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt"`
}

func newPaymentDocument(p domain.Payment) paymentDocument {
	doc := paymentDocument{
		Provider:         strings.TrimSpace(p.Provider),
		GatewayOrderID:   strings.TrimSpace(p.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(p.GatewayPaymentID),
		CartID:           p.CartID,
		CartFingerprint:  p.CartFingerprint,
		OrderID:          p.OrderID,
		UserID:           p.UserID,
		GuestID:          p.GuestID,
		Receipt:          p.Receipt,
		Amount:           p.Amount,
		Currency:         strings.ToUpper(p.Currency),
		Status:           string(p.Status),
		CapturedAmount:   p.CapturedAmount,
		RefundedAmount:   p.RefundedAmount,
		FailureReason:    p.FailureReason,
		Metadata:         cloneStringMap(p.Metadata),
		CreatedAt:        p.CreatedAt.UTC(),
		UpdatedAt:        p.UpdatedAt.UTC(),
		CapturedAt:       p.CapturedAt,
		FailedAt:         p.FailedAt,
	}
	for _, refund := range p.Refunds {
		doc.Refunds = append(doc.Refunds, paymentRefundDocument(refund))
	}
	return doc
}

func (d paymentDocument) toDomain(id string) domain.Payment {
	payment := domain.Payment{
		ID:               id,
		Provider:         d.Provider,
		GatewayOrderID:   d.GatewayOrderID,
		GatewayPaymentID: d.GatewayPaymentID,
		CartID:           d.CartID,
		CartFingerprint:  d.CartFingerprint,
		OrderID:          d.OrderID,
		UserID:           d.UserID,
		GuestID:          d.GuestID,
		Receipt:          d.Receipt,
		Amount:           d.Amount,
		Currency:         d.Currency,
		Status:           domain.PaymentStatus(d.Status),
		CapturedAmount:   d.CapturedAmount,
		RefundedAmount:   d.RefundedAmount,
		FailureReason:    d.FailureReason,
		Metadata:         cloneStringMap(d.Metadata),
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		CapturedAt:       d.CapturedAt,
		FailedAt:         d.FailedAt,
	}
	for _, refund := range d.Refunds {
		payment.Refunds = append(payment.Refunds, domain.PaymentRefund(refund))
	}
	return payment
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)
