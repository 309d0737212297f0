package handlers

import (
	"strings"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/services"
)

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
	Email      *string `json:"email,omitempty"`
}

func (p *addressPayload) toDomain() *domain.Address {
	if p == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  strings.TrimSpace(p.Recipient),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      p.Line2,
		City:       strings.TrimSpace(p.City),
		State:      p.State,
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(p.Country)),
		Phone:      p.Phone,
		Email:      p.Email,
	}
}

func buildAddressPayload(addr *domain.Address) *addressPayload {
	if addr == nil || (addr.Line1 == "" && addr.Recipient == "") {
		return nil
	}
	return &addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
		Email:      addr.Email,
	}
}

type estimatePayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Tax      int64 `json:"tax"`
	Shipping int64 `json:"shipping"`
	Total    int64 `json:"total"`
}

type cartItemPayload struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"product_id"`
	VariantID  string            `json:"variant_id,omitempty"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	Quantity   int               `json:"quantity"`
	UnitPrice  int64             `json:"unit_price"`
	Subtotal   int64             `json:"subtotal"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type cartPromotionPayload struct {
	Code           string `json:"code,omitempty"`
	Kind           string `json:"kind"`
	DiscountAmount int64  `json:"discount_amount"`
	FreeShipping   bool   `json:"free_shipping,omitempty"`
	Automatic      bool   `json:"automatic,omitempty"`
}

type cartPayload struct {
	ID              string                `json:"id"`
	Currency        string                `json:"currency"`
	Guest           bool                  `json:"guest"`
	ItemsCount      int                   `json:"items_count"`
	Items           []cartItemPayload     `json:"items"`
	Promotion       *cartPromotionPayload `json:"promotion,omitempty"`
	Estimate        *estimatePayload      `json:"estimate,omitempty"`
	ShippingAddress *addressPayload       `json:"shipping_address,omitempty"`
	BillingAddress  *addressPayload       `json:"billing_address,omitempty"`
	ShippingMethod  string                `json:"shipping_method,omitempty"`
	Notes           string                `json:"notes,omitempty"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:              cart.ID,
		Currency:        strings.ToUpper(cart.Currency),
		Guest:           cart.Owner().IsGuest(),
		ItemsCount:      len(cart.Items),
		Items:           make([]cartItemPayload, 0, len(cart.Items)),
		ShippingAddress: buildAddressPayload(cart.ShippingAddress),
		BillingAddress:  buildAddressPayload(cart.BillingAddress),
		ShippingMethod:  cart.ShippingMethod,
		Notes:           cart.Notes,
		UpdatedAt:       formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		payload.Items = append(payload.Items, cartItemPayload{
			ID:         item.ID,
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Subtotal:   item.UnitPrice * int64(item.Quantity),
			Attributes: item.Attributes,
		})
	}
	if promo := cart.Promotion; promo != nil && promo.Applied {
		payload.Promotion = &cartPromotionPayload{
			Code:           promo.Code,
			Kind:           string(promo.Kind),
			DiscountAmount: promo.DiscountAmount,
			FreeShipping:   promo.FreeShipping,
			Automatic:      promo.Code == "",
		}
	}
	if est := cart.Estimate; est != nil {
		payload.Estimate = &estimatePayload{
			Subtotal: est.Subtotal,
			Discount: est.Discount,
			Tax:      est.Tax,
			Shipping: est.Shipping,
			Total:    est.Total,
		}
	}
	return payload
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	TaxRate   string `json:"tax_rate"`
	Tax       int64  `json:"tax"`
	Subtotal  int64  `json:"subtotal"`
}

type orderPaymentPayload struct {
	Method         string `json:"method,omitempty"`
	Status         string `json:"status"`
	PaymentID      string `json:"payment_id,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
	PaidAt         string `json:"paid_at,omitempty"`
	RefundedAmount int64  `json:"refunded_amount,omitempty"`
}

type orderShippingPayload struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	UpdatedAt      string `json:"updated_at"`
}

type orderStatusEventPayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Note   string `json:"note,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

type orderNotePayload struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Public    bool   `json:"public"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"created_at"`
}

type orderRefundPayload struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	Full      bool   `json:"full"`
	CreatedAt string `json:"created_at"`
}

type orderPromotionPayload struct {
	Code           string `json:"code,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
}

type orderPayload struct {
	ID              string                    `json:"id"`
	OrderNumber     string                    `json:"order_number"`
	Status          string                    `json:"status"`
	Currency        string                    `json:"currency"`
	Items           []orderItemPayload        `json:"items"`
	Totals          estimatePayload           `json:"totals"`
	Promotion       *orderPromotionPayload    `json:"promotion,omitempty"`
	ShippingAddress *addressPayload           `json:"shipping_address,omitempty"`
	BillingAddress  *addressPayload           `json:"billing_address,omitempty"`
	ShippingMethod  string                    `json:"shipping_method,omitempty"`
	Payment         orderPaymentPayload       `json:"payment"`
	Shipping        *orderShippingPayload     `json:"shipping,omitempty"`
	StatusHistory   []orderStatusEventPayload `json:"status_history"`
	Notes           []orderNotePayload        `json:"notes,omitempty"`
	Refunds         []orderRefundPayload      `json:"refunds,omitempty"`
	CancelReason    string                    `json:"cancel_reason,omitempty"`
	CreatedAt       string                    `json:"created_at"`
	UpdatedAt       string                    `json:"updated_at"`
	PaidAt          string                    `json:"paid_at,omitempty"`
	ShippedAt       string                    `json:"shipped_at,omitempty"`
	DeliveredAt     string                    `json:"delivered_at,omitempty"`
	CancelledAt     string                    `json:"cancelled_at,omitempty"`
	RefundedAt      string                    `json:"refunded_at,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		Status:          string(order.Status),
		Currency:        order.Currency,
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: buildAddressPayload(&order.ShippingAddress),
		BillingAddress:  buildAddressPayload(&order.BillingAddress),
		ShippingMethod:  order.ShippingMethod,
		Totals: estimatePayload{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Tax:      order.Totals.Tax,
			Shipping: order.Totals.Shipping,
			Total:    order.Totals.Total,
		},
		Payment: orderPaymentPayload{
			Method:         order.Payment.Method,
			Status:         string(order.Payment.Status),
			PaymentID:      order.Payment.PaymentID,
			TransactionID:  order.Payment.TransactionID,
			PaidAt:         formatTimePtr(order.Payment.PaidAt),
			RefundedAmount: order.Payment.RefundedAmount,
		},
		StatusHistory: make([]orderStatusEventPayload, 0, len(order.StatusHistory)),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		PaidAt:        formatTimePtr(order.PaidAt),
		ShippedAt:     formatTimePtr(order.ShippedAt),
		DeliveredAt:   formatTimePtr(order.DeliveredAt),
		CancelledAt:   formatTimePtr(order.CancelledAt),
		RefundedAt:    formatTimePtr(order.RefundedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			TaxRate:   item.TaxRate.String(),
			Tax:       item.Tax,
			Subtotal:  item.Subtotal,
		})
	}
	if order.Promotion != nil {
		payload.Promotion = &orderPromotionPayload{Code: order.Promotion.Code, DiscountAmount: order.Promotion.DiscountAmount}
	}
	if order.Shipping != nil {
		payload.Shipping = &orderShippingPayload{
			Carrier:        order.Shipping.Carrier,
			TrackingNumber: order.Shipping.TrackingNumber,
			UpdatedAt:      formatTime(order.Shipping.UpdatedAt),
		}
	}
	for _, event := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, orderStatusEventPayload{
			Status: string(event.Status),
			At:     formatTime(event.At),
			Note:   event.Note,
			Actor:  event.Actor,
		})
	}
	for _, note := range order.Notes {
		payload.Notes = append(payload.Notes, orderNotePayload{
			ID:        note.ID,
			Body:      note.Body,
			Public:    note.Public,
			Author:    note.Author,
			CreatedAt: formatTime(note.CreatedAt),
		})
	}
	for _, refund := range order.Refunds {
		payload.Refunds = append(payload.Refunds, orderRefundPayload{
			ID:        refund.ID,
			Amount:    refund.Amount,
			Reason:    refund.Reason,
			Full:      refund.Full,
			CreatedAt: formatTime(refund.CreatedAt),
		})
	}
	if order.CancelReason != nil {
		payload.CancelReason = *order.CancelReason
	}
	return payload
}

type paymentPayload struct {
	ID               string `json:"id"`
	Provider         string `json:"provider"`
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	OrderID          string `json:"order_id,omitempty"`
	Receipt          string `json:"receipt,omitempty"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	CapturedAmount   int64  `json:"captured_amount"`
	RefundedAmount   int64  `json:"refunded_amount"`
	FailureReason    string `json:"failure_reason,omitempty"`
	CreatedAt        string `json:"created_at"`
	CapturedAt       string `json:"captured_at,omitempty"`
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		ID:               payment.ID,
		Provider:         payment.Provider,
		GatewayOrderID:   payment.GatewayOrderID,
		GatewayPaymentID: payment.GatewayPaymentID,
		OrderID:          payment.OrderID,
		Receipt:          payment.Receipt,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		Status:           string(payment.Status),
		CapturedAmount:   payment.CapturedAmount,
		RefundedAmount:   payment.RefundedAmount,
		FailureReason:    payment.FailureReason,
		CreatedAt:        formatTime(payment.CreatedAt),
		CapturedAt:       formatTimePtr(payment.CapturedAt),
	}
}

type stockPayload struct {
	SKU               string `json:"sku"`
	ProductID         string `json:"product_id,omitempty"`
	OnHand            int    `json:"on_hand"`
	Reserved          int    `json:"reserved"`
	Available         int    `json:"available"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

func buildStockPayload(stock services.InventoryStock) stockPayload {
	return stockPayload{
		SKU:               stock.SKU,
		ProductID:         stock.ProductID,
		OnHand:            stock.OnHand,
		Reserved:          stock.Reserved,
		Available:         stock.OnHand - stock.Reserved,
		LowStockThreshold: stock.LowStockThreshold,
		UpdatedAt:         formatTime(stock.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
