package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is a generic paginated response container.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OwnerKey identifies who a cart or payment belongs to. Exactly one of UserID or GuestID is set.
type OwnerKey struct {
	UserID  string
	GuestID string
}

// IsZero reports whether neither a user nor a guest identifier is present.
func (k OwnerKey) IsZero() bool {
	return k.UserID == "" && k.GuestID == ""
}

// IsGuest reports whether the key refers to an unauthenticated shopper.
func (k OwnerKey) IsGuest() bool {
	return k.UserID == "" && k.GuestID != ""
}

// Address represents postal address and contact details captured at checkout.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
	Email      *string
}

// Product is the catalog read model consumed by the cart.
type Product struct {
	ID          string
	SKU         string
	Name        string
	Price       int64
	Currency    string
	TaxRate     decimal.Decimal
	CategoryIDs []string
	Variants    []ProductVariant
	Active      bool
	UpdatedAt   time.Time
}

// ProductVariant overrides sku and optionally price for a product option.
type ProductVariant struct {
	ID         string
	SKU        string
	Name       string
	Price      *int64
	Attributes map[string]string
}

// Cart aggregates the mutable shopping cart state for a user or guest.
type Cart struct {
	ID              string
	UserID          string
	GuestID         string
	Currency        string
	Items           []CartItem
	Promotion       *CartPromotion
	Estimate        *CartEstimate
	ShippingAddress *Address
	BillingAddress  *Address
	ShippingMethod  string
	Notes           string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Owner returns the owner key of the cart.
func (c Cart) Owner() OwnerKey {
	return OwnerKey{UserID: c.UserID, GuestID: c.GuestID}
}

// CartPromotion captures the applied promotion snapshot.
type CartPromotion struct {
	PromotionID    string
	Code           string
	Kind           PromotionKind
	DiscountAmount int64
	FreeShipping   bool
	Applied        bool
}

// CartItem stores a single product/variant line within a cart.
type CartItem struct {
	ID          string
	ProductID   string
	VariantID   string
	SKU         string
	Name        string
	CategoryIDs []string
	Quantity    int
	UnitPrice   int64
	Currency    string
	TaxRate     decimal.Decimal
	Attributes  map[string]string
	AddedAt     time.Time
	UpdatedAt   *time.Time
}

// CartEstimate summarizes totals calculated for the cart.
type CartEstimate struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// OrderPaymentStatus is the payment sub-record status stored on the order.
type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

// Order captures the immutable purchase snapshot plus its status-driven lifecycle.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	GuestID         string
	CartID          string
	Status          OrderStatus
	Currency        string
	Items           []OrderLineItem
	Totals          OrderTotals
	Promotion       *OrderPromotion
	ShippingAddress Address
	BillingAddress  Address
	ShippingMethod  string
	Payment         OrderPayment
	Shipping        *OrderShipping
	StatusHistory   []OrderStatusEvent
	Notes           []OrderNote
	Refunds         []OrderRefund
	ReservationID   string
	CancelReason    *string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	RefundedAt      *time.Time
}

// Owner returns the owner key of the order.
func (o Order) Owner() OwnerKey {
	return OwnerKey{UserID: o.UserID, GuestID: o.GuestID}
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderLineItem mirrors cart items at the time of checkout.
type OrderLineItem struct {
	ProductID  string
	VariantID  string
	SKU        string
	Name       string
	Quantity   int
	UnitPrice  int64
	TaxRate    decimal.Decimal
	Tax        int64
	Subtotal   int64
	Attributes map[string]string
}

// OrderPromotion records the promotion effect frozen into the order.
type OrderPromotion struct {
	PromotionID    string
	Code           string
	DiscountAmount int64
}

// OrderPayment is the payment sub-record embedded in the order.
type OrderPayment struct {
	Method         string
	Status         OrderPaymentStatus
	PaymentID      string
	TransactionID  string
	PaidAt         *time.Time
	RefundedAmount int64
}

// OrderShipping holds carrier details once fulfilment starts.
type OrderShipping struct {
	Carrier        string
	TrackingNumber string
	UpdatedAt      time.Time
}

// OrderStatusEvent is an append-only entry of the status history.
type OrderStatusEvent struct {
	Status OrderStatus
	At     time.Time
	Note   string
	Actor  string
}

// OrderNote is an append-only note flagged public or internal.
type OrderNote struct {
	ID        string
	Body      string
	Public    bool
	Author    string
	CreatedAt time.Time
}

// OrderRefund records a refund applied against the order's payment.
type OrderRefund struct {
	ID        string
	Amount    int64
	Reason    string
	Full      bool
	Actor     string
	CreatedAt time.Time
}

// PaymentStatus enumerates gateway payment record states.
type PaymentStatus string

const (
	PaymentStatusCreated           PaymentStatus = "created"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusExpired           PaymentStatus = "expired"
)

// Payment is the local record of a gateway-side payment intent.
type Payment struct {
	ID               string
	Provider         string
	GatewayOrderID   string
	GatewayPaymentID string
	CartID           string
	// CartFingerprint pins the cart contents an intent was priced from.
	CartFingerprint string
	OrderID         string
	UserID          string
	GuestID         string
	Receipt         string
	Amount          int64
	Currency        string
	Status          PaymentStatus
	CapturedAmount  int64
	RefundedAmount  int64
	Refunds         []PaymentRefund
	FailureReason   string
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CapturedAt      *time.Time
	FailedAt        *time.Time
}

// Refundable returns the amount still available for refunds.
func (p Payment) Refundable() int64 {
	remaining := p.CapturedAmount - p.RefundedAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PaymentRefund stores one refund issued through the gateway.
type PaymentRefund struct {
	ID              string
	GatewayRefundID string
	Amount          int64
	Reason          string
	CreatedAt       time.Time
}

// PaymentEvent records a processed gateway webhook delivery keyed by event id.
type PaymentEvent struct {
	ID         string
	Provider   string
	Type       string
	PaymentID  string
	ReceivedAt time.Time
}

// PromotionKind enumerates supported discount rules.
type PromotionKind string

const (
	PromotionKindPercentage         PromotionKind = "percentage"
	PromotionKindFixedAmount        PromotionKind = "fixed_amount"
	PromotionKindFreeShipping       PromotionKind = "free_shipping"
	PromotionKindBuyXGetY           PromotionKind = "buy_x_get_y"
	PromotionKindProductPercentage  PromotionKind = "product_percentage"
	PromotionKindProductFixed       PromotionKind = "product_fixed"
	PromotionKindCategoryPercentage PromotionKind = "category_percentage"
	PromotionKindCategoryFixed      PromotionKind = "category_fixed"
)

// CustomerType restricts which shoppers may use a promotion.
type CustomerType string

const (
	CustomerTypeAll      CustomerType = "all"
	CustomerTypeNew      CustomerType = "new"
	CustomerTypeExisting CustomerType = "existing"
)

// Promotion describes a discount rule and its eligibility constraints.
type Promotion struct {
	ID                   string
	Code                 string
	Automatic            bool
	Name                 string
	Description          string
	Kind                 PromotionKind
	Percent              decimal.Decimal
	Amount               int64
	MaxDiscount          *int64
	MinOrderValue        int64
	MinItemCount         int
	CustomerType         CustomerType
	ValidFrom            time.Time
	ValidUntil           *time.Time
	UsageLimit           int
	UsageLimitPerUser    int
	UsageCount           int
	ApplicableProducts   []string
	ApplicableCategories []string
	BuyXGetY             *BuyXGetY
	Active               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BuyXGetY configures a buy-X-get-Y promotion.
type BuyXGetY struct {
	BuyQuantity     int
	GetQuantity     int
	DiscountPercent decimal.Decimal
}

// PromotionUsage aggregates per-user promotion usage metrics.
type PromotionUsage struct {
	UserID     string
	Times      int
	LastUsedAt time.Time
	OrderRefs  []string
}

// InventoryReservationStatus enumerates reservation lifecycle states.
type InventoryReservationStatus string

const (
	InventoryReservationReserved  InventoryReservationStatus = "reserved"
	InventoryReservationCommitted InventoryReservationStatus = "committed"
	InventoryReservationReleased  InventoryReservationStatus = "released"
)

// InventoryReservationLine stores per-SKU quantities for a reservation.
type InventoryReservationLine struct {
	ProductID string
	VariantID string
	SKU       string
	Quantity  int
}

// InventoryReservation holds temporary or committed stock reservations.
type InventoryReservation struct {
	ID        string
	OrderRef  string
	UserRef   string
	Status    InventoryReservationStatus
	Lines     []InventoryReservationLine
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InventoryStock represents stock counters tracked per SKU.
type InventoryStock struct {
	SKU               string
	ProductID         string
	OnHand            int
	Reserved          int
	Available         int
	LowStockThreshold int
	UpdatedAt         time.Time
}

// IsLow reports whether available stock is at or below the low-stock threshold.
func (s InventoryStock) IsLow() bool {
	return s.OnHand-s.Reserved <= s.LowStockThreshold
}

// InventoryStockEvent captures stock adjustments for downstream consumers.
type InventoryStockEvent struct {
	Type          string
	ReservationID string
	OrderRef      string
	SKU           string
	ProductID     string
	DeltaOnHand   int
	DeltaReserved int
	OnHand        int
	Reserved      int
	Available     int
	Threshold     int
	OccurredAt    time.Time
}

// SystemHealthStatus enumerates aggregated health outcomes.
type SystemHealthStatus string

const (
	HealthStatusOK       SystemHealthStatus = "ok"
	HealthStatusDegraded SystemHealthStatus = "degraded"
	HealthStatusError    SystemHealthStatus = "error"
)

// SystemHealthCheck captures one dependency check.
type SystemHealthCheck struct {
	Status    SystemHealthStatus
	Latency   time.Duration
	Detail    string
	Error     string
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency checks.
type SystemHealthReport struct {
	Status      SystemHealthStatus
	Version     string
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
