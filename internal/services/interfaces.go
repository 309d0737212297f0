package services

import (
	"context"
	"net/http"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination               = domain.Pagination
	OwnerKey                 = domain.OwnerKey
	Address                  = domain.Address
	Product                  = domain.Product
	Cart                     = domain.Cart
	CartItem                 = domain.CartItem
	CartPromotion            = domain.CartPromotion
	CartEstimate             = domain.CartEstimate
	PricingBreakdown         = domain.PricingBreakdown
	ItemPricingBreakdown     = domain.ItemPricingBreakdown
	DiscountBreakdown        = domain.DiscountBreakdown
	Order                    = domain.Order
	OrderStatus              = domain.OrderStatus
	OrderTotals              = domain.OrderTotals
	OrderLineItem            = domain.OrderLineItem
	OrderNote                = domain.OrderNote
	Payment                  = domain.Payment
	Promotion                = domain.Promotion
	PromotionUsage           = domain.PromotionUsage
	InventoryReservation     = domain.InventoryReservation
	InventoryReservationLine = domain.InventoryReservationLine
	InventoryStock           = domain.InventoryStock
	SystemHealthReport       = domain.SystemHealthReport
)

// CartService manages the shopper's mutable cart and keeps its estimate current.
type CartService interface {
	GetOrCreate(ctx context.Context, owner OwnerKey) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, owner OwnerKey, itemID string) (Cart, error)
	Clear(ctx context.Context, owner OwnerKey) (Cart, error)
	ApplyCoupon(ctx context.Context, owner OwnerKey, code string) (Cart, error)
	RemoveCoupon(ctx context.Context, owner OwnerKey) (Cart, error)
	UpdateCheckout(ctx context.Context, cmd CartCheckoutCommand) (Cart, error)
}

// PromotionService validates codes against carts and administers promotion definitions.
type PromotionService interface {
	Validate(ctx context.Context, cmd ValidatePromotionCommand) (PromotionEvaluation, error)
	// Evaluate re-checks the cart's applied coupon, or picks the best automatic promotion when
	// no coupon is applied. It returns nil when nothing applies and a *PromotionError when the
	// applied coupon no longer qualifies.
	Evaluate(ctx context.Context, cart Cart) (*PromotionEvaluation, error)
	Create(ctx context.Context, cmd CreatePromotionCommand) (Promotion, error)
	GetByCode(ctx context.Context, code string) (Promotion, error)
}

// OrderService converts carts into orders and drives the order state machine.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, access OrderAccess) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error)
	UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error)
	ProcessRefund(ctx context.Context, cmd OrderRefundCommand) (Order, error)
	MarkPaid(ctx context.Context, cmd MarkOrderPaidCommand) (Order, error)
}

// PaymentService creates gateway intents, confirms payments and reconciles webhooks.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (PaymentIntent, error)
	Verify(ctx context.Context, cmd VerifyPaymentCommand) (Payment, error)
	HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) (WebhookResult, error)
	Refund(ctx context.Context, cmd PaymentRefundCommand) (Payment, error)
}

// PaymentRefunder is the slice of PaymentService the order service delegates refunds to.
type PaymentRefunder interface {
	Refund(ctx context.Context, cmd PaymentRefundCommand) (Payment, error)
}

// OrderFinalizer is the slice of OrderService used to finalise captured payments.
type OrderFinalizer interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	MarkPaid(ctx context.Context, cmd MarkOrderPaidCommand) (Order, error)
}

// InventoryService manages stock reservations for orders.
type InventoryService interface {
	GetStock(ctx context.Context, sku string) (InventoryStock, error)
	Reserve(ctx context.Context, cmd InventoryReserveCommand) (InventoryReservation, error)
	CommitReservation(ctx context.Context, cmd InventoryCommitCommand) (InventoryReservation, error)
	ReleaseReservation(ctx context.Context, cmd InventoryReleaseCommand) (InventoryReservation, error)
	Restock(ctx context.Context, cmd InventoryReleaseCommand) (InventoryReservation, error)
	ListLowStock(ctx context.Context, filter InventoryLowStockFilter) (domain.CursorPage[InventoryStock], error)
	UpsertStock(ctx context.Context, cmd UpsertStockCommand) (InventoryStock, error)
}

// CounterService issues human-facing sequence numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// SystemService reports health and runs maintenance jobs.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	SweepExpiredReservations(ctx context.Context, cmd SweepReservationsCommand) (SweepResult, error)
}

// Command and DTO definitions ------------------------------------------------

type AddCartItemCommand struct {
	Owner      OwnerKey
	ProductID  string
	VariantID  string
	Quantity   int
	Attributes map[string]string
}

type UpdateCartItemCommand struct {
	Owner    OwnerKey
	ItemID   string
	Quantity int
}

type CartCheckoutCommand struct {
	Owner           OwnerKey
	ShippingAddress *Address
	BillingAddress  *Address
	ShippingMethod  string
	Notes           string
}

type ValidatePromotionCommand struct {
	Code  string
	Cart  Cart
	Owner OwnerKey
}

// PromotionEvaluation is the discount a promotion yields for a cart.
type PromotionEvaluation struct {
	Promotion    Promotion
	Discount     int64
	FreeShipping bool
	Breakdown    []DiscountBreakdown
}

type CreatePromotionCommand struct {
	Promotion Promotion
	ActorID   string
}

type OrderListFilter struct {
	UserID     string
	Status     []OrderStatus
	Pagination Pagination
}

// OrderAccess describes who is reading or mutating an order. AnyOwner bypasses the ownership
// check for staff and admin actors.
type OrderAccess struct {
	Owner    OwnerKey
	AnyOwner bool
}

type CreateOrderCommand struct {
	Owner           OwnerKey
	ShippingAddress *Address
	BillingAddress  *Address
	ShippingMethod  string
	PaymentMethod   string
	Notes           string
	ActorID         string
	// Set when a captured payment creates the order: the cart must still match what was paid.
	CartFingerprint  string
	ExpectedTotal    int64
	ExpectedCurrency string
}

type OrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	Note    string
	ActorID string
}

type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
	Access  OrderAccess
}

type AddOrderNoteCommand struct {
	OrderID string
	Body    string
	Public  bool
	ActorID string
	Access  OrderAccess
}

type UpdateShippingCommand struct {
	OrderID        string
	Carrier        string
	TrackingNumber string
	ActorID        string
}

// OrderRefundCommand refunds an order's payment. Full refunds the remaining captured amount and
// ignores Amount.
type OrderRefundCommand struct {
	OrderID string
	Amount  int64
	Full    bool
	Reason  string
	ActorID string
}

type MarkOrderPaidCommand struct {
	OrderID       string
	PaymentID     string
	TransactionID string
	Method        string
	PaidAt        time.Time
	// Amount and Currency are what the gateway captured. A non-zero Amount must equal the order total.
	Amount   int64
	Currency string
}

type CreateIntentCommand struct {
	Owner          OwnerKey
	OrderID        string
	Provider       string
	IdempotencyKey string
}

// PaymentIntent pairs the local payment record with the gateway handle for the client.
type PaymentIntent struct {
	Payment Payment
	Intent  payments.Intent
	Reused  bool
}

type VerifyPaymentCommand struct {
	Provider         string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Owner            OwnerKey
}

type PaymentWebhookCommand struct {
	Provider string
	Payload  []byte
	Headers  http.Header
}

// WebhookResult reports how a verified webhook delivery was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	Duplicate bool
	Ignored   bool
	PaymentID string
}

// PaymentRefundCommand refunds a captured payment. Full refunds the remaining refundable amount.
type PaymentRefundCommand struct {
	PaymentID string
	Amount    int64
	Full      bool
	Reason    string
	ActorID   string
}

type InventoryReserveCommand struct {
	OrderRef string
	UserRef  string
	Lines    []InventoryReservationLine
	TTL      time.Duration
}

type InventoryCommitCommand struct {
	ReservationID string
	OrderRef      string
}

type InventoryReleaseCommand struct {
	ReservationID string
	Reason        string
}

type InventoryLowStockFilter struct {
	Pagination Pagination
}

type UpsertStockCommand struct {
	SKU               string
	ProductID         string
	OnHand            *int
	LowStockThreshold *int
}

type SweepReservationsCommand struct {
	Limit int
}

// SweepResult summarises an expiry sweep.
type SweepResult struct {
	Examined  int
	Cancelled []string
	Failed    map[string]string
}
