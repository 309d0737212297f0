package repositories

import (
	"context"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Inventory() InventoryRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	PaymentEvents() PaymentEventRepository
	Promotions() PromotionRepository
	PromotionUsage() PromotionUsageRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repositories invoked with the context passed to fn join the surrounding transaction. All reads
// must happen before the first write inside fn.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository is the catalog read model consumed by the cart.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// CartRepository persists one cart document per owner key.
type CartRepository interface {
	Get(ctx context.Context, owner domain.OwnerKey) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) (domain.Cart, error)
}

// InventoryRepository manages stock levels and reservation lifecycle with transactional guarantees.
type InventoryRepository interface {
	Reserve(ctx context.Context, req InventoryReserveRequest) (InventoryReserveResult, error)
	Commit(ctx context.Context, req InventoryCommitRequest) (InventoryCommitResult, error)
	Release(ctx context.Context, req InventoryReleaseRequest) (InventoryReleaseResult, error)
	Restock(ctx context.Context, req InventoryRestockRequest) (InventoryRestockResult, error)
	GetReservation(ctx context.Context, reservationID string) (domain.InventoryReservation, error)
	GetStock(ctx context.Context, sku string) (domain.InventoryStock, error)
	UpsertStock(ctx context.Context, req InventoryStockUpdate) (domain.InventoryStock, error)
	ListLowStock(ctx context.Context, query InventoryLowStockQuery) (domain.CursorPage[domain.InventoryStock], error)
}

// InventoryReserveRequest encapsulates reservation creation metadata for the repository.
type InventoryReserveRequest struct {
	Reservation domain.InventoryReservation
	Now         time.Time
}

// InventoryReserveResult returns the saved reservation and updated stock projections.
type InventoryReserveResult struct {
	Reservation domain.InventoryReservation
	Stocks      map[string]domain.InventoryStock
}

// InventoryCommitRequest finalises a reservation and decrements on-hand counts.
type InventoryCommitRequest struct {
	ReservationID string
	OrderRef      string
	Now           time.Time
}

// InventoryCommitResult reports the updated reservation and stock metrics after commit.
type InventoryCommitResult struct {
	Reservation domain.InventoryReservation
	Stocks      map[string]domain.InventoryStock
}

// InventoryReleaseRequest restores reserved stock back to availability.
type InventoryReleaseRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
}

// InventoryReleaseResult reports the reservation and stock metrics after release.
type InventoryReleaseResult struct {
	Reservation domain.InventoryReservation
	Stocks      map[string]domain.InventoryStock
}

// InventoryRestockRequest returns committed quantities to on-hand stock, e.g. after a full refund.
type InventoryRestockRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
}

// InventoryRestockResult reports the stock metrics after a restock.
type InventoryRestockResult struct {
	Reservation domain.InventoryReservation
	Stocks      map[string]domain.InventoryStock
}

// InventoryStockUpdate sets absolute on-hand and threshold values for a SKU.
type InventoryStockUpdate struct {
	SKU               string
	ProductID         string
	OnHand            *int
	LowStockThreshold *int
	Now               time.Time
}

// InventoryLowStockQuery controls pagination for low stock listings.
type InventoryLowStockQuery struct {
	PageSize  int
	PageToken string
}

// OrderRepository persists order documents and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	CountByUser(ctx context.Context, userID string) (int, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

// PaymentRepository stores local payment intent records.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByGatewayOrderID(ctx context.Context, provider string, gatewayOrderID string) (domain.Payment, error)
	FindOpen(ctx context.Context, filter OpenPaymentFilter) (domain.Payment, error)
	// ListOpenByOrder returns every created or authorized payment linked to the order.
	ListOpenByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// OpenPaymentFilter locates an outstanding created/authorized intent for a cart or order.
type OpenPaymentFilter struct {
	Provider string
	CartID   string
	OrderID  string
	Amount   int64
	Currency string
	// CartFingerprint narrows cart intents to the exact cart contents they were priced from.
	CartFingerprint string
}

// PaymentEventRepository remembers processed webhook deliveries by event id.
type PaymentEventRepository interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	// Record stores the event. It returns a conflict error when the id was already recorded.
	Record(ctx context.Context, event domain.PaymentEvent) error
}

// PromotionRepository maintains promotion definitions.
type PromotionRepository interface {
	Insert(ctx context.Context, promotion domain.Promotion) error
	FindByCode(ctx context.Context, code string) (domain.Promotion, error)
	FindByID(ctx context.Context, promotionID string) (domain.Promotion, error)
	ListAutomatic(ctx context.Context, now time.Time) ([]domain.Promotion, error)
	AdjustUsage(ctx context.Context, promotionID string, delta int) error
}

// PromotionUsageRepository records per-user usage counts to enforce limits.
type PromotionUsageRepository interface {
	Get(ctx context.Context, promotionID string, userID string) (domain.PromotionUsage, error)
	Adjust(ctx context.Context, promotionID string, userID string, delta int, orderRef string, now time.Time) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
