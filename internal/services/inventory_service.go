package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/platform/pagination"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	reservationIDPrefix   = "res_"
	defaultReservationTTL = 30 * time.Minute
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = newKindError("inventory: invalid input", ErrValidation)
	// ErrInventoryInsufficientStock indicates the requested quantity exceeds availability.
	ErrInventoryInsufficientStock = newKindError("inventory: insufficient stock", ErrOutOfStock)
	// ErrInventoryNotFound indicates the stock record or reservation could not be located.
	ErrInventoryNotFound = newKindError("inventory: not found", ErrNotFound)
	// ErrInventoryInvalidState indicates the reservation cannot transition due to its state.
	ErrInventoryInvalidState = newKindError("inventory: reservation state invalid", ErrConflict)
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory   repositories.InventoryRepository
	Events      EventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	eventEmitter
	repo  repositories.InventoryRepository
	clock func() time.Time
	newID func() string
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		eventEmitter: eventEmitter{publisher: deps.Events, newID: idGen, logger: logger},
		repo:         deps.Inventory,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

func (s *inventoryService) GetStock(ctx context.Context, sku string) (InventoryStock, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return InventoryStock{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	stock, err := s.repo.GetStock(ctx, sku)
	if err != nil {
		return InventoryStock{}, s.mapRepositoryError(err)
	}
	return stock, nil
}

// Reserve holds stock for every line or for none of them.
func (s *inventoryService) Reserve(ctx context.Context, cmd InventoryReserveCommand) (InventoryReservation, error) {
	lines, err := normaliseInventoryLines(cmd.Lines)
	if err != nil {
		return InventoryReservation{}, err
	}
	ttl := cmd.TTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	now := s.clock()
	reservation := InventoryReservation{
		ID:        reservationIDPrefix + s.newID(),
		OrderRef:  strings.TrimSpace(cmd.OrderRef),
		UserRef:   strings.TrimSpace(cmd.UserRef),
		Status:    domain.InventoryReservationReserved,
		Lines:     lines,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := s.repo.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: reservation, Now: now})
	if err != nil {
		return InventoryReservation{}, s.mapRepositoryError(err)
	}
	saved := result.Reservation
	if saved.ID == "" {
		saved = reservation
	}
	s.raiseLowStock(ctx, saved, result.Stocks, now)
	return saved, nil
}

func (s *inventoryService) CommitReservation(ctx context.Context, cmd InventoryCommitCommand) (InventoryReservation, error) {
	id := strings.TrimSpace(cmd.ReservationID)
	if id == "" {
		return InventoryReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}
	now := s.clock()
	result, err := s.repo.Commit(ctx, repositories.InventoryCommitRequest{
		ReservationID: id,
		OrderRef:      strings.TrimSpace(cmd.OrderRef),
		Now:           now,
	})
	if err != nil {
		return InventoryReservation{}, s.mapRepositoryError(err)
	}
	s.raiseLowStock(ctx, result.Reservation, result.Stocks, now)
	return result.Reservation, nil
}

// ReleaseReservation returns reserved quantities to availability. It is the compensating action
// for a reservation whose order never completed.
func (s *inventoryService) ReleaseReservation(ctx context.Context, cmd InventoryReleaseCommand) (InventoryReservation, error) {
	id := strings.TrimSpace(cmd.ReservationID)
	if id == "" {
		return InventoryReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}
	now := s.clock()
	result, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
		ReservationID: id,
		Reason:        strings.TrimSpace(cmd.Reason),
		Now:           now,
	})
	if err != nil {
		return InventoryReservation{}, s.mapRepositoryError(err)
	}
	s.raiseLowStock(ctx, result.Reservation, result.Stocks, now)
	return result.Reservation, nil
}

// Restock puts committed quantities back on hand.
func (s *inventoryService) Restock(ctx context.Context, cmd InventoryReleaseCommand) (InventoryReservation, error) {
	id := strings.TrimSpace(cmd.ReservationID)
	if id == "" {
		return InventoryReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}
	now := s.clock()
	result, err := s.repo.Restock(ctx, repositories.InventoryRestockRequest{
		ReservationID: id,
		Reason:        strings.TrimSpace(cmd.Reason),
		Now:           now,
	})
	if err != nil {
		return InventoryReservation{}, s.mapRepositoryError(err)
	}
	s.raiseLowStock(ctx, result.Reservation, result.Stocks, now)
	return result.Reservation, nil
}

func (s *inventoryService) ListLowStock(ctx context.Context, filter InventoryLowStockFilter) (domain.CursorPage[InventoryStock], error) {
	page, err := s.repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{
		PageSize:  pagination.Normalize(filter.Pagination.PageSize),
		PageToken: strings.TrimSpace(filter.Pagination.PageToken),
	})
	if err != nil {
		return domain.CursorPage[InventoryStock]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) UpsertStock(ctx context.Context, cmd UpsertStockCommand) (InventoryStock, error) {
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return InventoryStock{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	if cmd.OnHand == nil && cmd.LowStockThreshold == nil {
		return InventoryStock{}, fmt.Errorf("%w: onHand or lowStockThreshold is required", ErrInventoryInvalidInput)
	}
	if (cmd.OnHand != nil && *cmd.OnHand < 0) || (cmd.LowStockThreshold != nil && *cmd.LowStockThreshold < 0) {
		return InventoryStock{}, fmt.Errorf("%w: stock values must not be negative", ErrInventoryInvalidInput)
	}
	now := s.clock()
	stock, err := s.repo.UpsertStock(ctx, repositories.InventoryStockUpdate{
		SKU:               sku,
		ProductID:         strings.TrimSpace(cmd.ProductID),
		OnHand:            cmd.OnHand,
		LowStockThreshold: cmd.LowStockThreshold,
		Now:               now,
	})
	if err != nil {
		return InventoryStock{}, s.mapRepositoryError(err)
	}
	s.raiseLowStock(ctx, InventoryReservation{}, map[string]InventoryStock{sku: stock}, now)
	return stock, nil
}

// raiseLowStock emits one event per stock record at or below its threshold.
func (s *inventoryService) raiseLowStock(ctx context.Context, reservation InventoryReservation, stocks map[string]InventoryStock, now time.Time) {
	skus := make([]string, 0, len(stocks))
	for sku, stock := range stocks {
		if stock.IsLow() {
			skus = append(skus, sku)
		}
	}
	sort.Strings(skus)
	for _, sku := range skus {
		stock := stocks[sku]
		s.logger(ctx, "inventory.low_stock", map[string]any{
			"sku":       sku,
			"available": stock.OnHand - stock.Reserved,
			"threshold": stock.LowStockThreshold,
		})
		s.emit(ctx, DomainEvent{
			Type:        EventInventoryLowStock,
			AggregateID: sku,
			OccurredAt:  now,
			Data: map[string]any{
				"sku":           sku,
				"productId":     stock.ProductID,
				"onHand":        stock.OnHand,
				"reserved":      stock.Reserved,
				"available":     stock.OnHand - stock.Reserved,
				"threshold":     stock.LowStockThreshold,
				"reservationId": reservation.ID,
				"orderRef":      reservation.OrderRef,
			},
		})
	}
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			if invErr.SKU != "" {
				return fmt.Errorf("%w: sku %s: %v", ErrInventoryInsufficientStock, invErr.SKU, err)
			}
			return fmt.Errorf("%w: %v", ErrInventoryInsufficientStock, err)
		case repositories.InventoryErrorStockNotFound:
			// Unknown SKUs cannot be reserved.
			if invErr.SKU != "" {
				return fmt.Errorf("%w: sku %s is not stocked", ErrInventoryInsufficientStock, invErr.SKU)
			}
			return fmt.Errorf("%w: %v", ErrInventoryNotFound, err)
		case repositories.InventoryErrorReservationNotFound:
			return fmt.Errorf("%w: %v", ErrInventoryNotFound, err)
		case repositories.InventoryErrorInvalidReservationState:
			return fmt.Errorf("%w: %v", ErrInventoryInvalidState, err)
		case repositories.InventoryErrorInvalidInput:
			return fmt.Errorf("%w: %v", ErrInventoryInvalidInput, err)
		}
	}
	return translateRepositoryError(err, ErrInventoryNotFound, ErrInventoryInvalidState)
}

// normaliseInventoryLines trims identifiers, drops nothing and merges lines sharing a SKU.
func normaliseInventoryLines(lines []InventoryReservationLine) ([]InventoryReservationLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	merged := make([]InventoryReservationLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, sku)
		}
		if i, ok := index[sku]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[sku] = len(merged)
		merged = append(merged, InventoryReservationLine{
			ProductID: strings.TrimSpace(line.ProductID),
			VariantID: strings.TrimSpace(line.VariantID),
			SKU:       sku,
			Quantity:  line.Quantity,
		})
	}
	return merged, nil
}
