//go:build integration

package firestore

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/repositories"
)

func intPtr(v int) *int { return &v }

func TestInventoryRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "inventory-test")
	repo, err := NewInventoryRepository(provider)
	if err != nil {
		t.Fatalf("new inventory repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := repo.UpsertStock(ctx, repositories.InventoryStockUpdate{
		SKU:               "SKU-001",
		ProductID:         "prod_001",
		OnHand:            intPtr(5),
		LowStockThreshold: intPtr(2),
		Now:               now,
	}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	reservation := domain.InventoryReservation{
		ID:       "sr_test_1",
		OrderRef: "order_1",
		UserRef:  "user:u_test",
		Lines: []domain.InventoryReservationLine{
			{ProductID: "prod_001", SKU: "SKU-001", Quantity: 2},
			{ProductID: "prod_001", SKU: "SKU-001", Quantity: 1},
		},
		ExpiresAt: now.Add(30 * time.Minute),
	}

	reserved, err := repo.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: reservation, Now: now})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.Reservation.Status != domain.InventoryReservationReserved {
		t.Fatalf("expected reserved status, got %s", reserved.Reservation.Status)
	}
	if got := reserved.Stocks["SKU-001"].Reserved; got != 3 {
		t.Fatalf("expected reserved=3 got %d", got)
	}

	var invErr *repositories.InventoryError
	_, err = repo.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: reservation, Now: now})
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInvalidReservationState {
		t.Fatalf("expected invalid state for duplicate reservation, got %v", err)
	}

	_, err = repo.Reserve(ctx, repositories.InventoryReserveRequest{
		Reservation: domain.InventoryReservation{
			ID:    "sr_test_2",
			Lines: []domain.InventoryReservationLine{{ProductID: "prod_001", SKU: "SKU-001", Quantity: 3}},
		},
		Now: now,
	})
	invErr = nil
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if invErr.SKU != "SKU-001" {
		t.Fatalf("expected sku on error, got %q", invErr.SKU)
	}

	committed, err := repo.Commit(ctx, repositories.InventoryCommitRequest{ReservationID: reservation.ID, OrderRef: "order_1", Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stock := committed.Stocks["SKU-001"]; stock.OnHand != 2 || stock.Reserved != 0 {
		t.Fatalf("unexpected stock after commit: %+v", stock)
	}

	low, err := repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{PageSize: 10})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if len(low.Items) != 1 || low.Items[0].SKU != "SKU-001" {
		t.Fatalf("expected SKU-001 to be low, got %+v", low.Items)
	}

	restocked, err := repo.Restock(ctx, repositories.InventoryRestockRequest{ReservationID: reservation.ID, Reason: "refund", Now: now.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if got := restocked.Stocks["SKU-001"].OnHand; got != 5 {
		t.Fatalf("expected on hand 5 after restock, got %d", got)
	}
	if _, err := repo.Restock(ctx, repositories.InventoryRestockRequest{ReservationID: reservation.ID, Now: now}); err == nil {
		t.Fatalf("expected second restock to fail")
	}

	releasable := domain.InventoryReservation{
		ID:    "sr_test_release",
		Lines: []domain.InventoryReservationLine{{ProductID: "prod_001", SKU: "SKU-001", Quantity: 1}},
	}
	if _, err := repo.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: releasable, Now: now}); err != nil {
		t.Fatalf("reserve for release: %v", err)
	}
	released, err := repo.Release(ctx, repositories.InventoryReleaseRequest{ReservationID: releasable.ID, Reason: "expired", Now: now})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Reservation.Status != domain.InventoryReservationReleased || released.Stocks["SKU-001"].Reserved != 0 {
		t.Fatalf("unexpected release result: %+v", released)
	}

	if _, err := repo.UpsertStock(ctx, repositories.InventoryStockUpdate{SKU: "SKU-001", OnHand: intPtr(-1), Now: now}); err == nil {
		t.Fatalf("expected negative on hand to be rejected")
	}
}
