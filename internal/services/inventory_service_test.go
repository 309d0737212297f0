package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/bazaar-commerce/api/internal/domain"
)

func newInventoryFixture(t *testing.T, onHand map[string]int) (InventoryService, *memInventory, *recordingPublisher) {
	t.Helper()
	repo := newMemInventory(onHand)
	publisher := &recordingPublisher{}
	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory:   repo,
		Events:      publisher,
		Clock:       fixedClock(testNow),
		IDGenerator: sequenceIDs("r"),
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	return svc, repo, publisher
}

func TestNewInventoryServiceRequiresRepository(t *testing.T) {
	if _, err := NewInventoryService(InventoryServiceDeps{}); err == nil {
		t.Fatal("expected error without repository")
	}
}

func TestInventoryServiceReserveMergesLines(t *testing.T) {
	svc, repo, _ := newInventoryFixture(t, map[string]int{"SKU-A": 10})

	res, err := svc.Reserve(context.Background(), InventoryReserveCommand{
		OrderRef: "ord-1",
		Lines: []InventoryReservationLine{
			{ProductID: "p", SKU: " SKU-A ", Quantity: 2},
			{ProductID: "p", SKU: "SKU-A", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0].Quantity != 5 {
		t.Fatalf("expected merged line of 5, got %+v", res.Lines)
	}
	if res.Status != domain.InventoryReservationReserved {
		t.Fatalf("expected reserved status, got %s", res.Status)
	}
	if !res.ExpiresAt.Equal(testNow.Add(defaultReservationTTL)) {
		t.Fatalf("expected default ttl, got %v", res.ExpiresAt)
	}
	if got := repo.stocks["SKU-A"].Reserved; got != 5 {
		t.Fatalf("expected 5 reserved, got %d", got)
	}
}

func TestInventoryServiceReserveErrors(t *testing.T) {
	svc, repo, _ := newInventoryFixture(t, map[string]int{"SKU-A": 1, "SKU-B": 5})
	ctx := context.Background()

	cases := []struct {
		name  string
		lines []InventoryReservationLine
		want  ErrorKind
	}{
		{name: "no lines", want: KindValidation},
		{name: "zero quantity", lines: []InventoryReservationLine{{SKU: "SKU-A"}}, want: KindValidation},
		{name: "missing sku", lines: []InventoryReservationLine{{Quantity: 1}}, want: KindValidation},
		{name: "insufficient", lines: []InventoryReservationLine{{SKU: "SKU-A", Quantity: 2}}, want: KindOutOfStock},
		{name: "not stocked", lines: []InventoryReservationLine{{SKU: "SKU-Z", Quantity: 1}}, want: KindOutOfStock},
		{name: "one line short", lines: []InventoryReservationLine{{SKU: "SKU-B", Quantity: 1}, {SKU: "SKU-A", Quantity: 3}}, want: KindOutOfStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Reserve(ctx, InventoryReserveCommand{Lines: tc.lines})
			if KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
	if repo.stocks["SKU-B"].Reserved != 0 {
		t.Fatalf("expected all-or-nothing reservation, got %+v", repo.stocks["SKU-B"])
	}
}

func TestInventoryServiceLifecycle(t *testing.T) {
	svc, repo, _ := newInventoryFixture(t, map[string]int{"SKU-A": 10})
	ctx := context.Background()

	res, err := svc.Reserve(ctx, InventoryReserveCommand{Lines: []InventoryReservationLine{{SKU: "SKU-A", Quantity: 4}}})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Restock(ctx, InventoryReleaseCommand{ReservationID: res.ID}); !errors.Is(err, ErrInventoryInvalidState) {
		t.Fatalf("expected restock of uncommitted reservation to fail, got %v", err)
	}
	if _, err := svc.CommitReservation(ctx, InventoryCommitCommand{ReservationID: res.ID, OrderRef: "ord-1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stock := repo.stocks["SKU-A"]; stock.OnHand != 6 || stock.Reserved != 0 {
		t.Fatalf("unexpected stock after commit %+v", stock)
	}
	if _, err := svc.ReleaseReservation(ctx, InventoryReleaseCommand{ReservationID: res.ID}); !errors.Is(err, ErrInventoryInvalidState) {
		t.Fatalf("expected release of committed reservation to fail, got %v", err)
	}
	if _, err := svc.Restock(ctx, InventoryReleaseCommand{ReservationID: res.ID, Reason: "refund"}); err != nil {
		t.Fatalf("restock: %v", err)
	}
	if stock := repo.stocks["SKU-A"]; stock.OnHand != 10 {
		t.Fatalf("expected stock restored, got %+v", stock)
	}
	if _, err := svc.CommitReservation(ctx, InventoryCommitCommand{ReservationID: "res_missing"}); KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInventoryServiceEmitsLowStock(t *testing.T) {
	svc, _, publisher := newInventoryFixture(t, map[string]int{"SKU-A": 5})
	ctx := context.Background()

	threshold := 2
	if _, err := svc.UpsertStock(ctx, UpsertStockCommand{SKU: "SKU-A", LowStockThreshold: &threshold}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if publisher.count(EventInventoryLowStock) != 0 {
		t.Fatalf("expected no low stock event yet")
	}

	if _, err := svc.Reserve(ctx, InventoryReserveCommand{Lines: []InventoryReservationLine{{SKU: "SKU-A", Quantity: 3}}}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if publisher.count(EventInventoryLowStock) != 1 {
		t.Fatalf("expected low stock event, got %v", publisher.types())
	}

	page, err := svc.ListLowStock(ctx, InventoryLowStockFilter{})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].SKU != "SKU-A" {
		t.Fatalf("expected SKU-A listed, got %+v", page.Items)
	}
}

func TestInventoryServiceEmitsLowStockOnReleaseAndRestock(t *testing.T) {
	svc, _, publisher := newInventoryFixture(t, map[string]int{"SKU-A": 5})
	ctx := context.Background()

	threshold := 4
	if _, err := svc.UpsertStock(ctx, UpsertStockCommand{SKU: "SKU-A", LowStockThreshold: &threshold}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reserve := func(qty int) InventoryReservation {
		t.Helper()
		res, err := svc.Reserve(ctx, InventoryReserveCommand{Lines: []InventoryReservationLine{{SKU: "SKU-A", Quantity: qty}}})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		return res
	}
	first := reserve(1)
	second := reserve(2)
	if _, err := svc.CommitReservation(ctx, InventoryCommitCommand{ReservationID: first.ID, OrderRef: "ord-1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	before := publisher.count(EventInventoryLowStock)
	if _, err := svc.Restock(ctx, InventoryReleaseCommand{ReservationID: first.ID, Reason: "refund"}); err != nil {
		t.Fatalf("restock: %v", err)
	}
	if got := publisher.count(EventInventoryLowStock); got != before+1 {
		t.Fatalf("expected low stock event after restock, got %d want %d", got, before+1)
	}

	third := reserve(1)
	before = publisher.count(EventInventoryLowStock)
	if _, err := svc.ReleaseReservation(ctx, InventoryReleaseCommand{ReservationID: third.ID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := publisher.count(EventInventoryLowStock); got != before+1 {
		t.Fatalf("expected low stock event after release, got %d want %d", got, before+1)
	}

	before = publisher.count(EventInventoryLowStock)
	if _, err := svc.ReleaseReservation(ctx, InventoryReleaseCommand{ReservationID: second.ID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := publisher.count(EventInventoryLowStock); got != before {
		t.Fatalf("expected no low stock event once stock recovers, got %d want %d", got, before)
	}
}

func TestInventoryServiceUpsertValidation(t *testing.T) {
	svc, _, _ := newInventoryFixture(t, nil)
	ctx := context.Background()
	negative := -1

	if _, err := svc.UpsertStock(ctx, UpsertStockCommand{SKU: "SKU-A"}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation without fields, got %v", err)
	}
	if _, err := svc.UpsertStock(ctx, UpsertStockCommand{SKU: "SKU-A", OnHand: &negative}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation for negative stock, got %v", err)
	}
	if _, err := svc.GetStock(ctx, "SKU-A"); KindOf(err) != KindOutOfStock {
		t.Fatalf("expected unknown sku to read as out of stock, got %v", err)
	}
}
