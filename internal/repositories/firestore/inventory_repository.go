package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/bazaar-commerce/api/internal/domain"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/platform/pagination"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	inventoryCollection         = "inventory"
	stockReservationsCollection = "stockReservations"

	defaultLowStockPageSize = 50
	maxLowStockPageSize     = 200

	// concurrent checkouts on one SKU abort each other; give reservations more room than the default
	reserveTxAttempts = 10
)

// InventoryRepository stores per-SKU stock counters and reservations. Every mutation runs in a
// Firestore transaction and joins the caller's transaction when one is bound to ctx.
type InventoryRepository struct {
	provider     *pfirestore.Provider
	stocks       *pfirestore.Collection[stockDocument]
	reservations *pfirestore.Collection[reservationDocument]
}

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	stocks := pfirestore.NewCollection[stockDocument](provider, inventoryCollection, nil, nil)
	reservations := pfirestore.NewCollection[reservationDocument](provider, stockReservationsCollection, nil, nil)
	return &InventoryRepository{provider: provider, stocks: stocks, reservations: reservations}, nil
}

func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReserveResult{}, errors.New("inventory repository not initialised")
	}
	reservation := req.Reservation
	if strings.TrimSpace(reservation.ID) == "" {
		return repositories.InventoryReserveResult{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory reserve: reservation id is required", nil)
	}
	quantities, err := quantitiesBySKU(reservation.Lines)
	if err != nil {
		return repositories.InventoryReserveResult{}, err
	}

	now := req.Now.UTC()
	reservation.Status = domain.InventoryReservationReserved
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now

	var result repositories.InventoryReserveResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.Doc(ctx, reservation.ID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		loaded, err := r.loadStocks(ctx, tx, quantities)
		if err != nil {
			return err
		}
		for _, sku := range sortedSKUs(quantities) {
			stock := loaded[sku]
			if stock.doc.OnHand-stock.doc.Reserved < quantities[sku] {
				invErr := repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", sku), nil)
				invErr.SKU = sku
				return invErr
			}
		}

		stocks := make(map[string]domain.InventoryStock, len(loaded))
		for _, sku := range sortedSKUs(quantities) {
			stock := loaded[sku]
			stock.doc.Reserved += quantities[sku]
			stock.doc.UpdatedAt = now
			stock.doc.recalculate()
			if err := tx.Set(stock.ref, stock.doc); err != nil {
				return err
			}
			stocks[sku] = stock.doc.toDomain(sku)
		}

		resDoc := newReservationDocument(reservation)
		if err := tx.Create(resRef, resDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), err)
			}
			return err
		}

		result = repositories.InventoryReserveResult{
			Reservation: resDoc.toDomain(reservation.ID),
			Stocks:      stocks,
		}
		return nil
	}, pfirestore.WithMaxAttempts(reserveTxAttempts))
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

func (r *InventoryRepository) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryCommitResult{}, errors.New("inventory repository not initialised")
	}
	now := req.Now.UTC()
	var result repositories.InventoryCommitResult
	err := r.transition(ctx, req.ReservationID, func(doc reservationDocument) error {
		if doc.Status != string(domain.InventoryReservationReserved) {
			return fmt.Errorf("reservation %s is not in reserved status", req.ReservationID)
		}
		if req.OrderRef != "" && doc.OrderRef != "" && !strings.EqualFold(doc.OrderRef, req.OrderRef) {
			return fmt.Errorf("reservation %s order mismatch", req.ReservationID)
		}
		return nil
	}, func(sku string, stock *stockDocument, qty int) error {
		if stock.Reserved < qty || stock.OnHand < qty {
			return fmt.Errorf("reserved quantity for %s is insufficient", sku)
		}
		stock.Reserved -= qty
		stock.OnHand -= qty
		return nil
	}, func(doc *reservationDocument, stocks map[string]domain.InventoryStock) {
		doc.Status = string(domain.InventoryReservationCommitted)
		if req.OrderRef != "" {
			doc.OrderRef = strings.TrimSpace(req.OrderRef)
		}
		doc.CommittedAt = &now
		result = repositories.InventoryCommitResult{Reservation: doc.toDomain(req.ReservationID), Stocks: stocks}
	}, now)
	if err != nil {
		return repositories.InventoryCommitResult{}, wrapInventoryError("inventory.commit", err)
	}
	return result, nil
}

func (r *InventoryRepository) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReleaseResult{}, errors.New("inventory repository not initialised")
	}
	now := req.Now.UTC()
	var result repositories.InventoryReleaseResult
	err := r.transition(ctx, req.ReservationID, func(doc reservationDocument) error {
		if doc.Status != string(domain.InventoryReservationReserved) {
			return fmt.Errorf("reservation %s not in reserved status", req.ReservationID)
		}
		return nil
	}, func(sku string, stock *stockDocument, qty int) error {
		if stock.Reserved < qty {
			return fmt.Errorf("reserved quantity for %s is insufficient", sku)
		}
		stock.Reserved -= qty
		return nil
	}, func(doc *reservationDocument, stocks map[string]domain.InventoryStock) {
		doc.Status = string(domain.InventoryReservationReleased)
		doc.ReleasedAt = &now
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			doc.Reason = reason
		}
		result = repositories.InventoryReleaseResult{Reservation: doc.toDomain(req.ReservationID), Stocks: stocks}
	}, now)
	if err != nil {
		return repositories.InventoryReleaseResult{}, wrapInventoryError("inventory.release", err)
	}
	return result, nil
}

// Restock returns the quantities of a committed reservation to on-hand stock. The reservation is
// marked released so a second restock is rejected.
func (r *InventoryRepository) Restock(ctx context.Context, req repositories.InventoryRestockRequest) (repositories.InventoryRestockResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryRestockResult{}, errors.New("inventory repository not initialised")
	}
	now := req.Now.UTC()
	var result repositories.InventoryRestockResult
	err := r.transition(ctx, req.ReservationID, func(doc reservationDocument) error {
		if doc.Status != string(domain.InventoryReservationCommitted) {
			return fmt.Errorf("reservation %s is not committed", req.ReservationID)
		}
		return nil
	}, func(_ string, stock *stockDocument, qty int) error {
		stock.OnHand += qty
		return nil
	}, func(doc *reservationDocument, stocks map[string]domain.InventoryStock) {
		doc.Status = string(domain.InventoryReservationReleased)
		doc.ReleasedAt = &now
		doc.Restocked = true
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			doc.Reason = reason
		}
		result = repositories.InventoryRestockResult{Reservation: doc.toDomain(req.ReservationID), Stocks: stocks}
	}, now)
	if err != nil {
		return repositories.InventoryRestockResult{}, wrapInventoryError("inventory.restock", err)
	}
	return result, nil
}

// transition loads a reservation and its stock documents, validates the current state, applies
// the per-line stock mutation and persists everything after all reads have completed.
func (r *InventoryRepository) transition(
	ctx context.Context,
	reservationID string,
	check func(reservationDocument) error,
	apply func(sku string, stock *stockDocument, qty int) error,
	finish func(doc *reservationDocument, stocks map[string]domain.InventoryStock),
	now time.Time,
) error {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "reservation id is required", nil)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.Doc(ctx, reservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
			}
			return err
		}
		resDoc, err := decodeReservation(resSnap)
		if err != nil {
			return err
		}
		if err := check(resDoc); err != nil {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, err.Error(), nil)
		}

		quantities, err := quantitiesBySKU(resDoc.domainLines())
		if err != nil {
			return err
		}
		loaded, err := r.loadStocks(ctx, tx, quantities)
		if err != nil {
			return err
		}

		stocks := make(map[string]domain.InventoryStock, len(loaded))
		for _, sku := range sortedSKUs(quantities) {
			stock := loaded[sku]
			if err := apply(sku, &stock.doc, quantities[sku]); err != nil {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, err.Error(), nil)
			}
			stock.doc.UpdatedAt = now
			stock.doc.recalculate()
			stocks[sku] = stock.doc.toDomain(sku)
			loaded[sku] = stock
		}
		for _, sku := range sortedSKUs(quantities) {
			stock := loaded[sku]
			if err := tx.Set(stock.ref, stock.doc); err != nil {
				return err
			}
		}

		resDoc.UpdatedAt = now
		finish(&resDoc, stocks)
		return tx.Set(resRef, resDoc)
	})
}

type loadedStock struct {
	ref *firestore.DocumentRef
	doc stockDocument
}

func (r *InventoryRepository) loadStocks(ctx context.Context, tx *firestore.Transaction, quantities map[string]int) (map[string]loadedStock, error) {
	loaded := make(map[string]loadedStock, len(quantities))
	for _, sku := range sortedSKUs(quantities) {
		ref, err := r.stocks.Doc(ctx, sku)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				invErr := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
				invErr.SKU = sku
				return nil, invErr
			}
			return nil, err
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode inventory stock %s: %w", sku, err)
		}
		loaded[sku] = loadedStock{ref: ref, doc: doc}
	}
	return loaded, nil
}

func (r *InventoryRepository) GetReservation(ctx context.Context, reservationID string) (domain.InventoryReservation, error) {
	if r == nil || r.reservations == nil {
		return domain.InventoryReservation{}, errors.New("inventory repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.InventoryReservation{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory get reservation: id is required", nil)
	}

	doc, err := r.reservations.Get(ctx, reservationID)
	if err != nil {
		if isNotFound(err) {
			return domain.InventoryReservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return domain.InventoryReservation{}, wrapInventoryError("inventory.getReservation", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *InventoryRepository) GetStock(ctx context.Context, sku string) (domain.InventoryStock, error) {
	if r == nil || r.stocks == nil {
		return domain.InventoryStock{}, errors.New("inventory repository not initialised")
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory get stock: sku is required", nil)
	}
	doc, err := r.stocks.Get(ctx, sku)
	if err != nil {
		if isNotFound(err) {
			invErr := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
			invErr.SKU = sku
			return domain.InventoryStock{}, invErr
		}
		return domain.InventoryStock{}, wrapInventoryError("inventory.getStock", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpsertStock sets absolute on-hand and threshold values. Reserved quantities are preserved and
// on-hand may not drop below what is currently reserved.
func (r *InventoryRepository) UpsertStock(ctx context.Context, req repositories.InventoryStockUpdate) (domain.InventoryStock, error) {
	if r == nil || r.stocks == nil {
		return domain.InventoryStock{}, errors.New("inventory repository not initialised")
	}
	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory upsert: sku is required", nil)
	}
	if req.OnHand != nil && *req.OnHand < 0 {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory upsert: on hand must be >= 0", nil)
	}
	if req.LowStockThreshold != nil && *req.LowStockThreshold < 0 {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory upsert: threshold must be >= 0", nil)
	}

	now := req.Now.UTC()
	var updated domain.InventoryStock
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.stocks.Doc(ctx, sku)
		if err != nil {
			return err
		}
		var doc stockDocument
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
		} else if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode inventory stock %s: %w", sku, err)
		}
		doc.SKU = sku
		if productID := strings.TrimSpace(req.ProductID); productID != "" {
			doc.ProductID = productID
		}
		if req.OnHand != nil {
			if *req.OnHand < doc.Reserved {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("on hand for %s cannot drop below reserved %d", sku, doc.Reserved), nil)
			}
			doc.OnHand = *req.OnHand
		}
		if req.LowStockThreshold != nil {
			doc.LowStockThreshold = *req.LowStockThreshold
		}
		doc.UpdatedAt = now
		doc.recalculate()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(sku)
		return nil
	})
	if err != nil {
		return domain.InventoryStock{}, wrapInventoryError("inventory.upsertStock", err)
	}
	return updated, nil
}

// ListLowStock returns SKUs whose available quantity is at or below their threshold, ordered by
// how far below the threshold they are and then by SKU.
func (r *InventoryRepository) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.InventoryStock], error) {
	if r == nil || r.stocks == nil {
		return domain.CursorPage[domain.InventoryStock]{}, errors.New("inventory repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = defaultLowStockPageSize
	}
	if pageSize > maxLowStockPageSize {
		pageSize = maxLowStockPageSize
	}

	after, err := pagination.DecodeScoped(pagination.ScopeLowStock, query.PageToken)
	if err != nil {
		return domain.CursorPage[domain.InventoryStock]{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory low stock: invalid page token", err)
	}

	coll, err := r.stocks.Ref(ctx)
	if err != nil {
		return domain.CursorPage[domain.InventoryStock]{}, wrapInventoryError("inventory.lowStock", err)
	}
	q := coll.Where("headroom", "<=", 0).
		OrderBy("headroom", firestore.Asc).
		OrderBy("sku", firestore.Asc).
		Limit(pageSize + 1)
	if after.ID != "" {
		q = q.StartAfter(after.Rank, after.ID)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var stocks []domain.InventoryStock
	var headrooms []int
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.InventoryStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.InventoryStock]{}, fmt.Errorf("decode inventory stock %s: %w", snap.Ref.ID, err)
		}
		stocks = append(stocks, doc.toDomain(snap.Ref.ID))
		headrooms = append(headrooms, doc.Headroom)
	}

	page := domain.CursorPage[domain.InventoryStock]{Items: stocks}
	if len(stocks) > pageSize {
		page.Items = stocks[:pageSize]
		last := pageSize - 1
		token, err := pagination.EncodeToken(pagination.Cursor{Scope: pagination.ScopeLowStock, ID: stocks[last].SKU, Rank: headrooms[last]})
		if err != nil {
			return domain.CursorPage[domain.InventoryStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}

type stockDocument struct {
	SKU               string    `firestore:"sku"`
	ProductID         string    `firestore:"productId"`
	OnHand            int       `firestore:"onHand"`
	Reserved          int       `firestore:"reserved"`
	Available         int       `firestore:"available"`
	LowStockThreshold int       `firestore:"lowStockThreshold"`
	Headroom          int       `firestore:"headroom"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (s *stockDocument) recalculate() {
	s.Available = s.OnHand - s.Reserved
	s.Headroom = s.Available - s.LowStockThreshold
}

func (s stockDocument) toDomain(id string) domain.InventoryStock {
	return domain.InventoryStock{
		SKU:               id,
		ProductID:         strings.TrimSpace(s.ProductID),
		OnHand:            s.OnHand,
		Reserved:          s.Reserved,
		Available:         s.OnHand - s.Reserved,
		LowStockThreshold: s.LowStockThreshold,
		UpdatedAt:         s.UpdatedAt,
	}
}

type reservationDocument struct {
	OrderRef    string                    `firestore:"orderRef"`
	UserRef     string                    `firestore:"userRef"`
	Status      string                    `firestore:"status"`
	Lines       []reservationLineDocument `firestore:"lines"`
	Reason      string                    `firestore:"reason,omitempty"`
	Restocked   bool                      `firestore:"restocked,omitempty"`
	ExpiresAt   time.Time                 `firestore:"expiresAt"`
	ReleasedAt  *time.Time                `firestore:"releasedAt,omitempty"`
	CommittedAt *time.Time                `firestore:"committedAt,omitempty"`
	CreatedAt   time.Time                 `firestore:"createdAt"`
	UpdatedAt   time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	ProductID string `firestore:"productId"`
	VariantID string `firestore:"variantId,omitempty"`
	SKU       string `firestore:"sku"`
	Quantity  int    `firestore:"qty"`
}

func newReservationDocument(res domain.InventoryReservation) reservationDocument {
	lines := make([]reservationLineDocument, len(res.Lines))
	for i, line := range res.Lines {
		lines[i] = reservationLineDocument{
			ProductID: strings.TrimSpace(line.ProductID),
			VariantID: strings.TrimSpace(line.VariantID),
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
		}
	}
	return reservationDocument{
		OrderRef:  strings.TrimSpace(res.OrderRef),
		UserRef:   strings.TrimSpace(res.UserRef),
		Status:    string(res.Status),
		Lines:     lines,
		Reason:    strings.TrimSpace(res.Reason),
		ExpiresAt: res.ExpiresAt.UTC(),
		CreatedAt: res.CreatedAt.UTC(),
		UpdatedAt: res.UpdatedAt.UTC(),
	}
}

func (d reservationDocument) domainLines() []domain.InventoryReservationLine {
	lines := make([]domain.InventoryReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.InventoryReservationLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
		}
	}
	return lines
}

func (d reservationDocument) toDomain(id string) domain.InventoryReservation {
	return domain.InventoryReservation{
		ID:        id,
		OrderRef:  d.OrderRef,
		UserRef:   d.UserRef,
		Status:    domain.InventoryReservationStatus(d.Status),
		Lines:     d.domainLines(),
		Reason:    d.Reason,
		ExpiresAt: d.ExpiresAt,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func decodeReservation(snap *firestore.DocumentSnapshot) (reservationDocument, error) {
	var doc reservationDocument
	if err := snap.DataTo(&doc); err != nil {
		return reservationDocument{}, fmt.Errorf("decode reservation %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

// quantitiesBySKU folds reservation lines into per-SKU totals so a SKU listed twice is read and
// written once inside the transaction.
func quantitiesBySKU(lines []domain.InventoryReservationLine) (map[string]int, error) {
	if len(lines) == 0 {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "at least one reservation line is required", nil)
	}
	quantities := make(map[string]int, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "reservation line sku is required", nil)
		}
		if line.Quantity <= 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, fmt.Sprintf("quantity for %s must be > 0", sku), nil)
		}
		quantities[sku] += line.Quantity
	}
	return quantities, nil
}

func sortedSKUs(quantities map[string]int) []string {
	skus := make([]string, 0, len(quantities))
	for sku := range quantities {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
