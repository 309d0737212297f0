package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/payments"
	"github.com/bazaar-commerce/api/internal/repositories"
)

type testRepoError struct {
	msg      string
	notFound bool
	conflict bool
}

func (e testRepoError) Error() string       { return e.msg }
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return false }

func repoNotFound(what string) error {
	return testRepoError{msg: what + " not found", notFound: true}
}

func repoConflict(what string) error {
	return testRepoError{msg: what + " already exists", conflict: true}
}

func sequenceIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type memProducts struct {
	items map[string]domain.Product
}

func (m *memProducts) FindByID(_ context.Context, id string) (domain.Product, error) {
	p, ok := m.items[id]
	if !ok {
		return domain.Product{}, repoNotFound("product " + id)
	}
	return p, nil
}

type memCarts struct {
	carts map[string]domain.Cart
	saves int
}

func newMemCarts() *memCarts {
	return &memCarts{carts: map[string]domain.Cart{}}
}

func cartKey(owner domain.OwnerKey) string {
	if owner.UserID != "" {
		return "user:" + owner.UserID
	}
	return "guest:" + owner.GuestID
}

func (m *memCarts) Get(_ context.Context, owner domain.OwnerKey) (domain.Cart, error) {
	c, ok := m.carts[cartKey(owner)]
	if !ok {
		return domain.Cart{}, repoNotFound("cart")
	}
	c.Items = append([]domain.CartItem(nil), c.Items...)
	if c.Promotion != nil {
		promo := *c.Promotion
		c.Promotion = &promo
	}
	return c, nil
}

func (m *memCarts) Save(_ context.Context, cart domain.Cart) (domain.Cart, error) {
	key := cartKey(cart.Owner())
	cart.ID = key
	m.carts[key] = cart
	m.saves++
	return cart, nil
}

type memInventory struct {
	stocks       map[string]domain.InventoryStock
	reservations map[string]domain.InventoryReservation
}

func newMemInventory(onHand map[string]int) *memInventory {
	m := &memInventory{stocks: map[string]domain.InventoryStock{}, reservations: map[string]domain.InventoryReservation{}}
	for sku, qty := range onHand {
		m.stocks[sku] = domain.InventoryStock{SKU: sku, OnHand: qty, Available: qty}
	}
	return m
}

func (m *memInventory) put(stock domain.InventoryStock) domain.InventoryStock {
	stock.Available = stock.OnHand - stock.Reserved
	m.stocks[stock.SKU] = stock
	return stock
}

func (m *memInventory) Reserve(_ context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	for _, line := range req.Reservation.Lines {
		stock, ok := m.stocks[line.SKU]
		if !ok {
			return repositories.InventoryReserveResult{}, &repositories.InventoryError{Code: repositories.InventoryErrorStockNotFound, SKU: line.SKU, Message: "stock not found"}
		}
		if stock.OnHand-stock.Reserved < line.Quantity {
			return repositories.InventoryReserveResult{}, &repositories.InventoryError{Code: repositories.InventoryErrorInsufficientStock, SKU: line.SKU, Message: "insufficient"}
		}
	}
	stocks := map[string]domain.InventoryStock{}
	for _, line := range req.Reservation.Lines {
		stock := m.stocks[line.SKU]
		stock.Reserved += line.Quantity
		stocks[line.SKU] = m.put(stock)
	}
	m.reservations[req.Reservation.ID] = req.Reservation
	return repositories.InventoryReserveResult{Reservation: req.Reservation, Stocks: stocks}, nil
}

func (m *memInventory) transition(id string, from domain.InventoryReservationStatus, to domain.InventoryReservationStatus, apply func(*domain.InventoryStock, int)) (domain.InventoryReservation, map[string]domain.InventoryStock, error) {
	res, ok := m.reservations[id]
	if !ok {
		return domain.InventoryReservation{}, nil, &repositories.InventoryError{Code: repositories.InventoryErrorReservationNotFound, Message: "reservation not found"}
	}
	if res.Status != from {
		return domain.InventoryReservation{}, nil, &repositories.InventoryError{Code: repositories.InventoryErrorInvalidReservationState, Message: "bad state"}
	}
	stocks := map[string]domain.InventoryStock{}
	for _, line := range res.Lines {
		stock := m.stocks[line.SKU]
		apply(&stock, line.Quantity)
		stocks[line.SKU] = m.put(stock)
	}
	res.Status = to
	m.reservations[id] = res
	return res, stocks, nil
}

func (m *memInventory) Commit(_ context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	res, stocks, err := m.transition(req.ReservationID, domain.InventoryReservationReserved, domain.InventoryReservationCommitted, func(s *domain.InventoryStock, q int) {
		s.OnHand -= q
		s.Reserved -= q
	})
	return repositories.InventoryCommitResult{Reservation: res, Stocks: stocks}, err
}

func (m *memInventory) Release(_ context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	res, stocks, err := m.transition(req.ReservationID, domain.InventoryReservationReserved, domain.InventoryReservationReleased, func(s *domain.InventoryStock, q int) {
		s.Reserved -= q
	})
	return repositories.InventoryReleaseResult{Reservation: res, Stocks: stocks}, err
}

func (m *memInventory) Restock(_ context.Context, req repositories.InventoryRestockRequest) (repositories.InventoryRestockResult, error) {
	res, stocks, err := m.transition(req.ReservationID, domain.InventoryReservationCommitted, domain.InventoryReservationReleased, func(s *domain.InventoryStock, q int) {
		s.OnHand += q
	})
	return repositories.InventoryRestockResult{Reservation: res, Stocks: stocks}, err
}

func (m *memInventory) GetReservation(_ context.Context, id string) (domain.InventoryReservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return domain.InventoryReservation{}, &repositories.InventoryError{Code: repositories.InventoryErrorReservationNotFound, Message: "reservation not found"}
	}
	return res, nil
}

func (m *memInventory) GetStock(_ context.Context, sku string) (domain.InventoryStock, error) {
	stock, ok := m.stocks[sku]
	if !ok {
		return domain.InventoryStock{}, &repositories.InventoryError{Code: repositories.InventoryErrorStockNotFound, SKU: sku, Message: "stock not found"}
	}
	return stock, nil
}

func (m *memInventory) UpsertStock(_ context.Context, req repositories.InventoryStockUpdate) (domain.InventoryStock, error) {
	stock := m.stocks[req.SKU]
	stock.SKU = req.SKU
	if req.ProductID != "" {
		stock.ProductID = req.ProductID
	}
	if req.OnHand != nil {
		stock.OnHand = *req.OnHand
	}
	if req.LowStockThreshold != nil {
		stock.LowStockThreshold = *req.LowStockThreshold
	}
	stock.UpdatedAt = req.Now
	return m.put(stock), nil
}

func (m *memInventory) ListLowStock(_ context.Context, _ repositories.InventoryLowStockQuery) (domain.CursorPage[domain.InventoryStock], error) {
	var page domain.CursorPage[domain.InventoryStock]
	for _, stock := range m.stocks {
		if stock.IsLow() {
			page.Items = append(page.Items, stock)
		}
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].SKU < page.Items[j].SKU })
	return page, nil
}

type memOrders struct {
	orders map[string]domain.Order
}

func newMemOrders() *memOrders {
	return &memOrders{orders: map[string]domain.Order{}}
}

func (m *memOrders) Insert(_ context.Context, order domain.Order) error {
	if _, ok := m.orders[order.ID]; ok {
		return repoConflict("order " + order.ID)
	}
	m.orders[order.ID] = order
	return nil
}

func (m *memOrders) Update(_ context.Context, order domain.Order) error {
	if _, ok := m.orders[order.ID]; !ok {
		return repoNotFound("order " + order.ID)
	}
	m.orders[order.ID] = order
	return nil
}

func (m *memOrders) FindByID(_ context.Context, id string) (domain.Order, error) {
	order, ok := m.orders[id]
	if !ok {
		return domain.Order{}, repoNotFound("order " + id)
	}
	return order, nil
}

func (m *memOrders) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var page domain.CursorPage[domain.Order]
	for _, order := range m.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		page.Items = append(page.Items, order)
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].ID < page.Items[j].ID })
	return page, nil
}

func (m *memOrders) CountByUser(_ context.Context, userID string) (int, error) {
	n := 0
	for _, order := range m.orders {
		if order.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memOrders) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, order := range m.orders {
		if order.Status == domain.OrderStatusPending && order.CreatedAt.Before(cutoff) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memPayments struct {
	payments map[string]domain.Payment
}

func newMemPayments() *memPayments {
	return &memPayments{payments: map[string]domain.Payment{}}
}

func (m *memPayments) Insert(_ context.Context, p domain.Payment) error {
	if _, ok := m.payments[p.ID]; ok {
		return repoConflict("payment " + p.ID)
	}
	m.payments[p.ID] = p
	return nil
}

func (m *memPayments) Update(_ context.Context, p domain.Payment) error {
	if _, ok := m.payments[p.ID]; !ok {
		return repoNotFound("payment " + p.ID)
	}
	m.payments[p.ID] = p
	return nil
}

func (m *memPayments) FindByID(_ context.Context, id string) (domain.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return domain.Payment{}, repoNotFound("payment " + id)
	}
	p.Refunds = append([]domain.PaymentRefund(nil), p.Refunds...)
	return p, nil
}

func (m *memPayments) FindByGatewayOrderID(_ context.Context, provider, gatewayOrderID string) (domain.Payment, error) {
	for _, p := range m.payments {
		if p.Provider == provider && p.GatewayOrderID == gatewayOrderID {
			return p, nil
		}
	}
	return domain.Payment{}, repoNotFound("payment for " + gatewayOrderID)
}

func (m *memPayments) FindOpen(_ context.Context, filter repositories.OpenPaymentFilter) (domain.Payment, error) {
	for _, p := range m.payments {
		open := p.Status == domain.PaymentStatusCreated || p.Status == domain.PaymentStatusAuthorized
		if open && p.Provider == filter.Provider && p.CartID == filter.CartID && p.OrderID == filter.OrderID && p.Amount == filter.Amount &&
			(filter.CartFingerprint == "" || p.CartFingerprint == filter.CartFingerprint) {
			return p, nil
		}
	}
	return domain.Payment{}, repoNotFound("open payment")
}

func (m *memPayments) ListOpenByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID && (p.Status == domain.PaymentStatusCreated || p.Status == domain.PaymentStatusAuthorized) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memPaymentEvents struct {
	events map[string]domain.PaymentEvent
}

func newMemPaymentEvents() *memPaymentEvents {
	return &memPaymentEvents{events: map[string]domain.PaymentEvent{}}
}

func (m *memPaymentEvents) Exists(_ context.Context, id string) (bool, error) {
	_, ok := m.events[id]
	return ok, nil
}

func (m *memPaymentEvents) Record(_ context.Context, event domain.PaymentEvent) error {
	if _, ok := m.events[event.ID]; ok {
		return repoConflict("event " + event.ID)
	}
	m.events[event.ID] = event
	return nil
}

type memPromotions struct {
	byID map[string]domain.Promotion
}

func newMemPromotions(promos ...domain.Promotion) *memPromotions {
	m := &memPromotions{byID: map[string]domain.Promotion{}}
	for _, p := range promos {
		m.byID[p.ID] = p
	}
	return m
}

func (m *memPromotions) Insert(_ context.Context, p domain.Promotion) error {
	for _, existing := range m.byID {
		if p.Code != "" && existing.Code == p.Code {
			return repoConflict("promotion " + p.Code)
		}
	}
	m.byID[p.ID] = p
	return nil
}

func (m *memPromotions) FindByCode(_ context.Context, code string) (domain.Promotion, error) {
	for _, p := range m.byID {
		if p.Code != "" && strings.EqualFold(p.Code, code) {
			return p, nil
		}
	}
	return domain.Promotion{}, repoNotFound("promotion " + code)
}

func (m *memPromotions) FindByID(_ context.Context, id string) (domain.Promotion, error) {
	p, ok := m.byID[id]
	if !ok {
		return domain.Promotion{}, repoNotFound("promotion " + id)
	}
	return p, nil
}

func (m *memPromotions) ListAutomatic(_ context.Context, _ time.Time) ([]domain.Promotion, error) {
	var out []domain.Promotion
	for _, p := range m.byID {
		if p.Automatic {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPromotions) AdjustUsage(_ context.Context, id string, delta int) error {
	p, ok := m.byID[id]
	if !ok {
		return repoNotFound("promotion " + id)
	}
	p.UsageCount += delta
	m.byID[id] = p
	return nil
}

type memUsage struct {
	usage map[string]domain.PromotionUsage
}

func newMemUsage() *memUsage {
	return &memUsage{usage: map[string]domain.PromotionUsage{}}
}

func (m *memUsage) Get(_ context.Context, promotionID, userID string) (domain.PromotionUsage, error) {
	u, ok := m.usage[promotionID+"|"+userID]
	if !ok {
		return domain.PromotionUsage{}, repoNotFound("usage")
	}
	return u, nil
}

func (m *memUsage) Adjust(_ context.Context, promotionID, userID string, delta int, orderRef string, now time.Time) error {
	key := promotionID + "|" + userID
	u := m.usage[key]
	u.UserID = userID
	u.Times += delta
	u.LastUsedAt = now
	if orderRef != "" && delta > 0 {
		u.OrderRefs = append(u.OrderRefs, orderRef)
	}
	m.usage[key] = u
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) count(eventType string) int {
	n := 0
	for _, t := range p.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type fakeGatewayProvider struct{ name string }

func (p fakeGatewayProvider) Name() string { return p.name }
func (fakeGatewayProvider) CreateIntent(context.Context, payments.IntentRequest) (payments.Intent, error) {
	return payments.Intent{}, nil
}
func (fakeGatewayProvider) VerifyConfirmation(payments.Confirmation) error { return nil }
func (fakeGatewayProvider) ParseWebhook([]byte, http.Header) (payments.WebhookEvent, error) {
	return payments.WebhookEvent{}, nil
}
func (fakeGatewayProvider) Refund(context.Context, payments.RefundRequest) (payments.Refund, error) {
	return payments.Refund{}, nil
}

// fakeGateway decodes webhook payloads from a lookup table keyed by payload text.
type fakeGateway struct {
	intents     int
	refunds     []payments.RefundRequest
	refundErr   error
	verifyErr   error
	webhooks    map[string]payments.WebhookEvent
	webhookErr  error
	createErr   error
	nextOrderID func() string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{webhooks: map[string]payments.WebhookEvent{}, nextOrderID: sequenceIDs("order_gw_")}
}

func (g *fakeGateway) Provider(name string) (payments.Provider, error) {
	if name == "" || name == payments.ProviderRazorpay {
		return fakeGatewayProvider{name: payments.ProviderRazorpay}, nil
	}
	return nil, payments.ErrUnsupportedProvider
}

func (g *fakeGateway) CreateIntent(_ context.Context, provider string, req payments.IntentRequest) (payments.Intent, error) {
	if g.createErr != nil {
		return payments.Intent{}, g.createErr
	}
	g.intents++
	return payments.Intent{
		Provider:       provider,
		GatewayOrderID: g.nextOrderID(),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         "created",
		KeyID:          "rzp_test_key",
	}, nil
}

func (g *fakeGateway) VerifyConfirmation(string, payments.Confirmation) error {
	return g.verifyErr
}

func (g *fakeGateway) ParseWebhook(_ string, payload []byte, _ http.Header) (payments.WebhookEvent, error) {
	if g.webhookErr != nil {
		return payments.WebhookEvent{}, g.webhookErr
	}
	event, ok := g.webhooks[string(payload)]
	if !ok {
		return payments.WebhookEvent{}, payments.ErrMalformedWebhook
	}
	return event, nil
}

func (g *fakeGateway) Refund(_ context.Context, _ string, req payments.RefundRequest) (payments.Refund, error) {
	if g.refundErr != nil {
		return payments.Refund{}, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	return payments.Refund{GatewayRefundID: fmt.Sprintf("rfnd_%d", len(g.refunds)), Amount: req.Amount, Status: "processed"}, nil
}
