package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/services"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rr.Body.String())
	}
	return env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v (data %s)", err, string(env.Data))
	}
}

// asUser attaches an identity the way the Firebase authenticator would.
func asUser(uid string, roles ...string) func(http.Handler) http.Handler {
	if len(roles) == 0 {
		roles = []string{auth.RoleUser}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: uid, Roles: roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

type stubCartService struct {
	cart     services.Cart
	err      error
	owners   []services.OwnerKey
	added    []services.AddCartItemCommand
	updated  []services.UpdateCartItemCommand
	coupons  []string
	checkout []services.CartCheckoutCommand
}

func (s *stubCartService) result(owner services.OwnerKey) (services.Cart, error) {
	s.owners = append(s.owners, owner)
	if s.err != nil {
		return services.Cart{}, s.err
	}
	cart := s.cart
	cart.UserID, cart.GuestID = owner.UserID, owner.GuestID
	return cart, nil
}

func (s *stubCartService) GetOrCreate(_ context.Context, owner services.OwnerKey) (services.Cart, error) {
	return s.result(owner)
}

func (s *stubCartService) AddItem(_ context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	s.added = append(s.added, cmd)
	return s.result(cmd.Owner)
}

func (s *stubCartService) UpdateItem(_ context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
	s.updated = append(s.updated, cmd)
	return s.result(cmd.Owner)
}

func (s *stubCartService) RemoveItem(_ context.Context, owner services.OwnerKey, _ string) (services.Cart, error) {
	return s.result(owner)
}

func (s *stubCartService) Clear(_ context.Context, owner services.OwnerKey) (services.Cart, error) {
	return s.result(owner)
}

func (s *stubCartService) ApplyCoupon(_ context.Context, owner services.OwnerKey, code string) (services.Cart, error) {
	s.coupons = append(s.coupons, code)
	return s.result(owner)
}

func (s *stubCartService) RemoveCoupon(_ context.Context, owner services.OwnerKey) (services.Cart, error) {
	return s.result(owner)
}

func (s *stubCartService) UpdateCheckout(_ context.Context, cmd services.CartCheckoutCommand) (services.Cart, error) {
	s.checkout = append(s.checkout, cmd)
	return s.result(cmd.Owner)
}

type stubOrderService struct {
	order    services.Order
	err      error
	calls    map[string]int
	created  []services.CreateOrderCommand
	access   []services.OrderAccess
	statuses []services.OrderStatusCommand
	refunds  []services.OrderRefundCommand
	filters  []services.OrderListFilter
}

func newStubOrderService(order services.Order) *stubOrderService {
	return &stubOrderService{order: order, calls: map[string]int{}}
}

func (s *stubOrderService) reply(name string) (services.Order, error) {
	s.calls[name]++
	if s.err != nil {
		return services.Order{}, s.err
	}
	return s.order, nil
}

func (s *stubOrderService) CreateFromCart(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	s.created = append(s.created, cmd)
	return s.reply("create")
}

func (s *stubOrderService) GetOrder(_ context.Context, _ string, access services.OrderAccess) (services.Order, error) {
	s.access = append(s.access, access)
	return s.reply("get")
}

func (s *stubOrderService) ListOrders(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	s.filters = append(s.filters, filter)
	s.calls["list"]++
	if s.err != nil {
		return domain.CursorPage[services.Order]{}, s.err
	}
	return domain.CursorPage[services.Order]{Items: []services.Order{s.order}, NextPageToken: "next"}, nil
}

func (s *stubOrderService) UpdateStatus(_ context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
	s.statuses = append(s.statuses, cmd)
	return s.reply("status")
}

func (s *stubOrderService) Cancel(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	s.access = append(s.access, cmd.Access)
	return s.reply("cancel")
}

func (s *stubOrderService) AddNote(_ context.Context, cmd services.AddOrderNoteCommand) (services.Order, error) {
	s.access = append(s.access, cmd.Access)
	return s.reply("note")
}

func (s *stubOrderService) UpdateShipping(context.Context, services.UpdateShippingCommand) (services.Order, error) {
	return s.reply("shipping")
}

func (s *stubOrderService) ProcessRefund(_ context.Context, cmd services.OrderRefundCommand) (services.Order, error) {
	s.refunds = append(s.refunds, cmd)
	return s.reply("refund")
}

func (s *stubOrderService) MarkPaid(context.Context, services.MarkOrderPaidCommand) (services.Order, error) {
	return s.reply("paid")
}

type stubPaymentService struct {
	intent   services.PaymentIntent
	payment  services.Payment
	webhook  services.WebhookResult
	err      error
	intents  []services.CreateIntentCommand
	verifies []services.VerifyPaymentCommand
	hooks    []services.PaymentWebhookCommand
	refunds  []services.PaymentRefundCommand
}

func (s *stubPaymentService) CreateIntent(_ context.Context, cmd services.CreateIntentCommand) (services.PaymentIntent, error) {
	s.intents = append(s.intents, cmd)
	return s.intent, s.err
}

func (s *stubPaymentService) Verify(_ context.Context, cmd services.VerifyPaymentCommand) (services.Payment, error) {
	s.verifies = append(s.verifies, cmd)
	return s.payment, s.err
}

func (s *stubPaymentService) HandleWebhook(_ context.Context, cmd services.PaymentWebhookCommand) (services.WebhookResult, error) {
	s.hooks = append(s.hooks, cmd)
	return s.webhook, s.err
}

func (s *stubPaymentService) Refund(_ context.Context, cmd services.PaymentRefundCommand) (services.Payment, error) {
	s.refunds = append(s.refunds, cmd)
	return s.payment, s.err
}

type stubSystemService struct {
	report services.SystemHealthReport
	sweep  services.SweepResult
	err    error
	limits []int
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func (s *stubSystemService) SweepExpiredReservations(_ context.Context, cmd services.SweepReservationsCommand) (services.SweepResult, error) {
	s.limits = append(s.limits, cmd.Limit)
	return s.sweep, s.err
}

type recordedOutcome struct {
	provider string
	outcome  string
}

type outcomeRecorder struct {
	outcomes []recordedOutcome
}

func (r *outcomeRecorder) Record(_ context.Context, provider, outcome string) {
	r.outcomes = append(r.outcomes, recordedOutcome{provider: provider, outcome: outcome})
}

var (
	_ services.CartService    = (*stubCartService)(nil)
	_ services.OrderService   = (*stubOrderService)(nil)
	_ services.PaymentService = (*stubPaymentService)(nil)
	_ services.SystemService  = (*stubSystemService)(nil)
	_ WebhookRecorder         = (*outcomeRecorder)(nil)
)
