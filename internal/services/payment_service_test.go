package services

import (
	"context"
	"errors"
	"slices"
	"testing"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/payments"
)

// payForOrder places an order and opens a razorpay intent for it.
func (st *testStack) payForOrder(t *testing.T, qty int) (Order, Payment) {
	t.Helper()
	order := st.placeOrder(t, testUser, qty)
	intent, err := st.payment.CreateIntent(context.Background(), CreateIntentCommand{Owner: testUser, OrderID: order.ID, Provider: "razorpay"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return order, intent.Payment
}

func (st *testStack) deliver(t *testing.T, payload string, event payments.WebhookEvent) WebhookResult {
	t.Helper()
	st.gateway.webhooks[payload] = event
	result, err := st.payment.HandleWebhook(context.Background(), PaymentWebhookCommand{Provider: "razorpay", Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("webhook %s: %v", payload, err)
	}
	return result
}

func capturedEvent(id string, payment Payment) payments.WebhookEvent {
	return payments.WebhookEvent{
		ID:               id,
		Provider:         payments.ProviderRazorpay,
		Type:             payments.EventPaymentCaptured,
		RawType:          "payment.captured",
		GatewayOrderID:   payment.GatewayOrderID,
		GatewayPaymentID: "pay_gw_1",
		Amount:           payment.Amount,
		Currency:         payment.Currency,
	}
}

func TestPaymentServiceCreateIntentForOrder(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	order, payment := st.payForOrder(t, 1)

	if payment.Amount != order.Totals.Total || payment.Amount != 5900 {
		t.Fatalf("expected amount 5900, got %d", payment.Amount)
	}
	if payment.Status != domain.PaymentStatusCreated || payment.OrderID != order.ID || payment.GatewayOrderID == "" {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if payment.Receipt != order.OrderNumber {
		t.Fatalf("expected receipt %s, got %s", order.OrderNumber, payment.Receipt)
	}

	again, err := st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testUser, OrderID: order.ID, Provider: "razorpay"})
	if err != nil {
		t.Fatalf("second intent: %v", err)
	}
	if !again.Reused || again.Payment.ID != payment.ID || again.Intent.KeyID != "rzp_test_key" {
		t.Fatalf("expected reused intent, got %+v", again)
	}
	if st.gateway.intents != 1 {
		t.Fatalf("expected one gateway call, got %d", st.gateway.intents)
	}
}

func TestPaymentServiceCreateIntentErrors(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	order := st.placeOrder(t, testUser, 1)

	cases := []struct {
		name string
		cmd  CreateIntentCommand
		want ErrorKind
	}{
		{name: "no owner", cmd: CreateIntentCommand{OrderID: order.ID}, want: KindValidation},
		{name: "unknown provider", cmd: CreateIntentCommand{Owner: testUser, OrderID: order.ID, Provider: "paypal"}, want: KindValidation},
		{name: "someone else's order", cmd: CreateIntentCommand{Owner: domain.OwnerKey{UserID: "user-2"}, OrderID: order.ID}, want: KindForbidden},
		{name: "missing order", cmd: CreateIntentCommand{Owner: testUser, OrderID: "ord_missing"}, want: KindNotFound},
		{name: "empty cart", cmd: CreateIntentCommand{Owner: testGuest}, want: KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.payment.CreateIntent(ctx, tc.cmd)
			if KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}

	st.gateway.createErr = &payments.GatewayError{Provider: "razorpay", Op: "create_order", Timeout: true, Err: context.DeadlineExceeded}
	_, err := st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testUser, OrderID: order.ID})
	if KindOf(err) != KindExternalTimeout {
		t.Fatalf("expected external timeout, got %v", err)
	}
	if len(st.payments.payments) != 0 {
		t.Fatalf("expected no payment persisted after gateway failure")
	}
	st.gateway.createErr = &payments.GatewayError{Provider: "razorpay", Op: "create_order", Err: errors.New("bad request")}
	_, err = st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testUser, OrderID: order.ID})
	if KindOf(err) != KindExternalService {
		t.Fatalf("expected external service, got %v", err)
	}
}

func TestPaymentServiceDuplicateWebhookCapturesOnce(t *testing.T) {
	st := newTestStack(t)
	order, payment := st.payForOrder(t, 1)
	event := capturedEvent("evt_1", payment)

	first := st.deliver(t, "delivery-1", event)
	second := st.deliver(t, "delivery-2", event)

	if first.Duplicate || first.Ignored || first.PaymentID != payment.ID {
		t.Fatalf("unexpected first result %+v", first)
	}
	if !second.Duplicate {
		t.Fatalf("expected second delivery flagged duplicate, got %+v", second)
	}
	if n := st.publisher.count(EventPaymentCaptured); n != 1 {
		t.Fatalf("expected one capture, got %d", n)
	}

	stored := st.payments.payments[payment.ID]
	if stored.Status != domain.PaymentStatusCaptured || stored.CapturedAmount != 5900 || stored.GatewayPaymentID != "pay_gw_1" {
		t.Fatalf("unexpected payment %+v", stored)
	}
	paid := st.orders.orders[order.ID]
	if paid.Status != domain.OrderStatusProcessing || paid.Payment.Status != domain.OrderPaymentPaid || paid.Payment.PaymentID != payment.ID {
		t.Fatalf("expected paid order, got %s/%s", paid.Status, paid.Payment.Status)
	}
	if stock := st.stockOf("TEE-1"); stock.OnHand != 9 || stock.Reserved != 0 {
		t.Fatalf("expected committed stock, got %+v", stock)
	}
	if len(st.events.events) != 1 {
		t.Fatalf("expected event recorded once, got %d", len(st.events.events))
	}
}

func TestPaymentServiceRedeliveredCaptureWithNewEventID(t *testing.T) {
	st := newTestStack(t)
	_, payment := st.payForOrder(t, 1)

	st.deliver(t, "a", capturedEvent("evt_1", payment))
	result := st.deliver(t, "b", capturedEvent("evt_2", payment))
	if result.Duplicate {
		t.Fatalf("expected distinct event processed, got %+v", result)
	}
	if n := st.publisher.count(EventPaymentCaptured); n != 1 {
		t.Fatalf("expected capture to stay idempotent, got %d", n)
	}
}

func TestPaymentServiceWebhookEdgeCases(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()

	ignored := st.deliver(t, "ping", payments.WebhookEvent{ID: "evt_ping", Type: payments.EventIgnored, RawType: "order.paid"})
	if !ignored.Ignored {
		t.Fatalf("expected ignored, got %+v", ignored)
	}
	unknown := st.deliver(t, "stray", payments.WebhookEvent{ID: "evt_stray", Type: payments.EventPaymentCaptured, GatewayOrderID: "order_gw_404"})
	if !unknown.Ignored {
		t.Fatalf("expected unknown gateway order ignored, got %+v", unknown)
	}
	if _, ok := st.events.events["evt_stray"]; !ok {
		t.Fatalf("expected ignored event still recorded")
	}

	st.gateway.webhooks["noid"] = payments.WebhookEvent{Type: payments.EventPaymentCaptured}
	if _, err := st.payment.HandleWebhook(ctx, PaymentWebhookCommand{Payload: []byte("noid")}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation for missing id, got %v", err)
	}
	if _, err := st.payment.HandleWebhook(ctx, PaymentWebhookCommand{Payload: []byte("garbage")}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation for malformed payload, got %v", err)
	}

	st.gateway.webhookErr = payments.ErrInvalidSignature
	_, err := st.payment.HandleWebhook(ctx, PaymentWebhookCommand{Payload: []byte("ping")})
	if KindOf(err) != KindInvalidSignature {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestPaymentServiceFailedWebhook(t *testing.T) {
	st := newTestStack(t)
	order, payment := st.payForOrder(t, 1)

	st.deliver(t, "fail", payments.WebhookEvent{
		ID:             "evt_fail",
		Type:           payments.EventPaymentFailed,
		RawType:        "payment.failed",
		GatewayOrderID: payment.GatewayOrderID,
		FailureReason:  "card <b>declined</b>",
	})

	stored := st.payments.payments[payment.ID]
	if stored.Status != domain.PaymentStatusFailed || stored.FailureReason != "card declined" || stored.FailedAt == nil {
		t.Fatalf("unexpected failed payment %+v", stored)
	}
	if got := st.orders.orders[order.ID]; got.Payment.Status != domain.OrderPaymentFailed || got.Status != domain.OrderStatusPending {
		t.Fatalf("expected failed payment on pending order, got %s/%s", got.Status, got.Payment.Status)
	}

	// A retried payment may still succeed after a failure.
	st.deliver(t, "capture", capturedEvent("evt_cap", payment))
	if got := st.payments.payments[payment.ID]; got.Status != domain.PaymentStatusCaptured || got.FailureReason != "" {
		t.Fatalf("expected capture after failure, got %+v", got)
	}
}

func TestPaymentServiceVerify(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	order, payment := st.payForOrder(t, 1)
	cmd := VerifyPaymentCommand{
		Provider:         "razorpay",
		GatewayOrderID:   payment.GatewayOrderID,
		GatewayPaymentID: "pay_gw_9",
		Signature:        "sig",
		Owner:            testUser,
	}

	if _, err := st.payment.Verify(ctx, VerifyPaymentCommand{GatewayOrderID: payment.GatewayOrderID}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation, got %v", err)
	}
	st.gateway.verifyErr = payments.ErrInvalidSignature
	if _, err := st.payment.Verify(ctx, cmd); KindOf(err) != KindInvalidSignature {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	st.gateway.verifyErr = nil

	stranger := cmd
	stranger.Owner = domain.OwnerKey{UserID: "user-2"}
	if _, err := st.payment.Verify(ctx, stranger); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	verified, err := st.payment.Verify(ctx, cmd)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != domain.PaymentStatusCaptured || verified.GatewayPaymentID != "pay_gw_9" {
		t.Fatalf("unexpected verified payment %+v", verified)
	}
	if got := st.orders.orders[order.ID]; got.Payment.Status != domain.OrderPaymentPaid {
		t.Fatalf("expected order paid, got %s", got.Payment.Status)
	}
}

func TestPaymentServiceCartPaymentCreatesOrder(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	if _, err := st.cart.AddItem(ctx, AddCartItemCommand{Owner: testGuest, ProductID: "prod-tee", Quantity: 2}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := st.cart.UpdateCheckout(ctx, CartCheckoutCommand{Owner: testGuest, ShippingAddress: testAddress()}); err != nil {
		t.Fatalf("checkout details: %v", err)
	}

	intent, err := st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testGuest})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Payment.CartID == "" || intent.Payment.OrderID != "" || intent.Payment.Amount != 6900 {
		t.Fatalf("unexpected cart payment %+v", intent.Payment)
	}
	if intent.Payment.GuestID != "guest-1" {
		t.Fatalf("expected guest owner recorded, got %+v", intent.Payment)
	}

	st.deliver(t, "cap", capturedEvent("evt_cart", intent.Payment))

	stored := st.payments.payments[intent.Payment.ID]
	if stored.OrderID == "" {
		t.Fatalf("expected payment linked to an order")
	}
	order := st.orders.orders[stored.OrderID]
	if order.GuestID != "guest-1" || order.Status != domain.OrderStatusProcessing || order.Totals.Total != 6900 {
		t.Fatalf("unexpected order %+v", order)
	}
	if len(st.carts.carts["guest:guest-1"].Items) != 0 {
		t.Fatalf("expected cart cleared")
	}
	if stock := st.stockOf("TEE-1"); stock.OnHand != 8 {
		t.Fatalf("expected two units committed, got %+v", stock)
	}
}

func TestPaymentServiceRefundAboveRefundableRejected(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	_, payment := st.payForOrder(t, 1)
	st.deliver(t, "cap", capturedEvent("evt_1", payment))

	_, err := st.payment.Refund(ctx, PaymentRefundCommand{PaymentID: payment.ID, Amount: 6000})
	if !errors.Is(err, ErrPaymentInvalidInput) || KindOf(err) != KindValidation {
		t.Fatalf("expected validation, got %v", err)
	}
	if len(st.gateway.refunds) != 0 {
		t.Fatalf("expected no gateway refund, got %d", len(st.gateway.refunds))
	}
	stored := st.payments.payments[payment.ID]
	if len(stored.Refunds) != 0 || stored.RefundedAmount != 0 {
		t.Fatalf("expected no refund recorded, got %+v", stored.Refunds)
	}
}

func TestPaymentServicePartialThenFullRefund(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	order, payment := st.payForOrder(t, 1)
	st.deliver(t, "cap", capturedEvent("evt_1", payment))

	partial, err := st.payment.Refund(ctx, PaymentRefundCommand{PaymentID: payment.ID, Amount: 900, Reason: "damaged box", ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if partial.Status != domain.PaymentStatusPartiallyRefunded || partial.RefundedAmount != 900 || partial.Refundable() != 5000 {
		t.Fatalf("unexpected partial refund %+v", partial)
	}
	if got := st.orders.orders[order.ID]; got.Status != domain.OrderStatusProcessing || got.Payment.RefundedAmount != 900 {
		t.Fatalf("expected order still processing with 900 refunded, got %s %d", got.Status, got.Payment.RefundedAmount)
	}

	refunded, err := st.order.ProcessRefund(ctx, OrderRefundCommand{OrderID: order.ID, Full: true, ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if refunded.Status != domain.OrderStatusRefunded || refunded.Payment.Status != domain.OrderPaymentRefunded || refunded.RefundedAt == nil {
		t.Fatalf("expected refunded order, got %s/%s", refunded.Status, refunded.Payment.Status)
	}
	if got := st.payments.payments[payment.ID]; got.Status != domain.PaymentStatusRefunded || got.RefundedAmount != 5900 {
		t.Fatalf("unexpected payment %+v", got)
	}
	if len(st.gateway.refunds) != 2 || st.gateway.refunds[1].Amount != 5000 {
		t.Fatalf("expected second refund for the remainder, got %+v", st.gateway.refunds)
	}
	if st.stockOf("TEE-1").OnHand != 10 {
		t.Fatalf("expected stock restocked on full refund")
	}
	if st.publisher.count(EventOrderRefunded) != 1 || st.publisher.count(EventPaymentRefunded) != 2 {
		t.Fatalf("unexpected events %v", st.publisher.types())
	}

	_, err = st.payment.Refund(ctx, PaymentRefundCommand{PaymentID: payment.ID, Full: true})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected invalid state once fully refunded, got %v", err)
	}
}

func TestPaymentServiceRefundWebhookIsIdempotent(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	_, payment := st.payForOrder(t, 1)
	st.deliver(t, "cap", capturedEvent("evt_1", payment))

	refunded, err := st.payment.Refund(ctx, PaymentRefundCommand{PaymentID: payment.ID, Amount: 1000})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	gatewayRefundID := refunded.Refunds[0].GatewayRefundID

	// The gateway echoes the refund we already recorded.
	st.deliver(t, "echo", payments.WebhookEvent{
		ID:             "evt_refund_1",
		Type:           payments.EventRefundProcessed,
		GatewayOrderID: payment.GatewayOrderID,
		RefundID:       gatewayRefundID,
		RefundAmount:   1000,
	})
	if got := st.payments.payments[payment.ID]; got.RefundedAmount != 1000 || len(got.Refunds) != 1 {
		t.Fatalf("expected echo ignored, got %+v", got)
	}

	// A refund issued from the gateway dashboard.
	st.deliver(t, "dash", payments.WebhookEvent{
		ID:             "evt_refund_2",
		Type:           payments.EventRefundProcessed,
		GatewayOrderID: payment.GatewayOrderID,
		RefundID:       "rfnd_dash",
		RefundAmount:   500,
		RefundedTotal:  1500,
	})
	got := st.payments.payments[payment.ID]
	if got.RefundedAmount != 1500 || len(got.Refunds) != 2 || got.Status != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected dashboard refund recorded, got %+v", got)
	}
}

func TestPaymentServiceRefundGatewayFailure(t *testing.T) {
	st := newTestStack(t)
	_, payment := st.payForOrder(t, 1)
	st.deliver(t, "cap", capturedEvent("evt_1", payment))

	st.gateway.refundErr = &payments.GatewayError{Provider: "razorpay", Op: "refund", Timeout: true, Err: context.DeadlineExceeded}
	_, err := st.payment.Refund(context.Background(), PaymentRefundCommand{PaymentID: payment.ID, Full: true})
	if KindOf(err) != KindExternalTimeout {
		t.Fatalf("expected external timeout, got %v", err)
	}
	if got := st.payments.payments[payment.ID]; got.RefundedAmount != 0 {
		t.Fatalf("expected nothing recorded, got %+v", got)
	}
}

func TestPaymentServiceCartGrownAfterIntentIsRefunded(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	if _, err := st.cart.AddItem(ctx, AddCartItemCommand{Owner: testGuest, ProductID: "prod-tee", Quantity: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := st.cart.UpdateCheckout(ctx, CartCheckoutCommand{Owner: testGuest, ShippingAddress: testAddress()}); err != nil {
		t.Fatalf("checkout details: %v", err)
	}
	small, err := st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testGuest})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if small.Payment.Amount != 5900 || small.Payment.CartFingerprint == "" {
		t.Fatalf("unexpected intent %+v", small.Payment)
	}

	if _, err := st.cart.AddItem(ctx, AddCartItemCommand{Owner: testGuest, ProductID: "prod-tee", Quantity: 7}); err != nil {
		t.Fatalf("grow cart: %v", err)
	}
	large, err := st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testGuest})
	if err != nil {
		t.Fatalf("second intent: %v", err)
	}
	if large.Reused || large.Payment.Amount != 12900 {
		t.Fatalf("expected a fresh intent for the grown cart, got %+v", large)
	}

	st.deliver(t, "cap-small", capturedEvent("evt_small", small.Payment))

	if len(st.orders.orders) != 0 {
		t.Fatalf("expected no order for the stale payment, got %d", len(st.orders.orders))
	}
	stale := st.payments.payments[small.Payment.ID]
	if stale.Status != domain.PaymentStatusRefunded || stale.RefundedAmount != 5900 || stale.OrderID != "" {
		t.Fatalf("expected stale payment refunded, got %+v", stale)
	}
	if len(st.gateway.refunds) != 1 || st.gateway.refunds[0].Amount != 5900 {
		t.Fatalf("expected one gateway refund of 5900, got %+v", st.gateway.refunds)
	}
	if items := st.carts.carts["guest:guest-1"].Items; len(items) != 1 || items[0].Quantity != 8 {
		t.Fatalf("expected cart untouched, got %+v", items)
	}
	if !slices.Contains(st.publisher.types(), EventPaymentUnfulfilled) {
		t.Fatalf("expected unfulfilled event, got %v", st.publisher.types())
	}

	capture := capturedEvent("evt_large", large.Payment)
	capture.GatewayPaymentID = "pay_gw_2"
	st.deliver(t, "cap-large", capture)
	paid := st.payments.payments[large.Payment.ID]
	order := st.orders.orders[paid.OrderID]
	if order.Totals.Total != 12900 || order.Payment.Status != domain.OrderPaymentPaid {
		t.Fatalf("expected order paid in full, got %+v", order)
	}
}

func TestPaymentServiceCartIntentRequiresOrderableCart(t *testing.T) {
	st := newTestStack(t, percentPromotion("promo-10", "SAVE10", 10))
	ctx := context.Background()
	if _, err := st.cart.AddItem(ctx, AddCartItemCommand{Owner: testGuest, ProductID: "prod-tee", Quantity: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testGuest}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation without a shipping address, got %v", err)
	}

	if _, err := st.cart.UpdateCheckout(ctx, CartCheckoutCommand{Owner: testGuest, ShippingAddress: testAddress()}); err != nil {
		t.Fatalf("checkout details: %v", err)
	}
	if _, err := st.cart.ApplyCoupon(ctx, testGuest, "SAVE10"); err != nil {
		t.Fatalf("apply coupon: %v", err)
	}
	promo := st.promos.byID["promo-10"]
	promo.Active = false
	st.promos.byID["promo-10"] = promo

	if _, err := st.payment.CreateIntent(ctx, CreateIntentCommand{Owner: testGuest}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation for a rejected coupon, got %v", err)
	}
	if st.gateway.intents != 0 || len(st.payments.payments) != 0 {
		t.Fatalf("expected no gateway intent, got %d calls", st.gateway.intents)
	}
}

func TestPaymentServiceCaptureAfterCancelIsRefunded(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	order, payment := st.payForOrder(t, 1)

	if _, err := st.order.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Access: OrderAccess{Owner: testUser}}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := st.payments.payments[payment.ID]; got.Status != domain.PaymentStatusExpired {
		t.Fatalf("expected open intent expired, got %s", got.Status)
	}
	if !slices.Contains(st.publisher.types(), EventPaymentExpired) {
		t.Fatalf("expected expiry event, got %v", st.publisher.types())
	}

	st.deliver(t, "late", capturedEvent("evt_late", payment))

	got := st.payments.payments[payment.ID]
	if got.Status != domain.PaymentStatusRefunded || got.CapturedAmount != 5900 || got.RefundedAmount != 5900 {
		t.Fatalf("expected late capture refunded, got %+v", got)
	}
	if len(st.gateway.refunds) != 1 {
		t.Fatalf("expected one gateway refund, got %d", len(st.gateway.refunds))
	}
	if o := st.orders.orders[order.ID]; o.Status != domain.OrderStatusCancelled || o.Payment.Status == domain.OrderPaymentPaid {
		t.Fatalf("expected order to stay cancelled and unpaid, got %s/%s", o.Status, o.Payment.Status)
	}
	if st.stockOf("TEE-1").OnHand != 10 {
		t.Fatalf("expected no stock committed, got %+v", st.stockOf("TEE-1"))
	}
}

func TestPaymentServiceCaptureForWrongAmountIsRefunded(t *testing.T) {
	st := newTestStack(t)
	order, payment := st.payForOrder(t, 1)
	event := capturedEvent("evt_short", payment)
	event.Amount = 100

	st.deliver(t, "short", event)

	got := st.payments.payments[payment.ID]
	if got.Status != domain.PaymentStatusRefunded || got.RefundedAmount != 100 {
		t.Fatalf("expected short capture refunded, got %+v", got)
	}
	if o := st.orders.orders[order.ID]; o.Status != domain.OrderStatusPending || o.Payment.Status == domain.OrderPaymentPaid {
		t.Fatalf("expected order left pending, got %s/%s", o.Status, o.Payment.Status)
	}
	if !slices.Contains(st.logs, "payment.unfulfilled") {
		t.Fatalf("expected unfulfilled log, got %v", st.logs)
	}
}
