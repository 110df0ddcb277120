package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type fakeProvider struct {
	lastOp  string
	session CheckoutSession
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	f.lastOp = "create"
	return f.session, f.err
}

func (f *fakeProvider) Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error) {
	f.lastOp = "confirm"
	return f.payment, f.err
}

func (f *fakeProvider) Capture(ctx context.Context, req CaptureRequest) (PaymentDetails, error) {
	f.lastOp = "capture"
	return f.payment, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	f.lastOp = "refund"
	return f.payment, f.err
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	f.lastOp = "lookup"
	return f.payment, f.err
}

func TestManagerHonoursPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripeProvider := &fakeProvider{session: CheckoutSession{ID: "cs_stripe"}}
	altProvider := &fakeProvider{session: CheckoutSession{ID: "cs_alt"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripeProvider,
		"paypal": altProvider,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.CreateCheckoutSession(ctx,
		PaymentContext{PreferredProvider: "paypal"},
		CheckoutSessionRequest{Currency: "USD", Metadata: map[string]string{"orderId": "ord_41"}},
	)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.Provider != "paypal" {
		t.Fatalf("expected provider 'paypal', got %q", session.Provider)
	}
	if altProvider.lastOp != "create" {
		t.Fatalf("expected the preferred provider to handle the call")
	}
	if stripeProvider.lastOp != "" {
		t.Fatalf("expected stripe to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripeProvider := &fakeProvider{session: CheckoutSession{ID: "cs_stripe"}}
	altProvider := &fakeProvider{session: CheckoutSession{ID: "cs_alt"}}

	mgr, err := NewManager(
		map[string]Provider{
			"stripe": stripeProvider,
			"paypal": altProvider,
		},
		WithCurrencyRoutes(map[string]string{"JPY": "paypal"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.CreateCheckoutSession(ctx, PaymentContext{Currency: "jpy"}, CheckoutSessionRequest{Currency: "JPY"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Provider != "paypal" {
		t.Fatalf("expected currency route to paypal, got %q", session.Provider)
	}
	if altProvider.lastOp != "create" {
		t.Fatalf("expected the routed provider to handle the call")
	}
}

func TestManagerStripeIsDefault(t *testing.T) {
	ctx := context.Background()
	stripeProvider := &fakeProvider{payment: PaymentDetails{Provider: "stripe"}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripeProvider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Capture(ctx, PaymentContext{}, CaptureRequest{IntentID: "pi_998"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if stripeProvider.lastOp != "capture" {
		t.Fatalf("expected capture to hit the default provider")
	}
	if details.Provider != "stripe" {
		t.Fatalf("unexpected provider in details: %q", details.Provider)
	}
}

func TestManagerUnknownPreferenceWithoutDefault(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "paypal": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.CreateCheckoutSession(ctx, PaymentContext{PreferredProvider: "unknown"}, CheckoutSessionRequest{Currency: "USD"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerRejectsBadRegistrations(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}

type stubSessionAPI struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

type stubIntentAPI struct{}

func (stubIntentAPI) Confirm(string, *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{}, nil
}
func (stubIntentAPI) Capture(string, *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{}, nil
}
func (stubIntentAPI) Get(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{}, nil
}

type stubRefundAPI struct{}

func (stubRefundAPI) New(*stripe.RefundParams) (*stripe.Refund, error) {
	return &stripe.Refund{}, nil
}

type stubPaymentMethodAPI struct{}

func (stubPaymentMethodAPI) Get(string, *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
	return &stripe.PaymentMethod{}, nil
}

func TestStripeProviderBuildsSessionFromOrderLines(t *testing.T) {
	sessions := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID:            "cs_test_1",
		ClientSecret:  "secret_1",
		URL:           "https://checkout.stripe.test/cs_test_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_test_1"},
	}}

	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &sdkClients{
			sessions:       sessions,
			intents:        stubIntentAPI{},
			refunds:        stubRefundAPI{},
			paymentMethods: stubPaymentMethodAPI{},
		},
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Amount:   4200,
		Currency: "USD",
		Metadata: map[string]string{"orderId": "ord_77", "reservationId": "rsv_77"},
		Items: []CheckoutLineItem{
			{Name: "Walnut desk organiser", SKU: "WD-ORG-1", Quantity: 2, Amount: 1500},
			{Name: "Brass bookend", SKU: "BB-2", Quantity: 0, Amount: 1200},
		},
		SuccessURL: "https://shop.willowmart.example/checkout/done",
		CancelURL:  "https://shop.willowmart.example/checkout/cancelled",
	})
	if err != nil {
		t.Fatalf("create checkout session: %v", err)
	}

	if session.ID != "cs_test_1" || session.IntentID != "pi_test_1" {
		t.Fatalf("unexpected session mapping: %+v", session)
	}

	params := sessions.params
	if params == nil {
		t.Fatalf("expected session params to be captured")
	}
	if len(params.LineItems) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(params.LineItems))
	}
	if got := *params.LineItems[1].Quantity; got != 1 {
		t.Fatalf("expected zero quantity clamped to 1, got %d", got)
	}
	if got := *params.LineItems[0].PriceData.Currency; got != "usd" {
		t.Fatalf("expected line currency usd, got %q", got)
	}
	if params.PaymentIntentData == nil || params.PaymentIntentData.Metadata["orderId"] != "ord_77" {
		t.Fatalf("expected order metadata on the payment intent")
	}
}

func TestStripeProviderRejectsPartialClientStubs(t *testing.T) {
	_, err := NewStripeProvider(StripeProviderConfig{
		Clients: &sdkClients{sessions: &stubSessionAPI{}},
	})
	if err == nil {
		t.Fatal("expected an error for a client bundle missing the intent, refund and payment method stubs")
	}
}
