package external

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bono/internal/types"
)

func newTestStripeClient(t *testing.T, handler http.Handler) (*StripeClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"stripe-test",
		testRetryPolicy(),
		"Bono/1.0",
		WithSleepFunc(func(time.Duration) {}),
	)
	client := NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_xyz",
		BaseURL:   srv.URL,
	})
	return client, srv
}

func TestStripeClient_CreateCheckoutSession_Success(t *testing.T) {
	var gotForm map[string]string
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk_test_xyz" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cs_123","url":"https://checkout.stripe.com/c/cs_123"}`))
	}))

	checkoutURL, sessionID, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionParams{
		UserID:     "user_1",
		PriceID:    "price_std_1m",
		SuccessURL: "https://app.example.com/success",
		CancelURL:  "https://app.example.com/cancel",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessionID != "cs_123" {
		t.Errorf("expected session cs_123, got %s", sessionID)
	}
	if checkoutURL != "https://checkout.stripe.com/c/cs_123" {
		t.Errorf("unexpected checkout URL %s", checkoutURL)
	}

	if gotForm["mode"] != "subscription" {
		t.Errorf("expected subscription mode, got %q", gotForm["mode"])
	}
	if gotForm["client_reference_id"] != "user_1" {
		t.Errorf("client_reference_id not set: %q", gotForm["client_reference_id"])
	}
	if gotForm["metadata[user_id]"] != "user_1" {
		t.Errorf("metadata[user_id] not set: %q", gotForm["metadata[user_id]"])
	}
	if gotForm["line_items[0][price]"] != "price_std_1m" {
		t.Errorf("line item price not set: %q", gotForm["line_items[0][price]"])
	}
}

func TestStripeClient_CreateCheckoutSession_CardDeclined(t *testing.T) {
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card was declined."}}`))
	}))

	_, _, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionParams{
		UserID:  "user_1",
		PriceID: "price_std_1m",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodePaymentDeclined {
		t.Errorf("expected %s, got %s", types.ErrCodePaymentDeclined, appErr.Code)
	}
	if appErr.Details["decline_code"] != "insufficient_funds" {
		t.Errorf("decline_code not propagated: %v", appErr.Details)
	}
}

func TestStripeClient_CreatePortalSession_DeepLink(t *testing.T) {
	var gotForm map[string]string
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/billing_portal/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"bps_123","url":"https://billing.stripe.com/p/session/bps_123"}`))
	}))

	portalURL, err := client.CreatePortalSession(context.Background(), PortalSessionParams{
		CustomerID:           "cus_abc",
		ReturnURL:            "https://app.example.com/account",
		UpdateSubscriptionID: "sub_abc",
		UpdatePriceID:        "price_fb_3m",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if portalURL != "https://billing.stripe.com/p/session/bps_123" {
		t.Errorf("unexpected portal URL %s", portalURL)
	}

	if gotForm["customer"] != "cus_abc" {
		t.Errorf("customer not set: %q", gotForm["customer"])
	}
	if gotForm["flow_data[type]"] != "subscription_update_confirm" {
		t.Errorf("flow_data[type] not set: %q", gotForm["flow_data[type]"])
	}
	if gotForm["flow_data[subscription_update_confirm][items][0][price]"] != "price_fb_3m" {
		t.Errorf("deep link price not set")
	}
}

func TestStripeClient_CreatePortalSession_NoDeepLinkWithoutTarget(t *testing.T) {
	var gotForm map[string]string
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"bps_123","url":"https://billing.stripe.com/p/session/bps_123"}`))
	}))

	_, err := client.CreatePortalSession(context.Background(), PortalSessionParams{
		CustomerID: "cus_abc",
		ReturnURL:  "https://app.example.com/account",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := gotForm["flow_data[type]"]; ok {
		t.Error("flow_data should be absent without an update target")
	}
}

func TestStripeClient_NilHTTPClientGetsDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sub_abc","status":"canceled"}`))
	}))
	t.Cleanup(srv.Close)

	client := NewStripeClient(nil, StripeClientConfig{
		SecretKey: "sk_test_xyz",
		BaseURL:   srv.URL,
	})
	if err := client.CancelSubscription(context.Background(), "sub_abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStripeClient_CancelSubscription_Success(t *testing.T) {
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		if r.URL.Path != "/v1/subscriptions/sub_abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sub_abc","status":"canceled"}`))
	}))

	if err := client.CancelSubscription(context.Background(), "sub_abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStripeClient_CancelSubscription_AlreadyGone(t *testing.T) {
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such subscription"}}`))
	}))

	// 404 is swallowed: the goal state (no active subscription) already holds.
	if err := client.CancelSubscription(context.Background(), "sub_gone"); err != nil {
		t.Fatalf("expected nil for missing subscription, got %v", err)
	}
}

func TestStripeClient_ListPrices_SkipsFailures(t *testing.T) {
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/prices/price_ok":
			w.Write([]byte(`{"id":"price_ok","unit_amount":1500,"currency":"eur","recurring":{"interval":"month","interval_count":1}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such price"}}`))
		}
	}))

	prices, err := client.ListPrices(context.Background(), []string{"price_ok", "price_retired"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prices) != 1 {
		t.Fatalf("expected 1 price, got %d", len(prices))
	}
	got := prices["price_ok"]
	if got.UnitAmount != 1500 || got.Currency != "eur" {
		t.Errorf("unexpected price data: %+v", got)
	}
	if got.Recurring != "1 month" {
		t.Errorf("unexpected recurring: %q", got.Recurring)
	}
}

func TestStripeClient_ListPrices_AllFailed(t *testing.T) {
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such price"}}`))
	}))

	_, err := client.ListPrices(context.Background(), []string{"price_a", "price_b"})
	if err == nil {
		t.Fatal("expected error when no prices could be fetched")
	}
}

func TestStripeClient_ListSubscriptions_Success(t *testing.T) {
	client, _ := newTestStripeClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("customer"); got != "cus_abc" {
			t.Errorf("expected customer filter, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"sub_abc","status":"active","cancel_at_period_end":true,"items":{"data":[{"price":{"id":"price_std_1m"},"current_period_end":1776000000}]}}],"has_more":false}`))
	}))

	subs, err := client.ListSubscriptions(context.Background(), "cus_abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].ID != "sub_abc" || !subs[0].Status.IsActive() {
		t.Errorf("unexpected subscription: %+v", subs[0])
	}
	if subs[0].PriceID != "price_std_1m" {
		t.Errorf("price not mapped: %+v", subs[0])
	}
	if subs[0].CurrentPeriodEnd == nil {
		t.Error("period end not mapped")
	}
}

func TestStripeVerifier_RejectsBadSignature(t *testing.T) {
	v := &StripeVerifier{}
	err := v.Verify([]byte(`{"id":"evt_1"}`), "t=123,v1=deadbeef", "whsec_test")
	if err == nil {
		t.Fatal("expected signature verification to fail")
	}
}
