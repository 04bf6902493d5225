package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"bono/internal/types"
)

// stripeAPIBase is the default Stripe API base URL. Tests override it via
// StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient with
// form-encoded requests. Routing through BaseClient keeps the breaker, retry,
// and error-mapping behavior uniform and makes httptest-based testing simple.
//
// One StripeClient is bound to one environment's secret key; test and live
// never share a client.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with default resilience settings.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "Bono/1.0")
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient around a caller-provided
// BaseClient, used by tests to control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CheckoutSessionParams are the inputs for a subscription checkout.
type CheckoutSessionParams struct {
	UserID     string
	CustomerID string // reuse an existing provider customer when known
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession opens a subscription-mode checkout session. The user
// ID rides along in both metadata and client_reference_id so the completed
// webhook can be correlated back without any provider-side lookup.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (checkoutURL string, sessionID string, err error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", p.UserID)
	params.Set("metadata[user_id]", p.UserID)
	params.Set("metadata[price_id]", p.PriceID)
	params.Set("subscription_data[metadata][user_id]", p.UserID)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	if p.CustomerID != "" {
		params.Set("customer", p.CustomerID)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode checkout session response", err)
	}
	return session.URL, session.ID, nil
}

// PortalSessionParams are the inputs for a billing portal session.
type PortalSessionParams struct {
	CustomerID string
	ReturnURL  string

	// When both are set, the portal opens directly on the subscription-update
	// confirmation flow for the target price instead of the portal home.
	UpdateSubscriptionID string
	UpdatePriceID        string
}

// CreatePortalSession opens a billing portal session for an existing customer.
func (s *StripeClient) CreatePortalSession(ctx context.Context, p PortalSessionParams) (portalURL string, err error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("return_url", p.ReturnURL)
	if p.UpdateSubscriptionID != "" && p.UpdatePriceID != "" {
		params.Set("flow_data[type]", "subscription_update_confirm")
		params.Set("flow_data[subscription_update_confirm][subscription]", p.UpdateSubscriptionID)
		params.Set("flow_data[subscription_update_confirm][items][0][price]", p.UpdatePriceID)
		params.Set("flow_data[subscription_update_confirm][items][0][quantity]", "1")
	}

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession")
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode portal session response", err)
	}
	return session.URL, nil
}

// CancelSubscription cancels the subscription immediately at the provider.
// Used when a new checkout supersedes an older subscription. An already
// canceled or missing subscription is not an error for this caller, so 404
// is swallowed after logging.
func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	resp, err := s.doDelete(ctx, "/v1/subscriptions/"+subscriptionID)
	if err != nil {
		return s.wrapStripeError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		s.logger.InfoContext(ctx, "subscription already gone at provider",
			"subscription_id", subscriptionID,
		)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// ListPrices fetches current price data for the given price IDs, keyed by
// price ID. Missing or errored individual prices are skipped with a warning
// so one retired price does not take down the whole listing.
func (s *StripeClient) ListPrices(ctx context.Context, priceIDs []string) (map[string]types.PriceInfo, error) {
	out := make(map[string]types.PriceInfo, len(priceIDs))
	for _, id := range priceIDs {
		info, err := s.getPrice(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to fetch price",
				"price_id", id,
				"error", err,
			)
			continue
		}
		out[id] = info
	}
	if len(out) == 0 && len(priceIDs) > 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "no prices could be fetched", nil)
	}
	return out, nil
}

func (s *StripeClient) getPrice(ctx context.Context, priceID string) (types.PriceInfo, error) {
	resp, err := s.doGet(ctx, "/v1/prices/"+priceID, nil)
	if err != nil {
		return types.PriceInfo{}, s.wrapStripeError("GetPrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.PriceInfo{}, s.handleErrorResponse(resp, "GetPrice")
	}

	var price stripePrice
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return types.PriceInfo{}, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode price response", err)
	}

	info := types.PriceInfo{
		ID:         price.ID,
		UnitAmount: price.UnitAmount,
		Currency:   price.Currency,
	}
	if price.Recurring != nil {
		info.Recurring = fmt.Sprintf("%d %s", price.Recurring.IntervalCount, price.Recurring.Interval)
	}
	return info, nil
}

// ProviderSubscription is a thin view of a subscription as the provider sees
// it, used for operational cross-checks against local state.
type ProviderSubscription struct {
	ID                string
	Status            types.SubscriptionStatus
	PriceID           string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
}

// ListSubscriptions returns the customer's subscriptions in any status.
func (s *StripeClient) ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("ListSubscriptions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListSubscriptions")
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode subscriptions response", err)
	}

	subs := make([]ProviderSubscription, 0, len(list.Data))
	for _, sub := range list.Data {
		ps := ProviderSubscription{
			ID:                sub.ID,
			Status:            types.SubscriptionStatus(sub.Status),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if len(sub.Items.Data) > 0 {
			ps.PriceID = sub.Items.Data[0].Price.ID
			if end := sub.Items.Data[0].CurrentPeriodEnd; end > 0 {
				t := time.Unix(end, 0).UTC()
				ps.CurrentPeriodEnd = &t
			}
		}
		subs = append(subs, ps)
	}
	return subs, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error body and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message), nil)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundCustomer,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil)
	}
}

// wrapStripeError passes BaseClient AppErrors through and wraps raw transport
// errors.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

// ---------------------------------------------------------------------------
// Stripe response types
// ---------------------------------------------------------------------------

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePrice struct {
	ID         string           `json:"id"`
	UnitAmount int64            `json:"unit_amount"`
	Currency   string           `json:"currency"`
	Recurring  *stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval      string `json:"interval"`
	IntervalCount int    `json:"interval_count"`
}

type stripeSubscription struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	Items             stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price            stripePrice `json:"price"`
	CurrentPeriodEnd int64       `json:"current_period_end"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}
