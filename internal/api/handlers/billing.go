package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bono/internal/billing"
	"bono/internal/core"
	"bono/internal/external"
	"bono/internal/types"
)

// SubscriptionReader is the read-side of subscription state.
type SubscriptionReader interface {
	GetByUser(ctx context.Context, userID string, env types.Environment) (*types.SubscriptionRecord, error)
}

// CustomerLookup resolves a user to their provider customer ID.
type CustomerLookup interface {
	CustomerByUser(ctx context.Context, userID string, env types.Environment) (string, error)
}

// SessionProvider is the slice of the payment provider used for redirects
// and for cross-checking provider-side subscription state.
type SessionProvider interface {
	CreateCheckoutSession(ctx context.Context, p external.CheckoutSessionParams) (checkoutURL string, sessionID string, err error)
	CreatePortalSession(ctx context.Context, p external.PortalSessionParams) (portalURL string, err error)
	ListSubscriptions(ctx context.Context, customerID string) ([]external.ProviderSubscription, error)
}

// PriceListing serves the cached price list.
type PriceListing interface {
	Get(ctx context.Context) (map[string]types.PriceInfo, error)
}

// AuditHistory serves the append-only billing event trail for one user.
type AuditHistory interface {
	History(ctx context.Context, userID string, env types.Environment, limit int) ([]*types.SubscriptionAuditEntry, error)
}

// BillingHandler exposes the client-facing billing endpoints: checkout and
// portal session creation, the cached price listing, and the subscription
// read with derived access flags.
type BillingHandler struct {
	subs     SubscriptionReader
	dir      CustomerLookup
	provider SessionProvider
	prices   PriceListing
	history  AuditHistory
	env      *billing.Environment
	// site is the public site origin; checkout and portal return URLs must
	// point at it so the provider can never redirect a user off-site.
	site   *url.URL
	logger *slog.Logger
	now    func() time.Time
}

// NewBillingHandler creates a BillingHandler bound to one billing environment.
func NewBillingHandler(
	subs SubscriptionReader,
	dir CustomerLookup,
	provider SessionProvider,
	prices PriceListing,
	history AuditHistory,
	env *billing.Environment,
	siteURL string,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	site, err := url.Parse(siteURL)
	if err != nil || site.Host == "" {
		site = nil
	}
	return &BillingHandler{
		subs:     subs,
		dir:      dir,
		provider: provider,
		prices:   prices,
		history:  history,
		env:      env,
		site:     site,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the billing endpoints. These expect a verified user
// identity in the context (core.UserIdentity middleware).
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/billing", func(r chi.Router) {
		r.Post("/checkout-session", h.CreateCheckoutSession)
		r.Post("/portal-session", h.CreatePortalSession)
		r.Get("/prices", h.ListPrices)
		r.Get("/subscription", h.GetSubscription)
		r.Get("/subscription/history", h.GetSubscriptionHistory)
	})
}

type checkoutSessionRequest struct {
	Plan           string `json:"plan"`
	DurationMonths int    `json:"duration_months"`
	ReturnURL      string `json:"return_url"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

// CreateCheckoutSession starts a new subscription checkout. Users with an
// active subscription are turned away with a 409 pointing at the plan-change
// flow; checkout would otherwise mint a second provider subscription.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req checkoutSessionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.ReturnURL == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"return_url is required", nil))
		return
	}
	if err := h.checkReturnURL(req.ReturnURL); err != nil {
		core.Error(w, r, err)
		return
	}

	key, err := billing.ParsePlanKey(req.Plan, req.DurationMonths)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	priceID, ok := h.env.Catalog.PriceID(key)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeConfigMissingPrice,
			"no price configured for plan "+key.String(), nil))
		return
	}

	rec, err := h.subs.GetByUser(r.Context(), userID, h.env.Tag)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if rec != nil && rec.IsActive {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeConflictActiveSubscription,
			"an active subscription already exists; use the plan-change flow", nil,
			map[string]any{
				"current_plan":     string(rec.PlanType),
				"current_duration": rec.DurationMonths,
			}))
		return
	}

	params := external.CheckoutSessionParams{
		UserID:     userID,
		PriceID:    priceID,
		SuccessURL: withQueryFlag(req.ReturnURL, "checkout", "success"),
		CancelURL:  withQueryFlag(req.ReturnURL, "checkout", "cancelled"),
	}
	// Reuse the provider customer from a previous subscription when one
	// exists; a brand-new user just gets a fresh customer at checkout.
	if customerID, dirErr := h.dir.CustomerByUser(r.Context(), userID, h.env.Tag); dirErr == nil {
		params.CustomerID = customerID

		// Local state can lag a webhook; cross-check the provider before
		// minting a second subscription for the same customer. Best effort:
		// a failed listing falls back to the local guard above.
		provSubs, listErr := h.provider.ListSubscriptions(r.Context(), customerID)
		if listErr != nil {
			h.logger.WarnContext(r.Context(), "could not cross-check provider subscriptions",
				"user_id", userID,
				"customer_id", customerID,
				"error", listErr,
			)
		} else {
			for _, sub := range provSubs {
				if sub.Status.IsActive() {
					core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeConflictActiveSubscription,
						"an active subscription already exists at the provider; use the plan-change flow", nil,
						map[string]any{"provider_subscription_id": sub.ID}))
					return
				}
			}
		}
	}

	checkoutURL, sessionID, err := h.provider.CreateCheckoutSession(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"user_id", userID,
		"session_id", sessionID,
		"plan", key.String(),
		"environment", h.env.Tag,
	)
	core.JSON(w, r, http.StatusOK, sessionResponse{URL: checkoutURL})
}

type portalSessionRequest struct {
	ReturnURL      string `json:"return_url"`
	Plan           string `json:"plan,omitempty"`
	DurationMonths int    `json:"duration_months,omitempty"`
}

// CreatePortalSession opens the billing portal for an existing customer.
// Supplying a plan and duration deep-links into the subscription-update
// confirmation for that target.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req portalSessionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.ReturnURL == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"return_url is required", nil))
		return
	}
	if err := h.checkReturnURL(req.ReturnURL); err != nil {
		core.Error(w, r, err)
		return
	}

	customerID, err := h.dir.CustomerByUser(r.Context(), userID, h.env.Tag)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	params := external.PortalSessionParams{
		CustomerID: customerID,
		ReturnURL:  req.ReturnURL,
	}

	if req.Plan != "" || req.DurationMonths != 0 {
		key, err := billing.ParsePlanKey(req.Plan, req.DurationMonths)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		priceID, ok := h.env.Catalog.PriceID(key)
		if !ok {
			core.Error(w, r, types.NewAppError(types.ErrCodeConfigMissingPrice,
				"no price configured for plan "+key.String(), nil))
			return
		}

		rec, err := h.subs.GetByUser(r.Context(), userID, h.env.Tag)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		if rec != nil && rec.IsActive && rec.ProviderSubscriptionID != "" {
			params.UpdateSubscriptionID = rec.ProviderSubscriptionID
			params.UpdatePriceID = priceID
		} else {
			// No live subscription to retarget; open the plain portal.
			h.logger.InfoContext(r.Context(), "portal deep link requested without an active subscription",
				"user_id", userID,
				"target_plan", key.String(),
			)
		}
	}

	portalURL, err := h.provider.CreatePortalSession(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sessionResponse{URL: portalURL})
}

// ListPrices serves the cached provider price listing keyed by plan-duration.
func (h *BillingHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.prices.Get(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"prices": prices})
}

type subscriptionResponse struct {
	Subscription *types.SubscriptionRecord `json:"subscription"`
	Access       types.Access              `json:"access"`
	// AccessExpiresAt is cancelAt when a scheduled cancellation is pending,
	// otherwise currentPeriodEnd.
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
}

// GetSubscription returns the stored record and access flags derived from
// the same read, so the two can never disagree. A user with no record gets
// a null subscription and no access rather than a 404.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	rec, err := h.subs.GetByUser(r.Context(), userID, h.env.Tag)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := subscriptionResponse{Subscription: rec}
	if rec != nil {
		resp.Access = billing.AccessForRecord(rec, h.now())
		resp.AccessExpiresAt = rec.AccessExpiresAt()
	}
	core.JSON(w, r, http.StatusOK, resp)
}

type historyResponse struct {
	Events []*types.SubscriptionAuditEntry `json:"events"`
}

// GetSubscriptionHistory returns the user's billing event trail, newest first.
// An optional limit query parameter caps the row count.
func (h *BillingHandler) GetSubscriptionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a positive integer", err))
			return
		}
		limit = n
	}

	entries, err := h.history.History(r.Context(), userID, h.env.Tag, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.SubscriptionAuditEntry{}
	}
	core.JSON(w, r, http.StatusOK, historyResponse{Events: entries})
}

// checkReturnURL rejects return URLs pointing away from the configured site,
// so session redirects stay server-controlled.
func (h *BillingHandler) checkReturnURL(raw string) error {
	if h.site == nil {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != h.site.Scheme || u.Host != h.site.Host {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidReturnURL,
			"return_url must be on the site origin", err,
			map[string]any{"allowed_origin": h.site.Scheme + "://" + h.site.Host})
	}
	return nil
}

// requireUser pulls the gateway-verified user ID from the context.
func (h *BillingHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"user identity missing from request", nil))
		return "", false
	}
	return userID, true
}

// withQueryFlag appends key=value to a URL, preserving existing queries.
func withQueryFlag(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
