package external

import (
	"context"

	"bono/internal/types"
)

// BillingProvider is the full surface of the payment provider used by this
// service. Handlers and the reconciler depend on narrower slices of it; this
// interface exists for wiring and for swapping in fakes.
type BillingProvider interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (checkoutURL string, sessionID string, err error)
	CreatePortalSession(ctx context.Context, p PortalSessionParams) (portalURL string, err error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	ListPrices(ctx context.Context, priceIDs []string) (map[string]types.PriceInfo, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)
}

// WebhookVerifier validates a raw webhook payload against its signature
// header and the signing secret.
type WebhookVerifier interface {
	Verify(payload []byte, sigHeader string, secret string) error
}

var _ BillingProvider = (*StripeClient)(nil)
