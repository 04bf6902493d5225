package external

import (
	stripe "github.com/stripe/stripe-go/v82"
)

// StripeVerifier implements WebhookVerifier using stripe-go's payload
// validation: HMAC-SHA256 over the raw body with timestamp tolerance.
// Verification always runs against the raw request bytes, never a re-encoded
// form of the payload.
type StripeVerifier struct{}

// Verify validates the Stripe-Signature header for the given payload.
func (v *StripeVerifier) Verify(payload []byte, sigHeader string, secret string) error {
	return stripe.ValidatePayload(payload, sigHeader, secret)
}

var _ WebhookVerifier = (*StripeVerifier)(nil)
