// Package billing contains the subscription reconciliation core: the
// environment resolver, price/plan mapper, access permission calculator,
// the reconciler state machine, and the cached price listing.
package billing

import (
	"fmt"

	"bono/internal/config"
	"bono/internal/types"
)

// Environment bundles everything that differs between Stripe test mode and
// live mode: the API secret key, the webhook signing secret, and the price
// catalog. It is resolved once at startup and passed explicitly to every
// component that needs it; nothing reads the mode from ambient global state,
// so tests can exercise both environments in the same process.
type Environment struct {
	Tag           types.Environment
	SecretKey     types.SecretString
	WebhookSecret types.SecretString
	Catalog       *PriceCatalog
}

// ResolveEnvironment selects the active billing environment from the loaded
// configuration. A missing secret for the selected mode is a fatal
// configuration error naming the exact variable; it is never silently
// substituted. The mode flag itself is the only value with a default (test).
func ResolveEnvironment(cfg *config.Config) (*Environment, error) {
	b := cfg.Billing

	switch types.Environment(b.Mode) {
	case types.EnvTest:
		if b.TestSecretKey.Unmask() == "" {
			return nil, types.NewAppError(types.ErrCodeConfigMissingSecret,
				"STRIPE_TEST_SECRET_KEY is required when BILLING_MODE=test", nil)
		}
		if b.TestWebhookSecret.Unmask() == "" {
			return nil, types.NewAppError(types.ErrCodeConfigMissingSecret,
				"STRIPE_TEST_WEBHOOK_SECRET is required when BILLING_MODE=test", nil)
		}
		catalog, err := newCatalog(types.EnvTest, map[PlanKey]string{
			{types.PlanStandard, types.DurationMonthly}:   b.TestPriceStandard1M,
			{types.PlanStandard, types.DurationQuarterly}: b.TestPriceStandard3M,
			{types.PlanFeedback, types.DurationMonthly}:   b.TestPriceFeedback1M,
			{types.PlanFeedback, types.DurationQuarterly}: b.TestPriceFeedback3M,
		})
		if err != nil {
			return nil, err
		}
		return &Environment{
			Tag:           types.EnvTest,
			SecretKey:     b.TestSecretKey,
			WebhookSecret: b.TestWebhookSecret,
			Catalog:       catalog,
		}, nil

	case types.EnvLive:
		if b.LiveSecretKey.Unmask() == "" {
			return nil, types.NewAppError(types.ErrCodeConfigMissingSecret,
				"STRIPE_LIVE_SECRET_KEY is required when BILLING_MODE=live", nil)
		}
		if b.LiveWebhookSecret.Unmask() == "" {
			return nil, types.NewAppError(types.ErrCodeConfigMissingSecret,
				"STRIPE_LIVE_WEBHOOK_SECRET is required when BILLING_MODE=live", nil)
		}
		catalog, err := newCatalog(types.EnvLive, map[PlanKey]string{
			{types.PlanStandard, types.DurationMonthly}:   b.LivePriceStandard1M,
			{types.PlanStandard, types.DurationQuarterly}: b.LivePriceStandard3M,
			{types.PlanFeedback, types.DurationMonthly}:   b.LivePriceFeedback1M,
			{types.PlanFeedback, types.DurationQuarterly}: b.LivePriceFeedback3M,
		})
		if err != nil {
			return nil, err
		}
		return &Environment{
			Tag:           types.EnvLive,
			SecretKey:     b.LiveSecretKey,
			WebhookSecret: b.LiveWebhookSecret,
			Catalog:       catalog,
		}, nil

	default:
		return nil, types.NewAppError(types.ErrCodeConfigMissingSecret,
			fmt.Sprintf("BILLING_MODE must be %q or %q, got %q", types.EnvTest, types.EnvLive, b.Mode), nil)
	}
}
