// Package config defines the configuration structure for the billing
// reconciliation service. Configuration is loaded once at process
// initialization and is immutable thereafter, following 12-Factor principles.
//
// Any missing required value or invalid format causes startup to fail
// immediately. The single exception is BILLING_MODE, which defaults to
// "test" so that a fresh deployment can never accidentally touch live money.
package config

import (
	"time"

	"bono/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Components receive only the
// specific subsets they require.
type Config struct {
	// System metadata
	AppEnv   string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service  string `envconfig:"SERVICE_NAME" default:"bono-billing"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// SiteURL is the public site base URL used for server-controlled
	// checkout/portal redirects (no trailing slash).
	SiteURL string `envconfig:"SITE_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// BillingConfig holds Stripe credentials and price identifiers for both
// environments. Which half is active is decided by Mode; the environment
// resolver (internal/billing) turns this into an explicit Environment value
// threaded through every constructor, so tests can exercise both modes in one
// process without ambient globals.
type BillingConfig struct {
	// Mode selects the active environment: "test" or "live".
	// Defaulting to test is the one permitted silent fallback.
	Mode string `envconfig:"BILLING_MODE" default:"test" validate:"oneof=test live"`

	TestSecretKey     SecretString `envconfig:"STRIPE_TEST_SECRET_KEY"`
	TestWebhookSecret SecretString `envconfig:"STRIPE_TEST_WEBHOOK_SECRET"`
	LiveSecretKey     SecretString `envconfig:"STRIPE_LIVE_SECRET_KEY"`
	LiveWebhookSecret SecretString `envconfig:"STRIPE_LIVE_WEBHOOK_SECRET"`

	// Price identifiers, one per (plan, duration) per environment.
	// Price IDs are not secrets.
	TestPriceStandard1M string `envconfig:"STRIPE_TEST_PRICE_STANDARD_1M"`
	TestPriceStandard3M string `envconfig:"STRIPE_TEST_PRICE_STANDARD_3M"`
	TestPriceFeedback1M string `envconfig:"STRIPE_TEST_PRICE_FEEDBACK_1M"`
	TestPriceFeedback3M string `envconfig:"STRIPE_TEST_PRICE_FEEDBACK_3M"`
	LivePriceStandard1M string `envconfig:"STRIPE_LIVE_PRICE_STANDARD_1M"`
	LivePriceStandard3M string `envconfig:"STRIPE_LIVE_PRICE_STANDARD_3M"`
	LivePriceFeedback1M string `envconfig:"STRIPE_LIVE_PRICE_FEEDBACK_1M"`
	LivePriceFeedback3M string `envconfig:"STRIPE_LIVE_PRICE_FEEDBACK_3M"`

	// PriceCacheTTL bounds staleness of the cached price listing.
	PriceCacheTTL time.Duration `envconfig:"PRICE_CACHE_TTL" default:"1h"`
}
