package types

// Environment partitions all billing state between Stripe test mode and
// live mode. Every subscription-related row carries an environment column,
// and every query filters on it; a test subscription must never grant
// live access.
type Environment string

const (
	EnvTest Environment = "test"
	EnvLive Environment = "live"
)

// Valid reports whether the environment is a known value.
func (e Environment) Valid() bool {
	return e == EnvTest || e == EnvLive
}

// PlanType identifies the membership plan for a subscription.
//
// Community and Growth are legacy tiers that no longer appear in checkout
// but remain valid stored values for accounts that subscribed under them.
// They must be preserved as-is, never re-derived into the current taxonomy.
type PlanType string

const (
	PlanStandard PlanType = "standard"
	PlanFeedback PlanType = "feedback"

	// Legacy tiers, read-only.
	PlanCommunity PlanType = "community"
	PlanGrowth    PlanType = "growth"
)

// SubscriptionStatus mirrors the provider's subscription lifecycle states.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// IsActive reports whether the provider status grants an active subscription.
// Trialing counts as active; everything else does not.
func (s SubscriptionStatus) IsActive() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// Subscription durations offered at checkout, in months.
const (
	DurationMonthly   = 1
	DurationQuarterly = 3
)

// Provider webhook event types handled by the reconciler. Constants prevent
// magic strings in the webhook handler and reconciler dispatch.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.paid"
)
