// Package types defines the domain model, enums, and error taxonomy shared
// across the billing reconciliation service. It has no dependencies on other
// internal packages so that every layer can import it freely.
package types

import "time"

// SubscriptionRecord is the canonical local billing state for one user in one
// environment. It is the unit of contention for concurrent webhook handlers:
// upserts are keyed by (UserID, Environment) and rely on the database's
// native conflict resolution rather than explicit locking.
//
// Invariant: at most one record per (UserID, Environment), and that record is
// the only one that may have IsActive=true. Transient states where two
// provider subscriptions exist (mid plan-change) are resolved by the
// reconciler canceling the superseded one.
type SubscriptionRecord struct {
	UserID      string      `json:"user_id"`
	Environment Environment `json:"environment"`
	PlanType    PlanType    `json:"plan_type"`
	// DurationMonths is 1 or 3.
	DurationMonths int  `json:"duration_months"`
	IsActive       bool `json:"is_active"`

	ProviderSubscriptionID string `json:"provider_subscription_id"`
	ProviderCustomerID     string `json:"provider_customer_id"`

	// CancelAtPeriodEnd is true once a cancellation is scheduled while access
	// persists until the paid period elapses. When true, CancelAt is the
	// authoritative "access expires at" timestamp; otherwise CurrentPeriodEnd is.
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CancelAt          *time.Time `json:"cancel_at,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AccessExpiresAt returns the timestamp after which access lapses, honoring
// the CancelAt-over-CurrentPeriodEnd precedence. Nil when no end is known.
func (r *SubscriptionRecord) AccessExpiresAt() *time.Time {
	if r.CancelAtPeriodEnd && r.CancelAt != nil {
		return r.CancelAt
	}
	return r.CurrentPeriodEnd
}

// ProcessedEvent is an idempotency ledger entry. A row's existence for
// (EventID, Environment) is the sole gate against reprocessing a redelivered
// webhook event. Rows are inserted exactly once and never updated or deleted.
type ProcessedEvent struct {
	EventID     string      `json:"event_id"`
	EventType   string      `json:"event_type"`
	Environment Environment `json:"environment"`
	ProcessedAt time.Time   `json:"processed_at"`
}

// CustomerMapping links a local user to a provider customer, per environment.
// Created on first checkout or on the first webhook referencing an unseen
// customer; unique per (UserID, Environment).
type CustomerMapping struct {
	UserID             string      `json:"user_id"`
	ProviderCustomerID string      `json:"provider_customer_id"`
	Environment        Environment `json:"environment"`
}

// Access holds the derived permission flags computed from a subscription
// record snapshot. Never persisted; recomputed on every read.
type Access struct {
	HasMemberAccess   bool `json:"has_member_access"`
	HasLearningAccess bool `json:"has_learning_access"`
}

// SubscriptionAuditEntry is an append-only historical record of a billing
// event's effect, distinct from the mutable SubscriptionRecord. Besides
// reporting, the audit table is the lookup path from a provider subscription
// ID back to the owning user for events that carry no user reference.
type SubscriptionAuditEntry struct {
	ID                     string      `json:"id"`
	UserID                 string      `json:"user_id"`
	Environment            Environment `json:"environment"`
	EventType              string      `json:"event_type"`
	ProviderSubscriptionID string      `json:"provider_subscription_id"`
	PriceID                string      `json:"price_id"`
	PlanType               PlanType    `json:"plan_type"`
	DurationMonths         int         `json:"duration_months"`
	PeriodStart            *time.Time  `json:"period_start,omitempty"`
	PeriodEnd              *time.Time  `json:"period_end,omitempty"`
	CreatedAt              time.Time   `json:"created_at"`
}

// BillingEvent is the normalized form of a verified provider webhook event.
// The webhook handler parses the raw payload into this struct; the reconciler
// consumes it without ever touching provider JSON. Fields that a given event
// type does not carry are left zero.
type BillingEvent struct {
	ID          string
	Type        string
	Environment Environment
	CreatedAt   time.Time

	// UserID is only present on checkout events (from session metadata).
	// Other events resolve the user via the customer mapping or audit table.
	UserID string

	CustomerID     string
	SubscriptionID string
	// PriceID is the authoritative source for plan/duration derivation.
	// Client-supplied plan metadata is never trusted for billing state.
	PriceID string

	Status SubscriptionStatus
	// CheckoutMode distinguishes subscription checkouts from one-time
	// payments; non-subscription modes are ignored.
	CheckoutMode string

	CancelAtPeriodEnd  bool
	CancelAt           *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// PriceInfo is a read-only view of a provider price used by the cached
// price-listing endpoint.
type PriceInfo struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Recurring  string `json:"recurring"`
}
