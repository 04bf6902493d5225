package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bono/internal/types"
)

// newAuditID mints the primary key for an audit row.
func newAuditID() string {
	return uuid.NewString()
}

// checkoutModeSubscription is the only checkout mode the reconciler acts on;
// one-time payment sessions are acknowledged and ignored.
const checkoutModeSubscription = "subscription"

// ---------------------------------------------------------------------------
// Store interfaces (implemented by internal/db, mocked in tests)
// ---------------------------------------------------------------------------

// SubscriptionStore is the reconciler's view of local subscription state.
type SubscriptionStore interface {
	// GetByUser returns the record for (userID, env), or nil when none exists.
	GetByUser(ctx context.Context, userID string, env types.Environment) (*types.SubscriptionRecord, error)

	// Upsert inserts or overwrites the record keyed by (UserID, Environment).
	// Overwrite, never merge: handlers re-derive every field from the event.
	Upsert(ctx context.Context, rec *types.SubscriptionRecord) error

	// ListActiveExcept returns active records for (userID, env) whose provider
	// subscription ID differs from excludeSubID. These are supersession
	// candidates during a plan-change checkout.
	ListActiveExcept(ctx context.Context, userID string, env types.Environment, excludeSubID string) ([]*types.SubscriptionRecord, error)

	// Deactivate clears IsActive for (userID, env) only while the stored
	// provider subscription ID still equals subscriptionID. Returns false
	// when the guard did not match (stale event, no-op).
	Deactivate(ctx context.Context, userID string, env types.Environment, subscriptionID string) (bool, error)
}

// EventLedger is the idempotency ledger gating duplicate webhook deliveries.
type EventLedger interface {
	// HasProcessed reports whether the event was already handled.
	HasProcessed(ctx context.Context, eventID string, env types.Environment) (bool, error)

	// MarkProcessed records the event as handled via an atomic
	// insert-if-not-exists. Returns false when a concurrent writer won the
	// race; that outcome is benign and treated as already-processed.
	MarkProcessed(ctx context.Context, eventID, eventType string, env types.Environment) (bool, error)
}

// CustomerDirectory maps users to provider customers, per environment.
type CustomerDirectory interface {
	Upsert(ctx context.Context, m types.CustomerMapping) error

	// UserByCustomer resolves a provider customer ID to the local user.
	// Returns a not_found_user AppError when no mapping exists.
	UserByCustomer(ctx context.Context, customerID string, env types.Environment) (string, error)
}

// AuditLog is the append-only history of billing events. It doubles as the
// resolution path from a provider subscription ID back to the owning user,
// since invoice and deletion events carry no user reference.
type AuditLog interface {
	Insert(ctx context.Context, entry *types.SubscriptionAuditEntry) error

	// UserBySubscription resolves a provider subscription ID to the local
	// user via the most recent audit entry. Returns a not_found_user
	// AppError when the subscription was never seen.
	UserBySubscription(ctx context.Context, subscriptionID string, env types.Environment) (string, error)
}

// ProviderGateway is the slice of the payment-provider client the reconciler
// needs: canceling superseded subscriptions. Best-effort only.
type ProviderGateway interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// ---------------------------------------------------------------------------
// Reconciler
// ---------------------------------------------------------------------------

// Reconciler merges verified billing events into canonical stored state.
//
// It is the state machine NONE → ACTIVE → {ACTIVE_PENDING_CANCEL → CANCELED},
// with ACTIVE → ACTIVE self-transitions on plan change and any state → ACTIVE
// on a fresh checkout. Handlers are idempotent and order-tolerant: plan and
// duration are always re-derived from the authoritative price ID, updates
// overwrite rather than merge, and deactivations only apply while the event's
// subscription ID still matches the stored one.
type Reconciler struct {
	env      *Environment
	subs     SubscriptionStore
	ledger   EventLedger
	dir      CustomerDirectory
	audit    AuditLog
	provider ProviderGateway
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler bound to one billing environment.
func NewReconciler(
	env *Environment,
	subs SubscriptionStore,
	ledger EventLedger,
	dir CustomerDirectory,
	audit AuditLog,
	provider ProviderGateway,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		env:      env,
		subs:     subs,
		ledger:   ledger,
		dir:      dir,
		audit:    audit,
		provider: provider,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process applies one verified event end to end: idempotency check, dispatch
// to the event-type handler, ledger write. The ledger entry is written only
// after the handler succeeds, so a failed event stays eligible for the
// provider's own redelivery. A lost MarkProcessed race is treated as success.
func (rc *Reconciler) Process(ctx context.Context, ev *types.BillingEvent) error {
	if ev.Environment != rc.env.Tag {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("event %s tagged %s routed to %s reconciler", ev.ID, ev.Environment, rc.env.Tag), nil)
	}

	done, err := rc.ledger.HasProcessed(ctx, ev.ID, rc.env.Tag)
	if err != nil {
		return err
	}
	if done {
		rc.logger.InfoContext(ctx, "duplicate event skipped",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)
		return nil
	}

	if err := rc.dispatch(ctx, ev); err != nil {
		return err
	}

	inserted, err := rc.ledger.MarkProcessed(ctx, ev.ID, ev.Type, rc.env.Tag)
	if err != nil {
		return err
	}
	if !inserted {
		// A concurrent delivery committed first. Side effects are idempotent
		// upserts keyed by user+environment, so this is a benign no-op.
		rc.logger.InfoContext(ctx, "lost idempotency insert race; treating as already processed",
			"event_id", ev.ID,
		)
	}
	return nil
}

func (rc *Reconciler) dispatch(ctx context.Context, ev *types.BillingEvent) error {
	switch ev.Type {
	case types.EventCheckoutCompleted:
		return rc.handleCheckoutCompleted(ctx, ev)
	case types.EventSubscriptionUpdated:
		return rc.handleSubscriptionUpdated(ctx, ev)
	case types.EventInvoicePaid:
		return rc.handleInvoicePaid(ctx, ev)
	case types.EventSubscriptionDeleted:
		return rc.handleSubscriptionDeleted(ctx, ev)
	default:
		rc.logger.InfoContext(ctx, "ignoring unhandled event type",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)
		return nil
	}
}

// handleCheckoutCompleted confirms a new subscription after checkout.
//
// Sequence: resolve user from session metadata, derive plan/duration from
// the price ID, cancel and deactivate superseded subscriptions, upsert the
// customer mapping and subscription record, append the audit row.
func (rc *Reconciler) handleCheckoutCompleted(ctx context.Context, ev *types.BillingEvent) error {
	if ev.CheckoutMode != "" && ev.CheckoutMode != checkoutModeSubscription {
		rc.logger.InfoContext(ctx, "ignoring non-subscription checkout",
			"event_id", ev.ID,
			"mode", ev.CheckoutMode,
		)
		return nil
	}

	if ev.UserID == "" {
		// Redelivery cannot supply metadata that was never set, so this event
		// is dropped (handled-with-no-effect), not failed.
		rc.logger.ErrorContext(ctx, "checkout completed without user_id metadata; dropping event",
			"event_id", ev.ID,
			"subscription_id", ev.SubscriptionID,
			"customer_id", ev.CustomerID,
		)
		return nil
	}

	key := rc.resolvePlan(ctx, ev)

	// Supersession: a plan-change checkout briefly leaves two provider
	// subscriptions for the same user. Cancel the older ones at the provider
	// (best effort) and force them inactive locally before the new record
	// takes over.
	superseded, err := rc.subs.ListActiveExcept(ctx, ev.UserID, rc.env.Tag, ev.SubscriptionID)
	if err != nil {
		return err
	}
	for _, old := range superseded {
		if old.ProviderSubscriptionID != "" {
			if cancelErr := rc.provider.CancelSubscription(ctx, old.ProviderSubscriptionID); cancelErr != nil {
				rc.logger.ErrorContext(ctx, "failed to cancel superseded subscription at provider",
					"event_id", ev.ID,
					"user_id", ev.UserID,
					"superseded_subscription_id", old.ProviderSubscriptionID,
					"error", cancelErr,
				)
				// Continue: the primary reconciliation write must not be
				// blocked by a provider-side cancel failure.
			}
		}
		if _, err := rc.subs.Deactivate(ctx, ev.UserID, rc.env.Tag, old.ProviderSubscriptionID); err != nil {
			return err
		}
	}

	if ev.CustomerID != "" {
		if err := rc.dir.Upsert(ctx, types.CustomerMapping{
			UserID:             ev.UserID,
			ProviderCustomerID: ev.CustomerID,
			Environment:        rc.env.Tag,
		}); err != nil {
			return err
		}
	}

	rec := &types.SubscriptionRecord{
		UserID:                 ev.UserID,
		Environment:            rc.env.Tag,
		PlanType:               key.PlanType,
		DurationMonths:         key.DurationMonths,
		IsActive:               true,
		ProviderSubscriptionID: ev.SubscriptionID,
		ProviderCustomerID:     ev.CustomerID,
		CancelAtPeriodEnd:      false,
		CancelAt:               nil,
		CurrentPeriodEnd:       ev.CurrentPeriodEnd,
		UpdatedAt:              rc.now(),
	}
	if err := rc.subs.Upsert(ctx, rec); err != nil {
		return err
	}

	return rc.appendAudit(ctx, ev, ev.UserID, key)
}

// handleSubscriptionUpdated is the sole path for portal-driven plan changes
// and cancellation scheduling to take effect locally.
func (rc *Reconciler) handleSubscriptionUpdated(ctx context.Context, ev *types.BillingEvent) error {
	userID, err := rc.dir.UserByCustomer(ctx, ev.CustomerID, rc.env.Tag)
	if err != nil {
		// No mapping yet: the update raced ahead of its checkout event.
		// Failing here leaves the ledger unwritten so redelivery can land
		// after the mapping exists.
		return fmt.Errorf("subscription.updated %s: resolving customer %s: %w", ev.ID, ev.CustomerID, err)
	}

	// Stale-delivery guard: a deactivating update for a subscription that is
	// no longer the stored one must not clobber its replacement.
	if !ev.Status.IsActive() {
		current, err := rc.subs.GetByUser(ctx, userID, rc.env.Tag)
		if err != nil {
			return err
		}
		if current != nil && current.ProviderSubscriptionID != "" &&
			current.ProviderSubscriptionID != ev.SubscriptionID {
			rc.logger.InfoContext(ctx, "stale subscription.updated for superseded subscription ignored",
				"event_id", ev.ID,
				"event_subscription_id", ev.SubscriptionID,
				"stored_subscription_id", current.ProviderSubscriptionID,
			)
			return nil
		}
	}

	key := rc.resolvePlan(ctx, ev)

	rec := &types.SubscriptionRecord{
		UserID:                 userID,
		Environment:            rc.env.Tag,
		PlanType:               key.PlanType,
		DurationMonths:         key.DurationMonths,
		IsActive:               ev.Status.IsActive(),
		ProviderSubscriptionID: ev.SubscriptionID,
		ProviderCustomerID:     ev.CustomerID,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		CancelAt:               ev.CancelAt,
		CurrentPeriodEnd:       ev.CurrentPeriodEnd,
		UpdatedAt:              rc.now(),
	}
	return rc.subs.Upsert(ctx, rec)
}

// handleInvoicePaid treats a paid invoice as a renewal confirmation:
// re-derive the plan from the current price (the renewal may have happened
// at a new price), refresh the period fields, and re-assert activity.
func (rc *Reconciler) handleInvoicePaid(ctx context.Context, ev *types.BillingEvent) error {
	userID, err := rc.audit.UserBySubscription(ctx, ev.SubscriptionID, rc.env.Tag)
	if err != nil {
		if ev.CustomerID != "" {
			// The invoice may precede the checkout event; the customer
			// mapping is the secondary resolution path.
			if mapped, dirErr := rc.dir.UserByCustomer(ctx, ev.CustomerID, rc.env.Tag); dirErr == nil {
				userID = mapped
				err = nil
			}
		}
		if err != nil {
			return fmt.Errorf("invoice.paid %s: resolving subscription %s: %w", ev.ID, ev.SubscriptionID, err)
		}
	}

	key := rc.resolvePlan(ctx, ev)

	rec := &types.SubscriptionRecord{
		UserID:                 userID,
		Environment:            rc.env.Tag,
		PlanType:               key.PlanType,
		DurationMonths:         key.DurationMonths,
		IsActive:               true,
		ProviderSubscriptionID: ev.SubscriptionID,
		ProviderCustomerID:     ev.CustomerID,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		CancelAt:               ev.CancelAt,
		CurrentPeriodEnd:       ev.CurrentPeriodEnd,
		UpdatedAt:              rc.now(),
	}
	if err := rc.subs.Upsert(ctx, rec); err != nil {
		return err
	}

	return rc.appendAudit(ctx, ev, userID, key)
}

// handleSubscriptionDeleted is terminal for the given subscription ID.
// A replacement checkout creates a new ID, so a deletion that no longer
// matches the stored subscription is stale and ignored.
func (rc *Reconciler) handleSubscriptionDeleted(ctx context.Context, ev *types.BillingEvent) error {
	userID, err := rc.audit.UserBySubscription(ctx, ev.SubscriptionID, rc.env.Tag)
	if err != nil {
		rc.logger.WarnContext(ctx, "subscription.deleted for unknown subscription; nothing to do",
			"event_id", ev.ID,
			"subscription_id", ev.SubscriptionID,
		)
		return nil
	}

	applied, err := rc.subs.Deactivate(ctx, userID, rc.env.Tag, ev.SubscriptionID)
	if err != nil {
		return err
	}
	if !applied {
		rc.logger.InfoContext(ctx, "stale subscription.deleted ignored; stored subscription differs",
			"event_id", ev.ID,
			"subscription_id", ev.SubscriptionID,
			"user_id", userID,
		)
		return nil
	}

	entry := &types.SubscriptionAuditEntry{
		ID:                     newAuditID(),
		UserID:                 userID,
		Environment:            rc.env.Tag,
		EventType:              ev.Type,
		ProviderSubscriptionID: ev.SubscriptionID,
		CreatedAt:              rc.now(),
	}
	return rc.audit.Insert(ctx, entry)
}

// resolvePlan derives the plan key from the event's price ID, logging when
// the documented unknown-price fallback is taken.
func (rc *Reconciler) resolvePlan(ctx context.Context, ev *types.BillingEvent) PlanKey {
	key, known := rc.env.Catalog.Lookup(ev.PriceID)
	if !known {
		rc.logger.WarnContext(ctx, "unknown price ID; falling back to default plan",
			"event_id", ev.ID,
			"price_id", ev.PriceID,
			"fallback_plan", key.String(),
		)
	}
	return key
}

func (rc *Reconciler) appendAudit(ctx context.Context, ev *types.BillingEvent, userID string, key PlanKey) error {
	entry := &types.SubscriptionAuditEntry{
		ID:                     newAuditID(),
		UserID:                 userID,
		Environment:            rc.env.Tag,
		EventType:              ev.Type,
		ProviderSubscriptionID: ev.SubscriptionID,
		PriceID:                ev.PriceID,
		PlanType:               key.PlanType,
		DurationMonths:         key.DurationMonths,
		PeriodStart:            ev.CurrentPeriodStart,
		PeriodEnd:              ev.CurrentPeriodEnd,
		CreatedAt:              rc.now(),
	}
	return rc.audit.Insert(ctx, entry)
}
