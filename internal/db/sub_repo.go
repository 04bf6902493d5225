package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"bono/internal/types"
)

// SubscriptionRepo manages canonical local subscription state, one row per
// (user_id, environment). It implements billing.SubscriptionStore.
//
// Key invariants:
//   - Upsert relies on the unique (user_id, environment) constraint; conflict
//     resolution is overwrite, not merge.
//   - Deactivate only applies while the stored provider_subscription_id still
//     matches the event's, so a stale deletion for a superseded subscription
//     cannot clobber its replacement.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

const subscriptionColumns = `user_id, environment, plan_type, duration_months, is_active,
	       provider_subscription_id, provider_customer_id,
	       cancel_at_period_end, cancel_at, current_period_end, updated_at`

// GetByUser returns the subscription record for (userID, env), or nil when
// the user has never subscribed in that environment.
func (r *SubscriptionRepo) GetByUser(ctx context.Context, userID string, env types.Environment) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND environment = $2`,
		userID, env,
	)

	rec, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription record", err)
	}
	return rec, nil
}

// Upsert inserts or overwrites the record keyed by (user_id, environment).
func (r *SubscriptionRepo) Upsert(ctx context.Context, rec *types.SubscriptionRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (
		     user_id, environment, plan_type, duration_months, is_active,
		     provider_subscription_id, provider_customer_id,
		     cancel_at_period_end, cancel_at, current_period_end, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, environment) DO UPDATE SET
		     plan_type = EXCLUDED.plan_type,
		     duration_months = EXCLUDED.duration_months,
		     is_active = EXCLUDED.is_active,
		     provider_subscription_id = EXCLUDED.provider_subscription_id,
		     provider_customer_id = EXCLUDED.provider_customer_id,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     cancel_at = EXCLUDED.cancel_at,
		     current_period_end = EXCLUDED.current_period_end,
		     updated_at = EXCLUDED.updated_at`,
		rec.UserID, rec.Environment, rec.PlanType, rec.DurationMonths, rec.IsActive,
		rec.ProviderSubscriptionID, rec.ProviderCustomerID,
		rec.CancelAtPeriodEnd, rec.CancelAt, rec.CurrentPeriodEnd, rec.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription record", err)
	}
	return nil
}

// ListActiveExcept returns active records for (userID, env) whose provider
// subscription ID differs from excludeSubID. With one row per user per
// environment this yields at most one record, but the contract stays general.
func (r *SubscriptionRepo) ListActiveExcept(ctx context.Context, userID string, env types.Environment, excludeSubID string) ([]*types.SubscriptionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND environment = $2
		   AND is_active = TRUE
		   AND provider_subscription_id <> $3`,
		userID, env, excludeSubID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active subscriptions", err)
	}
	defer rows.Close()

	var recs []*types.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed reading subscription rows", err)
	}
	return recs, nil
}

// Deactivate clears is_active for (userID, env) only while the stored
// provider subscription ID still equals subscriptionID. Returns false when
// the guard did not match; callers treat that as a stale-event no-op.
func (r *SubscriptionRepo) Deactivate(ctx context.Context, userID string, env types.Environment, subscriptionID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET is_active = FALSE,
		     cancel_at_period_end = FALSE,
		     updated_at = NOW()
		 WHERE user_id = $1 AND environment = $2
		   AND provider_subscription_id = $3`,
		userID, env, subscriptionID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// scanSubscription reads one subscription row into a record.
func scanSubscription(row pgx.Row) (*types.SubscriptionRecord, error) {
	var rec types.SubscriptionRecord
	err := row.Scan(
		&rec.UserID, &rec.Environment, &rec.PlanType, &rec.DurationMonths, &rec.IsActive,
		&rec.ProviderSubscriptionID, &rec.ProviderCustomerID,
		&rec.CancelAtPeriodEnd, &rec.CancelAt, &rec.CurrentPeriodEnd, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
