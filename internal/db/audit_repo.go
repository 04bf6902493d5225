package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"bono/internal/types"
)

// SubscriptionAuditRepo is the append-only history of billing events. Rows are
// never updated or deleted. Besides reporting, the table serves as the lookup
// path from a provider subscription ID back to the owning user for events that
// carry no user reference. It implements billing.AuditLog.
type SubscriptionAuditRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionAuditRepo creates a SubscriptionAuditRepo.
func NewSubscriptionAuditRepo(db DBTX, logger *slog.Logger) *SubscriptionAuditRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionAuditRepo{db: db, logger: logger}
}

// Insert appends one audit entry.
func (r *SubscriptionAuditRepo) Insert(ctx context.Context, entry *types.SubscriptionAuditEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscription_events (
		     id, user_id, environment, event_type,
		     provider_subscription_id, price_id, plan_type, duration_months,
		     period_start, period_end, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.UserID, entry.Environment, entry.EventType,
		entry.ProviderSubscriptionID, entry.PriceID, entry.PlanType, entry.DurationMonths,
		entry.PeriodStart, entry.PeriodEnd, entry.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription audit entry", err)
	}
	return nil
}

// UserBySubscription resolves a provider subscription ID to the owning user
// via the most recent audit entry for it. Returns not_found_user when the
// subscription was never recorded in this environment.
func (r *SubscriptionAuditRepo) UserBySubscription(ctx context.Context, subscriptionID string, env types.Environment) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM subscription_events
		 WHERE provider_subscription_id = $1 AND environment = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		subscriptionID, env,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundUser, "no user recorded for provider subscription", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve subscription owner", err)
	}
	return userID, nil
}

// History returns the audit trail for one user in one environment, newest
// first, capped at limit rows.
func (r *SubscriptionAuditRepo) History(ctx context.Context, userID string, env types.Environment, limit int) ([]*types.SubscriptionAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, environment, event_type,
		        provider_subscription_id, price_id, plan_type, duration_months,
		        period_start, period_end, created_at
		 FROM subscription_events
		 WHERE user_id = $1 AND environment = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, env, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscription audit entries", err)
	}
	defer rows.Close()

	var entries []*types.SubscriptionAuditEntry
	for rows.Next() {
		var e types.SubscriptionAuditEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Environment, &e.EventType,
			&e.ProviderSubscriptionID, &e.PriceID, &e.PlanType, &e.DurationMonths,
			&e.PeriodStart, &e.PeriodEnd, &e.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription audit row", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed reading subscription audit rows", err)
	}
	return entries, nil
}
