package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"bono/internal/types"
)

// CustomerMappingRepo persists the provider-customer-to-user mapping that lets
// subscription lifecycle events (which carry only a customer ID) be resolved
// back to a user. It implements billing.CustomerDirectory.
type CustomerMappingRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewCustomerMappingRepo creates a CustomerMappingRepo.
func NewCustomerMappingRepo(db DBTX, logger *slog.Logger) *CustomerMappingRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomerMappingRepo{db: db, logger: logger}
}

// Upsert records the customer-to-user link. One mapping exists per
// (user_id, environment); a checkout that minted a fresh provider customer
// replaces the user's old link, so stale customer IDs stop resolving.
func (r *CustomerMappingRepo) Upsert(ctx context.Context, m types.CustomerMapping) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO customer_mappings (user_id, environment, provider_customer_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, environment) DO UPDATE SET
		     provider_customer_id = EXCLUDED.provider_customer_id`,
		m.UserID, m.Environment, m.ProviderCustomerID, time.Now().UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert customer mapping", err)
	}
	return nil
}

// CustomerByUser resolves a user ID to their provider customer ID. Returns a
// not_found_customer error when the user has never been through checkout in
// this environment.
func (r *CustomerMappingRepo) CustomerByUser(ctx context.Context, userID string, env types.Environment) (string, error) {
	var customerID string
	err := r.db.QueryRow(ctx,
		`SELECT provider_customer_id FROM customer_mappings
		 WHERE user_id = $1 AND environment = $2`,
		userID, env,
	).Scan(&customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundCustomer, "no provider customer for user", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve provider customer", err)
	}
	return customerID, nil
}

// UserByCustomer resolves a provider customer ID to a user ID. Returns a
// not_found_user error when no mapping exists yet, which callers use to defer
// events that arrived before their checkout.
func (r *CustomerMappingRepo) UserByCustomer(ctx context.Context, customerID string, env types.Environment) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM customer_mappings
		 WHERE provider_customer_id = $1 AND environment = $2`,
		customerID, env,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundUser, "no user mapped to provider customer", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve customer mapping", err)
	}
	return userID, nil
}
