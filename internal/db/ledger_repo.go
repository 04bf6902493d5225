package db

import (
	"context"
	"log/slog"
	"time"

	"bono/internal/types"
)

// ProcessedEventRepo is the idempotency ledger for provider webhook events.
// It implements billing.EventLedger.
//
// MarkProcessed is the atomic claim: INSERT ... ON CONFLICT DO NOTHING on the
// unique (event_id, environment) constraint. Exactly one of two concurrent
// deliveries observes inserted=true; the loser sees a clean no-op rather than
// a constraint error.
type ProcessedEventRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewProcessedEventRepo creates a ProcessedEventRepo.
func NewProcessedEventRepo(db DBTX, logger *slog.Logger) *ProcessedEventRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessedEventRepo{db: db, logger: logger}
}

// HasProcessed reports whether the event has already been recorded for env.
func (r *ProcessedEventRepo) HasProcessed(ctx context.Context, eventID string, env types.Environment) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM processed_events
		     WHERE event_id = $1 AND environment = $2
		 )`,
		eventID, env,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check processed event", err)
	}
	return exists, nil
}

// MarkProcessed records the event and returns whether this call inserted the
// row. A false return means another delivery won the race.
func (r *ProcessedEventRepo) MarkProcessed(ctx context.Context, eventID, eventType string, env types.Environment) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, environment, event_type, processed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id, environment) DO NOTHING`,
		eventID, env, eventType, time.Now().UTC(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record processed event", err)
	}
	return tag.RowsAffected() > 0, nil
}
