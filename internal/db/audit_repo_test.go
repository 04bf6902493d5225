package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bono/internal/types"
)

func newTestAuditEntry() *types.SubscriptionAuditEntry {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	periodEnd := now.AddDate(0, 1, 0)
	return &types.SubscriptionAuditEntry{
		ID:                     "a0a0a0a0-1111-2222-3333-444444444444",
		UserID:                 "user_1",
		Environment:            types.EnvTest,
		EventType:              types.EventCheckoutCompleted,
		ProviderSubscriptionID: "sub_abc",
		PriceID:                "price_std_1m",
		PlanType:               types.PlanStandard,
		DurationMonths:         types.DurationMonthly,
		PeriodStart:            &now,
		PeriodEnd:              &periodEnd,
		CreatedAt:              now,
	}
}

func TestSubscriptionAuditRepo_Insert_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionAuditRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Insert(context.Background(), newTestAuditEntry())
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionAuditRepo_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionAuditRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Insert(context.Background(), newTestAuditEntry())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionAuditRepo_UserBySubscription_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionAuditRepo(db, nil)

	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "user_1"
		return nil
	}}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	userID, err := repo.UserBySubscription(context.Background(), "sub_abc", types.EnvTest)
	require.NoError(t, err)
	assert.Equal(t, "user_1", userID)
}

func TestSubscriptionAuditRepo_UserBySubscription_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionAuditRepo(db, nil)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.UserBySubscription(context.Background(), "sub_never_seen", types.EnvTest)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestSubscriptionAuditRepo_History_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionAuditRepo(db, nil)

	e := newTestAuditEntry()
	rows := newMockRows(func(dest ...any) error {
		*dest[0].(*string) = e.ID
		*dest[1].(*string) = e.UserID
		*dest[2].(*types.Environment) = e.Environment
		*dest[3].(*string) = e.EventType
		*dest[4].(*string) = e.ProviderSubscriptionID
		*dest[5].(*string) = e.PriceID
		*dest[6].(*types.PlanType) = e.PlanType
		*dest[7].(*int) = e.DurationMonths
		*dest[8].(**time.Time) = e.PeriodStart
		*dest[9].(**time.Time) = e.PeriodEnd
		*dest[10].(*time.Time) = e.CreatedAt
		return nil
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	entries, err := repo.History(context.Background(), "user_1", types.EnvTest, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.EventCheckoutCompleted, entries[0].EventType)
	assert.Equal(t, types.PlanStandard, entries[0].PlanType)
}

func TestSubscriptionAuditRepo_History_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionAuditRepo(db, nil)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.History(context.Background(), "user_1", types.EnvTest, 10)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
