package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bono/internal/types"
)

// Note: mockDBTX and mockRow are defined in sub_repo_test.go.

func TestProcessedEventRepo_HasProcessed_True(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = true
		return nil
	}}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	done, err := repo.HasProcessed(context.Background(), "evt_1", types.EnvTest)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestProcessedEventRepo_HasProcessed_False(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = false
		return nil
	}}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	done, err := repo.HasProcessed(context.Background(), "evt_unseen", types.EnvTest)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestProcessedEventRepo_HasProcessed_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	row := &mockRow{scanErr: errors.New("connection refused")}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.HasProcessed(context.Background(), "evt_1", types.EnvTest)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestProcessedEventRepo_MarkProcessed_Inserted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	inserted, err := repo.MarkProcessed(context.Background(), "evt_1", types.EventCheckoutCompleted, types.EnvTest)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestProcessedEventRepo_MarkProcessed_LostRace(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	// ON CONFLICT DO NOTHING: the concurrent winner already inserted the row.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	inserted, err := repo.MarkProcessed(context.Background(), "evt_1", types.EventCheckoutCompleted, types.EnvTest)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestProcessedEventRepo_MarkProcessed_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.MarkProcessed(context.Background(), "evt_1", types.EventCheckoutCompleted, types.EnvTest)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
