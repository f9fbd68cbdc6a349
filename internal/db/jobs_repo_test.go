package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventmail/internal/types"
)

func TestJobLockRepository_Acquire(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"new lock", "INSERT 0 1", true},
		{"expired lock reclaimed", "INSERT 0 1", true},
		{"held by another worker", "INSERT 0 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobLockRepository(db)
			db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			got, err := repo.Acquire(context.Background(), "dispatch_scheduled_emails:2025-06-09T09:05", "worker-1", 5*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobLockRepository_Acquire_ExpiresAtFromTTL(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	repo.now = func() time.Time { return testNow }

	db.On("Exec", mock.Anything, mock.Anything,
		[]any{"scan_retries:x", "worker-1", testNow, testNow.Add(10 * time.Minute)}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	_, err := repo.Acquire(context.Background(), "scan_retries:x", "worker-1", 10*time.Minute)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestJobLockRepository_Acquire_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	ok, err := repo.Acquire(context.Background(), "k", "w", time.Minute)
	assert.False(t, ok)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestJobLockRepository_Release_OnlyOwnLock(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "worker_id = $2")
	}), []any{"k", "worker-1"}).Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, repo.Release(context.Background(), "k", "worker-1"))
}

func TestJobHistoryRepository_StartFinish(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{"scan_retries", "running"}).
		Return(&mockRow{values: []any{int64(42)}})
	db.On("Exec", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		msg, ok := args[3].(*string)
		return args[0] == int64(42) && args[1] == "failed" && ok && msg != nil && *msg == "boom"
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	id, err := repo.Start(context.Background(), "scan_retries")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	require.NoError(t, repo.Finish(context.Background(), id, JobFailed, 3, errors.New("boom")))
	db.AssertExpectations(t)
}

func TestJobHistoryRepository_Finish_MissingEntry(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Finish(context.Background(), 7, JobSuccess, 0, nil)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalUnexpected))
}
