package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockQueue(t *testing.T) (*DbQueue, sqlmock.Sqlmock) {
	t.Helper()

	mockSQLDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockSQLDB.Close() })

	return NewDbQueue(mockSQLDB), mock
}

func TestDbQueue_Execute_Commits(t *testing.T) {
	queue, mock := setupMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE batch_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := queue.Execute(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE batch_jobs SET status = 'failed'")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDbQueue_Execute_RollsBackOnError(t *testing.T) {
	queue, mock := setupMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := queue.Execute(context.Background(), func(tx *sql.Tx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDbQueue_Execute_BeginFailure(t *testing.T) {
	queue, mock := setupMockQueue(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := queue.Execute(context.Background(), func(tx *sql.Tx) error {
		t.Fatal("operation must not run without a transaction")
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
}

func TestDbQueue_ExecuteWithRetry(t *testing.T) {
	tests := []struct {
		name          string
		errs          []error
		expectedCalls int
		expectErr     bool
	}{
		{
			name:          "succeeds_first_time",
			errs:          []error{nil},
			expectedCalls: 1,
		},
		{
			name:          "retries_connection_error",
			errs:          []error{&pq.Error{Code: "08006"}, nil},
			expectedCalls: 2,
		},
		{
			name:          "gives_up_after_three_attempts",
			errs:          []error{&pq.Error{Code: "08006"}, &pq.Error{Code: "08006"}, &pq.Error{Code: "08006"}},
			expectedCalls: 3,
			expectErr:     true,
		},
		{
			name:          "data_error_not_retried",
			errs:          []error{&pq.Error{Code: "23505"}},
			expectedCalls: 1,
			expectErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, mock := setupMockQueue(t)

			for _, e := range tt.errs {
				mock.ExpectBegin()
				if e == nil {
					mock.ExpectCommit()
				} else {
					mock.ExpectRollback()
				}
			}

			calls := 0
			err := queue.ExecuteWithRetry(context.Background(), func(tx *sql.Tx) error {
				e := tt.errs[calls]
				calls++
				return e
			})

			assert.Equal(t, tt.expectedCalls, calls)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
