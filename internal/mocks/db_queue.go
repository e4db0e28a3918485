package mocks

import (
	"context"
	"database/sql"

	"github.com/stretchr/testify/mock"
)

// MockDbQueue is a mock implementation of the transactional queue used by the
// job store. The transaction function is never run.
type MockDbQueue struct {
	mock.Mock
}

// Execute mocks the Execute method
func (m *MockDbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}

// ExecuteWithRetry mocks the ExecuteWithRetry method
func (m *MockDbQueue) ExecuteWithRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}
