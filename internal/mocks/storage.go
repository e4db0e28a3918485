package mocks

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a mock implementation of storage.Store
type MockBlobStore struct {
	mock.Mock
}

// Upload mocks the Upload method
func (m *MockBlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, data, contentType)
	return args.String(0), args.Error(1)
}

// Open mocks the Open method
func (m *MockBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

// Exists mocks the Exists method
func (m *MockBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

// Delete mocks the Delete method
func (m *MockBlobStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// ListOlderThan mocks the ListOlderThan method
func (m *MockBlobStore) ListOlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]string, error) {
	args := m.Called(ctx, prefix, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// URL mocks the URL method
func (m *MockBlobStore) URL(key string) string {
	args := m.Called(key)
	return args.String(0)
}
