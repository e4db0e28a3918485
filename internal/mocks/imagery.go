package mocks

import (
	"context"

	"github.com/Harvey-AU/parcel-valuation/internal/imagery"
	"github.com/stretchr/testify/mock"
)

// MockRenderer is a mock implementation of imagery.Renderer
type MockRenderer struct {
	mock.Mock
}

// Render mocks the Render method
func (m *MockRenderer) Render(ctx context.Context, kind imagery.Kind, geometryWKT string) ([]byte, error) {
	args := m.Called(ctx, kind, geometryWKT)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}
