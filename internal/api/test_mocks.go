package api

import (
	"context"

	"github.com/Harvey-AU/parcel-valuation/internal/analysis"
	"github.com/Harvey-AU/parcel-valuation/internal/db"
	"github.com/Harvey-AU/parcel-valuation/internal/jobs"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/stretchr/testify/mock"
)

// MockJobService is a mock implementation of JobService
type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Job), args.Error(1)
}

func (m *MockJobService) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Job), args.Error(1)
}

func (m *MockJobService) List(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*jobs.Job), args.Error(1)
}

func (m *MockJobService) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Job), args.Error(1)
}

func (m *MockJobService) Download(ctx context.Context, jobID string) (*jobs.Artifact, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Artifact), args.Error(1)
}

// MockAnalyzer is a mock implementation of ParcelAnalyzer
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, gid int64, opts analysis.Options) (map[string]any, error) {
	args := m.Called(ctx, gid, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

// MockSearcher is a mock implementation of ParcelSearcher
type MockSearcher struct {
	mock.Mock
}

func (m *MockSearcher) Search(ctx context.Context, query string, limit int) ([]parcel.Summary, error) {
	args := m.Called(ctx, query, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]parcel.Summary), args.Error(1)
}

// MockHealthChecker is a mock implementation of HealthChecker
type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) CheckHealth(ctx context.Context) db.HealthCheck {
	args := m.Called(ctx)
	return args.Get(0).(db.HealthCheck)
}

// newTestHandler wires a handler to fresh mocks
func newTestHandler() (*Handler, *MockJobService, *MockAnalyzer, *MockSearcher, *MockHealthChecker) {
	jobService := new(MockJobService)
	analyzer := new(MockAnalyzer)
	searcher := new(MockSearcher)
	health := new(MockHealthChecker)
	return NewHandler(jobService, analyzer, searcher, health), jobService, analyzer, searcher, health
}
