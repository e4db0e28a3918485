package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/analysis"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/Harvey-AU/parcel-valuation/internal/storage"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store sharing the update rules of PostgresStore
type memoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	history   map[string][]Job
	now       func() time.Time
	updateErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:    make(map[string]*Job),
		history: make(map[string][]Job),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	stored := *job
	s.jobs[job.ID] = &stored
	s.history[job.ID] = append(s.history[job.ID], stored)
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (s *memoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts = opts.normalised()

	var all []*Job
	for _, job := range s.jobs {
		if opts.UserID != "" && job.UserID != opts.UserID {
			continue
		}
		out := *job
		all = append(all, &out)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if opts.Offset >= len(all) {
		return nil, nil
	}
	all = all[opts.Offset:]
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (s *memoryStore) Update(_ context.Context, id string, mutate func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	next, changed, err := applyUpdate(current, mutate)
	if err != nil {
		return nil, err
	}
	if changed {
		s.jobs[id] = next
		s.history[id] = append(s.history[id], *next)
	}
	out := *s.jobs[id]
	return &out, nil
}

func (s *memoryStore) ClaimQueued(_ context.Context, ceiling int, aging time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var processing int
	var queued []*Job
	for _, job := range s.jobs {
		switch job.Status {
		case JobStatusProcessing:
			processing++
		case JobStatusQueued:
			queued = append(queued, job)
		}
	}

	free := ceiling - processing
	if free <= 0 {
		return nil, nil
	}

	now := s.now()
	sort.Slice(queued, func(i, j int) bool { return admitsBefore(queued[i], queued[j], now, aging) })
	if len(queued) > free {
		queued = queued[:free]
	}

	claimed := make([]*Job, 0, len(queued))
	for _, job := range queued {
		job.Status = JobStatusProcessing
		job.StartedAt = now
		s.history[job.ID] = append(s.history[job.ID], *job)
		out := *job
		claimed = append(claimed, &out)
	}
	return claimed, nil
}

func (s *memoryStore) ListByStatus(_ context.Context, status JobStatus) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.Status == status {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// put stores a job directly, bypassing submission
func (s *memoryStore) put(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
}

func (s *memoryStore) versions(id string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.history[id]...)
}

type fakeResolver struct {
	gids  map[int]int64
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeResolver) ResolveBulk(_ context.Context, points []parcel.Point) (map[int]int64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int]int64)
	for _, p := range points {
		if gid, ok := f.gids[p.Index]; ok {
			out[p.Index] = gid
		}
	}
	return out, nil
}

// resolveAll maps every row index below n to gid 1000+index
func resolveAll(n int) *fakeResolver {
	gids := make(map[int]int64, n)
	for i := 0; i < n; i++ {
		gids[i] = int64(1000 + i)
	}
	return &fakeResolver{gids: gids}
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []int64
	opts  []analysis.Options
	fn    func(ctx context.Context, gid int64) (map[string]any, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, gid int64, opts analysis.Options) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, gid)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, gid)
	}
	return parcelDoc(gid), nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func parcelDoc(gid int64) map[string]any {
	return map[string]any{
		"parcels":       map[string]any{"gid": gid, "county": "Travis", "acreage": 2.5},
		"road_analysis": map[string]any{"road_frontage_feet": 120.0},
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []Job
}

func (n *recordingNotifier) JobFinished(_ context.Context, job *Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, *job)
	return nil
}

func (n *recordingNotifier) statuses() []JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]JobStatus, 0, len(n.jobs))
	for _, j := range n.jobs {
		out = append(out, j.Status)
	}
	return out
}

type testEngine struct {
	manager  *Manager
	store    *memoryStore
	blobs    *storage.LocalStore
	root     string
	resolver *fakeResolver
	analyzer *fakeAnalyzer
	notifier *recordingNotifier
}

func newTestEngine(t *testing.T, resolver *fakeResolver, analyzer *fakeAnalyzer, cfg Config) *testEngine {
	t.Helper()

	root := t.TempDir()
	blobs, err := storage.NewLocalStore(root, "http://files.test")
	require.NoError(t, err)

	if resolver == nil {
		resolver = &fakeResolver{}
	}
	if analyzer == nil {
		analyzer = &fakeAnalyzer{}
	}

	store := newMemoryStore()
	notifier := &recordingNotifier{}
	manager := NewManager(store, blobs, resolver, analyzer, notifier, cfg)

	// Deterministic, strictly increasing creation times
	var (
		mu    sync.Mutex
		clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	manager.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	store.now = manager.now

	return &testEngine{
		manager:  manager,
		store:    store,
		blobs:    blobs,
		root:     root,
		resolver: resolver,
		analyzer: analyzer,
		notifier: notifier,
	}
}

// submitCSV queues a CSV job with n rows of valid coordinates
func (e *testEngine) submitCSV(t *testing.T, n int, priority Priority) *Job {
	t.Helper()
	job, err := e.manager.Submit(context.Background(), SubmitRequest{
		Filename: "parcels.csv",
		Data:     csvRows(n),
		Priority: priority,
		UserID:   "user-1",
		Username: "Sam",
	})
	require.NoError(t, err)
	return job
}

// claimAndRun admits the next job and runs it synchronously
func (e *testEngine) claimAndRun(t *testing.T) *Job {
	t.Helper()
	claimed, err := e.store.ClaimQueued(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	e.manager.runJob(context.Background(), claimed[0])

	job, err := e.store.Get(context.Background(), claimed[0].ID)
	require.NoError(t, err)
	return job
}

func csvRows(n int) []byte {
	var b strings.Builder
	b.WriteString("Address,Latitude,Longitude\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d Main St,30.%04d,-97.%04d\n", i+1, i, i)
	}
	return []byte(b.String())
}
