package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/analysis"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/Harvey-AU/parcel-valuation/internal/storage"
	"github.com/Harvey-AU/parcel-valuation/internal/tabular"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Blob key prefixes owned by the job engine
const (
	uploadsPrefix = "uploads/"
	exportsPrefix = "exports/"
)

// ParcelResolver maps row coordinates to parcel gids in bulk
type ParcelResolver interface {
	ResolveBulk(ctx context.Context, points []parcel.Point) (map[int]int64, error)
}

// Analyzer produces the analysis document for one parcel
type Analyzer interface {
	Analyze(ctx context.Context, gid int64, opts analysis.Options) (map[string]any, error)
}

// Notifier is told about every job the engine drives to a terminal state
type Notifier interface {
	JobFinished(ctx context.Context, job *Job) error
}

// Config tunes the engine
type Config struct {
	PollInterval      time.Duration
	MonitorInterval   time.Duration
	MaxConcurrentJobs int
	RowConcurrency    int
	ProgressBatchSize int
	RowTimeout        time.Duration
	PriorityAging     time.Duration
	StuckJobTimeout   time.Duration
	ExportRetention   time.Duration
	ArtifactFormat    tabular.Format
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		MonitorInterval:   time.Minute,
		MaxConcurrentJobs: 3,
		RowConcurrency:    15,
		ProgressBatchSize: 10,
		RowTimeout:        5 * time.Minute,
		PriorityAging:     10 * time.Minute,
		StuckJobTimeout:   2 * time.Hour,
		ExportRetention:   24 * time.Hour,
		ArtifactFormat:    tabular.FormatCSV,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if c.RowConcurrency <= 0 {
		c.RowConcurrency = def.RowConcurrency
	}
	if c.ProgressBatchSize <= 0 {
		c.ProgressBatchSize = def.ProgressBatchSize
	}
	if c.ArtifactFormat != tabular.FormatXLSX {
		c.ArtifactFormat = tabular.FormatCSV
	}
	return c
}

// Manager is the batch job engine: submission, queries, cancellation and the
// per-job runner driven by the Scheduler
type Manager struct {
	store    Store
	blobs    storage.Store
	resolver ParcelResolver
	analyzer Analyzer
	notifier Notifier
	cfg      Config
	tokens   *cancelRegistry
	queued   chan struct{}
	now      func() time.Time
}

// NewManager creates the engine. notifier may be nil.
func NewManager(store Store, blobs storage.Store, resolver ParcelResolver, analyzer Analyzer, notifier Notifier, cfg Config) *Manager {
	return &Manager{
		store:    store,
		blobs:    blobs,
		resolver: resolver,
		analyzer: analyzer,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		tokens:   newCancelRegistry(),
		queued:   make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists the uploaded file and records a queued job for it
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	span := sentry.StartSpan(ctx, "jobs.submit")
	defer span.Finish()
	ctx = span.Context()

	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if !tabular.SupportedExtension(filename) {
		return nil, ErrUnsupportedFile
	}
	if len(req.Data) == 0 {
		return nil, ErrEmptyFile
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if _, err := ParsePriority(string(priority)); err != nil {
		return nil, err
	}

	job := &Job{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Username:      req.Username,
		Filename:      filename,
		Status:        JobStatusQueued,
		Priority:      priority,
		ColumnMapping: req.ColumnMapping,
		DryRun:        req.DryRun,
		CreatedAt:     m.now(),
	}
	job.InputPath = uploadsPrefix + job.ID + "_" + filename
	span.SetTag("job_id", job.ID)

	if _, err := m.blobs.Upload(ctx, job.InputPath, req.Data, contentTypeFor(filename)); err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	if err := m.store.Create(ctx, job); err != nil {
		if delErr := m.blobs.Delete(ctx, job.InputPath); delErr != nil {
			log.Warn().Err(delErr).Str("job_id", job.ID).Msg("Failed to remove orphaned upload")
		}
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	select {
	case m.queued <- struct{}{}:
	default:
	}

	log.Info().
		Str("job_id", job.ID).
		Str("filename", filename).
		Str("priority", string(priority)).
		Bool("dry_run", job.DryRun).
		Str("user_id", job.UserID).
		Msg("Batch job queued")

	return job, nil
}

// Get returns a job by id
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

// Progress returns a consistent progress snapshot for a job
func (m *Manager) Progress(ctx context.Context, jobID string) (ProgressView, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return ProgressView{}, err
	}
	return job.Progress(), nil
}

// List returns jobs newest first
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	return m.store.List(ctx, opts.normalised())
}

// Cancel moves a queued or processing job to cancelled. Cancelling a job that
// has already finished is a no-op that returns the job unchanged.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Job, error) {
	span := sentry.StartSpan(ctx, "jobs.cancel")
	defer span.Finish()
	span.SetTag("job_id", jobID)

	var previous JobStatus
	job, err := m.store.Update(span.Context(), jobID, func(j *Job) error {
		previous = j.Status
		j.Status = JobStatusCancelled
		j.ErrorMessage = MessageCancelled
		j.CompletedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous == "" {
		// Already terminal; nothing changed
		return job, nil
	}

	// Rows stop at their next checkpoint
	m.tokens.cancel(jobID)

	if previous == JobStatusQueued {
		m.removeInput(ctx, job)
		m.notify(ctx, job)
	}

	log.Info().
		Str("job_id", jobID).
		Str("previous_status", string(previous)).
		Msg("Batch job cancelled")

	return job, nil
}

// Artifact is a downloadable result file
type Artifact struct {
	Name        string
	ContentType string
	Body        io.ReadCloser
}

// Download opens the result artifact of a completed job
func (m *Manager) Download(ctx context.Context, jobID string) (*Artifact, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusCompleted {
		return nil, &ResultNotReadyError{Status: job.Status}
	}
	if job.ResultPath == "" {
		return nil, ErrResultMissing
	}

	body, err := m.blobs.Open(ctx, job.ResultPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrResultMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open result for job %s: %w", jobID, err)
	}

	format := tabular.Format(strings.TrimPrefix(path.Ext(job.ResultPath), "."))
	return &Artifact{
		Name:        path.Base(job.ResultPath),
		ContentType: format.ContentType(),
		Body:        body,
	}, nil
}

// Queued signals after each local submission so a scheduler can wake early
func (m *Manager) Queued() <-chan struct{} {
	return m.queued
}

func (m *Manager) loadInput(ctx context.Context, job *Job) ([]byte, error) {
	rc, err := m.blobs.Open(ctx, job.InputPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Manager) removeInput(ctx context.Context, job *Job) {
	if job.InputPath == "" {
		return
	}
	if err := m.blobs.Delete(ctx, job.InputPath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to remove job input")
	}
}

func (m *Manager) notify(ctx context.Context, job *Job) {
	if m.notifier == nil || !job.Status.Terminal() {
		return
	}
	if err := m.notifier.JobFinished(ctx, job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to send job notification")
	}
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return "text/csv"
	case ".xls":
		return "application/vnd.ms-excel"
	default:
		return tabular.FormatXLSX.ContentType()
	}
}
