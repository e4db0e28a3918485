package jobs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// JobStatus represents the current status of a batch job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition may leave this status
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Priority orders queued jobs for admission
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts a case-insensitive priority name. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Messages stored on jobs ended by the engine rather than by their own rows
const (
	MessageCancelled   = "Cancelled by user"
	MessageInterrupted = "Interrupted by restart"
	MessageStuck       = "Job timed out or worker process crashed."
	MessageNoParcel    = "No parcel found"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrUnsupportedFile   = errors.New("unsupported file type, expected .csv, .xls or .xlsx")
	ErrEmptyFile         = errors.New("uploaded file is empty")
	ErrResultMissing     = errors.New("Result file missing")
)

// ResultNotReadyError is returned when a download is requested for a job that
// has not completed
type ResultNotReadyError struct {
	Status JobStatus
}

func (e *ResultNotReadyError) Error() string {
	return fmt.Sprintf("Job is %s, result not ready.", e.Status)
}

// Job represents one uploaded batch file and its processing state
type Job struct {
	ID            string            `json:"job_id"`
	UserID        string            `json:"user_id,omitempty"`
	Username      string            `json:"username,omitempty"`
	Filename      string            `json:"filename"`
	Status        JobStatus         `json:"status"`
	Priority      Priority          `json:"priority"`
	TotalRows     int               `json:"total_rows"`
	CompletedRows int               `json:"completed_rows"`
	FailedRows    int               `json:"failed_rows"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ResultURL     string            `json:"result_url,omitempty"`
	ResultPath    string            `json:"-"`
	InputPath     string            `json:"-"`
	ColumnMapping map[string]string `json:"column_mapping,omitempty"`
	DryRun        bool              `json:"dry_run"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     time.Time         `json:"started_at,omitempty"`
	CompletedAt   time.Time         `json:"completed_at,omitempty"`
}

// ProgressCounts is the row counter part of a progress view
type ProgressCounts struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Failed  int     `json:"failed"`
	Percent float64 `json:"percent"`
}

// ProgressView is the caller facing snapshot of a job
type ProgressView struct {
	Status    JobStatus      `json:"status"`
	Progress  ProgressCounts `json:"progress"`
	Error     *string        `json:"error"`
	ResultURL *string        `json:"result_url"`
}

// DownloadPath returns the API path a completed job's artifact is served from
func DownloadPath(jobID string) string {
	return "/v1/batch/" + jobID + "/download"
}

// Progress builds the progress view from a single read of the job, so the
// counters always belong to the reported status
func (j *Job) Progress() ProgressView {
	view := ProgressView{
		Status: j.Status,
		Progress: ProgressCounts{
			Current: j.CompletedRows,
			Total:   j.TotalRows,
			Failed:  j.FailedRows,
		},
	}

	switch {
	case j.TotalRows > 0:
		view.Progress.Percent = math.Round(float64(j.CompletedRows)*10000/float64(j.TotalRows)) / 100
	case j.Status == JobStatusCompleted:
		view.Progress.Percent = 100
	}

	if j.ErrorMessage != "" {
		msg := j.ErrorMessage
		view.Error = &msg
	}
	if j.Status == JobStatusCompleted {
		url := DownloadPath(j.ID)
		view.ResultURL = &url
	}
	return view
}

// SubmitRequest carries an uploaded batch file and its processing options
type SubmitRequest struct {
	Filename      string
	Data          []byte
	ColumnMapping map[string]string
	Priority      Priority
	DryRun        bool
	UserID        string
	Username      string
}

// ListOptions filters and paginates job listings
type ListOptions struct {
	UserID string
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (o ListOptions) normalised() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
