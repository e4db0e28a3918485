package jobs

import (
	"fmt"
	"time"
)

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

func canTransition(from, to JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// applyUpdate runs mutate against a copy of current and enforces the job
// invariants on the result. It is shared by every Store implementation.
//
// A terminal job is returned unchanged with changed=false and no error, so a
// late progress write racing a cancellation is silently dropped. Row counters
// never decrease and completed_rows is clamped to total_rows once known.
func applyUpdate(current *Job, mutate func(*Job) error) (next *Job, changed bool, err error) {
	if current.Status.Terminal() {
		return current, false, nil
	}

	updated := *current
	if err := mutate(&updated); err != nil {
		return current, false, err
	}

	if updated.Status != current.Status && !canTransition(current.Status, updated.Status) {
		return current, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, updated.Status)
	}

	updated.CompletedRows = max(updated.CompletedRows, current.CompletedRows)
	updated.FailedRows = max(updated.FailedRows, current.FailedRows)
	if updated.TotalRows < current.TotalRows {
		updated.TotalRows = current.TotalRows
	}
	if updated.TotalRows > 0 {
		updated.CompletedRows = min(updated.CompletedRows, updated.TotalRows)
		updated.FailedRows = min(updated.FailedRows, updated.CompletedRows)
	}

	return &updated, true, nil
}

// effectiveRank is a queued job's admission rank: its base priority raised one
// level per aging interval waited, capped at high. aging <= 0 disables aging.
func effectiveRank(p Priority, createdAt, now time.Time, aging time.Duration) int {
	rank := p.rank()
	if aging > 0 && now.After(createdAt) {
		rank += int(now.Sub(createdAt) / aging)
	}
	return min(rank, PriorityHigh.rank())
}

// admitsBefore orders queued jobs: higher effective rank first, then oldest
func admitsBefore(a, b *Job, now time.Time, aging time.Duration) bool {
	ra := effectiveRank(a.Priority, a.CreatedAt, now, aging)
	rb := effectiveRank(b.Priority, b.CreatedAt, now, aging)
	if ra != rb {
		return ra > rb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
