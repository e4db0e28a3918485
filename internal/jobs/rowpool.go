package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/analysis"
	"github.com/Harvey-AU/parcel-valuation/internal/observability"
	"github.com/Harvey-AU/parcel-valuation/internal/results"
	"github.com/Harvey-AU/parcel-valuation/internal/tabular"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// rowPool analyses the rows of one job with bounded parallelism
type rowPool struct {
	jobID     string
	dryRun    bool
	analyzer  Analyzer
	sem       *semaphore.Weighted
	timeout   time.Duration
	progress  *progressReporter
	completed atomic.Int64
	failed    atomic.Int64
}

// run processes every row and returns the per-row outcomes in input order
// along with a flag per row telling whether it was processed. Rows reached
// after cancel is done are skipped. Work already in flight runs on ctx.
func (p *rowPool) run(ctx, cancel context.Context, rows []tabular.Row, gids map[int]int64) ([]results.Row, []bool) {
	out := make([]results.Row, len(rows))
	processed := make([]bool, len(rows))

	var wg sync.WaitGroup
	for i, row := range rows {
		if cancel.Err() != nil {
			break
		}

		gid, ok := gids[i]
		if !ok {
			out[i] = results.Row{Source: row, Err: MessageNoParcel}
			processed[i] = true
			p.finish(ctx, false)
			continue
		}

		if err := p.sem.Acquire(cancel, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(i int, row tabular.Row, gid int64) {
			defer wg.Done()
			defer p.sem.Release(1)

			out[i] = p.analyse(ctx, i, row, gid)
			processed[i] = true
			p.finish(ctx, !out[i].Failed())
		}(i, row, gid)
	}
	wg.Wait()

	return out, processed
}

func (p *rowPool) finish(ctx context.Context, ok bool) {
	failed := p.failed.Load()
	if !ok {
		failed = p.failed.Add(1)
	}
	completed := p.completed.Add(1)
	p.progress.report(ctx, int(completed), int(failed))
}

// analyse runs one row. A panic or error becomes the row's error.
func (p *rowPool) analyse(ctx context.Context, index int, row tabular.Row, gid int64) (result results.Row) {
	start := time.Now()
	result = results.Row{Source: row}

	ctx, span := observability.StartRowSpan(ctx, observability.RowSpanInfo{
		JobID:     p.jobID,
		RowIndex:  index,
		ParcelGID: gid,
	})
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", p.jobID).Int("row", index).Msg("Row analysis panicked")
			result.Analysis = nil
			result.Err = fmt.Sprintf("analysis panicked: %v", r)
		}

		status := "success"
		if result.Failed() {
			status = "failed"
			span.SetStatus(codes.Error, result.Err)
		}
		observability.RecordRow(ctx, observability.RowMetrics{
			JobID:    p.jobID,
			Status:   status,
			Duration: time.Since(start),
		})
	}()

	rowCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		rowCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	doc, err := p.analyzer.Analyze(rowCtx, gid, analysis.Options{
		DryRun:  p.dryRun,
		BatchID: p.jobID,
		Source:  row,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("row analysis timed out after %s", p.timeout)
		}
		log.Warn().Err(err).Str("job_id", p.jobID).Int("row", index).Int64("parcel_gid", gid).Msg("Row analysis failed")
		result.Err = err.Error()
		return result
	}

	result.Analysis = doc
	return result
}
