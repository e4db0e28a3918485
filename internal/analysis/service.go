// Package analysis runs the spatial metric suite and image generation for one
// parcel and persists the merged document.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/gis"
	"github.com/Harvey-AU/parcel-valuation/internal/imagery"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Mode records how an analysis was requested
type Mode string

const (
	ModeSingle Mode = "single"
	ModeBatch  Mode = "batch"
)

// DefaultConcurrency bounds analyses in flight across every job
const DefaultConcurrency = 20

// ParcelFetcher loads canonical parcel attributes
type ParcelFetcher interface {
	Fetch(ctx context.Context, gid int64) (*parcel.Parcel, error)
}

// ImageGenerator returns the URL of a parcel image, generating it if needed
type ImageGenerator interface {
	Generate(ctx context.Context, kind imagery.Kind, gid int64, geometryWKT string) (string, error)
}

// ResultStore persists analysis documents keyed by parcel
type ResultStore interface {
	Get(ctx context.Context, gid int64) (map[string]any, bool, error)
	Upsert(ctx context.Context, rec Record) error
	TouchProvenance(ctx context.Context, gid int64, batchID string, source map[string]string) error
}

// Options controls one Analyze call
type Options struct {
	ForceRefresh bool
	DryRun       bool
	BatchID      string
	Source       map[string]string
}

func (o Options) mode() Mode {
	if o.BatchID != "" {
		return ModeBatch
	}
	return ModeSingle
}

// Service orchestrates the analysis of a single parcel
type Service struct {
	parcels ParcelFetcher
	metrics map[string]gis.MetricFunc
	images  ImageGenerator
	store   ResultStore
	sem     *semaphore.Weighted
	now     func() time.Time
}

// NewService creates an orchestrator. images may be nil, which behaves like a
// permanent dry run. concurrency <= 0 uses DefaultConcurrency.
func NewService(parcels ParcelFetcher, metrics map[string]gis.MetricFunc, images ImageGenerator, store ResultStore, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Service{
		parcels: parcels,
		metrics: metrics,
		images:  images,
		store:   store,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		now:     time.Now,
	}
}

// Analyze returns the analysis document for gid. A stored document is returned
// as-is unless opts.ForceRefresh is set. Individual metric and image failures
// are recorded inside the document; only parcel lookup failures and
// cancellation are returned as errors.
func (s *Service) Analyze(ctx context.Context, gid int64, opts Options) (map[string]any, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("analysis slot not acquired: %w", err)
	}
	defer s.sem.Release(1)

	span := sentry.StartSpan(ctx, "analysis.analyze")
	defer span.Finish()
	span.SetTag("mode", string(opts.mode()))
	span.SetData("parcel_gid", gid)
	ctx = span.Context()

	if !opts.ForceRefresh {
		doc, found, err := s.store.Get(ctx, gid)
		if err != nil {
			log.Warn().Err(err).Int64("parcel_gid", gid).Msg("Cached analysis lookup failed, recomputing")
		}
		if found {
			span.SetTag("cache", "hit")
			if opts.BatchID != "" {
				if err := s.store.TouchProvenance(ctx, gid, opts.BatchID, opts.Source); err != nil {
					log.Warn().Err(err).Int64("parcel_gid", gid).Msg("Failed to refresh analysis provenance")
				}
			}
			return doc, nil
		}
	}
	span.SetTag("cache", "miss")

	start := s.now()

	p, err := s.parcels.Fetch(ctx, gid)
	if err != nil {
		if errors.Is(err, parcel.ErrParcelNotFound) {
			return nil, fmt.Errorf("%w: gid %d", err, gid)
		}
		return nil, err
	}

	doc := s.collect(ctx, p, !opts.DryRun && s.images != nil)
	doc["parcels"] = p.Attributes()
	doc["meta"] = map[string]any{
		"processing_mode":        string(opts.mode()),
		"batch_id":               opts.BatchID,
		"execution_time_seconds": math.Round(s.now().Sub(start).Seconds()*100) / 100,
	}

	rec := Record{GID: gid, Result: doc, Source: opts.Source, BatchID: opts.BatchID, Mode: opts.mode()}
	if err := s.store.Upsert(ctx, rec); err != nil {
		// The document is still valid for this caller; it just will not be cached
		sentry.CaptureException(err)
		log.Error().Err(err).Int64("parcel_gid", gid).Msg("Failed to persist analysis")
	}

	return doc, nil
}

// collect runs every metric, and the image kinds when enabled, concurrently
func (s *Service) collect(ctx context.Context, p *parcel.Parcel, withImages bool) map[string]any {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		doc = make(map[string]any, len(s.metrics)+len(imagery.Kinds)+2)
	)
	set := func(key string, value any) {
		mu.Lock()
		doc[key] = value
		mu.Unlock()
	}

	for key, metric := range s.metrics {
		wg.Add(1)
		go func(key string, metric gis.MetricFunc) {
			defer wg.Done()
			set(key, runMetric(ctx, key, metric, p))
		}(key, metric)
	}

	if withImages {
		for _, kind := range imagery.Kinds {
			wg.Add(1)
			go func(kind imagery.Kind) {
				defer wg.Done()
				set(string(kind), s.runImage(ctx, kind, p))
			}(kind)
		}
	}

	wg.Wait()
	return doc
}

func runMetric(ctx context.Context, key string, metric gis.MetricFunc, p *parcel.Parcel) (out any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("metric", key).Int64("parcel_gid", p.GID).Msg("Metric panicked")
			out = failedFragment(fmt.Errorf("metric panicked: %v", r))
		}
	}()

	result, err := metric(ctx, p)
	if err != nil {
		log.Warn().Err(err).Str("metric", key).Int64("parcel_gid", p.GID).Msg("Metric failed")
		return failedFragment(err)
	}
	return result
}

func failedFragment(err error) map[string]any {
	return map[string]any{"error": err.Error(), "status": "failed"}
}

// runImage returns the image URL, or nil when the image is unavailable
func (s *Service) runImage(ctx context.Context, kind imagery.Kind, p *parcel.Parcel) any {
	url, err := s.images.Generate(ctx, kind, p.GID, p.GeometryWKT)
	if err != nil {
		if !errors.Is(err, imagery.ErrNoData) {
			log.Warn().Err(err).Str("kind", string(kind)).Int64("parcel_gid", p.GID).Msg("Image generation failed")
		}
		return nil
	}
	return url
}
