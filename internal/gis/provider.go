// Package gis computes spatial analysis metrics for a parcel against the
// reference layers loaded into PostGIS.
package gis

import (
	"context"
	"fmt"
	"math"

	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"golang.org/x/time/rate"
)

// Metric keys as they appear in an analysis document
const (
	MetricGasLines       = "gas_lines"
	MetricElectricLines  = "electric_lines"
	MetricRoads          = "road_analysis"
	MetricBuildable      = "buildable_area"
	MetricElevation      = "elevation_change"
	MetricTreeCoverage   = "tree_coverage"
	MetricWells          = "well_analysis"
	MetricWetlands       = "wetland_analysis"
	MetricPonds          = "pond_analysis"
	MetricLakes          = "lake_analysis"
	MetricStreams        = "stream_intersection"
	MetricFlood          = "flood_hazard"
	MetricSeaOceanLength = "sea_ocean_length"
	MetricShoreline      = "shoreline_analysis"
)

const (
	feetPerMetre          = 3.28084
	sqmPerAcre            = 4046.86
	searchRadiusMetres    = 1609.34
	frontageBufferMetres  = 15.0
	defaultQueriesPerSec  = 50
	defaultQueryBurstSize = 10
)

// MetricFunc computes one metric fragment for a parcel
type MetricFunc func(ctx context.Context, p *parcel.Parcel) (map[string]any, error)

// Provider runs metric queries, throttled so concurrent row analyses cannot
// flood the spatial database
type Provider struct {
	db      parcel.Querier
	limiter *rate.Limiter
}

// NewProvider creates a provider allowing qps metric queries per second.
// A non-positive qps uses the default.
func NewProvider(db parcel.Querier, qps float64) *Provider {
	if qps <= 0 {
		qps = defaultQueriesPerSec
	}
	return &Provider{
		db:      db,
		limiter: rate.NewLimiter(rate.Limit(qps), defaultQueryBurstSize),
	}
}

// Metrics returns every registered metric keyed by its document key
func (p *Provider) Metrics() map[string]MetricFunc {
	return map[string]MetricFunc{
		MetricGasLines:       p.throttled(p.proximity("gas_pipelines")),
		MetricElectricLines:  p.throttled(p.proximity("transmission_lines")),
		MetricWells:          p.throttled(p.proximity("water_wells")),
		MetricRoads:          p.throttled(p.roads),
		MetricBuildable:      p.throttled(p.buildable),
		MetricElevation:      p.throttled(p.elevation),
		MetricTreeCoverage:   p.throttled(p.treeCoverage),
		MetricWetlands:       p.throttled(p.wetlands),
		MetricPonds:          p.throttled(p.waterBody("ponds")),
		MetricLakes:          p.throttled(p.waterBody("lakes")),
		MetricStreams:        p.throttled(p.lineLength("streams", false)),
		MetricFlood:          p.throttled(p.flood),
		MetricSeaOceanLength: p.throttled(p.lineLength("coastline", true)),
		MetricShoreline:      p.throttled(p.lineLength("shorelines", true)),
	}
}

func (p *Provider) throttled(fn MetricFunc) MetricFunc {
	return func(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("spatial query throttled: %w", err)
		}
		return fn(ctx, pc)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func percentage(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return round2(part / whole * 100)
}
