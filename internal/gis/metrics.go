package gis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
)

// ErrNoCoverage is returned when a raster layer has no cells over the parcel
var ErrNoCoverage = errors.New("no raster coverage for parcel")

const parcelCTE = `WITH parcel AS (SELECT geom FROM parcels WHERE gid = $1)`

// proximity reports line or point features (utilities, wells) crossing the
// parcel and the distance to the nearest one within a mile
func (p *Provider) proximity(table string) MetricFunc {
	query := parcelCTE + `
		SELECT
			COUNT(*) FILTER (WHERE ST_Intersects(f.geom, parcel.geom)),
			MIN(ST_Distance(f.geom::geography, parcel.geom::geography))
		FROM parcel
		JOIN ` + table + ` f ON ST_DWithin(f.geom::geography, parcel.geom::geography, $2)`

	return func(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
		var (
			count   int
			nearest sql.NullFloat64
		)
		if err := p.db.QueryRowContext(ctx, query, pc.GID, searchRadiusMetres).Scan(&count, &nearest); err != nil {
			return nil, fmt.Errorf("%s query failed: %w", table, err)
		}

		out := map[string]any{
			"intersects": count > 0,
			"count":      count,
			"nearest_ft": nil,
		}
		if nearest.Valid {
			out["nearest_ft"] = round2(nearest.Float64 * feetPerMetre)
		}
		return out, nil
	}
}

func (p *Provider) waterBody(table string) MetricFunc {
	query := parcelCTE + `
		SELECT
			COALESCE(SUM(ST_Area(ST_Intersection(w.geom, parcel.geom)::geography)), 0),
			ST_Area(parcel.geom::geography)
		FROM parcel
		LEFT JOIN ` + table + ` w ON ST_Intersects(w.geom, parcel.geom)
		GROUP BY parcel.geom`

	return func(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
		var overlap, total float64
		if err := p.db.QueryRowContext(ctx, query, pc.GID).Scan(&overlap, &total); err != nil {
			return nil, fmt.Errorf("%s query failed: %w", table, err)
		}
		return map[string]any{
			"intersects": overlap > 0,
			"area_acres": round2(overlap / sqmPerAcre),
			"percentage": percentage(overlap, total),
		}, nil
	}
}

// lineLength measures linear water features. With boundary set it measures the
// stretch of parcel boundary running along the feature instead of the length
// of the feature inside the parcel.
func (p *Provider) lineLength(table string, boundary bool) MetricFunc {
	measure := `ST_Length(ST_Intersection(l.geom, parcel.geom)::geography)`
	join := `ST_Intersects(l.geom, parcel.geom)`
	if boundary {
		measure = fmt.Sprintf(`ST_Length(ST_Intersection(ST_Boundary(parcel.geom), ST_Buffer(l.geom::geography, %g)::geometry)::geography)`, frontageBufferMetres)
		join = fmt.Sprintf(`ST_DWithin(l.geom::geography, parcel.geom::geography, %g)`, frontageBufferMetres)
	}

	query := parcelCTE + `
		SELECT COALESCE(SUM(` + measure + `), 0)
		FROM parcel
		LEFT JOIN ` + table + ` l ON ` + join

	return func(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
		var metres float64
		if err := p.db.QueryRowContext(ctx, query, pc.GID).Scan(&metres); err != nil {
			return nil, fmt.Errorf("%s query failed: %w", table, err)
		}
		return map[string]any{
			"intersects": metres > 0,
			"length_ft":  round2(metres * feetPerMetre),
		}, nil
	}
}

func (p *Provider) roads(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
	var (
		frontage, inside float64
		count            int
	)

	err := p.db.QueryRowContext(ctx, parcelCTE+`,
		near AS (
			SELECT r.geom FROM roads r, parcel
			WHERE ST_DWithin(r.geom::geography, parcel.geom::geography, $2)
		)
		SELECT
			COALESCE(ST_Length(ST_Intersection(
				ST_Boundary(parcel.geom),
				ST_Buffer(ST_Union(near.geom)::geography, $2)::geometry)::geography), 0),
			COUNT(near.geom),
			COALESCE(SUM(ST_Length(ST_Intersection(near.geom, parcel.geom)::geography)), 0)
		FROM parcel
		LEFT JOIN near ON TRUE
		GROUP BY parcel.geom
	`, pc.GID, frontageBufferMetres).Scan(&frontage, &count, &inside)
	if err != nil {
		return nil, fmt.Errorf("roads query failed: %w", err)
	}

	return map[string]any{
		"road_frontage_feet":  round2(frontage * feetPerMetre),
		"intersects":          count > 0,
		"road_access_count":   count,
		"road_in_parcel_feet": round2(inside * feetPerMetre),
	}, nil
}

// isSpecialFloodHazard reports FEMA zones inside the 100-year floodplain
func isSpecialFloodHazard(zone string) bool {
	zone = strings.ToUpper(strings.TrimSpace(zone))
	return strings.HasPrefix(zone, "A") || strings.HasPrefix(zone, "V")
}

func (p *Provider) flood(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, parcelCTE+`
		SELECT f.fld_zone, SUM(ST_Area(ST_Intersection(f.geom, parcel.geom)::geography)) / $2 AS acres
		FROM parcel
		JOIN flood_zones f ON ST_Intersects(f.geom, parcel.geom)
		GROUP BY f.fld_zone
		ORDER BY acres DESC, f.fld_zone
	`, pc.GID, sqmPerAcre)
	if err != nil {
		return nil, fmt.Errorf("flood query failed: %w", err)
	}
	defer rows.Close()

	var (
		details    []map[string]any
		hazard     float64
		hasHazard  bool
		largestAny string
	)
	summary := "X"
	for rows.Next() {
		var (
			zone  string
			acres float64
		)
		if err := rows.Scan(&zone, &acres); err != nil {
			return nil, fmt.Errorf("failed to scan flood zone: %w", err)
		}
		if largestAny == "" {
			largestAny = zone
		}
		if isSpecialFloodHazard(zone) {
			hazard += acres
			// Rows are ordered by area, so the first hazard zone is the dominant one
			if !hasHazard {
				summary = zone
				hasHazard = true
			}
		}
		details = append(details, map[string]any{
			"zone":       zone,
			"acres":      round2(acres),
			"percentage": percentage(acres, pc.Acreage),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flood query failed: %w", err)
	}

	if !hasHazard && largestAny != "" {
		summary = largestAny
	}

	cleared := pc.Acreage - hazard
	if cleared < 0 {
		cleared = 0
	}

	return map[string]any{
		"intersects":         hasHazard,
		"flood_zone_summary": summary,
		"total_flood_acres":  round2(hazard),
		"cleared_area_acres": round2(cleared),
		"details":            details,
	}, nil
}

func (p *Provider) wetlands(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, parcelCTE+`
		SELECT w.wetland_type, SUM(ST_Area(ST_Intersection(w.geom, parcel.geom)::geography)) / $2 AS acres
		FROM parcel
		JOIN wetlands w ON ST_Intersects(w.geom, parcel.geom)
		GROUP BY w.wetland_type
		ORDER BY acres DESC
	`, pc.GID, sqmPerAcre)
	if err != nil {
		return nil, fmt.Errorf("wetlands query failed: %w", err)
	}
	defer rows.Close()

	var (
		types []map[string]any
		total float64
	)
	for rows.Next() {
		var (
			kind  string
			acres float64
		)
		if err := rows.Scan(&kind, &acres); err != nil {
			return nil, fmt.Errorf("failed to scan wetland: %w", err)
		}
		total += acres
		types = append(types, map[string]any{
			"wetland_type": kind,
			"area_acres":   round2(acres),
			"percentage":   percentage(acres, pc.Acreage),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wetlands query failed: %w", err)
	}

	cleared := pc.Acreage - total
	if cleared < 0 {
		cleared = 0
	}

	return map[string]any{
		"intersects":         len(types) > 0,
		"wetland_analysis":   types,
		"cleared_area_acres": round2(cleared),
		"cleared_percentage": percentage(cleared, pc.Acreage),
	}, nil
}

func (p *Provider) buildable(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
	var total, blocked float64

	err := p.db.QueryRowContext(ctx, parcelCTE+`,
		hazard AS (
			SELECT ST_Union(ST_Intersection(h.geom, parcel.geom)) AS geom
			FROM parcel, (
				SELECT geom FROM flood_zones WHERE fld_zone LIKE 'A%' OR fld_zone LIKE 'V%'
				UNION ALL
				SELECT geom FROM wetlands
			) h
			WHERE ST_Intersects(h.geom, parcel.geom)
		)
		SELECT ST_Area(parcel.geom::geography) / $2,
			COALESCE(ST_Area(hazard.geom::geography), 0) / $2
		FROM parcel, hazard
	`, pc.GID, sqmPerAcre).Scan(&total, &blocked)
	if err != nil {
		return nil, fmt.Errorf("buildable query failed: %w", err)
	}

	if blocked > total {
		blocked = total
	}
	buildable := total - blocked

	return map[string]any{
		"total_acres":          round2(total),
		"unbuildable_acres":    round2(blocked),
		"buildable_acres":      round2(buildable),
		"buildable_percentage": percentage(buildable, total),
	}, nil
}

func (p *Provider) elevation(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
	var minM, maxM sql.NullFloat64

	err := p.db.QueryRowContext(ctx, parcelCTE+`
		SELECT (s.stats).min, (s.stats).max
		FROM (
			SELECT ST_SummaryStatsAgg(ST_Clip(d.rast, parcel.geom), 1, true) AS stats
			FROM dem d, parcel
			WHERE ST_Intersects(d.rast, parcel.geom)
		) s
	`, pc.GID).Scan(&minM, &maxM)
	if err != nil {
		return nil, fmt.Errorf("elevation query failed: %w", err)
	}
	if !minM.Valid || !maxM.Valid {
		return nil, ErrNoCoverage
	}

	minFt := minM.Float64 * feetPerMetre
	maxFt := maxM.Float64 * feetPerMetre

	return map[string]any{
		"min_elevation_feet":    round2(minFt),
		"max_elevation_feet":    round2(maxFt),
		"elevation_change_feet": round2(maxFt - minFt),
	}, nil
}

// NLCD land cover classes
var (
	forestClasses = map[int]bool{41: true, 42: true, 43: true}
	brushClasses  = map[int]bool{51: true, 52: true}
)

func (p *Provider) treeCoverage(ctx context.Context, pc *parcel.Parcel) (map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, parcelCTE+`
		SELECT (s.vc).value::int, SUM((s.vc).count)
		FROM (
			SELECT ST_ValueCount(ST_Clip(l.rast, parcel.geom), 1, true) AS vc
			FROM landcover l, parcel
			WHERE ST_Intersects(l.rast, parcel.geom)
		) s
		GROUP BY (s.vc).value
	`, pc.GID)
	if err != nil {
		return nil, fmt.Errorf("land cover query failed: %w", err)
	}
	defer rows.Close()

	var cells, trees, brush float64
	for rows.Next() {
		var (
			class int
			count float64
		)
		if err := rows.Scan(&class, &count); err != nil {
			return nil, fmt.Errorf("failed to scan land cover: %w", err)
		}
		cells += count
		switch {
		case forestClasses[class]:
			trees += count
		case brushClasses[class]:
			brush += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("land cover query failed: %w", err)
	}
	if cells == 0 {
		return nil, ErrNoCoverage
	}

	return map[string]any{
		"tree_percentage":  percentage(trees, cells),
		"brush_percentage": percentage(brush, cells),
	}, nil
}
