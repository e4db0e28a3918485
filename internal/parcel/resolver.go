// Package parcel resolves coordinates and identifiers to parcels held in PostGIS.
package parcel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// DefaultBatchSize bounds the number of points sent in one lookup query
const DefaultBatchSize = 1000

// Point is one row's coordinate, identified by its index in the batch file
type Point struct {
	Index int
	Lat   float64
	Lon   float64
}

// Summary is a search hit for identifier/owner lookups
type Summary struct {
	GID       int64  `json:"gid"`
	PropID    string `json:"prop_id"`
	GeoID     string `json:"geo_id"`
	OwnerName string `json:"owner_name"`
	SitusAddr string `json:"situs_addr"`
	County    string `json:"county"`
}

// Resolver looks parcels up in the parcels table
type Resolver struct {
	db        Querier
	batchSize int
}

// NewResolver creates a resolver over db
func NewResolver(db Querier) *Resolver {
	return &Resolver{db: db, batchSize: DefaultBatchSize}
}

// ResolveBulk maps each point to the gid of the parcel containing it. Points
// outside every parcel are absent from the result. When a point falls on a
// shared boundary the lowest gid wins.
func (r *Resolver) ResolveBulk(ctx context.Context, points []Point) (map[int]int64, error) {
	span := sentry.StartSpan(ctx, "parcel.resolve_bulk")
	defer span.Finish()
	span.SetData("points", len(points))

	result := make(map[int]int64, len(points))
	for start := 0; start < len(points); start += r.batchSize {
		end := min(start+r.batchSize, len(points))
		if err := r.resolveBatch(span.Context(), points[start:end], result); err != nil {
			span.SetTag("error", "true")
			return nil, err
		}
	}

	log.Debug().
		Int("points", len(points)).
		Int("resolved", len(result)).
		Msg("Resolved parcel batch")

	return result, nil
}

func (r *Resolver) resolveBatch(ctx context.Context, batch []Point, into map[int]int64) error {
	values := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*3)
	for i, p := range batch {
		n := i * 3
		values = append(values, fmt.Sprintf("($%d::int, $%d::float8, $%d::float8)", n+1, n+2, n+3))
		args = append(args, p.Index, p.Lon, p.Lat)
	}

	query := `
		WITH points(idx, lon, lat) AS (VALUES ` + strings.Join(values, ", ") + `)
		SELECT DISTINCT ON (points.idx) points.idx, p.gid
		FROM points
		JOIN parcels p ON ST_Contains(p.geom, ST_SetSRID(ST_Point(points.lon, points.lat), 4326))
		ORDER BY points.idx, p.gid`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to resolve parcels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx int
			gid int64
		)
		if err := rows.Scan(&idx, &gid); err != nil {
			return fmt.Errorf("failed to scan parcel match: %w", err)
		}
		into[idx] = gid
	}
	return rows.Err()
}

// Fetch loads the canonical attributes of one parcel. Acreage comes from the
// legal area text when it holds a positive number, otherwise from the geometry.
func (r *Resolver) Fetch(ctx context.Context, gid int64) (*Parcel, error) {
	var (
		p        Parcel
		geoAcres float64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT gid,
			COALESCE(prop_id, ''),
			COALESCE(county, ''),
			COALESCE(legal_area, ''),
			COALESCE(geo_id, ''),
			COALESCE(owner_name, ''),
			COALESCE(situs_addr, ''),
			COALESCE(NULLIF(situs_city, ''), 'Outside'),
			ST_X(ST_Centroid(geom)),
			ST_Y(ST_Centroid(geom)),
			ST_AsText(ST_SimplifyPreserveTopology(geom, 0.00001)),
			ST_Area(geom::geography) / $2
		FROM parcels
		WHERE gid = $1
	`, gid, sqmPerAcre).Scan(
		&p.GID, &p.PropID, &p.County, &p.LegalArea, &p.GeoID, &p.OwnerName,
		&p.SitusAddr, &p.City, &p.CentroidX, &p.CentroidY, &p.GeometryWKT, &geoAcres,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrParcelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch parcel %d: %w", gid, err)
	}

	if acres, ok := acreageFromLegalArea(p.LegalArea); ok {
		p.Acreage = acres
	} else {
		p.Acreage = geoAcres
	}

	return &p, nil
}

// likeEscaper makes user input match literally inside an ILIKE pattern
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search finds parcels by exact property/geo id or by partial owner name
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]Summary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT gid, COALESCE(prop_id, ''), COALESCE(geo_id, ''), COALESCE(owner_name, ''),
			COALESCE(situs_addr, ''), COALESCE(county, '')
		FROM parcels
		WHERE prop_id = $1 OR geo_id = $1 OR owner_name ILIKE $2 ESCAPE '\'
		ORDER BY (prop_id = $1 OR geo_id = $1) DESC, gid
		LIMIT $3
	`, query, "%"+likeEscaper.Replace(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search parcels: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.GID, &s.PropID, &s.GeoID, &s.OwnerName, &s.SitusAddr, &s.County); err != nil {
			return nil, fmt.Errorf("failed to scan parcel: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
