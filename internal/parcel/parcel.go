package parcel

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strconv"
)

// ErrParcelNotFound is returned when a gid has no parcel row
var ErrParcelNotFound = errors.New("parcel not found")

// sqmPerAcre converts square metres to acres
const sqmPerAcre = 4046.86

// Querier is the read surface of *sql.DB used by the resolver and the spatial provider
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Parcel holds the canonical attributes of one parcel
type Parcel struct {
	GID         int64
	PropID      string
	County      string
	LegalArea   string
	GeoID       string
	OwnerName   string
	SitusAddr   string
	City        string
	CentroidX   float64
	CentroidY   float64
	GeometryWKT string
	Acreage     float64
}

// Attributes returns the parcel fragment of an analysis document
func (p *Parcel) Attributes() map[string]any {
	return map[string]any{
		"gid":        p.GID,
		"prop_id":    p.PropID,
		"county":     p.County,
		"acreage":    p.Acreage,
		"geo_id":     p.GeoID,
		"owner_name": p.OwnerName,
		"situs_addr": p.SitusAddr,
		"city":       p.City,
		"centroid_x": p.CentroidX,
		"centroid_y": p.CentroidY,
	}
}

var legalAreaNumber = regexp.MustCompile(`\d+(?:\.\d+)?|\.\d+`)

// acreageFromLegalArea extracts the first number of a free-text legal area such
// as "12.5 AC" or "ACRES: 3". ok is false when no positive number is present.
func acreageFromLegalArea(legal string) (float64, bool) {
	m := legalAreaNumber.FindString(legal)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
