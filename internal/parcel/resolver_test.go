package parcel

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewResolver(db), mock
}

func TestResolver_ResolveBulk(t *testing.T) {
	resolver, mock := setupResolver(t)

	points := []Point{
		{Index: 0, Lat: 30.1, Lon: -97.1},
		{Index: 1, Lat: 30.2, Lon: -97.2},
		{Index: 4, Lat: 30.3, Lon: -97.3},
	}

	mock.ExpectQuery("WITH points\\(idx, lon, lat\\) AS \\(VALUES").
		WithArgs(0, -97.1, 30.1, 1, -97.2, 30.2, 4, -97.3, 30.3).
		WillReturnRows(sqlmock.NewRows([]string{"idx", "gid"}).
			AddRow(0, int64(101)).
			AddRow(4, int64(104)))

	got, err := resolver.ResolveBulk(context.Background(), points)
	require.NoError(t, err)

	assert.Equal(t, map[int]int64{0: 101, 4: 104}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolver_ResolveBulk_Batches(t *testing.T) {
	resolver, mock := setupResolver(t)
	resolver.batchSize = 2

	points := make([]Point, 5)
	for i := range points {
		points[i] = Point{Index: i, Lat: 30, Lon: -97}
	}

	for _, batch := range [][]int{{0, 1}, {2, 3}, {4}} {
		rows := sqlmock.NewRows([]string{"idx", "gid"})
		for _, idx := range batch {
			rows.AddRow(idx, int64(1000+idx))
		}
		mock.ExpectQuery("WITH points").WillReturnRows(rows)
	}

	got, err := resolver.ResolveBulk(context.Background(), points)
	require.NoError(t, err)

	assert.Len(t, got, 5)
	assert.Equal(t, int64(1004), got[4])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolver_ResolveBulk_Empty(t *testing.T) {
	resolver, mock := setupResolver(t)

	got, err := resolver.ResolveBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolver_ResolveBulk_QueryError(t *testing.T) {
	resolver, mock := setupResolver(t)

	mock.ExpectQuery("WITH points").WillReturnError(errors.New("connection reset"))

	_, err := resolver.ResolveBulk(context.Background(), []Point{{Index: 0, Lat: 1, Lon: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve parcels")
}

var fetchColumns = []string{
	"gid", "prop_id", "county", "legal_area", "geo_id", "owner_name",
	"situs_addr", "city", "cx", "cy", "wkt", "area_acres",
}

func TestResolver_Fetch(t *testing.T) {
	tests := []struct {
		name      string
		legalArea string
		expected  float64
	}{
		{"legal_area_used", "12.5 AC", 12.5},
		{"legal_area_prefixed", "ACRES: 3", 3},
		{"missing_legal_area_uses_geometry", "", 4.25},
		{"unparsable_legal_area_uses_geometry", "LOT 0 BLK A", 4.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, mock := setupResolver(t)

			mock.ExpectQuery("FROM parcels").
				WithArgs(int64(77), sqmPerAcre).
				WillReturnRows(sqlmock.NewRows(fetchColumns).AddRow(
					int64(77), "R123", "Travis", tt.legalArea, "G-77", "Jane Doe",
					"1 Main St", "Austin", -97.7, 30.2, "POLYGON((0 0,1 0,1 1,0 0))", 4.25,
				))

			p, err := resolver.Fetch(context.Background(), 77)
			require.NoError(t, err)

			assert.Equal(t, int64(77), p.GID)
			assert.Equal(t, "Travis", p.County)
			assert.InDelta(t, tt.expected, p.Acreage, 0.0001)
			assert.Equal(t, "Austin", p.Attributes()["city"])
		})
	}
}

func TestResolver_Fetch_NotFound(t *testing.T) {
	resolver, mock := setupResolver(t)

	mock.ExpectQuery("FROM parcels").WillReturnRows(sqlmock.NewRows(fetchColumns))

	_, err := resolver.Fetch(context.Background(), 9)
	assert.ErrorIs(t, err, ErrParcelNotFound)
}

func TestResolver_Search(t *testing.T) {
	resolver, mock := setupResolver(t)

	mock.ExpectQuery("owner_name ILIKE").
		WithArgs("doe", "%doe%", 20).
		WillReturnRows(sqlmock.NewRows([]string{"gid", "prop_id", "geo_id", "owner_name", "situs_addr", "county"}).
			AddRow(int64(1), "R1", "G1", "John Doe", "2 Oak", "Hays"))

	hits, err := resolver.Search(context.Background(), " doe ", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "John Doe", hits[0].OwnerName)

	empty, err := resolver.Search(context.Background(), "   ", 10)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestResolver_SearchMatchesWildcardsLiterally(t *testing.T) {
	resolver, mock := setupResolver(t)

	mock.ExpectQuery(`owner_name ILIKE \$2 ESCAPE`).
		WithArgs(`100%_Ranch\LLC`, `%100\%\_Ranch\\LLC%`, 5).
		WillReturnRows(sqlmock.NewRows([]string{"gid", "prop_id", "geo_id", "owner_name", "situs_addr", "county"}))

	hits, err := resolver.Search(context.Background(), `100%_Ranch\LLC`, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcreageFromLegalArea(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"10 AC", 10, true},
		{"0.75", 0.75, true},
		{".5 acres", 0.5, true},
		{"", 0, false},
		{"0 AC", 0, false},
		{"N/A", 0, false},
	}

	for _, tt := range tests {
		got, ok := acreageFromLegalArea(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.InDelta(t, tt.want, got, 0.0001, tt.in)
	}
}
