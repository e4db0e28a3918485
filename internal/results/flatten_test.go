package results

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/Harvey-AU/parcel-valuation/internal/tabular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullDocument() map[string]any {
	return map[string]any{
		"parcels": map[string]any{"gid": int64(501), "county": "Travis", "acreage": 12.5},
		"road_analysis": map[string]any{
			"road_frontage_feet": 240.5, "intersects": true,
		},
		"buildable_area": map[string]any{
			"buildable_acres": 10.0, "unbuildable_acres": 2.5,
		},
		"elevation_change": map[string]any{"elevation_change_feet": 18.2},
		"tree_coverage":    map[string]any{"tree_percentage": 35.0},
		"flood_hazard":     map[string]any{"flood_zone_summary": "AE"},
		"wetland_analysis": map[string]any{
			"wetland_analysis": []map[string]any{
				{"wetland_type": "Riverine", "area_acres": 1.5},
				{"wetland_type": "Pond", "area_acres": 0.25},
			},
		},
		"well_analysis":     map[string]any{"intersects": true},
		"gas_lines":         map[string]any{"intersects": false},
		"electric_lines":    map[string]any{"intersects": true},
		"image_url":         "https://cdn/p.png",
		"flood_image_url":   "https://cdn/f.png",
		"contour_image_url": "https://cdn/c.png",
	}
}

func TestExtract_FullDocument(t *testing.T) {
	d := Extract(fullDocument())

	assert.Equal(t, int64(501), d.ParcelGID)
	assert.Equal(t, "Travis", d.County)
	assert.Equal(t, 240.5, d.RoadFrontageFt)
	assert.Equal(t, 10.0, d.BuildableAcres)
	assert.Equal(t, 2.5, d.UnbuildableAcres)
	assert.Equal(t, 18.2, d.ElevationChangeFt)
	assert.Equal(t, 35.0, d.TreeCoveragePct)
	assert.Equal(t, "AE", d.FloodZone)
	assert.Equal(t, 1.75, d.WetlandAcres)
	assert.True(t, d.HasWaterWell)
	assert.False(t, d.GasPipeline)
	assert.True(t, d.ElectricLines)
	assert.Equal(t, "https://cdn/c.png", d.ImgTopo)
}

func TestExtract_Defaults(t *testing.T) {
	d := Extract(map[string]any{
		"flood_hazard": map[string]any{"error": "timeout", "status": "failed"},
	})

	assert.Equal(t, DefaultFloodZone, d.FloodZone)
	assert.Zero(t, d.RoadFrontageFt)
	assert.Zero(t, d.WetlandAcres)
	assert.False(t, d.HasWaterWell)
	assert.Empty(t, d.ImgParcel)
}

func TestExtract_DecodedJSON(t *testing.T) {
	raw, err := json.Marshal(fullDocument())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	d := Extract(doc)
	assert.Equal(t, int64(501), d.ParcelGID)
	assert.Equal(t, 1.75, d.WetlandAcres)
	assert.Equal(t, "AE", d.FloodZone)
}

func TestColumns(t *testing.T) {
	cols := Columns([]string{"Address", "county", "PropertyLatitude"})

	assert.Equal(t, []string{"Address", "county", "PropertyLatitude", "parcel_gid", "acreage"}, cols[:5])
	assert.Equal(t, ColumnAnalysisError, cols[len(cols)-1])
	assert.Len(t, cols, 3+len(DerivedColumns)-1+1)
}

func TestFlatten(t *testing.T) {
	rows := []Row{
		{Source: map[string]string{"id": "1"}, Analysis: fullDocument()},
		{Source: map[string]string{"id": "2"}, Err: "No parcel found"},
		{Source: map[string]string{"id": "3"}, Analysis: map[string]any{"error": "No parcel found with GID: 9"}},
		{Source: map[string]string{"id": "4", "county": "From Input"}, Analysis: fullDocument()},
	}

	out := Flatten(rows)
	require.Len(t, out, 4)

	assert.Equal(t, "1", out[0]["id"])
	assert.Equal(t, "AE", out[0]["flood_zone"])
	assert.Equal(t, "1.75", out[0]["wetland_acres"])
	assert.Equal(t, "501", out[0]["parcel_gid"])
	assert.Empty(t, out[0][ColumnAnalysisError])

	assert.Equal(t, "No parcel found", out[1][ColumnAnalysisError])
	assert.NotContains(t, out[1], "flood_zone")
	assert.NotContains(t, out[1], "road_frontage_ft")

	assert.Equal(t, "No parcel found with GID: 9", out[2][ColumnAnalysisError])
	assert.NotContains(t, out[2], "flood_zone")

	assert.Equal(t, "From Input", out[3]["county"], "source fields are never overwritten")
}

func TestFlatten_ArtifactRoundTrip(t *testing.T) {
	var rows []Row
	for _, id := range []string{"c", "a", "b", "d"} {
		row := Row{Source: map[string]string{"key": id}}
		if id == "b" {
			row.Err = "No parcel found"
		} else {
			row.Analysis = fullDocument()
		}
		rows = append(rows, row)
	}

	cols := Columns([]string{"key"})
	var buf bytes.Buffer
	require.NoError(t, tabular.Write(&buf, tabular.FormatCSV, cols, Flatten(rows)))

	table, err := tabular.Parse("results.csv", buf.Bytes())
	require.NoError(t, err)

	require.Len(t, table.Rows, len(rows))
	for i, row := range rows {
		assert.Equal(t, row.Source["key"], table.Rows[i]["key"])
	}
	assert.Equal(t, cols, table.Columns)
	assert.Equal(t, "", table.Rows[2]["flood_zone"])
}
