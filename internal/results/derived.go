// Package results flattens per-row analysis documents into tabular records.
package results

import (
	"encoding/json"
	"strconv"

	"github.com/Harvey-AU/parcel-valuation/internal/gis"
	"github.com/Harvey-AU/parcel-valuation/internal/imagery"
)

// DefaultFloodZone is reported when no flood fragment is available. Zone X is
// minimal flood hazard.
const DefaultFloodZone = "X"

// Derived is the fixed set of columns extracted from an analysis document
type Derived struct {
	ParcelGID         int64
	County            string
	Acreage           float64
	RoadFrontageFt    float64
	BuildableAcres    float64
	UnbuildableAcres  float64
	ElevationChangeFt float64
	TreeCoveragePct   float64
	FloodZone         string
	WetlandAcres      float64
	HasWaterWell      bool
	GasPipeline       bool
	ElectricLines     bool
	ImgParcel         string
	ImgFlood          string
	ImgTopo           string
}

// DerivedColumns is the column order of Derived in exported artifacts
var DerivedColumns = []string{
	"parcel_gid",
	"county",
	"acreage",
	"road_frontage_ft",
	"buildable_acres",
	"unbuildable_acres",
	"elevation_change_ft",
	"tree_coverage_pct",
	"flood_zone",
	"wetland_acres",
	"has_water_well",
	"gas_pipeline",
	"electric_lines",
	"img_parcel",
	"img_flood",
	"img_topo",
}

// Extract reads the derived columns from an analysis document. Absent or
// failed fragments leave the documented defaults in place.
func Extract(doc map[string]any) Derived {
	d := Derived{FloodZone: DefaultFloodZone}

	parcel := fragment(doc, "parcels")
	d.ParcelGID = int64(number(parcel, "gid"))
	d.County = text(parcel, "county")
	d.Acreage = number(parcel, "acreage")

	d.RoadFrontageFt = number(fragment(doc, gis.MetricRoads), "road_frontage_feet")

	buildable := fragment(doc, gis.MetricBuildable)
	d.BuildableAcres = number(buildable, "buildable_acres")
	d.UnbuildableAcres = number(buildable, "unbuildable_acres")

	d.ElevationChangeFt = number(fragment(doc, gis.MetricElevation), "elevation_change_feet")
	d.TreeCoveragePct = number(fragment(doc, gis.MetricTreeCoverage), "tree_percentage")

	if zone := text(fragment(doc, gis.MetricFlood), "flood_zone_summary"); zone != "" {
		d.FloodZone = zone
	}

	for _, w := range list(fragment(doc, gis.MetricWetlands), "wetland_analysis") {
		d.WetlandAcres += number(w, "area_acres")
	}

	d.HasWaterWell = flag(fragment(doc, gis.MetricWells), "intersects")
	d.GasPipeline = flag(fragment(doc, gis.MetricGasLines), "intersects")
	d.ElectricLines = flag(fragment(doc, gis.MetricElectricLines), "intersects")

	d.ImgParcel = text(doc, string(imagery.KindParcel))
	d.ImgFlood = text(doc, string(imagery.KindFlood))
	d.ImgTopo = text(doc, string(imagery.KindContour))

	return d
}

// Values renders the derived columns as strings keyed by column name
func (d Derived) Values() map[string]string {
	v := map[string]string{
		"county":              d.County,
		"acreage":             formatFloat(d.Acreage),
		"road_frontage_ft":    formatFloat(d.RoadFrontageFt),
		"buildable_acres":     formatFloat(d.BuildableAcres),
		"unbuildable_acres":   formatFloat(d.UnbuildableAcres),
		"elevation_change_ft": formatFloat(d.ElevationChangeFt),
		"tree_coverage_pct":   formatFloat(d.TreeCoveragePct),
		"flood_zone":          d.FloodZone,
		"wetland_acres":       formatFloat(d.WetlandAcres),
		"has_water_well":      strconv.FormatBool(d.HasWaterWell),
		"gas_pipeline":        strconv.FormatBool(d.GasPipeline),
		"electric_lines":      strconv.FormatBool(d.ElectricLines),
		"img_parcel":          d.ImgParcel,
		"img_flood":           d.ImgFlood,
		"img_topo":            d.ImgTopo,
	}
	if d.ParcelGID > 0 {
		v["parcel_gid"] = strconv.FormatInt(d.ParcelGID, 10)
	}
	return v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// fragment returns doc[key] as a map, or nil when absent, of another type or
// marked failed
func fragment(doc map[string]any, key string) map[string]any {
	m, ok := doc[key].(map[string]any)
	if !ok {
		return nil
	}
	if status, _ := m["status"].(string); status == "failed" {
		return nil
	}
	return m
}

func number(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func text(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func flag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// list accepts both freshly computed slices and slices decoded from JSON
func list(m map[string]any, key string) []map[string]any {
	switch v := m[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if im, ok := item.(map[string]any); ok {
				out = append(out, im)
			}
		}
		return out
	}
	return nil
}
