package geo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/leapstack-labs/tmutil/internal/table"
)

// BlockPoint is an internal point (centroid) of a Census block.
type BlockPoint struct {
	GEOID string
	Lon   float64
	Lat   float64
}

// Zone is a TAZ polygon with a precomputed bounding box.
type Zone struct {
	TAZ      string
	Geometry orb.Geometry
	Bounds   orb.Bound
}

// ReadZones decodes a GEOJSON feature collection of TAZ polygons. The TAZ
// number is read from the tazProp feature property.
func ReadZones(r io.Reader, tazProp string) ([]Zone, *geojson.FeatureCollection, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse geojson: %w", err)
	}

	zones := make([]Zone, 0, len(fc.Features))
	for i, f := range fc.Features {
		taz, err := zoneID(f, tazProp)
		if err != nil {
			return nil, nil, fmt.Errorf("feature %d: %w", i, err)
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, nil, fmt.Errorf("feature %d (TAZ %s): unsupported geometry %s", i, taz, f.Geometry.GeoJSONType())
		}
		zones = append(zones, Zone{
			TAZ:      taz,
			Geometry: f.Geometry,
			Bounds:   f.Geometry.Bound(),
		})
	}
	return zones, fc, nil
}

func zoneID(f *geojson.Feature, prop string) (string, error) {
	v, ok := f.Properties[prop]
	if !ok {
		return "", fmt.Errorf("missing property %q", prop)
	}
	switch id := v.(type) {
	case string:
		return id, nil
	case float64:
		if id != math.Trunc(id) {
			return "", fmt.Errorf("property %q is not an integer: %v", prop, id)
		}
		return strconv.FormatInt(int64(id), 10), nil
	default:
		return "", fmt.Errorf("property %q has unsupported type %T", prop, v)
	}
}

// Contains reports whether the zone contains the point.
func (z Zone) Contains(p orb.Point) bool {
	if !z.Bounds.Contains(p) {
		return false
	}
	switch g := z.Geometry.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

// BuildCrosswalk assigns each block point to the first zone containing it.
// Blocks that fall in no zone are returned separately.
func BuildCrosswalk(points []BlockPoint, zones []Zone) (*Crosswalk, []string) {
	xw := NewCrosswalk()
	var unmatched []string
	for _, bp := range points {
		p := orb.Point{bp.Lon, bp.Lat}
		matched := false
		for _, z := range zones {
			if z.Contains(p) {
				xw.Add(bp.GEOID, z.TAZ, 1)
				matched = true
				break
			}
		}
		if !matched {
			unmatched = append(unmatched, bp.GEOID)
		}
	}
	return xw, unmatched
}

// ExportGeoJSON writes the zone features with the columns of data joined in as
// properties. Zones without a row in data keep their original properties.
func ExportGeoJSON(w io.Writer, fc *geojson.FeatureCollection, tazProp string, data *table.Table, columns []string) error {
	if len(columns) == 0 {
		columns = data.Columns()
	}

	out := geojson.NewFeatureCollection()
	for i, f := range fc.Features {
		taz, err := zoneID(f, tazProp)
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		nf := geojson.NewFeature(f.Geometry)
		for k, v := range f.Properties {
			nf.Properties[k] = v
		}
		if data.HasRow(taz) {
			for _, c := range columns {
				nf.Properties[c] = data.Get(taz, c)
			}
		}
		out.Append(nf)
	}

	b, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode geojson: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write geojson: %w", err)
	}
	return nil
}

var (
	lonColumnCandidates = []string{"INTPTLON20", "INTPTLON10", "INTPTLON", "lon", "longitude", "x"}
	latColumnCandidates = []string{"INTPTLAT20", "INTPTLAT10", "INTPTLAT", "lat", "latitude", "y"}
)

// ReadBlockPoints parses block internal points from a CSV with a block
// GEOID column and longitude/latitude columns, as published in the TIGER
// block attribute files.
func ReadBlockPoints(r io.Reader) ([]BlockPoint, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read block points header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	idIdx, err := findColumn(header, "", blockColumnCandidates)
	if err != nil {
		return nil, fmt.Errorf("block column: %w", err)
	}
	lonIdx, err := findColumn(header, "", lonColumnCandidates)
	if err != nil {
		return nil, fmt.Errorf("longitude column: %w", err)
	}
	latIdx, err := findColumn(header, "", latColumnCandidates)
	if err != nil {
		return nil, fmt.Errorf("latitude column: %w", err)
	}

	var points []BlockPoint
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if idIdx >= len(rec) || lonIdx >= len(rec) || latIdx >= len(rec) {
			return nil, fmt.Errorf("line %d: short record", line)
		}
		id, err := ParseBlock(rec[idIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid block geoid: %w", line, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(rec[lonIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: longitude: %w", line, err)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(rec[latIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: latitude: %w", line, err)
		}
		points = append(points, BlockPoint{GEOID: id, Lon: lon, Lat: lat})
	}
	return points, nil
}
