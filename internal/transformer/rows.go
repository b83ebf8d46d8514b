package transformer

import (
	"encoding/json"
	"fmt"

	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/storage"
)

// FeatureRows flattens fc into rows aligned with spec.ColumnNames().
//
// Property columns take the feature property named by ColumnSpec.Source.
// The geometry column holds the GeoJSON text of a joined geometry, or nil
// for the placeholder. row_hash is computed over every other column.
func FeatureRows(fc *geojson.FeatureCollection, spec storage.TableSpec) ([][]any, error) {
	if fc == nil {
		return nil, fmt.Errorf("feature rows: nil collection")
	}

	hashIdx := -1
	names := make([]string, 0, len(spec.Columns))
	for i, c := range spec.Columns {
		if c.Name == storage.RowHashColumn {
			hashIdx = i
			continue
		}
		names = append(names, c.Name)
	}

	rows := make([][]any, 0, len(fc.Features))
	for n, f := range fc.Features {
		row := make([]any, len(spec.Columns))
		hashed := make([]any, 0, len(names))
		for i, c := range spec.Columns {
			switch {
			case i == hashIdx:
				continue
			case c.Source != "":
				row[i] = f.Properties[c.Source]
			case c.Name == storage.GeometryColumn:
				if !f.Geometry.IsPlaceholder() {
					b, err := json.Marshal(f.Geometry)
					if err != nil {
						return nil, fmt.Errorf("feature rows: feature %d: encode geometry: %w", n, err)
					}
					row[i] = string(b)
				}
			}
			hashed = append(hashed, row[i])
		}
		if hashIdx >= 0 {
			row[hashIdx] = RowHash(names, hashed)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
