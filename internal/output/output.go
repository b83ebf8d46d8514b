// Package output writes feature collections to local files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sdmxgeo/internal/geojson"
)

// WriteFile writes fc to path as indented GeoJSON. The file is written to a
// temp file in the same directory and renamed into place, so readers never
// see a partial collection.
func WriteFile(path string, fc *geojson.FeatureCollection) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("output: empty path")
	}
	if fc == nil {
		return 0, fmt.Errorf("output: nil collection")
	}

	body, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("output: encode %s: %w", path, err)
	}
	body = append(body, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("output: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sdmx2geo-*")
	if err != nil {
		return 0, fmt.Errorf("output: %w", err)
	}
	tmpName := tmp.Name()

	n, writeErr := tmp.Write(body)
	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmpName)
		return int64(n), fmt.Errorf("output: write %s: %w", path, writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return int64(n), fmt.Errorf("output: close %s: %w", path, closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return int64(n), fmt.Errorf("output: rename to %s: %w", path, err)
	}
	return int64(n), nil
}
