// Package file reads an SDMX payload from the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sdmxgeo/internal/datasource"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/sdmx"
)

// Source opens Path. An empty Format is inferred from the extension, or
// left for sniffing.
type Source struct {
	Path   string
	Format sdmx.Format
}

func (s Source) Open(ctx context.Context) (*datasource.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Path) == "" {
		return nil, pkgerrors.Validation("source.path", "required for kind=file")
	}

	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pkgerrors.Validation("source.path", "%s does not exist", s.Path)
		}
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", s.Path, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, pkgerrors.Validation("source.path", "%s is a directory", s.Path)
	}

	format := s.Format
	if format == "" {
		format = FormatFromExt(s.Path)
	}
	return &datasource.Payload{Name: filepath.Base(s.Path), Format: format, Body: f}, nil
}

// FormatFromExt maps .json, .xml and .csv; anything else returns "".
func FormatFromExt(path string) sdmx.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return sdmx.FormatJSON
	case ".xml":
		return sdmx.FormatXML
	case ".csv":
		return sdmx.FormatCSV
	default:
		return ""
	}
}

// Remove deletes a consumed input file. A file that is already gone is not
// an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cleanup %s: %w", path, err)
	}
	return nil
}
