// Package csv reads a delimited table into an sdmx.TabularDataset.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"sdmxgeo/internal/config"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/sdmx"
)

const formatName = string(sdmx.FormatCSV)

// Parse reads a header row and the data rows beneath it.
//
// Options:
//   - comma: field delimiter (default ',', "tab" or "\t" for TSV)
//   - lazy_quotes: tolerate bare quotes inside fields
//   - trim_space: trim surrounding whitespace of headers and cells
//   - header_map: rename header cells, keyed by the name in the file
//
// A UTF-8 or UTF-16 byte order mark selects the encoding and is dropped;
// input without one is read as UTF-8. Cells are kept verbatim, so the table
// round-trips into feature properties unchanged. Rows shorter than the
// header leave the missing cells null. A column named counterField is
// rejected since every feature carries its own counter under that name.
func Parse(r io.Reader, opt config.Options) (*sdmx.TabularDataset, error) {
	trim := opt.Bool("trim_space", false)
	hm := opt.StringMap("header_map")

	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, pkgerrors.Parse(formatName, "header", "missing header row")
	}
	if err != nil {
		return nil, readError(err)
	}

	ds := &sdmx.TabularDataset{Header: make([]string, len(hdr))}
	seen := make(map[string]int, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if trim {
			h = strings.TrimSpace(h)
		}
		if mapped, ok := hm[h]; ok {
			h = mapped
		}
		if h == "" {
			return nil, pkgerrors.Parse(formatName, "header", "column %d has an empty name", i+1)
		}
		if h == geojson.CounterField {
			return nil, pkgerrors.Parse(formatName, "header", "column %d: %q is reserved for the feature counter", i+1, h)
		}
		if prev, dup := seen[h]; dup {
			return nil, pkgerrors.Parse(formatName, "header", "column %q repeated (columns %d and %d)", h, prev+1, i+1)
		}
		seen[h] = i
		ds.Header[i] = h
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return ds, nil
		}
		if err != nil {
			return nil, readError(err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) > len(hdr) {
			extra := rec[len(hdr):]
			if !allBlank(extra) {
				return nil, pkgerrors.Parse(formatName, fmt.Sprintf("line %d", line),
					"%d fields, header has %d", len(rec), len(hdr))
			}
			rec = rec[:len(hdr)]
		}
		if trim {
			for i := range rec {
				rec[i] = strings.TrimSpace(rec[i])
			}
		}
		ds.Rows = append(ds.Rows, rec)
	}
}

func readError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &pkgerrors.ParseError{Format: formatName, Path: fmt.Sprintf("line %d", pe.Line), Msg: "malformed row", Err: pe.Err}
	}
	return &pkgerrors.ParseError{Format: formatName, Msg: "read input", Err: err}
}

func allBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
