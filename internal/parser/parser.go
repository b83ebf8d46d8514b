// Package parser selects the decoder for an input and returns the parsed
// sdmx.Dataset.
package parser

import (
	"bufio"
	"bytes"
	"io"

	"sdmxgeo/internal/config"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/parser/csv"
	"sdmxgeo/internal/parser/sdmxjson"
	"sdmxgeo/internal/parser/sdmxxml"
	"sdmxgeo/internal/sdmx"
)

const sniffBytes = 4096

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Sniff guesses the format from the first non-space byte of sample: '<' is
// SDMX-ML, '{' or '[' is SDMX-JSON and anything else is read as CSV.
// An empty sample returns "".
func Sniff(sample []byte) sdmx.Format {
	trim := bytes.TrimSpace(bytes.TrimPrefix(sample, utf8BOM))
	if len(trim) == 0 {
		return ""
	}
	switch trim[0] {
	case '<':
		return sdmx.FormatXML
	case '{', '[':
		return sdmx.FormatJSON
	default:
		return sdmx.FormatCSV
	}
}

// Parse decodes r as format. An empty format is sniffed from the head of the
// stream. The returned format is the one actually used.
func Parse(r io.Reader, format sdmx.Format, opt config.Options) (sdmx.Dataset, sdmx.Format, error) {
	if format == "" {
		br := bufio.NewReaderSize(r, sniffBytes)
		head, err := br.Peek(sniffBytes)
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return nil, "", &pkgerrors.ParseError{Msg: "read input", Err: err}
		}
		format = Sniff(head)
		if format == "" {
			return nil, "", pkgerrors.Parse("", "", "input is empty")
		}
		r = br
	}

	switch format {
	case sdmx.FormatJSON:
		ds, err := sdmxjson.Parse(r, opt)
		if err != nil {
			return nil, format, err
		}
		return ds, format, nil
	case sdmx.FormatXML:
		ds, err := sdmxxml.Parse(r, opt)
		if err != nil {
			return nil, format, err
		}
		return ds, format, nil
	case sdmx.FormatCSV:
		ds, err := csv.Parse(r, opt)
		if err != nil {
			return nil, format, err
		}
		return ds, format, nil
	default:
		return nil, format, pkgerrors.Validation("source.format", "unsupported input format %q", format)
	}
}
