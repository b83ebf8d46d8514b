// Package sdmxapi fetches an SDMX data message from a REST endpoint.
package sdmxapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"sdmxgeo/internal/datasource"
	"sdmxgeo/internal/datasource/httpds"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/sdmx"
)

// Accept headers sent per requested format.
const (
	AcceptJSON = "application/vnd.sdmx.data+json;version=1.0.0-wd"
	AcceptXML  = "application/vnd.sdmx.genericdata+xml;version=2.1"
	AcceptCSV  = "text/csv"
)

// Source GETs URL. An empty Format requests SDMX-JSON and then trusts the
// response Content-Type.
type Source struct {
	URL    string
	Format sdmx.Format
	Client *httpds.Client
}

func (s Source) Open(ctx context.Context) (*datasource.Payload, error) {
	if strings.TrimSpace(s.URL) == "" {
		return nil, pkgerrors.Validation("source.url", "required for kind=sdmx_api")
	}
	client := s.Client
	if client == nil {
		client = httpds.New(httpds.Config{Service: "sdmxapi"})
	}

	resp, err := client.Get(ctx, "data", s.URL, http.Header{"Accept": {Accept(s.Format)}})
	if err != nil {
		return nil, err
	}

	format := s.Format
	if format == "" {
		format = FormatFromContentType(resp.Header.Get("Content-Type"))
	}
	return &datasource.Payload{
		Name:   path.Base(strings.SplitN(s.URL, "?", 2)[0]),
		Format: format,
		Body:   io.NopCloser(bytes.NewReader(resp.Body)),
	}, nil
}

// Accept returns the Accept header for f. "" selects SDMX-JSON.
func Accept(f sdmx.Format) string {
	switch f {
	case sdmx.FormatXML:
		return AcceptXML
	case sdmx.FormatCSV:
		return AcceptCSV
	default:
		return AcceptJSON
	}
}

// FormatFromContentType maps a response media type to a format, or "" when
// it says nothing useful (e.g. application/octet-stream).
func FormatFromContentType(ct string) sdmx.Format {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "json"):
		return sdmx.FormatJSON
	case strings.Contains(ct, "xml"):
		return sdmx.FormatXML
	case strings.Contains(ct, "csv"):
		return sdmx.FormatCSV
	default:
		return ""
	}
}
