// Package datasource loads the raw SDMX payload a job converts.
package datasource

import (
	"context"
	"io"

	"sdmxgeo/internal/sdmx"
)

// Payload is an opened input. Format is the declared or inferred format, or
// "" when the parser must sniff it.
type Payload struct {
	Name   string
	Format sdmx.Format
	Body   io.ReadCloser
}

// Source opens the input of one run. The caller closes Payload.Body.
type Source interface {
	Open(ctx context.Context) (*Payload, error)
}
