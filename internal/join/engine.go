package join

import (
	"context"

	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
)

// DefaultMaxInValues bounds the IN list of one geometry query.
const DefaultMaxInValues = 500

// Fetcher returns the geometry features matching a where clause.
type Fetcher interface {
	Query(ctx context.Context, where, outField string) (*geojson.FeatureCollection, error)
}

// Request names the two join fields. FetchAll replaces the IN-list queries
// with a single unfiltered one.
type Request struct {
	SdmxField string
	GeoField  string
	FetchAll  bool
}

// Engine fetches geometry for the keys of a collection and joins it.
type Engine struct {
	Fetcher     Fetcher
	MaxInValues int
}

// Run validates req, fetches geometry for the unique join keys of fc and
// joins it in place. A collection without keys performs no query.
func (e Engine) Run(ctx context.Context, fc *geojson.FeatureCollection, req Request) (Stats, error) {
	if err := ValidateFields(req.SdmxField, req.GeoField); err != nil {
		return Stats{}, err
	}
	if e.Fetcher == nil {
		return Stats{}, pkgerrors.Validation("join.service_url", "no geometry service configured")
	}

	keys := UniqueValues(fc, req.SdmxField)
	if len(keys) == 0 {
		return Join(fc, emptySource{}, req.SdmxField, req.GeoField)
	}

	var where []string
	if req.FetchAll {
		where = []string{AllClause}
	} else {
		n := e.MaxInValues
		if n <= 0 {
			n = DefaultMaxInValues
		}
		for start := 0; start < len(keys); start += n {
			end := start + n
			if end > len(keys) {
				end = len(keys)
			}
			where = append(where, InClause(req.GeoField, keys[start:end]))
		}
	}

	merged := &geojson.FeatureCollection{Type: "FeatureCollection"}
	for _, w := range where {
		if err := ctx.Err(); err != nil {
			return Stats{}, pkgerrors.Remote("featureservice", "query", err)
		}
		got, err := e.Fetcher.Query(ctx, w, req.GeoField)
		if err != nil {
			return Stats{}, err
		}
		if got != nil {
			merged.Features = append(merged.Features, got.Features...)
		}
	}

	return Join(fc, NewCollectionSource(merged), req.SdmxField, req.GeoField)
}

type emptySource struct{}

func (emptySource) Lookup(string, any) (*geojson.Geometry, bool) { return nil, false }
