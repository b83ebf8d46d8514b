// Package join attaches geometries from a geometry source to features by
// matching a property of each feature against a property of the source.
package join

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
)

// Source finds the geometry of the first feature whose field equals key.
type Source interface {
	Lookup(field string, key any) (*geojson.Geometry, bool)
}

// Stats summarizes one join.
type Stats struct {
	Features   int `json:"features"`
	Matched    int `json:"matched"`
	Unmatched  int `json:"unmatched"`
	UniqueKeys int `json:"uniqueKeys"`
	Lookups    int `json:"lookups"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%d of %d features unmatched", s.Unmatched, s.Features)
}

// Join sets the geometry of every feature of fc whose sdmxField value matches
// geoField in src. Unmatched features keep their placeholder geometry.
//
// Each distinct key is looked up once; hits and misses are memoized for this
// call only. Features that share a key receive independent copies of the
// same geometry.
func Join(fc *geojson.FeatureCollection, src Source, sdmxField, geoField string) (Stats, error) {
	if err := ValidateFields(sdmxField, geoField); err != nil {
		return Stats{}, err
	}
	if fc == nil {
		return Stats{}, pkgerrors.Validation("collection", "no feature collection to join")
	}
	if src == nil {
		return Stats{}, pkgerrors.Validation("source", "no geometry source")
	}

	type entry struct {
		geom *geojson.Geometry
		ok   bool
	}
	cache := make(map[cacheKey]entry)

	st := Stats{Features: len(fc.Features)}
	for i := range fc.Features {
		f := &fc.Features[i]
		v := f.Properties[sdmxField]
		k, ok := keyOf(v)
		if !ok {
			st.Unmatched++
			continue
		}

		e, seen := cache[k]
		if !seen {
			st.UniqueKeys++
			st.Lookups++
			g, found := src.Lookup(geoField, v)
			e = entry{geom: g, ok: found && g != nil}
			cache[k] = e
		}
		if !e.ok {
			st.Unmatched++
			continue
		}
		f.Geometry = e.geom.Clone()
		st.Matched++
	}
	return st, nil
}

// ValidateFields rejects a join request missing either field name.
func ValidateFields(sdmxField, geoField string) error {
	if strings.TrimSpace(sdmxField) == "" {
		return pkgerrors.Validation("join.sdmx_field", "join field on the data side is required")
	}
	if strings.TrimSpace(geoField) == "" {
		return pkgerrors.Validation("join.geo_field", "join field on the geometry side is required")
	}
	return nil
}

// cacheKey separates values of different kinds, so "1" and 1 never share an
// entry. All numbers are compared as float64.
type cacheKey struct {
	kind byte
	s    string
	f    float64
	b    bool
}

func keyOf(v any) (cacheKey, bool) {
	switch t := v.(type) {
	case nil:
		return cacheKey{}, false
	case string:
		return cacheKey{kind: 's', s: t}, true
	case bool:
		return cacheKey{kind: 'b', b: t}, true
	default:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return cacheKey{}, false
		}
		return cacheKey{kind: 'n', f: f}, true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Equal is the match predicate: same kind and value, numbers numerically.
// nil never equals anything, itself included.
func Equal(a, b any) bool {
	ka, ok := keyOf(a)
	if !ok {
		return false
	}
	kb, ok := keyOf(b)
	if !ok {
		return false
	}
	return ka == kb
}

// CollectionSource scans a geometry FeatureCollection linearly.
type CollectionSource struct {
	fc *geojson.FeatureCollection
}

func NewCollectionSource(fc *geojson.FeatureCollection) *CollectionSource {
	return &CollectionSource{fc: fc}
}

// Lookup returns the geometry of the first feature whose field equals key.
// A first match without geometry counts as no match.
func (s *CollectionSource) Lookup(field string, key any) (*geojson.Geometry, bool) {
	if s == nil || s.fc == nil {
		return nil, false
	}
	for _, f := range s.fc.Features {
		if Equal(f.Properties[field], key) {
			if f.Geometry == nil {
				return nil, false
			}
			return f.Geometry, true
		}
	}
	return nil, false
}

// UniqueValues returns the distinct non-null values of field in first-seen
// order.
func UniqueValues(fc *geojson.FeatureCollection, field string) []any {
	if fc == nil {
		return nil
	}
	seen := make(map[cacheKey]bool)
	var out []any
	for _, f := range fc.Features {
		v := f.Properties[field]
		k, ok := keyOf(v)
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

// AllClause selects every geometry feature.
const AllClause = "1=1"

// InClause renders `field IN ('a','b',3)`. Strings are single-quoted with
// embedded quotes doubled; numbers and booleans are written bare. An empty
// list selects nothing.
func InClause(field string, values []any) string {
	if len(values) == 0 {
		return "1=0"
	}
	var b strings.Builder
	b.WriteString(field)
	b.WriteString(" IN (")
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(literal(v))
	}
	b.WriteByte(')')
	return b.String()
}

func literal(v any) string {
	switch t := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(t)
	default:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		s := fmt.Sprint(v)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}
