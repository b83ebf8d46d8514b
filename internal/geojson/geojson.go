// Package geojson is the output model: a FeatureCollection whose metadata
// block declares the published layer's fields.
package geojson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// FieldType is the declared type of an output field.
type FieldType string

const (
	String  FieldType = "String"
	Double  FieldType = "Double"
	Integer FieldType = "Integer"
)

// Field declares one property of every feature.
type Field struct {
	Name  string    `json:"name"`
	Alias string    `json:"alias"`
	Type  FieldType `json:"type"`
}

// CounterField is the synthetic 1-based identifier carried by every feature.
const CounterField = "counterField"

// Geometry is kept close to the wire form so that geometries fetched from the
// feature service round-trip without loss.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometries  []Geometry      `json:"geometries,omitempty"`
}

// Placeholder returns the unjoined geometry: a Point with no coordinates.
func Placeholder() *Geometry {
	return &Geometry{Type: "Point", Coordinates: json.RawMessage("[]")}
}

// IsPlaceholder reports whether g is nil or the unjoined Point.
func (g *Geometry) IsPlaceholder() bool {
	if g == nil {
		return true
	}
	if g.Type != "Point" || len(g.Geometries) > 0 {
		return false
	}
	c := bytes.TrimSpace(g.Coordinates)
	return len(c) == 0 || bytes.Equal(c, []byte("[]")) || bytes.Equal(c, []byte("null"))
}

// Clone returns a deep copy so cached geometries are never aliased between
// features.
func (g *Geometry) Clone() *Geometry {
	if g == nil {
		return nil
	}
	out := &Geometry{Type: g.Type}
	if g.Coordinates != nil {
		out.Coordinates = append(json.RawMessage(nil), g.Coordinates...)
	}
	if len(g.Geometries) > 0 {
		out.Geometries = make([]Geometry, len(g.Geometries))
		for i := range g.Geometries {
			out.Geometries[i] = *g.Geometries[i].Clone()
		}
	}
	return out
}

// Feature is one observation or CSV row.
type Feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   *Geometry      `json:"geometry"`
}

// NewFeature returns a feature with empty properties and the placeholder
// geometry.
func NewFeature(capacity int) Feature {
	return Feature{
		Type:       "Feature",
		Properties: make(map[string]any, capacity),
		Geometry:   Placeholder(),
	}
}

// Metadata describes the collection for the publishing platform.
type Metadata struct {
	Name    string  `json:"name"`
	IDField string  `json:"idField"`
	Fields  []Field `json:"fields"`
}

// FeatureCollection is the single artifact produced by the conversion.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// NewCollection returns an empty collection whose field list already starts
// with counterField.
func NewCollection(name string) *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: []Feature{},
		Metadata: &Metadata{
			Name:    name,
			IDField: CounterField,
			Fields:  []Field{{Name: CounterField, Alias: CounterField, Type: Integer}},
		},
	}
}

// Fields returns the declared fields, or nil for a collection without
// metadata (e.g. one decoded from a geometry service).
func (fc *FeatureCollection) Fields() []Field {
	if fc == nil || fc.Metadata == nil {
		return nil
	}
	return fc.Metadata.Fields
}

// Decode reads a FeatureCollection. Numbers in properties decode as float64.
func Decode(r io.Reader) (*FeatureCollection, error) {
	var fc FeatureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	if fc.Type != "" && fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("decode feature collection: unexpected type %q", fc.Type)
	}
	return &fc, nil
}

// Encode writes fc as compact JSON.
func Encode(w io.Writer, fc *FeatureCollection) error {
	return json.NewEncoder(w).Encode(fc)
}
