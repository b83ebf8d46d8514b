// Package schema derives the ordered output field list from a parsed dataset.
package schema

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/sdmx"
)

const (
	ObsValueField = "OBS_VALUE"
	ObsValueAlias = "Observation Value"
	CodeSuffix    = "_CODE"
)

// NormalizeName upper-cases a display name and replaces only the first space
// with an underscore. "Reference area name" becomes "REFERENCE_AREA NAME".
// Published field names depend on this exact behavior.
//
// A Caser is stateful, so one is built per call.
func NormalizeName(s string) string {
	return strings.Replace(cases.Upper(language.Und).String(s), " ", "_", 1)
}

// CodeName is the name of a component's machine code field.
func CodeName(id string) string { return id + CodeSuffix }

// CounterField is the Integer identifier field that starts every collection.
func CounterField() geojson.Field {
	return geojson.Field{Name: geojson.CounterField, Alias: geojson.CounterField, Type: geojson.Integer}
}

// ObsValue is the trailing Double field of SDMX datasets.
func ObsValue() geojson.Field {
	return geojson.Field{Name: ObsValueField, Alias: ObsValueAlias, Type: geojson.Double}
}

// InferFields returns the fields declared after counterField.
//
// Coded and labeled datasets yield a code and a label field per dimension and
// attribute followed by OBS_VALUE. Labeled datasets take field identity from
// the first observation only; all observations are assumed to share it.
// Tabular datasets yield one String field per header.
func InferFields(ds sdmx.Dataset) []geojson.Field {
	switch d := ds.(type) {
	case *sdmx.CodedDataset:
		out := make([]geojson.Field, 0, 2*(len(d.Dimensions)+len(d.Attributes))+1)
		for _, c := range d.Dimensions {
			out = appendComponent(out, c.ID, c.DisplayName())
		}
		for _, c := range d.Attributes {
			out = appendComponent(out, c.ID, c.DisplayName())
		}
		return append(out, ObsValue())

	case *sdmx.LabeledDataset:
		if len(d.Observations) == 0 {
			return []geojson.Field{ObsValue()}
		}
		first := d.Observations[0]
		out := make([]geojson.Field, 0, 2*(len(first.Key)+len(first.Attributes))+1)
		for _, p := range first.Key {
			out = appendComponent(out, p.ID, p.ID)
		}
		for _, p := range first.Attributes {
			out = appendComponent(out, p.ID, p.ID)
		}
		return append(out, ObsValue())

	case *sdmx.TabularDataset:
		out := make([]geojson.Field, 0, len(d.Header))
		for _, h := range d.Header {
			out = append(out, geojson.Field{Name: h, Alias: h, Type: geojson.String})
		}
		return out
	}
	return nil
}

func appendComponent(out []geojson.Field, id, display string) []geojson.Field {
	return append(out,
		geojson.Field{Name: CodeName(id), Alias: CodeName(id), Type: geojson.String},
		geojson.Field{Name: NormalizeName(display), Alias: display, Type: geojson.String},
	)
}
