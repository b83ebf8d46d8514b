// Package sdmx holds the format-agnostic intermediate representation that
// every parser produces and the feature builder consumes.
//
// Dataset is a closed sum type: exactly one of *CodedDataset (SDMX-JSON),
// *LabeledDataset (SDMX-ML generic data) or *TabularDataset (CSV).
package sdmx

import (
	"fmt"
	"strings"
)

// Format names an input wire format.
type Format string

const (
	FormatJSON Format = "sdmx-json"
	FormatXML  Format = "sdmx-xml"
	FormatCSV  Format = "csv"
)

// ParseFormat resolves a user-supplied format flag. The empty string is
// returned as "" with no error so callers can fall back to sniffing.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "sdmx-json", "json":
		return FormatJSON, nil
	case "sdmx-xml", "xml":
		return FormatXML, nil
	case "csv", "tabular-csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown input format %q (want sdmx-json, sdmx-xml or csv)", s)
	}
}

// Dataset is implemented by the three dataset shapes only.
type Dataset interface {
	Format() Format
	Len() int
	dataset()
}

// Value is one entry of a component's ordinal-indexed value domain.
type Value struct {
	ID   string
	Name string
}

// Component describes a dimension or an attribute.
//
// KeyPosition is only meaningful for dimensions: it is the index of the
// ordinal inside the colon-delimited observation key.
type Component struct {
	ID          string
	Name        string
	KeyPosition int
	Values      []Value
}

// DisplayName returns Name, or ID when the component has no name.
func (c Component) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return c.ID
}

// Observation is one SDMX-JSON data point.
//
// Attributes has exactly one entry per dataset attribute; nil entries are
// missing attribute ordinals and become null properties.
type Observation struct {
	Key        string
	Value      *float64
	Attributes []*int
}

// CodedDataset is the SDMX-JSON shape: observations reference component
// values by ordinal and must be decoded through the structure metadata.
type CodedDataset struct {
	Name         string
	Dimensions   []Component
	Attributes   []Component
	Observations []Observation
}

func (*CodedDataset) Format() Format { return FormatJSON }
func (d *CodedDataset) Len() int     { return len(d.Observations) }
func (*CodedDataset) dataset()       {}

// DimensionAt returns the dimension whose KeyPosition is pos.
func (d *CodedDataset) DimensionAt(pos int) (Component, bool) {
	for _, dim := range d.Dimensions {
		if dim.KeyPosition == pos {
			return dim, true
		}
	}
	return Component{}, false
}

// Pair is an already-resolved component id and code.
type Pair struct {
	ID    string
	Value string
}

// LabeledObservation is one SDMX-ML Obs element. Key and Attributes carry
// codes directly; there is no ordinal decoding step.
type LabeledObservation struct {
	Key        []Pair
	Attributes []Pair
	Value      *float64
}

// LabeledDataset is the SDMX-ML generic data shape.
type LabeledDataset struct {
	Observations []LabeledObservation
}

func (*LabeledDataset) Format() Format { return FormatXML }
func (d *LabeledDataset) Len() int     { return len(d.Observations) }
func (*LabeledDataset) dataset()       {}

// TabularDataset is a CSV table. Rows may be shorter than Header; missing
// cells are treated as null.
type TabularDataset struct {
	Header []string
	Rows   [][]string
}

func (*TabularDataset) Format() Format { return FormatCSV }
func (d *TabularDataset) Len() int     { return len(d.Rows) }
func (*TabularDataset) dataset()       {}
