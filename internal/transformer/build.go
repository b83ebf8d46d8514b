// Package transformer turns parsed datasets into GeoJSON features and
// features into storage rows.
package transformer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/schema"
	"sdmxgeo/internal/sdmx"
)

// TimePeriodDimension is re-read as a year-month token instead of being
// copied as a code.
const TimePeriodDimension = "TIME_PERIOD"

// DefaultCollectionName is used when neither the dataset nor the caller
// supplies a name.
const DefaultCollectionName = "from sdmx"

// Build expands every observation (or CSV row) of ds into one feature.
//
// Features carry the unjoined placeholder geometry and a counterField that
// runs 1..N in input order.
func Build(ds sdmx.Dataset, title string) (*geojson.FeatureCollection, error) {
	if ds == nil {
		return nil, pkgerrors.Validation("dataset", "no dataset to build")
	}

	name := strings.TrimSpace(title)
	if c, ok := ds.(*sdmx.CodedDataset); ok && strings.TrimSpace(c.Name) != "" {
		name = c.Name
	}
	if name == "" {
		name = DefaultCollectionName
	}

	fc := geojson.NewCollection(name)
	fc.Metadata.Fields = append(fc.Metadata.Fields, schema.InferFields(ds)...)
	fc.Features = make([]geojson.Feature, 0, ds.Len())
	width := len(fc.Metadata.Fields)

	switch d := ds.(type) {
	case *sdmx.CodedDataset:
		for i, o := range d.Observations {
			f := geojson.NewFeature(width)
			if err := codedProperties(d, o, f.Properties); err != nil {
				return nil, err
			}
			f.Properties[geojson.CounterField] = i + 1
			fc.Features = append(fc.Features, f)
		}

	case *sdmx.LabeledDataset:
		for i, o := range d.Observations {
			f := geojson.NewFeature(width)
			for _, p := range o.Key {
				setPair(f.Properties, p.ID, p.ID, p.Value, p.Value)
			}
			for _, p := range o.Attributes {
				setPair(f.Properties, p.ID, p.ID, p.Value, p.Value)
			}
			f.Properties[schema.ObsValueField] = floatOrNil(o.Value)
			f.Properties[geojson.CounterField] = i + 1
			fc.Features = append(fc.Features, f)
		}

	case *sdmx.TabularDataset:
		for i, row := range d.Rows {
			f := geojson.NewFeature(width)
			for j, h := range d.Header {
				if j < len(row) {
					f.Properties[h] = row[j]
				} else {
					f.Properties[h] = nil
				}
			}
			f.Properties[geojson.CounterField] = i + 1
			fc.Features = append(fc.Features, f)
		}

	default:
		return nil, fmt.Errorf("build: unsupported dataset %T", ds)
	}

	return fc, nil
}

func codedProperties(d *sdmx.CodedDataset, o sdmx.Observation, props map[string]any) error {
	path := fmt.Sprintf("observations[%q]", o.Key)

	for pos, seg := range strings.Split(o.Key, ":") {
		dim, ok := d.DimensionAt(pos)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(seg)
		if err != nil || n < 0 || n >= len(dim.Values) {
			return pkgerrors.Parse(string(sdmx.FormatJSON), path, "dimension %s: bad ordinal %q", dim.ID, seg)
		}
		v := dim.Values[n]
		if dim.ID == TimePeriodDimension {
			ym := YearMonth(v.Name)
			setPair(props, dim.ID, dim.DisplayName(), ym, ym)
			continue
		}
		setPair(props, dim.ID, dim.DisplayName(), v.ID, v.Name)
	}

	props[schema.ObsValueField] = floatOrNil(o.Value)

	for j, a := range d.Attributes {
		var ord *int
		if j < len(o.Attributes) {
			ord = o.Attributes[j]
		}
		if ord == nil {
			props[schema.CodeName(a.ID)] = nil
			props[schema.NormalizeName(a.DisplayName())] = nil
			continue
		}
		if *ord < 0 || *ord >= len(a.Values) {
			return pkgerrors.Parse(string(sdmx.FormatJSON), path, "attribute %s: ordinal %d out of range", a.ID, *ord)
		}
		v := a.Values[*ord]
		setPair(props, a.ID, a.DisplayName(), v.ID, v.Name)
	}
	return nil
}

// setPair writes the code property and the label property of one component.
func setPair(props map[string]any, id, display string, code, label any) {
	props[schema.CodeName(id)] = code
	props[schema.NormalizeName(display)] = label
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// yearMonthPattern matches a 4-digit year optionally followed by a 1-2 digit
// month after a separator and/or the SDMX "M" prefix ("2021-03", "2021/3",
// "2021-M03", "2021M03", "2021-03-15T10:00:00Z").
var yearMonthPattern = regexp.MustCompile(`^(\d{4})(?:(?:[-/. ]?[Mm]|[-/. ])(\d{1,2}))?(?:$|[^\d])`)

// YearMonth re-reads a period label as YYYY-MM. A bare year is read as
// January. Labels that do not start with a year and month, such as quarters,
// are returned unchanged.
func YearMonth(label string) string {
	s := strings.TrimSpace(label)
	m := yearMonthPattern.FindStringSubmatch(s)
	if m == nil {
		return label
	}
	if m[2] == "" {
		if len(s) != 4 {
			return label
		}
		return m[1] + "-01"
	}
	month, err := strconv.Atoi(m[2])
	if err != nil || month < 1 || month > 12 {
		return label
	}
	return fmt.Sprintf("%s-%02d", m[1], month)
}
