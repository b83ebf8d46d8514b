// Package sdmxxml decodes SDMX-ML generic data messages into an
// sdmx.LabeledDataset.
//
// Element and attribute names are matched by local name only, so any
// namespace prefix (message:, generic:, none) is accepted. Both layouts are
// supported:
//
//   - flat: DataSet/Obs with ObsKey/Value, ObsValue and Attributes/Value
//   - series: DataSet/Series with SeriesKey and Attributes, then Obs with
//     ObsDimension, ObsValue and Attributes
//
// In the series layout each Obs inherits the series key and attributes.
package sdmxxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"sdmxgeo/internal/config"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/sdmx"
)

const formatName = string(sdmx.FormatXML)

// DefaultObsDimension names the observation-level dimension when neither the
// Obs nor the header declares one.
const DefaultObsDimension = "TIME_PERIOD"

type series struct {
	key   []sdmx.Pair
	attrs []sdmx.Pair
}

type walker struct {
	obsDim   string
	stack    []string
	seenData bool
	series   *series
	obs      *sdmx.LabeledObservation
	obsIndex int
	out      *sdmx.LabeledDataset
}

// Parse reads one SDMX-ML generic data message.
//
// Options:
//   - obs_dimension: id used for ObsDimension when the message does not name
//     it (default TIME_PERIOD).
func Parse(r io.Reader, opt config.Options) (*sdmx.LabeledDataset, error) {
	w := &walker{
		obsDim: opt.String("obs_dimension", DefaultObsDimension),
		out:    &sdmx.LabeledDataset{},
	}

	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &pkgerrors.ParseError{Format: formatName, Path: w.path(), Msg: "malformed XML", Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := w.start(t); err != nil {
				return nil, err
			}
		case xml.EndElement:
			w.end(t)
		}
	}

	if !w.seenData {
		return nil, pkgerrors.Parse(formatName, "DataSet", "element not found")
	}
	return w.out, nil
}

func (w *walker) parent() string {
	if len(w.stack) == 0 {
		return ""
	}
	return w.stack[len(w.stack)-1]
}

func (w *walker) grandparent() string {
	if len(w.stack) < 2 {
		return ""
	}
	return w.stack[len(w.stack)-2]
}

func (w *walker) path() string {
	return strings.Join(w.stack, ".")
}

func attr(t xml.StartElement, local string) (string, bool) {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

func (w *walker) start(t xml.StartElement) error {
	name := t.Name.Local
	if v, ok := attr(t, "dimensionAtObservation"); ok && v != "" && v != "AllDimensions" {
		w.obsDim = v
	}

	switch name {
	case "DataSet":
		w.seenData = true
	case "Series":
		w.series = &series{}
	case "Obs":
		w.obs = &sdmx.LabeledObservation{}
		if w.series != nil {
			w.obs.Key = append(w.obs.Key, w.series.key...)
			w.obs.Attributes = append(w.obs.Attributes, w.series.attrs...)
		}
	case "ObsDimension":
		if w.obs != nil {
			id, ok := attr(t, "id")
			if !ok || id == "" {
				id = w.obsDim
			}
			v, _ := attr(t, "value")
			w.obs.Key = append(w.obs.Key, sdmx.Pair{ID: id, Value: v})
		}
	case "ObsValue":
		if w.obs != nil {
			raw, _ := attr(t, "value")
			v, err := parseValue(raw)
			if err != nil {
				return pkgerrors.Parse(formatName, fmt.Sprintf("DataSet.Obs[%d].ObsValue", w.obsIndex), "%v", err)
			}
			w.obs.Value = v
		}
	case "Value":
		if err := w.value(t); err != nil {
			return err
		}
	}

	w.stack = append(w.stack, name)
	return nil
}

func (w *walker) value(t xml.StartElement) error {
	id, _ := attr(t, "id")
	v, _ := attr(t, "value")
	p := sdmx.Pair{ID: id, Value: v}

	switch w.parent() {
	case "ObsKey":
		if w.obs != nil {
			w.obs.Key = append(w.obs.Key, p)
		}
	case "SeriesKey":
		if w.series != nil {
			w.series.key = append(w.series.key, p)
		}
	case "Attributes":
		switch {
		case w.grandparent() == "Obs" && w.obs != nil:
			w.obs.Attributes = append(w.obs.Attributes, p)
		case w.grandparent() == "Series" && w.series != nil:
			w.series.attrs = append(w.series.attrs, p)
		}
	default:
		return nil
	}
	if id == "" {
		return pkgerrors.Parse(formatName, w.path()+".Value", "missing id attribute")
	}
	return nil
}

func (w *walker) end(t xml.EndElement) {
	switch t.Name.Local {
	case "Obs":
		if w.obs != nil {
			w.out.Observations = append(w.out.Observations, *w.obs)
			w.obs = nil
			w.obsIndex++
		}
	case "Series":
		w.series = nil
	}
	if len(w.stack) > 0 {
		w.stack = w.stack[:len(w.stack)-1]
	}
}

// parseValue treats empty and NaN as missing.
func parseValue(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NaN") {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return nil, fmt.Errorf("observation value %q is not numeric", s)
	}
	return &f, nil
}
