// Package sdmxjson decodes SDMX-JSON data messages (flat observation form)
// into an sdmx.CodedDataset.
package sdmxjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"sdmxgeo/internal/config"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/sdmx"
)

const formatName = string(sdmx.FormatJSON)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse reads one SDMX-JSON message.
//
// Options:
//   - language: preferred language for localized names (default "en").
//
// A message without the top-level "data" envelope is accepted when it carries
// "structure" and "dataSets" at the root, which is how some endpoints answer.
func Parse(r io.Reader, opt config.Options) (*sdmx.CodedDataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &pkgerrors.ParseError{Format: formatName, Msg: "read input", Err: err}
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &pkgerrors.ParseError{Format: formatName, Msg: "invalid JSON", Err: err}
	}
	root, ok := generic.(map[string]any)
	if !ok {
		return nil, pkgerrors.Parse(formatName, "", "document root is not an object")
	}
	bare := false
	if _, has := root["data"]; !has && (root["dataSets"] != nil || root["structure"] != nil) {
		root = map[string]any{"data": root}
		bare = true
	}

	if err := checkRequired(root); err != nil {
		return nil, err
	}

	s, err := envelope()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(root); err != nil {
		path, msg := schemaFailure(err)
		return nil, pkgerrors.Parse(formatName, path, "%s", msg)
	}

	var msg message
	if bare {
		err = json.Unmarshal(raw, &msg)
	} else {
		var doc document
		err = json.Unmarshal(raw, &doc)
		msg = doc.Data
	}
	if err != nil {
		return nil, &pkgerrors.ParseError{Format: formatName, Path: "data", Msg: "decode", Err: err}
	}

	return msg.toDataset(opt.String("language", "en"))
}

// checkRequired reports the first missing path of the envelope with a stable
// message before the schema runs.
func checkRequired(root map[string]any) error {
	data, ok := root["data"].(map[string]any)
	if !ok {
		return pkgerrors.Parse(formatName, "data", "missing or not an object")
	}
	structure, ok := data["structure"].(map[string]any)
	if !ok {
		return pkgerrors.Parse(formatName, "data.structure", "missing or not an object")
	}
	dims, ok := structure["dimensions"].(map[string]any)
	if !ok {
		return pkgerrors.Parse(formatName, "data.structure.dimensions", "missing or not an object")
	}
	if _, ok := dims["observation"].([]any); !ok {
		return pkgerrors.Parse(formatName, "data.structure.dimensions.observation", "missing or not an array")
	}
	sets, ok := data["dataSets"].([]any)
	if !ok {
		return pkgerrors.Parse(formatName, "data.dataSets", "missing or not an array")
	}
	if len(sets) == 0 {
		return pkgerrors.Parse(formatName, "data.dataSets[0]", "no data sets")
	}
	first, ok := sets[0].(map[string]any)
	if !ok {
		return pkgerrors.Parse(formatName, "data.dataSets[0]", "not an object")
	}
	if _, ok := first["observations"].(map[string]any); !ok {
		return pkgerrors.Parse(formatName, "data.dataSets[0].observations", "missing or not an object")
	}
	return nil
}

type document struct {
	Data message `json:"data"`
}

type message struct {
	Structure struct {
		Name       localized `json:"name"`
		Dimensions struct {
			Observation []component `json:"observation"`
		} `json:"dimensions"`
		Attributes struct {
			Observation []component `json:"observation"`
		} `json:"attributes"`
	} `json:"structure"`
	DataSets []struct {
		Observations orderedObservations `json:"observations"`
	} `json:"dataSets"`
}

type component struct {
	ID          string    `json:"id"`
	Name        localized `json:"name"`
	KeyPosition *int      `json:"keyPosition"`
	Values      []struct {
		ID   string    `json:"id"`
		Name localized `json:"name"`
	} `json:"values"`
}

func (c component) toComponent(index int, lang string) sdmx.Component {
	out := sdmx.Component{
		ID:          c.ID,
		Name:        c.Name.pick(lang),
		KeyPosition: index,
		Values:      make([]sdmx.Value, len(c.Values)),
	}
	if c.KeyPosition != nil {
		out.KeyPosition = *c.KeyPosition
	}
	for i, v := range c.Values {
		name := v.Name.pick(lang)
		if name == "" {
			name = v.ID
		}
		out.Values[i] = sdmx.Value{ID: v.ID, Name: name}
	}
	return out
}

func (m message) toDataset(lang string) (*sdmx.CodedDataset, error) {
	ds := &sdmx.CodedDataset{Name: m.Structure.Name.pick(lang)}
	for i, c := range m.Structure.Dimensions.Observation {
		ds.Dimensions = append(ds.Dimensions, c.toComponent(i, lang))
	}
	for i, c := range m.Structure.Attributes.Observation {
		ds.Attributes = append(ds.Attributes, c.toComponent(i, lang))
	}

	obs := m.DataSets[0].Observations
	ds.Observations = make([]sdmx.Observation, 0, len(obs))
	for _, o := range obs {
		path := fmt.Sprintf("data.dataSets[0].observations[%q]", o.key)
		if err := checkKey(ds, o.key, path); err != nil {
			return nil, err
		}
		if len(o.values) == 0 {
			return nil, pkgerrors.Parse(formatName, path, "empty value list")
		}
		if got := len(o.values) - 1; got > len(ds.Attributes) {
			return nil, pkgerrors.Parse(formatName, path, "%d attribute values, structure declares %d", got, len(ds.Attributes))
		}

		v, err := obsValue(o.values[0])
		if err != nil {
			return nil, pkgerrors.Parse(formatName, path, "%v", err)
		}
		attrs := make([]*int, len(ds.Attributes))
		for j := range ds.Attributes {
			if j+1 >= len(o.values) || o.values[j+1] == nil {
				continue
			}
			n, err := ordinal(o.values[j+1])
			if err != nil {
				return nil, pkgerrors.Parse(formatName, path, "attribute %s: %v", ds.Attributes[j].ID, err)
			}
			if n >= len(ds.Attributes[j].Values) {
				return nil, pkgerrors.Parse(formatName, path, "attribute %s: ordinal %d out of range (%d values)",
					ds.Attributes[j].ID, n, len(ds.Attributes[j].Values))
			}
			attrs[j] = &n
		}
		ds.Observations = append(ds.Observations, sdmx.Observation{Key: o.key, Value: v, Attributes: attrs})
	}
	return ds, nil
}

// checkKey verifies every key segment is an ordinal inside the value list of
// the dimension at that position.
func checkKey(ds *sdmx.CodedDataset, key, path string) error {
	for pos, seg := range strings.Split(key, ":") {
		dim, ok := ds.DimensionAt(pos)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(seg)
		if err != nil || n < 0 {
			return pkgerrors.Parse(formatName, path, "key segment %d (%q) is not an ordinal", pos, seg)
		}
		if n >= len(dim.Values) {
			return pkgerrors.Parse(formatName, path, "dimension %s: ordinal %d out of range (%d values)", dim.ID, n, len(dim.Values))
		}
	}
	return nil
}

func obsValue(v any) (*float64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("observation value %q: %w", t, err)
		}
		return &f, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.EqualFold(s, "NaN") {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) {
			return nil, fmt.Errorf("observation value %q is not numeric", t)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("observation value has unexpected type %T", v)
	}
}

func ordinal(v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("ordinal has unexpected type %T", v)
	}
	i, err := n.Int64()
	if err != nil || i < 0 {
		return 0, fmt.Errorf("ordinal %q is not a non-negative integer", n)
	}
	return int(i), nil
}

// localized is an SDMX name: either a plain string or a language map.
type localized struct {
	plain string
	langs map[string]string
}

func (l *localized) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &l.plain)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	l.langs = make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			l.langs[k] = s
		}
	}
	return nil
}

// pick prefers lang, then "en", then the alphabetically first language.
func (l localized) pick(lang string) string {
	if l.plain != "" || len(l.langs) == 0 {
		return l.plain
	}
	if s, ok := l.langs[lang]; ok {
		return s
	}
	if s, ok := l.langs["en"]; ok {
		return s
	}
	keys := make([]string, 0, len(l.langs))
	for k := range l.langs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return l.langs[keys[0]]
}

type rawObservation struct {
	key    string
	values []any
}

// orderedObservations keeps the document order of the observations object,
// which a Go map would lose. Feature counters depend on that order.
type orderedObservations []rawObservation

func (o *orderedObservations) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("observations: expected object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("observations: expected key, got %v", tok)
		}
		var vals []any
		if err := dec.Decode(&vals); err != nil {
			return fmt.Errorf("observations[%q]: %w", key, err)
		}
		*o = append(*o, rawObservation{key: key, values: vals})
	}
	_, err = dec.Token()
	return err
}
