package sdmxjson

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdmxgeo/internal/config"
	pkgerrors "sdmxgeo/internal/errors"
)

const refAreaMessage = `{
  "data": {
    "structure": {
      "name": {"en": "Proportion of population below poverty line"},
      "dimensions": {"observation": [
        {"id": "REF_AREA", "name": {"en": "Reference area"}, "keyPosition": 0,
         "values": [{"id": "KE", "name": {"en": "Kenya"}}, {"id": "UG", "name": {"en": "Uganda"}}]}
      ]},
      "attributes": {"observation": [
        {"id": "OBS_STATUS", "name": {"en": "Observation status"},
         "values": [{"id": "A", "name": {"en": "Normal"}}, {"id": "B", "name": {"en": "Break"}}]}
      ]}
    },
    "dataSets": [{"observations": {"0:0": [12.5, 0], "1:1": [7.3, null]}}]
  }
}`

func mustParse(t *testing.T, in string, opt config.Options) error {
	t.Helper()
	_, err := Parse(strings.NewReader(in), opt)
	return err
}

func TestParse_ReferenceAreaExample(t *testing.T) {
	t.Parallel()

	ds, err := Parse(strings.NewReader(refAreaMessage), nil)
	require.NoError(t, err)

	assert.Equal(t, "Proportion of population below poverty line", ds.Name)
	require.Len(t, ds.Dimensions, 1)
	require.Len(t, ds.Attributes, 1)
	assert.Equal(t, "Reference area", ds.Dimensions[0].Name)
	assert.Equal(t, "Uganda", ds.Dimensions[0].Values[1].Name)

	require.Len(t, ds.Observations, 2)
	first, second := ds.Observations[0], ds.Observations[1]
	assert.Equal(t, "0:0", first.Key)
	require.NotNil(t, first.Value)
	assert.Equal(t, 12.5, *first.Value)
	require.Len(t, first.Attributes, 1)
	require.NotNil(t, first.Attributes[0])
	assert.Equal(t, 0, *first.Attributes[0])

	assert.Equal(t, "1:1", second.Key)
	assert.Equal(t, 7.3, *second.Value)
	require.Len(t, second.Attributes, 1)
	assert.Nil(t, second.Attributes[0])
}

func TestParse_LeadingByteOrderMark(t *testing.T) {
	t.Parallel()

	ds, err := Parse(strings.NewReader("\ufeff"+refAreaMessage), nil)
	require.NoError(t, err)
	require.Len(t, ds.Observations, 2)
	assert.Equal(t, "0:0", ds.Observations[0].Key)
}

func TestParse_PreservesDocumentOrder(t *testing.T) {
	t.Parallel()

	in := strings.Replace(refAreaMessage,
		`{"0:0": [12.5, 0], "1:1": [7.3, null]}`,
		`{"1:0": [1], "0:0": [2], "1:1": [3]}`, 1)

	ds, err := Parse(strings.NewReader(in), nil)
	require.NoError(t, err)

	var keys []string
	for _, o := range ds.Observations {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"1:0", "0:0", "1:1"}, keys)

	// Omitted trailing attribute values become nil entries.
	for _, o := range ds.Observations {
		require.Len(t, o.Attributes, 1)
		assert.Nil(t, o.Attributes[0])
	}
}

func TestParse_LocalizedNames(t *testing.T) {
	t.Parallel()

	in := `{"data": {
	  "structure": {"name": "plain name", "dimensions": {"observation": [
	    {"id": "SEX", "name": {"fr": "Sexe", "en": "Sex"}, "values": [{"id": "F", "name": {"fr": "Femme"}}, {"id": "M"}]}
	  ]}},
	  "dataSets": [{"observations": {"1": [4]}}]}}`

	ds, err := Parse(strings.NewReader(in), config.Options{"language": "fr"})
	require.NoError(t, err)
	assert.Equal(t, "plain name", ds.Name)
	assert.Equal(t, "Sexe", ds.Dimensions[0].Name)
	assert.Equal(t, "Femme", ds.Dimensions[0].Values[0].Name)
	// No name at all: label falls back to the code.
	assert.Equal(t, "M", ds.Dimensions[0].Values[1].Name)
	// Missing keyPosition defaults to the array index; no attributes section.
	assert.Equal(t, 0, ds.Dimensions[0].KeyPosition)
	assert.Empty(t, ds.Attributes)

	ds, err = Parse(strings.NewReader(in), nil)
	require.NoError(t, err)
	assert.Equal(t, "Sex", ds.Dimensions[0].Name)
}

func TestParse_BarePayloadIsWrapped(t *testing.T) {
	t.Parallel()

	start := strings.Index(refAreaMessage, `"structure"`)
	end := strings.LastIndex(refAreaMessage, "}")
	bare := "{" + strings.TrimSpace(refAreaMessage[start:end])
	bare = strings.TrimSuffix(bare, "}") + "}"

	ds, err := Parse(strings.NewReader(bare), nil)
	require.NoError(t, err)
	assert.Len(t, ds.Observations, 2)
}

func TestParse_StringAndNullValues(t *testing.T) {
	t.Parallel()

	in := strings.Replace(refAreaMessage,
		`{"0:0": [12.5, 0], "1:1": [7.3, null]}`,
		`{"0:0": ["NaN", 1], "1:0": [null], "0:1": ["4.25"]}`, 1)

	ds, err := Parse(strings.NewReader(in), nil)
	require.NoError(t, err)
	assert.Nil(t, ds.Observations[0].Value)
	assert.Equal(t, 1, *ds.Observations[0].Attributes[0])
	assert.Nil(t, ds.Observations[1].Value)
	assert.Equal(t, 4.25, *ds.Observations[2].Value)
}

func TestParse_StructuralErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantPath string
	}{
		{name: "not_json", in: `{"data":`, wantPath: ""},
		{name: "array_root", in: `[1,2]`, wantPath: ""},
		{name: "no_data", in: `{"meta": {}}`, wantPath: "data"},
		{name: "no_structure", in: `{"data": {"dataSets": []}}`, wantPath: "data.structure"},
		{
			name:     "no_dimensions_observation",
			in:       `{"data": {"structure": {"dimensions": {}}, "dataSets": [{"observations": {}}]}}`,
			wantPath: "data.structure.dimensions.observation",
		},
		{
			name:     "no_datasets",
			in:       `{"data": {"structure": {"dimensions": {"observation": []}}}}`,
			wantPath: "data.dataSets",
		},
		{
			name:     "empty_datasets",
			in:       `{"data": {"structure": {"dimensions": {"observation": []}}, "dataSets": []}}`,
			wantPath: "data.dataSets[0]",
		},
		{
			name:     "no_observations",
			in:       `{"data": {"structure": {"dimensions": {"observation": []}}, "dataSets": [{}]}}`,
			wantPath: "data.dataSets[0].observations",
		},
		{
			name:     "dimension_ordinal_out_of_range",
			in:       strings.Replace(refAreaMessage, `"1:1": [7.3, null]`, `"5:1": [7.3, null]`, 1),
			wantPath: `data.dataSets[0].observations["5:1"]`,
		},
		{
			name:     "attribute_ordinal_out_of_range",
			in:       strings.Replace(refAreaMessage, `"1:1": [7.3, null]`, `"1:1": [7.3, 9]`, 1),
			wantPath: `data.dataSets[0].observations["1:1"]`,
		},
		{
			name:     "too_many_attribute_values",
			in:       strings.Replace(refAreaMessage, `"1:1": [7.3, null]`, `"1:1": [7.3, null, 0]`, 1),
			wantPath: `data.dataSets[0].observations["1:1"]`,
		},
		{
			name:     "non_numeric_key",
			in:       strings.Replace(refAreaMessage, `"1:1": [7.3, null]`, `"x:1": [7.3, null]`, 1),
			wantPath: `data.dataSets[0].observations["x:1"]`,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := mustParse(t, tc.in, nil)
			require.Error(t, err)
			var pe *pkgerrors.ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %T: %v", err, err)
			assert.Equal(t, "sdmx-json", pe.Format)
			assert.Equal(t, tc.wantPath, pe.Path)
		})
	}
}

func TestParse_SchemaViolationNamesPath(t *testing.T) {
	t.Parallel()

	in := strings.Replace(refAreaMessage, `{"id": "REF_AREA", `, `{`, 1)

	err := mustParse(t, in, nil)
	var pe *pkgerrors.ParseError
	require.True(t, errors.As(err, &pe), "got %T: %v", err, err)
	assert.True(t, strings.HasPrefix(pe.Path, "data.structure.dimensions.observation[0]"), "path=%q", pe.Path)
}

func TestPointerToPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                          "",
		"/data":                     "data",
		"/data/dataSets/0":          "data.dataSets[0]",
		"/data/a~1b/observations/0": "data.a/b.observations[0]",
	}
	for in, want := range tests {
		assert.Equal(t, want, pointerToPath(in), "pointer %q", in)
	}
}
