package storage

import (
	"strings"
	"testing"

	"sdmxgeo/internal/geojson"
)

func TestTableSpecFor(t *testing.T) {
	fields := []geojson.Field{
		{Name: "counterField", Type: geojson.Integer},
		{Name: "REF_AREA_CODE", Type: geojson.String},
		{Name: "REFERENCE_AREA", Type: geojson.String},
		{Name: "Reference-Area", Type: geojson.String},
		{Name: "OBS_VALUE", Type: geojson.Double},
		{Name: "Ωmega", Type: geojson.String},
	}

	spec, err := TableSpecFor("public.sdmx_features", fields)
	if err != nil {
		t.Fatalf("TableSpecFor: %v", err)
	}

	want := []string{"counterfield", "ref_area_code", "reference_area", "reference_area_2", "obs_value", "mega", "geometry", "row_hash"}
	got := spec.ColumnNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("columns=%v, want %v", got, want)
	}

	if spec.Columns[0].Type != TypeInteger || spec.Columns[4].Type != TypeDouble || spec.Columns[1].Type != TypeText {
		t.Fatalf("unexpected types: %+v", spec.Columns)
	}
	if spec.Columns[3].Source != "Reference-Area" {
		t.Fatalf("source=%q, want Reference-Area", spec.Columns[3].Source)
	}
	if last := spec.Columns[len(spec.Columns)-1]; last.Nullable == nil || *last.Nullable {
		t.Fatalf("row_hash must be NOT NULL: %+v", last)
	}
	if d := spec.DedupeColumns(); len(d) != 1 || d[0] != RowHashColumn {
		t.Fatalf("dedupe=%v, want [row_hash]", d)
	}
}

func TestTableSpecFor_Errors(t *testing.T) {
	if _, err := TableSpecFor(" ", []geojson.Field{{Name: "a"}}); err == nil {
		t.Fatalf("expected error for empty table")
	}
	if _, err := TableSpecFor("t", nil); err == nil {
		t.Fatalf("expected error for no fields")
	}
}

func TestTableSpecFor_UnnamedAndGeometryClash(t *testing.T) {
	spec, err := TableSpecFor("t", []geojson.Field{{Name: "???"}, {Name: "geometry"}})
	if err != nil {
		t.Fatalf("TableSpecFor: %v", err)
	}
	got := spec.ColumnNames()
	want := []string{"field_1", "geometry_2", "geometry", "row_hash"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("columns=%v, want %v", got, want)
	}
}

func TestTruncateFieldName(t *testing.T) {
	long := strings.Repeat("a", 70)
	if got := truncateFieldName(long); len(got) != 63 {
		t.Fatalf("len=%d, want 63", len(got))
	}
	// 62 ASCII bytes followed by a two-byte rune must not be split.
	s := strings.Repeat("a", 62) + "é"
	if got := truncateFieldName(s); got != strings.Repeat("a", 62) {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeFieldName(t *testing.T) {
	tests := map[string]string{
		"  Reference Area ": "reference_area",
		"a -- b":            "a_b",
		"x/y.z":             "x_y_z",
		"__id__":            "id",
		"":                  "",
	}
	for in, want := range tests {
		if got := normalizeFieldName(in); got != want {
			t.Fatalf("normalizeFieldName(%q)=%q, want %q", in, got, want)
		}
	}
}
