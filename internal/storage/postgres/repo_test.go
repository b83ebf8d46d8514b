package postgres

import (
	"reflect"
	"strings"
	"testing"

	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func TestBuildCreateSQL_QualifiedTable(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "stats.sdg_1_1",
		Columns: []storage.ColumnSpec{
			{Name: "ref_area_code", Type: storage.TypeText, Nullable: boolPtr(true)},
			{Name: "obs_value", Type: storage.TypeDouble, Nullable: boolPtr(true)},
			{Name: "counterfield", Type: storage.TypeInteger, Nullable: boolPtr(true)},
			{Name: "row_hash", Type: storage.TypeText, Nullable: boolPtr(false)},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"row_hash"}}},
	}

	schemaSQL, baseSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "stats";` {
		t.Fatalf("schemaSQL=%q", schemaSQL)
	}
	want := `CREATE TABLE IF NOT EXISTS "stats"."sdg_1_1" (` +
		`"ref_area_code" TEXT, "obs_value" DOUBLE PRECISION, "counterfield" BIGINT, ` +
		`"row_hash" TEXT NOT NULL, UNIQUE ("row_hash"));`
	if baseSQL != want {
		t.Fatalf("baseSQL=\n%s\nwant\n%s", baseSQL, want)
	}
}

func TestBuildCreateSQL_FromFeatureFields(t *testing.T) {
	t.Parallel()

	spec, err := storage.TableSpecFor("features", []geojson.Field{
		{Name: geojson.CounterField, Type: geojson.Integer},
		{Name: "OBS_VALUE", Type: geojson.Double},
	})
	if err != nil {
		t.Fatalf("TableSpecFor: %v", err)
	}
	schemaSQL, baseSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != "" {
		t.Fatalf("schemaSQL=%q, want empty for unqualified name", schemaSQL)
	}
	for _, frag := range []string{`"counterfield" BIGINT`, `"obs_value" DOUBLE PRECISION`, `"geometry" TEXT`, `UNIQUE ("row_hash")`} {
		if !strings.Contains(baseSQL, frag) {
			t.Fatalf("baseSQL missing %q: %s", frag, baseSQL)
		}
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec storage.TableSpec
	}{
		{name: "empty_name", spec: storage.TableSpec{}},
		{name: "no_columns", spec: storage.TableSpec{Name: "t"}},
		{name: "bad_type", spec: storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: "a", Type: "blob"}}}},
		{name: "bad_constraint", spec: storage.TableSpec{
			Name:        "t",
			Columns:     []storage.ColumnSpec{{Name: "a", Type: storage.TypeText}},
			Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}},
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := buildCreateSQL(tc.spec); err == nil {
				t.Fatalf("buildCreateSQL err=nil, want error")
			}
		})
	}
}

func TestBuildInsertSQL_OnConflictAndPlaceholders(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL("features", []string{"a", "row_hash"}, [][]any{{"x", "h1"}, {nil, "h2"}}, []string{"row_hash"})

	want := `INSERT INTO "features" ("a", "row_hash") VALUES ($1, $2), ($3, $4) ON CONFLICT ("row_hash") DO NOTHING;`
	if sql != want {
		t.Fatalf("sql=\n%s\nwant\n%s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"x", "h1", nil, "h2"}) {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildInsertSQL_NoDedupe(t *testing.T) {
	t.Parallel()

	sql, _ := buildInsertSQL(`odd"name`, []string{"a"}, [][]any{{1}}, nil)
	if sql != `INSERT INTO "odd""name" ("a") VALUES ($1);` {
		t.Fatalf("sql=%s", sql)
	}
}

func TestBatches(t *testing.T) {
	t.Parallel()

	rows := make([][]any, 5)
	got := batches(rows, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 {
		t.Fatalf("batches lens=%d", len(got))
	}
	if got := batches(rows, 0); len(got) != 5 {
		t.Fatalf("size 0 batches=%d, want 5", len(got))
	}
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	for _, k := range storage.Kinds() {
		if k == "postgres" {
			return
		}
	}
	t.Fatalf("postgres not registered: %v", storage.Kinds())
}
