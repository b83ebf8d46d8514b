package mssql

import (
	"strings"
	"testing"

	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/storage"
)

func TestDedupeRowsByColumns_StableAndCorrect(t *testing.T) {
	// NOT EXISTS only checks rows already in the table, so the same key twice
	// in one VALUES list would trip the UNIQUE constraint. Keep the first.
	columns := []string{"ref_area", "time_period", "row_hash"}
	dedupeCols := []string{"row_hash"}

	rows := [][]any{
		{"KEN", "2019", "h1"},
		{"KEN", "2019", "h1"},
		{"UGA", "2019", "h2"},
		{"KEN", "2020", []byte(" h1 ")},
		{"TZA", "2019", "h3"},
	}

	got, err := dedupeRowsByColumns(rows, columns, dedupeCols)
	if err != nil {
		t.Fatalf("dedupeRowsByColumns returned error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3", len(got))
	}
	if got[0][0] != "KEN" || got[0][1] != "2019" {
		t.Fatalf("first row not preserved; got=%v", got[0])
	}
	if got[1][0] != "UGA" || got[2][0] != "TZA" {
		t.Fatalf("order not preserved; got=%v", got)
	}
}

func TestDedupeRowsByColumns_CompositeKey(t *testing.T) {
	columns := []string{"a", "b"}
	rows := [][]any{{int64(1), "x"}, {1, "x"}, {int64(1), "y"}, {nil, "x"}}

	got, err := dedupeRowsByColumns(rows, columns, []string{"a", "b"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3 (int and int64 1 share a key)", len(got))
	}
}

func TestDedupeRowsByColumns_MissingColumnErrors(t *testing.T) {
	columns := []string{"a", "b"}
	rows := [][]any{{1, 2}}

	_, err := dedupeRowsByColumns(rows, columns, []string{"missing"})
	if err == nil {
		t.Fatalf("expected error for missing dedupe column, got nil")
	}
}

func TestBuildInsertNotExistsSQL(t *testing.T) {
	q, args := buildInsertNotExistsSQL("dbo.features", []string{"name", "row_hash"},
		[][]any{{"a", "h1"}, {"b", "h2"}}, []string{"row_hash"})

	want := "INSERT INTO [dbo].[features] ([name], [row_hash]) SELECT v.[name], v.[row_hash] " +
		"FROM (VALUES (@p1, @p2), (@p3, @p4)) AS v([name], [row_hash]) " +
		"WHERE NOT EXISTS (SELECT 1 FROM [dbo].[features] t WHERE t.[row_hash] = v.[row_hash])"
	if q != want {
		t.Fatalf("sql=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 4 || args[0] != "a" || args[3] != "h2" {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildBulkInsertSQL(t *testing.T) {
	q, args := buildBulkInsertSQL("features", []string{"x"}, [][]any{{1}, {2}, {3}})
	if q != "INSERT INTO [features] ([x]) VALUES (@p1), (@p2), (@p3)" {
		t.Fatalf("sql=%s", q)
	}
	if len(args) != 3 {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildCreateSQL_FromFeatureFields(t *testing.T) {
	spec, err := storage.TableSpecFor("dbo.sdg", []geojson.Field{
		{Name: "REF_AREA", Type: geojson.String},
		{Name: "OBS_VALUE", Type: geojson.Double},
		{Name: "counterField", Type: geojson.Integer},
	})
	if err != nil {
		t.Fatalf("TableSpecFor: %v", err)
	}

	q, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}

	for _, frag := range []string{
		"IF OBJECT_ID(N'dbo.sdg', N'U') IS NULL BEGIN CREATE TABLE [dbo].[sdg] (",
		"[ref_area] NVARCHAR(MAX)",
		"[obs_value] FLOAT",
		"[counterfield] BIGINT",
		"[geometry] NVARCHAR(MAX)",
		"[row_hash] NVARCHAR(450) NOT NULL",
		"UNIQUE ([row_hash])",
	} {
		if !strings.Contains(q, frag) {
			t.Fatalf("missing %q in:\n%s", frag, q)
		}
	}
	if strings.Contains(q, "[ref_area] NVARCHAR(MAX) NOT NULL") {
		t.Fatalf("field columns must be nullable:\n%s", q)
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	if _, err := buildCreateSQL(storage.TableSpec{}); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := buildCreateSQL(storage.TableSpec{Name: "t"}); err == nil {
		t.Fatalf("expected error for no columns")
	}
	bad := storage.TableSpec{
		Name:        "t",
		Columns:     []storage.ColumnSpec{{Name: "a", Type: storage.TypeText}},
		Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}},
	}
	if _, err := buildCreateSQL(bad); err == nil {
		t.Fatalf("expected error for unsupported constraint")
	}
}

func TestMssqlIdent(t *testing.T) {
	if got := mssqlIdent("a]b"); got != "[a]]b]" {
		t.Fatalf("mssqlIdent=%s", got)
	}
	if got := mssqlTableIdent("dbo . t"); got != "[dbo].[t]" {
		t.Fatalf("mssqlTableIdent=%s", got)
	}
}
