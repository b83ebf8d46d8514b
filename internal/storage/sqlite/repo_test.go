package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/storage"
	"sdmxgeo/internal/transformer"
)

func testCollection() *geojson.FeatureCollection {
	fc := geojson.NewCollection("t")
	fc.Metadata.Fields = append(fc.Metadata.Fields,
		geojson.Field{Name: "REF_AREA_CODE", Alias: "REF_AREA_CODE", Type: geojson.String},
		geojson.Field{Name: "OBS_VALUE", Alias: "OBS_VALUE", Type: geojson.Double},
	)
	for i, area := range []string{"KE", "UG"} {
		f := geojson.NewFeature(3)
		f.Properties[geojson.CounterField] = i + 1
		f.Properties["REF_AREA_CODE"] = area
		f.Properties["OBS_VALUE"] = 12.5 + float64(i)
		fc.Features = append(fc.Features, f)
	}
	fc.Features[1].Geometry = &geojson.Geometry{Type: "Point", Coordinates: []byte("[32.3,1.37]")}
	return fc
}

func TestRepo_RoundTripIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "features.db")

	repo, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer repo.Close()

	fc := testCollection()
	spec, err := storage.TableSpecFor("sdmx_features", fc.Fields())
	if err != nil {
		t.Fatalf("TableSpecFor: %v", err)
	}
	if err := repo.EnsureTable(ctx, spec); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if err := repo.EnsureTable(ctx, spec); err != nil {
		t.Fatalf("EnsureTable twice: %v", err)
	}

	rows, err := transformer.FeatureRows(fc, spec)
	if err != nil {
		t.Fatalf("FeatureRows: %v", err)
	}

	n, err := repo.InsertRows(ctx, spec.Name, spec.ColumnNames(), rows, spec.DedupeColumns())
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted=%d, want 2", n)
	}

	n, err = repo.InsertRows(ctx, spec.Name, spec.ColumnNames(), rows, spec.DedupeColumns())
	if err != nil {
		t.Fatalf("InsertRows again: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-inserted=%d, want 0", n)
	}

	db := repo.(*Repo).db
	var (
		area string
		val  float64
		geom string
	)
	err = db.QueryRowContext(ctx, `SELECT "ref_area_code", "obs_value", "geometry" FROM "sdmx_features" WHERE "counterfield" = 2`).Scan(&area, &val, &geom)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if area != "UG" || val != 13.5 || !strings.Contains(geom, "32.3") {
		t.Fatalf("row=(%q,%v,%q)", area, val, geom)
	}

	var nullGeom *string
	if err := db.QueryRowContext(ctx, `SELECT "geometry" FROM "sdmx_features" WHERE "counterfield" = 1`).Scan(&nullGeom); err != nil {
		t.Fatalf("select placeholder: %v", err)
	}
	if nullGeom != nil {
		t.Fatalf("placeholder geometry stored as %q, want NULL", *nullGeom)
	}
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	nullable := true
	got, err := buildCreateSQL(storage.TableSpec{
		Name: "t",
		Columns: []storage.ColumnSpec{
			{Name: "a", Type: storage.TypeText, Nullable: &nullable},
			{Name: "b", Type: storage.TypeInteger},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"b"}}},
	})
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := `CREATE TABLE IF NOT EXISTS "t" ("a" TEXT, "b" INTEGER NOT NULL, UNIQUE ("b"));`
	if got != want {
		t.Fatalf("got=%s, want %s", got, want)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1, 2}, {3, 4}}, true)
	if q != `INSERT OR IGNORE INTO "t" ("a", "b") VALUES (?,?), (?,?)` {
		t.Fatalf("q=%s", q)
	}
	if len(args) != 4 {
		t.Fatalf("args=%v", args)
	}
	if q, _ := buildInsertSQL("t", []string{"a"}, [][]any{{1}}, false); !strings.HasPrefix(q, "INSERT INTO ") {
		t.Fatalf("q=%s", q)
	}
}
