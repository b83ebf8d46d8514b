package join

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
)

func point(x, y string) *geojson.Geometry {
	return &geojson.Geometry{Type: "Point", Coordinates: json.RawMessage("[" + x + "," + y + "]")}
}

func dataCollection(keys ...any) *geojson.FeatureCollection {
	fc := geojson.NewCollection("data")
	for i, k := range keys {
		f := geojson.NewFeature(2)
		f.Properties["REF_AREA_CODE"] = k
		f.Properties[geojson.CounterField] = i + 1
		fc.Features = append(fc.Features, f)
	}
	return fc
}

func geoCollection() *geojson.FeatureCollection {
	return &geojson.FeatureCollection{Type: "FeatureCollection", Features: []geojson.Feature{
		{Type: "Feature", Properties: map[string]any{"ISO": "KE"}, Geometry: point("36.8", "-1.3")},
		{Type: "Feature", Properties: map[string]any{"ISO": "UG"}, Geometry: point("32.6", "0.3")},
		{Type: "Feature", Properties: map[string]any{"ISO": "KE"}, Geometry: point("0", "0")},
		{Type: "Feature", Properties: map[string]any{"ISO": float64(404)}, Geometry: point("4", "4")},
		{Type: "Feature", Properties: map[string]any{"ISO": "XX"}, Geometry: nil},
	}}
}

type countingSource struct {
	inner Source
	calls map[string]int
}

func (c *countingSource) Lookup(field string, key any) (*geojson.Geometry, bool) {
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[field+"="+literal(key)]++
	return c.inner.Lookup(field, key)
}

func TestJoin_FirstMatchWinsAndCachesPerKey(t *testing.T) {
	fc := dataCollection("KE", "UG", "KE", "TZ", "TZ", nil)
	src := &countingSource{inner: NewCollectionSource(geoCollection())}

	st, err := Join(fc, src, "REF_AREA_CODE", "ISO")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	want := Stats{Features: 6, Matched: 3, Unmatched: 3, UniqueKeys: 3, Lookups: 3}
	if st != want {
		t.Fatalf("stats=%+v, want %+v", st, want)
	}
	if st.String() != "3 of 6 features unmatched" {
		t.Fatalf("String()=%q", st.String())
	}
	for k, n := range src.calls {
		if n != 1 {
			t.Fatalf("lookup %s ran %d times", k, n)
		}
	}

	if string(fc.Features[0].Geometry.Coordinates) != "[36.8,-1.3]" {
		t.Fatalf("first match must win, got %s", fc.Features[0].Geometry.Coordinates)
	}
	if !reflect.DeepEqual(fc.Features[0].Geometry, fc.Features[2].Geometry) {
		t.Fatalf("shared key must yield equal geometry")
	}
	if fc.Features[0].Geometry == fc.Features[2].Geometry {
		t.Fatalf("shared key geometries must not alias")
	}
	for _, i := range []int{3, 4, 5} {
		if !fc.Features[i].Geometry.IsPlaceholder() {
			t.Fatalf("feature %d should keep the placeholder", i)
		}
	}
}

func TestJoin_IsIdempotent(t *testing.T) {
	fc := dataCollection("KE", "UG", "TZ")
	src := NewCollectionSource(geoCollection())

	if _, err := Join(fc, src, "REF_AREA_CODE", "ISO"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	first := make([]*geojson.Geometry, len(fc.Features))
	for i, f := range fc.Features {
		first[i] = f.Geometry.Clone()
	}
	if _, err := Join(fc, src, "REF_AREA_CODE", "ISO"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	for i, f := range fc.Features {
		if !reflect.DeepEqual(first[i], f.Geometry) {
			t.Fatalf("feature %d changed on second join", i)
		}
	}
}

func TestJoin_StrictEquality(t *testing.T) {
	fc := dataCollection(404, "404", 404.0, json.Number("404"))
	st, err := Join(fc, NewCollectionSource(geoCollection()), "REF_AREA_CODE", "ISO")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if st.Matched != 3 || st.Unmatched != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if !fc.Features[1].Geometry.IsPlaceholder() {
		t.Fatalf("string key must not match a numeric property")
	}
}

func TestJoin_FirstMatchWithoutGeometryIsAMiss(t *testing.T) {
	fc := dataCollection("XX")
	st, err := Join(fc, NewCollectionSource(geoCollection()), "REF_AREA_CODE", "ISO")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if st.Matched != 0 || !fc.Features[0].Geometry.IsPlaceholder() {
		t.Fatalf("stats=%+v geometry=%+v", st, fc.Features[0].Geometry)
	}
}

func TestJoin_EmptyFieldIsValidationError(t *testing.T) {
	for _, tc := range []struct{ sdmx, geo string }{{"", "ISO"}, {"REF_AREA_CODE", " "}} {
		src := &countingSource{inner: NewCollectionSource(geoCollection())}
		_, err := Join(dataCollection("KE"), src, tc.sdmx, tc.geo)
		var ve *pkgerrors.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err=%v, want ValidationError", err)
		}
		if len(src.calls) != 0 {
			t.Fatalf("lookups ran before validation: %v", src.calls)
		}
	}
}

func TestUniqueValues(t *testing.T) {
	got := UniqueValues(dataCollection("KE", nil, "UG", "KE", 3, 3.0), "REF_AREA_CODE")
	want := []any{"KE", "UG", 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UniqueValues=%v, want %v", got, want)
	}
}

func TestInClause(t *testing.T) {
	tests := []struct {
		values []any
		want   string
	}{
		{values: []any{"a", "b", 3}, want: "ISO IN ('a','b',3)"},
		{values: []any{"O'Brien"}, want: "ISO IN ('O''Brien')"},
		{values: []any{1.5, true}, want: "ISO IN (1.5,true)"},
		{values: nil, want: "1=0"},
	}
	for _, tc := range tests {
		if got := InClause("ISO", tc.values); got != tc.want {
			t.Fatalf("InClause(%v)=%q, want %q", tc.values, got, tc.want)
		}
	}
}

type fakeFetcher struct {
	wheres []string
	fc     *geojson.FeatureCollection
	err    error
}

func (f *fakeFetcher) Query(ctx context.Context, where, outField string) (*geojson.FeatureCollection, error) {
	f.wheres = append(f.wheres, where)
	return f.fc, f.err
}

func TestEngine_ChunksKeys(t *testing.T) {
	ff := &fakeFetcher{fc: geoCollection()}
	fc := dataCollection("KE", "UG", "TZ", "KE", "RW")

	st, err := Engine{Fetcher: ff, MaxInValues: 2}.Run(context.Background(), fc, Request{SdmxField: "REF_AREA_CODE", GeoField: "ISO"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"ISO IN ('KE','UG')", "ISO IN ('TZ','RW')"}
	if !reflect.DeepEqual(ff.wheres, want) {
		t.Fatalf("wheres=%v, want %v", ff.wheres, want)
	}
	if st.Matched != 3 || st.Unmatched != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestEngine_FetchAllAndNoKeys(t *testing.T) {
	ff := &fakeFetcher{fc: geoCollection()}
	if _, err := (Engine{Fetcher: ff}).Run(context.Background(), dataCollection("KE"), Request{SdmxField: "REF_AREA_CODE", GeoField: "ISO", FetchAll: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(ff.wheres, []string{AllClause}) {
		t.Fatalf("wheres=%v", ff.wheres)
	}

	ff = &fakeFetcher{fc: geoCollection()}
	st, err := Engine{Fetcher: ff}.Run(context.Background(), dataCollection(nil, nil), Request{SdmxField: "REF_AREA_CODE", GeoField: "ISO"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ff.wheres) != 0 || st.Unmatched != 2 {
		t.Fatalf("wheres=%v stats=%+v", ff.wheres, st)
	}
}

func TestEngine_ValidationBeforeFetch(t *testing.T) {
	ff := &fakeFetcher{fc: geoCollection()}
	_, err := Engine{Fetcher: ff}.Run(context.Background(), dataCollection("KE"), Request{GeoField: "ISO"})
	if pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Fatalf("err=%v, want validation", err)
	}
	if len(ff.wheres) != 0 {
		t.Fatalf("fetch ran: %v", ff.wheres)
	}
}

func TestEngine_FetchErrorPropagates(t *testing.T) {
	boom := &pkgerrors.RemoteServiceError{Service: "featureservice", Op: "query", Msg: "down"}
	ff := &fakeFetcher{err: boom}
	_, err := Engine{Fetcher: ff}.Run(context.Background(), dataCollection("KE"), Request{SdmxField: "REF_AREA_CODE", GeoField: "ISO"})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(err.Error(), "down") {
		t.Fatalf("message lost: %v", err)
	}
}

func TestJoin_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	codes := []string{"KE", "UG", "TZ", "RW", "ET"}

	properties.Property("one lookup per unique key and matched+unmatched == features", prop.ForAll(
		func(picks []int) bool {
			vals := make([]any, len(picks))
			distinct := map[string]bool{}
			for i, p := range picks {
				vals[i] = codes[p]
				distinct[codes[p]] = true
			}
			src := &countingSource{inner: NewCollectionSource(geoCollection())}
			st, err := Join(dataCollection(vals...), src, "REF_AREA_CODE", "ISO")
			if err != nil {
				return false
			}
			total := 0
			for _, n := range src.calls {
				if n != 1 {
					return false
				}
				total += n
			}
			return total == len(distinct) && st.Lookups == len(distinct) && st.Matched+st.Unmatched == len(picks)
		},
		gen.SliceOf(gen.IntRange(0, len(codes)-1)),
	))

	properties.TestingRun(t)
}
