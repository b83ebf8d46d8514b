package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestOptions_Getters(t *testing.T) {
	t.Parallel()

	var o Options
	if err := json.Unmarshal([]byte(`{
		"comma": ";",
		"tab": "\\t",
		"lazy_quotes": true,
		"flag_str": "true",
		"n": 12,
		"timeout": "250ms",
		"secs": 2,
		"language": "fr",
		"header_map": {"A": "a", "B": 3}
	}`), &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := o.Rune("comma", ','); got != ';' {
		t.Fatalf("Rune(comma)=%q, want ';'", got)
	}
	if got := o.Rune("tab", ','); got != '\t' {
		t.Fatalf("Rune(tab)=%q, want tab", got)
	}
	if got := o.Rune("missing", ','); got != ',' {
		t.Fatalf("Rune(missing)=%q, want ','", got)
	}
	if !o.Bool("lazy_quotes", false) || !o.Bool("flag_str", false) {
		t.Fatalf("Bool getters failed")
	}
	if got := o.Int("n", 0); got != 12 {
		t.Fatalf("Int(n)=%d, want 12", got)
	}
	if got := o.Duration("timeout", 0); got != 250*time.Millisecond {
		t.Fatalf("Duration(timeout)=%v", got)
	}
	if got := o.Duration("secs", 0); got != 2*time.Second {
		t.Fatalf("Duration(secs)=%v", got)
	}
	if got := o.String("language", "en"); got != "fr" {
		t.Fatalf("String(language)=%q", got)
	}
	hm := o.StringMap("header_map")
	if len(hm) != 1 || hm["A"] != "a" {
		t.Fatalf("StringMap=%v, want only string values", hm)
	}

	var nilOpts Options
	if got := nilOpts.String("x", "def"); got != "def" {
		t.Fatalf("nil Options must return defaults, got %q", got)
	}
}

func TestJob_DecodeAndDefaults(t *testing.T) {
	t.Parallel()

	raw := `{
		"job": "sdg_1_1_1",
		"source": {"kind": "sdmx_api", "url": "https://example.org/data", "format": "json"},
		"join": {"sdmx_field": "REF_AREA_CODE", "geo_field": "ISO3", "service_url": "https://geo/FeatureServer/0"},
		"publish": {"user_content_url": "https://portal/content/users/me", "token": "t"},
		"descriptor": {"goal": {"code": "1", "description": "No poverty"}},
		"runtime": {"remote_timeout": "5s"}
	}`
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if j.Runtime.Timeout() != 5*time.Second {
		t.Fatalf("Timeout=%v, want 5s", j.Runtime.Timeout())
	}
	if j.Runtime.Attempts() != DefaultGeometryAttempts {
		t.Fatalf("Attempts=%d, want default", j.Runtime.Attempts())
	}
	if j.Descriptor == nil || j.Descriptor.Goal.Code != "1" {
		t.Fatalf("descriptor not decoded: %+v", j.Descriptor)
	}
	if issues := ValidateJob(j); HasErrors(issues) {
		t.Fatalf("unexpected errors: %+v", issues)
	}

	var zero Runtime
	if zero.Timeout() != DefaultRemoteTimeout {
		t.Fatalf("zero Timeout=%v", zero.Timeout())
	}
}

func TestDuration_RejectsGarbage(t *testing.T) {
	t.Parallel()

	var d Duration
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
	if err := json.Unmarshal([]byte(`1.5`), &d); err != nil || d.Duration != 1500*time.Millisecond {
		t.Fatalf("numeric seconds: d=%v err=%v", d.Duration, err)
	}
}

func TestValidateJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		job       Job
		wantPaths []string
	}{
		{
			name:      "missing_source",
			job:       Job{Output: &Output{Path: "x.geojson"}},
			wantPaths: []string{"source.kind"},
		},
		{
			name: "file_without_path",
			job: Job{
				Source: Source{Kind: "file", Format: "csv"},
				Output: &Output{Path: "x.geojson"},
			},
			wantPaths: []string{"source.path"},
		},
		{
			name: "bad_format",
			job: Job{
				Source: Source{Kind: "file", Path: "a", Format: "yaml"},
				Output: &Output{Path: "x.geojson"},
			},
			wantPaths: []string{"source.format"},
		},
		{
			name: "join_fields_required",
			job: Job{
				Source: Source{Kind: "file", Path: "a", Format: "json"},
				Join:   &Join{ServiceURL: "https://geo"},
				Output: &Output{Path: "x.geojson"},
			},
			wantPaths: []string{"join.sdmx_field", "join.geo_field"},
		},
		{
			name: "storage_kind_and_dsn",
			job: Job{
				Source:  Source{Kind: "file", Path: "a", Format: "json"},
				Storage: &Storage{Kind: "oracle"},
			},
			wantPaths: []string{"storage.kind", "storage.dsn"},
		},
		{
			name: "publish_url",
			job: Job{
				Source:  Source{Kind: "file", Path: "a", Format: "json"},
				Publish: &Publish{Token: "t"},
			},
			wantPaths: []string{"publish.user_content_url"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			issues := ValidateJob(tc.job)
			var got []string
			for _, iss := range issues {
				if iss.Severity == SeverityError {
					got = append(got, iss.Path)
				}
			}
			if strings.Join(got, ",") != strings.Join(tc.wantPaths, ",") {
				t.Fatalf("error paths=%v, want %v (all=%+v)", got, tc.wantPaths, issues)
			}
		})
	}
}

func TestValidateJob_WarnsWithoutSink(t *testing.T) {
	t.Parallel()

	issues := ValidateJob(Job{Source: Source{Kind: "file", Path: "a", Format: "csv"}})
	if HasErrors(issues) {
		t.Fatalf("unexpected errors: %+v", issues)
	}
	if len(issues) != 1 || issues[0].Severity != SeverityWarning {
		t.Fatalf("issues=%+v, want a single no-sink warning", issues)
	}
}
