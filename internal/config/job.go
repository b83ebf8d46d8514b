// Package config defines the JSON job file consumed by cmd/sdmx2geo and the
// validation applied to it before anything runs.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sdmxgeo/internal/metadata"
	"sdmxgeo/internal/sdmx"
)

// Job is one conversion request.
type Job struct {
	// Job names the run in logs and metric tags.
	Job string `json:"job"`

	// Title is the item title on the content platform. Empty means
	// "fromSDMX_<unix millis>" at run time.
	Title string `json:"title"`

	Source     Source               `json:"source"`
	Parser     Parser               `json:"parser"`
	Join       *Join                `json:"join,omitempty"`
	Publish    *Publish             `json:"publish,omitempty"`
	Descriptor *metadata.Descriptor `json:"descriptor,omitempty"`
	Output     *Output              `json:"output,omitempty"`
	Storage    *Storage             `json:"storage,omitempty"`
	Runtime    Runtime              `json:"runtime"`
}

// Source selects where the SDMX payload comes from.
type Source struct {
	Kind   string `json:"kind"` // "file" | "sdmx_api"
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty"`
	Format string `json:"format,omitempty"`
}

// Parser carries format-specific options (language, comma, lazy_quotes, ...).
type Parser struct {
	Options Options `json:"options,omitempty"`
}

// Join configures the geometry join. Both field names are required.
type Join struct {
	SdmxField   string `json:"sdmx_field"`
	GeoField    string `json:"geo_field"`
	ServiceURL  string `json:"service_url"`
	Token       string `json:"token,omitempty"`
	FetchAll    bool   `json:"fetch_all,omitempty"`
	MaxInValues int    `json:"max_in_values,omitempty"`
}

// Publish configures the content platform upload.
type Publish struct {
	UserContentURL string `json:"user_content_url"`
	Token          string `json:"token,omitempty"`
	MaxRecordCount int    `json:"max_record_count,omitempty"`
	Capabilities   string `json:"capabilities,omitempty"`
}

// Output writes the collection to a local GeoJSON file.
type Output struct {
	Path string `json:"path"`
}

// Storage loads features into a relational table.
type Storage struct {
	Kind      string `json:"kind"` // postgres | sqlite | mssql
	DSN       string `json:"dsn"`
	Table     string `json:"table,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// Runtime bounds remote calls.
type Runtime struct {
	RemoteTimeout     Duration `json:"remote_timeout,omitempty"`
	GeometryAttempts  int      `json:"geometry_attempts,omitempty"`
	RequestsPerSecond float64  `json:"requests_per_second,omitempty"`
}

const (
	DefaultRemoteTimeout    = 60 * time.Second
	DefaultGeometryAttempts = 3
	DefaultTable            = "sdmx_features"
)

// Timeout returns the configured remote timeout or the default.
func (r Runtime) Timeout() time.Duration {
	if r.RemoteTimeout.Duration > 0 {
		return r.RemoteTimeout.Duration
	}
	return DefaultRemoteTimeout
}

// Attempts returns the configured geometry attempts or the default.
func (r Runtime) Attempts() int {
	if r.GeometryAttempts > 0 {
		return r.GeometryAttempts
	}
	return DefaultGeometryAttempts
}

// Duration decodes either "30s" or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var storageKinds = map[string]bool{"postgres": true, "sqlite": true, "mssql": true}

// ValidateJob checks a job for problems that would make the run fail or do
// nothing useful. Warnings do not stop the run.
func ValidateJob(j Job) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	switch j.Source.Kind {
	case "file":
		if strings.TrimSpace(j.Source.Path) == "" {
			add(SeverityError, "source.path", "required for kind=file")
		}
	case "sdmx_api":
		if strings.TrimSpace(j.Source.URL) == "" {
			add(SeverityError, "source.url", "required for kind=sdmx_api")
		}
	case "":
		add(SeverityError, "source.kind", "required (file or sdmx_api)")
	default:
		add(SeverityError, "source.kind", "unsupported kind %q", j.Source.Kind)
	}

	if f, err := sdmx.ParseFormat(j.Source.Format); err != nil {
		add(SeverityError, "source.format", "%v", err)
	} else if f == "" {
		add(SeverityWarning, "source.format", "not set; format will be sniffed from content")
	}

	if j.Join != nil {
		if strings.TrimSpace(j.Join.SdmxField) == "" {
			add(SeverityError, "join.sdmx_field", "required when join is configured")
		}
		if strings.TrimSpace(j.Join.GeoField) == "" {
			add(SeverityError, "join.geo_field", "required when join is configured")
		}
		if strings.TrimSpace(j.Join.ServiceURL) == "" {
			add(SeverityError, "join.service_url", "required when join is configured")
		}
		if j.Join.MaxInValues < 0 {
			add(SeverityError, "join.max_in_values", "must be >= 0")
		}
	}

	if j.Publish != nil {
		if strings.TrimSpace(j.Publish.UserContentURL) == "" {
			add(SeverityError, "publish.user_content_url", "required when publish is configured")
		}
		if strings.TrimSpace(j.Publish.Token) == "" {
			add(SeverityWarning, "publish.token", "empty; the platform will likely reject the upload")
		}
		if j.Publish.MaxRecordCount < 0 {
			add(SeverityError, "publish.max_record_count", "must be >= 0")
		}
	}
	if j.Descriptor != nil && j.Publish == nil {
		add(SeverityWarning, "descriptor", "ignored without publish")
	}

	if j.Storage != nil {
		if !storageKinds[j.Storage.Kind] {
			add(SeverityError, "storage.kind", "unsupported kind %q", j.Storage.Kind)
		}
		if strings.TrimSpace(j.Storage.DSN) == "" {
			add(SeverityError, "storage.dsn", "required when storage is configured")
		}
		if j.Storage.BatchSize < 0 {
			add(SeverityError, "storage.batch_size", "must be >= 0")
		}
	}

	if j.Output != nil && strings.TrimSpace(j.Output.Path) == "" {
		add(SeverityError, "output.path", "required when output is configured")
	}

	if j.Publish == nil && j.Output == nil && j.Storage == nil {
		add(SeverityWarning, "", "no publish, output or storage configured; the result is discarded")
	}

	if j.Runtime.GeometryAttempts < 0 {
		add(SeverityError, "runtime.geometry_attempts", "must be >= 0")
	}
	if j.Runtime.RequestsPerSecond < 0 {
		add(SeverityError, "runtime.requests_per_second", "must be >= 0")
	}

	return out
}
