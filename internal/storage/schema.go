package storage

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"sdmxgeo/internal/geojson"
)

// Column names added to every feature table.
const (
	GeometryColumn = "geometry"
	RowHashColumn  = "row_hash"
)

// ColumnType is a backend-neutral column type. Each backend maps it to its
// own SQL type.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeDouble  ColumnType = "double"
	TypeInteger ColumnType = "integer"
)

// TableSpec describes the table a feature collection is written to.
type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

// ColumnSpec is one column. Source names the feature property it is filled
// from; it is empty for the geometry and row_hash columns.
type ColumnSpec struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Source   string     `json:"source,omitempty"`
	Nullable *bool      `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// ColumnNames returns the column names in table order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// DedupeColumns returns the columns of the first unique constraint.
func (t TableSpec) DedupeColumns() []string {
	for _, c := range t.Constraints {
		if strings.EqualFold(c.Kind, "unique") {
			return c.Columns
		}
	}
	return nil
}

// TableSpecFor maps the declared fields of a collection onto SQL-safe
// columns, followed by geometry (GeoJSON text) and row_hash (unique, not
// null).
//
// Names are lower-cased and reduced to [a-z0-9_]; collisions after
// normalization get a numeric suffix.
func TableSpecFor(table string, fields []geojson.Field) (TableSpec, error) {
	if strings.TrimSpace(table) == "" {
		return TableSpec{}, fmt.Errorf("storage: table name is empty")
	}
	if len(fields) == 0 {
		return TableSpec{}, fmt.Errorf("storage: table %s: no fields", table)
	}

	nullable := true
	notNull := false

	spec := TableSpec{Name: table, Columns: make([]ColumnSpec, 0, len(fields)+2)}
	used := map[string]bool{GeometryColumn: true, RowHashColumn: true}
	for i, f := range fields {
		name := truncateFieldName(normalizeFieldName(f.Name))
		if name == "" {
			name = fmt.Sprintf("field_%d", i+1)
		}
		base := name
		for n := 2; used[name]; n++ {
			suffix := fmt.Sprintf("_%d", n)
			stem := base
			if len(stem)+len(suffix) > maxIdentLen {
				stem = truncateFieldName(stem[:maxIdentLen-len(suffix)])
			}
			name = stem + suffix
		}
		used[name] = true

		spec.Columns = append(spec.Columns, ColumnSpec{
			Name:     name,
			Type:     columnType(f.Type),
			Source:   f.Name,
			Nullable: &nullable,
		})
	}

	spec.Columns = append(spec.Columns,
		ColumnSpec{Name: GeometryColumn, Type: TypeText, Nullable: &nullable},
		ColumnSpec{Name: RowHashColumn, Type: TypeText, Nullable: &notNull},
	)
	spec.Constraints = []ConstraintSpec{{Kind: "unique", Columns: []string{RowHashColumn}}}
	return spec, nil
}

func columnType(t geojson.FieldType) ColumnType {
	switch t {
	case geojson.Double:
		return TypeDouble
	case geojson.Integer:
		return TypeInteger
	default:
		return TypeText
	}
}

const maxIdentLen = 63

// truncateFieldName cuts s to the Postgres identifier limit on a UTF-8
// boundary.
func truncateFieldName(s string) string {
	if len(s) <= maxIdentLen {
		return s
	}
	cut := maxIdentLen
	for cut > 0 && !utf8.ValidString(s[:cut]) {
		cut--
	}
	if cut == 0 {
		return s[:maxIdentLen]
	}
	return s[:cut]
}

// normalizeFieldName lowers s, turns separators into single underscores and
// drops everything outside [a-z0-9_].
func normalizeFieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	return strings.Trim(b.String(), "_")
}
