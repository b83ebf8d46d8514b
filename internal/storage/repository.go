package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a backend.
//
// Kind must match a registered backend ("postgres", "sqlite", "mssql"). DSN is
// passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// FeatureRepository persists flattened feature rows.
//
// Each backend implements idempotent inserts in its own idiom (Postgres
// ON CONFLICT, SQLite OR IGNORE, SQL Server NOT EXISTS).
type FeatureRepository interface {
	// EnsureTable creates the table and its constraints when missing.
	EnsureTable(ctx context.Context, spec TableSpec) error

	// InsertRows inserts rows aligned with columns and returns the number of
	// rows written. With dedupeColumns set, rows whose dedupe key already
	// exists are skipped instead of failing.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)

	// Close releases connections. Call once.
	Close()
}

// Factory builds a repository for one backend kind.
type Factory func(ctx context.Context, cfg Config) (FeatureRepository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. Backends call it from init.
//
// Panics on an empty kind, a nil factory or a duplicate registration.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a repository using the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (FeatureRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
