// Package migrate applies the embedded schema migrations with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"learnhub.org/internal/migrations"
)

// Manager executes the embedded SQL migrations.
type Manager struct {
	provider *goose.Provider
}

// Option configures Manager.
type Option func(*options)

type options struct {
	fsys    fs.FS
	verbose bool
}

// WithFS overrides the migration source.
func WithFS(fsys fs.FS) Option {
	return func(o *options) {
		if fsys != nil {
			o.fsys = fsys
		}
	}
}

// WithVerbose makes goose log each migration it runs.
func WithVerbose(v bool) Option {
	return func(o *options) { o.verbose = v }
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migrate: db is required")
	}
	o := options{fsys: migrations.FS}
	for _, opt := range opts {
		opt(&o)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, o.fsys, goose.WithVerbose(o.verbose))
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Manager{provider: provider}, nil
}

// Up applies all pending migrations and returns their sources.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	results, err := m.provider.Up(ctx)
	applied := make([]string, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Path)
	}
	return applied, err
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	result, err := m.provider.Down(ctx)
	if err != nil {
		return "", err
	}
	return result.Source.Path, nil
}

// Status returns one line per known migration in version order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(statuses))
	for _, st := range statuses {
		line := fmt.Sprintf("%05d %-8s %s", st.Source.Version, st.State, st.Source.Path)
		if !st.AppliedAt.IsZero() {
			line += " " + st.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Version reports the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	return m.provider.GetDBVersion(ctx)
}
