package repository

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// migrator abstracts the few statements the migration runner needs from a
// backend.
type migrator struct {
	// createTable creates schema_migrations if it does not exist.
	createTable string
	// record inserts one applied version; it takes a single argument.
	record string
	exec   func(ctx context.Context, sql string, args ...any) error
	// versions returns the recorded versions.
	versions func(ctx context.Context) ([]string, error)
	logger   *slog.Logger
}

// run executes unapplied SQL migration files from migrationsFS in name
// order. Each file runs at most once.
func (m migrator) run(ctx context.Context, migrationsFS fs.FS) error {
	if err := m.exec(ctx, m.createTable); err != nil {
		return fmt.Errorf("repository: create schema_migrations: %w", err)
	}

	done, err := m.versions(ctx)
	if err != nil {
		return fmt.Errorf("repository: load applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(done))
	for _, v := range done {
		applied[v] = true
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("repository: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			m.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("repository: read migration %s: %w", name, err)
		}
		m.logger.Info("running migration", "file", name)
		if err := m.exec(ctx, string(content)); err != nil {
			return fmt.Errorf("repository: execute migration %s: %w", name, err)
		}
		if err := m.exec(ctx, m.record, name); err != nil {
			return fmt.Errorf("repository: record migration %s: %w", name, err)
		}
	}
	return nil
}
