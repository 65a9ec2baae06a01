package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/migrations"
)

// SQLStore is a repository over database/sql. It serves the sqlite and
// mysql dialects, which share "?" placeholders.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

// OpenSQLite opens (or creates) the database file at path and migrates it.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent stores.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, "sqlite", logger)
}

// OpenMySQL connects with a go-sql-driver DSN and migrates the schema.
func OpenMySQL(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open mysql: %w", err)
	}
	return newSQLStore(ctx, db, "mysql", logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping %s: %w", dialect, err)
	}
	s := &SQLStore{db: db, dialect: dialect, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	fsys, err := migrations.Dialect(s.dialect)
	if err != nil {
		return err
	}
	m := migrator{
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		record: `INSERT INTO schema_migrations (version) VALUES (?)`,
		exec: func(ctx context.Context, q string, args ...any) error {
			_, err := s.db.ExecContext(ctx, q, args...)
			return err
		},
		versions: func(ctx context.Context) ([]string, error) {
			rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var out []string
			for rows.Next() {
				var v string
				if err := rows.Scan(&v); err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, rows.Err()
		},
		logger: s.logger,
	}
	return m.run(ctx, fsys)
}

func questionMark(int) string { return "?" }

func (s *SQLStore) insert(ctx context.Context, r record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qc_objects
			(path, kind, valid_from, activity_id, activity_type, period_name, pass_name, provenance, metadata, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.path, r.kind, r.validFrom, r.activity.ID, r.activity.Type,
		r.activity.PeriodName, r.activity.PassName, r.activity.Provenance, string(r.metadata), r.data,
	)
	if err != nil {
		return fmt.Errorf("repository: insert %s: %w", r.path, err)
	}
	return nil
}

func (s *SQLStore) find(ctx context.Context, q query) ([]byte, int64, error) {
	where, args := q.where(questionMark)
	var (
		data []byte
		ts   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, valid_from FROM qc_objects WHERE `+where+` ORDER BY valid_from DESC, id DESC LIMIT 1`,
		args...,
	).Scan(&data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, notFound(q)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("repository: query %s: %w", q.path, err)
	}
	return data, ts, nil
}

// StoreMO implements Repository.
func (s *SQLStore) StoreMO(ctx context.Context, mo *model.MonitorObject) error {
	r, err := moRecord(mo)
	if err != nil {
		return err
	}
	return s.insert(ctx, r)
}

// StoreQO implements Repository.
func (s *SQLStore) StoreQO(ctx context.Context, qo *model.QualityObject) error {
	r, err := qoRecord(qo)
	if err != nil {
		return err
	}
	return s.insert(ctx, r)
}

// RetrieveMO implements Repository.
func (s *SQLStore) RetrieveMO(ctx context.Context, path, name string, timestamp int64, activity model.Activity) (*model.MonitorObject, error) {
	data, ts, err := s.find(ctx, query{path: path + "/" + name, kind: kindMO, timestamp: timestamp, activity: activity})
	if err != nil {
		return nil, err
	}
	return decodeMO(data, ts)
}

// RetrieveQO implements Repository.
func (s *SQLStore) RetrieveQO(ctx context.Context, path string, timestamp int64, activity model.Activity) (*model.QualityObject, error) {
	data, ts, err := s.find(ctx, query{path: path, kind: kindQO, timestamp: timestamp, activity: activity})
	if err != nil {
		return nil, err
	}
	return decodeQO(data, ts)
}

// ListVersions implements Repository.
func (s *SQLStore) ListVersions(ctx context.Context, path string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT valid_from FROM qc_objects WHERE path = ? ORDER BY valid_from`, path)
	if err != nil {
		return nil, fmt.Errorf("repository: list versions of %s: %w", path, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Close implements Repository.
func (s *SQLStore) Close() error { return s.db.Close() }
