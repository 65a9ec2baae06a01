package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/migrations"
)

const (
	storeRetries   = 3
	storeBaseDelay = 20 * time.Millisecond
)

// PGStore is a repository over a pgx connection pool.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn, pings and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	s := &PGStore{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	fsys, err := migrations.Dialect("postgres")
	if err != nil {
		return err
	}
	m := migrator{
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		record: `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`,
		exec: func(ctx context.Context, q string, args ...any) error {
			_, err := s.pool.Exec(ctx, q, args...)
			return err
		},
		versions: func(ctx context.Context) ([]string, error) {
			rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
			if err != nil {
				return nil, err
			}
			return pgx.CollectRows(rows, pgx.RowTo[string])
		},
		logger: s.logger,
	}
	return m.run(ctx, fsys)
}

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func (s *PGStore) insert(ctx context.Context, r record) error {
	err := withRetry(ctx, storeRetries, storeBaseDelay, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO qc_objects
				(path, kind, valid_from, activity_id, activity_type, period_name, pass_name, provenance, metadata, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
			r.path, r.kind, r.validFrom, r.activity.ID, r.activity.Type,
			r.activity.PeriodName, r.activity.PassName, r.activity.Provenance, string(r.metadata), r.data,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("repository: insert %s: %w", r.path, err)
	}
	return nil
}

func (s *PGStore) find(ctx context.Context, q query) ([]byte, int64, error) {
	where, args := q.where(dollar)
	var (
		data []byte
		ts   int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, valid_from FROM qc_objects WHERE `+where+` ORDER BY valid_from DESC, id DESC LIMIT 1`,
		args...,
	).Scan(&data, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, notFound(q)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("repository: query %s: %w", q.path, err)
	}
	return data, ts, nil
}

// StoreMO implements Repository.
func (s *PGStore) StoreMO(ctx context.Context, mo *model.MonitorObject) error {
	r, err := moRecord(mo)
	if err != nil {
		return err
	}
	return s.insert(ctx, r)
}

// StoreQO implements Repository.
func (s *PGStore) StoreQO(ctx context.Context, qo *model.QualityObject) error {
	r, err := qoRecord(qo)
	if err != nil {
		return err
	}
	return s.insert(ctx, r)
}

// RetrieveMO implements Repository.
func (s *PGStore) RetrieveMO(ctx context.Context, path, name string, timestamp int64, activity model.Activity) (*model.MonitorObject, error) {
	data, ts, err := s.find(ctx, query{path: path + "/" + name, kind: kindMO, timestamp: timestamp, activity: activity})
	if err != nil {
		return nil, err
	}
	return decodeMO(data, ts)
}

// RetrieveQO implements Repository.
func (s *PGStore) RetrieveQO(ctx context.Context, path string, timestamp int64, activity model.Activity) (*model.QualityObject, error) {
	data, ts, err := s.find(ctx, query{path: path, kind: kindQO, timestamp: timestamp, activity: activity})
	if err != nil {
		return nil, err
	}
	return decodeQO(data, ts)
}

// ListVersions implements Repository.
func (s *PGStore) ListVersions(ctx context.Context, path string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT valid_from FROM qc_objects WHERE path = $1 ORDER BY valid_from`, path)
	if err != nil {
		return nil, fmt.Errorf("repository: list versions of %s: %w", path, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("repository: list versions of %s: %w", path, err)
	}
	return out, nil
}

// Close implements Repository.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// isRetriable returns true for Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

// withRetry runs fn, retrying serialization and deadlock failures with
// jittered exponential backoff.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
