// Package repository stores monitor objects and quality objects, versioned
// by validity timestamp, and retrieves the version valid at a given time.
//
// Objects are addressed by their full path: qc/<DET>/MO/<task>/<name> for
// monitor objects and qc/<DET>/QO/<check>[/<mo>] for quality objects.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/qcflow/internal/model"
)

// Latest requests the newest version regardless of its validity timestamp.
const Latest int64 = -1

var (
	// ErrNotFound is returned when no version matches a retrieval.
	ErrNotFound = errors.New("repository: not found")
	// ErrUnsupportedURL is returned by Open for an unknown scheme.
	ErrUnsupportedURL = errors.New("repository: unsupported url")
)

// Object kinds stored in the kind column.
const (
	kindMO = "MO"
	kindQO = "QO"
)

// Repository is the versioned object store.
type Repository interface {
	StoreMO(ctx context.Context, mo *model.MonitorObject) error
	StoreQO(ctx context.Context, qo *model.QualityObject) error
	// RetrieveMO returns the newest version of path/name whose validity
	// starts at or before timestamp (milliseconds; Latest for the newest)
	// and whose activity matches. Zero activity fields match anything.
	RetrieveMO(ctx context.Context, path, name string, timestamp int64, activity model.Activity) (*model.MonitorObject, error)
	RetrieveQO(ctx context.Context, path string, timestamp int64, activity model.Activity) (*model.QualityObject, error)
	// ListVersions returns the distinct validity timestamps stored under
	// the full path, oldest first.
	ListVersions(ctx context.Context, path string) ([]int64, error)
	Close() error
}

// Open connects to the repository named by url and applies migrations:
//
//	memory:                       in-process store
//	sqlite:<file>                 modernc.org/sqlite
//	mysql://<go-sql-driver DSN>   e.g. mysql://qc:qc@tcp(db:3306)/qc
//	postgres://... postgresql://  pgx pool
//
// Retrievals are de-duplicated across concurrent callers.
func Open(ctx context.Context, url string, logger *slog.Logger) (Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		repo Repository
		err  error
	)
	switch {
	case url == "memory:" || url == "memory":
		repo = NewMemory()
	case strings.HasPrefix(url, "sqlite:"):
		repo, err = OpenSQLite(ctx, strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//"), logger)
	case strings.HasPrefix(url, "mysql://"):
		repo, err = OpenMySQL(ctx, strings.TrimPrefix(url, "mysql://"), logger)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		repo, err = OpenPostgres(ctx, url, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}
	if err != nil {
		return nil, err
	}
	return NewDedup(repo), nil
}

// MOPath returns the full path of a monitor object.
func MOPath(mo *model.MonitorObject) string { return mo.Path() + "/" + mo.Name() }

// record is one stored version, independent of the backend.
type record struct {
	path      string
	kind      string
	validFrom int64
	activity  model.Activity
	metadata  []byte
	data      []byte
}

func moRecord(mo *model.MonitorObject) (record, error) {
	if mo == nil {
		return record{}, errors.New("repository: store nil monitor object")
	}
	data, err := model.EncodeMonitorObject(mo)
	if err != nil {
		return record{}, fmt.Errorf("repository: encode %s: %w", mo.Name(), err)
	}
	meta, err := json.Marshal(mo.Metadata)
	if err != nil {
		return record{}, fmt.Errorf("repository: encode metadata of %s: %w", mo.Name(), err)
	}
	return record{
		path:      MOPath(mo),
		kind:      kindMO,
		validFrom: validFrom(mo.ValidFrom),
		activity:  mo.Activity,
		metadata:  meta,
		data:      data,
	}, nil
}

func qoRecord(qo *model.QualityObject) (record, error) {
	if qo == nil {
		return record{}, errors.New("repository: store nil quality object")
	}
	data, err := model.EncodeQualityObject(qo)
	if err != nil {
		return record{}, fmt.Errorf("repository: encode %s: %w", qo.CheckName, err)
	}
	meta, err := json.Marshal(map[string]string{model.MetaQuality: qo.Quality.Level.String()})
	if err != nil {
		return record{}, err
	}
	return record{
		path:      qo.Path(),
		kind:      kindQO,
		validFrom: validFrom(qo.ValidFrom),
		activity:  qo.Activity,
		metadata:  meta,
		data:      data,
	}, nil
}

func validFrom(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return time.Now().UnixMilli()
}

func decodeMO(data []byte, validFrom int64) (*model.MonitorObject, error) {
	mo, err := model.DecodeMonitorObject(data)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	mo.ValidFrom = validFrom
	return mo, nil
}

func decodeQO(data []byte, validFrom int64) (*model.QualityObject, error) {
	qo, err := model.DecodeQualityObject(data)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	qo.ValidFrom = validFrom
	return qo, nil
}

// query is a backend-neutral retrieval.
type query struct {
	path      string
	kind      string
	timestamp int64
	activity  model.Activity
}

// where renders the filter of q with placeholders produced by ph(n), n
// counting from 1.
func (q query) where(ph func(int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+" = "+ph(len(args)))
	}
	add("path", q.path)
	add("kind", q.kind)
	if q.timestamp >= 0 {
		args = append(args, q.timestamp)
		conds = append(conds, "valid_from <= "+ph(len(args)))
	}
	a := q.activity
	if a.ID != 0 {
		add("activity_id", a.ID)
	}
	if a.Type != 0 {
		add("activity_type", a.Type)
	}
	if a.PeriodName != "" {
		add("period_name", a.PeriodName)
	}
	if a.PassName != "" {
		add("pass_name", a.PassName)
	}
	return strings.Join(conds, " AND "), args
}

func notFound(q query) error {
	return fmt.Errorf("%w: %s %s at %d (%s)", ErrNotFound, q.kind, q.path, q.timestamp, q.activity)
}
