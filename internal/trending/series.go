package trending

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ashita-ai/qcflow/internal/plot"
)

// KindSeries is the payload kind of a trend series.
const KindSeries = "TrendSeries"

var (
	// ErrNonMonotonic rejects a row whose timestamp does not follow the last one.
	ErrNonMonotonic = errors.New("trending: non-monotonic timestamp")
	// ErrSchemaMismatch rejects a row whose columns differ from the series'.
	ErrSchemaMismatch = errors.New("trending: row schema mismatch")
)

func init() {
	plot.RegisterDecoder(KindSeries, func(b []byte) (plot.Payload, error) {
		var s Series
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
}

// Row is one trigger's worth of reduced values. Values maps a column
// ("<source>.<field>") to one value per slice. A failed source keeps its
// columns with no values and is listed in Missing.
type Row struct {
	Timestamp  int64                `json:"timestamp"`
	ActivityID int                  `json:"activity_id"`
	Values     map[string][]float64 `json:"values"`
	Missing    []string             `json:"missing,omitempty"`
}

// Time returns the row time in whole seconds since the epoch.
func (r Row) Time() float64 { return float64(r.Timestamp / 1000) }

// Value returns slice i of column col.
func (r Row) Value(col string, i int) (float64, bool) {
	v := r.Values[col]
	if i < 0 || i >= len(v) {
		return 0, false
	}
	return v[i], true
}

// Series is an append-only, strictly time-ordered table with a fixed set of
// columns. It is itself a plot payload so it can be published and stored.
type Series struct {
	plot.Header
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// NewSeries creates an empty series with the given columns.
func NewSeries(name string, columns []string) *Series {
	cols := slices.Clone(columns)
	slices.Sort(cols)
	return &Series{Header: plot.Header{ObjectName: name, ObjectTitle: name}, Columns: cols}
}

// Kind implements plot.Payload.
func (s *Series) Kind() string { return KindSeries }

// Entries implements plot.Payload.
func (s *Series) Entries() float64 { return float64(len(s.Rows)) }

// Serialize implements plot.Payload.
func (s *Series) Serialize() ([]byte, error) { return json.Marshal(s) }

// Clone implements plot.Payload.
func (s *Series) Clone() plot.Payload {
	c := *s
	c.Header = plot.Header{
		ObjectName:  s.ObjectName,
		ObjectTitle: s.ObjectTitle,
		XTitle:      s.XTitle,
		YTitle:      s.YTitle,
		Notes:       s.Header.Annotations(),
	}
	c.Columns = slices.Clone(s.Columns)
	c.Rows = make([]Row, len(s.Rows))
	for i, r := range s.Rows {
		r.Values = maps.Clone(r.Values)
		for k, v := range r.Values {
			r.Values[k] = slices.Clone(v)
		}
		r.Missing = slices.Clone(r.Missing)
		c.Rows[i] = r
	}
	return &c
}

// Accept implements plot.Payload.
func (s *Series) Accept(v plot.Visitor) error { return v.VisitOther(s) }

// Len returns the number of rows.
func (s *Series) Len() int { return len(s.Rows) }

// Last returns the newest row.
func (s *Series) Last() (Row, bool) {
	if len(s.Rows) == 0 {
		return Row{}, false
	}
	return s.Rows[len(s.Rows)-1], true
}

// Append adds r. It fails without modifying the series when r is not newer
// than the last row or does not carry exactly the series columns.
func (s *Series) Append(r Row) error {
	if last, ok := s.Last(); ok && r.Timestamp <= last.Timestamp {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonic, r.Timestamp, last.Timestamp)
	}
	if len(r.Values) != len(s.Columns) {
		return fmt.Errorf("%w: %d columns, want %d", ErrSchemaMismatch, len(r.Values), len(s.Columns))
	}
	for _, c := range s.Columns {
		if _, ok := r.Values[c]; !ok {
			return fmt.Errorf("%w: missing column %s", ErrSchemaMismatch, c)
		}
	}
	s.Rows = append(s.Rows, r)
	return nil
}

// CanContinue reports whether rows with the given columns may be appended,
// i.e. whether a stored series can be resumed.
func (s *Series) CanContinue(columns []string) bool {
	want := slices.Clone(columns)
	slices.Sort(want)
	return slices.Equal(want, s.Columns)
}

// HasColumn reports whether col is a series column.
func (s *Series) HasColumn(col string) bool {
	_, ok := slices.BinarySearch(s.Columns, col)
	return ok
}
