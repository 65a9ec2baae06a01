// Package trending reduces stored objects to scalar records at every
// trigger, appends them to a time series and draws plots over it.
package trending

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
	"github.com/ashita-ai/qcflow/internal/registry"
)

// Module is the module name the built-in reductors and the trending task
// are registered under.
const Module = "trending"

var (
	// ErrUnsupportedInput is returned by a reductor given an object it cannot reduce.
	ErrUnsupportedInput = errors.New("trending: unsupported reductor input")
	// ErrBadDivision is returned for malformed axis divisions.
	ErrBadDivision = errors.New("trending: bad axis division")
)

// Input is what a data source fetched for one trigger: a monitor object or
// a quality object.
type Input struct {
	Object  *model.MonitorObject
	Quality *model.QualityObject
}

// Record is one reduced output: field name to value.
type Record map[string]float64

// Reductor turns an input into fixed-schema records. With a division it
// returns one record per slice, otherwise exactly one.
type Reductor interface {
	Fields() []string
	Update(in Input, division [][]float64) ([]Record, error)
}

var reductors = registry.New[Reductor]("reductor")

// RegisterReductor makes a reductor class available under (module, class).
func RegisterReductor(module, class string, factory func() (Reductor, error)) {
	reductors.Register(module, class, factory)
}

// NewReductor instantiates a registered reductor class.
func NewReductor(module, class string) (Reductor, error) {
	r, err := reductors.Create(module, class)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrFatalConfiguration, err)
	}
	return r, nil
}

func init() {
	RegisterReductor(Module, "H1Reductor", func() (Reductor, error) { return H1Reductor{}, nil })
	RegisterReductor(Module, "H2Reductor", func() (Reductor, error) { return H2Reductor{}, nil })
	RegisterReductor(Module, "QualityReductor", func() (Reductor, error) { return QualityReductor{}, nil })
}

// sliceBounds returns the [lo, hi] bounds of every slice along one axis.
func sliceBounds(edges []float64) ([][2]float64, error) {
	if len(edges) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 edges, got %d", ErrBadDivision, len(edges))
	}
	out := make([][2]float64, 0, len(edges)-1)
	for i := 0; i+1 < len(edges); i++ {
		if !(edges[i] < edges[i+1]) {
			return nil, fmt.Errorf("%w: edges must increase: %v", ErrBadDivision, edges)
		}
		out = append(out, [2]float64{edges[i], edges[i+1]})
	}
	return out, nil
}

// inSlice reports whether v lies in slice i of n; the last slice is closed.
func inSlice(v float64, b [2]float64, i, n int) bool {
	if v < b[0] {
		return false
	}
	if i == n-1 {
		return v <= b[1]
	}
	return v < b[1]
}

// H1Reductor reduces one-dimensional histograms to {mean, stddev, entries}.
// Sliced records are computed from the bins whose centre lies in the slice.
type H1Reductor struct{}

// Fields implements Reductor.
func (H1Reductor) Fields() []string { return []string{"mean", "stddev", "entries"} }

// Update implements Reductor.
func (H1Reductor) Update(in Input, division [][]float64) ([]Record, error) {
	h, ok := payloadOf(in).(*plot.H1)
	if !ok {
		return nil, fmt.Errorf("%w: H1Reductor needs an H1, got %s", ErrUnsupportedInput, kindOf(in))
	}
	if len(division) == 0 {
		return []Record{{"mean": h.Mean(), "stddev": h.StdDev(), "entries": h.Entries()}}, nil
	}
	if len(division) != 1 {
		return nil, fmt.Errorf("%w: H1 has 1 axis, division has %d", ErrBadDivision, len(division))
	}
	bounds, err := sliceBounds(division[0])
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(bounds))
	for i, b := range bounds {
		var m moments
		for bin := 1; bin <= h.Bins; bin++ {
			if c := h.BinCenter(bin); inSlice(c, b, i, len(bounds)) {
				m.add(c, h.Contents[bin])
			}
		}
		out = append(out, Record{"mean": m.mean(), "stddev": m.stddev(), "entries": m.w})
	}
	return out, nil
}

// H2Reductor reduces two-dimensional histograms to {mean_x, mean_y, entries}.
// The division holds x edges and optionally y edges with the same slice count.
type H2Reductor struct{}

// Fields implements Reductor.
func (H2Reductor) Fields() []string { return []string{"mean_x", "mean_y", "entries"} }

// Update implements Reductor.
func (H2Reductor) Update(in Input, division [][]float64) ([]Record, error) {
	h, ok := payloadOf(in).(*plot.H2)
	if !ok {
		return nil, fmt.Errorf("%w: H2Reductor needs an H2, got %s", ErrUnsupportedInput, kindOf(in))
	}
	if len(division) == 0 {
		return []Record{{"mean_x": h.MeanX(), "mean_y": h.MeanY(), "entries": h.Entries()}}, nil
	}
	if len(division) > 2 {
		return nil, fmt.Errorf("%w: H2 has 2 axes, division has %d", ErrBadDivision, len(division))
	}
	xs, err := sliceBounds(division[0])
	if err != nil {
		return nil, err
	}
	ys := slices.Repeat([][2]float64{{math.Inf(-1), math.Inf(1)}}, len(xs))
	if len(division) == 2 {
		if ys, err = sliceBounds(division[1]); err != nil {
			return nil, err
		}
		if len(ys) != len(xs) {
			return nil, fmt.Errorf("%w: x has %d slices, y has %d", ErrBadDivision, len(xs), len(ys))
		}
	}
	out := make([]Record, 0, len(xs))
	for i := range xs {
		var mx, my moments
		for ix := 1; ix <= h.NX; ix++ {
			cx := h.XCenter(ix)
			if !inSlice(cx, xs[i], i, len(xs)) {
				continue
			}
			for iy := 1; iy <= h.NY; iy++ {
				cy := h.YCenter(iy)
				if !inSlice(cy, ys[i], i, len(ys)) {
					continue
				}
				w := h.BinContent(ix, iy)
				mx.add(cx, w)
				my.add(cy, w)
			}
		}
		out = append(out, Record{"mean_x": mx.mean(), "mean_y": my.mean(), "entries": mx.w})
	}
	return out, nil
}

// QualityReductor reduces a quality object, or the quality recorded on a
// monitor object, to its numeric level.
type QualityReductor struct{}

// Fields implements Reductor.
func (QualityReductor) Fields() []string { return []string{"level"} }

// Update implements Reductor. Divisions are ignored.
func (QualityReductor) Update(in Input, _ [][]float64) ([]Record, error) {
	switch {
	case in.Quality != nil:
		return []Record{{"level": float64(in.Quality.Quality.Level)}}, nil
	case in.Object != nil:
		s, ok := in.Object.Metadata[model.MetaQuality]
		if !ok {
			return []Record{{"level": float64(in.Object.Quality.Level)}}, nil
		}
		l, err := model.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedInput, err)
		}
		return []Record{{"level": float64(l)}}, nil
	}
	return nil, fmt.Errorf("%w: QualityReductor got no object", ErrUnsupportedInput)
}

func payloadOf(in Input) plot.Payload {
	if in.Object == nil {
		return nil
	}
	return in.Object.Payload
}

func kindOf(in Input) string {
	switch {
	case in.Quality != nil:
		return "quality object"
	case in.Object == nil:
		return "nothing"
	case in.Object.Payload == nil:
		return "destroyed object"
	}
	return in.Object.Payload.Kind()
}

type moments struct{ w, wx, wx2 float64 }

func (m *moments) add(x, w float64) {
	m.w += w
	m.wx += w * x
	m.wx2 += w * x * x
}

func (m moments) mean() float64 {
	if m.w == 0 {
		return 0
	}
	return m.wx / m.w
}

func (m moments) stddev() float64 {
	if m.w == 0 {
		return 0
	}
	mean := m.mean()
	return math.Sqrt(max(m.wx2/m.w-mean*mean, 0))
}
