package trending

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/plot"
)

// DefaultHistogramBins is the bin count of one-dimensional trend plots.
const DefaultHistogramBins = 50

var errNoPoints = errors.New("trending: selection matched no rows")

// plotSpec is a parsed plot configuration.
type plotSpec struct {
	cfg    config.PlotConfig
	vars   varexp
	sel    selection
	errs   *varexp
	yRange *[2]float64
	yTitle string
	xTitle string
}

func parsePlot(pc config.PlotConfig) (*plotSpec, error) {
	p := &plotSpec{cfg: pc}
	var err error
	if p.vars, err = parseVarexp(pc.Varexp); err != nil {
		return nil, fmt.Errorf("plot %s: varexp: %w", pc.Name, err)
	}
	if p.sel, err = parseSelection(pc.Selection); err != nil {
		return nil, fmt.Errorf("plot %s: selection: %w", pc.Name, err)
	}
	if pc.GraphErrors != "" {
		if !p.vars.hasX {
			return nil, fmt.Errorf("plot %s: graph_errors needs a two-dimensional varexp", pc.Name)
		}
		e, err := parseVarexp(pc.GraphErrors)
		if err != nil {
			return nil, fmt.Errorf("plot %s: graph_errors: %w", pc.Name, err)
		}
		p.errs = &e
	}
	if pc.GraphAxisLabel != "" {
		y, x, ok := strings.Cut(pc.GraphAxisLabel, ":")
		if !ok || strings.Contains(x, ":") {
			return nil, fmt.Errorf("plot %s: graph_axis_label must be y:x", pc.Name)
		}
		p.yTitle, p.xTitle = y, x
	}
	if pc.GraphYRange != "" {
		r, err := parseRange(pc.GraphYRange)
		if err != nil {
			return nil, fmt.Errorf("plot %s: graph_y_range: %w", pc.Name, err)
		}
		p.yRange = &r
	}
	return p, nil
}

// validate checks that every referenced column exists in s.
func (p *plotSpec) validate(s *Series) error {
	ops := append(p.vars.operands(), p.sel.operands()...)
	if p.errs != nil {
		ops = append(ops, p.errs.operands()...)
	}
	for _, o := range ops {
		if err := o.check(s); err != nil {
			return fmt.Errorf("plot %s: %w", p.cfg.Name, err)
		}
	}
	return nil
}

// draw scans s and returns a graph for "y:x" and a histogram of y values
// for "y".
func (p *plotSpec) draw(s *Series) (plot.Payload, error) {
	if p.vars.hasX {
		return p.graph(s), nil
	}
	return p.histogram(s)
}

func (p *plotSpec) graph(s *Series) *plot.Graph {
	g := plot.NewGraph(p.cfg.Name, p.cfg.Title)
	g.DrawOption = p.cfg.Option
	g.TimeAxis = p.vars.x.column == ColumnTime
	g.XTitle, g.YTitle = p.xTitle, p.yTitle
	if p.yRange != nil {
		r := *p.yRange
		g.YRange = &r
	}
	for _, r := range s.Rows {
		if !p.sel.match(r) {
			continue
		}
		y, okY := p.vars.y.eval(r)
		x, okX := p.vars.x.eval(r)
		if !okY || !okX {
			continue
		}
		pt := plot.Point{X: x, Y: y}
		if p.errs != nil {
			pt.EY, _ = p.errs.y.eval(r)
			pt.EX, _ = p.errs.x.eval(r)
		}
		g.Add(pt)
	}
	return g
}

func (p *plotSpec) histogram(s *Series) (*plot.H1, error) {
	var values []float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range s.Rows {
		if !p.sel.match(r) {
			continue
		}
		v, ok := p.vars.y.eval(r)
		if !ok {
			continue
		}
		values = append(values, v)
		lo, hi = min(lo, v), max(hi, v)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("plot %s: %w", p.cfg.Name, errNoPoints)
	}
	// Widen so the maximum lands inside the last bin.
	hi += (hi - lo) / DefaultHistogramBins
	h := plot.NewH1(p.cfg.Name, p.cfg.Title, DefaultHistogramBins, lo, hi)
	h.XTitle, h.YTitle = p.xTitle, p.yTitle
	for _, v := range values {
		h.Fill(v)
	}
	return h, nil
}
