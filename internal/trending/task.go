package trending

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/postprocessing"
)

// TaskClass is the class name of the trending task.
const TaskClass = "TrendingTask"

func init() {
	postprocessing.Register(Module, TaskClass, func() (postprocessing.Task, error) { return &Task{}, nil })
}

type source struct {
	cfg      config.DataSourceConfig
	reductor Reductor
	columns  []string
}

// Task trends its data sources into a Series and publishes plots over it.
// It implements postprocessing.Task.
type Task struct {
	cfg     config.PostProcessingConfig
	sources []source
	plots   []*plotSpec
	series  *Series
}

// Configure instantiates the reductors and parses the plot expressions.
func (t *Task) Configure(cfg config.PostProcessingConfig) error {
	t.cfg = cfg
	t.sources, t.plots = nil, nil
	names := map[string]bool{cfg.Name: true}
	for _, ds := range cfg.DataSources {
		if names[ds.Name] {
			return fmt.Errorf("%w: trending %s: duplicate source name %q", config.ErrFatalConfiguration, cfg.Name, ds.Name)
		}
		names[ds.Name] = true
		r, err := NewReductor(ds.Reductor.Module, ds.Reductor.Class)
		if err != nil {
			return err
		}
		src := source{cfg: ds, reductor: r}
		for _, f := range r.Fields() {
			src.columns = append(src.columns, ds.Name+"."+f)
		}
		t.sources = append(t.sources, src)
	}
	plotNames := map[string]bool{cfg.Name: true}
	for _, pc := range cfg.Plots {
		if plotNames[pc.Name] {
			return fmt.Errorf("%w: trending %s: plot name %q is taken", config.ErrFatalConfiguration, cfg.Name, pc.Name)
		}
		plotNames[pc.Name] = true
		p, err := parsePlot(pc)
		if err != nil {
			return fmt.Errorf("%w: trending %s: %w", config.ErrFatalConfiguration, cfg.Name, err)
		}
		t.plots = append(t.plots, p)
	}
	return nil
}

// Columns lists the series columns implied by the data sources.
func (t *Task) Columns() []string {
	var cols []string
	for _, s := range t.sources {
		cols = append(cols, s.columns...)
	}
	slices.Sort(cols)
	return cols
}

// Series returns the trend.
func (t *Task) Series() *Series { return t.series }

// Initialize creates the series, resuming the stored one when configured
// and its columns still match.
func (t *Task) Initialize(ctx context.Context, _ postprocessing.Trigger, s *postprocessing.Services) error {
	cols := t.Columns()
	t.series = nil
	if t.cfg.ResumeTrend && s.Repository != nil {
		t.series = t.resume(ctx, s, cols)
	}
	if t.series == nil {
		t.series = NewSeries(t.cfg.Name, cols)
	}
	for _, p := range t.plots {
		if err := p.validate(t.series); err != nil {
			return fmt.Errorf("%w: trending %s: %w", config.ErrFatalConfiguration, t.cfg.Name, err)
		}
	}
	if t.cfg.ProducePlotsOnUpdate {
		return t.publishSeries(s.Objects)
	}
	return nil
}

func (t *Task) resume(ctx context.Context, s *postprocessing.Services, cols []string) *Series {
	path := model.MOPath(t.cfg.DetectorName, t.cfg.Name)
	mo, err := s.Repository.RetrieveMO(ctx, path, t.cfg.Name, -1, t.cfg.Activity)
	if err != nil {
		s.Logger.Warn("trending: no stored series to resume", "path", path, "error", err)
		return nil
	}
	stored, ok := mo.Payload.(*Series)
	if !ok {
		s.Logger.Warn("trending: stored object is not a series", "path", path, "kind", mo.Kind())
		return nil
	}
	if !stored.CanContinue(cols) {
		s.Logger.Warn("trending: stored series has different columns, starting a new one",
			"stored", stored.Columns, "expected", cols)
		return nil
	}
	s.Logger.Info("trending: resuming series", "rows", stored.Len())
	return stored
}

// Update reduces every source at the trigger timestamp and appends a row.
// A trigger not newer than the last row is rejected with ErrNonMonotonic.
func (t *Task) Update(ctx context.Context, tr postprocessing.Trigger, s *postprocessing.Services) error {
	if t.series == nil {
		return fmt.Errorf("trending %s: update before initialize", t.cfg.Name)
	}
	if last, ok := t.series.Last(); ok && tr.Timestamp <= last.Timestamp {
		return fmt.Errorf("%w: trigger at %d, last row at %d", ErrNonMonotonic, tr.Timestamp, last.Timestamp)
	}
	row := Row{
		Timestamp:  tr.Timestamp,
		ActivityID: tr.Activity.ID,
		Values:     make(map[string][]float64, len(t.series.Columns)),
	}
	for _, src := range t.sources {
		records, err := t.reduce(ctx, src, tr, s)
		if err != nil {
			s.Logger.Warn("trending: source failed", "source", src.cfg.Name, "error", err)
			row.Missing = append(row.Missing, src.cfg.Name)
			for _, col := range src.columns {
				row.Values[col] = nil
			}
			continue
		}
		for i, f := range src.reductor.Fields() {
			vals := make([]float64, len(records))
			for j, rec := range records {
				vals[j] = rec[f]
			}
			row.Values[src.columns[i]] = vals
		}
	}
	if len(row.Missing) > 0 && t.cfg.SkipOnPartialFailure {
		s.Logger.Warn("trending: row skipped after source failures", "missing", row.Missing)
		return nil
	}
	if err := t.series.Append(row); err != nil {
		return err
	}
	if t.cfg.ProducePlotsOnUpdate {
		t.generatePlots(s)
	}
	return nil
}

// Finalize publishes the series, if not done yet, and the plots.
func (t *Task) Finalize(_ context.Context, _ postprocessing.Trigger, s *postprocessing.Services) error {
	if t.series == nil {
		return nil
	}
	if err := t.publishSeries(s.Objects); err != nil {
		return err
	}
	t.generatePlots(s)
	return nil
}

func (t *Task) reduce(ctx context.Context, src source, tr postprocessing.Trigger, s *postprocessing.Services) (records []Record, err error) {
	if s.Repository == nil {
		return nil, fmt.Errorf("trending: no repository")
	}
	var in Input
	switch src.cfg.Type {
	case config.DataSourceQuality:
		in.Quality, err = s.Repository.RetrieveQO(ctx, src.cfg.Path+"/"+src.cfg.Name, tr.Timestamp, tr.Activity)
	default:
		in.Object, err = s.Repository.RetrieveMO(ctx, src.cfg.Path, src.cfg.Name, tr.Timestamp, tr.Activity)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			records, err = nil, fmt.Errorf("trending: reductor panicked: %v", p)
		}
	}()
	records, err = src.reductor.Update(in, src.cfg.AxisDivision)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("trending: reductor returned no records")
	}
	return records, nil
}

func (t *Task) publishSeries(om *objects.Manager) error {
	if om.IsBeingPublished(t.series.Name()) {
		return nil
	}
	if _, err := om.StartPublishing(t.series); err != nil {
		return fmt.Errorf("trending: publish series: %w", err)
	}
	return nil
}

// generatePlots redraws every plot. A plot that fails is skipped.
func (t *Task) generatePlots(s *postprocessing.Services) {
	if t.series.Len() == 0 {
		s.Logger.Info("trending: no rows yet, not drawing plots")
		return
	}
	for _, p := range t.plots {
		payload, err := p.draw(t.series)
		if err != nil {
			s.Logger.Warn("trending: plot skipped", "plot", p.cfg.Name, "error", err)
			continue
		}
		if s.Objects.IsBeingPublished(p.cfg.Name) {
			if err := s.Objects.StopPublishing(p.cfg.Name); err != nil {
				s.Logger.Warn("trending: replace plot", "plot", p.cfg.Name, "error", err)
			}
		}
		if _, err := s.Objects.StartPublishing(payload); err != nil {
			s.Logger.Warn("trending: publish plot", "plot", p.cfg.Name, "error", err)
		}
	}
}
