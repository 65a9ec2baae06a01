package trending

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/plot"
	"github.com/ashita-ai/qcflow/internal/postprocessing"
	"github.com/ashita-ai/qcflow/internal/repository"
	"github.com/ashita-ai/qcflow/internal/testutil"
)

const moPath = "qc/TST/MO/task1"

// storeH1 stores an H1 named name whose mean is mean, valid from ts.
func storeH1(t *testing.T, repo repository.Repository, name string, ts int64, mean float64) {
	t.Helper()
	h := plot.NewH1(name, name, 100, 0, 10)
	h.Fill(mean)
	mo := model.NewMonitorObject(name, "task1", "TST", h)
	mo.ValidFrom = ts
	require.NoError(t, repo.StoreMO(context.Background(), mo))
}

func trendConfig(sources ...config.DataSourceConfig) config.PostProcessingConfig {
	return config.PostProcessingConfig{
		Name:                 "trend",
		ModuleName:           Module,
		ClassName:            TaskClass,
		DetectorName:         "TST",
		InitTriggers:         []string{"once"},
		UpdateTriggers:       []string{"always"},
		StopTriggers:         []string{"user"},
		ProducePlotsOnUpdate: true,
		DataSources:          sources,
		Plots: []config.PlotConfig{
			{Name: "mean_trend", Title: "Mean", Varexp: "h.mean:time", GraphAxisLabel: "mean:time"},
		},
	}
}

func h1Source(name string) config.DataSourceConfig {
	return config.DataSourceConfig{
		Type:     config.DataSourceRepository,
		Path:     moPath,
		Name:     name,
		Reductor: config.ClassRef{Module: Module, Class: "H1Reductor"},
	}
}

func newServices(repo repository.Repository) *postprocessing.Services {
	logger := testutil.TestLogger()
	return &postprocessing.Services{
		Repository: repo,
		Objects:    objects.NewManager("trend", "TST", logger),
		Logger:     logger,
	}
}

func at(ts int64) postprocessing.Trigger {
	return postprocessing.Trigger{Type: postprocessing.TriggerPeriodic, Timestamp: ts}
}

func newTask(t *testing.T, cfg config.PostProcessingConfig) *Task {
	t.Helper()
	task := &Task{}
	require.NoError(t, task.Configure(cfg))
	return task
}

func TestTrendOfMeans(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	storeH1(t, repo, "h", 100_000, 1.0)
	storeH1(t, repo, "h", 200_000, 2.0)
	storeH1(t, repo, "h", 300_000, 3.0)

	task := newTask(t, trendConfig(h1Source("h")))
	s := newServices(repo)
	require.NoError(t, task.Initialize(ctx, at(0), s))
	for _, ts := range []int64{100_000, 200_000, 300_000} {
		require.NoError(t, task.Update(ctx, at(ts), s))
	}

	err := task.Update(ctx, at(250_000), s)
	require.ErrorIs(t, err, ErrNonMonotonic)

	series := task.Series()
	require.Equal(t, 3, series.Len())
	for i, want := range []float64{1.0, 2.0, 3.0} {
		row := series.Rows[i]
		assert.Equal(t, float64(100*(i+1)), row.Time())
		mean, ok := row.Value("h.mean", 0)
		require.True(t, ok)
		assert.InDelta(t, want, mean, 1e-9)
	}

	mo, err := s.Objects.Get("mean_trend")
	require.NoError(t, err)
	g := mo.Payload.(*plot.Graph)
	require.Len(t, g.Points, 3)
	assert.True(t, g.TimeAxis)
	assert.Equal(t, "time", g.XTitle)
	assert.Equal(t, "mean", g.YTitle)
	assert.InDelta(t, 3.0, g.Points[2].Y, 1e-9)
	assert.True(t, s.Objects.IsBeingPublished("trend"))
}

func TestSeriesStaysMonotonicAndStable(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	storeH1(t, repo, "h", 1, 5)
	task := newTask(t, trendConfig(h1Source("h"), h1Source("missing")))
	s := newServices(repo)
	require.NoError(t, task.Initialize(ctx, at(0), s))

	rng := rand.New(rand.NewPCG(7, 11))
	for range 300 {
		ts := rng.Int64N(10_000) + 1
		err := task.Update(ctx, at(ts), s)
		if err != nil {
			require.ErrorIs(t, err, ErrNonMonotonic)
		}
	}

	series := task.Series()
	require.NotZero(t, series.Len())
	want := task.Columns()
	for i, row := range series.Rows {
		if i > 0 {
			assert.Greater(t, row.Timestamp, series.Rows[i-1].Timestamp)
		}
		cols := slices.Sorted(func(yield func(string) bool) {
			for k := range row.Values {
				if !yield(k) {
					return
				}
			}
		})
		assert.Equal(t, want, cols)
		assert.Equal(t, []string{"missing"}, row.Missing)
	}
}

func TestSkipOnPartialFailure(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	storeH1(t, repo, "h", 1, 5)
	cfg := trendConfig(h1Source("h"), h1Source("missing"))
	cfg.SkipOnPartialFailure = true
	task := newTask(t, cfg)
	s := newServices(repo)
	require.NoError(t, task.Initialize(ctx, at(0), s))
	require.NoError(t, task.Update(ctx, at(10), s))
	assert.Equal(t, 0, task.Series().Len())
}

func TestQualitySource(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	qo := model.NewQualityObject("C", "TST", "OnAny", model.Medium, nil)
	qo.ValidFrom = 50
	require.NoError(t, repo.StoreQO(ctx, qo))

	cfg := trendConfig(config.DataSourceConfig{
		Type:     config.DataSourceQuality,
		Path:     "qc/TST/QO",
		Name:     "C",
		Reductor: config.ClassRef{Module: Module, Class: "QualityReductor"},
	})
	cfg.Plots = []config.PlotConfig{{Name: "levels", Varexp: "C.level"}}
	task := newTask(t, cfg)
	s := newServices(repo)
	require.NoError(t, task.Initialize(ctx, at(0), s))
	require.NoError(t, task.Update(ctx, at(100), s))

	v, ok := task.Series().Rows[0].Value("C.level", 0)
	require.True(t, ok)
	assert.Equal(t, float64(model.LevelMedium), v)

	mo, err := s.Objects.Get("levels")
	require.NoError(t, err)
	assert.Equal(t, plot.KindH1, mo.Kind())
	assert.Equal(t, 1.0, mo.Payload.Entries())
}

func TestResumeTrend(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	storeH1(t, repo, "h", 1, 1)

	cfg := trendConfig(h1Source("h"))
	first := newTask(t, cfg)
	s := newServices(repo)
	require.NoError(t, first.Initialize(ctx, at(0), s))
	require.NoError(t, first.Update(ctx, at(1000), s))
	require.NoError(t, first.Update(ctx, at(2000), s))
	stored, err := s.Objects.Get("trend")
	require.NoError(t, err)
	snap := stored.Snapshot()
	snap.ValidFrom = 2000
	require.NoError(t, repo.StoreMO(ctx, snap))

	cfg.ResumeTrend = true
	resumed := newTask(t, cfg)
	require.NoError(t, resumed.Initialize(ctx, at(0), newServices(repo)))
	assert.Equal(t, 2, resumed.Series().Len())
	require.ErrorIs(t, resumed.Update(ctx, at(1500), newServices(repo)), ErrNonMonotonic)

	// Different sources cannot continue the stored series.
	other := trendConfig(h1Source("h"), h1Source("g"))
	other.ResumeTrend = true
	fresh := newTask(t, other)
	require.NoError(t, fresh.Initialize(ctx, at(0), newServices(repo)))
	assert.Equal(t, 0, fresh.Series().Len())
}

func TestFinalizePublishesWhenPlotsAreDeferred(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	storeH1(t, repo, "h", 1, 1)
	cfg := trendConfig(h1Source("h"))
	cfg.ProducePlotsOnUpdate = false
	task := newTask(t, cfg)
	s := newServices(repo)
	require.NoError(t, task.Initialize(ctx, at(0), s))
	require.NoError(t, task.Update(ctx, at(10), s))
	assert.Equal(t, 0, s.Objects.Len())

	require.NoError(t, task.Finalize(ctx, at(20), s))
	assert.ElementsMatch(t, []string{"trend", "mean_trend"}, s.Objects.Names())
}

func TestConfigureRejects(t *testing.T) {
	cfg := trendConfig(h1Source("h"), h1Source("h"))
	assert.ErrorIs(t, (&Task{}).Configure(cfg), config.ErrFatalConfiguration)

	cfg = trendConfig(h1Source("h"))
	cfg.Plots = []config.PlotConfig{{Name: "p", Varexp: "a:b:c"}}
	assert.ErrorIs(t, (&Task{}).Configure(cfg), config.ErrFatalConfiguration)

	cfg = trendConfig(config.DataSourceConfig{Name: "x", Reductor: config.ClassRef{Module: "nope", Class: "Nope"}})
	assert.ErrorIs(t, (&Task{}).Configure(cfg), config.ErrFatalConfiguration)

	// Unknown columns are detected once the series exists.
	cfg = trendConfig(h1Source("h"))
	cfg.Plots = []config.PlotConfig{{Name: "p", Varexp: "g.mean:time"}}
	task := newTask(t, cfg)
	err := task.Initialize(context.Background(), at(0), newServices(repository.NewMemory()))
	assert.ErrorIs(t, err, config.ErrFatalConfiguration)
}

func TestRunnerReplaysTimestamps(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	storeH1(t, repo, "h", 1000, 1)
	storeH1(t, repo, "h", 2000, 2)

	r, err := postprocessing.FromConfig(trendConfig(h1Source("h")), repo,
		postprocessing.WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	require.NoError(t, r.RunOverTimestamps(ctx, []int64{500, 1500, 2500}))
	assert.Equal(t, postprocessing.StateFinished, r.State())

	mo, err := repo.RetrieveMO(ctx, model.MOPath("TST", "trend"), "trend", repository.Latest, model.Activity{})
	require.NoError(t, err)
	series, ok := mo.Payload.(*Series)
	require.True(t, ok)
	require.Equal(t, 1, series.Len())
	assert.Equal(t, int64(1500), series.Rows[0].Timestamp)
	assert.Equal(t, int64(2500), mo.ValidFrom)

	versions, err := repo.ListVersions(ctx, model.MOPath("TST", "trend")+"/mean_trend")
	require.NoError(t, err)
	assert.Equal(t, []int64{1500, 2500}, versions)
}
