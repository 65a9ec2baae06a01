package qcflow_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow"
	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
	"github.com/ashita-ai/qcflow/internal/repository"
	"github.com/ashita-ai/qcflow/internal/testutil"
	"github.com/ashita-ai/qcflow/internal/transport"

	_ "github.com/ashita-ai/qcflow/internal/modules/skeleton"
)

const treeJSON = `{
  "qc": {
    "config": { "detector_name": "TST" },
    "tasks": {
      "skel": {
        "module_name": "skeleton",
        "class_name": "SkeletonTask",
        "detector_name": "TST",
        "cycle_duration_seconds": 0.05,
        "max_number_cycles": 2
      }
    },
    "checks": {
      "skelcheck": {
        "module_name": "skeleton",
        "class_name": "SkeletonCheck",
        "detector_name": "TST",
        "inputs": ["example"]
      }
    },
    "postprocessing": {
      "trend": {
        "detector_name": "TST",
        "init_trigger": ["once"],
        "update_trigger": ["once"],
        "data_sources": [
          {
            "path": "qc/TST/MO/task1",
            "names": ["h"],
            "reductor": { "module": "trending", "class": "H1Reductor" }
          }
        ],
        "plots": [ { "name": "mean_h", "title": "Mean", "varexp": "h.mean:time" } ]
      }
    },
    "data_sampling": { "implementation": "generator", "slice_size": 100, "period_ms": 2 }
  }
}`

func writeTree(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qc.json")
	require.NoError(t, os.WriteFile(path, []byte(treeJSON), 0o600))
	return "file:" + path
}

func testConfig() config.Config {
	return config.Config{
		SubjectPrefix:        "qc",
		TransportQueueSize:   64,
		RateWindow:           time.Second,
		SamplerTimeout:       10 * time.Millisecond,
		PostProcessingPeriod: 10 * time.Millisecond,
		ShutdownTimeout:      2 * time.Second,
	}
}

func TestNewRequiresAnEngine(t *testing.T) {
	_, err := qcflow.New(context.Background(), writeTree(t), qcflow.WithConfig(testConfig()))
	assert.ErrorIs(t, err, qcflow.ErrNothingToRun)

	_, err = qcflow.New(context.Background(), writeTree(t),
		qcflow.WithConfig(testConfig()),
		qcflow.WithLocalChecks(),
	)
	assert.ErrorIs(t, err, qcflow.ErrFatalConfiguration)
}

func TestNewConfigurationErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		opts []qcflow.Option
	}{
		{"missing file", "file:/does/not/exist.json", []qcflow.Option{qcflow.WithTask("skel")}},
		{"unknown task", "", []qcflow.Option{qcflow.WithTask("nope")}},
		{"unknown post-processing", "", []qcflow.Option{qcflow.WithPostProcessing("nope"), qcflow.WithRepository(repository.NewMemory())}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri := tt.uri
			if uri == "" {
				uri = writeTree(t)
			}
			opts := append([]qcflow.Option{
				qcflow.WithConfig(testConfig()),
				qcflow.WithLogger(testutil.TestLogger()),
			}, tt.opts...)
			_, err := qcflow.New(context.Background(), uri, opts...)
			assert.ErrorIs(t, err, qcflow.ErrFatalConfiguration)
		})
	}
}

func TestTaskWithLocalChecks(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	tr := transport.NewMemory(true)

	app, err := qcflow.New(ctx, writeTree(t),
		qcflow.WithConfig(testConfig()),
		qcflow.WithLogger(testutil.TestLogger()),
		qcflow.WithRepository(repo),
		qcflow.WithTransport(tr),
		qcflow.WithTask("skel"),
		qcflow.WithLocalChecks(),
	)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, app.Run(runCtx))

	assert.Equal(t, 2, app.Engine().Stats().Cycles)

	qo, err := repo.RetrieveQO(ctx, model.QOPath("TST", "skelcheck", ""), repository.Latest, model.Activity{})
	require.NoError(t, err)
	assert.Equal(t, "skelcheck", qo.CheckName)

	// Two cycles of two objects plus one announcement each.
	assert.Len(t, tr.Sent(transport.ChannelDataOut), 4)
	assert.Len(t, tr.Sent(transport.ChannelInfoOut), 2)
}

func TestTaskCheckerAndInfoServiceInOneProcess(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	app, err := qcflow.New(ctx, writeTree(t),
		qcflow.WithConfig(testConfig()),
		qcflow.WithLogger(testutil.TestLogger()),
		qcflow.WithRepository(repo),
		qcflow.WithTask("skel"),
		qcflow.WithChecker(),
		qcflow.WithInfoService("127.0.0.1:0"),
	)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := repo.RetrieveQO(ctx, model.QOPath("TST", "skelcheck", ""), repository.Latest, model.Activity{})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, ok := app.Index().Task("skel")
		return ok && len(got.Objects) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mo, err := repo.RetrieveMO(ctx, model.MOPath("TST", "skel"), "example", repository.Latest, model.Activity{})
	require.NoError(t, err)
	assert.Equal(t, "skelcheck", mo.Metadata[model.MetaCheck])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPostProcessingRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	h := plot.NewH1("h", "h", 10, 0, 10)
	h.Fill(4.5)
	mo := model.NewMonitorObject("h", "task1", "TST", h)
	mo.ValidFrom = 1000
	require.NoError(t, repo.StoreMO(ctx, mo))

	app, err := qcflow.New(ctx, writeTree(t),
		qcflow.WithConfig(testConfig()),
		qcflow.WithLogger(testutil.TestLogger()),
		qcflow.WithRepository(repo),
		qcflow.WithPostProcessing(),
	)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, app.Run(runCtx))

	versions, err := repo.ListVersions(ctx, model.MOPath("TST", "trend")+"/trend")
	require.NoError(t, err)
	assert.NotEmpty(t, versions)
}

func TestPostProcessingReplay(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	for _, ts := range []int64{1000, 2000, 3000} {
		h := plot.NewH1("h", "h", 10, 0, 10)
		h.Fill(float64(ts / 1000))
		mo := model.NewMonitorObject("h", "task1", "TST", h)
		mo.ValidFrom = ts
		require.NoError(t, repo.StoreMO(ctx, mo))
	}

	_, err := qcflow.New(ctx, writeTree(t),
		qcflow.WithConfig(testConfig()),
		qcflow.WithRepository(repo),
		qcflow.WithPostProcessing("trend"),
		qcflow.WithReplay(1000),
	)
	require.ErrorIs(t, err, qcflow.ErrFatalConfiguration)

	app, err := qcflow.New(ctx, writeTree(t),
		qcflow.WithConfig(testConfig()),
		qcflow.WithLogger(testutil.TestLogger()),
		qcflow.WithRepository(repo),
		qcflow.WithPostProcessing("trend"),
		qcflow.WithReplay(1000, 2000, 3000),
	)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()
	require.NoError(t, app.Run(ctx))

	versions, err := repo.ListVersions(ctx, model.MOPath("TST", "trend")+"/trend")
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, int64(3000), versions[len(versions)-1])
}

func TestInfoServiceOnly(t *testing.T) {
	tr := transport.NewMemory(false)
	app, err := qcflow.New(context.Background(), "",
		qcflow.WithConfig(testConfig()),
		qcflow.WithLogger(testutil.TestLogger()),
		qcflow.WithTransport(tr),
		qcflow.WithInfoService("127.0.0.1:0"),
		qcflow.WithVersion("test"),
	)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()

	require.Eventually(t, func() bool {
		err := tr.Send(context.Background(), transport.Message{
			Channel: transport.ChannelInfoOut,
			Body:    []byte("tpc:clusters"),
		})
		if err != nil {
			return false
		}
		_, ok := app.Index().Task("tpc")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// The public aliases and registration helpers are enough to write a module
// outside the internal packages.
type outsideTask struct {
	qcflow.TaskBase
	h *qcflow.H1
}

func (m *outsideTask) Initialize(*qcflow.TaskContext) error {
	m.h = qcflow.NewH1("outside", "outside", 4, 0, 4)
	_, err := m.Objects().StartPublishing(m.h)
	return err
}
func (m *outsideTask) StartOfActivity(qcflow.Activity) error { return nil }
func (m *outsideTask) StartOfCycle() error                   { return nil }
func (m *outsideTask) Monitor(s *qcflow.Slice) error {
	m.h.Fill(float64(len(s.Data) % 4))
	return nil
}
func (m *outsideTask) EndOfCycle() error                   { return nil }
func (m *outsideTask) EndOfActivity(qcflow.Activity) error { return nil }
func (m *outsideTask) Reset() error {
	m.h.Reset()
	return nil
}

func init() {
	qcflow.RegisterTask("outside", "Task", func() (qcflow.TaskModule, error) { return &outsideTask{}, nil })
}

func TestRegisterTaskFromOutside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
qc:
  tasks:
    out:
      module_name: outside
      class_name: Task
      cycle_duration_seconds: 0.02
      max_number_cycles: 1
  data_sampling:
    implementation: generator
    slice_size: 3
    period_ms: 1
`), 0o600))

	tr := transport.NewMemory(true)
	app, err := qcflow.New(context.Background(), "file:"+path,
		qcflow.WithConfig(testConfig()),
		qcflow.WithLogger(testutil.TestLogger()),
		qcflow.WithTransport(tr),
		qcflow.WithTask("out"),
	)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()
	require.NoError(t, app.Run(context.Background()))

	sent := tr.Sent(transport.ChannelDataOut)
	require.Len(t, sent, 1)
	mo, err := model.DecodeMonitorObject(sent[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "outside", mo.Name())
	assert.Equal(t, model.DefaultDetector, mo.DetectorName)
}

func TestHealthOverHTTP(t *testing.T) {
	app, err := qcflow.New(context.Background(), "",
		qcflow.WithConfig(testConfig()),
		qcflow.WithLogger(testutil.TestLogger()),
		qcflow.WithTransport(transport.NewMemory(false)),
		qcflow.WithInfoService("127.0.0.1:18391"),
	)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18391/healthz")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	var env struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "ok", env.Data.Status)

	cancel()
	require.NoError(t, <-done)
}
