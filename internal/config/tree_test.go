package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleJSON = `{
  "qc": {
    "config": { "detector_name": "TST" },
    "tasks": {
      "task1": {
        "module_name": "skeleton",
        "class_name": "SkeletonTask",
        "cycle_duration_seconds": 1,
        "max_number_cycles": 3,
        "custom_parameters": { "bins": 100, "label": "x" }
      },
      "defaults": { "module_name": "skeleton", "class_name": "SkeletonTask" }
    },
    "checks": {
      "C": {
        "module_name": "skeleton",
        "class_name": "SkeletonCheck",
        "inputs": ["a", "b"],
        "policy": "OnAll"
      },
      "D": { "module_name": "skeleton", "class_name": "SkeletonCheck", "inputs": ["h"] }
    },
    "aggregators": { "agg": { "inputs": ["C", "D"] } },
    "postprocessing": {
      "trend": {
        "update_trigger": ["10 sec"],
        "data_sources": [
          {
            "path": "qc/TST/MO/task1",
            "names": ["h", "g"],
            "reductor": { "module": "trending", "class": "H1Reductor" },
            "axis_division": [[0, 5, 10]]
          }
        ],
        "plots": [ { "name": "mean_h", "title": "Mean", "varexp": "h.mean:time" } ]
      }
    },
    "activity": { "number": 42, "type": 2 },
    "data_sampling": { "implementation": "directory", "directory": "/tmp/spool" }
  }
}`

func writeTree(t *testing.T, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qc"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTreeJSON(t *testing.T) {
	tree, err := LoadTree("file:" + writeTree(t, exampleJSON, ".json"))
	require.NoError(t, err)

	task, err := tree.Task("task1")
	require.NoError(t, err)
	assert.Equal(t, "skeleton", task.ModuleName)
	assert.Equal(t, time.Second, task.CycleDuration)
	assert.Equal(t, 3, task.MaxCycles)
	assert.Equal(t, "TST", task.DetectorName)
	assert.Equal(t, map[string]string{"bins": "100", "label": "x"}, task.CustomParameters)

	defaults, err := tree.Task("defaults")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, defaults.CycleDuration)
	assert.Equal(t, -1, defaults.MaxCycles)

	act := tree.Activity()
	assert.Equal(t, 42, act.ID)
	assert.Equal(t, 2, act.Type)
	assert.Equal(t, "directory", tree.DataSampling().Implementation)
}

func TestChecksAndAggregators(t *testing.T) {
	tree, err := ParseTree([]byte(exampleJSON))
	require.NoError(t, err)

	checks, err := tree.Checks()
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, "C", checks[0].Name)
	assert.Equal(t, "OnAll", checks[0].Policy)
	assert.Equal(t, []string{"a", "b"}, checks[0].Inputs)
	assert.Equal(t, DefaultPolicy, checks[1].Policy)

	aggs, err := tree.Aggregators()
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, []string{"C", "D"}, aggs[0].Inputs)
}

func TestPostProcessingExpandsNames(t *testing.T) {
	tree, err := ParseTree([]byte(exampleJSON))
	require.NoError(t, err)

	pp, err := tree.PostProcessing("trend")
	require.NoError(t, err)
	assert.Equal(t, DefaultPostProcessingModule, pp.ModuleName)
	assert.Equal(t, DefaultPostProcessingClass, pp.ClassName)
	assert.True(t, pp.ProducePlotsOnUpdate)
	require.Len(t, pp.DataSources, 2)
	assert.Equal(t, "h", pp.DataSources[0].Name)
	assert.Equal(t, "g", pp.DataSources[1].Name)
	assert.Equal(t, DataSourceRepository, pp.DataSources[0].Type)
	assert.Equal(t, [][]float64{{0, 5, 10}}, pp.DataSources[0].AxisDivision)
	assert.Equal(t, "h.mean:time", pp.Plots[0].Varexp)
	assert.Equal(t, 42, pp.Activity.ID)
}

func TestLoadTreeYAML(t *testing.T) {
	yamlTree := `
qc:
  tasks:
    t:
      module_name: m
      class_name: c
      cycle_duration_seconds: 0.5
`
	tree, err := LoadTree("file://" + writeTree(t, yamlTree, ".yaml"))
	require.NoError(t, err)
	task, err := tree.Task("t")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, task.CycleDuration)
	assert.Equal(t, "MISC", task.DetectorName)
}

func TestTreeErrorsAreFatal(t *testing.T) {
	_, err := LoadTree("consul:/qc")
	assert.ErrorIs(t, err, ErrFatalConfiguration)

	_, err = LoadTree("file:/does/not/exist.json")
	assert.ErrorIs(t, err, ErrFatalConfiguration)

	tree, err := ParseTree([]byte(`{"qc":{"tasks":{"t":{"module_name":"m"}}}}`))
	require.NoError(t, err)
	_, err = tree.Task("t")
	assert.ErrorIs(t, err, ErrFatalConfiguration)
	_, err = tree.Task("missing")
	assert.ErrorIs(t, err, ErrFatalConfiguration)

	tree, err = ParseTree([]byte(`{"qc":{"postprocessing":{"p":{"update_trigger":["once"],"data_sources":[{"path":"x","name":"y","type":"ftp","reductor":{"module":"a","class":"b"}}]}}}}`))
	require.NoError(t, err)
	_, err = tree.PostProcessing("p")
	assert.ErrorIs(t, err, ErrFatalConfiguration)
}
