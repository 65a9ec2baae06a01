package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/qcflow/internal/model"
)

// Defaults applied to the configuration tree.
const (
	DefaultCycleDurationSeconds = 10
	DefaultMaxCycles            = -1
	DefaultPolicy               = "OnAny"
	DefaultPostProcessingModule = "trending"
	DefaultPostProcessingClass  = "TrendingTask"
	DataSourceRepository        = "repository"
	DataSourceQuality           = "repository-quality"
)

// Tree is the parsed QC configuration tree. Use the accessor methods to get
// validated, defaulted views.
type Tree struct {
	QC struct {
		Config struct {
			DetectorName string `yaml:"detector_name"`
		} `yaml:"config"`
		Tasks          map[string]taskNode           `yaml:"tasks"`
		Checks         map[string]checkNode          `yaml:"checks"`
		Aggregators    map[string]aggregatorNode     `yaml:"aggregators"`
		PostProcessing map[string]postProcessingNode `yaml:"postprocessing"`
		Activity       model.Activity                `yaml:"activity"`
		DataSampling   DataSamplingConfig            `yaml:"data_sampling"`
	} `yaml:"qc"`
}

type taskNode struct {
	ModuleName           string            `yaml:"module_name"`
	ClassName            string            `yaml:"class_name"`
	DetectorName         string            `yaml:"detector_name"`
	CycleDurationSeconds *float64          `yaml:"cycle_duration_seconds"`
	MaxNumberCycles      *int              `yaml:"max_number_cycles"`
	ResetAfterCycles     int               `yaml:"reset_after_cycles"`
	SaveObjectsToFile    string            `yaml:"save_objects_to_file"`
	CustomParameters     map[string]string `yaml:"custom_parameters"`
}

type checkNode struct {
	ModuleName       string            `yaml:"module_name"`
	ClassName        string            `yaml:"class_name"`
	DetectorName     string            `yaml:"detector_name"`
	Inputs           []string          `yaml:"inputs"`
	Policy           string            `yaml:"policy"`
	CustomParameters map[string]string `yaml:"custom_parameters"`
}

type aggregatorNode struct {
	DetectorName string   `yaml:"detector_name"`
	Inputs       []string `yaml:"inputs"`
}

type postProcessingNode struct {
	ModuleName           string            `yaml:"module_name"`
	ClassName            string            `yaml:"class_name"`
	DetectorName         string            `yaml:"detector_name"`
	InitTrigger          []string          `yaml:"init_trigger"`
	UpdateTrigger        []string          `yaml:"update_trigger"`
	StopTrigger          []string          `yaml:"stop_trigger"`
	ResumeTrend          bool              `yaml:"resume_trend"`
	ProducePlotsOnUpdate *bool             `yaml:"produce_plots_on_update"`
	SkipOnPartialFailure bool              `yaml:"skip_on_partial_failure"`
	DataSources          []dataSourceNode  `yaml:"data_sources"`
	Plots                []PlotConfig      `yaml:"plots"`
	CustomParameters     map[string]string `yaml:"custom_parameters"`
}

type dataSourceNode struct {
	Type         string      `yaml:"type"`
	Path         string      `yaml:"path"`
	Name         string      `yaml:"name"`
	Names        []string    `yaml:"names"`
	Reductor     ClassRef    `yaml:"reductor"`
	AxisDivision [][]float64 `yaml:"axis_division"`
}

// ClassRef names a registered class.
type ClassRef struct {
	Module string `yaml:"module"`
	Class  string `yaml:"class"`
}

// TaskConfig is the immutable configuration of one task.
type TaskConfig struct {
	Name              string
	ModuleName        string
	ClassName         string
	DetectorName      string
	CycleDuration     time.Duration
	MaxCycles         int // -1 = unbounded
	ResetAfterCycles  int // 0 = never
	SaveObjectsToFile string
	CustomParameters  map[string]string
}

// CheckConfig is the declarative record of one check.
type CheckConfig struct {
	Name             string
	ModuleName       string
	ClassName        string
	DetectorName     string
	Inputs           []string
	Policy           string
	CustomParameters map[string]string
}

// AggregatorConfig combines the results of several checks.
type AggregatorConfig struct {
	Name         string
	DetectorName string
	Inputs       []string
}

// DataSourceConfig is one trended object.
type DataSourceConfig struct {
	Type         string
	Path         string
	Name         string
	Reductor     ClassRef
	AxisDivision [][]float64
}

// PlotConfig describes one trend plot.
type PlotConfig struct {
	Name           string `yaml:"name"`
	Title          string `yaml:"title"`
	Varexp         string `yaml:"varexp"`
	Selection      string `yaml:"selection"`
	Option         string `yaml:"option"`
	GraphErrors    string `yaml:"graph_errors"`
	GraphAxisLabel string `yaml:"graph_axis_label"`
	GraphYRange    string `yaml:"graph_y_range"`
}

// PostProcessingConfig configures one post-processing task.
type PostProcessingConfig struct {
	Name                 string
	ModuleName           string
	ClassName            string
	DetectorName         string
	InitTriggers         []string
	UpdateTriggers       []string
	StopTriggers         []string
	ResumeTrend          bool
	ProducePlotsOnUpdate bool
	SkipOnPartialFailure bool
	DataSources          []DataSourceConfig
	Plots                []PlotConfig
	CustomParameters     map[string]string
	Activity             model.Activity
}

// DataSamplingConfig selects the sampler implementation.
type DataSamplingConfig struct {
	Implementation string `yaml:"implementation"`
	Directory      string `yaml:"directory"`
	Subject        string `yaml:"subject"`
	QueueSize      int    `yaml:"queue_size"`
	SliceSize      int    `yaml:"slice_size"`
	PeriodMS       int    `yaml:"period_ms"`
}

// LoadTree reads the tree referenced by uri. Only the file: scheme is
// supported; the content may be JSON or YAML.
func LoadTree(uri string) (*Tree, error) {
	path, ok := strings.CutPrefix(uri, "file:")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported configuration uri %q", ErrFatalConfiguration, uri)
	}
	path = strings.TrimPrefix(path, "//")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFatalConfiguration, path, err)
	}
	return ParseTree(data)
}

// ParseTree decodes a JSON or YAML document.
func ParseTree(data []byte) (*Tree, error) {
	var t Tree
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: parse tree: %v", ErrFatalConfiguration, err)
	}
	return &t, nil
}

func (t *Tree) detector(own string) string {
	switch {
	case own != "":
		return own
	case t.QC.Config.DetectorName != "":
		return t.QC.Config.DetectorName
	}
	return model.DefaultDetector
}

// Activity returns qc.activity.
func (t *Tree) Activity() model.Activity {
	a := t.QC.Activity
	if a.Provenance == "" {
		a.Provenance = model.DefaultProvenance
	}
	return a
}

// DataSampling returns qc.data_sampling.
func (t *Tree) DataSampling() DataSamplingConfig { return t.QC.DataSampling }

// Task returns the validated configuration of task name.
func (t *Tree) Task(name string) (TaskConfig, error) {
	n, ok := t.QC.Tasks[name]
	if !ok {
		return TaskConfig{}, fmt.Errorf("%w: task %q not found", ErrFatalConfiguration, name)
	}
	if n.ModuleName == "" || n.ClassName == "" {
		return TaskConfig{}, fmt.Errorf("%w: qc.tasks.%s.module_name and class_name are required", ErrFatalConfiguration, name)
	}
	cycle := float64(DefaultCycleDurationSeconds)
	if n.CycleDurationSeconds != nil {
		cycle = *n.CycleDurationSeconds
	}
	if cycle <= 0 {
		return TaskConfig{}, fmt.Errorf("%w: qc.tasks.%s.cycle_duration_seconds must be positive", ErrFatalConfiguration, name)
	}
	maxCycles := DefaultMaxCycles
	if n.MaxNumberCycles != nil {
		maxCycles = *n.MaxNumberCycles
	}
	if n.ResetAfterCycles < 0 {
		return TaskConfig{}, fmt.Errorf("%w: qc.tasks.%s.reset_after_cycles must not be negative", ErrFatalConfiguration, name)
	}
	return TaskConfig{
		Name:              name,
		ModuleName:        n.ModuleName,
		ClassName:         n.ClassName,
		DetectorName:      t.detector(n.DetectorName),
		CycleDuration:     time.Duration(cycle * float64(time.Second)),
		MaxCycles:         maxCycles,
		ResetAfterCycles:  n.ResetAfterCycles,
		SaveObjectsToFile: n.SaveObjectsToFile,
		CustomParameters:  copyParams(n.CustomParameters),
	}, nil
}

// Checks returns every configured check, sorted by name.
func (t *Tree) Checks() ([]CheckConfig, error) {
	names := sortedKeys(t.QC.Checks)
	out := make([]CheckConfig, 0, len(names))
	for _, name := range names {
		n := t.QC.Checks[name]
		if n.ModuleName == "" || n.ClassName == "" {
			return nil, fmt.Errorf("%w: qc.checks.%s.module_name and class_name are required", ErrFatalConfiguration, name)
		}
		if len(n.Inputs) == 0 {
			return nil, fmt.Errorf("%w: qc.checks.%s.inputs must not be empty", ErrFatalConfiguration, name)
		}
		policy := n.Policy
		if policy == "" {
			policy = DefaultPolicy
		}
		out = append(out, CheckConfig{
			Name:             name,
			ModuleName:       n.ModuleName,
			ClassName:        n.ClassName,
			DetectorName:     t.detector(n.DetectorName),
			Inputs:           slices.Clone(n.Inputs),
			Policy:           policy,
			CustomParameters: copyParams(n.CustomParameters),
		})
	}
	return out, nil
}

// Aggregators returns every configured aggregator, sorted by name.
func (t *Tree) Aggregators() ([]AggregatorConfig, error) {
	names := sortedKeys(t.QC.Aggregators)
	out := make([]AggregatorConfig, 0, len(names))
	for _, name := range names {
		n := t.QC.Aggregators[name]
		if len(n.Inputs) == 0 {
			return nil, fmt.Errorf("%w: qc.aggregators.%s.inputs must not be empty", ErrFatalConfiguration, name)
		}
		out = append(out, AggregatorConfig{Name: name, DetectorName: t.detector(n.DetectorName), Inputs: slices.Clone(n.Inputs)})
	}
	return out, nil
}

// PostProcessingNames lists configured post-processing tasks.
func (t *Tree) PostProcessingNames() []string { return sortedKeys(t.QC.PostProcessing) }

// PostProcessing returns the validated configuration of post-processing task name.
func (t *Tree) PostProcessing(name string) (PostProcessingConfig, error) {
	n, ok := t.QC.PostProcessing[name]
	if !ok {
		return PostProcessingConfig{}, fmt.Errorf("%w: postprocessing task %q not found", ErrFatalConfiguration, name)
	}
	cfg := PostProcessingConfig{
		Name:                 name,
		ModuleName:           n.ModuleName,
		ClassName:            n.ClassName,
		DetectorName:         t.detector(n.DetectorName),
		InitTriggers:         slices.Clone(n.InitTrigger),
		UpdateTriggers:       slices.Clone(n.UpdateTrigger),
		StopTriggers:         slices.Clone(n.StopTrigger),
		ResumeTrend:          n.ResumeTrend,
		ProducePlotsOnUpdate: n.ProducePlotsOnUpdate == nil || *n.ProducePlotsOnUpdate,
		SkipOnPartialFailure: n.SkipOnPartialFailure,
		Plots:                slices.Clone(n.Plots),
		CustomParameters:     copyParams(n.CustomParameters),
		Activity:             t.Activity(),
	}
	if cfg.ModuleName == "" {
		cfg.ModuleName = DefaultPostProcessingModule
	}
	if cfg.ClassName == "" {
		cfg.ClassName = DefaultPostProcessingClass
	}
	if len(cfg.UpdateTriggers) == 0 {
		return PostProcessingConfig{}, fmt.Errorf("%w: qc.postprocessing.%s.update_trigger must not be empty", ErrFatalConfiguration, name)
	}
	for i, ds := range n.DataSources {
		names := ds.Names
		if ds.Name != "" {
			names = append([]string{ds.Name}, names...)
		}
		if len(names) == 0 || ds.Path == "" {
			return PostProcessingConfig{}, fmt.Errorf("%w: qc.postprocessing.%s.data_sources[%d] needs path and name", ErrFatalConfiguration, name, i)
		}
		typ := ds.Type
		if typ == "" {
			typ = DataSourceRepository
		}
		if typ != DataSourceRepository && typ != DataSourceQuality {
			return PostProcessingConfig{}, fmt.Errorf("%w: qc.postprocessing.%s.data_sources[%d] has unknown type %q", ErrFatalConfiguration, name, i, typ)
		}
		if ds.Reductor.Module == "" || ds.Reductor.Class == "" {
			return PostProcessingConfig{}, fmt.Errorf("%w: qc.postprocessing.%s.data_sources[%d].reductor needs module and class", ErrFatalConfiguration, name, i)
		}
		for _, objName := range names {
			cfg.DataSources = append(cfg.DataSources, DataSourceConfig{
				Type:         typ,
				Path:         ds.Path,
				Name:         objName,
				Reductor:     ds.Reductor,
				AxisDivision: ds.AxisDivision,
			})
		}
	}
	for i, p := range cfg.Plots {
		if p.Name == "" || p.Varexp == "" {
			return PostProcessingConfig{}, fmt.Errorf("%w: qc.postprocessing.%s.plots[%d] needs name and varexp", ErrFatalConfiguration, name, i)
		}
	}
	return cfg, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func copyParams(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
