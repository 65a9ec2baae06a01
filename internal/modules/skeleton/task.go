// Package skeleton is a minimal user module: a task histogramming slice
// sizes, a check grading that histogram and a reductor trending it. It
// registers itself under the "skeleton" module name when imported.
package skeleton

import (
	"log/slog"

	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
	"github.com/ashita-ai/qcflow/internal/sampling"
	"github.com/ashita-ai/qcflow/internal/task"
)

// Module is the module name used in configuration.
const Module = "skeleton"

// Object names published by Task.
const (
	HistogramName = "example"
	SecondaryName = "example2"
)

func init() {
	task.Register(Module, "SkeletonTask", func() (task.Module, error) { return &Task{}, nil })
}

// Task fills HistogramName with the size of every slice it receives.
type Task struct {
	task.Base
	logger    *slog.Logger
	histogram *plot.H1
	parameter string
}

// Initialize implements task.Module.
func (t *Task) Initialize(ctx *task.Context) error {
	t.logger = ctx.Logger
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.parameter = ctx.Param("myOwnKey", "some default")
	t.logger.Debug("skeleton: initialize", "myOwnKey", t.parameter)

	t.histogram = plot.NewH1(HistogramName, HistogramName, 20, 0, 30000)
	if _, err := t.Objects().StartPublishing(t.histogram); err != nil {
		return err
	}
	if _, err := t.Objects().StartPublishing(plot.NewH1(SecondaryName, SecondaryName, 20, 0, 30000)); err != nil {
		return err
	}
	if err := t.Objects().AddMetadata(HistogramName, "custom", "34"); err != nil {
		t.logger.Warn("skeleton: metadata could not be added", "object", HistogramName, "error", err)
	}
	return nil
}

// StartOfActivity implements task.Module.
func (t *Task) StartOfActivity(a model.Activity) error {
	t.logger.Debug("skeleton: start of activity", "run", a.ID)
	t.histogram.Reset()
	return nil
}

// StartOfCycle implements task.Module.
func (t *Task) StartOfCycle() error { return nil }

// Monitor implements task.Module.
func (t *Task) Monitor(s *sampling.Slice) error {
	t.histogram.Fill(float64(len(s.Data)))
	return nil
}

// EndOfCycle implements task.Module.
func (t *Task) EndOfCycle() error { return nil }

// EndOfActivity implements task.Module.
func (t *Task) EndOfActivity(a model.Activity) error {
	t.logger.Debug("skeleton: end of activity", "run", a.ID, "entries", t.histogram.Entries())
	return nil
}

// Reset implements task.Module.
func (t *Task) Reset() error {
	t.histogram.Reset()
	return nil
}
