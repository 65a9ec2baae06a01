package qcflow

import (
	"github.com/ashita-ai/qcflow/internal/check"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/postprocessing"
	"github.com/ashita-ai/qcflow/internal/repository"
	"github.com/ashita-ai/qcflow/internal/sampling"
	"github.com/ashita-ai/qcflow/internal/task"
	"github.com/ashita-ai/qcflow/internal/transport"
	"github.com/ashita-ai/qcflow/internal/trending"
)

// TaskModule is a user analysis module driven by the task engine. Embed
// TaskBase to get the name and objects manager plumbing.
type TaskModule = task.Module

// TaskBase implements the bookkeeping half of TaskModule.
type TaskBase = task.Base

// TaskContext is handed to TaskModule.Initialize.
type TaskContext = task.Context

// Slice is one sampled block of data. Modules must not retain it after
// Monitor returns.
type Slice = sampling.Slice

// ObjectsManager is the per-task registry of published objects.
type ObjectsManager = objects.Manager

// Check is a user quality check.
type Check = check.Implementation

// Reductor turns a stored object into fixed-schema trend records.
type Reductor = trending.Reductor

// ReductorInput is what a Reductor receives: a monitor object or a quality
// object.
type ReductorInput = trending.Input

// Record is one reduced output: field name to value.
type Record = trending.Record

// PostProcessingTask is a user post-processing task.
type PostProcessingTask = postprocessing.Task

// Sampler provides data slices to a task engine. Pass one with WithSampler
// to replace the sampler selected by the configuration tree.
type Sampler = sampling.Sampler

// Transport carries published objects and announcements between
// processes. It must deliver what it is sent to its own subscribers.
type Transport interface {
	transport.Sender
	transport.Receiver
}

// Repository stores and retrieves versioned monitor and quality objects.
type Repository = repository.Repository

// RegisterTask makes a task module class available under (module, class).
// Call it from an init function; registering the same pair twice panics.
func RegisterTask(module, class string, factory func() (TaskModule, error)) {
	task.Register(module, class, factory)
}

// RegisterCheck makes a check class available under (module, class).
func RegisterCheck(module, class string, factory func() (Check, error)) {
	check.Register(module, class, factory)
}

// RegisterReductor makes a reductor class available under (module, class).
func RegisterReductor(module, class string, factory func() (Reductor, error)) {
	trending.RegisterReductor(module, class, factory)
}

// RegisterPostProcessing makes a post-processing task class available under
// (module, class).
func RegisterPostProcessing(module, class string, factory func() (PostProcessingTask, error)) {
	postprocessing.Register(module, class, factory)
}
