package task

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/registry"
	"github.com/ashita-ai/qcflow/internal/sampling"
)

// Module is the capability set a user task implements. The engine invokes
// the callbacks serially; none of them runs concurrently with another.
type Module interface {
	Name() string
	SetName(name string)
	SetObjectsManager(m *objects.Manager)

	Initialize(ctx *Context) error
	StartOfActivity(a model.Activity) error
	StartOfCycle() error
	// Monitor receives a borrowed slice. It must not retain s after return.
	Monitor(s *sampling.Slice) error
	EndOfCycle() error
	EndOfActivity(a model.Activity) error
	Reset() error
}

// Context is handed to Module.Initialize.
type Context struct {
	Name     string
	Objects  *objects.Manager
	Params   map[string]string
	Logger   *slog.Logger
	Activity model.Activity

	cycle *atomic.Int64
}

// Cycle returns the index of the running cycle, starting at 0 within an
// activity. Between cycles it is the index of the next one.
func (c *Context) Cycle() int {
	if c.cycle == nil {
		return 0
	}
	return int(c.cycle.Load())
}

// Param returns the custom parameter key, or def when unset.
func (c *Context) Param(key, def string) string {
	if v, ok := c.Params[key]; ok {
		return v
	}
	return def
}

// IntParam parses the custom parameter key as an integer.
func (c *Context) IntParam(key string, def int) (int, error) {
	v, ok := c.Params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("task: custom parameter %s=%q is not an integer", key, v)
	}
	return n, nil
}

// FloatParam parses the custom parameter key as a float.
func (c *Context) FloatParam(key string, def float64) (float64, error) {
	v, ok := c.Params[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("task: custom parameter %s=%q is not a number", key, v)
	}
	return f, nil
}

// Base carries the accessors every module needs. Embed it and implement
// the lifecycle callbacks.
type Base struct {
	name    string
	objects *objects.Manager
}

// Name returns the task name.
func (b *Base) Name() string { return b.name }

// SetName is called by the engine before Initialize.
func (b *Base) SetName(name string) { b.name = name }

// SetObjectsManager is called by the engine before Initialize.
func (b *Base) SetObjectsManager(m *objects.Manager) { b.objects = m }

// Objects returns the injected Objects Manager.
func (b *Base) Objects() *objects.Manager { return b.objects }

var modules = registry.New[Module]("task")

// Register makes a module class available to configuration under
// (module, class). It is meant to be called from init functions.
func Register(module, class string, factory func() (Module, error)) {
	modules.Register(module, class, factory)
}

// NewModule instantiates a registered module class. Failures are fatal
// configuration errors.
func NewModule(module, class string) (Module, error) {
	m, err := modules.Create(module, class)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrFatalConfiguration, err)
	}
	return m, nil
}

// Registered lists the registered module classes.
func Registered() []registry.Key { return modules.Keys() }
