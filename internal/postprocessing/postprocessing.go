// Package postprocessing runs tasks that work on objects already stored in
// the repository rather than on sampled data. A Runner drives one Task
// through init, update and stop triggers.
package postprocessing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/registry"
)

// Repository is the part of the object repository that post-processing
// needs: versioned retrieval, version listing and storage of results.
type Repository interface {
	// RetrieveMO returns the version of path/name valid at timestamp
	// (milliseconds, -1 for the latest) matching activity.
	RetrieveMO(ctx context.Context, path, name string, timestamp int64, activity model.Activity) (*model.MonitorObject, error)
	// RetrieveQO returns the quality object stored at path.
	RetrieveQO(ctx context.Context, path string, timestamp int64, activity model.Activity) (*model.QualityObject, error)
	// ListVersions returns the validity timestamps of the object stored at
	// the full path, in increasing order.
	ListVersions(ctx context.Context, path string) ([]int64, error)
	StoreMO(ctx context.Context, mo *model.MonitorObject) error
}

// Services is handed to every Task call.
type Services struct {
	Repository Repository
	Objects    *objects.Manager
	Logger     *slog.Logger
}

// Task is the capability set of a post-processing task.
type Task interface {
	// Configure receives the task configuration before any trigger fires.
	Configure(cfg config.PostProcessingConfig) error
	Initialize(ctx context.Context, t Trigger, s *Services) error
	Update(ctx context.Context, t Trigger, s *Services) error
	Finalize(ctx context.Context, t Trigger, s *Services) error
}

var tasks = registry.New[Task]("postprocessing task")

// Register makes a post-processing class available under (module, class).
func Register(module, class string, factory func() (Task, error)) {
	tasks.Register(module, class, factory)
}

// NewTask instantiates a registered post-processing class.
func NewTask(module, class string) (Task, error) {
	t, err := tasks.Create(module, class)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrFatalConfiguration, err)
	}
	return t, nil
}

// Registered lists the registered post-processing classes.
func Registered() []registry.Key { return tasks.Keys() }
