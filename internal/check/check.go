// Package check implements the Check Engine: it evaluates declarative checks
// over published monitor objects, writes the resulting quality back into the
// objects and stores quality objects.
package check

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/registry"
)

// ErrCheckFailure marks a check that failed or returned an invalid quality.
var ErrCheckFailure = errors.New("CheckFailure")

// FailurePrefix starts the reason recorded for a failed check.
const FailurePrefix = "CheckFailure:"

// Implementation is the capability set of a check.
type Implementation interface {
	// Configure reads thresholds from the custom parameters.
	Configure(params map[string]string) error
	// Check evaluates a snapshot of the named objects. It must not mutate them.
	Check(mos map[string]*model.MonitorObject) (model.Quality, error)
	// Beautify may add annotations to mo's payload.
	Beautify(mo *model.MonitorObject, q model.Quality) error
	// AcceptedType names the payload kind the check understands. Empty
	// accepts every kind.
	AcceptedType() string
}

// PerObjectChecker is implemented by checks that grade each input on its
// own. The aggregate quality of the check is then the worst of them.
type PerObjectChecker interface {
	CheckObjects(mos map[string]*model.MonitorObject) (map[string]model.Quality, error)
}

var implementations = registry.New[Implementation]("check")

// Register makes a check class available under (module, class).
func Register(module, class string, factory func() (Implementation, error)) {
	implementations.Register(module, class, factory)
}

// NewImplementation instantiates a registered check class.
func NewImplementation(module, class string) (Implementation, error) {
	impl, err := implementations.Create(module, class)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrFatalConfiguration, err)
	}
	return impl, nil
}

// Check binds an implementation to its configuration.
type Check struct {
	Name     string
	Detector string
	Policy   Policy
	Inputs   []string

	impl   Implementation
	logger *slog.Logger
}

// New builds a check from configuration, instantiating and configuring the
// implementation.
func New(cc config.CheckConfig, logger *slog.Logger) (*Check, error) {
	impl, err := NewImplementation(cc.ModuleName, cc.ClassName)
	if err != nil {
		return nil, err
	}
	return NewWith(cc, impl, logger)
}

// NewWith builds a check around an existing implementation.
func NewWith(cc config.CheckConfig, impl Implementation, logger *slog.Logger) (*Check, error) {
	policy, err := ParsePolicy(cc.Policy)
	if err != nil {
		return nil, err
	}
	if err := impl.Configure(cc.CustomParameters); err != nil {
		return nil, fmt.Errorf("%w: check %s: configure: %w", config.ErrFatalConfiguration, cc.Name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	det := cc.DetectorName
	if det == "" {
		det = model.DefaultDetector
	}
	return &Check{
		Name:     cc.Name,
		Detector: det,
		Policy:   policy,
		Inputs:   slices.Clone(cc.Inputs),
		impl:     impl,
		logger:   logger.With("check", cc.Name),
	}, nil
}

// Result is the outcome of one evaluation.
type Result struct {
	// Aggregate is the check's own quality object.
	Aggregate *model.QualityObject
	// PerObject holds the quality each evaluated object received.
	PerObject map[string]model.Quality
}

// accepted drops objects of a kind the implementation does not accept.
func (c *Check) accepted(mos map[string]*model.MonitorObject) map[string]*model.MonitorObject {
	want := c.impl.AcceptedType()
	if want == "" {
		return mos
	}
	out := make(map[string]*model.MonitorObject, len(mos))
	for name, mo := range mos {
		if mo.Kind() != want {
			c.logger.Warn("check: skipping object of unaccepted type", "object", name, "kind", mo.Kind(), "accepted", want)
			continue
		}
		out[name] = mo
	}
	return out
}

// evaluate runs the implementation on mos and returns per-object qualities.
// Failures and invalid levels become Null with a CheckFailure reason.
func (c *Check) evaluate(mos map[string]*model.MonitorObject) map[string]model.Quality {
	per, err := c.safeCheck(mos)
	if err != nil {
		c.logger.Warn("check: evaluation failed", "error", err)
		failed := model.Null.WithReason(FailurePrefix + " " + strings.TrimPrefix(err.Error(), ErrCheckFailure.Error()+": "))
		per = make(map[string]model.Quality, len(mos))
		for name := range mos {
			per[name] = failed
		}
	}
	return per
}

func (c *Check) safeCheck(mos map[string]*model.MonitorObject) (per map[string]model.Quality, err error) {
	defer func() {
		if r := recover(); r != nil {
			per, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrCheckFailure, c.Name, r)
		}
	}()
	if pc, ok := c.impl.(PerObjectChecker); ok {
		per, err = pc.CheckObjects(mos)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCheckFailure, err)
		}
		for name := range mos {
			q, ok := per[name]
			if !ok {
				return nil, fmt.Errorf("%w: no quality for %s", ErrCheckFailure, name)
			}
			if !q.Level.Valid() {
				return nil, fmt.Errorf("%w: invalid quality level %d for %s", ErrCheckFailure, int(q.Level), name)
			}
		}
		return per, nil
	}
	q, err := c.impl.Check(mos)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckFailure, err)
	}
	if !q.Level.Valid() {
		return nil, fmt.Errorf("%w: invalid quality level %d", ErrCheckFailure, int(q.Level))
	}
	per = make(map[string]model.Quality, len(mos))
	for name := range mos {
		per[name] = q
	}
	return per, nil
}

func (c *Check) beautify(mo *model.MonitorObject, q model.Quality) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("check: beautify panicked", "object", mo.Name(), "panic", fmt.Sprint(r))
		}
	}()
	if err := c.impl.Beautify(mo, q); err != nil {
		c.logger.Warn("check: beautify failed", "object", mo.Name(), "error", err)
	}
}

// newQO builds the quality object of a run over names.
func (c *Check) newQO(q model.Quality, names []string, mos map[string]*model.MonitorObject) *model.QualityObject {
	qo := model.NewQualityObject(c.Name, c.Detector, string(c.Policy), q, names)
	for _, n := range names {
		if mo, ok := mos[n]; ok {
			qo.Activity = mo.Activity
			break
		}
	}
	return qo
}
