package check

import (
	"fmt"
	"slices"

	"github.com/ashita-ai/qcflow/internal/config"
)

// Policy decides when a check is ready to run.
type Policy string

const (
	// OnAny runs when any input was updated since the last run.
	OnAny Policy = "OnAny"
	// OnAll runs when every input was updated since the last run.
	OnAll Policy = "OnAll"
	// OnAnyNonZero waits until every input has been seen once, then behaves
	// like OnAny.
	OnAnyNonZero Policy = "OnAnyNonZero"
	// OnEachSeparately is ready like OnAny but evaluates each updated input
	// on its own, producing one quality object per input.
	OnEachSeparately Policy = "OnEachSeparately"
	// OnGlobalAny runs on any update of any object, inputs are ignored.
	OnGlobalAny Policy = "OnGlobalAny"
)

// AllInputs is the input list value selecting every received object.
const AllInputs = "all"

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	switch p {
	case OnAny, OnAll, OnAnyNonZero, OnEachSeparately, OnGlobalAny:
		return p, nil
	case "":
		return OnAny, nil
	default:
		return "", fmt.Errorf("%w: unknown check policy %q", config.ErrFatalConfiguration, s)
	}
}

type actor struct {
	policy   Policy
	inputs   []string
	all      bool
	revision uint64
}

// PolicyManager tracks revisions of objects and actors. Every processing
// pass stamps the objects it received with the current global revision;
// an actor is ready when its inputs carry a revision newer than its own.
type PolicyManager struct {
	global  uint64
	actors  map[string]*actor
	objects map[string]uint64
}

// NewPolicyManager returns a manager at global revision 1.
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{global: 1, actors: make(map[string]*actor), objects: make(map[string]uint64)}
}

// AddPolicy registers actor with its inputs. An input list of exactly
// ["all"], or the OnGlobalAny policy, subscribes to every object.
func (pm *PolicyManager) AddPolicy(name string, p Policy, inputs []string) {
	all := p == OnGlobalAny || (len(inputs) == 1 && inputs[0] == AllInputs)
	pm.actors[name] = &actor{policy: p, inputs: slices.Clone(inputs), all: all}
}

// UpdateObjectRevision marks object as received in the current pass.
func (pm *PolicyManager) UpdateObjectRevision(object string) {
	pm.objects[object] = pm.global
}

// RemoveObject forgets object. Actors subscribed to every object stop
// seeing it and explicit inputs count as never received.
func (pm *PolicyManager) RemoveObject(object string) {
	delete(pm.objects, object)
}

// UpdateActorRevision marks actor as having run in the current pass.
func (pm *PolicyManager) UpdateActorRevision(name string) {
	if a, ok := pm.actors[name]; ok {
		a.revision = pm.global
	}
}

// UpdateGlobalRevision closes the current pass.
func (pm *PolicyManager) UpdateGlobalRevision() { pm.global++ }

// Revision returns the current global revision.
func (pm *PolicyManager) Revision() uint64 { return pm.global }

// ObjectRevision returns the revision at which object was last received,
// 0 if never.
func (pm *PolicyManager) ObjectRevision(object string) uint64 { return pm.objects[object] }

// Updated returns the inputs of actor received since its last run.
func (pm *PolicyManager) Updated(name string) []string {
	a, ok := pm.actors[name]
	if !ok {
		return nil
	}
	var out []string
	for _, in := range pm.inputsOf(a) {
		if pm.objects[in] > a.revision {
			out = append(out, in)
		}
	}
	return out
}

// IsReady reports whether actor must run in the current pass.
func (pm *PolicyManager) IsReady(name string) bool {
	a, ok := pm.actors[name]
	if !ok {
		return false
	}
	inputs := pm.inputsOf(a)
	switch a.policy {
	case OnAll:
		if len(inputs) == 0 {
			return false
		}
		for _, in := range inputs {
			if pm.objects[in] <= a.revision {
				return false
			}
		}
		return true
	case OnAnyNonZero:
		for _, in := range inputs {
			if pm.objects[in] == 0 {
				return false
			}
		}
		return pm.anyNewer(inputs, a.revision)
	default:
		return pm.anyNewer(inputs, a.revision)
	}
}

func (pm *PolicyManager) anyNewer(inputs []string, rev uint64) bool {
	for _, in := range inputs {
		if pm.objects[in] > rev {
			return true
		}
	}
	return false
}

func (pm *PolicyManager) inputsOf(a *actor) []string {
	if !a.all {
		return a.inputs
	}
	names := make([]string, 0, len(pm.objects))
	for n := range pm.objects {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
