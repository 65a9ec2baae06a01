// Package objects implements the Objects Manager: the single owner and index
// of the monitor objects one task publishes.
package objects

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
)

// Registration and lookup errors.
var (
	ErrInvalidRegistration = errors.New("objects: invalid registration")
	ErrDuplicateName       = fmt.Errorf("%w: duplicate name", ErrInvalidRegistration)
	ErrNullPayload         = fmt.Errorf("%w: null payload", ErrInvalidRegistration)
	ErrNotFound            = errors.New("objects: not found")
)

// PublicationPolicy controls how long an object stays registered.
type PublicationPolicy int

const (
	// Forever keeps the object until it is explicitly removed.
	Forever PublicationPolicy = iota
	// Once removes the object after its first publication.
	Once
	// ThroughStop removes the object at the end of the activity.
	ThroughStop
)

// String returns the policy name.
func (p PublicationPolicy) String() string {
	switch p {
	case Once:
		return "Once"
	case ThroughStop:
		return "ThroughStop"
	default:
		return "Forever"
	}
}

type entry struct {
	mo     *model.MonitorObject
	policy PublicationPolicy
}

// Manager owns the published monitor objects of one task. Iteration order
// is registration order and stays stable between mutations.
type Manager struct {
	taskName string
	detector string
	logger   *slog.Logger

	mu       sync.RWMutex
	objects  map[string]*entry
	order    []string
	activity model.Activity
}

// NewManager creates an empty manager for taskName.
func NewManager(taskName, detector string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if detector == "" {
		detector = model.DefaultDetector
	}
	return &Manager{
		taskName: taskName,
		detector: detector,
		logger:   logger.With("task", taskName),
		objects:  make(map[string]*entry),
	}
}

// TaskName returns the owning task name.
func (m *Manager) TaskName() string { return m.taskName }

// PublishOption customises StartPublishing.
type PublishOption func(*publishOptions)

type publishOptions struct {
	name   string
	policy PublicationPolicy
}

// WithName publishes the payload under name instead of the payload's own name.
func WithName(name string) PublishOption {
	return func(o *publishOptions) { o.name = name }
}

// WithPolicy sets the publication policy. The default is Forever.
func WithPolicy(p PublicationPolicy) PublishOption {
	return func(o *publishOptions) { o.policy = p }
}

// StartPublishing registers payload and takes ownership of it. The manager
// state is unchanged when an error is returned.
func (m *Manager) StartPublishing(payload plot.Payload, opts ...PublishOption) (*model.MonitorObject, error) {
	if isNil(payload) {
		return nil, ErrNullPayload
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	name := o.name
	if name == "" {
		name = payload.Name()
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidRegistration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	mo := model.NewMonitorObject(name, m.taskName, m.detector, payload)
	mo.Activity = m.activity
	m.objects[name] = &entry{mo: mo, policy: o.policy}
	m.order = append(m.order, name)
	m.logger.Debug("objects: start publishing", "object", name, "policy", o.policy.String())
	return mo, nil
}

// StopPublishing removes name and destroys its payload.
func (m *Manager) StopPublishing(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(name)
}

func (m *Manager) removeLocked(name string) error {
	e, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e.mo.Destroy()
	delete(m.objects, name)
	if i := slices.Index(m.order, name); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	return nil
}

// IsBeingPublished reports whether name is registered.
func (m *Manager) IsBeingPublished(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[name]
	return ok
}

// Get returns the object registered under name. The reference is invalidated
// by StopPublishing and Clear.
func (m *Manager) Get(name string) (*model.MonitorObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.mo, nil
}

// AddMetadata sets key to value on name, overwriting any existing value.
func (m *Manager) AddMetadata(name, key, value string) error {
	return m.editMetadata(name, func(md map[string]string) { md[key] = value })
}

// AddMetadataIfAbsent sets key only when it is not present yet.
func (m *Manager) AddMetadataIfAbsent(name, key, value string) error {
	return m.editMetadata(name, func(md map[string]string) {
		if _, ok := md[key]; !ok {
			md[key] = value
		}
	})
}

// SetDefaultDrawOptions records the draw options renderers should apply.
func (m *Manager) SetDefaultDrawOptions(name, options string) error {
	return m.AddMetadata(name, model.MetaDrawOptions, options)
}

// SetDisplayHint records display hints such as axis ranges or log scales.
func (m *Manager) SetDisplayHint(name, hints string) error {
	return m.AddMetadata(name, model.MetaDisplayHints, hints)
}

func (m *Manager) editMetadata(name string, fn func(map[string]string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	fn(e.mo.Metadata)
	return nil
}

// SetActivity stamps every current and future object with a.
func (m *Manager) SetActivity(a model.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = a
	for _, e := range m.objects {
		e.mo.Activity = a
	}
}

// Activity returns the activity objects are stamped with.
func (m *Manager) Activity() model.Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activity
}

// All iterates over registered objects in registration order. The sequence
// is restartable; each iteration sees the objects present when it starts.
func (m *Manager) All() iter.Seq2[string, *model.MonitorObject] {
	return func(yield func(string, *model.MonitorObject) bool) {
		for _, mo := range m.snapshot() {
			if !yield(mo.Name(), mo) {
				return
			}
		}
	}
}

// Objects returns the registered objects in registration order.
func (m *Manager) Objects() []*model.MonitorObject { return m.snapshot() }

func (m *Manager) snapshot() []*model.MonitorObject {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.MonitorObject, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.objects[name].mo)
	}
	return out
}

// Names returns the registered names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Len returns the number of registered objects.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// ListNamesString returns the escaped names joined by commas, the body
// format used by announcements.
func (m *Manager) ListNamesString() string {
	names := m.Names()
	escaped := make([]string, len(names))
	for i, n := range names {
		escaped[i] = Escape(n)
	}
	return strings.Join(escaped, ",")
}

// Encoded is one serialized object. Err is set when serialization failed.
type Encoded struct {
	Name string
	Data []byte
	Err  error
}

// SerializeAll encodes every object, one entry per object.
func (m *Manager) SerializeAll() []Encoded {
	objs := m.snapshot()
	out := make([]Encoded, 0, len(objs))
	for _, mo := range objs {
		b, err := model.EncodeMonitorObject(mo)
		out = append(out, Encoded{Name: mo.Name(), Data: b, Err: err})
	}
	return out
}

// AfterPublication drops objects registered with the Once policy.
func (m *Manager) AfterPublication() { m.removePolicy(Once) }

// EndOfActivity drops objects registered with the ThroughStop policy.
func (m *Manager) EndOfActivity() { m.removePolicy(ThroughStop) }

func (m *Manager) removePolicy(p PublicationPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range slices.Clone(m.order) {
		if m.objects[name].policy == p {
			_ = m.removeLocked(name)
		}
	}
}

// Clear destroys every object.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.objects {
		e.mo.Destroy()
	}
	clear(m.objects)
	m.order = nil
}

func isNil(p plot.Payload) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return v.IsNil()
	}
	return false
}
