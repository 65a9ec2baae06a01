// Package model defines the value types shared by the QC engines:
// qualities, activities, monitor objects and quality objects.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/ashita-ai/qcflow/internal/plot"
)

// Well-known metadata keys.
const (
	MetaQuality       = "Quality"
	MetaQualityReason = "QualityReason"
	MetaCheck         = "Check"
	MetaDrawOptions   = "drawOptions"
	MetaDisplayHints  = "displayHints"
)

// DefaultDetector is the detector name used when none is configured.
const DefaultDetector = "MISC"

// MonitorObject is the unit of publication: an exclusively owned payload,
// its metadata and the quality assigned by checks.
type MonitorObject struct {
	name         string
	TaskName     string
	DetectorName string
	Payload      plot.Payload
	Metadata     map[string]string
	Quality      Quality
	Activity     Activity
	// ValidFrom is the repository version timestamp in milliseconds. Zero
	// for objects that were never stored.
	ValidFrom int64

	destroyed bool
}

// NewMonitorObject wraps payload under name. The object takes ownership of
// the payload.
func NewMonitorObject(name, taskName, detector string, payload plot.Payload) *MonitorObject {
	if detector == "" {
		detector = DefaultDetector
	}
	return &MonitorObject{
		name:         name,
		TaskName:     taskName,
		DetectorName: detector,
		Payload:      payload,
		Metadata:     make(map[string]string),
	}
}

// Name returns the immutable object name.
func (mo *MonitorObject) Name() string { return mo.name }

// Kind returns the payload kind, or "" when the payload is gone.
func (mo *MonitorObject) Kind() string {
	if mo.Payload == nil {
		return ""
	}
	return mo.Payload.Kind()
}

// Path returns the repository folder of this object: qc/<DET>/MO/<task>.
func (mo *MonitorObject) Path() string {
	return MOPath(mo.DetectorName, mo.TaskName)
}

// Destroy releases the payload. It is safe to call more than once; the
// payload is released exactly one time.
func (mo *MonitorObject) Destroy() {
	if mo.destroyed {
		return
	}
	mo.destroyed = true
	if r, ok := mo.Payload.(plot.Releaser); ok {
		r.Release()
	}
	mo.Payload = nil
}

// Destroyed reports whether Destroy has been called.
func (mo *MonitorObject) Destroyed() bool { return mo.destroyed }

// Snapshot returns a deep copy whose payload is cloned, suitable for
// handing to readers that must not observe later mutations.
func (mo *MonitorObject) Snapshot() *MonitorObject {
	c := *mo
	if mo.Payload != nil {
		c.Payload = mo.Payload.Clone()
	}
	c.Metadata = maps.Clone(mo.Metadata)
	c.Quality = mo.Quality.Clone()
	c.destroyed = false
	return &c
}

// SetQuality records q on the object and mirrors it into metadata so that
// consumers reading only metadata see it.
func (mo *MonitorObject) SetQuality(checkName string, q Quality) {
	mo.Quality = q.Clone()
	mo.Metadata[MetaQuality] = q.Level.String()
	mo.Metadata[MetaCheck] = checkName
	if len(q.Reasons) > 0 {
		mo.Metadata[MetaQualityReason] = strings.Join(q.Reasons, "; ")
	} else {
		delete(mo.Metadata, MetaQualityReason)
	}
}

// MOPath returns qc/<detector>/MO/<task>.
func MOPath(detector, task string) string {
	if detector == "" {
		detector = DefaultDetector
	}
	return "qc/" + detector + "/MO/" + task
}

// QOPath returns qc/<detector>/QO/<check>, with an optional per-object suffix.
func QOPath(detector, check, moName string) string {
	if detector == "" {
		detector = DefaultDetector
	}
	p := "qc/" + detector + "/QO/" + check
	if moName != "" {
		p += "/" + moName
	}
	return p
}

type moWire struct {
	Name      string            `json:"name"`
	Task      string            `json:"task"`
	Detector  string            `json:"detector"`
	Activity  Activity          `json:"activity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Quality   Quality           `json:"quality"`
	ValidFrom int64             `json:"valid_from,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

// EncodeMonitorObject serializes mo, including its payload, for transport
// and storage.
func EncodeMonitorObject(mo *MonitorObject) ([]byte, error) {
	w, err := mo.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// WriteMonitorObject writes the encoding of mo to dst. Publishers use it to
// serialize into pooled buffers.
func WriteMonitorObject(dst io.Writer, mo *MonitorObject) error {
	w, err := mo.wire()
	if err != nil {
		return err
	}
	return json.NewEncoder(dst).Encode(w)
}

func (mo *MonitorObject) wire() (moWire, error) {
	if mo.Payload == nil {
		return moWire{}, fmt.Errorf("model: encode %s: payload destroyed", mo.name)
	}
	payload, err := plot.Marshal(mo.Payload)
	if err != nil {
		return moWire{}, err
	}
	return moWire{
		Name:      mo.name,
		Task:      mo.TaskName,
		Detector:  mo.DetectorName,
		Activity:  mo.Activity,
		Metadata:  mo.Metadata,
		Quality:   mo.Quality,
		ValidFrom: mo.ValidFrom,
		Payload:   payload,
	}, nil
}

// DecodeMonitorObject rebuilds an object produced by EncodeMonitorObject.
func DecodeMonitorObject(b []byte) (*MonitorObject, error) {
	var w moWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("model: decode monitor object: %w", err)
	}
	if w.Name == "" {
		return nil, errors.New("model: decode monitor object: empty name")
	}
	payload, err := plot.Unmarshal(w.Payload)
	if err != nil {
		return nil, err
	}
	mo := NewMonitorObject(w.Name, w.Task, w.Detector, payload)
	mo.Activity = w.Activity
	mo.Quality = w.Quality
	mo.ValidFrom = w.ValidFrom
	if w.Metadata != nil {
		mo.Metadata = w.Metadata
	}
	return mo, nil
}
