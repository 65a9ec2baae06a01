// Package plot provides the histogram and graph primitives that monitor
// objects carry as payloads. The rest of the framework treats them as opaque:
// it only relies on the Payload contract and the kind-tagged wire format.
package plot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Payload kinds understood by the built-in codec.
const (
	KindH1    = "H1"
	KindH2    = "H2"
	KindGraph = "Graph"
)

// ErrUnknownKind is returned when decoding a payload whose kind has no registered decoder.
var ErrUnknownKind = errors.New("plot: unknown payload kind")

// Payload is the capability set every plot-like object exposes.
type Payload interface {
	Name() string
	Title() string
	Kind() string
	Entries() float64
	Annotations() []Annotation
	AddAnnotation(a Annotation)
	Serialize() ([]byte, error)
	Clone() Payload
	Accept(v Visitor) error
}

// Releaser is implemented by payloads that hold resources which must be
// freed when their owning monitor object is destroyed.
type Releaser interface {
	Release()
}

// Visitor dispatches on the concrete payload kind without type assertions.
type Visitor interface {
	VisitH1(h *H1) error
	VisitH2(h *H2) error
	VisitGraph(g *Graph) error
	VisitOther(p Payload) error
}

// Decoder rebuilds a payload from the bytes produced by its Serialize method.
type Decoder func(data []byte) (Payload, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{
		KindH1:    func(b []byte) (Payload, error) { return decodeInto(&H1{}, b) },
		KindH2:    func(b []byte) (Payload, error) { return decodeInto(&H2{}, b) },
		KindGraph: func(b []byte) (Payload, error) { return decodeInto(&Graph{}, b) },
	}
)

// RegisterDecoder makes a payload kind decodable by Unmarshal.
// Registering the same kind twice replaces the previous decoder.
func RegisterDecoder(kind string, d Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[kind] = d
}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Marshal serializes p into the kind-tagged wire format.
func Marshal(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("plot: marshal nil payload")
	}
	data, err := p.Serialize()
	if err != nil {
		return nil, fmt.Errorf("plot: serialize %s: %w", p.Name(), err)
	}
	return json.Marshal(envelope{Kind: p.Kind(), Data: data})
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(b []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("plot: decode envelope: %w", err)
	}
	decodersMu.RLock()
	d, ok := decoders[env.Kind]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	p, err := d(env.Data)
	if err != nil {
		return nil, fmt.Errorf("plot: decode %s: %w", env.Kind, err)
	}
	return p, nil
}

func decodeInto[T Payload](dst T, b []byte) (Payload, error) {
	if err := json.Unmarshal(b, dst); err != nil {
		return nil, err
	}
	return dst, nil
}
