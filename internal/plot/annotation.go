package plot

import "slices"

// Annotation kinds.
const (
	AnnotationText = "text"
	AnnotationBox  = "box"
	AnnotationLine = "line"
)

// Annotation is an overlay drawn on top of a payload: a text box, a coloured
// region or a threshold line. Coordinates are in NDC for text and boxes and
// in axis units for lines.
type Annotation struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Text  []string `json:"text,omitempty"`
	Color string   `json:"color,omitempty"`
	X1    float64  `json:"x1"`
	Y1    float64  `json:"y1"`
	X2    float64  `json:"x2"`
	Y2    float64  `json:"y2"`
}

// Header holds the identity and decorations shared by every payload kind.
type Header struct {
	ObjectName  string       `json:"name"`
	ObjectTitle string       `json:"title,omitempty"`
	XTitle      string       `json:"x_title,omitempty"`
	YTitle      string       `json:"y_title,omitempty"`
	Notes       []Annotation `json:"annotations,omitempty"`
}

// Name returns the object name.
func (h *Header) Name() string { return h.ObjectName }

// Title returns the object title.
func (h *Header) Title() string { return h.ObjectTitle }

// Annotations returns a copy of the attached overlays.
func (h *Header) Annotations() []Annotation { return slices.Clone(h.Notes) }

// AddAnnotation attaches a. An existing annotation with the same name is replaced
// so that repeated beautification does not pile up overlays.
func (h *Header) AddAnnotation(a Annotation) {
	for i := range h.Notes {
		if h.Notes[i].Name == a.Name {
			h.Notes[i] = a
			return
		}
	}
	h.Notes = append(h.Notes, a)
}

func (h Header) clone() Header {
	h.Notes = slices.Clone(h.Notes)
	return h
}
