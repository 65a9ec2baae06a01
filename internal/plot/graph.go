package plot

import (
	"encoding/json"
	"slices"
)

// Point is one graph point with optional symmetric errors.
type Point struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	EX float64 `json:"ex,omitempty"`
	EY float64 `json:"ey,omitempty"`
}

// Graph is an ordered list of points, used for trend plots.
type Graph struct {
	Header
	Points     []Point     `json:"points"`
	TimeAxis   bool        `json:"time_axis,omitempty"`
	YRange     *[2]float64 `json:"y_range,omitempty"`
	DrawOption string      `json:"draw_option,omitempty"`
}

// NewGraph creates an empty graph.
func NewGraph(name, title string) *Graph {
	return &Graph{Header: Header{ObjectName: name, ObjectTitle: title}}
}

// Kind implements Payload.
func (g *Graph) Kind() string { return KindGraph }

// Entries implements Payload.
func (g *Graph) Entries() float64 { return float64(len(g.Points)) }

// Add appends a point.
func (g *Graph) Add(p Point) { g.Points = append(g.Points, p) }

// Serialize implements Payload.
func (g *Graph) Serialize() ([]byte, error) { return json.Marshal(g) }

// Clone implements Payload.
func (g *Graph) Clone() Payload {
	c := *g
	c.Header = g.Header.clone()
	c.Points = slices.Clone(g.Points)
	if g.YRange != nil {
		r := *g.YRange
		c.YRange = &r
	}
	return &c
}

// Accept implements Payload.
func (g *Graph) Accept(v Visitor) error { return v.VisitGraph(g) }
