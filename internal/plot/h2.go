package plot

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
)

// H2 is a two-dimensional histogram. Contents is row-major over
// (NX+2)*(NY+2) cells, with under/overflow on both axes.
type H2 struct {
	Header
	NX       int       `json:"nx"`
	XMin     float64   `json:"xmin"`
	XMax     float64   `json:"xmax"`
	NY       int       `json:"ny"`
	YMin     float64   `json:"ymin"`
	YMax     float64   `json:"ymax"`
	Contents []float64 `json:"contents"`
	Count    float64   `json:"entries"`
	SumW     float64   `json:"sumw"`
	SumWX    float64   `json:"sumwx"`
	SumWY    float64   `json:"sumwy"`
}

// NewH2 creates an empty two-dimensional histogram.
func NewH2(name, title string, nx int, xmin, xmax float64, ny int, ymin, ymax float64) *H2 {
	nx, ny = max(nx, 1), max(ny, 1)
	if xmax <= xmin {
		xmax = xmin + 1
	}
	if ymax <= ymin {
		ymax = ymin + 1
	}
	return &H2{
		Header:   Header{ObjectName: name, ObjectTitle: title},
		NX:       nx,
		XMin:     xmin,
		XMax:     xmax,
		NY:       ny,
		YMin:     ymin,
		YMax:     ymax,
		Contents: make([]float64, (nx+2)*(ny+2)),
	}
}

// Kind implements Payload.
func (h *H2) Kind() string { return KindH2 }

// Entries implements Payload.
func (h *H2) Entries() float64 { return h.Count }

// Fill adds (x, y) with unit weight.
func (h *H2) Fill(x, y float64) { h.FillW(x, y, 1) }

// FillW adds (x, y) with weight w.
func (h *H2) FillW(x, y, w float64) {
	ix := axisBin(x, h.XMin, h.XMax, h.NX)
	iy := axisBin(y, h.YMin, h.YMax, h.NY)
	h.Contents[h.cell(ix, iy)] += w
	h.Count++
	if !finite(x) || !finite(y) {
		return
	}
	h.SumW += w
	h.SumWX += w * x
	h.SumWY += w * y
}

// BinContent returns the content of cell (ix, iy), both 1-based for in-range bins.
func (h *H2) BinContent(ix, iy int) float64 { return h.Contents[h.cell(ix, iy)] }

// XCenter returns the centre of x bin i (1-based).
func (h *H2) XCenter(i int) float64 {
	return h.XMin + (float64(i)-0.5)*(h.XMax-h.XMin)/float64(h.NX)
}

// YCenter returns the centre of y bin j (1-based).
func (h *H2) YCenter(j int) float64 {
	return h.YMin + (float64(j)-0.5)*(h.YMax-h.YMin)/float64(h.NY)
}

// MeanX returns the weighted mean along x.
func (h *H2) MeanX() float64 {
	if h.SumW == 0 {
		return 0
	}
	return h.SumWX / h.SumW
}

// MeanY returns the weighted mean along y.
func (h *H2) MeanY() float64 {
	if h.SumW == 0 {
		return 0
	}
	return h.SumWY / h.SumW
}

// Reset clears contents and statistics.
func (h *H2) Reset() {
	clear(h.Contents)
	h.Count, h.SumW, h.SumWX, h.SumWY = 0, 0, 0, 0
}

// Serialize implements Payload.
func (h *H2) Serialize() ([]byte, error) { return json.Marshal(h) }

// Clone implements Payload.
func (h *H2) Clone() Payload {
	c := *h
	c.Header = h.Header.clone()
	c.Contents = slices.Clone(h.Contents)
	return &c
}

// Accept implements Payload.
func (h *H2) Accept(v Visitor) error { return v.VisitH2(h) }

// UnmarshalJSON restores the histogram and validates the cell layout.
func (h *H2) UnmarshalJSON(b []byte) error {
	type raw H2
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.NX < 1 || r.NY < 1 || len(r.Contents) != (r.NX+2)*(r.NY+2) {
		return errors.New("plot: H2 contents do not match bin count")
	}
	*h = H2(r)
	return nil
}

func (h *H2) cell(ix, iy int) int { return iy*(h.NX+2) + ix }

// axisBin maps v to a cell on one axis: 0 is the underflow and n+1 the
// overflow, which also takes NaN.
func axisBin(v, lo, hi float64, n int) int {
	switch {
	case math.IsNaN(v) || v >= hi:
		return n + 1
	case v < lo:
		return 0
	}
	bin := (v-lo)/((hi-lo)/float64(n)) + 1
	if math.IsNaN(bin) || bin < 1 {
		return 1
	}
	return int(min(bin, float64(n)))
}

// finite reports whether v takes part in the moments of a histogram.
func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
