package plot

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
)

// H1 is a one-dimensional histogram with fixed-width bins. Contents has
// Bins+2 cells: index 0 is the underflow and index Bins+1 the overflow.
type H1 struct {
	Header
	Bins     int       `json:"bins"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Contents []float64 `json:"contents"`
	Count    float64   `json:"entries"`
	SumW     float64   `json:"sumw"`
	SumWX    float64   `json:"sumwx"`
	SumWX2   float64   `json:"sumwx2"`
}

// NewH1 creates an empty histogram. Bins is clamped to at least one and an
// empty range is widened to [min, min+1).
func NewH1(name, title string, bins int, xmin, xmax float64) *H1 {
	if bins < 1 {
		bins = 1
	}
	if xmax <= xmin {
		xmax = xmin + 1
	}
	return &H1{
		Header:   Header{ObjectName: name, ObjectTitle: title},
		Bins:     bins,
		Min:      xmin,
		Max:      xmax,
		Contents: make([]float64, bins+2),
	}
}

// Kind implements Payload.
func (h *H1) Kind() string { return KindH1 }

// Entries implements Payload.
func (h *H1) Entries() float64 { return h.Count }

// Fill adds x with unit weight.
func (h *H1) Fill(x float64) { h.FillW(x, 1) }

// FillW adds x with weight w.
func (h *H1) FillW(x, w float64) {
	h.Contents[h.FindBin(x)] += w
	h.Count++
	if !finite(x) {
		return
	}
	h.SumW += w
	h.SumWX += w * x
	h.SumWX2 += w * x * x
}

// FindBin returns the cell index for x, including under- and overflow cells.
func (h *H1) FindBin(x float64) int { return axisBin(x, h.Min, h.Max, h.Bins) }

// BinWidth returns the width of one bin.
func (h *H1) BinWidth() float64 { return (h.Max - h.Min) / float64(h.Bins) }

// BinCenter returns the centre of bin i (1-based).
func (h *H1) BinCenter(i int) float64 {
	return h.Min + (float64(i)-0.5)*h.BinWidth()
}

// Mean returns the weighted mean of filled values.
func (h *H1) Mean() float64 {
	if h.SumW == 0 {
		return 0
	}
	return h.SumWX / h.SumW
}

// StdDev returns the weighted standard deviation of filled values.
func (h *H1) StdDev() float64 {
	if h.SumW == 0 {
		return 0
	}
	mean := h.Mean()
	v := h.SumWX2/h.SumW - mean*mean
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Integral returns the sum of in-range bin contents.
func (h *H1) Integral() float64 {
	var s float64
	for i := 1; i <= h.Bins; i++ {
		s += h.Contents[i]
	}
	return s
}

// Reset clears contents and statistics but keeps binning and annotations.
func (h *H1) Reset() {
	clear(h.Contents)
	h.Count, h.SumW, h.SumWX, h.SumWX2 = 0, 0, 0, 0
}

// Serialize implements Payload.
func (h *H1) Serialize() ([]byte, error) { return json.Marshal(h) }

// Clone implements Payload.
func (h *H1) Clone() Payload {
	c := *h
	c.Header = h.Header.clone()
	c.Contents = slices.Clone(h.Contents)
	return &c
}

// Accept implements Payload.
func (h *H1) Accept(v Visitor) error { return v.VisitH1(h) }

// UnmarshalJSON restores the histogram and validates the cell layout.
func (h *H1) UnmarshalJSON(b []byte) error {
	type raw H1
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.Bins < 1 || len(r.Contents) != r.Bins+2 {
		return errors.New("plot: H1 contents do not match bin count")
	}
	*h = H1(r)
	return nil
}
