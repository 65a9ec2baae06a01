package plot

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestH1Statistics(t *testing.T) {
	h := NewH1("h", "test", 10, 0, 10)
	for _, x := range []float64{1, 2, 3, -1, 12} {
		h.Fill(x)
	}

	assert.Equal(t, 5.0, h.Entries())
	assert.Equal(t, 1.0, h.Contents[0], "underflow")
	assert.Equal(t, 1.0, h.Contents[h.Bins+1], "overflow")
	assert.Equal(t, 3.0, h.Integral())
	assert.InDelta(t, 17.0/5, h.Mean(), 1e-9)
	assert.Equal(t, 10, h.FindBin(9.999))
	assert.Equal(t, 11, h.FindBin(10))
}

func TestFillOutsideFiniteRange(t *testing.T) {
	h := NewH1("h", "", 4, 0, 4)
	require.NotPanics(t, func() {
		h.Fill(math.NaN())
		h.Fill(math.Inf(1))
		h.Fill(math.Inf(-1))
		h.Fill(1.5)
	})
	assert.Equal(t, 4.0, h.Entries())
	assert.Equal(t, 2.0, h.Contents[h.Bins+1], "NaN and +Inf overflow")
	assert.Equal(t, 1.0, h.Contents[0])
	assert.Equal(t, 1.0, h.Contents[2])
	assert.False(t, math.IsNaN(h.Mean()))

	open := NewH1("open", "", 4, math.Inf(-1), math.Inf(1))
	require.NotPanics(t, func() { open.Fill(3) })
	assert.Equal(t, 1.0, open.Contents[1])

	h2 := NewH2("h2", "", 2, 0, 2, 2, 0, 2)
	require.NotPanics(t, func() { h2.Fill(math.NaN(), 1) })
	assert.Equal(t, 1.0, h2.BinContent(3, 2))
}

func TestMarshalKeepsKindAndAnnotations(t *testing.T) {
	h := NewH1("h", "test", 4, 0, 4)
	h.Fill(1.5)
	h.AddAnnotation(Annotation{Name: "msg", Type: AnnotationText, Text: []string{"ok"}})

	b, err := Marshal(h)
	require.NoError(t, err)

	p, err := Unmarshal(b)
	require.NoError(t, err)
	got, ok := p.(*H1)
	require.True(t, ok)
	assert.Equal(t, "h", got.Name())
	assert.Equal(t, 1.0, got.Entries())
	require.Len(t, got.Annotations(), 1)
	assert.Equal(t, "msg", got.Annotations()[0].Name)
}

func TestUnmarshalUnknownKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"kind":"Nope","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestAddAnnotationReplacesByName(t *testing.T) {
	g := NewGraph("g", "")
	g.AddAnnotation(Annotation{Name: "a", Color: "red"})
	g.AddAnnotation(Annotation{Name: "a", Color: "green"})

	require.Len(t, g.Annotations(), 1)
	assert.Equal(t, "green", g.Annotations()[0].Color)
}

func TestCloneIsIndependent(t *testing.T) {
	h := NewH2("h2", "", 2, 0, 2, 2, 0, 2)
	h.Fill(0.5, 0.5)
	c := h.Clone().(*H2)
	c.Fill(1.5, 1.5)

	assert.Equal(t, 1.0, h.Entries())
	assert.Equal(t, 2.0, c.Entries())
	assert.Equal(t, 1.0, c.BinContent(2, 2))
	assert.Equal(t, 0.0, h.BinContent(2, 2))
}

type kindCounter struct{ h1, h2, graph, other int }

func (k *kindCounter) VisitH1(*H1) error       { k.h1++; return nil }
func (k *kindCounter) VisitH2(*H2) error       { k.h2++; return nil }
func (k *kindCounter) VisitGraph(*Graph) error { k.graph++; return nil }
func (k *kindCounter) VisitOther(Payload) error {
	k.other++
	return nil
}

func TestVisitorDispatch(t *testing.T) {
	var k kindCounter
	for _, p := range []Payload{NewH1("a", "", 1, 0, 1), NewH2("b", "", 1, 0, 1, 1, 0, 1), NewGraph("c", "")} {
		require.NoError(t, p.Accept(&k))
	}
	assert.Equal(t, kindCounter{h1: 1, h2: 1, graph: 1}, k)
}
