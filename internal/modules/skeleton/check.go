package skeleton

import (
	"fmt"

	"github.com/ashita-ai/qcflow/internal/check"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
)

func init() {
	check.Register(Module, "SkeletonCheck", func() (check.Implementation, error) { return &Check{}, nil })
}

// Check grades HistogramName: bins 1 to 7 must be filled and the remaining
// bins empty.
type Check struct {
	parameter string
}

// Configure implements check.Implementation.
func (c *Check) Configure(params map[string]string) error {
	c.parameter = "default"
	if v, ok := params["myOwnKey1"]; ok {
		c.parameter = v
	}
	return nil
}

// AcceptedType implements check.Implementation.
func (c *Check) AcceptedType() string { return plot.KindH1 }

// Check implements check.Implementation. Without the histogram the
// quality is Null.
func (c *Check) Check(mos map[string]*model.MonitorObject) (model.Quality, error) {
	mo, ok := mos[HistogramName]
	if !ok {
		return model.Null, nil
	}
	h, ok := mo.Payload.(*plot.H1)
	if !ok {
		return model.Null, fmt.Errorf("skeleton: %s is a %s, not an H1", HistogramName, mo.Kind())
	}
	q := model.Good
	// Index 0 is the underflow bin.
	for i := 0; i < h.Bins; i++ {
		content := h.Contents[i]
		if i > 0 && i < 8 && content == 0 {
			q = model.Bad.WithReason(fmt.Sprintf("It is bad because there is nothing in bin %d", i))
			break
		}
		if (i == 0 || i > 7) && content > 0 {
			q = model.Medium.
				WithReason(fmt.Sprintf("It is medium because bin %d is not empty", i)).
				WithReason("We can assign more than one reason to a quality")
		}
	}
	return q.WithMetadata("mykey", "myvalue"), nil
}

// Beautify implements check.Implementation. It draws a box coloured after
// the quality over the histogram.
func (c *Check) Beautify(mo *model.MonitorObject, q model.Quality) error {
	if mo.Name() != HistogramName || mo.Payload == nil {
		return nil
	}
	var colour string
	switch q.Level {
	case model.LevelGood:
		colour = "green"
	case model.LevelMedium:
		colour = "orange"
	case model.LevelBad:
		colour = "red"
	default:
		return nil
	}
	mo.Payload.AddAnnotation(plot.Annotation{
		Name:  HistogramName + "_msg",
		Type:  plot.AnnotationBox,
		Text:  []string{"Quality: " + q.Level.String()},
		Color: colour,
		X1:    0.6,
		Y1:    0.7,
		X2:    0.9,
		Y2:    0.9,
	})
	return nil
}
