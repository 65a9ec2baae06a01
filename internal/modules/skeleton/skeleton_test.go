package skeleton

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/check"
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/plot"
	"github.com/ashita-ai/qcflow/internal/sampling"
	"github.com/ashita-ai/qcflow/internal/task"
	"github.com/ashita-ai/qcflow/internal/testutil"
	"github.com/ashita-ai/qcflow/internal/trending"
)

func TestTaskFillsSliceSizes(t *testing.T) {
	m, err := task.NewModule(Module, "SkeletonTask")
	require.NoError(t, err)
	om := objects.NewManager("skel", "TST", testutil.TestLogger())
	m.SetName("skel")
	m.SetObjectsManager(om)
	require.NoError(t, m.Initialize(&task.Context{Name: "skel", Objects: om, Logger: testutil.TestLogger()}))
	assert.ElementsMatch(t, []string{HistogramName, SecondaryName}, om.Names())

	mo, err := om.Get(HistogramName)
	require.NoError(t, err)
	assert.Equal(t, "34", mo.Metadata["custom"])

	require.NoError(t, m.StartOfActivity(model.Activity{ID: 1}))
	for _, n := range []int{10, 2000, 2000} {
		require.NoError(t, m.Monitor(sampling.NewSlice(make([]byte, n), "test", nil)))
	}
	assert.Equal(t, 3.0, mo.Payload.Entries())
	require.NoError(t, m.Reset())
	assert.Equal(t, 0.0, mo.Payload.Entries())
}

func histogram(bins ...int) *model.MonitorObject {
	h := plot.NewH1(HistogramName, HistogramName, 20, 0, 20)
	for _, b := range bins {
		h.Fill(float64(b) - 0.5)
	}
	return model.NewMonitorObject(HistogramName, "skel", "TST", h)
}

func TestCheck(t *testing.T) {
	impl, err := check.NewImplementation(Module, "SkeletonCheck")
	require.NoError(t, err)
	require.NoError(t, impl.Configure(nil))
	assert.Equal(t, plot.KindH1, impl.AcceptedType())

	tests := []struct {
		name string
		mo   *model.MonitorObject
		want model.Level
	}{
		{"bins 1 to 7 filled", histogram(1, 2, 3, 4, 5, 6, 7), model.LevelGood},
		{"hole in bin 3", histogram(1, 2, 4, 5, 6, 7), model.LevelBad},
		{"tail filled", histogram(1, 2, 3, 4, 5, 6, 7, 12), model.LevelMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := impl.Check(map[string]*model.MonitorObject{HistogramName: tt.mo})
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Level)
			assert.Equal(t, "myvalue", q.Metadata["mykey"])
			if tt.want != model.LevelGood {
				assert.NotEmpty(t, q.Reasons)
			}
		})
	}

	q, err := impl.Check(map[string]*model.MonitorObject{})
	require.NoError(t, err)
	assert.Equal(t, model.LevelNull, q.Level)
}

func TestBeautify(t *testing.T) {
	c := &Check{}
	mo := histogram(1)
	require.NoError(t, c.Beautify(mo, model.Bad))
	require.NoError(t, c.Beautify(mo, model.Good))
	notes := mo.Payload.Annotations()
	require.Len(t, notes, 1)
	assert.Equal(t, HistogramName+"_msg", notes[0].Name)
	assert.Equal(t, "green", notes[0].Color)

	other := model.NewMonitorObject("other", "skel", "TST", plot.NewH1("other", "other", 1, 0, 1))
	require.NoError(t, c.Beautify(other, model.Bad))
	assert.Empty(t, other.Payload.Annotations())
}

func TestReductor(t *testing.T) {
	r, err := trending.NewReductor(Module, "SkeletonReductor")
	require.NoError(t, err)

	mo := histogram(1, 2)
	mo.SetQuality("SkeletonCheck", model.Medium)
	recs, err := r.Update(trending.Input{Object: mo}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2.0, recs[0]["entries"])
	assert.Equal(t, float64(model.LevelMedium), recs[0]["level"])

	_, err = r.Update(trending.Input{}, nil)
	assert.ErrorIs(t, err, trending.ErrUnsupportedInput)
}
