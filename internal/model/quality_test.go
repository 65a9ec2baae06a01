package model

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelOrdering(t *testing.T) {
	assert.True(t, Bad.IsWorseThan(Medium))
	assert.True(t, Medium.IsWorseThan(Good))
	assert.True(t, Good.IsWorseThan(Null))
	assert.False(t, Null.IsWorseThan(Null))
}

func TestWorstIsMaximumLevel(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		n := rng.IntN(6)
		qs := make([]Quality, n)
		want := LevelNull
		for i := range qs {
			qs[i] = Quality{Level: Level(rng.IntN(4))}
			want = max(want, qs[i].Level)
		}
		assert.Equal(t, want, Worst(qs...).Level)
	}
}

func TestWorstKeepsReasonsOfWorstOnly(t *testing.T) {
	q := Worst(
		Good.WithReason("fine"),
		Bad.WithReason("too many entries"),
		Bad.WithReason("empty bins"),
	)
	assert.Equal(t, LevelBad, q.Level)
	assert.Equal(t, []string{"too many entries", "empty bins"}, q.Reasons)
}

func TestWithReasonDoesNotAlias(t *testing.T) {
	base := Medium.WithReason("a")
	b := base.WithReason("b")
	assert.Equal(t, []string{"a"}, base.Reasons)
	assert.Equal(t, []string{"a", "b"}, b.Reasons)
}

func TestLevelJSON(t *testing.T) {
	b, err := json.Marshal(Medium)
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"Medium"}`, string(b))

	var q Quality
	require.NoError(t, json.Unmarshal([]byte(`{"level":"bad"}`), &q))
	assert.Equal(t, LevelBad, q.Level)

	assert.Error(t, json.Unmarshal([]byte(`{"level":"awful"}`), &q))
}

func TestLevelValid(t *testing.T) {
	assert.True(t, LevelBad.Valid())
	assert.False(t, Level(7).Valid())
	assert.Equal(t, "Level(7)", Level(7).String())
}
