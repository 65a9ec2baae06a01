package check

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/config"
)

// pass simulates one processing pass receiving objs and reports whether
// actor was ready; a ready actor is marked as run.
func pass(pm *PolicyManager, actor string, objs ...string) bool {
	for _, o := range objs {
		pm.UpdateObjectRevision(o)
	}
	ready := pm.IsReady(actor)
	if ready {
		pm.UpdateActorRevision(actor)
	}
	pm.UpdateGlobalRevision()
	return ready
}

func TestOnAny(t *testing.T) {
	pm := NewPolicyManager()
	pm.AddPolicy("C", OnAny, []string{"a", "b"})
	assert.False(t, pass(pm, "C"))
	assert.True(t, pass(pm, "C", "a"))
	assert.False(t, pass(pm, "C", "x"))
	assert.True(t, pass(pm, "C", "b"))
}

func TestOnAll(t *testing.T) {
	pm := NewPolicyManager()
	pm.AddPolicy("C", OnAll, []string{"a", "b"})
	assert.False(t, pass(pm, "C", "a"))
	assert.True(t, pass(pm, "C", "b"))
	// Both must be refreshed after a run.
	assert.False(t, pass(pm, "C", "a"))
	assert.False(t, pass(pm, "C", "a"))
	assert.True(t, pass(pm, "C", "a", "b"))
}

func TestOnAnyNonZero(t *testing.T) {
	pm := NewPolicyManager()
	pm.AddPolicy("C", OnAnyNonZero, []string{"a", "b"})
	assert.False(t, pass(pm, "C", "a"))
	assert.True(t, pass(pm, "C", "b"))
	assert.True(t, pass(pm, "C", "a"))
	assert.False(t, pass(pm, "C"))
}

func TestOnGlobalAnyAndAllInputs(t *testing.T) {
	pm := NewPolicyManager()
	pm.AddPolicy("G", OnGlobalAny, nil)
	pm.AddPolicy("A", OnAny, []string{AllInputs})
	assert.False(t, pass(pm, "G"))
	assert.True(t, pass(pm, "G", "anything"))

	pm.UpdateObjectRevision("other")
	assert.True(t, pm.IsReady("A"))
	assert.True(t, pm.IsReady("G"))
}

func TestUpdatedInputs(t *testing.T) {
	pm := NewPolicyManager()
	pm.AddPolicy("E", OnEachSeparately, []string{"a", "b", "c"})
	pm.UpdateObjectRevision("a")
	pm.UpdateObjectRevision("c")
	assert.Equal(t, []string{"a", "c"}, pm.Updated("E"))
	assert.True(t, pm.IsReady("E"))
	assert.False(t, pm.IsReady("unknown"))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, OnAny, p)
	p, err = ParsePolicy("OnEachSeparately")
	require.NoError(t, err)
	assert.Equal(t, OnEachSeparately, p)
	_, err = ParsePolicy("OnTuesday")
	assert.ErrorIs(t, err, config.ErrFatalConfiguration)
}
