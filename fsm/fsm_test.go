package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	legal := map[[2]State]bool{}
	for to, froms := range allowed {
		for _, from := range froms {
			legal[[2]State{from, to}] = true
		}
	}

	for _, from := range All() {
		for _, to := range All() {
			m := &Machine{state: from}
			prev, err := m.Transition(to)
			assert.Equal(t, from, prev)
			if legal[[2]State{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, m.Current())
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, ErrIllegalTransition))
			var ite *IllegalTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, from, ite.From)
			assert.Equal(t, to, ite.To)
			assert.Equal(t, from, m.Current(), "state must not change on illegal transition")
		}
	}
}

func TestNamedTransitions(t *testing.T) {
	assert.True(t, Allowed(Calibration, Data))
	assert.True(t, Allowed(Stabilization, Stabilization))
	assert.True(t, Allowed(Data, Idle))
	assert.False(t, Allowed(Idle, Idle))
	assert.False(t, Allowed(Stabilization, Data))
	assert.False(t, Allowed(Data, Calibration))
	for _, s := range All() {
		assert.False(t, Allowed(s, Init), "INIT is never a target")
	}
}

func TestNames(t *testing.T) {
	for _, s := range All() {
		p, err := Parse(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, p)
	}
	_, err := Parse("BOGUS")
	assert.Error(t, err)
	assert.Equal(t, "State(42)", State(42).String())
}
