package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"starting to running", Starting, Running, false},
		{"starting to stopped", Starting, Stopped, false},
		{"running to stopping", Running, Stopping, false},
		{"running to crashed", Running, Crashed, false},
		{"stopping to stopped", Stopping, Stopped, false},
		{"crashed to stopped", Crashed, Stopped, false},
		{"crashed to starting", Crashed, Starting, false},
		{"not started to running", NotStarted, Running, true},
		{"stopped to running", Stopped, Running, true},
		{"running to starting", Running, Starting, true},
		{"stopping to running", Stopping, Running, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			sm.ForceTransition(tt.from)

			err := sm.Transition(tt.from, tt.to)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidStateTransition)
				assert.Equal(t, tt.from, sm.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, sm.State())
		})
	}
}

func TestStateMachine_TransitionRequiresCurrentState(t *testing.T) {
	sm := NewStateMachine()
	sm.ForceTransition(Running)

	err := sm.Transition(Starting, Running)

	var stErr *StateTransitionError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, Running, stErr.Current)
}

func TestStateMachine_BeginStart(t *testing.T) {
	for _, from := range []State{NotStarted, Stopped, Crashed} {
		sm := NewStateMachine()
		sm.ForceTransition(from)
		require.NoError(t, sm.BeginStart(), from.String())
		assert.Equal(t, Starting, sm.State())
	}

	for _, from := range []State{Starting, Running, Stopping} {
		sm := NewStateMachine()
		sm.ForceTransition(from)
		assert.ErrorIs(t, sm.BeginStart(), ErrInvalidStateTransition, from.String())
		assert.Equal(t, from, sm.State())
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "unknown(42)", State(42).String())

	text, err := Crashed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "crashed", string(text))
}
