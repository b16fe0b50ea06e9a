package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    types.ProcessStatus
		trigger trigger
		to      types.ProcessStatus
	}{
		{types.ProcessCreated, triggerStart, types.ProcessRunning},
		{types.ProcessCreated, triggerAbort, types.ProcessAborted},
		{types.ProcessRunning, triggerSuspendInput, types.ProcessSuspendedInput},
		{types.ProcessRunning, triggerSuspendCallback, types.ProcessSuspendedCallback},
		{types.ProcessRunning, triggerFail, types.ProcessFailed},
		{types.ProcessRunning, triggerComplete, types.ProcessCompleted},
		{types.ProcessRunning, triggerAbort, types.ProcessAborted},
		{types.ProcessSuspendedInput, triggerResume, types.ProcessRunning},
		{types.ProcessSuspendedCallback, triggerResume, types.ProcessRunning},
		{types.ProcessSuspendedInput, triggerRetry, types.ProcessRunning},
		{types.ProcessSuspendedCallback, triggerAbort, types.ProcessAborted},
		{types.ProcessFailed, triggerRetry, types.ProcessRunning},
		{types.ProcessFailed, triggerAbort, types.ProcessAborted},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			p := &types.Process{ID: 1, Status: tt.from}
			previous, err := transition(p, tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.from, previous)
			assert.Equal(t, tt.to, p.Status)
		})
	}
}

func TestTransitionRejected(t *testing.T) {
	tests := []struct {
		from    types.ProcessStatus
		trigger trigger
	}{
		{types.ProcessCreated, triggerComplete},
		{types.ProcessRunning, triggerStart},
		{types.ProcessFailed, triggerComplete},
		{types.ProcessCompleted, triggerRetry},
		{types.ProcessCompleted, triggerAbort},
		{types.ProcessAborted, triggerRetry},
		{types.ProcessAborted, triggerAbort},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			p := &types.Process{ID: 1, Status: tt.from}
			_, err := transition(p, tt.trigger)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, p.Status)
		})
	}

	p := &types.Process{ID: 7, Status: types.ProcessFailed}
	_, err := transition(p, triggerResume)
	require.ErrorIs(t, err, ErrNotSuspended)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "process 7 is failed")
}
