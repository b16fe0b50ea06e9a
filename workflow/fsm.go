package workflow

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

type trigger string

const (
	triggerStart           trigger = "start"
	triggerResume          trigger = "resume"
	triggerRetry           trigger = "retry"
	triggerSuspendInput    trigger = "suspend_input"
	triggerSuspendCallback trigger = "suspend_callback"
	triggerFail            trigger = "fail"
	triggerComplete        trigger = "complete"
	triggerAbort           trigger = "abort"
)

// newProcessFSM returns the status machine positioned at status.
//
//	created   -> running | aborted
//	running   -> suspended_input | suspended_callback | failed | completed | aborted
//	suspended -> running (resume, retry) | aborted
//	failed    -> running (retry) | aborted
func newProcessFSM(status types.ProcessStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(types.ProcessCreated).
		Permit(triggerStart, types.ProcessRunning).
		Permit(triggerAbort, types.ProcessAborted)

	sm.Configure(types.ProcessRunning).
		Permit(triggerSuspendInput, types.ProcessSuspendedInput).
		Permit(triggerSuspendCallback, types.ProcessSuspendedCallback).
		Permit(triggerFail, types.ProcessFailed).
		Permit(triggerComplete, types.ProcessCompleted).
		Permit(triggerAbort, types.ProcessAborted)

	for _, suspended := range []types.ProcessStatus{types.ProcessSuspendedInput, types.ProcessSuspendedCallback} {
		sm.Configure(suspended).
			Permit(triggerResume, types.ProcessRunning).
			Permit(triggerRetry, types.ProcessRunning).
			Permit(triggerAbort, types.ProcessAborted)
	}

	sm.Configure(types.ProcessFailed).
		Permit(triggerRetry, types.ProcessRunning).
		Permit(triggerAbort, types.ProcessAborted)

	sm.Configure(types.ProcessCompleted)
	sm.Configure(types.ProcessAborted)

	return sm
}

// transition moves p along t and returns the previous status.
func transition(p *types.Process, t trigger) (types.ProcessStatus, error) {
	previous := p.Status
	sm := newProcessFSM(previous)
	if err := sm.Fire(t); err != nil {
		if t == triggerResume {
			return previous, fmt.Errorf("%w: process %d is %s", ErrNotSuspended, p.ID, previous)
		}
		return previous, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, previous)
	}
	p.Status = sm.MustState().(types.ProcessStatus)
	return previous, nil
}
