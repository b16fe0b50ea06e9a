package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// admits reports which of the test actors a passes.
func admits(a Authorizer) []string {
	var out []string
	for _, actor := range []types.Actor{alice, bob, carol} {
		if Allow(context.Background(), a, actor) {
			out = append(out, actor.Name)
		}
	}
	return out
}

func cascadeWorkflow(t *testing.T, checkpointOpts ...StepOption) *Workflow {
	t.Helper()
	form := &types.InputForm{Fields: []types.FormField{{Name: "ok", Type: types.FieldBool}}}
	return mustWorkflow(New("cascade", types.TargetSystem, Begin(
		constStep("before", nil),
		InputStep("checkpoint", form, checkpointOpts...),
		constStep("after", nil),
		constStep("last", nil),
	),
		WithAuth(RequireRoles("a")),
		WithWorkflowRetryAuth(RequireRoles("b")),
	))
}

func TestAllow(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Allow(ctx, nil, alice))
	assert.False(t, Allow(ctx, nil, types.Actor{}))
	assert.False(t, Allow(ctx, RequireRoles("a"), types.Actor{Roles: []string{"a"}}))
	assert.True(t, Allow(ctx, RequireRoles("x", "a"), alice))
	assert.False(t, Allow(ctx, RequireRoles("b"), alice))
}

func TestAuthorizationCascade(t *testing.T) {
	wf := cascadeWorkflow(t, WithResumeAuth(RequireRoles("c")))

	assert.Equal(t, []string{"alice"}, admits(wf.StartAuthorizer()))

	// Resuming at or after the checkpoint evaluates its resume authorizer.
	assert.Equal(t, []string{"carol"}, admits(wf.ResumeAuthorizer(1)))
	assert.Equal(t, []string{"carol"}, admits(wf.ResumeAuthorizer(3)))
	assert.Equal(t, []string{"alice"}, admits(wf.ResumeAuthorizer(0)))

	// Retrying before the checkpoint evaluates the workflow retry authorizer.
	assert.Equal(t, []string{"bob"}, admits(wf.RetryAuthorizer(0)))
	assert.Equal(t, []string{"bob"}, admits(wf.RetryAuthorizer(1)))

	// After it, the unset retry authorizer falls back to the resume one.
	assert.Equal(t, []string{"carol"}, admits(wf.RetryAuthorizer(2)))
	assert.Equal(t, []string{"carol"}, admits(wf.RetryAuthorizer(3)))
}

func TestAuthorizationCascadeCheckpointRetryAuth(t *testing.T) {
	wf := cascadeWorkflow(t, WithResumeAuth(RequireRoles("c")), WithRetryAuth(RequireRoles("a")))

	assert.Equal(t, []string{"carol"}, admits(wf.ResumeAuthorizer(2)))
	assert.Equal(t, []string{"alice"}, admits(wf.RetryAuthorizer(2)))
	assert.Equal(t, []string{"bob"}, admits(wf.RetryAuthorizer(1)))
}

func TestAuthorizationCascadeDefaults(t *testing.T) {
	wf := mustWorkflow(New("plain", types.TargetSystem, Begin(
		constStep("before", nil),
		InputStep("checkpoint", &types.InputForm{}),
		constStep("after", nil),
	), WithAuth(RequireRoles("a"))))

	// Without a workflow retry authorizer the start authorizer applies.
	assert.Equal(t, []string{"alice"}, admits(wf.RetryAuthorizer(0)))
	assert.Equal(t, []string{"alice"}, admits(wf.RetryAuthorizer(2)))
	assert.Equal(t, []string{"alice"}, admits(wf.ResumeAuthorizer(1)))

	open := mustWorkflow(New("open", types.TargetSystem, Begin(constStep("s", nil))))
	assert.Equal(t, []string{"alice", "bob", "carol"}, admits(open.RetryAuthorizer(0)))
}

func TestAuthorizationCascadeLaterCheckpointOverrides(t *testing.T) {
	form := &types.InputForm{}
	wf := mustWorkflow(New("two_checkpoints", types.TargetSystem, Begin(
		InputStep("first", form, WithResumeAuth(RequireRoles("b"))),
		constStep("middle", nil),
		InputStep("second", form, WithResumeAuth(RequireRoles("c"))),
		constStep("end", nil),
	)))

	assert.Equal(t, []string{"bob"}, admits(wf.ResumeAuthorizer(0)))
	assert.Equal(t, []string{"bob"}, admits(wf.ResumeAuthorizer(1)))
	assert.Equal(t, []string{"carol"}, admits(wf.ResumeAuthorizer(2)))
	assert.Equal(t, []string{"bob"}, admits(wf.RetryAuthorizer(2)))
	assert.Equal(t, []string{"carol"}, admits(wf.RetryAuthorizer(3)))
}

func TestEngineAuthorization(t *testing.T) {
	failOnce := true
	form := &types.InputForm{Fields: []types.FormField{{Name: "ok", Type: types.FieldBool}}}
	wf := mustWorkflow(New("guarded", types.TargetSystem, Begin(
		constStep("before", nil),
		InputStep("checkpoint", form, WithResumeAuth(RequireRoles("c"))),
		NewStep("after", func(context.Context, state.Params) (state.Update, error) {
			if failOnce {
				failOnce = false
				return nil, errors.New("flaky")
			}
			return nil, nil
		}),
	),
		WithAuth(RequireRoles("a")),
		WithWorkflowRetryAuth(RequireRoles("b")),
	))
	e, store := newTestEngine(t, []*Workflow{wf})
	ctx := context.Background()

	_, err := e.Start(ctx, "guarded", nil, bob)
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ActionStart, authErr.Action)
	assert.Equal(t, "bob", authErr.Actor)

	_, err = e.Start(ctx, "guarded", nil, types.Actor{})
	require.ErrorIs(t, err, ErrAuthorizationDenied)

	res, err := e.Start(ctx, "guarded", nil, alice)
	require.NoError(t, err)
	require.Equal(t, types.ProcessSuspendedInput, res.Status)
	before, err := store.GetProcess(ctx, res.ProcessID)
	require.NoError(t, err)

	_, err = e.Resume(ctx, res.ProcessID, map[string]any{"ok": true}, alice)
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	unchanged, err := store.GetProcess(ctx, res.ProcessID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, unchanged.Version)
	assert.Equal(t, types.ProcessSuspendedInput, unchanged.Status)

	res, err = e.Resume(ctx, res.ProcessID, map[string]any{"ok": true}, carol)
	require.ErrorIs(t, err, ErrStepFailed)
	assert.Equal(t, types.ProcessFailed, res.Status)

	_, err = e.Retry(ctx, res.ProcessID, bob)
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ActionRetry, authErr.Action)

	require.ErrorIs(t, e.Abort(ctx, res.ProcessID, bob), ErrAuthorizationDenied)

	res, err = e.Retry(ctx, res.ProcessID, carol)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessCompleted, res.Status)
}

func TestEngineRetryBeforeCheckpointUsesWorkflowRetryAuth(t *testing.T) {
	failOnce := true
	wf := mustWorkflow(New("early_failure", types.TargetSystem, Begin(
		NewStep("before", func(context.Context, state.Params) (state.Update, error) {
			if failOnce {
				failOnce = false
				return nil, errors.New("flaky")
			}
			return nil, nil
		}),
		InputStep("checkpoint", &types.InputForm{}, WithResumeAuth(RequireRoles("c"))),
	),
		WithAuth(RequireRoles("a")),
		WithWorkflowRetryAuth(RequireRoles("b")),
	))
	e, _ := newTestEngine(t, []*Workflow{wf})
	ctx := context.Background()

	res, err := e.Start(ctx, "early_failure", nil, alice)
	require.ErrorIs(t, err, ErrStepFailed)

	_, err = e.Retry(ctx, res.ProcessID, carol)
	require.ErrorIs(t, err, ErrAuthorizationDenied)

	res, err = e.Retry(ctx, res.ProcessID, bob)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessSuspendedInput, res.Status)
}
