package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfloworchestrator/orchestrator-core-sub000/rules"
	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

func TestDefinitionValidation(t *testing.T) {
	form := &types.InputForm{}
	tests := []struct {
		name  string
		build func() (*Workflow, error)
		msg   string
	}{
		{
			name:  "empty name",
			build: func() (*Workflow, error) { return New("", types.TargetSystem, Begin(constStep("a", nil))) },
			msg:   "empty name",
		},
		{
			name:  "unknown target",
			build: func() (*Workflow, error) { return New("w", types.Target("migrate"), Begin(constStep("a", nil))) },
			msg:   "unknown target",
		},
		{
			name:  "no steps",
			build: func() (*Workflow, error) { return New("w", types.TargetSystem, nil) },
			msg:   "no steps",
		},
		{
			name: "duplicate names",
			build: func() (*Workflow, error) {
				return New("w", types.TargetSystem, Begin(constStep("a", nil), constStep("a", nil)))
			},
			msg: `duplicate step name "a"`,
		},
		{
			name: "duplicate inside group",
			build: func() (*Workflow, error) {
				return New("w", types.TargetSystem, Begin(constStep("a", nil), StepGroup("g", constStep("a", nil))))
			},
			msg: `duplicate step name "a"`,
		},
		{
			name: "step without function",
			build: func() (*Workflow, error) {
				return New("w", types.TargetSystem, Begin(NewStep("a", nil)))
			},
			msg: "has no function",
		},
		{
			name: "inputstep without form",
			build: func() (*Workflow, error) {
				return New("w", types.TargetSystem, Begin(InputStep("ask", nil)))
			},
			msg: "has no form",
		},
		{
			name: "checkpoint in group",
			build: func() (*Workflow, error) {
				return New("w", types.TargetSystem, Begin(StepGroup("g", constStep("a", nil), InputStep("ask", form))))
			},
			msg: "inside a group or conditional",
		},
		{
			name: "checkpoint in conditional",
			build: func() (*Workflow, error) {
				always := func(context.Context, *state.State) (bool, error) { return true, nil }
				return New("w", types.TargetSystem, Begin(Conditional(always, CallbackStep("wait", nil))))
			},
			msg: "inside a group or conditional",
		},
		{
			name: "empty group",
			build: func() (*Workflow, error) {
				return New("w", types.TargetSystem, Begin(StepGroup("g")))
			},
			msg: `group "g" is empty`,
		},
		{
			name: "unknown lifecycle",
			build: func() (*Workflow, error) {
				return Modify("w", Begin(constStep("a", nil)), WithAllowedLifecycles("retired"))
			},
			msg: "unknown lifecycle",
		},
		{
			name: "body reuses builtin name",
			build: func() (*Workflow, error) {
				return Create("w", Begin(constStep("init", nil)))
			},
			msg: `duplicate step name "init"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := tt.build()
			require.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Nil(t, wf)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestDefinitionHelpers(t *testing.T) {
	body := Begin(constStep("work", nil))

	create := mustWorkflow(Create("create_port", body))
	assert.Equal(t, []string{"init", "work", "done"}, create.Steps.Names())
	assert.False(t, create.Bound())
	assert.False(t, create.IsTask())

	modify := mustWorkflow(Modify("modify_port", body))
	assert.Equal(t, []string{"init", "unsync", "work", "resync", "done"}, modify.Steps.Names())
	assert.True(t, modify.Bound())

	validate := mustWorkflow(Validate("validate_port", body, WithRunWhileOutOfSync()))
	assert.Equal(t, []string{"init", "unsync_unchecked", "work", "resync", "done"}, validate.Steps.Names())

	terminate := mustWorkflow(Terminate("terminate_port", body))
	assert.Equal(t, []string{"init", "unsync", "work", "set_status_terminated", "resync", "done"}, terminate.Steps.Names())

	task := mustWorkflow(Task("cleanup", body, WithDescription("nightly cleanup")))
	assert.Equal(t, []string{"init", "work", "done"}, task.Steps.Names())
	assert.True(t, task.IsTask())
	assert.False(t, task.Bound())

	rec := task.Record()
	assert.Equal(t, "cleanup", rec.Name)
	assert.Equal(t, types.TargetSystem, rec.Target)
	assert.Equal(t, "nightly cleanup", rec.Description)
	assert.True(t, rec.IsTask)
}

func TestDefinitionLifecycles(t *testing.T) {
	body := Begin(constStep("work", nil))

	modify := mustWorkflow(Modify("modify_port", body))
	assert.True(t, modify.lifecycleAllowed(subscription.Active))
	assert.False(t, modify.lifecycleAllowed(subscription.Provisioning))

	terminate := mustWorkflow(Terminate("terminate_port", body))
	for _, l := range subscription.Lifecycles {
		assert.True(t, terminate.lifecycleAllowed(l), l)
	}

	custom := mustWorkflow(Modify("modify_port", body, WithAllowedLifecycles(subscription.Provisioning)))
	assert.True(t, custom.lifecycleAllowed(subscription.Provisioning))
	assert.False(t, custom.lifecycleAllowed(subscription.Active))
}

func TestStepListThen(t *testing.T) {
	a, b, c := constStep("a", nil), constStep("b", nil), constStep("c", nil)
	base := Begin(a, b)
	left := base.Then(c)
	right := base.Then(constStep("d", nil))

	assert.Equal(t, []string{"a", "b"}, base.Names())
	assert.Equal(t, []string{"a", "b", "c"}, left.Names())
	assert.Equal(t, []string{"a", "b", "d"}, right.Names())
	assert.Equal(t, 2, left.Index("c"))
	assert.Equal(t, -1, base.Index("c"))
}

func TestStepConstructors(t *testing.T) {
	s := RetryStep("flaky", noop, WithRetryPolicy(RetryPolicy{MaxAttempts: 5}))
	assert.Equal(t, KindRetryStep, s.Kind)
	assert.Equal(t, 5, s.Retry.MaxAttempts)
	assert.Equal(t, DefaultRetryPolicy.BaseDelay, s.Retry.BaseDelay)
	assert.Equal(t, DefaultRetryPolicy.MaxDelay, s.Retry.MaxDelay)

	in := InputStep("ask", &types.InputForm{})
	assert.True(t, in.IsCheckpoint())
	assert.True(t, CallbackStep("wait", nil).IsCheckpoint())
	assert.False(t, s.IsCheckpoint())

	cond := Conditional(func(context.Context, *state.State) (bool, error) { return true, nil }, constStep("maybe", nil))
	assert.Equal(t, "maybe", cond.Name)
	assert.Equal(t, KindConditional, cond.Kind)

	assert.True(t, ParallelGroup("p", constStep("x", nil)).Parallel)
	assert.False(t, StepGroup("g", constStep("x", nil)).Parallel)
}

func TestConditionalExpr(t *testing.T) {
	cond := ConditionalExpr(rules.NewExprEvaluator(), `speed > 100`, constStep("upgrade", nil))

	ok, err := cond.Predicate(context.Background(), state.FromMap(map[string]any{"speed": 1000}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Predicate(context.Background(), state.FromMap(map[string]any{"speed": 10}))
	require.NoError(t, err)
	assert.False(t, ok)
}
