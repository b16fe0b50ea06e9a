package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Helper function to create a sample process
func newProcess(id uint64, workflow string, status types.ProcessStatus) *types.Process {
	return &types.Process{
		ID:           id,
		WorkflowName: workflow,
		Target:       types.TargetModify,
		Status:       status,
		State:        state.FromMap(map[string]any{"port": "xe-0/0/1"}),
		InitialState: state.FromMap(map[string]any{"port": "xe-0/0/1"}),
		CreatedBy:    "alice",
		StartedAt:    testTime,
		UpdatedAt:    testTime,
	}
}

func newRecord(step string, status types.StepStatus) *types.StepRecord {
	return &types.StepRecord{
		StepName:   step,
		Status:     status,
		State:      state.FromMap(map[string]any{"step": step}),
		CreatedBy:  "alice",
		ExecutedAt: testTime,
		Duration:   25 * time.Millisecond,
	}
}

// runStoreSuite exercises the Store contract against a fresh backend per
// subtest.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store := open(t)
		wf := types.WorkflowRecord{Name: "modify_port", Target: types.TargetModify, Description: "Modify port", CreatedAt: testTime}
		require.NoError(t, store.SaveWorkflow(ctx, wf))
		require.NoError(t, store.SaveWorkflow(ctx, types.WorkflowRecord{Name: "create_port", Target: types.TargetCreate, CreatedAt: testTime}))

		got, err := store.GetWorkflow(ctx, "modify_port")
		require.NoError(t, err)
		assert.Equal(t, wf.Name, got.Name)
		assert.Equal(t, wf.Target, got.Target)
		assert.Equal(t, wf.Description, got.Description)
		assert.True(t, wf.CreatedAt.Equal(got.CreatedAt))

		_, err = store.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		assert.ErrorIs(t, err, ErrNotFound)

		wf.Description = "Modify a port"
		require.NoError(t, store.SaveWorkflow(ctx, wf))
		list, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "create_port", list[0].Name)
		assert.Equal(t, "Modify a port", list[1].Description)
	})

	t.Run("CreateAndGetProcess", func(t *testing.T) {
		store := open(t)
		subID := uuid.New()
		p := newProcess(1, "modify_port", types.ProcessRunning)
		p.SubscriptionID = &subID
		require.NoError(t, store.CreateProcess(ctx, p))
		assert.Equal(t, int64(1), p.Version)

		got, err := store.GetProcess(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, p.WorkflowName, got.WorkflowName)
		assert.Equal(t, p.Status, got.Status)
		assert.Equal(t, int64(1), got.Version)
		require.NotNil(t, got.SubscriptionID)
		assert.Equal(t, subID, *got.SubscriptionID)
		assert.Equal(t, []string{"port"}, got.State.Keys())
		assert.True(t, p.StartedAt.Equal(got.StartedAt))

		err = store.CreateProcess(ctx, newProcess(1, "other", types.ProcessCreated))
		assert.ErrorIs(t, err, ErrExists)

		_, err = store.GetProcess(ctx, 999)
		assert.ErrorIs(t, err, ErrProcessNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateProcessOptimisticLock", func(t *testing.T) {
		store := open(t)
		p := newProcess(1, "modify_port", types.ProcessRunning)
		require.NoError(t, store.CreateProcess(ctx, p))

		stale := p.Clone()
		p.Status = types.ProcessCompleted
		require.NoError(t, store.UpdateProcess(ctx, p))
		assert.Equal(t, int64(2), p.Version)

		stale.Status = types.ProcessAborted
		assert.ErrorIs(t, store.UpdateProcess(ctx, stale), ErrConflict)

		got, err := store.GetProcess(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.ProcessCompleted, got.Status)
		assert.Equal(t, int64(2), got.Version)

		assert.ErrorIs(t, store.UpdateProcess(ctx, newProcess(42, "x", types.ProcessRunning)), ErrProcessNotFound)
	})

	t.Run("CommitStepAppendsInOrder", func(t *testing.T) {
		store := open(t)
		p := newProcess(1, "modify_port", types.ProcessRunning)
		require.NoError(t, store.CreateProcess(ctx, p))

		for i, name := range []string{"init", "update_port", "done"} {
			rec := newRecord(name, types.StepCompleted)
			p.Cursor = i + 1
			require.NoError(t, store.CommitStep(ctx, p, rec))
			assert.Equal(t, i+1, rec.Seq)
			assert.Equal(t, uint64(1), rec.ProcessID)
		}
		assert.Equal(t, int64(4), p.Version)

		steps, err := store.ListSteps(ctx, 1)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		for i, rec := range steps {
			assert.Equal(t, i+1, rec.Seq)
		}
		assert.Equal(t, "update_port", steps[1].StepName)
		assert.Equal(t, types.StepCompleted, steps[1].Status)
		assert.Equal(t, 25*time.Millisecond, steps[1].Duration)
		v, ok := steps[1].State.Get("step")
		assert.True(t, ok)
		assert.Equal(t, "update_port", v)

		got, err := store.GetProcess(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Cursor)
	})

	t.Run("CommitStepIsAtomic", func(t *testing.T) {
		store := open(t)
		p := newProcess(1, "modify_port", types.ProcessRunning)
		require.NoError(t, store.CreateProcess(ctx, p))
		stale := p.Clone()

		require.NoError(t, store.CommitStep(ctx, p, newRecord("init", types.StepCompleted)))
		stale.Cursor = 7
		err := store.CommitStep(ctx, stale, newRecord("rogue", types.StepCompleted))
		assert.ErrorIs(t, err, ErrConflict)

		steps, err := store.ListSteps(ctx, 1)
		require.NoError(t, err)
		require.Len(t, steps, 1, "a rejected commit must not append its record")
		assert.Equal(t, "init", steps[0].StepName)

		got, err := store.GetProcess(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Cursor)
	})

	t.Run("ConcurrentCommitsSingleWinner", func(t *testing.T) {
		store := open(t)
		p := newProcess(1, "modify_port", types.ProcessRunning)
		require.NoError(t, store.CreateProcess(ctx, p))

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mine := p.Clone()
				if err := store.CommitStep(ctx, mine, newRecord(fmt.Sprintf("step_%d", i), types.StepCompleted)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, ErrConflict)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		steps, err := store.ListSteps(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, steps, 1)
	})

	t.Run("ListProcessesFilters", func(t *testing.T) {
		store := open(t)
		subA, subB := uuid.New(), uuid.New()

		p1 := newProcess(1, "modify_port", types.ProcessRunning)
		p1.SubscriptionID = &subA
		p2 := newProcess(2, "modify_port", types.ProcessCompleted)
		p2.SubscriptionID = &subB
		p3 := newProcess(3, "task_clean", types.ProcessSuspendedCallback)
		p3.UpdatedAt = testTime.Add(-2 * time.Hour)
		for _, p := range []*types.Process{p3, p1, p2} {
			require.NoError(t, store.CreateProcess(ctx, p))
		}

		ids := func(f ProcessFilter) []uint64 {
			procs, err := store.ListProcesses(ctx, f)
			require.NoError(t, err)
			var out []uint64
			for _, p := range procs {
				out = append(out, p.ID)
			}
			return out
		}

		assert.Equal(t, []uint64{1, 2, 3}, ids(ProcessFilter{}))
		assert.Equal(t, []uint64{1, 2}, ids(ProcessFilter{WorkflowName: "modify_port"}))
		assert.Equal(t, []uint64{1}, ids(ProcessFilter{SubscriptionID: &subA}))
		assert.Equal(t, []uint64{2, 3}, ids(ProcessFilter{Statuses: []types.ProcessStatus{types.ProcessCompleted, types.ProcessSuspendedCallback}}))
		assert.Equal(t, []uint64{3}, ids(ProcessFilter{UpdatedBefore: testTime.Add(-time.Hour)}))
		assert.Empty(t, ids(ProcessFilter{WorkflowName: "task_clean", Statuses: []types.ProcessStatus{types.ProcessRunning}}))
	})

	t.Run("DeleteProcess", func(t *testing.T) {
		store := open(t)
		p := newProcess(1, "modify_port", types.ProcessCompleted)
		require.NoError(t, store.CreateProcess(ctx, p))
		require.NoError(t, store.CommitStep(ctx, p, newRecord("init", types.StepCompleted)))

		require.NoError(t, store.DeleteProcess(ctx, 1))
		_, err := store.GetProcess(ctx, 1)
		assert.ErrorIs(t, err, ErrProcessNotFound)
		steps, err := store.ListSteps(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, steps)

		assert.ErrorIs(t, store.DeleteProcess(ctx, 1), ErrNotFound)
	})

	t.Run("Subscriptions", func(t *testing.T) {
		store := open(t)
		port := subscription.New("port", "acme", "port")
		port.Values["speed"] = "10G"
		vpn := subscription.New("l2vpn", "acme", "vpn")
		vpn.DependsOn = []uuid.UUID{port.ID}
		require.NoError(t, store.SaveSubscription(ctx, port))
		require.NoError(t, store.SaveSubscription(ctx, vpn))

		got, err := store.GetSubscription(ctx, port.ID)
		require.NoError(t, err)
		assert.Equal(t, "port", got.ProductType)
		assert.Equal(t, "10G", got.Values["speed"])
		assert.True(t, got.Insync)

		deps, err := store.DependentsOf(ctx, port.ID)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, vpn.ID, deps[0].ID)

		vpn.DependsOn = nil
		require.NoError(t, store.SaveSubscription(ctx, vpn))
		deps, err = store.DependentsOf(ctx, port.ID)
		require.NoError(t, err)
		assert.Empty(t, deps)

		_, err = store.GetSubscription(ctx, uuid.New())
		assert.ErrorIs(t, err, subscription.ErrNotFound)
	})

	t.Run("SetInsync", func(t *testing.T) {
		store := open(t)
		port := subscription.New("port", "acme", "port")
		port.Values["speed"] = "10G"
		require.NoError(t, store.SaveSubscription(ctx, port))

		const takers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range takers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.SetInsync(ctx, port.ID, true, false)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, subscription.ErrInsyncConflict)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		got, err := store.GetSubscription(ctx, port.ID)
		require.NoError(t, err)
		assert.False(t, got.Insync)
		assert.Equal(t, "10G", got.Values["speed"])

		assert.ErrorIs(t, store.SetInsync(ctx, port.ID, true, false), subscription.ErrInsyncConflict)
		require.NoError(t, store.SetInsync(ctx, port.ID, false, true))
		got, err = store.GetSubscription(ctx, port.ID)
		require.NoError(t, err)
		assert.True(t, got.Insync)

		assert.ErrorIs(t, store.SetInsync(ctx, uuid.New(), true, false), subscription.ErrNotFound)
	})

	t.Run("Prune", func(t *testing.T) {
		store := open(t)
		old := newProcess(1, "modify_port", types.ProcessCompleted)
		old.UpdatedAt = testTime.Add(-48 * time.Hour)
		oldFailed := newProcess(2, "modify_port", types.ProcessFailed)
		oldFailed.UpdatedAt = testTime.Add(-48 * time.Hour)
		recent := newProcess(3, "modify_port", types.ProcessAborted)
		for _, p := range []*types.Process{old, oldFailed, recent} {
			require.NoError(t, store.CreateProcess(ctx, p))
		}
		require.NoError(t, store.CommitStep(ctx, old, newRecord("init", types.StepCompleted)))

		n, err := Prune(ctx, store, Retention{MaxAge: 24 * time.Hour}, testTime)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.GetProcess(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetProcess(ctx, 2)
		assert.NoError(t, err, "failed processes can still be retried and are never pruned")
		_, err = store.GetProcess(ctx, 3)
		assert.NoError(t, err)
	})
}
