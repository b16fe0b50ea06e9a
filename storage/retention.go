package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// Retention selects the processes Prune removes.
type Retention struct {
	// MaxAge keeps processes updated within the last MaxAge.
	MaxAge time.Duration `yaml:"max_age"`
	// Statuses restricts pruning; it defaults to the terminal statuses.
	// Non-terminal statuses are ignored.
	Statuses []types.ProcessStatus `yaml:"statuses"`
}

// Prune deletes terminal processes, with their step records, that were last
// updated more than r.MaxAge before now. It returns the number removed.
func Prune(ctx context.Context, store Storage, r Retention, now time.Time) (int, error) {
	statuses := make([]types.ProcessStatus, 0, 2)
	for _, st := range r.Statuses {
		if st.Terminal() {
			statuses = append(statuses, st)
		}
	}
	if len(r.Statuses) == 0 {
		statuses = append(statuses, types.ProcessCompleted, types.ProcessAborted)
	}
	if len(statuses) == 0 {
		return 0, nil
	}

	procs, err := store.ListProcesses(ctx, ProcessFilter{
		Statuses:      statuses,
		UpdatedBefore: now.Add(-r.MaxAge),
	})
	if err != nil {
		return 0, fmt.Errorf("list prunable processes: %w", err)
	}

	removed := 0
	for _, p := range procs {
		if err := store.DeleteProcess(ctx, p.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete process %d: %w", p.ID, err)
		}
		removed++
	}
	return removed, nil
}
