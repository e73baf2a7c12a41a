package scheduler

import "github.com/dennisdiepolder/monti/comms/internal/types"

// SelectionStrategy picks one worker among the candidates eligible for task
type SelectionStrategy interface {
	SelectWorker(task *types.Task, candidates []*types.Worker) *types.Worker
}

// LeastLoaded offers the task to its preferred worker when that worker is
// eligible. Otherwise it picks the worker with the fewest active tasks and
// breaks ties by the longest idle time.
type LeastLoaded struct{}

// SelectWorker implements SelectionStrategy
func (LeastLoaded) SelectWorker(task *types.Task, candidates []*types.Worker) *types.Worker {
	if len(candidates) == 0 {
		return nil
	}
	if task != nil && task.PreferredWorkerID != "" {
		for _, w := range candidates {
			if w.ID == task.PreferredWorkerID {
				return w
			}
		}
	}

	best := candidates[0]
	for _, w := range candidates[1:] {
		switch {
		case w.ActiveTaskCount < best.ActiveTaskCount:
			best = w
		case w.ActiveTaskCount == best.ActiveTaskCount && w.IdleSince.Before(best.IdleSince):
			best = w
		case w.ActiveTaskCount == best.ActiveTaskCount && w.IdleSince.Equal(best.IdleSince) && w.ID < best.ID:
			best = w
		}
	}
	return best
}

// eligible reports whether a worker may be offered the task
func eligible(w *types.Worker, task *types.Task) bool {
	if w.Status != types.WorkerAvailable || w.ActiveTaskCount >= w.MaxConcurrentTasks {
		return false
	}
	for _, id := range task.RejectedBy {
		if id == w.ID {
			return false
		}
	}
	return w.HasSkills(task.RequiredSkills)
}
