package scheduler

import (
	"sort"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// TaskQueue is a per-queue FIFO of pending tasks plus the tasks it has
// handed to workers
type TaskQueue struct {
	Name      types.QueueName
	Pending   []*types.Task          // FIFO by creation time
	Active    map[string]*types.Task // taskID -> reserved or assigned task
	Completed int
	TimedOut  int
	Canceled  int
	SL        *Acceptance
}

// NewTaskQueue creates a new per-queue structure
func NewTaskQueue(config QueueConfig) *TaskQueue {
	return &TaskQueue{
		Name:    config.Name,
		Pending: make([]*types.Task, 0),
		Active:  make(map[string]*types.Task),
		SL:      NewAcceptance(config.SLTarget, time.Duration(config.SLSeconds)*time.Second),
	}
}

// Push adds a task to the pending list keeping creation order, so a task
// returned after a rejection keeps its place in line
func (q *TaskQueue) Push(task *types.Task) {
	idx := sort.Search(len(q.Pending), func(i int) bool {
		return q.Pending[i].CreatedAt.After(task.CreatedAt)
	})
	q.Pending = append(q.Pending, nil)
	copy(q.Pending[idx+1:], q.Pending[idx:])
	q.Pending[idx] = task
}

// Remove takes a task out of the pending list
func (q *TaskQueue) Remove(taskID string) bool {
	for i, t := range q.Pending {
		if t.ID == taskID {
			q.Pending = append(q.Pending[:i], q.Pending[i+1:]...)
			return true
		}
	}
	return false
}

// LongestWaitSecs returns the wait time of the oldest pending task
func (q *TaskQueue) LongestWaitSecs(now time.Time) float64 {
	if len(q.Pending) == 0 {
		return 0
	}
	return now.Sub(q.Pending[0].CreatedAt).Seconds()
}

// Snapshot returns a QueueSnapshot of the current queue state
func (q *TaskQueue) Snapshot(availableWorkers int, now time.Time) types.QueueSnapshot {
	snap := types.QueueSnapshot{
		Queue:            q.Name,
		PendingCount:     len(q.Pending),
		CompletedCount:   q.Completed,
		TimedOutCount:    q.TimedOut,
		LongestWaitSecs:  q.LongestWaitSecs(now),
		AvailableWorkers: availableWorkers,
		ServiceLevel:     q.SL.Snapshot(),
	}
	for _, t := range q.Active {
		switch t.State {
		case types.TaskReserved:
			snap.ReservedCount++
		case types.TaskAssigned:
			snap.AssignedCount++
		}
	}
	return snap
}
