package scheduler

import (
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// armLocked replaces the task's timer. A timer that fires after being
// replaced sees a stale token and does nothing.
func (s *Scheduler) armLocked(taskID string, d time.Duration, fire func(taskID string, token uint64)) {
	if s.stopped {
		return
	}
	s.cancelTimerLocked(taskID)
	s.nextToken++
	token := s.nextToken
	s.tokens[taskID] = token
	s.timers[taskID] = time.AfterFunc(d, func() { fire(taskID, token) })
}

func (s *Scheduler) cancelTimerLocked(taskID string) {
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
	delete(s.tokens, taskID)
}

func (s *Scheduler) currentLocked(taskID string, token uint64) (*types.Task, bool) {
	if s.tokens[taskID] != token {
		return nil, false
	}
	delete(s.tokens, taskID)
	delete(s.timers, taskID)
	t, ok := s.tasks[taskID]
	return t, ok
}

// expireReservation returns a reservation the worker never answered
func (s *Scheduler) expireReservation(taskID string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.currentLocked(taskID, token)
	if !ok || t.State != types.TaskReserved {
		return
	}

	s.logger.Info().
		Str("task_id", t.ID).
		Str("worker_id", t.ReservedWorkerID).
		Msg("reservation expired")

	s.requeueLocked(t)
	metrics.Get().RecordReservation("expired")
	s.dispatchLocked()
}

// expireWait times out a task that waited too long for any worker
func (s *Scheduler) expireWait(taskID string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.currentLocked(taskID, token)
	if !ok || t.State != types.TaskPending {
		return
	}

	s.logger.Warn().
		Str("task_id", t.ID).
		Str("queue", string(t.Queue)).
		Msg("task timed out waiting for a worker")

	s.finishLocked(t, types.TaskTimedOut)
}
