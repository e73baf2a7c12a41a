// Package scheduler offers tasks to workers.
//
// All task and worker state lives behind one mutex, so a worker's load is
// checked and incremented in the same critical section that reserves a
// task. Dispatch runs whenever work or capacity appears: on enqueue, on
// release of a reservation and on every worker status change.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrNotReserved      = errors.New("task is not reserved for this worker")
	ErrNotAssigned      = errors.New("task is not assigned to this worker")
	ErrCapacity         = errors.New("max concurrent tasks below active task count")
	ErrInvalidWorker    = errors.New("invalid worker")
	ErrInvalidTaskState = errors.New("invalid task state")
)

// TaskStore is the subset of storage.Store needed by the scheduler
type TaskStore interface {
	SaveTask(ctx context.Context, task *types.Task) error
	SaveWorker(ctx context.Context, worker *types.Worker) error
}

// Notifier receives task and worker changes. It is called with the
// scheduler lock held and must not block or call back into the scheduler.
type Notifier interface {
	TaskChanged(task types.Task)
	WorkerChanged(worker types.Worker)
}

// Options configure a Scheduler
type Options struct {
	Queues             map[types.QueueName]QueueConfig
	ReservationTimeout time.Duration
	MaxQueueWait       time.Duration // zero disables queue timeouts
	Strategy           SelectionStrategy
	Store              TaskStore
	Notifier           Notifier
}

// Scheduler matches pending tasks to eligible workers
type Scheduler struct {
	mu            sync.Mutex
	queues        map[types.QueueName]*TaskQueue
	tasks         map[string]*types.Task // open tasks by id
	byInteraction map[string]string      // interaction id -> open task id
	workers       map[string]*types.Worker
	timers        map[string]*time.Timer
	tokens        map[string]uint64
	nextToken     uint64

	strategy           SelectionStrategy
	store              TaskStore
	notifier           Notifier
	reservationTimeout time.Duration
	maxQueueWait       time.Duration

	// latest unsaved state per task and worker id, drained by Start
	dirtyTasks   map[string]types.Task
	dirtyWorkers map[string]types.Worker
	wake         chan struct{}

	stopped bool
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a scheduler
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Strategy == nil {
		opts.Strategy = LeastLoaded{}
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = 30 * time.Second
	}

	s := &Scheduler{
		queues:             make(map[types.QueueName]*TaskQueue, len(opts.Queues)),
		tasks:              make(map[string]*types.Task),
		byInteraction:      make(map[string]string),
		workers:            make(map[string]*types.Worker),
		timers:             make(map[string]*time.Timer),
		tokens:             make(map[string]uint64),
		strategy:           opts.Strategy,
		store:              opts.Store,
		notifier:           opts.Notifier,
		reservationTimeout: opts.ReservationTimeout,
		maxQueueWait:       opts.MaxQueueWait,
		logger:             logger.With().Str("component", "scheduler").Logger(),
		now:                time.Now,
	}
	for name, cfg := range opts.Queues {
		s.queues[name] = NewTaskQueue(cfg)
	}
	if s.store != nil {
		s.dirtyTasks = make(map[string]types.Task)
		s.dirtyWorkers = make(map[string]types.Worker)
		s.wake = make(chan struct{}, 1)
	}
	return s
}

// saveTimeout bounds one store write so a stalled store only delays
// persistence
const saveTimeout = 5 * time.Second

// Start writes task and worker changes to the store. Changes made while a
// write is in flight collapse to the latest state of each task and worker,
// so a slow store never holds up scheduling. It blocks until ctx is
// cancelled and then writes what is still pending.
func (s *Scheduler) Start(ctx context.Context) {
	if s.store == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return
		case <-s.wake:
			s.flush(ctx)
		}
	}
}

func (s *Scheduler) flush(ctx context.Context) {
	s.mu.Lock()
	tasks, workers := s.dirtyTasks, s.dirtyWorkers
	s.dirtyTasks = make(map[string]types.Task)
	s.dirtyWorkers = make(map[string]types.Worker)
	s.mu.Unlock()

	for id, task := range tasks {
		if err := s.saveTask(ctx, &task); err != nil {
			s.logger.Error().Err(err).Str("task_id", id).Msg("failed to save task")
			s.retryTask(task)
		}
	}
	for id, worker := range workers {
		if err := s.saveWorker(ctx, &worker); err != nil {
			s.logger.Error().Err(err).Str("worker_id", id).Msg("failed to save worker")
			s.retryWorker(worker)
		}
	}
}

func (s *Scheduler) saveTask(ctx context.Context, task *types.Task) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	return s.store.SaveTask(ctx, task)
}

func (s *Scheduler) saveWorker(ctx context.Context, worker *types.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	return s.store.SaveWorker(ctx, worker)
}

// retryTask puts a failed write back unless a newer state is waiting.
// It is picked up with the next change.
func (s *Scheduler) retryTask(task types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, newer := s.dirtyTasks[task.ID]; !newer {
		s.dirtyTasks[task.ID] = task
	}
}

func (s *Scheduler) retryWorker(worker types.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, newer := s.dirtyWorkers[worker.ID]; !newer {
		s.dirtyWorkers[worker.ID] = worker
	}
}

func (s *Scheduler) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop cancels all pending timers
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Restore loads workers and open tasks from a previous run. Workers come
// back offline with no load; reserved tasks return to pending and
// assigned tasks keep counting against their worker.
func (s *Scheduler) Restore(workers []types.Worker, tasks []types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i := range workers {
		w := workers[i]
		w.ActiveTaskCount = 0
		w.Status = types.WorkerOffline
		w.IdleSince = now
		s.workers[w.ID] = &w
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	for i := range tasks {
		t := tasks[i]
		if t.State.IsTerminal() {
			continue
		}
		q := s.queueLocked(t.Queue)
		switch t.State {
		case types.TaskAssigned:
			w, ok := s.workers[t.ReservedWorkerID]
			if !ok {
				continue
			}
			w.ActiveTaskCount++
			q.Active[t.ID] = &t
		default:
			t.State = types.TaskPending
			t.ReservedWorkerID = ""
			t.ReservationDeadline = nil
			q.Push(&t)
			s.armWaitLocked(&t)
		}
		s.tasks[t.ID] = &t
		s.byInteraction[t.InteractionID] = t.ID
	}

	s.logger.Info().
		Int("workers", len(workers)).
		Int("open_tasks", len(s.tasks)).
		Msg("scheduler state restored")
}

// Enqueue adds a task for an interaction. When the interaction already has
// an open task that task is returned unchanged.
func (s *Scheduler) Enqueue(task types.Task) types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byInteraction[task.InteractionID]; ok {
		return *s.tasks[existing]
	}

	now := s.now()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.State = types.TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now

	t := &task
	q := s.queueLocked(t.Queue)
	q.Push(t)
	s.tasks[t.ID] = t
	s.byInteraction[t.InteractionID] = t.ID
	s.armWaitLocked(t)

	s.logger.Debug().
		Str("task_id", t.ID).
		Str("interaction_id", t.InteractionID).
		Str("queue", string(t.Queue)).
		Int("queue_depth", len(q.Pending)).
		Msg("task enqueued")

	s.taskChangedLocked(t)
	s.dispatchLocked()
	return *t
}

// Accept moves a reservation to assigned
func (s *Scheduler) Accept(taskID, workerID string) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	if t.State != types.TaskReserved || t.ReservedWorkerID != workerID {
		return types.Task{}, ErrNotReserved
	}

	now := s.now()
	s.cancelTimerLocked(t.ID)
	t.State = types.TaskAssigned
	t.AssignedAt = &now
	t.ReservationDeadline = nil
	t.UpdatedAt = now
	s.queueLocked(t.Queue).SL.Observe(now.Sub(t.CreatedAt))
	metrics.Get().RecordReservation("accepted")

	s.logger.Debug().
		Str("task_id", t.ID).
		Str("worker_id", workerID).
		Float64("wait_time", now.Sub(t.CreatedAt).Seconds()).
		Msg("task accepted")

	s.taskChangedLocked(t)
	return *t, nil
}

// Reject returns a reservation to the queue. The rejecting worker is not
// offered the task again.
func (s *Scheduler) Reject(taskID, workerID string) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	if t.State != types.TaskReserved || t.ReservedWorkerID != workerID {
		return types.Task{}, ErrNotReserved
	}

	t.RejectedBy = append(t.RejectedBy, workerID)
	s.requeueLocked(t)
	metrics.Get().RecordReservation("rejected")

	s.logger.Debug().Str("task_id", t.ID).Str("worker_id", workerID).Msg("task rejected")

	s.dispatchLocked()
	return *t, nil
}

// Complete finishes an assigned task. An empty workerID completes the task
// regardless of who holds it.
func (s *Scheduler) Complete(taskID, workerID string) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	if t.State != types.TaskAssigned || (workerID != "" && t.ReservedWorkerID != workerID) {
		return types.Task{}, ErrNotAssigned
	}

	s.finishLocked(t, types.TaskCompleted)
	s.dispatchLocked()
	return *t, nil
}

// CloseInteraction ends the open task of an interaction that reached a
// terminal state. Waiting and reserved tasks are cancelled, assigned tasks
// are completed. It returns nil when the interaction has no open task.
func (s *Scheduler) CloseInteraction(interactionID string) *types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byInteraction[interactionID]
	if !ok {
		return nil
	}
	t := s.tasks[id]
	if t.State == types.TaskAssigned {
		s.finishLocked(t, types.TaskCompleted)
	} else {
		s.finishLocked(t, types.TaskCanceled)
	}
	s.dispatchLocked()
	out := *t
	return &out
}

// OpenTask returns the open task of an interaction
func (s *Scheduler) OpenTask(interactionID string) (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byInteraction[interactionID]
	if !ok {
		return types.Task{}, false
	}
	return *s.tasks[id], true
}

// UpsertWorker registers a worker or updates its profile. Lowering the
// limit below the worker's current load is rejected.
func (s *Scheduler) UpsertWorker(in types.Worker) (types.Worker, error) {
	if in.ID == "" || in.MaxConcurrentTasks < 1 {
		return types.Worker{}, ErrInvalidWorker
	}
	if in.Status == "" {
		in.Status = types.WorkerOffline
	}
	if !in.Status.Valid() {
		return types.Worker{}, ErrInvalidWorker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.workers[in.ID]
	if !ok {
		w = &types.Worker{ID: in.ID, IdleSince: now}
		s.workers[in.ID] = w
	}
	if in.MaxConcurrentTasks < w.ActiveTaskCount {
		return *w, ErrCapacity
	}

	w.Name = in.Name
	w.Team = in.Team
	w.Skills = append([]string(nil), in.Skills...)
	w.MaxConcurrentTasks = in.MaxConcurrentTasks
	s.setStatusLocked(w, in.Status, now)

	s.dispatchLocked()
	return *w, nil
}

// SetWorkerStatus changes a worker's presence. Going offline releases the
// worker's reservations.
func (s *Scheduler) SetWorkerStatus(workerID string, status types.WorkerStatus) (types.Worker, error) {
	if !status.Valid() {
		return types.Worker{}, ErrInvalidWorker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return types.Worker{}, ErrWorkerNotFound
	}
	s.setStatusLocked(w, status, s.now())
	s.dispatchLocked()
	return *w, nil
}

func (s *Scheduler) setStatusLocked(w *types.Worker, status types.WorkerStatus, now time.Time) {
	prev := w.Status
	w.Status = status
	w.UpdatedAt = now
	if status == types.WorkerAvailable && prev != types.WorkerAvailable {
		w.IdleSince = now
	}

	if status == types.WorkerOffline && prev != types.WorkerOffline {
		for _, t := range s.tasks {
			if t.State == types.TaskReserved && t.ReservedWorkerID == w.ID {
				s.requeueLocked(t)
				metrics.Get().RecordReservation("released")
			}
		}
	}

	s.logger.Debug().
		Str("worker_id", w.ID).
		Str("from", string(prev)).
		Str("to", string(status)).
		Int("active_tasks", w.ActiveTaskCount).
		Msg("worker status changed")

	s.workerChangedLocked(w)
}

// Task returns an open task
func (s *Scheduler) Task(id string) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// Tasks returns all open tasks ordered by creation time
func (s *Scheduler) Tasks() []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Worker returns a worker by id
func (s *Scheduler) Worker(id string) (types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return types.Worker{}, ErrWorkerNotFound
	}
	return *w, nil
}

// Workers returns all known workers sorted by id
func (s *Scheduler) Workers() []types.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshots returns the state of every queue sorted by name
func (s *Scheduler) Snapshots() []types.QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]types.QueueSnapshot, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q.Snapshot(s.availableForLocked(q), now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// availableForLocked counts workers with spare capacity that could take
// the head of the queue
func (s *Scheduler) availableForLocked(q *TaskQueue) int {
	var skills []string
	if len(q.Pending) > 0 {
		skills = q.Pending[0].RequiredSkills
	}
	n := 0
	for _, w := range s.workers {
		if w.Status == types.WorkerAvailable && w.ActiveTaskCount < w.MaxConcurrentTasks && w.HasSkills(skills) {
			n++
		}
	}
	return n
}

func (s *Scheduler) queueLocked(name types.QueueName) *TaskQueue {
	q, ok := s.queues[name]
	if !ok {
		s.logger.Info().Str("queue", string(name)).Msg("creating queue on first use")
		q = NewTaskQueue(QueueConfig{Name: name, SLTarget: 80, SLSeconds: 20})
		s.queues[name] = q
	}
	return q
}

// dispatchLocked offers pending tasks, oldest first across all queues,
// until no pending task has an eligible worker
func (s *Scheduler) dispatchLocked() {
	if len(s.workers) == 0 {
		return
	}
	pending := make([]*types.Task, 0)
	for _, q := range s.queues {
		pending = append(pending, q.Pending...)
	}
	if len(pending) == 0 {
		return
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	candidates := make([]*types.Worker, 0, len(s.workers))
	for _, t := range pending {
		candidates = candidates[:0]
		for _, w := range s.workers {
			if eligible(w, t) {
				candidates = append(candidates, w)
			}
		}
		if w := s.strategy.SelectWorker(t, candidates); w != nil {
			s.reserveLocked(t, w)
		}
	}
}

func (s *Scheduler) reserveLocked(t *types.Task, w *types.Worker) {
	now := s.now()
	q := s.queueLocked(t.Queue)
	q.Remove(t.ID)
	q.Active[t.ID] = t

	deadline := now.Add(s.reservationTimeout)
	t.State = types.TaskReserved
	t.ReservedWorkerID = w.ID
	t.ReservationDeadline = &deadline
	t.UpdatedAt = now

	w.ActiveTaskCount++
	w.UpdatedAt = now

	s.armLocked(t.ID, s.reservationTimeout, s.expireReservation)
	metrics.Get().RecordReservation("offered")

	s.logger.Debug().
		Str("task_id", t.ID).
		Str("worker_id", w.ID).
		Str("queue", string(t.Queue)).
		Int("active_tasks", w.ActiveTaskCount).
		Msg("task reserved")

	s.taskChangedLocked(t)
	s.workerChangedLocked(w)
}

// requeueLocked releases a reservation and puts the task back in line
func (s *Scheduler) requeueLocked(t *types.Task) {
	now := s.now()
	if w, ok := s.workers[t.ReservedWorkerID]; ok {
		s.releaseLocked(w, now)
	}
	s.cancelTimerLocked(t.ID)

	q := s.queueLocked(t.Queue)
	delete(q.Active, t.ID)
	t.State = types.TaskPending
	t.ReservedWorkerID = ""
	t.ReservationDeadline = nil
	t.UpdatedAt = now
	q.Push(t)
	s.armWaitLocked(t)

	s.taskChangedLocked(t)
}

func (s *Scheduler) finishLocked(t *types.Task, state types.TaskState) {
	now := s.now()
	q := s.queueLocked(t.Queue)
	if t.State.HoldsCapacity() {
		if w, ok := s.workers[t.ReservedWorkerID]; ok {
			s.releaseLocked(w, now)
		}
	}
	s.cancelTimerLocked(t.ID)
	q.Remove(t.ID)
	delete(q.Active, t.ID)

	switch state {
	case types.TaskCompleted:
		q.Completed++
	case types.TaskTimedOut:
		q.TimedOut++
	case types.TaskCanceled:
		q.Canceled++
	}

	t.State = state
	t.ReservationDeadline = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
	delete(s.tasks, t.ID)
	delete(s.byInteraction, t.InteractionID)

	s.logger.Debug().
		Str("task_id", t.ID).
		Str("interaction_id", t.InteractionID).
		Str("state", string(state)).
		Msg("task closed")

	s.taskChangedLocked(t)
}

func (s *Scheduler) releaseLocked(w *types.Worker, now time.Time) {
	if w.ActiveTaskCount > 0 {
		w.ActiveTaskCount--
	}
	w.IdleSince = now
	w.UpdatedAt = now
	s.workerChangedLocked(w)
}

func (s *Scheduler) armWaitLocked(t *types.Task) {
	if s.maxQueueWait <= 0 {
		return
	}
	remaining := t.CreatedAt.Add(s.maxQueueWait).Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	s.armLocked(t.ID, remaining, s.expireWait)
}

func (s *Scheduler) taskChangedLocked(t *types.Task) {
	metrics.Get().SetTaskBacklog(string(t.Queue), len(s.queueLocked(t.Queue).Pending))
	if s.dirtyTasks != nil {
		s.dirtyTasks[t.ID] = *t
		s.signalLocked()
	}
	if s.notifier != nil {
		s.notifier.TaskChanged(*t)
	}
}

func (s *Scheduler) workerChangedLocked(w *types.Worker) {
	if s.dirtyWorkers != nil {
		cp := *w
		cp.Skills = append([]string(nil), w.Skills...)
		s.dirtyWorkers[w.ID] = cp
		s.signalLocked()
	}
	if s.notifier != nil {
		s.notifier.WorkerChanged(*w)
	}
}
