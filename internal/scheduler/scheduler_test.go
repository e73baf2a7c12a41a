package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	tasks []types.Task
}

func (r *recorder) TaskChanged(t types.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

func (r *recorder) WorkerChanged(types.Worker) {}

func (r *recorder) reservedFor(workerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.State == types.TaskReserved && t.ReservedWorkerID == workerID {
			n++
		}
	}
	return n
}

func newScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Queues == nil {
		opts.Queues = DefaultQueueConfigs([]string{"general", "support"})
	}
	s := New(opts, zerolog.Nop())
	t.Cleanup(s.Stop)
	return s
}

func worker(id string, max int, skills ...string) types.Worker {
	return types.Worker{ID: id, Status: types.WorkerAvailable, MaxConcurrentTasks: max, Skills: skills}
}

func task(interactionID string, skills ...string) types.Task {
	return types.Task{InteractionID: interactionID, Queue: "general", RequiredSkills: skills}
}

func TestQueueKeepsCreationOrder(t *testing.T) {
	q := NewTaskQueue(QueueConfig{Name: "general", SLTarget: 80, SLSeconds: 20})
	base := time.Now()
	t1 := &types.Task{ID: "t1", CreatedAt: base}
	t2 := &types.Task{ID: "t2", CreatedAt: base.Add(time.Second)}
	t3 := &types.Task{ID: "t3", CreatedAt: base.Add(2 * time.Second)}

	q.Push(t1)
	q.Push(t3)
	q.Push(t2)

	ids := []string{q.Pending[0].ID, q.Pending[1].ID, q.Pending[2].ID}
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)

	assert.True(t, q.Remove("t2"))
	assert.False(t, q.Remove("t2"))
	assert.Len(t, q.Pending, 2)
}

func TestLeastLoadedSelection(t *testing.T) {
	now := time.Now()
	candidates := []*types.Worker{
		{ID: "w1", ActiveTaskCount: 1, IdleSince: now.Add(-10 * time.Minute)},
		{ID: "w2", ActiveTaskCount: 0, IdleSince: now.Add(-2 * time.Minute)},
		{ID: "w3", ActiveTaskCount: 0, IdleSince: now.Add(-5 * time.Minute)}, // longest idle among least loaded
	}

	selected := LeastLoaded{}.SelectWorker(&types.Task{}, candidates)
	require.NotNil(t, selected)
	assert.Equal(t, "w3", selected.ID)
	assert.Nil(t, LeastLoaded{}.SelectWorker(&types.Task{}, nil))

	preferred := LeastLoaded{}.SelectWorker(&types.Task{PreferredWorkerID: "w1"}, candidates)
	require.NotNil(t, preferred)
	assert.Equal(t, "w1", preferred.ID, "the coordinator wins over a less loaded worker")

	fallback := LeastLoaded{}.SelectWorker(&types.Task{PreferredWorkerID: "w9"}, candidates)
	require.NotNil(t, fallback)
	assert.Equal(t, "w3", fallback.ID)
}

func TestPreferredWorkerGetsTaskWhenEligible(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("coord", 3))
	require.NoError(t, err)
	busy := s.Enqueue(task("CA0"))
	require.Equal(t, "coord", busy.ReservedWorkerID)

	// w1 is now the least loaded worker
	_, err = s.UpsertWorker(worker("w1", 3))
	require.NoError(t, err)

	pref := task("CA1")
	pref.PreferredWorkerID = "coord"
	got := s.Enqueue(pref)
	assert.Equal(t, types.TaskReserved, got.State)
	assert.Equal(t, "coord", got.ReservedWorkerID)
}

func TestPreferredWorkerFallsBackWhenNotEligible(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 3))
	require.NoError(t, err)
	coord := worker("coord", 3)
	coord.Status = types.WorkerBreak
	_, err = s.UpsertWorker(coord)
	require.NoError(t, err)

	pref := task("CA1")
	pref.PreferredWorkerID = "coord"
	got := s.Enqueue(pref)
	assert.Equal(t, types.TaskReserved, got.State)
	assert.Equal(t, "w1", got.ReservedWorkerID)
}

func TestServiceLevelCalculation(t *testing.T) {
	sl := NewAcceptance(80, 20*time.Second)
	assert.Equal(t, 100.0, sl.Percent())

	sl.Observe(10 * time.Second)
	sl.Observe(15 * time.Second)
	sl.Observe(25 * time.Second)
	sl.Observe(5 * time.Second)

	assert.Equal(t, 75.0, sl.Percent())
	snap := sl.Snapshot()
	assert.Equal(t, 3, snap.AcceptedInSL)
	assert.Equal(t, 4, snap.TotalAccepted)
}

func TestFourthTaskStaysPending(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 3))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s.Enqueue(task(fmt.Sprintf("CA%d", i)))
	}

	w, err := s.Worker("w1")
	require.NoError(t, err)
	assert.Equal(t, 3, w.ActiveTaskCount)

	var pending, reserved int
	for _, tk := range s.Tasks() {
		switch tk.State {
		case types.TaskPending:
			pending++
		case types.TaskReserved:
			reserved++
		}
	}
	assert.Equal(t, 3, reserved)
	assert.Equal(t, 1, pending)
}

func TestEnqueueIsIdempotentPerInteraction(t *testing.T) {
	s := newScheduler(t, Options{})
	first := s.Enqueue(task("CA1"))
	second := s.Enqueue(task("CA1"))
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, s.Tasks(), 1)
}

func TestAcceptAndComplete(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, Options{Notifier: rec})
	_, err := s.UpsertWorker(worker("w1", 1))
	require.NoError(t, err)

	tk := s.Enqueue(task("CA1"))
	tk, err = s.Task(tk.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskReserved, tk.State)
	assert.Equal(t, 1, rec.reservedFor("w1"))

	_, err = s.Accept(tk.ID, "w2")
	assert.ErrorIs(t, err, ErrNotReserved)

	accepted, err := s.Accept(tk.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, accepted.State)
	require.NotNil(t, accepted.AssignedAt)

	_, err = s.Complete(tk.ID, "w2")
	assert.ErrorIs(t, err, ErrNotAssigned)

	done, err := s.Complete(tk.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.State)

	w, _ := s.Worker("w1")
	assert.Equal(t, 0, w.ActiveTaskCount)
	_, err = s.Task(tk.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	snaps := s.Snapshots()
	for _, snap := range snaps {
		if snap.Queue == "general" {
			assert.Equal(t, 1, snap.CompletedCount)
			assert.Equal(t, 1, snap.ServiceLevel.TotalAccepted)
		}
	}
}

func TestRejectReoffersToAnotherWorker(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 1))
	require.NoError(t, err)

	tk := s.Enqueue(task("CA1"))
	tk, _ = s.Task(tk.ID)
	require.Equal(t, "w1", tk.ReservedWorkerID)

	_, err = s.UpsertWorker(worker("w2", 1))
	require.NoError(t, err)

	rejected, err := s.Reject(tk.ID, "w1")
	require.NoError(t, err)
	assert.Contains(t, rejected.RejectedBy, "w1")

	tk, _ = s.Task(tk.ID)
	assert.Equal(t, types.TaskReserved, tk.State)
	assert.Equal(t, "w2", tk.ReservedWorkerID)

	w1, _ := s.Worker("w1")
	assert.Equal(t, 0, w1.ActiveTaskCount)
}

func TestRejectedTaskIsNotOfferedBack(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 2))
	require.NoError(t, err)

	tk := s.Enqueue(task("CA1"))
	_, err = s.Reject(tk.ID, "w1")
	require.NoError(t, err)

	tk, _ = s.Task(tk.ID)
	assert.Equal(t, types.TaskPending, tk.State)
}

func TestSkillsAreRequired(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 2, "billing"))
	require.NoError(t, err)
	_, err = s.UpsertWorker(worker("w2", 2, "spanish", "support"))
	require.NoError(t, err)

	tk := s.Enqueue(task("CA1", "spanish"))
	tk, _ = s.Task(tk.ID)
	assert.Equal(t, "w2", tk.ReservedWorkerID)
}

func TestReservationExpires(t *testing.T) {
	s := newScheduler(t, Options{ReservationTimeout: 20 * time.Millisecond})
	_, err := s.UpsertWorker(worker("w1", 1))
	require.NoError(t, err)

	tk := s.Enqueue(task("CA1"))
	_, err = s.SetWorkerStatus("w1", types.WorkerBusy)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := s.Task(tk.ID)
		return err == nil && got.State == types.TaskPending
	}, time.Second, 5*time.Millisecond)

	w, _ := s.Worker("w1")
	assert.Equal(t, 0, w.ActiveTaskCount)
}

func TestQueueWaitTimesOut(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, Options{MaxQueueWait: 20 * time.Millisecond, Notifier: rec})
	tk := s.Enqueue(task("CA1"))

	assert.Eventually(t, func() bool {
		_, err := s.Task(tk.ID)
		return err == ErrTaskNotFound
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	last := rec.tasks[len(rec.tasks)-1]
	rec.mu.Unlock()
	assert.Equal(t, types.TaskTimedOut, last.State)
}

func TestOfflineReleasesReservations(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 2))
	require.NoError(t, err)
	tk := s.Enqueue(task("CA1"))

	_, err = s.SetWorkerStatus("w1", types.WorkerOffline)
	require.NoError(t, err)

	tk, _ = s.Task(tk.ID)
	assert.Equal(t, types.TaskPending, tk.State)
	w, _ := s.Worker("w1")
	assert.Equal(t, 0, w.ActiveTaskCount)

	_, err = s.SetWorkerStatus("nobody", types.WorkerAvailable)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestLoweringMaxBelowLoadIsRejected(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 2))
	require.NoError(t, err)
	s.Enqueue(task("CA1"))
	s.Enqueue(task("CA2"))

	_, err = s.UpsertWorker(worker("w1", 1))
	assert.ErrorIs(t, err, ErrCapacity)

	w, _ := s.Worker("w1")
	assert.Equal(t, 2, w.MaxConcurrentTasks)
}

func TestCloseInteraction(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.UpsertWorker(worker("w1", 2))
	require.NoError(t, err)

	reserved := s.Enqueue(task("CA1"))
	assigned := s.Enqueue(task("CA2"))
	_, err = s.Accept(assigned.ID, "w1")
	require.NoError(t, err)

	closed := s.CloseInteraction("CA1")
	require.NotNil(t, closed)
	assert.Equal(t, reserved.ID, closed.ID)
	assert.Equal(t, types.TaskCanceled, closed.State)

	closed = s.CloseInteraction("CA2")
	require.NotNil(t, closed)
	assert.Equal(t, types.TaskCompleted, closed.State)

	assert.Nil(t, s.CloseInteraction("CA3"))
	w, _ := s.Worker("w1")
	assert.Equal(t, 0, w.ActiveTaskCount)
}

func TestCapacityNeverExceededUnderConcurrency(t *testing.T) {
	s := newScheduler(t, Options{ReservationTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		_, err := s.UpsertWorker(worker(fmt.Sprintf("w%d", i), 1+i%3))
		require.NoError(t, err)
	}

	check := func() {
		for _, w := range s.Workers() {
			require.LessOrEqual(t, w.ActiveTaskCount, w.MaxConcurrentTasks, "worker %s over capacity", w.ID)
		}
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				wid := fmt.Sprintf("w%d", rng.Intn(5))
				switch rng.Intn(6) {
				case 0, 1:
					s.Enqueue(task(fmt.Sprintf("CA-%d-%d", seed, i)))
				case 2:
					for _, tk := range s.Tasks() {
						if tk.State == types.TaskReserved {
							_, _ = s.Accept(tk.ID, tk.ReservedWorkerID)
							break
						}
					}
				case 3:
					for _, tk := range s.Tasks() {
						if tk.State == types.TaskAssigned {
							_, _ = s.Complete(tk.ID, tk.ReservedWorkerID)
							break
						}
					}
				case 4:
					statuses := []types.WorkerStatus{types.WorkerAvailable, types.WorkerBusy, types.WorkerOffline}
					_, _ = s.SetWorkerStatus(wid, statuses[rng.Intn(len(statuses))])
				case 5:
					for _, tk := range s.Tasks() {
						if tk.State == types.TaskReserved {
							_, _ = s.Reject(tk.ID, tk.ReservedWorkerID)
							break
						}
					}
				}
			}
		}(int64(g))
	}
	wg.Wait()
	check()

	// every held task is accounted for by exactly one worker slot
	held := map[string]int{}
	for _, tk := range s.Tasks() {
		if tk.State.HoldsCapacity() {
			held[tk.ReservedWorkerID]++
		}
	}
	for _, w := range s.Workers() {
		assert.Equal(t, held[w.ID], w.ActiveTaskCount, "worker %s", w.ID)
	}
}

func TestRestore(t *testing.T) {
	s := newScheduler(t, Options{})
	now := time.Now()
	s.Restore(
		[]types.Worker{{ID: "w1", Status: types.WorkerAvailable, MaxConcurrentTasks: 2, ActiveTaskCount: 2}},
		[]types.Task{
			{ID: "t1", InteractionID: "CA1", Queue: "general", State: types.TaskAssigned, ReservedWorkerID: "w1", CreatedAt: now},
			{ID: "t2", InteractionID: "CA2", Queue: "general", State: types.TaskReserved, ReservedWorkerID: "w1", CreatedAt: now},
			{ID: "t3", InteractionID: "CA3", Queue: "general", State: types.TaskCompleted, CreatedAt: now},
		},
	)

	w, err := s.Worker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerOffline, w.Status)
	assert.Equal(t, 1, w.ActiveTaskCount)

	t2, err := s.Task("t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, t2.State)

	_, err = s.Task("t3")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

// hungStore never returns from a task write until released
type hungStore struct {
	release chan struct{}

	mu      sync.Mutex
	workers map[string]types.Worker
}

func (h *hungStore) SaveTask(context.Context, *types.Task) error {
	<-h.release
	return nil
}

func (h *hungStore) SaveWorker(_ context.Context, w *types.Worker) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[w.ID] = *w
	return nil
}

func TestStalledStoreDoesNotBlockScheduling(t *testing.T) {
	store := &hungStore{release: make(chan struct{}), workers: map[string]types.Worker{}}
	t.Cleanup(func() { close(store.release) })

	s := newScheduler(t, Options{Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			s.Enqueue(task(fmt.Sprintf("CA%d", i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("enqueue blocked on the store")
	}

	open := make(chan bool, 1)
	go func() {
		_, ok := s.OpenTask("CA4999")
		open <- ok
	}()
	select {
	case ok := <-open:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("OpenTask blocked on the store")
	}
}

func TestPersistenceKeepsLatestState(t *testing.T) {
	store := &hungStore{release: make(chan struct{}), workers: map[string]types.Worker{}}
	close(store.release)

	s := newScheduler(t, Options{Store: store})
	_, err := s.UpsertWorker(worker("w1", 2))
	require.NoError(t, err)
	_, err = s.SetWorkerStatus("w1", types.WorkerBusy)
	require.NoError(t, err)

	// nothing drained yet: both changes are one pending write
	s.mu.Lock()
	assert.Len(t, s.dirtyWorkers, 1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, types.WorkerBusy, store.workers["w1"].Status)
}
