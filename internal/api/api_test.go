package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/activity"
	"github.com/dennisdiepolder/monti/comms/internal/auth"
	"github.com/dennisdiepolder/monti/comms/internal/routing"
	"github.com/dennisdiepolder/monti/comms/internal/scheduler"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	accepted  []string
	completed []string
}

func (l *recordingListener) TaskAccepted(_ context.Context, t types.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = append(l.accepted, t.ID)
	return nil
}

func (l *recordingListener) TaskCompleted(_ context.Context, t types.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, t.ID)
	return nil
}

type staticStatus struct{}

func (staticStatus) Status(context.Context) *types.OperatorStatus {
	return &types.OperatorStatus{WorkersTotal: 2}
}

type fakeRetrier struct {
	entries map[string]*types.ActivityLogEntry
}

func (f fakeRetrier) Retry(_ context.Context, key string) (*types.ActivityLogEntry, error) {
	e, ok := f.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if e.DeliveryState != types.DeliveryFailed {
		return e, activity.ErrNotFailed
	}
	e.DeliveryState = types.DeliveryPending
	return e, nil
}

type apiFixture struct {
	router    chi.Router
	store     *storage.MemoryStore
	scheduler *scheduler.Scheduler
	listener  *recordingListener
	engine    *routing.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zerolog.Nop()

	store := storage.NewMemoryStore()
	sched := scheduler.New(scheduler.Options{
		Queues:             scheduler.DefaultQueueConfigs([]string{"general"}),
		ReservationTimeout: time.Minute,
	}, logger)
	t.Cleanup(sched.Stop)

	engine := routing.NewEngine("general", nil, time.UTC)
	listener := &recordingListener{}
	retrier := fakeRetrier{entries: map[string]*types.ActivityLogEntry{
		"CA1|call": {Key: "CA1|call", DeliveryState: types.DeliveryFailed},
		"CA2|call": {Key: "CA2|call", DeliveryState: types.DeliveryDelivered},
	}}

	r := chi.NewRouter()
	r.Use(testAuth)
	Mount(r, Handlers{
		Query:   NewQueryHandler(store, sched, engine, staticStatus{}, logger),
		Tasks:   NewTaskActionsHandler(sched, listener, logger),
		Workers: NewWorkersHandler(sched, logger),
		Admin:   NewAdminHandler(engine, retrier, logger),
	})

	return &apiFixture{router: r, store: store, scheduler: sched, listener: listener, engine: engine}
}

// testAuth reads "<sub>:<role>" from the X-Test-User header
func testAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, role, ok := strings.Cut(r.Header.Get("X-Test-User"), ":")
		if ok {
			claims := &auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: sub}}
			r = r.WithContext(auth.WithUser(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

func (f *apiFixture) do(method, path, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/api"+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, "/api"+path, nil)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	http.StripPrefix("/api", f.router).ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) reservedTask(t *testing.T, workerID string) types.Task {
	t.Helper()
	_, err := f.scheduler.UpsertWorker(types.Worker{ID: workerID, MaxConcurrentTasks: 1, Status: types.WorkerAvailable})
	require.NoError(t, err)
	task := f.scheduler.Enqueue(types.Task{InteractionID: "CA-" + workerID, Queue: "general"})
	task, err = f.scheduler.Task(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskReserved, task.State)
	return task
}

func TestAgentAcceptsOwnReservation(t *testing.T) {
	f := newAPIFixture(t)
	task := f.reservedTask(t, "w-1")

	rec := f.do(http.MethodPost, "/tasks/"+task.ID+"/accept", "w-2:agent", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "reservation belongs to w-1")

	rec = f.do(http.MethodPost, "/tasks/"+task.ID+"/accept", "w-2:agent", `{"workerId":"w-1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/tasks/"+task.ID+"/accept", "w-1:agent", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, types.TaskAssigned, got.State)
	assert.Equal(t, []string{task.ID}, f.listener.accepted)

	rec = f.do(http.MethodPost, "/tasks/"+task.ID+"/complete", "w-1:agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{task.ID}, f.listener.completed)
}

func TestSupervisorActsForHolder(t *testing.T) {
	f := newAPIFixture(t)
	task := f.reservedTask(t, "w-1")

	rec := f.do(http.MethodPost, "/tasks/"+task.ID+"/accept", "s-1:supervisor", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/tasks/"+task.ID+"/complete", "s-1:supervisor", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/tasks/"+task.ID+"/complete", "s-1:supervisor", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "completed tasks leave the scheduler")
}

func TestRejectRequeues(t *testing.T) {
	f := newAPIFixture(t)
	task := f.reservedTask(t, "w-1")

	rec := f.do(http.MethodPost, "/tasks/"+task.ID+"/reject", "w-1:agent", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.scheduler.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.State)
	assert.Equal(t, []string{"w-1"}, got.RejectedBy)
}

func TestUnknownTask(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/tasks/nope/accept", "w-1:agent", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/tasks/nope/accept", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkerEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPut, "/workers/w-1", "s-1:supervisor", `{"skills":["billing"],"maxConcurrentTasks":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var w types.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, types.WorkerOffline, w.Status)
	assert.Equal(t, []string{"billing"}, w.Skills)

	rec = f.do(http.MethodPost, "/workers/w-1/status", "w-1:agent", `{"status":"available"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// a profile change keeps presence
	rec = f.do(http.MethodPut, "/workers/w-1", "s-1:supervisor", `{"skills":["billing","spanish"],"maxConcurrentTasks":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := f.scheduler.Worker("w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerAvailable, got.Status)
	assert.Equal(t, 3, got.MaxConcurrentTasks)

	rec = f.do(http.MethodPost, "/workers/w-1/status", "w-2:agent", `{"status":"offline"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/workers/w-1/status", "w-1:agent", `{"status":"asleep"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/workers/w-9/status", "s-1:supervisor", `{"status":"available"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPut, "/workers/w-1", "s-1:supervisor", `{"maxConcurrentTasks":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentCannotChangeOwnProfile(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPut, "/workers/w-1", "s-1:supervisor", `{"skills":["billing"],"maxConcurrentTasks":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, "/workers/w-1", "w-1:agent", `{"skills":["billing"],"maxConcurrentTasks":50}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPut, "/workers/w-1", "w-1:agent", `{"skills":["billing","vip"],"maxConcurrentTasks":2}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPut, "/workers/w-2", "w-2:agent", `{"maxConcurrentTasks":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "agents cannot register themselves")

	// presence is still theirs to change
	rec = f.do(http.MethodPut, "/workers/w-1", "w-1:agent", `{"status":"available"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.scheduler.Worker("w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerAvailable, got.Status)
	assert.Equal(t, 2, got.MaxConcurrentTasks)
	assert.Equal(t, []string{"billing"}, got.Skills)
}

func TestRoster(t *testing.T) {
	f := newAPIFixture(t)
	body := `[{"id":"w-1","maxConcurrentTasks":1},{"id":"w-2","maxConcurrentTasks":2,"status":"available"},{"id":"","maxConcurrentTasks":1}]`

	rec := f.do(http.MethodPost, "/workers/roster", "s-1:supervisor", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/workers/roster", "a-1:admin", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Registered int               `json:"registered"`
		Rejected   map[string]string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Registered)
	assert.Len(t, resp.Rejected, 1)
	assert.Len(t, f.scheduler.Workers(), 2)
}

func TestRuleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	rule := `{"priority":1,"predicate":"keyword","keywords":["emergency"],"targetQueue":"emergency"}`

	rec := f.do(http.MethodPost, "/rules", "w-1:agent", rule)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/rules", "a-1:admin", rule)
	require.Equal(t, http.StatusCreated, rec.Code)
	var added types.RoutingRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.NotEmpty(t, added.ID)

	rec = f.do(http.MethodPost, "/rules", "a-1:admin", `{"predicate":"sentiment","targetQueue":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/rules", "w-1:agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []types.RoutingRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Len(t, rules, 1)

	rec = f.do(http.MethodDelete, "/rules/"+added.ID, "a-1:admin", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, "/rules/"+added.ID, "a-1:admin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryActivity(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/activity/CA1/call/retry", "w-1:agent", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/activity/CA1/call/retry", "s-1:supervisor", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(http.MethodPost, "/activity/CA2/call/retry", "s-1:supervisor", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/activity/CA3/call/retry", "s-1:supervisor", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateInteraction(ctx, &types.Interaction{ID: "CA1", Kind: types.KindCall, State: types.StateRinging}))
	require.NoError(t, f.store.CreateInteraction(ctx, &types.Interaction{ID: "CA2", Kind: types.KindCall, State: types.StateCompleted}))
	f.scheduler.Enqueue(types.Task{InteractionID: "CA1", Queue: "general"})

	rec := f.do(http.MethodGet, "/interactions?state=completed", "w-1:agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Interaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "CA2", list[0].ID)

	rec = f.do(http.MethodGet, "/interactions?limit=0", "w-1:agent", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/interactions/CA1", "w-1:agent", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/interactions/CA9", "w-1:agent", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/tasks?state=pending", "w-1:agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)

	rec = f.do(http.MethodGet, "/queues", "w-1:agent", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/activity?state=lost", "w-1:agent", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/activity?state=failed", "w-1:agent", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(http.MethodGet, "/status", "w-1:agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status types.OperatorStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.WorkersTotal)
}
