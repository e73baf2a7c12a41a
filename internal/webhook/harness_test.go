package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/activity"
	"github.com/dennisdiepolder/monti/comms/internal/broadcast"
	"github.com/dennisdiepolder/monti/comms/internal/contact"
	"github.com/dennisdiepolder/monti/comms/internal/crm"
	"github.com/dennisdiepolder/monti/comms/internal/ingestion"
	"github.com/dennisdiepolder/monti/comms/internal/ledger"
	"github.com/dennisdiepolder/monti/comms/internal/lifecycle"
	"github.com/dennisdiepolder/monti/comms/internal/routing"
	"github.com/dennisdiepolder/monti/comms/internal/scheduler"
	"github.com/dennisdiepolder/monti/comms/internal/signature"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testBaseURL = "https://comms.example.com"
	testToken   = "test-auth-token"
)

// fakeCRM serves the two CRM endpoints the core calls
type fakeCRM struct {
	down atomic.Bool

	mu         sync.Mutex
	contacts   map[string]types.Contact
	activities map[string]int // idempotency key -> deliveries
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/contacts":
		c, ok := f.contacts[r.URL.Query().Get("phone")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id":           c.ID,
			"name":         c.Name,
			"priorityTier": string(c.PriorityTier),
		})
	case r.Method == http.MethodPost && r.URL.Path == "/activities":
		key := r.Header.Get("Idempotency-Key")
		f.activities[key]++
		if f.activities[key] > 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCRM) activityKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.activities))
	for k := range f.activities {
		keys = append(keys, k)
	}
	return keys
}

type nopTransport struct{}

func (nopTransport) Publish(string, []byte) {}

type harness struct {
	store     *storage.MemoryStore
	machine   *lifecycle.Machine
	scheduler *scheduler.Scheduler
	activity  *activity.Logger
	processor *ingestion.Processor
	verifier  *signature.Verifier
	crm       *fakeCRM
	router    chi.Router
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := zerolog.Nop()

	fake := &fakeCRM{
		contacts: map[string]types.Contact{
			"+4930111": {ID: "c-vip", Name: "Vera Important", PriorityTier: types.TierVIP},
		},
		activities: map[string]int{},
	}
	crmServer := httptest.NewServer(fake)
	t.Cleanup(crmServer.Close)
	crmClient := crm.NewClient(crmServer.URL, "crm-token")

	store := storage.NewMemoryStore()
	machine := lifecycle.NewMachine(store, logger)
	bc := broadcast.New(nopTransport{}, logger)

	engine := routing.NewEngine("general", nil, time.UTC)
	require.NoError(t, engine.Replace([]types.RoutingRule{
		{ID: "emergency", Priority: 1, Predicate: types.PredicateKeyword, Keywords: []string{"emergency"}, TargetQueue: "emergency"},
		{ID: "vip", Priority: 2, Predicate: types.PredicateCustomerType, Tier: types.TierVIP, TargetQueue: "vip"},
	}))

	sched := scheduler.New(scheduler.Options{
		Queues:             scheduler.DefaultQueueConfigs([]string{"general", "vip", "emergency"}),
		ReservationTimeout: time.Minute,
		Notifier:           bc,
	}, logger)
	t.Cleanup(sched.Stop)

	activityLogger := activity.NewLogger(crmClient, store, bc, activity.Options{
		MaxAttempts: 50,
		RetryBase:   5 * time.Millisecond,
		RetryMax:    20 * time.Millisecond,
		Interval:    5 * time.Millisecond,
		Timeout:     time.Second,
	}, logger)

	processor := ingestion.NewProcessor(ingestion.Deps{
		Ledger:    ledger.NewMemoryLedger(time.Hour),
		Machine:   machine,
		Resolver:  contact.NewResolver(crmClient, store, time.Second, time.Hour, logger),
		Router:    engine,
		Scheduler: sched,
		Activity:  activityLogger,
		Notifier:  bc,
	}, logger)

	verifier := signature.NewVerifier(testToken)
	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = testBaseURL
	}
	receiver := NewReceiver(verifier, processor, opts, logger)

	r := chi.NewRouter()
	r.Route("/webhooks", receiver.Routes)

	return &harness{
		store:     store,
		machine:   machine,
		scheduler: sched,
		activity:  activityLogger,
		processor: processor,
		verifier:  verifier,
		crm:       fake,
		router:    r,
	}
}

func (h *harness) request(path string, form url.Values, sign bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		req.Header.Set(signature.Header, h.verifier.Sign(testBaseURL+path, form))
	}
	return req
}

// post sends a signed webhook and waits for background routing
func (h *harness) post(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, h.request(path, form, true))
	h.processor.Wait()
	return rec
}

func (h *harness) settle() {
	h.processor.Wait()
	h.activity.Wait()
}

func voice(callSid, from, to string) url.Values {
	return url.Values{"CallSid": {callSid}, "From": {from}, "To": {to}, "Direction": {"inbound"}}
}

func status(callSid, callStatus string, extra ...string) url.Values {
	form := url.Values{"CallSid": {callSid}, "CallStatus": {callStatus}}
	for i := 0; i+1 < len(extra); i += 2 {
		form.Set(extra[i], extra[i+1])
	}
	return form
}
