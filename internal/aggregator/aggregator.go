package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/alerts"
	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
)

// SchedulerView is the read side of the scheduler
type SchedulerView interface {
	Snapshots() []types.QueueSnapshot
	Workers() []types.Worker
}

// ActivityView lists activity entries by delivery state
type ActivityView interface {
	ListActivities(ctx context.Context, state types.DeliveryState) ([]types.ActivityLogEntry, error)
}

// Publisher pushes the status to supervisors
type Publisher interface {
	OperatorStatus(status *types.OperatorStatus)
}

// Aggregator builds the operator status and publishes it on a fixed interval
type Aggregator struct {
	scheduler  SchedulerView
	activities ActivityView
	publisher  Publisher
	thresholds alerts.Thresholds
	interval   time.Duration
	logger     zerolog.Logger

	mu           sync.Mutex
	lastDegraded int64
}

// NewAggregator creates a new aggregator
func NewAggregator(scheduler SchedulerView, activities ActivityView, publisher Publisher, interval time.Duration, thresholds alerts.Thresholds, logger zerolog.Logger) *Aggregator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Aggregator{
		scheduler:    scheduler,
		activities:   activities,
		publisher:    publisher,
		thresholds:   thresholds,
		interval:     interval,
		logger:       logger.With().Str("component", "aggregator").Logger(),
		lastDegraded: metrics.Get().DegradedLookups(),
	}
}

// Start publishes the operator status until ctx is done
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", a.interval).Msg("aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("aggregator stopped")
			return

		case <-ticker.C:
			status := a.Tick(ctx)
			a.publisher.OperatorStatus(status)

			a.logger.Debug().
				Int("queues", len(status.Queues)).
				Int("workers_available", status.WorkersAvailable).
				Int("alerts", len(status.Alerts)).
				Msg("operator status published")
		}
	}
}

// Tick builds a status and advances the degraded-lookup baseline
func (a *Aggregator) Tick(ctx context.Context) *types.OperatorStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := metrics.Get().DegradedLookups()
	status := a.collect(ctx, current-a.lastDegraded)
	a.lastDegraded = current
	return status
}

// Status builds a status without advancing any baseline
func (a *Aggregator) Status(ctx context.Context) *types.OperatorStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collect(ctx, metrics.Get().DegradedLookups()-a.lastDegraded)
}

func (a *Aggregator) collect(ctx context.Context, newDegraded int64) *types.OperatorStatus {
	status := &types.OperatorStatus{
		Timestamp:       time.Now().UTC(),
		Queues:          a.scheduler.Snapshots(),
		DegradedLookups: metrics.Get().DegradedLookups(),
	}

	for _, w := range a.scheduler.Workers() {
		if w.Status == types.WorkerOffline {
			continue
		}
		status.WorkersTotal++
		if w.Status == types.WorkerAvailable && w.ActiveTaskCount < w.MaxConcurrentTasks {
			status.WorkersAvailable++
		}
	}

	if failed, err := a.activities.ListActivities(ctx, types.DeliveryFailed); err != nil {
		a.logger.Warn().Err(err).Msg("failed to count failed activity entries")
	} else {
		status.FailedActivities = len(failed)
	}
	if pending, err := a.activities.ListActivities(ctx, types.DeliveryPending); err != nil {
		a.logger.Warn().Err(err).Msg("failed to count pending activity entries")
	} else {
		status.PendingActivities = len(pending)
	}

	alerts.CheckStatus(status, a.thresholds, newDegraded)
	return status
}
