// Package activity writes completed interactions to the CRM.
//
// Each entry is stored before its first delivery attempt and carries its
// own retry state, so pending deliveries resume after a restart. An entry
// key exists at most once; a second terminal-adjacent event for the same
// interaction finds the key taken and logs nothing.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrNotLoggable = errors.New("interaction is not in a loggable state")
	ErrNotFailed   = errors.New("activity entry is not failed")
)

// Sink delivers an entry to the CRM
type Sink interface {
	LogActivity(ctx context.Context, entry *types.ActivityLogEntry) error
}

// Store is the subset of storage.Store the logger needs
type Store interface {
	GetInteraction(ctx context.Context, id string) (*types.Interaction, error)
	CreateActivity(ctx context.Context, entry *types.ActivityLogEntry) error
	GetActivity(ctx context.Context, key string) (*types.ActivityLogEntry, error)
	SaveActivity(ctx context.Context, entry *types.ActivityLogEntry) error
	ListActivities(ctx context.Context, state types.DeliveryState) ([]types.ActivityLogEntry, error)
}

// FailureNotifier is told about entries that ran out of attempts
type FailureNotifier interface {
	ActivityFailed(entry types.ActivityLogEntry)
}

// Options configure retry behaviour
type Options struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Interval    time.Duration // how often due retries are picked up
	Timeout     time.Duration // per attempt
}

// Logger records and delivers activity log entries
type Logger struct {
	sink     Sink
	store    Store
	notifier FailureNotifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewLogger creates an activity logger
func NewLogger(sink Sink, store Store, notifier FailureNotifier, opts Options, logger zerolog.Logger) *Logger {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 8
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Logger{
		sink:     sink,
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "activity").Logger(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Record creates the entry for a terminal interaction and starts its
// delivery. segmentID distinguishes repeated entries of one interaction,
// such as the conversation segments of a message thread. It returns false
// when the entry already existed.
func (l *Logger) Record(ctx context.Context, in *types.Interaction, segmentID, workerID string) (bool, error) {
	entry, err := l.buildEntry(in, segmentID, workerID)
	if err != nil {
		return false, err
	}

	if err := l.store.CreateActivity(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			metrics.Get().RecordActivityDelivery("duplicate")
			l.logger.Debug().Str("key", entry.Key).Msg("activity already recorded")
			return false, nil
		}
		return false, fmt.Errorf("create activity %s: %w", entry.Key, err)
	}

	l.logger.Debug().
		Str("key", entry.Key).
		Str("outcome", entry.Outcome).
		Msg("activity recorded")

	l.deliverAsync(entry.Key)
	return true, nil
}

// Retry re-drives a failed entry with a fresh attempt budget
func (l *Logger) Retry(ctx context.Context, key string) (*types.ActivityLogEntry, error) {
	entry, err := l.store.GetActivity(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.DeliveryState != types.DeliveryFailed {
		return entry, ErrNotFailed
	}

	now := l.now()
	entry.DeliveryState = types.DeliveryPending
	entry.Attempts = 0
	entry.NextAttemptAt = now
	entry.UpdatedAt = now
	if err := l.store.SaveActivity(ctx, entry); err != nil {
		return nil, fmt.Errorf("save activity %s: %w", key, err)
	}

	l.logger.Info().Str("key", key).Msg("activity re-driven by operator")
	l.deliverAsync(key)
	return entry, nil
}

// Run picks up due pending entries until ctx is cancelled
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.opts.Interval).Msg("activity retry loop started")
	l.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("activity retry loop stopped")
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Logger) sweep(ctx context.Context) {
	entries, err := l.store.ListActivities(ctx, types.DeliveryPending)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to list pending activities")
		return
	}
	now := l.now()
	for _, e := range entries {
		if !e.NextAttemptAt.After(now) {
			l.deliverAsync(e.Key)
		}
	}
}

// Wait blocks until in-flight deliveries finish
func (l *Logger) Wait() {
	l.wg.Wait()
}

func (l *Logger) deliverAsync(key string) {
	l.mu.Lock()
	if _, busy := l.inflight[key]; busy {
		l.mu.Unlock()
		return
	}
	l.inflight[key] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.inflight, key)
			l.mu.Unlock()
			l.wg.Done()
		}()
		l.deliver(context.Background(), key)
	}()
}

func (l *Logger) deliver(ctx context.Context, key string) {
	entry, err := l.store.GetActivity(ctx, key)
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("failed to load activity")
		return
	}
	if entry.DeliveryState != types.DeliveryPending {
		return
	}
	l.refresh(ctx, entry)

	attemptCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	err = l.sink.LogActivity(attemptCtx, entry)
	cancel()

	now := l.now()
	entry.Attempts++
	entry.UpdatedAt = now

	switch {
	case err == nil:
		entry.DeliveryState = types.DeliveryDelivered
		entry.LastError = ""
		metrics.Get().RecordActivityDelivery("delivered")
		l.logger.Info().
			Str("key", key).
			Int("attempts", entry.Attempts).
			Msg("activity delivered")

	case entry.Attempts >= l.opts.MaxAttempts:
		entry.DeliveryState = types.DeliveryFailed
		entry.LastError = err.Error()
		metrics.Get().RecordActivityDelivery("failed")
		l.logger.Error().
			Err(err).
			Str("key", key).
			Int("attempts", entry.Attempts).
			Msg("activity delivery abandoned")

	default:
		entry.LastError = err.Error()
		entry.NextAttemptAt = now.Add(l.delay(entry.Attempts))
		metrics.Get().RecordActivityDelivery("retry")
		l.logger.Warn().
			Err(err).
			Str("key", key).
			Int("attempts", entry.Attempts).
			Time("next_attempt_at", entry.NextAttemptAt).
			Msg("activity delivery failed, will retry")
	}

	if err := l.store.SaveActivity(ctx, entry); err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("failed to save activity")
		return
	}
	if entry.DeliveryState == types.DeliveryFailed && l.notifier != nil {
		l.notifier.ActivityFailed(*entry)
	}
}

// delay returns the wait after the given number of failed attempts
func (l *Logger) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.RetryBase
	b.MaxInterval = l.opts.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// refresh copies metadata that arrived after the entry was created, such
// as a recording url or a contact resolved on a later attempt
func (l *Logger) refresh(ctx context.Context, entry *types.ActivityLogEntry) {
	in, err := l.store.GetInteraction(ctx, entry.InteractionID)
	if err != nil {
		return
	}
	if entry.ContactID == "" {
		entry.ContactID = in.ContactID
	}
	if entry.RecordingURL == "" {
		entry.RecordingURL = in.RecordingURL
	}
	if entry.Transcription == "" {
		entry.Transcription = in.TranscriptionText
	}
	if entry.DurationSecs == 0 {
		entry.DurationSecs = in.DurationSecs
	}
	if entry.WorkerID == "" {
		entry.WorkerID = in.AssignedWorkerID
	}
}
