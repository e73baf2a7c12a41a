package ticker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Ticker runs a housekeeping function on a fixed interval
type Ticker struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) int
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker. run returns how many items it touched,
// which is logged at debug level when non-zero.
func NewTicker(name string, interval time.Duration, run func(ctx context.Context) int, logger zerolog.Logger) *Ticker {
	return &Ticker{
		name:     name,
		interval: interval,
		run:      run,
		logger:   logger.With().Str("component", "ticker").Str("job", name).Logger(),
	}
}

// Start runs the job until ctx is done
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case <-ticker.C:
			if n := t.run(ctx); n > 0 {
				t.logger.Debug().Int("items", n).Msg("housekeeping run")
			}
		}
	}
}
