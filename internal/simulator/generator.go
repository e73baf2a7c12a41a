package simulator

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers one callback
type Sender interface {
	Send(ctx context.Context, path string, params url.Values) error
}

// Options configure a Generator
type Options struct {
	InteractionsPerMin float64
	Numbers            []string // our numbers; callers dial one at random
	Scenarios          []Scenario
	Seed               int64
}

// Generator starts scripted interactions at a configurable rate and plays
// each one concurrently against the Sender
type Generator struct {
	mu             sync.RWMutex
	rate           float64
	peakHourFactor float64
	numbers        []string
	scenarios      []Scenario
	rng            *rand.Rand

	sender Sender
	logger zerolog.Logger
	wg     sync.WaitGroup

	started atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64
}

// NewGenerator creates a Generator
func NewGenerator(sender Sender, opts Options, logger zerolog.Logger) *Generator {
	if len(opts.Scenarios) == 0 {
		opts.Scenarios = DefaultScenarios()
	}
	if len(opts.Numbers) == 0 {
		opts.Numbers = []string{"+4930222000"}
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Generator{
		rate:           opts.InteractionsPerMin,
		peakHourFactor: 1.0,
		numbers:        opts.Numbers,
		scenarios:      opts.Scenarios,
		rng:            rand.New(rand.NewSource(opts.Seed)),
		sender:         sender,
		logger:         logger.With().Str("component", "simulator").Logger(),
	}
}

// SetRate changes the base rate in interactions per minute
func (g *Generator) SetRate(perMin float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rate = perMin
}

// SetPeakHourFactor scales the rate. 1.0 is normal, 2.0 doubles it.
func (g *Generator) SetPeakHourFactor(factor float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peakHourFactor = factor
}

// Run starts interactions until ctx is cancelled, then waits for the ones
// in flight to finish
func (g *Generator) Run(ctx context.Context) {
	defer g.wg.Wait()

	for {
		g.mu.RLock()
		effectiveRate := g.rate * g.peakHourFactor
		g.mu.RUnlock()

		if effectiveRate <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.nextSleep(effectiveRate)):
		}

		scenario, parties, steps := g.next()
		g.started.Add(1)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.Play(ctx, scenario, parties, steps)
		}()
	}
}

// nextSleep spaces interactions evenly with +/-25% jitter
func (g *Generator) nextSleep(perMin float64) time.Duration {
	g.mu.Lock()
	jitterFactor := g.rng.Float64()*0.5 - 0.25
	g.mu.Unlock()

	base := time.Duration(float64(time.Minute) / perMin)
	sleep := base + time.Duration(float64(base)*jitterFactor)
	if sleep < time.Millisecond {
		sleep = time.Millisecond
	}
	return sleep
}

func (g *Generator) next() (string, Parties, []Step) {
	g.mu.Lock()
	defer g.mu.Unlock()

	scenario := pickScenario(g.rng, g.scenarios)
	parties := Parties{
		Caller: randomCaller(g.rng),
		Ours:   g.numbers[g.rng.Intn(len(g.numbers))],
	}
	return scenario.Name, parties, scenario.Build(g.rng, parties)
}

// Play sends the steps of one interaction in order. The first failed step
// abandons the rest.
func (g *Generator) Play(ctx context.Context, scenario string, parties Parties, steps []Step) {
	for _, step := range steps {
		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(step.Delay):
			}
		}

		if err := g.sender.Send(ctx, step.Path, step.Params); err != nil {
			g.failed.Add(1)
			g.logger.Error().Err(err).
				Str("scenario", scenario).
				Str("path", step.Path).
				Str("caller", parties.Caller).
				Msg("failed to deliver callback")
			return
		}
		g.sent.Add(1)
	}

	g.logger.Debug().
		Str("scenario", scenario).
		Str("caller", parties.Caller).
		Int("steps", len(steps)).
		Msg("interaction played")
}

// Stats returns delivery counters
func (g *Generator) Stats() map[string]int64 {
	return map[string]int64{
		"interactions_started": g.started.Load(),
		"callbacks_sent":       g.sent.Load(),
		"callbacks_failed":     g.failed.Load(),
	}
}

// pickScenario selects a scenario using weighted random selection
func pickScenario(rng *rand.Rand, scenarios []Scenario) Scenario {
	var total float64
	for _, s := range scenarios {
		total += s.Weight
	}
	if total <= 0 {
		return scenarios[rng.Intn(len(scenarios))]
	}

	r := rng.Float64() * total
	for _, s := range scenarios {
		r -= s.Weight
		if r <= 0 {
			return s
		}
	}
	return scenarios[len(scenarios)-1]
}
