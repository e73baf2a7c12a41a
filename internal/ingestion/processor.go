// Package ingestion runs a verified provider event through the pipeline:
// idempotency ledger, state machine, enrichment and routing, scheduling,
// broadcast and activity logging.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/activity"
	"github.com/dennisdiepolder/monti/comms/internal/ledger"
	"github.com/dennisdiepolder/monti/comms/internal/lifecycle"
	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/routing"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
)

// Outcome summarizes what happened to a delivery
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeConflict  Outcome = "conflict"
)

// Processor is the default EventProcessor
type Processor struct {
	ledger    ledger.Ledger
	machine   *lifecycle.Machine
	resolver  ContactResolver
	router    Router
	scheduler TaskScheduler
	activity  ActivityRecorder
	logger    zerolog.Logger
	now       func() time.Time

	// background enrichment and routing
	wg sync.WaitGroup
}

// Deps groups the collaborators of a Processor
type Deps struct {
	Ledger    ledger.Ledger
	Machine   *lifecycle.Machine
	Resolver  ContactResolver
	Router    Router
	Scheduler TaskScheduler
	Activity  ActivityRecorder
	Notifier  ChangeNotifier
}

// NewProcessor creates a new Processor. The notifier is registered on the
// machine so changes are published in commit order.
func NewProcessor(deps Deps, logger zerolog.Logger) *Processor {
	if deps.Notifier != nil && deps.Machine != nil {
		deps.Machine.OnCommit(deps.Notifier.InteractionChanged)
	}
	return &Processor{
		ledger:    deps.Ledger,
		machine:   deps.Machine,
		resolver:  deps.Resolver,
		router:    deps.Router,
		scheduler: deps.Scheduler,
		activity:  deps.Activity,
		logger:    logger.With().Str("component", "ingestion").Logger(),
		now:       time.Now,
	}
}

// Process applies one delivery. A delivery already seen returns
// OutcomeDuplicate. An error means nothing was committed and the provider
// should retry.
func (p *Processor) Process(ctx context.Context, ev *types.WebhookEvent) (Outcome, error) {
	start := p.now()
	key := ev.LedgerKey()

	claimed, err := p.ledger.Claim(ctx, key)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		metrics.Get().RecordDuplicate()
		metrics.Get().RecordWebhookEvent(string(ev.Kind), string(OutcomeDuplicate), p.now().Sub(start))
		p.logger.Debug().Str("key", key).Msg("duplicate delivery ignored")
		return OutcomeDuplicate, nil
	}

	outcome, err := p.handle(ctx, ev)
	if err != nil {
		if relErr := p.ledger.Release(ctx, key); relErr != nil {
			p.logger.Error().Err(relErr).Str("key", key).Msg("failed to release ledger claim")
		}
		metrics.Get().RecordWebhookEvent(string(ev.Kind), "error", p.now().Sub(start))
		return "", err
	}

	if err := p.ledger.Commit(ctx, key); err != nil {
		// the event is applied; a redelivery will be a conflict at worst
		p.logger.Error().Err(err).Str("key", key).Msg("failed to commit ledger claim")
	}
	metrics.Get().RecordWebhookEvent(string(ev.Kind), string(outcome), p.now().Sub(start))
	return outcome, nil
}

func (p *Processor) handle(ctx context.Context, ev *types.WebhookEvent) (Outcome, error) {
	res, err := p.machine.Apply(ctx, ev)
	if err != nil {
		var orphan *lifecycle.OrphanEventError
		if errors.As(err, &orphan) {
			metrics.Get().RecordOrphan()
			p.logger.Warn().
				Str("interaction_id", ev.InteractionID).
				Str("event_kind", string(ev.Kind)).
				Msg("event for unknown interaction accepted and dropped")
			return OutcomeOrphan, nil
		}
		return "", err
	}

	if err := p.afterApply(ctx, res); err != nil {
		return "", err
	}

	for i := range res.FollowUps {
		follow := res.FollowUps[i]
		sub, err := p.machine.Apply(ctx, &follow)
		if err != nil {
			var orphan *lifecycle.OrphanEventError
			if errors.As(err, &orphan) {
				continue
			}
			return "", err
		}
		if err := p.afterApply(ctx, sub); err != nil {
			return "", err
		}
	}

	if res.Conflict && !res.Changed() {
		return OutcomeConflict, nil
	}
	return OutcomeProcessed, nil
}

// afterApply runs the side effects of one applied event
func (p *Processor) afterApply(ctx context.Context, res *lifecycle.Result) error {
	in := res.Interaction

	if res.Created || res.InboundMessage {
		p.assignAsync(in, res.Created)
	}

	// terminal states and voicemail end the task
	if res.Transitioned && !routable(in) && p.scheduler != nil {
		if task := p.scheduler.CloseInteraction(in.ID); task != nil {
			p.logger.Debug().
				Str("interaction_id", in.ID).
				Str("task_id", task.ID).
				Str("task_state", string(task.State)).
				Msg("task closed with interaction")
		}
	}

	// recording is idempotent per interaction, so a retried delivery of the
	// terminal event recovers an entry whose creation failed
	if in.State.IsTerminal() && p.activity != nil {
		if _, err := p.activity.Record(ctx, in, "", ""); err != nil && !errors.Is(err, activity.ErrNotLoggable) {
			return fmt.Errorf("record activity for %s: %w", in.ID, err)
		}
	}
	return nil
}

// Wait blocks until background routing work finishes
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) assignAsync(in *types.Interaction, created bool) {
	if p.scheduler == nil || p.router == nil {
		return
	}
	if !created {
		if _, open := p.scheduler.OpenTask(in.ID); open {
			return
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.assign(context.Background(), in.ID); err != nil {
			p.logger.Error().Err(err).Str("interaction_id", in.ID).Msg("failed to route interaction")
		}
	}()
}

// assign resolves the counterparty, routes the interaction and enqueues a
// task. It runs outside the interaction lock.
func (p *Processor) assign(ctx context.Context, id string) error {
	in, err := p.machine.Get(ctx, id)
	if err != nil {
		return err
	}
	if !routable(in) {
		return nil
	}

	var contactRef *types.Contact
	status := types.ContactDegraded
	if p.resolver != nil {
		res := p.resolver.Resolve(ctx, in.Counterparty())
		contactRef = res.Contact
		status = res.ContactStatus()
	}

	decision := p.router.Route(routing.Input{Interaction: in, Contact: contactRef, Now: p.now()})

	in, err = p.machine.Update(ctx, id, func(x *types.Interaction) bool {
		x.ContactStatus = status
		if contactRef != nil {
			x.ContactID = contactRef.ID
		}
		x.Queue = decision.Queue
		return true
	})
	if err != nil {
		return err
	}
	if !routable(in) {
		return nil
	}

	task := types.Task{
		InteractionID:   in.ID,
		InteractionKind: in.Kind,
		Queue:           decision.Queue,
		RuleID:          decision.RuleID,
		RequiredSkills:  decision.RequiredSkills,
	}
	if contactRef != nil {
		task.PreferredWorkerID = contactRef.AssignedCoordinatorID
	}
	task = p.scheduler.Enqueue(task)

	in, err = p.machine.Update(ctx, id, func(x *types.Interaction) bool {
		if x.TaskID == task.ID {
			return false
		}
		x.TaskID = task.ID
		return true
	})
	if err != nil {
		return err
	}

	// the interaction may have ended while we were routing
	if !routable(in) {
		p.scheduler.CloseInteraction(in.ID)
	}

	p.logger.Info().
		Str("interaction_id", in.ID).
		Str("queue", string(decision.Queue)).
		Str("rule_id", decision.RuleID).
		Str("contact_status", string(status)).
		Str("task_id", task.ID).
		Msg("interaction routed")
	return nil
}

// routable reports whether the interaction still needs a worker. A call
// that went to voicemail no longer does.
func routable(in *types.Interaction) bool {
	return !in.State.IsTerminal() && in.State != types.StateVoicemail
}

// TaskAccepted records the worker on the interaction
func (p *Processor) TaskAccepted(ctx context.Context, task types.Task) error {
	_, err := p.machine.Update(ctx, task.InteractionID, func(x *types.Interaction) bool {
		x.AssignedWorkerID = task.ReservedWorkerID
		x.TaskID = task.ID
		return true
	})
	return err
}

// TaskCompleted logs a conversation segment when a thread's task ends
// and frees the thread for the next inbound message
func (p *Processor) TaskCompleted(ctx context.Context, task types.Task) error {
	in, err := p.machine.Update(ctx, task.InteractionID, func(x *types.Interaction) bool {
		if x.TaskID != task.ID {
			return false
		}
		x.TaskID = ""
		return true
	})
	if err != nil {
		return err
	}

	if in.Kind == types.KindMessageThread && p.activity != nil {
		if _, err := p.activity.Record(ctx, in, task.ID, task.ReservedWorkerID); err != nil {
			return fmt.Errorf("record sms activity for %s: %w", in.ID, err)
		}
	}
	return nil
}
