// Package lifecycle applies provider events to interactions.
//
// Every event for one interaction runs under that interaction's lock, so
// the read-transition-write cycle never interleaves. Events for different
// interactions run in parallel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/keylock"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
)

// Result describes what an event did to an interaction
type Result struct {
	Interaction    *types.Interaction
	Previous       types.InteractionState
	Created        bool
	Transitioned   bool
	Attached       bool // metadata changed
	Conflict       bool // no edge matched; the event is still consumed
	BecameTerminal bool
	InboundMessage bool // a new inbound message was appended to a thread

	// Voicemail is set when the event moved a call into voicemail
	Voicemail *types.Interaction

	// FollowUps are events that must be applied to related interactions
	// after this one is committed.
	FollowUps []types.WebhookEvent
}

// Changed reports whether the stored interaction was modified
func (r *Result) Changed() bool {
	return r.Created || r.Transitioned || r.Attached
}

// maxAttempts bounds how often an event is re-applied after another
// instance wrote the same interaction first
const maxAttempts = 5

// Machine owns interaction state
type Machine struct {
	store  storage.Store
	locks  *keylock.Locker
	logger zerolog.Logger
	now    func() time.Time

	onCommit func(*types.Interaction)
}

// NewMachine creates a state machine over the given store
func NewMachine(store storage.Store, logger zerolog.Logger) *Machine {
	return &Machine{
		store:  store,
		locks:  keylock.New(),
		logger: logger.With().Str("component", "lifecycle").Logger(),
		now:    time.Now,
	}
}

// OnCommit registers fn to receive a copy of every stored change. fn runs
// while the interaction's lock is held, so changes to one interaction
// reach it in commit order. Register before the first Apply.
func (m *Machine) OnCommit(fn func(*types.Interaction)) {
	m.onCommit = fn
}

func (m *Machine) committed(in *types.Interaction) {
	if m.onCommit != nil {
		m.onCommit(in.Clone())
	}
}

// VoicemailID returns the interaction id of a call's voicemail
func VoicemailID(callID string) string {
	return callID + ":voicemail"
}

// Apply applies one event. It returns *OrphanEventError when the event
// refers to an unknown interaction and cannot create it.
//
// The lock only serializes this process. When another instance saves the
// interaction between our read and write, the event is applied again to
// the fresh copy.
func (m *Machine) Apply(ctx context.Context, ev *types.WebhookEvent) (*Result, error) {
	unlock := m.locks.Lock(ev.InteractionID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		res, err := m.applyOnce(ctx, ev)
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxAttempts {
			m.logger.Debug().
				Str("interaction_id", ev.InteractionID).
				Int("attempt", attempt).
				Msg("interaction changed concurrently, reapplying event")
			continue
		}
		if err != nil {
			return nil, err
		}
		if res.Changed() {
			m.committed(res.Interaction)
		}
		if res.Voicemail != nil {
			m.committed(res.Voicemail)
		}
		return res, nil
	}
}

func (m *Machine) applyOnce(ctx context.Context, ev *types.WebhookEvent) (*Result, error) {
	current, err := m.store.GetInteraction(ctx, ev.InteractionID)
	if errors.Is(err, storage.ErrNotFound) {
		if !ev.Kind.Creates() {
			return nil, &OrphanEventError{InteractionID: ev.InteractionID, Kind: ev.Kind}
		}
		created := m.newInteraction(ev)
		err = m.store.CreateInteraction(ctx, created)
		if err == nil {
			m.logger.Debug().
				Str("interaction_id", created.ID).
				Str("kind", string(created.Kind)).
				Msg("interaction created")
			return &Result{
				Interaction:    created.Clone(),
				Created:        true,
				InboundMessage: created.Kind == types.KindMessageThread && created.Direction == types.DirectionInbound,
			}, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("create interaction %s: %w", ev.InteractionID, err)
		}
		// another instance created it between our read and write
		current, err = m.store.GetInteraction(ctx, ev.InteractionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load interaction %s: %w", ev.InteractionID, err)
	}

	res := &Result{Previous: current.State}
	if current.Kind == types.KindMessageThread {
		m.applyThread(current, ev, res)
	} else {
		m.applyStateful(current, ev, res)
	}

	if res.Transitioned || res.Attached {
		current.UpdatedAt = m.now()
		if err := m.store.SaveInteraction(ctx, current); err != nil {
			return nil, fmt.Errorf("save interaction %s: %w", current.ID, err)
		}
	}

	// the child exists only once the call has committed its move into voicemail
	if res.Voicemail != nil {
		if err := m.store.CreateInteraction(ctx, res.Voicemail); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("create voicemail %s: %w", res.Voicemail.ID, err)
		}
		res.Voicemail = res.Voicemail.Clone()
	}

	if res.Conflict {
		m.logger.Debug().
			Str("interaction_id", current.ID).
			Str("state", string(current.State)).
			Str("event_kind", string(ev.Kind)).
			Msg("no transition for event")
	}

	res.Interaction = current.Clone()
	return res, nil
}

func (m *Machine) applyStateful(in *types.Interaction, ev *types.WebhookEvent, res *Result) {
	if next, ok := nextState(in, ev); ok {
		in.State = next
		res.Transitioned = true
		res.BecameTerminal = next.IsTerminal()
		if ev.Kind == types.EventFailed && ev.FailureReason != "" {
			in.FailureReason = ev.FailureReason
		}
		if in.Kind == types.KindCall && next == types.StateVoicemail && in.VoicemailID == "" {
			res.Voicemail = m.newVoicemail(in)
			in.VoicemailID = res.Voicemail.ID
		}
	} else {
		res.Conflict = true
	}

	if attachMetadata(in, ev) {
		res.Attached = true
	}

	// recording and transcription webhooks arrive keyed by the call
	if in.Kind == types.KindCall && in.VoicemailID != "" &&
		(ev.Kind == types.EventRecordingReady || ev.Kind == types.EventTranscriptionReady) {
		follow := *ev
		follow.InteractionID = in.VoicemailID
		res.FollowUps = append(res.FollowUps, follow)
	}
}

func (m *Machine) applyThread(in *types.Interaction, ev *types.WebhookEvent, res *Result) {
	now := m.now()
	switch ev.Kind {
	case types.EventMessageReceived:
		if in.FindMessage(ev.MessageID) >= 0 {
			res.Conflict = true
			return
		}
		in.Messages = append(in.Messages, newMessage(ev, now))
		if ev.MessageBody != "" {
			in.Signal = ev.MessageBody
		}
		res.Attached = true
		res.InboundMessage = messageDirection(ev) == types.DirectionInbound

	case types.EventMessageStatus:
		idx := in.FindMessage(ev.MessageID)
		if idx < 0 {
			msg := newMessage(ev, now)
			msg.Status = ev.MessageStatus
			in.Messages = append(in.Messages, msg)
			res.Attached = true
			return
		}
		msg := &in.Messages[idx]
		if ev.MessageStatus.Rank() <= msg.Status.Rank() {
			res.Conflict = true
			return
		}
		msg.Status = ev.MessageStatus
		msg.UpdatedAt = now
		res.Attached = true

	default:
		res.Conflict = true
	}
}

// Update runs fn on the stored interaction under its lock and saves the
// result when fn reports a change. It is how collaborators attach data
// such as the resolved contact or the assigned worker. fn runs again on a
// fresh copy when the save loses a version race, so it must only mutate
// its argument.
func (m *Machine) Update(ctx context.Context, id string, fn func(*types.Interaction) bool) (*types.Interaction, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		in, err := m.store.GetInteraction(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load interaction %s: %w", id, err)
		}
		if !fn(in) {
			return in, nil
		}
		in.UpdatedAt = m.now()
		err = m.store.SaveInteraction(ctx, in)
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxAttempts {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save interaction %s: %w", id, err)
		}
		m.committed(in)
		return in.Clone(), nil
	}
}

// Get returns a copy of the stored interaction
func (m *Machine) Get(ctx context.Context, id string) (*types.Interaction, error) {
	return m.store.GetInteraction(ctx, id)
}

func (m *Machine) newInteraction(ev *types.WebhookEvent) *types.Interaction {
	now := m.now()
	in := &types.Interaction{
		ID:            ev.InteractionID,
		Direction:     ev.Direction,
		From:          ev.From,
		To:            ev.To,
		CreatedAt:     now,
		UpdatedAt:     now,
		ContactStatus: types.ContactPending,
		Signal:        ev.Signal,
		Topic:         ev.Topic,
	}
	if in.Direction == "" {
		in.Direction = types.DirectionInbound
	}

	switch ev.Kind {
	case types.EventRinging:
		in.Kind = types.KindCall
		in.State = types.StateRinging
	case types.EventMessageReceived:
		in.Kind = types.KindMessageThread
		in.State = types.StateOpen
		in.Messages = []types.Message{newMessage(ev, now)}
		if ev.MessageBody != "" {
			in.Signal = ev.MessageBody
		}
	}
	return in
}

func (m *Machine) newVoicemail(call *types.Interaction) *types.Interaction {
	now := m.now()
	return &types.Interaction{
		ID:            VoicemailID(call.ID),
		Kind:          types.KindVoicemail,
		Direction:     call.Direction,
		From:          call.From,
		To:            call.To,
		State:         types.StateRecording,
		CreatedAt:     now,
		UpdatedAt:     now,
		ParentID:      call.ID,
		ContactID:     call.ContactID,
		ContactStatus: call.ContactStatus,
		Topic:         call.Topic,
	}
}

func messageDirection(ev *types.WebhookEvent) types.Direction {
	if ev.Direction == "" {
		return types.DirectionInbound
	}
	return ev.Direction
}

func newMessage(ev *types.WebhookEvent, now time.Time) types.Message {
	status := types.MessageDelivered
	if messageDirection(ev) == types.DirectionOutbound {
		status = types.MessageQueued
	}
	return types.Message{
		MessageID: ev.MessageID,
		Direction: messageDirection(ev),
		Body:      ev.MessageBody,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
