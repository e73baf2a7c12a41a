package lifecycle

import "github.com/dennisdiepolder/monti/comms/internal/types"

// callEdges is the call lifecycle. ringing -> completed exists so a
// completion that overtakes its answered event still lands correctly.
var callEdges = map[types.InteractionState]map[types.EventKind]types.InteractionState{
	types.StateRinging: {
		types.EventAnswered:  types.StateInProgress,
		types.EventCompleted: types.StateCompleted,
		types.EventNoAnswer:  types.StateNoAnswer,
		types.EventVoicemail: types.StateVoicemail,
		types.EventFailed:    types.StateFailed,
	},
	types.StateInProgress: {
		types.EventCompleted: types.StateCompleted,
		types.EventFailed:    types.StateFailed,
	},
	types.StateVoicemail: {
		types.EventCompleted: types.StateCompleted,
		types.EventFailed:    types.StateFailed,
	},
}

// nextState returns the target state for an event, or false when the
// interaction has no matching edge.
func nextState(in *types.Interaction, ev *types.WebhookEvent) (types.InteractionState, bool) {
	switch in.Kind {
	case types.KindCall:
		next, ok := callEdges[in.State][ev.Kind]
		return next, ok
	case types.KindVoicemail:
		return nextVoicemailState(in.State, ev)
	}
	return "", false
}

func nextVoicemailState(state types.InteractionState, ev *types.WebhookEvent) (types.InteractionState, bool) {
	switch state {
	case types.StateRecording:
		switch ev.Kind {
		case types.EventRecordingReady:
			if ev.TranscriptionRequested {
				return types.StateTranscribing, true
			}
			return types.StateReady, true
		case types.EventTranscriptionReady:
			return transcriptionOutcome(ev), true
		case types.EventFailed:
			return types.StateTranscriptionFailed, true
		}
	case types.StateTranscribing:
		switch ev.Kind {
		case types.EventTranscriptionReady:
			return transcriptionOutcome(ev), true
		case types.EventFailed:
			return types.StateTranscriptionFailed, true
		}
	}
	return "", false
}

func transcriptionOutcome(ev *types.WebhookEvent) types.InteractionState {
	if ev.TranscriptionFailed {
		return types.StateTranscriptionFailed
	}
	return types.StateReady
}

// attachMetadata copies payload data onto the interaction regardless of its
// state and reports whether anything changed.
func attachMetadata(in *types.Interaction, ev *types.WebhookEvent) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}

	switch ev.Kind {
	case types.EventCompleted:
		if ev.DurationSecs != nil && in.DurationSecs != *ev.DurationSecs {
			in.DurationSecs = *ev.DurationSecs
			changed = true
		}
	case types.EventRecordingReady:
		set(&in.RecordingID, ev.RecordingID)
		set(&in.RecordingURL, ev.RecordingURL)
		if in.Kind == types.KindVoicemail && ev.DurationSecs != nil && in.DurationSecs != *ev.DurationSecs {
			in.DurationSecs = *ev.DurationSecs
			changed = true
		}
	case types.EventTranscriptionReady:
		set(&in.TranscriptionText, ev.TranscriptionText)
	}
	return changed
}
