package activity

import "github.com/dennisdiepolder/monti/comms/internal/types"

// Outcome values sent to the CRM
const (
	OutcomeCompleted              = "completed"
	OutcomeMissed                 = "missed"
	OutcomeFailed                 = "failed"
	OutcomeVoicemail              = "voicemail"
	OutcomeVoicemailUntranscribed = "voicemail_untranscribed"
	OutcomeConversation           = "conversation"
)

func outcomeFor(in *types.Interaction) (types.ActivityKind, string, bool) {
	switch in.Kind {
	case types.KindCall:
		switch in.State {
		case types.StateCompleted:
			if in.VoicemailID != "" {
				return types.ActivityCall, OutcomeVoicemail, true
			}
			return types.ActivityCall, OutcomeCompleted, true
		case types.StateNoAnswer:
			return types.ActivityCall, OutcomeMissed, true
		case types.StateFailed:
			return types.ActivityCall, OutcomeFailed, true
		}
	case types.KindVoicemail:
		switch in.State {
		case types.StateReady:
			return types.ActivityVoicemail, OutcomeVoicemail, true
		case types.StateTranscriptionFailed:
			return types.ActivityVoicemail, OutcomeVoicemailUntranscribed, true
		}
	case types.KindMessageThread:
		return types.ActivitySMS, OutcomeConversation, true
	}
	return "", "", false
}

func (l *Logger) buildEntry(in *types.Interaction, segmentID, workerID string) (*types.ActivityLogEntry, error) {
	kind, outcome, ok := outcomeFor(in)
	if !ok {
		return nil, ErrNotLoggable
	}
	if workerID == "" {
		workerID = in.AssignedWorkerID
	}

	now := l.now()
	return &types.ActivityLogEntry{
		Key:           types.ActivityKey(in.ID, kind, segmentID),
		InteractionID: in.ID,
		Kind:          kind,
		SegmentID:     segmentID,
		ContactID:     in.ContactID,
		Outcome:       outcome,
		DurationSecs:  in.DurationSecs,
		RecordingURL:  in.RecordingURL,
		Transcription: in.TranscriptionText,
		WorkerID:      workerID,
		DeliveryState: types.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
