package types

import "time"

// EventKind is the closed set of provider lifecycle events
type EventKind string

const (
	EventRinging            EventKind = "ringing"
	EventAnswered           EventKind = "answered"
	EventCompleted          EventKind = "completed"
	EventNoAnswer           EventKind = "no-answer"
	EventVoicemail          EventKind = "voicemail"
	EventFailed             EventKind = "failed"
	EventRecordingReady     EventKind = "recording-ready"
	EventTranscriptionReady EventKind = "transcription-ready"
	EventMessageReceived    EventKind = "message-received"
	EventMessageStatus      EventKind = "message-status"
)

// Creates reports whether the event may create an unknown interaction
func (k EventKind) Creates() bool {
	return k == EventRinging || k == EventMessageReceived
}

// WebhookEvent is a validated provider event. Optional payload fields are
// zero when the provider did not send them.
type WebhookEvent struct {
	InteractionID string            `json:"interactionId"`
	Kind          EventKind         `json:"kind"`
	ReceivedAt    time.Time         `json:"receivedAt"`
	Fingerprint   string            `json:"fingerprint"`
	Params        map[string]string `json:"params,omitempty"`

	Direction Direction `json:"direction,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Topic     string    `json:"topic,omitempty"`

	DurationSecs           *int   `json:"durationSecs,omitempty"`
	RecordingID            string `json:"recordingId,omitempty"`
	RecordingURL           string `json:"recordingUrl,omitempty"`
	TranscriptionRequested bool   `json:"transcriptionRequested,omitempty"`
	TranscriptionText      string `json:"transcriptionText,omitempty"`
	TranscriptionFailed    bool   `json:"transcriptionFailed,omitempty"`
	FailureReason          string `json:"failureReason,omitempty"`

	MessageID     string        `json:"messageId,omitempty"`
	MessageBody   string        `json:"messageBody,omitempty"`
	MessageStatus MessageStatus `json:"messageStatus,omitempty"`
}

// LedgerKey is the idempotency key of the event
func (e *WebhookEvent) LedgerKey() string {
	return e.InteractionID + "|" + string(e.Kind) + "|" + e.Fingerprint
}
