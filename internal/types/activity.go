package types

import "time"

// ActivityKind is the CRM activity type
type ActivityKind string

const (
	ActivityCall      ActivityKind = "call"
	ActivitySMS       ActivityKind = "sms"
	ActivityVoicemail ActivityKind = "voicemail"
)

// DeliveryState is the CRM delivery state of an activity log entry
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// ActivityLogEntry is the CRM record for a completed interaction.
// Retry state travels with the entry so it survives restarts.
type ActivityLogEntry struct {
	Key           string        `json:"key" dynamodbav:"EntryKey"` // interactionId|kind[|segment]
	InteractionID string        `json:"interactionId" dynamodbav:"InteractionID"`
	Kind          ActivityKind  `json:"kind" dynamodbav:"Kind"`
	SegmentID     string        `json:"segmentId,omitempty" dynamodbav:"SegmentID,omitempty"`
	ContactID     string        `json:"contactId,omitempty" dynamodbav:"ContactID,omitempty"`
	Outcome       string        `json:"outcome" dynamodbav:"Outcome"`
	DurationSecs  int           `json:"durationSecs,omitempty" dynamodbav:"DurationSecs,omitempty"`
	RecordingURL  string        `json:"recordingUrl,omitempty" dynamodbav:"RecordingURL,omitempty"`
	Transcription string        `json:"transcription,omitempty" dynamodbav:"Transcription,omitempty"`
	WorkerID      string        `json:"workerId,omitempty" dynamodbav:"WorkerID,omitempty"`
	DeliveryState DeliveryState `json:"deliveryState" dynamodbav:"DeliveryState"`
	Attempts      int           `json:"attempts" dynamodbav:"Attempts"`
	LastError     string        `json:"lastError,omitempty" dynamodbav:"LastError,omitempty"`
	NextAttemptAt time.Time     `json:"nextAttemptAt" dynamodbav:"NextAttemptAt"`
	CreatedAt     time.Time     `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt     time.Time     `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// ActivityKey builds the de-duplication key of an entry
func ActivityKey(interactionID string, kind ActivityKind, segmentID string) string {
	key := interactionID + "|" + string(kind)
	if segmentID != "" {
		key += "|" + segmentID
	}
	return key
}
