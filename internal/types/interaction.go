package types

import "time"

// InteractionKind identifies which lifecycle an interaction follows
type InteractionKind string

const (
	KindCall          InteractionKind = "call"
	KindMessageThread InteractionKind = "message_thread"
	KindVoicemail     InteractionKind = "voicemail"
)

// InteractionState is the lifecycle state of an interaction.
// Call, voicemail and thread states share one namespace.
type InteractionState string

const (
	// Call states
	StateRinging    InteractionState = "ringing"
	StateInProgress InteractionState = "in_progress"
	StateVoicemail  InteractionState = "voicemail"
	StateCompleted  InteractionState = "completed"
	StateNoAnswer   InteractionState = "no_answer"
	StateFailed     InteractionState = "failed"

	// Message thread state (append-only, never terminal)
	StateOpen InteractionState = "open"

	// Voicemail states
	StateRecording           InteractionState = "recording"
	StateTranscribing        InteractionState = "transcribing"
	StateReady               InteractionState = "ready"
	StateTranscriptionFailed InteractionState = "transcription_failed"
)

// IsTerminal reports whether no further state edges leave the state
func (s InteractionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateNoAnswer, StateFailed, StateReady, StateTranscriptionFailed:
		return true
	}
	return false
}

// Direction of an interaction relative to the contact center
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ContactStatus records the outcome of contact resolution on an interaction
type ContactStatus string

const (
	ContactPending  ContactStatus = "pending"
	ContactResolved ContactStatus = "resolved"
	ContactNotFound ContactStatus = "not_found"
	ContactDegraded ContactStatus = "degraded"
)

// MessageStatus is the delivery sub-state of a single message in a thread
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// Rank orders delivery sub-states so only forward moves are applied
func (s MessageStatus) Rank() int {
	switch s {
	case MessageQueued:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered, MessageFailed:
		return 3
	}
	return 0
}

// Message is one entry of a message thread
type Message struct {
	MessageID string        `json:"messageId" dynamodbav:"MessageID"`
	Direction Direction     `json:"direction" dynamodbav:"Direction"`
	Body      string        `json:"body,omitempty" dynamodbav:"Body,omitempty"`
	Status    MessageStatus `json:"status" dynamodbav:"Status"`
	CreatedAt time.Time     `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt time.Time     `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// Interaction is a single call, message thread or voicemail
type Interaction struct {
	ID        string           `json:"id" dynamodbav:"InteractionID"`
	Kind      InteractionKind  `json:"kind" dynamodbav:"Kind"`
	Direction Direction        `json:"direction" dynamodbav:"Direction"`
	From      string           `json:"from" dynamodbav:"From"`
	To        string           `json:"to" dynamodbav:"To"`
	State     InteractionState `json:"state" dynamodbav:"State"`
	CreatedAt time.Time        `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt time.Time        `json:"updatedAt" dynamodbav:"UpdatedAt"`

	ContactID        string        `json:"contactId,omitempty" dynamodbav:"ContactID,omitempty"`
	ContactStatus    ContactStatus `json:"contactStatus,omitempty" dynamodbav:"ContactStatus,omitempty"`
	AssignedWorkerID string        `json:"assignedWorkerId,omitempty" dynamodbav:"AssignedWorkerID,omitempty"`
	Queue            QueueName     `json:"queue,omitempty" dynamodbav:"Queue,omitempty"`
	TaskID           string        `json:"taskId,omitempty" dynamodbav:"TaskID,omitempty"`
	Topic            string        `json:"topic,omitempty" dynamodbav:"Topic,omitempty"`
	Signal           string        `json:"signal,omitempty" dynamodbav:"Signal,omitempty"` // IVR input or message text used for routing
	ParentID         string        `json:"parentId,omitempty" dynamodbav:"ParentID,omitempty"`
	VoicemailID      string        `json:"voicemailId,omitempty" dynamodbav:"VoicemailID,omitempty"`

	DurationSecs      int    `json:"durationSecs,omitempty" dynamodbav:"DurationSecs,omitempty"`
	RecordingID       string `json:"recordingId,omitempty" dynamodbav:"RecordingID,omitempty"`
	RecordingURL      string `json:"recordingUrl,omitempty" dynamodbav:"RecordingURL,omitempty"`
	TranscriptionText string `json:"transcriptionText,omitempty" dynamodbav:"TranscriptionText,omitempty"`
	FailureReason     string `json:"failureReason,omitempty" dynamodbav:"FailureReason,omitempty"`

	Messages []Message `json:"messages,omitempty" dynamodbav:"Messages,omitempty"`

	// Version increases on every stored write. Saves are conditional on it.
	Version int64 `json:"version" dynamodbav:"Version"`
}

// Counterparty returns the external address of the interaction
func (i *Interaction) Counterparty() string {
	if i.Direction == DirectionOutbound {
		return i.To
	}
	return i.From
}

// FindMessage returns the index of the message with the given id, or -1
func (i *Interaction) FindMessage(messageID string) int {
	for idx := range i.Messages {
		if i.Messages[idx].MessageID == messageID {
			return idx
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand to other goroutines
func (i *Interaction) Clone() *Interaction {
	c := *i
	if i.Messages != nil {
		c.Messages = make([]Message, len(i.Messages))
		copy(c.Messages, i.Messages)
	}
	return &c
}
