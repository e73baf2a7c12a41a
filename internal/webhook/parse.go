package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// ValidationError describes a malformed payload
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var e164 = regexp.MustCompile(`^\+[0-9]{2,15}$`)

// ThreadID names the message thread between a counterparty and one of our
// numbers
func ThreadID(counterparty, ours string) string {
	return "thread:" + counterparty + ":" + ours
}

// Fingerprint hashes the sorted form parameters of a delivery
func Fingerprint(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(v))
			h.Write([]byte{'\n'})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// parser turns form parameters into an event
type parser func(form url.Values) (*types.WebhookEvent, error)

type fields struct {
	form url.Values
	err  error
}

func (f *fields) required(name string) string {
	v := strings.TrimSpace(f.form.Get(name))
	if v == "" && f.err == nil {
		f.err = &ValidationError{Field: name, Reason: "required"}
	}
	return v
}

func (f *fields) address(name string) string {
	v := f.required(name)
	if v != "" && !e164.MatchString(v) && f.err == nil {
		f.err = &ValidationError{Field: name, Reason: "not an E.164 number"}
	}
	return v
}

func (f *fields) optionalInt(name string) *int {
	raw := strings.TrimSpace(f.form.Get(name))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if (err != nil || n < 0) && f.err == nil {
		f.err = &ValidationError{Field: name, Reason: "not a non-negative integer"}
		return nil
	}
	return &n
}

func (f *fields) flag(name string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(f.form.Get(name)))
	return v
}

func (f *fields) mediaURL(name string) string {
	v := f.required(name)
	if v == "" {
		return v
	}
	u, err := url.Parse(v)
	if (err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "") && f.err == nil {
		f.err = &ValidationError{Field: name, Reason: "not an absolute http(s) url"}
	}
	return v
}

func direction(raw string) types.Direction {
	if strings.HasPrefix(strings.ToLower(raw), "outbound") {
		return types.DirectionOutbound
	}
	return types.DirectionInbound
}

func parseVoice(form url.Values) (*types.WebhookEvent, error) {
	f := &fields{form: form}
	ev := &types.WebhookEvent{
		InteractionID: f.required("CallSid"),
		Kind:          types.EventRinging,
		From:          f.address("From"),
		To:            f.address("To"),
		Direction:     direction(form.Get("Direction")),
		Topic:         strings.TrimSpace(form.Get("Topic")),
	}
	ev.Signal = strings.TrimSpace(form.Get("SpeechResult"))
	if ev.Signal == "" {
		ev.Signal = strings.TrimSpace(form.Get("Digits"))
	}
	return ev, f.err
}

var callStatuses = map[string]types.EventKind{
	"ringing":     types.EventRinging,
	"in-progress": types.EventAnswered,
	"answered":    types.EventAnswered,
	"completed":   types.EventCompleted,
	"no-answer":   types.EventNoAnswer,
	"busy":        types.EventNoAnswer,
	"canceled":    types.EventNoAnswer,
	"failed":      types.EventFailed,
	"voicemail":   types.EventVoicemail,
}

func parseStatus(form url.Values) (*types.WebhookEvent, error) {
	f := &fields{form: form}
	ev := &types.WebhookEvent{InteractionID: f.required("CallSid")}

	status := strings.ToLower(f.required("CallStatus"))
	kind, ok := callStatuses[status]
	if status != "" && !ok && f.err == nil {
		f.err = &ValidationError{Field: "CallStatus", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	ev.Kind = kind
	ev.DurationSecs = f.optionalInt("CallDuration")
	ev.Direction = direction(form.Get("Direction"))
	ev.FailureReason = strings.TrimSpace(form.Get("ErrorMessage"))

	// a ringing status can create the call, so it needs the parties
	if kind == types.EventRinging {
		ev.From = f.address("From")
		ev.To = f.address("To")
	}
	return ev, f.err
}

func parseRecording(form url.Values) (*types.WebhookEvent, error) {
	f := &fields{form: form}
	ev := &types.WebhookEvent{
		InteractionID:          f.required("CallSid"),
		Kind:                   types.EventRecordingReady,
		RecordingID:            f.required("RecordingSid"),
		RecordingURL:           f.mediaURL("RecordingUrl"),
		DurationSecs:           f.optionalInt("RecordingDuration"),
		TranscriptionRequested: f.flag("TranscriptionRequested"),
	}
	return ev, f.err
}

func parseTranscription(form url.Values) (*types.WebhookEvent, error) {
	f := &fields{form: form}
	ev := &types.WebhookEvent{
		InteractionID:     f.required("CallSid"),
		Kind:              types.EventTranscriptionReady,
		TranscriptionText: strings.TrimSpace(form.Get("TranscriptionText")),
	}
	switch status := strings.ToLower(f.required("TranscriptionStatus")); status {
	case "completed", "":
	case "failed":
		ev.TranscriptionFailed = true
	default:
		if f.err == nil {
			f.err = &ValidationError{Field: "TranscriptionStatus", Reason: fmt.Sprintf("unknown status %q", status)}
		}
	}
	return ev, f.err
}

func parseMessage(form url.Values) (*types.WebhookEvent, error) {
	f := &fields{form: form}
	ev := &types.WebhookEvent{
		Kind:        types.EventMessageReceived,
		MessageID:   f.required("MessageSid"),
		From:        f.address("From"),
		To:          f.address("To"),
		Direction:   direction(form.Get("Direction")),
		MessageBody: form.Get("Body"),
		Topic:       strings.TrimSpace(form.Get("Topic")),
	}
	ev.InteractionID = threadFor(ev)
	return ev, f.err
}

var messageStatuses = map[string]types.MessageStatus{
	"queued":      types.MessageQueued,
	"accepted":    types.MessageQueued,
	"sending":     types.MessageQueued,
	"sent":        types.MessageSent,
	"delivered":   types.MessageDelivered,
	"failed":      types.MessageFailed,
	"undelivered": types.MessageFailed,
}

func parseMessageStatus(form url.Values) (*types.WebhookEvent, error) {
	f := &fields{form: form}
	ev := &types.WebhookEvent{
		Kind:      types.EventMessageStatus,
		MessageID: f.required("MessageSid"),
		From:      f.address("From"),
		To:        f.address("To"),
		Direction: types.DirectionOutbound,
	}
	if raw := strings.TrimSpace(form.Get("Direction")); raw != "" {
		ev.Direction = direction(raw)
	}

	status := strings.ToLower(f.required("MessageStatus"))
	st, ok := messageStatuses[status]
	if status != "" && !ok && f.err == nil {
		f.err = &ValidationError{Field: "MessageStatus", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	ev.MessageStatus = st
	ev.InteractionID = threadFor(ev)
	return ev, f.err
}

func threadFor(ev *types.WebhookEvent) string {
	if ev.Direction == types.DirectionOutbound {
		return ThreadID(ev.To, ev.From)
	}
	return ThreadID(ev.From, ev.To)
}
