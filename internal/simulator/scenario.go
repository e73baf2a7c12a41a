package simulator

import (
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Step is one callback in a scenario
type Step struct {
	Path   string
	Params url.Values
	Delay  time.Duration // wait before sending
}

// Scenario names a scripted interaction and how often it occurs
type Scenario struct {
	Name   string
	Weight float64
	Build  func(rng *rand.Rand, p Parties) []Step
}

// Parties are the numbers a scenario plays between
type Parties struct {
	Caller string
	Ours   string
}

// Scenario names
const (
	ScenarioAnsweredCall = "answered_call"
	ScenarioMissedCall   = "missed_call"
	ScenarioVoicemail    = "voicemail"
	ScenarioEmergency    = "emergency_call"
	ScenarioMessages     = "message_thread"
)

// DefaultScenarios is the traffic mix used by the simulator
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: ScenarioAnsweredCall, Weight: 5, Build: answeredCall},
		{Name: ScenarioMissedCall, Weight: 2, Build: missedCall},
		{Name: ScenarioVoicemail, Weight: 1, Build: voicemail},
		{Name: ScenarioEmergency, Weight: 0.5, Build: emergencyCall},
		{Name: ScenarioMessages, Weight: 3, Build: messageThread},
	}
}

func sid(prefix string) string {
	return prefix + uuid.New().String()
}

func callParams(callSid string, p Parties) url.Values {
	return url.Values{
		"CallSid":   {callSid},
		"From":      {p.Caller},
		"To":        {p.Ours},
		"Direction": {"inbound"},
	}
}

func statusParams(callSid, status string) url.Values {
	return url.Values{"CallSid": {callSid}, "CallStatus": {status}}
}

func pause(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

func answeredCall(rng *rand.Rand, p Parties) []Step {
	callSid := sid("CA")
	voice := callParams(callSid, p)
	voice.Set("Topic", []string{"billing", "support", "sales"}[rng.Intn(3)])

	duration := 30 + rng.Intn(300)
	completed := statusParams(callSid, "completed")
	completed.Set("CallDuration", strconv.Itoa(duration))

	return []Step{
		{Path: "voice", Params: voice},
		{Path: "status", Params: statusParams(callSid, "in-progress"), Delay: pause(rng, time.Second, 5*time.Second)},
		{Path: "status", Params: completed, Delay: pause(rng, 2*time.Second, 10*time.Second)},
		{Path: "recording", Params: url.Values{
			"CallSid":           {callSid},
			"RecordingSid":      {sid("RE")},
			"RecordingUrl":      {"https://media.example.com/recordings/" + callSid},
			"RecordingDuration": {strconv.Itoa(duration)},
		}, Delay: pause(rng, 500*time.Millisecond, 2*time.Second)},
	}
}

func missedCall(rng *rand.Rand, p Parties) []Step {
	callSid := sid("CA")
	status := []string{"no-answer", "busy", "canceled"}[rng.Intn(3)]
	return []Step{
		{Path: "voice", Params: callParams(callSid, p)},
		{Path: "status", Params: statusParams(callSid, status), Delay: pause(rng, 5*time.Second, 20*time.Second)},
	}
}

func voicemail(rng *rand.Rand, p Parties) []Step {
	callSid := sid("CA")
	failed := rng.Float64() < 0.1

	transcription := url.Values{"CallSid": {callSid}, "TranscriptionStatus": {"completed"}, "TranscriptionText": {"please call me back about my order"}}
	if failed {
		transcription = url.Values{"CallSid": {callSid}, "TranscriptionStatus": {"failed"}}
	}

	return []Step{
		{Path: "voice", Params: callParams(callSid, p)},
		{Path: "status", Params: statusParams(callSid, "voicemail"), Delay: pause(rng, 10*time.Second, 20*time.Second)},
		{Path: "recording", Params: url.Values{
			"CallSid":                {callSid},
			"RecordingSid":           {sid("RE")},
			"RecordingUrl":           {"https://media.example.com/recordings/" + callSid},
			"TranscriptionRequested": {"true"},
		}, Delay: pause(rng, 5*time.Second, 30*time.Second)},
		{Path: "transcription", Params: transcription, Delay: pause(rng, 2*time.Second, 10*time.Second)},
		{Path: "status", Params: statusParams(callSid, "completed"), Delay: time.Second},
	}
}

func emergencyCall(rng *rand.Rand, p Parties) []Step {
	callSid := sid("CA")
	voice := callParams(callSid, p)
	voice.Set("SpeechResult", "this is an emergency")
	return []Step{
		{Path: "voice", Params: voice},
		{Path: "status", Params: statusParams(callSid, "in-progress"), Delay: pause(rng, 500*time.Millisecond, 2*time.Second)},
	}
}

func messageThread(rng *rand.Rand, p Parties) []Step {
	bodies := []string{"hi, I have a question", "it's about my last invoice", "thanks"}
	steps := make([]Step, 0, len(bodies)+2)
	for i, body := range bodies[:1+rng.Intn(len(bodies))] {
		var delay time.Duration
		if i > 0 {
			delay = pause(rng, time.Second, 5*time.Second)
		}
		steps = append(steps, Step{Path: "message", Params: url.Values{
			"MessageSid": {sid("SM")},
			"From":       {p.Caller},
			"To":         {p.Ours},
			"Body":       {body},
		}, Delay: delay})
	}

	// our reply moving through delivery states
	reply := sid("SM")
	for _, status := range []string{"queued", "sent", "delivered"} {
		steps = append(steps, Step{Path: "message-status", Params: url.Values{
			"MessageSid":    {reply},
			"From":          {p.Ours},
			"To":            {p.Caller},
			"Direction":     {"outbound-api"},
			"MessageStatus": {status},
		}, Delay: pause(rng, 200*time.Millisecond, time.Second)})
	}
	return steps
}

// randomCaller draws an E.164 number from a small pool so contacts repeat
func randomCaller(rng *rand.Rand) string {
	return fmt.Sprintf("+4930%06d", rng.Intn(500))
}
