package domain

import (
	"time"
)

// CallState is the lifecycle state of a call, owned exclusively by the call
// state machine.
type CallState string

const (
	StateRinging           CallState = "ringing"
	StateAnswered          CallState = "answered"
	StateAIActive          CallState = "ai-active"
	StateCompleted         CallState = "completed"
	StateVoicemailFallback CallState = "voicemail-fallback"
	StateNoAnswer          CallState = "no-answer"
	StateError             CallState = "error"
	StateEnded             CallState = "ended"
)

// IsTerminal reports whether the state admits no further transitions other
// than attribute updates (recording-ready).
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

// CallOutcome describes how a call concluded. Set exactly once, at the
// terminal transition.
type CallOutcome string

const (
	OutcomeAnsweredByAI      CallOutcome = "answered-by-ai"
	OutcomeVoicemailFallback CallOutcome = "voicemail-fallback"
	OutcomeNoAnswer          CallOutcome = "no-answer"
	OutcomeCallerHangup      CallOutcome = "caller-hangup"
	OutcomeError             CallOutcome = "error"
	OutcomeUnknown           CallOutcome = ""
)

// CallDirection distinguishes who initiated the call.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// UtteranceRole identifies the speaker of a transcript entry.
type UtteranceRole string

const (
	RoleCaller UtteranceRole = "caller"
	RoleAgent  UtteranceRole = "agent"
)

// Utterance is one transcript entry. Transcript ordering is the append order
// observed by the audio bridge, not wall-clock order.
type Utterance struct {
	ID   string        `json:"id"`
	Role UtteranceRole `json:"role"`
	Text string        `json:"text"`
	At   time.Time     `json:"at"`
}

// Call is the aggregate root for one phone call. The call state machine is
// the only writer; everyone else reads snapshots.
type Call struct {
	CallID       string        `json:"call_id"`
	TenantID     string        `json:"tenant_id"`
	State        CallState     `json:"state"`
	Outcome      CallOutcome   `json:"outcome"`
	FromNumber   string        `json:"from_number"`
	ToNumber     string        `json:"to_number"`
	Direction    CallDirection `json:"direction"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	RecordingURL string        `json:"recording_url,omitempty"`
	Transcript   []Utterance   `json:"transcript,omitempty"`

	// Billable is set by the conversation layer (via the audio bridge) when a
	// billable action, e.g. an appointment booking, occurred during the call.
	// Must be set before the terminal transition.
	Billable     bool   `json:"billable"`
	BillableKind string `json:"billable_kind,omitempty"`
}

// AppendUtterance appends one transcript entry. Only called from the call's
// own worker goroutine, which is the single appender.
func (c *Call) AppendUtterance(u Utterance) {
	c.Transcript = append(c.Transcript, u)
}

// EventType classifies inbound telephony provider notifications.
type EventType string

const (
	EventInitiated       EventType = "initiated"
	EventAnswered        EventType = "answered"
	EventHangup          EventType = "hangup"
	EventRecordingReady  EventType = "recording-ready"
	EventDTMF            EventType = "dtmf"
	EventError           EventType = "error"
	EventSessionReady    EventType = "ai-session-ready"  // internal: broker acknowledged readiness
	EventSessionFailed   EventType = "ai-session-failed" // internal: broker open/liveness failure
	EventSessionClosed   EventType = "ai-session-closed" // internal: backend closed the session normally
	EventRingTimeout     EventType = "timeout"           // internal: no answer within the ring window
	EventTranscriptDelta EventType = "transcript-delta"  // internal: bridge append
	EventBillableAction  EventType = "billable-action"   // internal: conversation layer flag
)

// CallEvent is an inbound notification from the telephony provider, or an
// internal input synthesized by the broker/bridge. Immutable once received.
type CallEvent struct {
	EventID      string        `json:"event_id"`
	CallID       string        `json:"call_id"`
	Type         EventType     `json:"event_type"`
	TenantID     string        `json:"tenant_id"`
	FromNumber   string        `json:"from_number"`
	ToNumber     string        `json:"to_number"`
	Direction    CallDirection `json:"direction"`
	Timestamp    time.Time     `json:"timestamp"`
	RecordingURL string        `json:"recording_url,omitempty"`
	Utterance    *Utterance    `json:"utterance,omitempty"`
	BillableKind string        `json:"billable_kind,omitempty"`
	RawPayload   []byte        `json:"-"`
}
