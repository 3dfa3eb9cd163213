package engine

import (
	"github.com/frontdesklabs/call-engine/internal/domain"
)

// transitionKey pairs an event with the state it is applied to.
type transitionKey struct {
	event domain.EventType
	from  domain.CallState
}

// transitions is the full table of permitted state transitions. Events not
// present for the current state are discarded by the worker: telephony
// providers deliver out of order and with duplication, so an impermissible
// combination is routine, not an error.
var transitions = map[transitionKey]domain.CallState{
	{domain.EventAnswered, domain.StateRinging}: domain.StateAnswered,

	{domain.EventSessionReady, domain.StateAnswered}: domain.StateAIActive,

	{domain.EventSessionFailed, domain.StateAnswered}: domain.StateVoicemailFallback,
	{domain.EventSessionFailed, domain.StateAIActive}: domain.StateVoicemailFallback,

	{domain.EventSessionClosed, domain.StateAIActive}: domain.StateCompleted,

	{domain.EventRingTimeout, domain.StateRinging}: domain.StateNoAnswer,

	{domain.EventError, domain.StateRinging}:  domain.StateError,
	{domain.EventError, domain.StateAnswered}: domain.StateError,

	// hangup ends any non-terminal state; enumerated so the table stays the
	// single source of truth.
	{domain.EventHangup, domain.StateRinging}:           domain.StateEnded,
	{domain.EventHangup, domain.StateAnswered}:          domain.StateEnded,
	{domain.EventHangup, domain.StateAIActive}:          domain.StateEnded,
	{domain.EventHangup, domain.StateCompleted}:         domain.StateEnded,
	{domain.EventHangup, domain.StateVoicemailFallback}: domain.StateEnded,
	{domain.EventHangup, domain.StateNoAnswer}:          domain.StateEnded,
	{domain.EventHangup, domain.StateError}:             domain.StateEnded,

	// recording-ready is a pure attribute update on an ended call; it never
	// reopens the call.
	{domain.EventRecordingReady, domain.StateEnded}: domain.StateEnded,
}

// Next returns the state reached by applying event in state from. The second
// return is false when the transition is not permitted.
func Next(from domain.CallState, event domain.EventType) (domain.CallState, bool) {
	to, ok := transitions[transitionKey{event, from}]
	return to, ok
}

// OutcomeForHangup derives the call outcome from the state the call was in
// when the hangup (or equivalent terminal event) arrived.
func OutcomeForHangup(prior domain.CallState) domain.CallOutcome {
	switch prior {
	case domain.StateAIActive, domain.StateCompleted:
		return domain.OutcomeAnsweredByAI
	case domain.StateVoicemailFallback:
		return domain.OutcomeVoicemailFallback
	case domain.StateNoAnswer:
		return domain.OutcomeNoAnswer
	case domain.StateError:
		return domain.OutcomeError
	case domain.StateRinging, domain.StateAnswered:
		return domain.OutcomeCallerHangup
	default:
		return domain.OutcomeUnknown
	}
}
