package engine

import (
	"testing"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNextPermittedTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  domain.CallState
		event domain.EventType
		want  domain.CallState
	}{
		{"answer while ringing", domain.StateRinging, domain.EventAnswered, domain.StateAnswered},
		{"session ready after answer", domain.StateAnswered, domain.EventSessionReady, domain.StateAIActive},
		{"session failed after answer", domain.StateAnswered, domain.EventSessionFailed, domain.StateVoicemailFallback},
		{"session failed mid conversation", domain.StateAIActive, domain.EventSessionFailed, domain.StateVoicemailFallback},
		{"session closed normally", domain.StateAIActive, domain.EventSessionClosed, domain.StateCompleted},
		{"ring timeout", domain.StateRinging, domain.EventRingTimeout, domain.StateNoAnswer},
		{"provider error while ringing", domain.StateRinging, domain.EventError, domain.StateError},
		{"provider error after answer", domain.StateAnswered, domain.EventError, domain.StateError},
		{"hangup while ringing", domain.StateRinging, domain.EventHangup, domain.StateEnded},
		{"hangup while answered", domain.StateAnswered, domain.EventHangup, domain.StateEnded},
		{"hangup mid conversation", domain.StateAIActive, domain.EventHangup, domain.StateEnded},
		{"hangup after completion", domain.StateCompleted, domain.EventHangup, domain.StateEnded},
		{"hangup during voicemail", domain.StateVoicemailFallback, domain.EventHangup, domain.StateEnded},
		{"hangup after no answer", domain.StateNoAnswer, domain.EventHangup, domain.StateEnded},
		{"hangup after error", domain.StateError, domain.EventHangup, domain.StateEnded},
		{"recording ready after end", domain.StateEnded, domain.EventRecordingReady, domain.StateEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Next(tt.from, tt.event)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRejectsEverythingElse(t *testing.T) {
	allStates := []domain.CallState{
		domain.StateRinging, domain.StateAnswered, domain.StateAIActive,
		domain.StateCompleted, domain.StateVoicemailFallback,
		domain.StateNoAnswer, domain.StateError, domain.StateEnded,
	}
	allEvents := []domain.EventType{
		domain.EventAnswered, domain.EventHangup, domain.EventRecordingReady,
		domain.EventError, domain.EventSessionReady, domain.EventSessionFailed,
		domain.EventSessionClosed, domain.EventRingTimeout,
	}

	permitted := make(map[transitionKey]bool, len(transitions))
	for key := range transitions {
		permitted[key] = true
	}

	for _, from := range allStates {
		for _, event := range allEvents {
			if permitted[transitionKey{event, from}] {
				continue
			}
			_, ok := Next(from, event)
			assert.False(t, ok, "expected %s in %s to be rejected", event, from)
		}
	}
}

func TestNextNeverLeavesEnded(t *testing.T) {
	events := []domain.EventType{
		domain.EventAnswered, domain.EventHangup, domain.EventError,
		domain.EventSessionReady, domain.EventSessionFailed,
		domain.EventSessionClosed, domain.EventRingTimeout,
		domain.EventRecordingReady,
	}
	for _, event := range events {
		to, ok := Next(domain.StateEnded, event)
		if ok {
			assert.Equal(t, domain.StateEnded, to, "event %s must not resurrect an ended call", event)
		}
	}
}

func TestOutcomeForHangup(t *testing.T) {
	tests := []struct {
		prior domain.CallState
		want  domain.CallOutcome
	}{
		{domain.StateRinging, domain.OutcomeCallerHangup},
		{domain.StateAnswered, domain.OutcomeCallerHangup},
		{domain.StateAIActive, domain.OutcomeAnsweredByAI},
		{domain.StateCompleted, domain.OutcomeAnsweredByAI},
		{domain.StateVoicemailFallback, domain.OutcomeVoicemailFallback},
		{domain.StateNoAnswer, domain.OutcomeNoAnswer},
		{domain.StateError, domain.OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeForHangup(tt.prior), "prior state %s", tt.prior)
	}
}
