package domain

import "errors"

// Error taxonomy for the orchestration engine. Only ErrAuthentication is ever
// surfaced as a rejected request; everything else is absorbed into the state
// machine as a normal input.
var (
	// ErrAuthentication means the webhook signature was missing or invalid.
	ErrAuthentication = errors.New("webhook authentication failed")

	// ErrDuplicateEvent means the event ID was already processed. Benign;
	// callers short-circuit to success.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrInvalidTransition means the current state does not permit the event.
	// Benign; the event is logged and discarded.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSessionUnavailable means the AI backend could not provide a session.
	// Recoverable; triggers the voicemail fallback.
	ErrSessionUnavailable = errors.New("ai session unavailable")

	// ErrTransport means an audio bridge leg failed. Triggers the same
	// fallback path as ErrSessionUnavailable.
	ErrTransport = errors.New("session transport failure")

	// ErrDispatch means a terminal side effect could not be delivered. Never
	// affects call state; the dispatch is retried or queued.
	ErrDispatch = errors.New("outcome dispatch failed")

	// ErrCallNotFound means no call aggregate exists for the requested ID.
	ErrCallNotFound = errors.New("call not found")
)
