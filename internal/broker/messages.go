package broker

import (
	"encoding/json"
)

// Message types carried on the AI session transport. The backend speaks a
// typed duplex protocol: one configure message out, then interleaved audio
// and text frames in both directions until session.closed.
const (
	MsgSessionConfigure = "session.configure"
	MsgSessionReady     = "session.ready"
	MsgSessionError     = "session.error"
	MsgSessionClosed    = "session.closed"
	MsgSessionEvent     = "session.event"

	MsgAudioInput = "audio.input"
	MsgTextInput  = "text.input"
	MsgAudioDelta = "audio.output.delta"
	MsgTextDelta  = "text.output.delta"
	MsgTranscript = "text.input.transcript"
	MsgHeartbeat  = "session.heartbeat"
)

// Envelope is the wire framing for every session message.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConfigurePayload is sent exactly once after connecting, carrying the
// tenant's agent persona.
type ConfigurePayload struct {
	CallID       string  `json:"call_id"`
	TenantID     string  `json:"tenant_id"`
	Greeting     string  `json:"greeting"`
	Voice        string  `json:"voice"`
	Instructions string  `json:"instructions"`
	Language     string  `json:"language,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
}

// AudioPayload carries one base64-opaque audio frame in either direction.
type AudioPayload struct {
	Frame []byte `json:"frame"`
}

// TextPayload carries incremental text: response deltas from the model or
// recognized caller speech.
type TextPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// ErrorPayload is reported by the backend before it gives up on a session.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload carries out-of-band structured events emitted by the
// conversation layer, e.g. booking.confirmed when an appointment was made.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventBookingConfirmed is the conversation-layer signal that a billable
// appointment was booked during the call.
const EventBookingConfirmed = "booking.confirmed"

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(msgType, sessionID string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: msgType, SessionID: sessionID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return env, nil
}
