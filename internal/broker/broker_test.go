package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/tenant"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTenants struct{}

func (staticTenants) GetAgentConfig(ctx context.Context, tenantID string) (*tenant.AgentConfig, error) {
	return &tenant.AgentConfig{
		TenantID:     tenantID,
		Greeting:     "Thanks for calling!",
		Voice:        "alloy",
		Instructions: "Be helpful.",
	}, nil
}

// backendScript drives the fake AI backend for one connection, after the
// configure message was consumed and acknowledged.
type backendScript func(conn *websocket.Conn, sessionID string)

func newBackend(t *testing.T, acknowledge bool, script backendScript) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var configure Envelope
		if err := conn.ReadJSON(&configure); err != nil {
			return
		}
		if configure.Type != MsgSessionConfigure {
			return
		}

		if acknowledge {
			_ = conn.WriteJSON(Envelope{Type: MsgSessionReady, SessionID: configure.SessionID})
		}
		if script != nil {
			script(conn, configure.SessionID)
		} else {
			// Keep the connection open until the client goes away.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestBroker(url string, events chan *domain.CallEvent, cfg Config) *Broker {
	cfg.BackendURL = url
	sink := func(ev *domain.CallEvent) {
		select {
		case events <- ev:
		default:
		}
	}
	return New(cfg, staticTenants{}, sink, nil, 8)
}

func testCall(callID string) *domain.Call {
	return &domain.Call{CallID: callID, TenantID: "tenant-1", State: domain.StateAnswered}
}

func waitEvent(t *testing.T, events chan *domain.CallEvent, want domain.EventType) *domain.CallEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return nil
		}
	}
}

func TestOpenEstablishesSession(t *testing.T) {
	url := newBackend(t, true, nil)
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	err := b.Open(context.Background(), testCall("call-1"))
	require.NoError(t, err)
	defer b.Close("call-1")

	assert.Equal(t, 1, b.ActiveSessions())
	info, ok := b.Session("call-1")
	require.True(t, ok)
	assert.Equal(t, "call-1", info.CallID)
	assert.Equal(t, domain.SessionActive, info.Status)
}

func TestOpenIsIdempotentPerCall(t *testing.T) {
	url := newBackend(t, true, nil)
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	require.NoError(t, b.Open(context.Background(), testCall("call-1")))
	defer b.Close("call-1")
	require.NoError(t, b.Open(context.Background(), testCall("call-1")))
	assert.Equal(t, 1, b.ActiveSessions())
}

func TestOpenTimesOutOnSilentBackend(t *testing.T) {
	url := newBackend(t, false, nil)
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: 100 * time.Millisecond})

	err := b.Open(context.Background(), testCall("call-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
	assert.Equal(t, 0, b.ActiveSessions())
}

func TestOpenSurfacesBackendError(t *testing.T) {
	url := newBackend(t, false, func(conn *websocket.Conn, sessionID string) {
		payload, _ := json.Marshal(ErrorPayload{Code: "overloaded", Message: "no capacity"})
		_ = conn.WriteJSON(Envelope{Type: MsgSessionError, SessionID: sessionID, Payload: payload})
	})
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	err := b.Open(context.Background(), testCall("call-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestOpenFailsWhenBackendUnreachable(t *testing.T) {
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker("ws://127.0.0.1:1/session", events, Config{ConnectTimeout: 200 * time.Millisecond})

	err := b.Open(context.Background(), testCall("call-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
}

func TestCloseIsIdempotent(t *testing.T) {
	url := newBackend(t, true, nil)
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	require.NoError(t, b.Open(context.Background(), testCall("call-1")))
	b.Close("call-1")
	b.Close("call-1")
	b.Close("never-opened")
	assert.Equal(t, 0, b.ActiveSessions())
}

func TestBookingConfirmedEmitsBillableFlag(t *testing.T) {
	url := newBackend(t, true, func(conn *websocket.Conn, sessionID string) {
		payload, _ := json.Marshal(EventPayload{Name: EventBookingConfirmed})
		_ = conn.WriteJSON(Envelope{Type: MsgSessionEvent, SessionID: sessionID, Payload: payload})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	require.NoError(t, b.Open(context.Background(), testCall("call-1")))
	defer b.Close("call-1")

	ev := waitEvent(t, events, domain.EventBillableAction)
	assert.Equal(t, "call-1", ev.CallID)
	assert.Equal(t, EventBookingConfirmed, ev.BillableKind)
}

func TestTranscriptFramesBecomeUtterances(t *testing.T) {
	url := newBackend(t, true, func(conn *websocket.Conn, sessionID string) {
		agent, _ := json.Marshal(TextPayload{Text: "How can I help?"})
		_ = conn.WriteJSON(Envelope{Type: MsgTextDelta, SessionID: sessionID, Payload: agent})
		caller, _ := json.Marshal(TextPayload{Text: "I need an appointment"})
		_ = conn.WriteJSON(Envelope{Type: MsgTranscript, SessionID: sessionID, Payload: caller})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	require.NoError(t, b.Open(context.Background(), testCall("call-1")))
	defer b.Close("call-1")

	first := waitEvent(t, events, domain.EventTranscriptDelta)
	require.NotNil(t, first.Utterance)
	assert.Equal(t, domain.RoleAgent, first.Utterance.Role)
	assert.Equal(t, "How can I help?", first.Utterance.Text)

	second := waitEvent(t, events, domain.EventTranscriptDelta)
	require.NotNil(t, second.Utterance)
	assert.Equal(t, domain.RoleCaller, second.Utterance.Role)
}

type stubLeg struct {
	in  chan []byte
	out chan []byte
}

func newStubLeg() *stubLeg {
	return &stubLeg{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (l *stubLeg) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *stubLeg) WriteFrame(frame []byte) error {
	l.out <- frame
	return nil
}

func (l *stubLeg) Close() error { return nil }

func TestAudioDeltasReachAttachedLeg(t *testing.T) {
	// The backend streams audio continuously; the leg attaches after the
	// session is already live, so delivery must pick up mid-stream.
	url := newBackend(t, true, func(conn *websocket.Conn, sessionID string) {
		payload, _ := json.Marshal(AudioPayload{Frame: []byte{0x01, 0x02}})
		for {
			if err := conn.WriteJSON(Envelope{Type: MsgAudioDelta, SessionID: sessionID, Payload: payload}); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	require.NoError(t, b.Open(context.Background(), testCall("call-1")))
	defer b.Close("call-1")

	leg := newStubLeg()
	require.NoError(t, b.AttachLeg("call-1", leg))
	require.NoError(t, b.AttachLeg("call-1", leg), "second attach is a no-op")

	select {
	case frame := <-leg.out:
		assert.Equal(t, []byte{0x01, 0x02}, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("no audio frame reached the telephony leg")
	}
}

func TestAttachLegWithoutSession(t *testing.T) {
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker("ws://127.0.0.1:1/session", events, Config{ConnectTimeout: time.Second})

	err := b.AttachLeg("nope", newStubLeg())
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
}

func TestBackendClosureEmitsSessionClosed(t *testing.T) {
	url := newBackend(t, true, func(conn *websocket.Conn, sessionID string) {
		_ = conn.WriteJSON(Envelope{Type: MsgSessionClosed, SessionID: sessionID})
	})
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{ConnectTimeout: time.Second})

	require.NoError(t, b.Open(context.Background(), testCall("call-1")))

	waitEvent(t, events, domain.EventSessionClosed)
	require.Eventually(t, func() bool { return b.ActiveSessions() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestWatchdogForceClosesSilentSession(t *testing.T) {
	url := newBackend(t, true, nil)
	events := make(chan *domain.CallEvent, 32)
	b := newTestBroker(url, events, Config{
		ConnectTimeout:    time.Second,
		SilenceThreshold:  40 * time.Millisecond,
		ForceCloseAfter:   100 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	})

	require.NoError(t, b.Open(context.Background(), testCall("call-1")))

	waitEvent(t, events, domain.EventSessionFailed)
	require.Eventually(t, func() bool { return b.ActiveSessions() == 0 },
		time.Second, 5*time.Millisecond)
}
