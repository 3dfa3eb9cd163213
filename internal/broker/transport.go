package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 1 << 20
)

// Transport is the open streaming channel to the AI backend for one session.
// Writes are serialized with a mutex; reads happen on a single ReadLoop
// goroutine, which is the websocket concurrency model gorilla requires.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the AI backend and returns an open transport. The caller
// bounds the handshake with ctx.
func Dial(ctx context.Context, url, token string) (*Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d: %v", domain.ErrSessionUnavailable, url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrSessionUnavailable, url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &Transport{
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

// Send writes one envelope to the backend.
func (t *Transport) Send(env *Envelope) error {
	select {
	case <-t.closed:
		return fmt.Errorf("%w: transport closed", domain.ErrTransport)
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return nil
}

// Read blocks for the next envelope. Returns ErrTransport when the
// connection dies or the peer sends garbage framing.
func (t *Transport) Read() (*Envelope, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: bad frame: %v", domain.ErrTransport, err)
	}
	return &env, nil
}

// ReadUntil reads envelopes until one of the wanted types arrives or the
// deadline passes. Used by the broker's open handshake to await
// session.ready.
func (t *Transport) ReadUntil(deadline time.Time, wanted ...string) (*Envelope, error) {
	_ = t.conn.SetReadDeadline(deadline)
	defer t.conn.SetReadDeadline(time.Time{})

	for {
		env, err := t.Read()
		if err != nil {
			return nil, err
		}
		for _, wt := range wanted {
			if env.Type == wt {
				return env, nil
			}
		}
		logger.Base().Debug("Ignoring pre-ready frame", zap.String("type", env.Type))
	}
}

// Close tears the connection down. Safe to call multiple times.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
}

// Done is closed when the transport has been closed.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}
