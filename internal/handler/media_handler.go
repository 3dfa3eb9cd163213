package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/internal/broker"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The provider's media gateway sets no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MediaHandler terminates the telephony provider's media stream websocket
// and attaches it to the call's audio bridge as the caller leg.
type MediaHandler struct {
	broker *broker.Broker
}

func NewMediaHandler(brk *broker.Broker) *MediaHandler {
	return &MediaHandler{broker: brk}
}

// ServeMedia is GET /media/{callID}, upgraded to a websocket carrying raw
// binary audio frames in both directions.
func (h *MediaHandler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callID"]

	conn, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Warn("Media websocket upgrade failed",
			zap.String("call_id", callID), zap.Error(err))
		return
	}

	leg := newWSLeg(conn)
	if err := h.broker.AttachLeg(callID, leg); err != nil {
		logger.Base().Warn("No live session for media stream",
			zap.String("call_id", callID), zap.Error(err))
		_ = leg.Close()
		return
	}
	logger.Base().Info("Media stream connected", zap.String("call_id", callID))

	// Hold the connection until the leg dies or the session is gone.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-leg.done:
			return
		case <-ticker.C:
			if _, ok := h.broker.Session(callID); !ok {
				_ = leg.Close()
				return
			}
		}
	}
}

// wsLeg adapts a media websocket to the audio bridge's caller leg.
type wsLeg struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSLeg(conn *websocket.Conn) *wsLeg {
	return &wsLeg{conn: conn, done: make(chan struct{})}
}

func (l *wsLeg) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			l.markDone()
			return nil, err
		}
		// Control and text frames on the media socket are ignored.
		if mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (l *wsLeg) WriteFrame(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return l.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *wsLeg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *wsLeg) markDone() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}
