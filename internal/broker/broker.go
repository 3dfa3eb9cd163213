package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frontdesklabs/call-engine/internal/bridge"
	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/tenant"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventSink receives internal events the broker synthesizes (session
// failures, transcript deltas, billable flags) and feeds them back into the
// call state machine.
type EventSink func(ev *domain.CallEvent)

// Config tunes session establishment and the liveness watchdog.
type Config struct {
	BackendURL        string
	BackendToken      string
	ConnectTimeout    time.Duration
	SilenceThreshold  time.Duration
	ForceCloseAfter   time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 20 * time.Second
	}
	if c.ForceCloseAfter <= 0 {
		c.ForceCloseAfter = 40 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
}

// liveSession is one open AI conversation, bound 1:1 to a call. The bridge
// pointer is atomic: AttachLeg publishes it while readLoop is already
// delivering inbound frames.
type liveSession struct {
	info      domain.SessionInfo
	transport *Transport
	bridge    atomic.Pointer[bridge.Bridge]

	lastActivityNano int64 // atomic
	degraded         atomic.Bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *liveSession) touch() {
	atomic.StoreInt64(&s.lastActivityNano, time.Now().UnixNano())
}

func (s *liveSession) lastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivityNano))
}

// Broker owns every live AI session: opening, supervising, and tearing down.
// It replaces the bare shared connection maps of older gateways with a single
// registry behind explicit open/close lifecycle methods.
type Broker struct {
	cfg     Config
	tenants tenant.ConfigService
	sink    EventSink
	monitor *Monitor // optional redis mirror

	frameQueueSize int

	mu       sync.Mutex
	sessions map[string]*liveSession
}

func New(cfg Config, tenants tenant.ConfigService, sink EventSink, monitor *Monitor, frameQueueSize int) *Broker {
	cfg.defaults()
	if frameQueueSize <= 0 {
		frameQueueSize = 64
	}
	b := &Broker{
		cfg:            cfg,
		tenants:        tenants,
		sink:           sink,
		monitor:        monitor,
		frameQueueSize: frameQueueSize,
		sessions:       make(map[string]*liveSession),
	}
	if monitor != nil {
		// Another pod can ask us to release a session it observed as stale.
		_ = monitor.SubscribeToCleanup(context.Background(), func(callID string) {
			b.closeLocal(callID)
		})
	}
	return b
}

// Open establishes the AI session for a call: dial, configure with the
// tenant's persona, and await readiness within the connect timeout. Returns
// domain.ErrSessionUnavailable on timeout or backend-reported error. A call
// never has more than one live session; a second Open for the same call is a
// no-op.
func (b *Broker) Open(ctx context.Context, call *domain.Call) error {
	b.mu.Lock()
	if _, exists := b.sessions[call.CallID]; exists {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	agentCfg, err := b.tenants.GetAgentConfig(ctx, call.TenantID)
	if err != nil {
		return fmt.Errorf("%w: tenant config: %v", domain.ErrSessionUnavailable, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	transport, err := Dial(dialCtx, b.cfg.BackendURL, b.cfg.BackendToken)
	if err != nil {
		return err
	}

	sessionID := uuid.New().String()
	configure, err := NewEnvelope(MsgSessionConfigure, sessionID, &ConfigurePayload{
		CallID:       call.CallID,
		TenantID:     call.TenantID,
		Greeting:     agentCfg.Greeting,
		Voice:        agentCfg.Voice,
		Instructions: agentCfg.Instructions,
		Language:     agentCfg.Language,
		Speed:        agentCfg.Speed,
	})
	if err != nil {
		transport.Close()
		return fmt.Errorf("%w: %v", domain.ErrSessionUnavailable, err)
	}
	if err := transport.Send(configure); err != nil {
		transport.Close()
		return fmt.Errorf("%w: configure: %v", domain.ErrSessionUnavailable, err)
	}

	deadline := time.Now().Add(b.cfg.ConnectTimeout)
	ready, err := transport.ReadUntil(deadline, MsgSessionReady, MsgSessionError)
	if err != nil {
		transport.Close()
		return fmt.Errorf("%w: awaiting readiness: %v", domain.ErrSessionUnavailable, err)
	}
	if ready.Type == MsgSessionError {
		transport.Close()
		var ep ErrorPayload
		_ = json.Unmarshal(ready.Payload, &ep)
		return fmt.Errorf("%w: backend: %s %s", domain.ErrSessionUnavailable, ep.Code, ep.Message)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &liveSession{
		info: domain.SessionInfo{
			SessionID: sessionID,
			CallID:    call.CallID,
			TenantID:  call.TenantID,
			Status:    domain.SessionActive,
			StartTime: time.Now().UTC(),
		},
		transport: transport,
		cancel:    sessCancel,
	}
	sess.touch()

	b.mu.Lock()
	if _, exists := b.sessions[call.CallID]; exists {
		// Lost the race with a concurrent Open; keep the first session.
		b.mu.Unlock()
		sessCancel()
		transport.Close()
		return nil
	}
	b.sessions[call.CallID] = sess
	b.mu.Unlock()

	if b.monitor != nil {
		_ = b.monitor.Register(context.Background(), sess.info)
	}

	go b.readLoop(sessCtx, sess)
	go b.watchdog(sessCtx, sess)

	logger.Base().Info("AI session established",
		zap.String("call_id", call.CallID),
		zap.String("session_id", sessionID),
		zap.String("tenant_id", call.TenantID))
	return nil
}

// AttachLeg wires the telephony media leg to the session transport through
// the audio bridge. The bridge holds only a non-owning reference; the broker
// keeps ownership of the session.
func (b *Broker) AttachLeg(callID string, leg bridge.TelephonyLeg) error {
	b.mu.Lock()
	sess, ok := b.sessions[callID]
	if !ok {
		b.mu.Unlock()
		return domain.ErrSessionUnavailable
	}
	if sess.bridge.Load() != nil {
		b.mu.Unlock()
		return nil
	}

	br := bridge.New(bridge.Options{
		CallID:    callID,
		Leg:       leg,
		QueueSize: b.frameQueueSize,
		SendAudio: func(frame []byte) error {
			env, err := NewEnvelope(MsgAudioInput, sess.info.SessionID, &AudioPayload{Frame: frame})
			if err != nil {
				return err
			}
			sess.touch()
			return sess.transport.Send(env)
		},
		Sink: b.sink,
	})
	sess.bridge.Store(br)
	b.mu.Unlock()

	br.Start()
	logger.Base().Info("Telephony leg attached", zap.String("call_id", callID))
	return nil
}

// Session returns the monitoring view of a call's session, if one is live.
func (b *Broker) Session(callID string) (domain.SessionInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[callID]
	if !ok {
		return domain.SessionInfo{}, false
	}
	info := sess.info
	if sess.degraded.Load() {
		info.Status = domain.SessionDegraded
	}
	return info, true
}

// Close releases the session for a call. Idempotent: safe to call multiple
// times or for a call with no session. When no local session exists the
// release is broadcast, in case another pod holds one for this call.
func (b *Broker) Close(callID string) {
	if !b.closeLocal(callID) && b.monitor != nil {
		_ = b.monitor.NotifyCleanup(context.Background(), callID)
	}
}

func (b *Broker) closeLocal(callID string) bool {
	b.mu.Lock()
	sess, ok := b.sessions[callID]
	if ok {
		delete(b.sessions, callID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	sess.closeOnce.Do(func() {
		sess.cancel()
		if br := sess.bridge.Load(); br != nil {
			br.Stop()
		}
		sess.transport.Close()
		if b.monitor != nil {
			_ = b.monitor.Unregister(context.Background(), sess.info.SessionID)
		}
		logger.Base().Info("AI session closed",
			zap.String("call_id", callID),
			zap.String("session_id", sess.info.SessionID))
	})
	return true
}

// ActiveSessions returns the number of live sessions on this instance.
func (b *Broker) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// readLoop pumps inbound envelopes: audio to the bridge, transcript deltas
// and conversation events into the state machine, errors into the fallback
// path.
func (b *Broker) readLoop(ctx context.Context, sess *liveSession) {
	callID := sess.info.CallID
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := sess.transport.Read()
		if err != nil {
			select {
			case <-ctx.Done():
				// Closed locally; not a failure.
			default:
				logger.Base().Warn("Session transport read failed",
					zap.String("call_id", callID), zap.Error(err))
				b.Close(callID)
				b.emit(callID, domain.EventSessionFailed)
			}
			return
		}
		sess.touch()
		sess.degraded.Store(false)

		switch env.Type {
		case MsgAudioDelta:
			var ap AudioPayload
			if err := json.Unmarshal(env.Payload, &ap); err == nil {
				if br := sess.bridge.Load(); br != nil {
					br.DeliverToCaller(ap.Frame)
				}
			}

		case MsgTextDelta:
			var tp TextPayload
			if err := json.Unmarshal(env.Payload, &tp); err == nil && tp.Text != "" {
				b.emitUtterance(callID, domain.RoleAgent, tp.Text)
			}

		case MsgTranscript:
			var tp TextPayload
			if err := json.Unmarshal(env.Payload, &tp); err == nil && tp.Text != "" {
				b.emitUtterance(callID, domain.RoleCaller, tp.Text)
			}

		case MsgSessionEvent:
			var ep EventPayload
			if err := json.Unmarshal(env.Payload, &ep); err == nil && ep.Name == EventBookingConfirmed {
				b.sink(&domain.CallEvent{
					EventID:      "billable-" + uuid.New().String(),
					CallID:       callID,
					Type:         domain.EventBillableAction,
					BillableKind: EventBookingConfirmed,
					Timestamp:    time.Now().UTC(),
				})
			}

		case MsgSessionError:
			var ep ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			logger.Base().Warn("Backend reported session error",
				zap.String("call_id", callID),
				zap.String("code", ep.Code),
				zap.String("message", ep.Message))
			b.Close(callID)
			b.emit(callID, domain.EventSessionFailed)
			return

		case MsgSessionClosed:
			b.Close(callID)
			b.emit(callID, domain.EventSessionClosed)
			return

		case MsgHeartbeat:
			// activity watermark already touched above
		}
	}
}

// watchdog enforces the liveness thresholds: silence past the first
// threshold marks the session degraded and pings the backend; past the
// second, the session is force-closed and reported failed so a wedged remote
// cannot hold the call hostage.
func (b *Broker) watchdog(ctx context.Context, sess *liveSession) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	callID := sess.info.CallID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silence := time.Since(sess.lastActivity())
			if silence >= b.cfg.ForceCloseAfter {
				logger.Base().Warn("Session silent past force-close threshold",
					zap.String("call_id", callID),
					zap.Duration("silence", silence))
				b.Close(callID)
				b.emit(callID, domain.EventSessionFailed)
				return
			}
			if silence >= b.cfg.SilenceThreshold {
				if sess.degraded.CompareAndSwap(false, true) {
					logger.Base().Warn("Session degraded",
						zap.String("call_id", callID),
						zap.Duration("silence", silence))
					if b.monitor != nil {
						info := sess.info
						info.Status = domain.SessionDegraded
						_ = b.monitor.Register(ctx, info)
					}
				}
				hb, _ := NewEnvelope(MsgHeartbeat, sess.info.SessionID, nil)
				_ = sess.transport.Send(hb)
			}
		}
	}
}

func (b *Broker) emit(callID string, eventType domain.EventType) {
	b.sink(&domain.CallEvent{
		EventID:   string(eventType) + "-" + uuid.New().String(),
		CallID:    callID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Broker) emitUtterance(callID string, role domain.UtteranceRole, text string) {
	b.sink(&domain.CallEvent{
		EventID:   "utterance-" + uuid.New().String(),
		CallID:    callID,
		Type:      domain.EventTranscriptDelta,
		Timestamp: time.Now().UTC(),
		Utterance: &domain.Utterance{
			ID:   uuid.New().String(),
			Role: role,
			Text: text,
			At:   time.Now().UTC(),
		},
	})
}
