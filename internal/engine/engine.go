package engine

import (
	"context"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/registry"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"go.uber.org/zap"
)

// SessionBroker opens and tears down AI conversation sessions. Open blocks
// until the backend acknowledges readiness or the connect timeout elapses,
// returning domain.ErrSessionUnavailable on failure.
type SessionBroker interface {
	Open(ctx context.Context, call *domain.Call) error
	Close(callID string)
}

// FallbackController drives the voicemail path when AI handling fails. It
// must never depend on the AI backend.
type FallbackController interface {
	Engage(ctx context.Context, call *domain.Call)
}

// OutcomeDispatcher fires the terminal side effects for a completed call.
// Dispatch is invoked exactly once per call, on the transition into ended;
// AttachRecording re-persists the record when a voicemail URL arrives later.
type OutcomeDispatcher interface {
	Dispatch(ctx context.Context, call *domain.Call)
	AttachRecording(ctx context.Context, call *domain.Call)
}

// Config carries the engine's lifecycle tuning.
type Config struct {
	RingTimeout time.Duration
	WorkerGrace time.Duration // how long a retired worker keeps accepting late events
	MailboxSize int
}

func (c *Config) defaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 25 * time.Second
	}
	if c.WorkerGrace <= 0 {
		c.WorkerGrace = 2 * time.Minute
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 32
	}
}

// Engine routes validated call events to per-call workers. All events for a
// callID are serialized through that call's worker goroutine, so the Call
// aggregate needs no locking; the worker map is the only shared state here.
type Engine struct {
	cfg        Config
	registry   *registry.Registry
	broker     SessionBroker
	fallback   FallbackController
	dispatcher OutcomeDispatcher

	mu       sync.Mutex
	workers  map[string]*worker
	draining bool
	wg       sync.WaitGroup
}

func New(cfg Config, reg *registry.Registry, broker SessionBroker, fallback FallbackController, dispatcher OutcomeDispatcher) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:        cfg,
		registry:   reg,
		broker:     broker,
		fallback:   fallback,
		dispatcher: dispatcher,
		workers:    make(map[string]*worker),
	}
}

// Submit hands a validated event to its call's worker, creating the call
// aggregate and worker on the first initiated/answered event. Submit never
// blocks the caller beyond a full mailbox; ingress stays sub-second.
func (e *Engine) Submit(ev *domain.CallEvent) {
	e.mu.Lock()
	if e.draining && ev.Type == domain.EventInitiated {
		e.mu.Unlock()
		logger.Base().Warn("Draining, rejecting new call", zap.String("call_id", ev.CallID))
		return
	}

	w, ok := e.workers[ev.CallID]
	if !ok {
		// A call aggregate comes into existence only on its first
		// initiated/answered event; anything else for an unknown callID is a
		// late or orphaned event and is discarded.
		if ev.Type != domain.EventInitiated && ev.Type != domain.EventAnswered {
			e.mu.Unlock()
			logger.Base().Debug("Discarding event for unknown call",
				zap.String("call_id", ev.CallID), zap.String("event_type", string(ev.Type)))
			return
		}
		// An ended call stays in the registry for the grace window after its
		// worker retired; a late initiated/answered must not spawn a worker
		// over it, the worker would have nothing to do and never retire.
		if e.registry.IsTerminal(ev.CallID) {
			e.mu.Unlock()
			logger.Base().Debug("Discarding event for ended call",
				zap.String("call_id", ev.CallID), zap.String("event_type", string(ev.Type)))
			return
		}
		call, created := e.registry.GetOrCreate(ev)
		w = newWorker(e, call)
		e.workers[ev.CallID] = w
		e.wg.Add(1)
		go w.run()
		if created {
			logger.Base().Info("Call created",
				zap.String("call_id", ev.CallID),
				zap.String("tenant_id", ev.TenantID),
				zap.String("from", ev.FromNumber),
				zap.String("direction", string(ev.Direction)))
		}
	}
	e.mu.Unlock()

	w.submit(ev)
}

// Shutdown drains in-flight calls: anything still in ai-active is routed
// through the fallback path so no caller is abandoned mid-session, then
// workers are given until ctx expires to settle.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.draining = true
	active := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		active = append(active, w)
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, w := range active {
		w.submit(&domain.CallEvent{
			EventID:   "drain-" + w.callID,
			CallID:    w.callID,
			Type:      domain.EventSessionFailed,
			Timestamp: now,
		})
		w.stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Base().Warn("Shutdown drain timed out",
			zap.Int("workers_remaining", len(active)))
	}
}

// removeWorker retires a worker after its call left memory.
func (e *Engine) removeWorker(callID string) {
	e.mu.Lock()
	delete(e.workers, callID)
	e.mu.Unlock()
}
