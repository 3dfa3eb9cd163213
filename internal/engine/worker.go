package engine

import (
	"context"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"go.uber.org/zap"
)

// worker owns one call. It is the single writer of the Call aggregate: every
// event for the callID is applied on this goroutine in arrival order, which
// is what makes the state machine lock-free.
type worker struct {
	engine *Engine
	callID string
	call   *domain.Call

	events chan *domain.CallEvent
	stopCh chan struct{}
	retire chan struct{}

	stopOnce   sync.Once
	retireOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	ringTimer    *time.Timer
	openInFlight bool
	dispatched   bool
}

func newWorker(e *Engine, call *domain.Call) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		engine: e,
		callID: call.CallID,
		call:   call,
		events: make(chan *domain.CallEvent, e.cfg.MailboxSize),
		stopCh: make(chan struct{}),
		retire: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// submit enqueues an event without blocking the caller. A full mailbox drops
// the event with a warning; the provider's retry redelivers it.
func (w *worker) submit(ev *domain.CallEvent) {
	select {
	case w.events <- ev:
	default:
		logger.Base().Warn("Call mailbox full, dropping event",
			zap.String("call_id", w.callID),
			zap.String("event_type", string(ev.Type)))
	}
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *worker) run() {
	defer func() {
		w.cancel()
		if w.ringTimer != nil {
			w.ringTimer.Stop()
		}
		w.engine.removeWorker(w.callID)
		w.engine.wg.Done()
	}()

	for {
		select {
		case ev := <-w.events:
			w.handle(ev)
		case <-w.retire:
			return
		case <-w.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case ev := <-w.events:
					w.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *worker) handle(ev *domain.CallEvent) {
	switch ev.Type {
	case domain.EventInitiated:
		w.handleInitiated()
	case domain.EventTranscriptDelta:
		w.handleTranscriptDelta(ev)
	case domain.EventBillableAction:
		w.handleBillableAction(ev)
	case domain.EventDTMF:
		logger.Base().Debug("DTMF received", zap.String("call_id", w.callID))
	default:
		w.applyTransition(ev)
	}
}

func (w *worker) handleInitiated() {
	if w.call.State != domain.StateRinging {
		// Duplicate initiated for an existing call is a no-op.
		logger.Base().Debug("Duplicate initiated event",
			zap.String("call_id", w.callID), zap.String("state", string(w.call.State)))
		return
	}
	if w.ringTimer == nil {
		w.ringTimer = time.AfterFunc(w.engine.cfg.RingTimeout, func() {
			w.submit(&domain.CallEvent{
				EventID:   "ring-timeout-" + w.callID,
				CallID:    w.callID,
				Type:      domain.EventRingTimeout,
				Timestamp: time.Now().UTC(),
			})
		})
	}
}

func (w *worker) handleTranscriptDelta(ev *domain.CallEvent) {
	if w.call.State != domain.StateAIActive || ev.Utterance == nil {
		logger.Base().Debug("Discarding transcript delta outside ai-active",
			zap.String("call_id", w.callID), zap.String("state", string(w.call.State)))
		return
	}
	w.call.AppendUtterance(*ev.Utterance)
	w.publish()
}

func (w *worker) handleBillableAction(ev *domain.CallEvent) {
	if w.call.State.IsTerminal() {
		logger.Base().Debug("Discarding billable flag after terminal state",
			zap.String("call_id", w.callID))
		return
	}
	w.call.Billable = true
	w.call.BillableKind = ev.BillableKind
	w.publish()
	logger.Base().Info("Call marked billable",
		zap.String("call_id", w.callID), zap.String("kind", ev.BillableKind))
}

func (w *worker) applyTransition(ev *domain.CallEvent) {
	prior := w.call.State
	next, ok := Next(prior, ev.Type)
	if !ok {
		logger.Base().Debug("Discarding event: transition not permitted",
			zap.String("call_id", w.callID),
			zap.String("event_type", string(ev.Type)),
			zap.String("state", string(prior)))
		return
	}

	w.call.State = next
	w.publish()
	logger.Base().Info("Call transition",
		zap.String("call_id", w.callID),
		zap.String("event_type", string(ev.Type)),
		zap.String("from", string(prior)),
		zap.String("to", string(next)))

	switch ev.Type {
	case domain.EventAnswered:
		if w.ringTimer != nil {
			w.ringTimer.Stop()
		}
		w.openSession()

	case domain.EventSessionReady:
		w.openInFlight = false

	case domain.EventSessionFailed:
		w.openInFlight = false
		w.engine.broker.Close(w.callID)
		w.engine.fallback.Engage(w.ctx, w.call)

	case domain.EventSessionClosed:
		w.engine.broker.Close(w.callID)

	case domain.EventRingTimeout:
		// no-answer is absorbing only long enough to derive the outcome; the
		// call ends immediately.
		w.finalize(domain.OutcomeNoAnswer, ev.Timestamp)

	case domain.EventError:
		w.engine.broker.Close(w.callID)
		w.finalize(domain.OutcomeError, ev.Timestamp)

	case domain.EventHangup:
		w.engine.broker.Close(w.callID)
		w.finalize(OutcomeForHangup(prior), ev.Timestamp)

	case domain.EventRecordingReady:
		w.call.RecordingURL = ev.RecordingURL
		// Re-persist the terminal record so the attached URL lands in the log.
		if view := w.publish(); view != nil {
			go w.engine.dispatcher.AttachRecording(context.Background(), view)
		}
	}
}

// publish refreshes the registry's read-side view of the call. Only this
// worker mutates the aggregate, so the copy inside Publish is race-free.
func (w *worker) publish() *domain.Call {
	return w.engine.registry.Publish(w.call)
}

// openSession opens the AI session off the worker goroutine and feeds the
// result back through the mailbox. Routing the result through the mailbox is
// what makes a racing hangup win: it was queued first, so it is applied
// first, and the session result then hits a terminal state and is discarded.
func (w *worker) openSession() {
	if w.openInFlight {
		return
	}
	w.openInFlight = true

	call := w.call
	go func() {
		err := w.engine.broker.Open(w.ctx, call)
		ev := &domain.CallEvent{
			CallID:    w.callID,
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			logger.Base().Warn("AI session open failed",
				zap.String("call_id", w.callID), zap.Error(err))
			ev.EventID = "session-failed-" + w.callID
			ev.Type = domain.EventSessionFailed
		} else {
			ev.EventID = "session-ready-" + w.callID
			ev.Type = domain.EventSessionReady
		}
		w.submit(ev)
	}()
}

// finalize sets the outcome exactly once, moves the call to ended, persists
// the terminal projection, and fires the dispatcher.
func (w *worker) finalize(outcome domain.CallOutcome, at time.Time) {
	w.call.State = domain.StateEnded
	if w.call.Outcome == domain.OutcomeUnknown {
		w.call.Outcome = outcome
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	w.call.EndedAt = at

	view := w.publish()
	w.engine.registry.MarkTerminal(w.call)

	if !w.dispatched {
		w.dispatched = true
		if view == nil {
			view = w.call
		}
		go w.engine.dispatcher.Dispatch(context.Background(), view)
	}

	w.retireOnce.Do(func() {
		time.AfterFunc(w.engine.cfg.WorkerGrace, func() {
			close(w.retire)
		})
	})
}
