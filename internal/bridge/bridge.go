package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"go.uber.org/zap"
)

// TelephonyLeg is the caller-side media channel: frames read from it flow to
// the AI session, frames written to it reach the caller.
type TelephonyLeg interface {
	// ReadFrame blocks for the next caller audio frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one AI audio frame to the caller.
	WriteFrame(frame []byte) error
	Close() error
}

// Options configures one bridge instance.
type Options struct {
	CallID string
	Leg    TelephonyLeg
	// SendAudio forwards one caller frame to the AI session transport.
	SendAudio func(frame []byte) error
	// Sink receives transport failures as state-machine inputs.
	Sink func(ev *domain.CallEvent)
	// QueueSize bounds both relay queues. Unbounded buffering is not an
	// option here: a stalled leg would otherwise grow memory without limit.
	QueueSize int
	// WriteDeadline bounds how long the AI->caller direction may block on a
	// slow caller leg before the frame is counted as stalled.
	WriteDeadline time.Duration
}

// Bridge is a pure, backpressure-aware relay between the telephony leg and
// the AI session. It carries no business logic: frames are forwarded in
// arrival order; the caller->AI direction drops oldest under pressure, the
// AI->caller direction blocks with a deadline. Both directions run
// independently so a stalled leg never blocks the other.
type Bridge struct {
	opts Options

	inQ  chan []byte // caller -> AI
	outQ chan []byte // AI -> caller

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	failOnce  sync.Once

	dropped int64
	mu      sync.Mutex
}

func New(opts Options) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		opts:   opts,
		inQ:    make(chan []byte, opts.QueueSize),
		outQ:   make(chan []byte, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the relay goroutines. Idempotent.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		go b.readLeg()
		go b.pumpToSession()
		go b.pumpToCaller()
	})
}

// Stop shuts the relay down. Idempotent; safe to call on a never-started
// bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
	})
}

// DeliverToCaller enqueues one AI audio frame for the caller leg. Blocks up
// to the write deadline when the queue is full; a frame that cannot be
// placed within the deadline means the caller leg is stalled, which is a
// transport failure.
func (b *Bridge) DeliverToCaller(frame []byte) {
	select {
	case b.outQ <- frame:
	case <-b.ctx.Done():
	case <-time.After(b.opts.WriteDeadline):
		b.fail(errors.New("caller leg stalled"))
	}
}

// Dropped reports how many caller frames were dropped under backpressure.
func (b *Bridge) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// readLeg pulls caller frames into the bounded inbound queue, dropping the
// oldest frame under pressure so live audio stays current.
func (b *Bridge) readLeg() {
	for {
		frame, err := b.opts.Leg.ReadFrame(b.ctx)
		if err != nil {
			select {
			case <-b.ctx.Done():
			default:
				b.fail(err)
			}
			return
		}

		select {
		case b.inQ <- frame:
		default:
			// Queue full: evict the oldest frame, keep the newest.
			select {
			case <-b.inQ:
				b.mu.Lock()
				b.dropped++
				b.mu.Unlock()
			default:
			}
			select {
			case b.inQ <- frame:
			case <-b.ctx.Done():
				return
			}
		}

		select {
		case <-b.ctx.Done():
			return
		default:
		}
	}
}

func (b *Bridge) pumpToSession() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case frame := <-b.inQ:
			if err := b.opts.SendAudio(frame); err != nil {
				b.fail(err)
				return
			}
		}
	}
}

func (b *Bridge) pumpToCaller() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case frame := <-b.outQ:
			if err := b.opts.Leg.WriteFrame(frame); err != nil {
				b.fail(err)
				return
			}
		}
	}
}

// fail reports a leg failure exactly once. A bridge failure is not fatal: it
// becomes an ai-session-failed input and the call degrades to voicemail.
func (b *Bridge) fail(err error) {
	b.failOnce.Do(func() {
		logger.Base().Warn("Audio bridge leg failed",
			zap.String("call_id", b.opts.CallID), zap.Error(err))
		b.Stop()
		if b.opts.Sink != nil {
			b.opts.Sink(&domain.CallEvent{
				EventID:   "bridge-failed-" + b.opts.CallID,
				CallID:    b.opts.CallID,
				Type:      domain.EventSessionFailed,
				Timestamp: time.Now().UTC(),
			})
		}
	})
}
