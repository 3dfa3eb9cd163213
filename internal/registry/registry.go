package registry

import (
	"context"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

type entry struct {
	call       *domain.Call
	view       *domain.Call // immutable read-side copy, replaced on Publish
	terminalAt time.Time    // zero until the call reaches a terminal state
}

// Registry is the concurrency-safe in-memory store of active calls, keyed by
// callID. Terminal calls stay resident for a fixed grace period before
// eviction, so a late out-of-order event still finds the aggregate.
type Registry struct {
	mu      sync.Mutex
	calls   map[string]*entry
	grace   time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	janitor sync.Once
}

func NewRegistry(evictionGrace time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	if evictionGrace <= 0 {
		evictionGrace = 2 * time.Minute
	}
	return &Registry{
		calls:  make(map[string]*entry),
		grace:  evictionGrace,
		ctx:    ctx,
		cancel: cancel,
	}
}

// GetOrCreate atomically returns the existing call for callID or creates a
// new one in the ringing state. Two concurrent callers for the same unseen
// callID both receive the first caller's instance; created reports whether
// this call allocated the aggregate.
func (r *Registry) GetOrCreate(ev *domain.CallEvent) (call *domain.Call, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.calls[ev.CallID]; ok {
		return e.call, false
	}

	call = &domain.Call{
		CallID:     ev.CallID,
		TenantID:   ev.TenantID,
		State:      domain.StateRinging,
		FromNumber: ev.FromNumber,
		ToNumber:   ev.ToNumber,
		Direction:  ev.Direction,
		StartedAt:  ev.Timestamp,
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now().UTC()
	}
	view, _ := copyCall(call)
	r.calls[ev.CallID] = &entry{call: call, view: view}
	return call, true
}

// Get returns the live aggregate for callID, or ErrCallNotFound.
func (r *Registry) Get(callID string) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return e.call, nil
}

// Publish replaces the read-side view of the call with a fresh copy and
// returns it. Only the call's worker may call this: the worker is the
// aggregate's single writer, so copying the live fields here is race-free.
// Readers never touch the live aggregate.
func (r *Registry) Publish(call *domain.Call) *domain.Call {
	view, err := copyCall(call)
	if err != nil {
		logger.Base().Error("Failed to copy call view",
			zap.String("call_id", call.CallID), zap.Error(err))
		return nil
	}
	r.mu.Lock()
	if e, ok := r.calls[call.CallID]; ok {
		e.view = view
	}
	r.mu.Unlock()
	return view
}

// Snapshot returns a copy of the call's last published view for read-side
// consumers (the dashboard query endpoint). The live aggregate stays owned
// by its worker and is never read here.
func (r *Registry) Snapshot(callID string) (*domain.Call, error) {
	r.mu.Lock()
	e, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrCallNotFound
	}
	view := e.view
	r.mu.Unlock()
	if view == nil {
		return nil, domain.ErrCallNotFound
	}
	// The view is immutable, so copying it outside the lock is safe; the copy
	// keeps one consumer's mutations from leaking into another's.
	return copyCall(view)
}

func copyCall(call *domain.Call) (*domain.Call, error) {
	snap := &domain.Call{}
	if err := copier.CopyWithOption(snap, call, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	return snap, nil
}

// MarkTerminal records that the call reached a terminal state and schedules
// eviction after the grace period. Persistence is the dispatcher's job.
func (r *Registry) MarkTerminal(call *domain.Call) {
	r.mu.Lock()
	if e, ok := r.calls[call.CallID]; ok && e.terminalAt.IsZero() {
		e.terminalAt = time.Now()
	}
	r.mu.Unlock()

	r.janitor.Do(func() { go r.runJanitor() })
}

// IsTerminal reports whether the call already ended and is only resident for
// the eviction grace window.
func (r *Registry) IsTerminal(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	return ok && !e.terminalAt.IsZero()
}

// ActiveCount returns the number of calls currently held in memory.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// ActiveInState returns the published views of all calls currently in the
// given state, used by the shutdown drain to find sessions still live.
func (r *Registry) ActiveInState(state domain.CallState) []*domain.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Call
	for _, e := range r.calls {
		if e.view != nil && e.view.State == state {
			out = append(out, e.view)
		}
	}
	return out
}

// Close stops the eviction janitor.
func (r *Registry) Close() {
	r.cancel()
}

func (r *Registry) runJanitor() {
	ticker := time.NewTicker(r.grace / 4)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *Registry) evictExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.calls {
		if !e.terminalAt.IsZero() && now.Sub(e.terminalAt) >= r.grace {
			delete(r.calls, id)
			logger.Base().Debug("Evicted terminal call", zap.String("call_id", id))
		}
	}
}
