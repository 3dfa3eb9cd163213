package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanLeg is a scripted telephony leg backed by channels.
type chanLeg struct {
	in  chan []byte
	out chan []byte

	mu       sync.Mutex
	writeErr error
}

func newChanLeg() *chanLeg {
	return &chanLeg{
		in:  make(chan []byte, 256),
		out: make(chan []byte, 256),
	}
}

func (l *chanLeg) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-l.in:
		if !ok {
			return nil, errors.New("leg closed")
		}
		return frame, nil
	}
}

func (l *chanLeg) WriteFrame(frame []byte) error {
	l.mu.Lock()
	err := l.writeErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.out <- frame
	return nil
}

func (l *chanLeg) Close() error { return nil }

type sinkRecorder struct {
	mu     sync.Mutex
	events []*domain.CallEvent
}

func (s *sinkRecorder) sink(ev *domain.CallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestCallerFramesReachSessionInOrder(t *testing.T) {
	leg := newChanLeg()
	var mu sync.Mutex
	var sent [][]byte
	b := New(Options{
		CallID: "call-1",
		Leg:    leg,
		SendAudio: func(frame []byte) error {
			mu.Lock()
			sent = append(sent, frame)
			mu.Unlock()
			return nil
		},
		QueueSize: 8,
	})
	b.Start()
	defer b.Stop()

	for i := 0; i < 5; i++ {
		leg.in <- []byte{byte(i)}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 5; i++ {
		assert.Equal(t, []byte{byte(i)}, sent[i], "frame order must be preserved")
	}
}

func TestSessionFramesReachCaller(t *testing.T) {
	leg := newChanLeg()
	b := New(Options{
		CallID:    "call-1",
		Leg:       leg,
		SendAudio: func([]byte) error { return nil },
		QueueSize: 8,
	})
	b.Start()
	defer b.Stop()

	b.DeliverToCaller([]byte("frame-a"))
	b.DeliverToCaller([]byte("frame-b"))

	assert.Equal(t, []byte("frame-a"), <-leg.out)
	assert.Equal(t, []byte("frame-b"), <-leg.out)
}

func TestBackpressureDropsOldestCallerFrames(t *testing.T) {
	leg := newChanLeg()
	block := make(chan struct{})
	var mu sync.Mutex
	var sent [][]byte
	b := New(Options{
		CallID: "call-1",
		Leg:    leg,
		SendAudio: func(frame []byte) error {
			<-block
			mu.Lock()
			sent = append(sent, frame)
			mu.Unlock()
			return nil
		},
		QueueSize: 4,
	})
	b.Start()
	defer b.Stop()

	// Flood while the session side is blocked: the queue holds 4 plus the one
	// frame stuck inside SendAudio; everything older gets evicted.
	for i := 0; i < 32; i++ {
		leg.in <- []byte{byte(i)}
	}

	require.Eventually(t, func() bool { return b.Dropped() > 0 },
		time.Second, time.Millisecond, "flooding a blocked session must drop frames")

	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) > 0 && sent[len(sent)-1][0] == byte(31)
	}, time.Second, time.Millisecond, "the newest frame must survive the eviction")
}

func TestSessionSendFailureReportsSessionFailed(t *testing.T) {
	leg := newChanLeg()
	rec := &sinkRecorder{}
	b := New(Options{
		CallID:    "call-1",
		Leg:       leg,
		SendAudio: func([]byte) error { return fmt.Errorf("transport gone") },
		Sink:      rec.sink,
		QueueSize: 4,
	})
	b.Start()
	defer b.Stop()

	leg.in <- []byte("frame")

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, domain.EventSessionFailed, rec.events[0].Type)
	assert.Equal(t, "call-1", rec.events[0].CallID)
}

func TestCallerWriteFailureReportsSessionFailed(t *testing.T) {
	leg := newChanLeg()
	leg.writeErr = errors.New("caller leg dead")
	rec := &sinkRecorder{}
	b := New(Options{
		CallID:    "call-1",
		Leg:       leg,
		SendAudio: func([]byte) error { return nil },
		Sink:      rec.sink,
		QueueSize: 4,
	})
	b.Start()
	defer b.Stop()

	b.DeliverToCaller([]byte("frame"))

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, time.Millisecond)
}

func TestStalledCallerLegFailsAfterDeadline(t *testing.T) {
	leg := newChanLeg()
	rec := &sinkRecorder{}
	b := New(Options{
		CallID:        "call-1",
		Leg:           leg,
		SendAudio:     func([]byte) error { return nil },
		Sink:          rec.sink,
		QueueSize:     1,
		WriteDeadline: 20 * time.Millisecond,
	})
	// Not started: nothing drains outQ, so DeliverToCaller hits the deadline.
	b.DeliverToCaller([]byte("frame-1"))
	b.DeliverToCaller([]byte("frame-2"))

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, domain.EventSessionFailed, rec.events[0].Type)
}

func TestFailureIsReportedOnce(t *testing.T) {
	leg := newChanLeg()
	rec := &sinkRecorder{}
	b := New(Options{
		CallID:    "call-1",
		Leg:       leg,
		SendAudio: func([]byte) error { return errors.New("down") },
		Sink:      rec.sink,
		QueueSize: 4,
	})
	b.Start()
	defer b.Stop()

	leg.in <- []byte("a")
	leg.in <- []byte("b")

	require.Eventually(t, func() bool { return rec.count() >= 1 },
		time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}
