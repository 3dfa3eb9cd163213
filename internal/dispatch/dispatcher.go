package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/frontdesklabs/call-engine/pkg/pubsub"
	redisSrv "github.com/frontdesklabs/call-engine/pkg/redis"
	"go.uber.org/zap"
)

// CallStore persists the terminal projection of a call. Implemented by the
// gorm repository.
type CallStore interface {
	RecordCall(ctx context.Context, call *domain.Call) error
}

// BillingReporter publishes billing triggers for billable calls.
type BillingReporter interface {
	ReportBillable(ctx context.Context, ev pubsub.BillingTriggerEvent) error
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, ev pubsub.NotificationEvent) error
}

// pendingTask is the reconciliation record pushed to Redis when a dispatch
// operation exhausts its retries. A background replayer picks it up later.
type pendingTask struct {
	Kind         string                      `json:"kind"` // "record", "billing", "notification"
	Call         *domain.Call                `json:"call,omitempty"`
	Billing      *pubsub.BillingTriggerEvent `json:"billing,omitempty"`
	Notification *pubsub.NotificationEvent   `json:"notification,omitempty"`
	QueuedAt     time.Time                   `json:"queued_at"`
}

// Dispatcher fires the terminal side effects for ended calls: the call-log
// record, the billing trigger, and operator notifications. Every operation is
// retried with bounded backoff and parked on a Redis queue when retries run
// out, so a downstream outage never loses an outcome and never touches call
// state.
type Dispatcher struct {
	store    CallStore
	billing  BillingReporter
	notifier Notifier
	redis    redisSrv.RedisServiceInterface

	queueKey string
	seen     sync.Map // callID -> struct{}, belt-and-braces dispatch guard
}

func NewDispatcher(store CallStore, billing BillingReporter, notifier Notifier, rs redisSrv.RedisServiceInterface) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		billing:  billing,
		notifier: notifier,
		redis:    rs,
	}
	if rs != nil {
		d.queueKey = rs.GenerateKey(redisSrv.DISPATCH_QUEUE, "tasks")
	}
	return d
}

// Dispatch runs the full terminal pipeline for an ended call. The engine
// guarantees one invocation per call; the seen map makes a second invocation
// harmless anyway.
func (d *Dispatcher) Dispatch(ctx context.Context, call *domain.Call) {
	if _, loaded := d.seen.LoadOrStore(call.CallID, struct{}{}); loaded {
		logger.Base().Debug("Suppressing duplicate dispatch", zap.String("call_id", call.CallID))
		return
	}

	logger.Base().Info("Dispatching call outcome",
		zap.String("call_id", call.CallID),
		zap.String("tenant_id", call.TenantID),
		zap.String("outcome", string(call.Outcome)),
		zap.Bool("billable", call.Billable))

	d.persistRecord(ctx, call)

	if call.Billable {
		d.reportBillable(ctx, call)
	}

	switch call.Outcome {
	case domain.OutcomeVoicemailFallback:
		d.notify(ctx, pubsub.NotificationEvent{
			TenantID: call.TenantID,
			CallID:   call.CallID,
			Severity: "warning",
			Message:  fmt.Sprintf("Call from %s went to voicemail", call.FromNumber),
		})
	case domain.OutcomeError:
		d.notify(ctx, pubsub.NotificationEvent{
			TenantID: call.TenantID,
			CallID:   call.CallID,
			Severity: "high",
			Message:  fmt.Sprintf("Call from %s ended in error", call.FromNumber),
		})
	}
}

// AttachRecording re-persists an already-dispatched call after its voicemail
// recording URL arrived.
func (d *Dispatcher) AttachRecording(ctx context.Context, call *domain.Call) {
	d.persistRecord(ctx, call)
}

// NotifyUrgent queues a high-severity operator notification outside the
// terminal pipeline. Used by the voicemail fallback the moment AI handling
// fails, before the call has ended.
func (d *Dispatcher) NotifyUrgent(ctx context.Context, tenantID, callID, message string) {
	d.notify(ctx, pubsub.NotificationEvent{
		TenantID: tenantID,
		CallID:   callID,
		Severity: "high",
		Message:  message,
	})
}

func (d *Dispatcher) persistRecord(ctx context.Context, call *domain.Call) {
	if d.store == nil {
		return
	}
	err := withRetry(ctx, "record-call", func(ctx context.Context) error {
		return d.store.RecordCall(ctx, call)
	})
	if err != nil {
		d.park(ctx, pendingTask{Kind: "record", Call: call})
	}
}

func (d *Dispatcher) reportBillable(ctx context.Context, call *domain.Call) {
	ev := pubsub.BillingTriggerEvent{
		TenantID:  call.TenantID,
		CallID:    call.CallID,
		Kind:      pubsub.BillableKind(call.BillableKind),
		CreatedAt: time.Now().UTC(),
	}
	if ev.Kind == "" {
		ev.Kind = pubsub.BillableKindAppointment
	}
	err := withRetry(ctx, "billing-trigger", func(ctx context.Context) error {
		return d.billing.ReportBillable(ctx, ev)
	})
	if err != nil {
		d.park(ctx, pendingTask{Kind: "billing", Billing: &ev})
	}
}

func (d *Dispatcher) notify(ctx context.Context, ev pubsub.NotificationEvent) {
	ev.CreatedAt = time.Now().UTC()
	err := withRetry(ctx, "operator-notification", func(ctx context.Context) error {
		return d.notifier.Notify(ctx, ev)
	})
	if err != nil {
		d.park(ctx, pendingTask{Kind: "notification", Notification: &ev})
	}
}

// park pushes an exhausted task onto the Redis reconciliation queue. When
// Redis itself is down the task is logged and lost; that trade-off is
// accepted, losing a billing event beats blocking call teardown forever.
func (d *Dispatcher) park(ctx context.Context, task pendingTask) {
	task.QueuedAt = time.Now().UTC()
	if d.redis == nil {
		logger.Base().Error("No reconciliation queue configured, dropping task",
			zap.String("kind", task.Kind))
		return
	}
	if err := d.redis.PushQueue(ctx, d.queueKey, task); err != nil {
		logger.Base().Error("Failed to park dispatch task",
			zap.String("kind", task.Kind), zap.Error(err))
		return
	}
	logger.Base().Warn("Parked dispatch task for reconciliation", zap.String("kind", task.Kind))
}

// RunReconciler replays parked tasks every interval until ctx is cancelled.
// Intended to run as a background goroutine from main.
func (d *Dispatcher) RunReconciler(ctx context.Context, interval time.Duration) {
	if d.redis == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ReplayPending(ctx)
		}
	}
}

// ReplayPending drains the reconciliation queue, giving each task one retried
// attempt. Tasks that fail again go back to the tail of the queue.
func (d *Dispatcher) ReplayPending(ctx context.Context) {
	for {
		raw, err := d.redis.PopQueue(ctx, d.queueKey)
		if err != nil {
			if err != redisSrv.ErrKeyNotExist {
				logger.Base().Error("Failed to pop reconciliation queue", zap.Error(err))
			}
			return
		}

		var task pendingTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			logger.Base().Error("Discarding malformed reconciliation task", zap.Error(err))
			continue
		}

		if err := d.replay(ctx, task); err != nil {
			logger.Base().Warn("Reconciliation replay failed, re-parking",
				zap.String("kind", task.Kind), zap.Error(err))
			if pushErr := d.redis.PushQueue(ctx, d.queueKey, task); pushErr != nil {
				logger.Base().Error("Failed to re-park task", zap.Error(pushErr))
			}
			return
		}
		logger.Base().Info("Replayed parked dispatch task", zap.String("kind", task.Kind))
	}
}

func (d *Dispatcher) replay(ctx context.Context, task pendingTask) error {
	switch task.Kind {
	case "record":
		if task.Call == nil || d.store == nil {
			return nil
		}
		return withRetry(ctx, "record-call", func(ctx context.Context) error {
			return d.store.RecordCall(ctx, task.Call)
		})
	case "billing":
		if task.Billing == nil {
			return nil
		}
		return withRetry(ctx, "billing-trigger", func(ctx context.Context) error {
			return d.billing.ReportBillable(ctx, *task.Billing)
		})
	case "notification":
		if task.Notification == nil {
			return nil
		}
		return withRetry(ctx, "operator-notification", func(ctx context.Context) error {
			return d.notifier.Notify(ctx, *task.Notification)
		})
	default:
		logger.Base().Warn("Unknown reconciliation task kind", zap.String("kind", task.Kind))
		return nil
	}
}
