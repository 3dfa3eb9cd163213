package dispatch

import (
	"context"

	"github.com/frontdesklabs/call-engine/pkg/pubsub"
)

// PubSubReporter adapts the Pub/Sub publisher to the dispatcher's reporter
// and notifier interfaces.
type PubSubReporter struct {
	svc *pubsub.PubSubService
}

func NewPubSubReporter(svc *pubsub.PubSubService) *PubSubReporter {
	return &PubSubReporter{svc: svc}
}

func (r *PubSubReporter) ReportBillable(ctx context.Context, ev pubsub.BillingTriggerEvent) error {
	return r.svc.PublishBillingTrigger(ctx, ev)
}

func (r *PubSubReporter) Notify(ctx context.Context, ev pubsub.NotificationEvent) error {
	return r.svc.PublishNotification(ctx, ev)
}
