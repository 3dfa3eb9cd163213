package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// PubID namespaces published events so subscription filters can separate
	// environments (e.g. "", "beta", "stage").
	PubID string `mapstructure:"pub_id"`
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// BillableKind identifies what made a call billable.
type BillableKind string

const (
	BillableKindAppointment BillableKind = "appointment_booked"
)

// BillingTriggerEvent is the payload published when a completed call carries a
// billable action. The billing ledger consumes it downstream.
type BillingTriggerEvent struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	CallID    string       `json:"call_id"`
	Kind      BillableKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
}

// NotificationEvent is the payload published for operator alerts.
type NotificationEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CallID    string    `json:"call_id,omitempty"`
	Severity  string    `json:"severity"` // "info", "warning", "high"
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishBillingTrigger publishes a billing trigger event and blocks until the
// server acknowledges it or ctx expires.
func (p *PubSubService) PublishBillingTrigger(ctx context.Context, ev BillingTriggerEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return p.publish(ctx, "billing.trigger", ev.TenantID, ev)
}

// PublishNotification publishes an operator notification event.
func (p *PubSubService) PublishNotification(ctx context.Context, ev NotificationEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return p.publish(ctx, "operator.notification", ev.TenantID, ev)
}

func (p *PubSubService) publish(ctx context.Context, eventType, tenantID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": eventType,
			"tenant_id":  tenantID,
			"pub_id":     p.config.PubID,
		},
	})

	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	logger.Base().Debug("Published event",
		zap.String("event_type", eventType),
		zap.String("tenant_id", tenantID),
		zap.String("message_id", id))
	return nil
}

// Close releases the client and stops background publishing goroutines.
func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
