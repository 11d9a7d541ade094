package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/giftwell/api/internal/services"
)

// ExecutionDispatchMessage is the payload delivered to execution workers via Pub/Sub.
type ExecutionDispatchMessage struct {
	ExecutionID   string    `json:"executionId"`
	RuleID        string    `json:"ruleId"`
	EventID       string    `json:"eventId"`
	UserID        string    `json:"userId"`
	ExecutionDate time.Time `json:"executionDate"`
	DispatchedAt  time.Time `json:"dispatchedAt"`
}

// PubSubExecutionPublisher publishes dispatched executions to a Pub/Sub topic.
type PubSubExecutionPublisher struct {
	topic   *pubsub.Topic
	clock   func() time.Time
	marshal func(any) ([]byte, error)
}

// NewPubSubExecutionPublisher constructs a Pub/Sub backed execution dispatcher.
func NewPubSubExecutionPublisher(topic *pubsub.Topic) (*PubSubExecutionPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub execution publisher: topic is required")
	}
	return &PubSubExecutionPublisher{
		topic: topic,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		marshal: json.Marshal,
	}, nil
}

// DispatchExecution enqueues an execution dispatch message on the configured topic.
func (p *PubSubExecutionPublisher) DispatchExecution(ctx context.Context, execution services.Execution) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub execution publisher: not initialised")
	}
	if strings.TrimSpace(execution.ID) == "" {
		return errors.New("pubsub execution publisher: execution id is required")
	}

	message := ExecutionDispatchMessage{
		ExecutionID:   execution.ID,
		RuleID:        execution.RuleID,
		EventID:       execution.EventID,
		UserID:        execution.UserID,
		ExecutionDate: execution.ExecutionDate.UTC(),
		DispatchedAt:  p.clock(),
	}

	data, err := p.marshal(message)
	if err != nil {
		return fmt.Errorf("marshal execution dispatch: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "executionId", message.ExecutionID)
	setAttr(attrs, "ruleId", message.RuleID)
	setAttr(attrs, "userId", message.UserID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish execution dispatch: %w", err)
	}
	return nil
}

// NotificationMessage is the payload delivered to the notification worker.
type NotificationMessage struct {
	UserID   string            `json:"userId"`
	Kind     string            `json:"kind"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	QueuedAt time.Time         `json:"queuedAt"`
}

// PubSubNotificationPublisher publishes user notifications to a Pub/Sub topic.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	clock   func() time.Time
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic: topic,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		marshal: json.Marshal,
	}, nil
}

// PublishNotification enqueues a notification message on the configured topic.
func (p *PubSubNotificationPublisher) PublishNotification(ctx context.Context, notification services.Notification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notification publisher: not initialised")
	}
	if strings.TrimSpace(notification.UserID) == "" {
		return errors.New("pubsub notification publisher: user id is required")
	}
	if strings.TrimSpace(notification.Kind) == "" {
		return errors.New("pubsub notification publisher: kind is required")
	}

	message := NotificationMessage{
		UserID:   notification.UserID,
		Kind:     notification.Kind,
		Subject:  notification.Subject,
		Body:     notification.Body,
		Metadata: notification.Metadata,
		QueuedAt: p.clock(),
	}

	data, err := p.marshal(message)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "kind", message.Kind)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
