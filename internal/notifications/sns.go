// Package notifications publishes operational events, such as the gateway's
// health state changing, to an SNS topic.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/felipepmaragno/gemini-gateway/internal/admission"
)

type NotificationType string

const (
	NotificationHealthDegraded   NotificationType = "health_degraded"
	NotificationHealthOverloaded NotificationType = "health_overloaded"
	NotificationHealthRecovered  NotificationType = "health_recovered"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
	Time    time.Time        `json:"time"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicArn: topicArn}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String("gemini-gateway: " + string(notification.Type)),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent", "type", notification.Type)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}

// HealthNotification describes a health transition, or returns false when the
// transition is not worth reporting.
func HealthNotification(old, new admission.Health, stats admission.Stats) (Notification, bool) {
	if old == new {
		return Notification{}, false
	}

	var typ NotificationType
	switch new {
	case admission.Degraded:
		if old == admission.Overloaded {
			return Notification{}, false
		}
		typ = NotificationHealthDegraded
	case admission.Overloaded:
		typ = NotificationHealthOverloaded
	default:
		typ = NotificationHealthRecovered
	}

	return Notification{
		Type:    typ,
		Message: fmt.Sprintf("gateway health changed from %s to %s", old, new),
		Data: map[string]any{
			"from":                   old.String(),
			"to":                     new.String(),
			"queued":                 stats.Queued,
			"active":                 stats.Active,
			"queueUtilization":       stats.QueueUtilization,
			"concurrencyUtilization": stats.ConcurrencyUtilization,
		},
		Time: time.Now().UTC(),
	}, true
}

// HealthHook returns an admission health hook that publishes transitions
// without blocking the caller.
func HealthHook(n Notifier, ac *admission.Controller, timeout time.Duration) func(old, new admission.Health) {
	return func(old, new admission.Health) {
		notification, ok := HealthNotification(old, new, ac.Stats())
		if !ok {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := n.Send(ctx, notification); err != nil {
				slog.Warn("failed to send health notification", "type", notification.Type, "error", err)
			}
		}()
	}
}
