package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/storefront/api/internal/services"
)

// OrderEventPublisher publishes committed ledger writes to a Pub/Sub topic.
type OrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*OrderEventPublisher)(nil)

func NewOrderEventPublisher(topic *pubsub.Topic) (*OrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("order event publisher: topic is required")
	}
	return &OrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent blocks until the server acknowledges the message.
func (p *OrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderCommittedEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("order event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.Status)
	setAttr(attrs, "source", event.Source)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
		// one ordering lane per order keeps status changes in sequence
		OrderingKey: orderingKey(p.topic, event.OrderID),
	})

	id, err := result.Get(ctx)
	if err != nil {
		if key := orderingKey(p.topic, event.OrderID); key != "" {
			p.topic.ResumePublish(key)
		}
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

func orderingKey(topic *pubsub.Topic, orderID string) string {
	if !topic.EnableMessageOrdering {
		return ""
	}
	return strings.TrimSpace(orderID)
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
