package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/storefront/api/internal/services"
)

func newTestTopic(t *testing.T, ordered bool) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	topic.EnableMessageOrdering = ordered
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestOrderEventPublisherPublishesMessage(t *testing.T) {
	srv, topic := newTestTopic(t, false)
	publisher, err := NewOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewOrderEventPublisher: %v", err)
	}

	event := services.OrderCommittedEvent{
		EventID:       "01JNF6Y8QK3T5Z0J7D2W9RM4XB",
		Type:          "order.committed",
		OrderID:       "PAY-20260301-AB12",
		UserID:        "user-1",
		Status:        "paid",
		Source:        "liqpay_callback",
		PaymentMethod: "online",
		TotalAmount:   "900.00",
		Currency:      "UAH",
		OccurredAt:    time.Date(2026, 3, 1, 9, 31, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishOrderEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.OrderCommittedEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.TotalAmount != "900.00" || !payload.OccurredAt.Equal(event.OccurredAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["orderId"] != event.OrderID || attrs["status"] != "paid" || attrs["eventId"] != event.EventID {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	if _, ok := attrs["userId"]; ok {
		t.Fatalf("user id must not be exposed as an attribute")
	}
	if messages[0].OrderingKey != "" {
		t.Fatalf("expected no ordering key on an unordered topic")
	}
}

func TestOrderEventPublisherUsesOrderingKey(t *testing.T) {
	srv, topic := newTestTopic(t, true)
	publisher, err := NewOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewOrderEventPublisher: %v", err)
	}
	for _, status := range []string{"paid", "shipped"} {
		if _, err := publisher.PublishOrderEvent(context.Background(), services.OrderCommittedEvent{EventID: status, OrderID: "PAY-1", Status: status}); err != nil {
			t.Fatalf("PublishOrderEvent: %v", err)
		}
	}
	messages := srv.Messages()
	if len(messages) != 2 || messages[0].OrderingKey != "PAY-1" {
		t.Fatalf("expected ordered messages, got %+v", messages)
	}
}

func TestNewOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewOrderEventPublisher(nil); err == nil {
		t.Fatalf("expected error")
	}
}
