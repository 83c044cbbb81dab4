package amqp

import (
	"testing"

	rabbitmq "github.com/rabbitmq/amqp091-go"
)

func TestMessageMessageGroup(t *testing.T) {
	msg := &Message{
		delivery: rabbitmq.Delivery{
			Headers: rabbitmq.Table{messageGroupHeader: "group-42"},
		},
	}
	if got := msg.MessageGroup(); got != "group-42" {
		t.Errorf("expected message group %q, got %q", "group-42", got)
	}
}

func TestMessageMessageGroupMissing(t *testing.T) {
	msg := &Message{delivery: rabbitmq.Delivery{}}
	if got := msg.MessageGroup(); got != "" {
		t.Errorf("expected empty message group, got %q", got)
	}
}

func TestMessageIDAndSubject(t *testing.T) {
	msg := &Message{
		delivery: rabbitmq.Delivery{
			DeliveryTag: 7,
			Type:        "orders.created",
		},
	}
	if got := msg.ID(); got != "7" {
		t.Errorf("expected ID %q, got %q", "7", got)
	}
	if got := msg.Subject(); got != "orders.created" {
		t.Errorf("expected subject %q, got %q", "orders.created", got)
	}
}

func TestMessageData(t *testing.T) {
	msg := &Message{delivery: rabbitmq.Delivery{Body: []byte("payload")}}
	if got := string(msg.Data()); got != "payload" {
		t.Errorf("expected body %q, got %q", "payload", got)
	}
}

func TestMessageMetadataOnlyStringHeaders(t *testing.T) {
	msg := &Message{
		delivery: rabbitmq.Delivery{
			Headers: rabbitmq.Table{
				"x-deduplication-id": "dedup-1",
				"x-retry-count":      int32(3),
			},
		},
	}
	meta := msg.Metadata()
	if meta["x-deduplication-id"] != "dedup-1" {
		t.Errorf("expected dedup header to survive, got %v", meta)
	}
	if _, ok := meta["x-retry-count"]; ok {
		t.Errorf("expected non-string header to be dropped, got %v", meta)
	}
}

func TestMessageInProgressIsNoop(t *testing.T) {
	msg := &Message{}
	if err := msg.InProgress(); err != nil {
		t.Errorf("expected InProgress to be a no-op, got error %v", err)
	}
}
