package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/queue"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = "file::memory:?cache=shared"
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishAndConsume(t *testing.T) {
	client := newTestClient(t)
	publisher := client.Publisher()

	ctx := context.Background()
	if err := publisher.Publish(ctx, "orders.created", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "test-consumer", "orders.created")
	if err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	var received []byte
	var wg sync.WaitGroup
	wg.Add(1)

	consumeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	go func() {
		_ = consumer.Consume(consumeCtx, func(msg queue.Message) error {
			received = msg.Data()
			if err := msg.Ack(); err != nil {
				return err
			}
			wg.Done()
			cancel()
			return nil
		})
	}()

	wg.Wait()
	if string(received) != `{"id":1}` {
		t.Errorf("expected payload %q, got %q", `{"id":1}`, string(received))
	}
}

func TestConsumerIgnoresOtherSubjects(t *testing.T) {
	client := newTestClient(t)
	publisher := client.Publisher()
	ctx := context.Background()

	if err := publisher.Publish(ctx, "other.subject", []byte("payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "filtered-consumer", "orders.created")
	if err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	consumeCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	delivered := false
	_ = consumer.Consume(consumeCtx, func(msg queue.Message) error {
		delivered = true
		return nil
	})

	if delivered {
		t.Error("expected message on other subject not to be delivered")
	}
}

func TestMessageNakRedelivers(t *testing.T) {
	client := newTestClient(t)
	publisher := client.Publisher()
	ctx := context.Background()

	if err := publisher.PublishWithGroup(ctx, "orders.created", []byte("payload"), "group-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "nak-consumer", "")
	if err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	attempts := 0
	consumeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_ = consumer.Consume(consumeCtx, func(msg queue.Message) error {
		attempts++
		if attempts == 1 {
			if msg.MessageGroup() != "group-1" {
				t.Errorf("expected message group %q, got %q", "group-1", msg.MessageGroup())
			}
			return msg.Nak()
		}
		_ = msg.Ack()
		cancel()
		return nil
	})

	if attempts < 2 {
		t.Errorf("expected at least 2 delivery attempts, got %d", attempts)
	}
}

func TestHealthCheck(t *testing.T) {
	client := newTestClient(t)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy connection, got %v", err)
	}
}
