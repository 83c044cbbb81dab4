// Package sqlite provides an embedded SQLite-backed queue implementation,
// used when no external broker (SQS, JMS) is configured.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go.flowcatalyst.tech/internal/queue"
)

// queuedMessage is the GORM model backing the embedded queue table.
type queuedMessage struct {
	ID                uint   `gorm:"primaryKey"`
	Subject           string `gorm:"index"`
	MessageGroupID    string `gorm:"index"`
	Payload           []byte
	ReceiptHandle     string `gorm:"index"`
	NotVisibleUntil   time.Time
	Delivered         bool `gorm:"index"`
	DeliveryAttempts  int
	CreatedAt         time.Time
}

func (queuedMessage) TableName() string { return "queue_messages" }

// Config configures the embedded SQLite queue.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// VisibilityTimeout is how long a polled message stays invisible to
	// other consumers before it's considered abandoned and redelivered.
	VisibilityTimeout time.Duration

	// PollInterval is how often the consumer polls for new messages.
	PollInterval time.Duration

	// BatchSize bounds how many messages are claimed per poll.
	BatchSize int
}

// DefaultConfig returns sensible defaults for the embedded queue.
func DefaultConfig() *Config {
	return &Config{
		VisibilityTimeout: 30 * time.Second,
		PollInterval:      500 * time.Millisecond,
		BatchSize:         10,
	}
}

// Client manages the embedded SQLite queue database.
type Client struct {
	db     *gorm.DB
	config *Config
}

// NewClient opens (creating if necessary) the SQLite queue database.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue database: %w", err)
	}

	if err := db.AutoMigrate(&queuedMessage{}); err != nil {
		return nil, fmt.Errorf("failed to migrate embedded queue schema: %w", err)
	}

	return &Client{db: db, config: cfg}, nil
}

// Publisher returns a queue.Publisher backed by the embedded database.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{db: c.db}
}

// CreateConsumer creates a consumer that polls for messages matching the
// given subject. An empty subject consumes every queued message.
func (c *Client) CreateConsumer(ctx context.Context, name, subject string) (*Consumer, error) {
	slog.Info("Embedded SQLite consumer created", "name", name, "subject", subject, "path", c.config.Path)
	return &Consumer{
		db:      c.db,
		name:    name,
		subject: subject,
		config:  c.config,
	}, nil
}

// HealthCheck verifies the database connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying database connection.
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Publisher writes messages into the embedded queue table.
type Publisher struct {
	db *gorm.DB
}

// Publish enqueues a message with no ordering group.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.insert(ctx, subject, data, "")
}

// PublishWithGroup enqueues a message tagged with a FIFO ordering group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.insert(ctx, subject, data, messageGroup)
}

// PublishWithDeduplication enqueues a message with no ordering group; the
// embedded queue has no native deduplication window and the ID is not stored.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.insert(ctx, subject, data, "")
}

func (p *Publisher) insert(ctx context.Context, subject string, data []byte, group string) error {
	msg := &queuedMessage{
		Subject:        subject,
		MessageGroupID: group,
		Payload:        data,
		CreatedAt:      time.Now(),
	}
	return p.db.WithContext(ctx).Create(msg).Error
}

// Close is a no-op; the embedded publisher shares the client's connection.
func (p *Publisher) Close() error { return nil }

// Consumer polls the embedded queue table for undelivered messages.
type Consumer struct {
	db      *gorm.DB
	name    string
	subject string
	config  *Config

	mu      sync.Mutex
	running bool
}

// Consume polls the queue table until the context is cancelled, invoking
// handler for every claimed message.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	slog.Info("Starting embedded SQLite consumer", "consumer", c.name)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			running := c.running
			c.mu.Unlock()
			if !running {
				return nil
			}

			if err := c.pollOnce(ctx, handler); err != nil && ctx.Err() == nil {
				slog.Error("Error polling embedded queue", "error", err, "consumer", c.name)
			}
		}
	}
}

// pollOnce claims a batch of visible, undelivered messages and dispatches
// them to handler. Claiming (marking invisible) and reading happen inside a
// transaction so concurrent consumers never double-claim a row.
func (c *Consumer) pollOnce(ctx context.Context, handler func(queue.Message) error) error {
	var claimed []queuedMessage

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("delivered = ? AND not_visible_until <= ?", false, time.Now())
		if c.subject != "" {
			query = query.Where("subject = ?", c.subject)
		}

		var candidates []queuedMessage
		if err := query.Order("id ASC").Limit(c.config.BatchSize).Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			candidates[i].ReceiptHandle = uuid.NewString()
			candidates[i].NotVisibleUntil = time.Now().Add(c.config.VisibilityTimeout)
			candidates[i].DeliveryAttempts++
			if err := tx.Model(&queuedMessage{}).Where("id = ?", candidates[i].ID).Updates(map[string]interface{}{
				"receipt_handle":    candidates[i].ReceiptHandle,
				"not_visible_until": candidates[i].NotVisibleUntil,
				"delivery_attempts": candidates[i].DeliveryAttempts,
			}).Error; err != nil {
				return err
			}
		}

		claimed = candidates
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to claim embedded queue messages: %w", err)
	}

	for _, row := range claimed {
		wrapped := &Message{db: c.db, row: row}
		if err := handler(wrapped); err != nil {
			slog.Error("Embedded queue handler error", "error", err, "messageId", row.ID, "consumer", c.name)
		}
	}

	return nil
}

// Close stops the consumer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// Message wraps a claimed embedded-queue row.
type Message struct {
	db  *gorm.DB
	row queuedMessage
}

// ID returns the row's primary key, which stays the same across redeliveries.
func (m *Message) ID() string { return fmt.Sprintf("%d", m.row.ID) }

// Data returns the message payload.
func (m *Message) Data() []byte { return m.row.Payload }

// Subject returns the message subject.
func (m *Message) Subject() string { return m.row.Subject }

// MessageGroup returns the FIFO ordering group, if any.
func (m *Message) MessageGroup() string { return m.row.MessageGroupID }

// Ack marks the message delivered, removing it from future polls.
func (m *Message) Ack() error {
	return m.db.Model(&queuedMessage{}).Where("id = ? AND receipt_handle = ?", m.row.ID, m.row.ReceiptHandle).
		Update("delivered", true).Error
}

// Nak makes the message immediately visible again for redelivery.
func (m *Message) Nak() error {
	return m.db.Model(&queuedMessage{}).Where("id = ? AND receipt_handle = ?", m.row.ID, m.row.ReceiptHandle).
		Update("not_visible_until", time.Now()).Error
}

// NakWithDelay makes the message visible again after delay.
func (m *Message) NakWithDelay(delay time.Duration) error {
	return m.db.Model(&queuedMessage{}).Where("id = ? AND receipt_handle = ?", m.row.ID, m.row.ReceiptHandle).
		Update("not_visible_until", time.Now().Add(delay)).Error
}

// InProgress extends the invisibility window while processing continues.
func (m *Message) InProgress() error {
	return m.db.Model(&queuedMessage{}).Where("id = ? AND receipt_handle = ?", m.row.ID, m.row.ReceiptHandle).
		Update("not_visible_until", time.Now().Add(30*time.Second)).Error
}

// Metadata returns delivery bookkeeping for this message.
func (m *Message) Metadata() map[string]string {
	return map[string]string{
		"receiptHandle":    m.row.ReceiptHandle,
		"deliveryAttempts": fmt.Sprintf("%d", m.row.DeliveryAttempts),
	}
}

// DispatchPayload decodes the JSON message payload for code that wants a typed view.
func DispatchPayload(m *Message) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(m.row.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
