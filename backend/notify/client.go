// Package notify is the outbound notification client. Callers get
// fire-and-forget semantics; the resilience fabric provides retries and
// breaking, and persistent failures park in a bounded dead-letter queue
// drained in the background.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/observability"
	"github.com/focushive/focushive/backend/resilience"
)

// Notification is one delivery request to the notification service.
type Notification struct {
	UserID  string         `json:"userId"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Sender performs the actual transport call. The HTTP implementation
// lives with the collaborator layer; tests and dev use fakes.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender drops notifications into the log. Default when no
// notification service is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Info("notification (log sink)",
		zap.String("user", n.UserID), zap.String("kind", n.Kind))
	return nil
}

const (
	queueCapacity      = 256
	deadLetterCapacity = 1024
	drainInterval      = 30 * time.Second
)

// Client wraps a Sender with the notification dependency's fabric.
// Delivery runs on the Run loop; Send never blocks the caller.
type Client struct {
	fabric *resilience.Fabric
	sender Sender
	logger *zap.Logger
	queue  chan Notification

	mu         sync.Mutex
	deadLetter []Notification
}

func NewClient(fabric *resilience.Fabric, sender Sender, logger *zap.Logger) *Client {
	return &Client{
		fabric: fabric,
		sender: sender,
		logger: logger,
		queue:  make(chan Notification, queueCapacity),
	}
}

// Send enqueues a notification and returns immediately. It never
// returns an error to the caller's state transition; a full queue
// parks the notification in the dead-letter backlog.
func (c *Client) Send(_ context.Context, n Notification) {
	select {
	case c.queue <- n:
	default:
		c.park(n)
		c.logger.Warn("notification queue full, dead-lettered",
			zap.String("user", n.UserID), zap.String("kind", n.Kind))
	}
}

func (c *Client) deliver(ctx context.Context, n Notification) {
	_, err := c.fabric.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, c.sender.Send(ctx, n)
	})
	if err != nil {
		c.park(n)
		c.logger.Warn("notification dead-lettered",
			zap.String("user", n.UserID), zap.String("kind", n.Kind), zap.Error(err))
	}
}

func (c *Client) park(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deadLetter) >= deadLetterCapacity {
		c.deadLetter = c.deadLetter[1:]
	}
	c.deadLetter = append(c.deadLetter, n)
	observability.NotificationsDeadLettered.Inc()
}

// DeadLetterDepth reports the parked backlog.
func (c *Client) DeadLetterDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deadLetter)
}

// Run delivers queued notifications and periodically redrives the
// dead-letter queue until ctx cancels.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.queue:
			c.deliver(ctx, n)
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

func (c *Client) drain(ctx context.Context) {
	c.mu.Lock()
	batch := c.deadLetter
	c.deadLetter = nil
	c.mu.Unlock()

	for _, n := range batch {
		c.deliver(ctx, n)
	}
}
