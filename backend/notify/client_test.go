package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/resilience"
)

func testFabric() *resilience.Fabric {
	return resilience.New(config.Dependency{
		Name: "notification-test", WindowSize: 100, FailureRate: 0.99,
		SlowRate: 0.99, SlowCallAfter: time.Minute, OpenWait: time.Second,
		HalfOpenProbes: 1, RetryAttempts: 1, MaxConcurrent: 100,
		Timeout: 5 * time.Second, RatePerSec: 10000, RateBurst: 1000,
	}, nil, zap.NewNop())
}

type gatedSender struct {
	mu      sync.Mutex
	release chan struct{}
	fail    bool
	sent    []Notification
}

func (g *gatedSender) Send(_ context.Context, n Notification) error {
	if g.release != nil {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errs.Unavailable("notification service down")
	}
	g.sent = append(g.sent, n)
	return nil
}

func (g *gatedSender) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func TestSendReturnsBeforeDelivery(t *testing.T) {
	sender := &gatedSender{release: make(chan struct{})}
	c := NewClient(testFabric(), sender, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// The sender is blocked, so any synchronous delivery would hang
	// here. Send must come back immediately regardless.
	start := time.Now()
	c.Send(ctx, Notification{UserID: "u1", Kind: "partnership_ACTIVE"})
	require.Less(t, time.Since(start), 100*time.Millisecond, "Send must not wait on the transport")
	assert.Equal(t, 0, sender.count())

	close(sender.release)
	require.Eventually(t, func() bool { return sender.count() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestFullQueueParksInDeadLetter(t *testing.T) {
	sender := &gatedSender{}
	c := NewClient(testFabric(), sender, zap.NewNop())

	// No Run loop: the queue fills to capacity and overflow parks.
	for i := 0; i < queueCapacity+3; i++ {
		c.Send(context.Background(), Notification{UserID: "u1", Kind: "milestone_reached"})
	}
	assert.Equal(t, 3, c.DeadLetterDepth())
}

func TestDrainRedrivesDeadLetters(t *testing.T) {
	sender := &gatedSender{fail: true}
	c := NewClient(testFabric(), sender, zap.NewNop())
	ctx := context.Background()

	c.deliver(ctx, Notification{UserID: "u1", Kind: "partnership_request"})
	require.Equal(t, 1, c.DeadLetterDepth())

	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()
	c.drain(ctx)
	assert.Equal(t, 0, c.DeadLetterDepth())
	assert.Equal(t, 1, sender.count())
}
