package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Start()
	defer hub.Stop()

	sub1 := hub.Subscribe()
	sub2 := hub.Subscribe()
	defer hub.Unsubscribe(sub1)
	defer hub.Unsubscribe(sub2)
	assert.Equal(t, 2, hub.SubscriberCount())

	hub.Publish(&Notification{
		TenantID:       "t1",
		IdempotencyKey: "evt-1",
		Outcome:        OutcomeApplied,
	})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case n := <-sub:
			assert.Equal(t, "evt-1", n.IdempotencyKey)
			assert.Equal(t, OutcomeApplied, n.Outcome)
			assert.False(t, n.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	hub.Start()
	defer hub.Stop()

	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	// Double unsubscribe must not panic.
	hub.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Zero(t, hub.SubscriberCount())
}

func TestHubFullSubscriberIsSkipped(t *testing.T) {
	hub := NewHub()
	hub.Start()
	defer hub.Stop()

	slow := hub.Subscribe()
	defer hub.Unsubscribe(slow)

	// Overflow the per-subscriber buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(&Notification{TenantID: "t1", IdempotencyKey: "k", Outcome: OutcomeApplied})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestWaitForMatchesIdentity(t *testing.T) {
	hub := NewHub()
	hub.Start()
	defer hub.Stop()

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	go func() {
		hub.Publish(&Notification{TenantID: "t1", IdempotencyKey: "other", Outcome: OutcomeApplied})
		hub.Publish(&Notification{TenantID: "t2", IdempotencyKey: "evt-1", Outcome: OutcomeApplied})
		hub.Publish(&Notification{TenantID: "t1", IdempotencyKey: "evt-1", Outcome: OutcomeFailed, Error: "boom"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := WaitFor(ctx, sub, "t1", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, n.Outcome)
	assert.Equal(t, "boom", n.Error)
}

func TestWaitForContextDeadline(t *testing.T) {
	hub := NewHub()
	hub.Start()
	defer hub.Stop()

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := WaitFor(ctx, sub, "t1", "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
