package events

import (
	"context"
	"time"
)

// Outcome classifies how the applier finished with a transaction event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Notification is the in-process record of one processed transaction
// event. The API's wait-applied path subscribes to these so a client
// blocked on ExecuteAtomic unblocks as soon as its event lands, without
// polling the ledger.
type Notification struct {
	TenantID       string
	IdempotencyKey string
	Outcome        Outcome
	StreamPosition string
	CreatedNodeIDs []string
	Error          string
	Timestamp      time.Time
}

// Matches reports whether the notification is for the given event
// identity.
func (n *Notification) Matches(tenantID, idempotencyKey string) bool {
	return n.TenantID == tenantID && n.IdempotencyKey == idempotencyKey
}

// WaitFor blocks until the subscription delivers a notification for
// the given identity or the context ends. Callers must check the
// ledger after subscribing; an event applied before the subscription
// existed never arrives here.
func WaitFor(ctx context.Context, sub Subscriber, tenantID, idempotencyKey string) (*Notification, error) {
	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return nil, context.Canceled
			}
			if n.Matches(tenantID, idempotencyKey) {
				return n, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
