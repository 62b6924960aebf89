/*
Package events provides the in-process notification hub linking the
applier to API handlers waiting on transaction outcomes.

# Architecture

The hub is a lightweight fan-out bus with buffered channels:

	┌──────────────── NOTIFICATION HUB ─────────────────┐
	│                                                    │
	│  applier ──Publish──▶ notify channel (buffer 100)  │
	│                              │                     │
	│                       broadcast loop               │
	│                              │                     │
	│          ┌───────────────────┼─────────────────┐   │
	│          ▼                   ▼                 ▼   │
	│   subscriber (50)     subscriber (50)    subscriber│
	│   API waiter          API waiter         tests     │
	└────────────────────────────────────────────────────┘

After committing, skipping, or failing a transaction event, the applier
publishes a Notification carrying the event identity (tenant id plus
idempotency key), the outcome, the stream position, and any created
node ids. An API handler serving an ExecuteAtomic request with
wait_applied subscribes, checks the ledger, then blocks in WaitFor
until its identity arrives or the deadline passes.

# Delivery Semantics

Delivery is best effort. A subscriber whose buffer is full misses the
notification; the hub never blocks the applier on a slow reader.
Waiters therefore always pair the subscription with a ledger check:
subscribe first, then read applied_events, then wait. That ordering
closes the race where the event commits between the check and the
subscription, and the ledger covers anything the hub dropped.

# Usage

	hub := events.NewHub()
	hub.Start()
	defer hub.Stop()

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	// check the ledger here, then:
	n, err := events.WaitFor(ctx, sub, tenantID, idempotencyKey)
	if err == nil && n.Outcome == events.OutcomeFailed {
		// surface n.Error to the caller
	}

# See Also

  - pkg/applier: the publisher
  - pkg/api: the waiting subscriber
*/
package events
