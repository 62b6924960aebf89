package applier

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/events"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/mailbox"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/types"
	"github.com/entdb/entdb/pkg/wal"
)

// maxSnippetLen caps mailbox snippets generated from node payloads.
const maxSnippetLen = 1000

// snippetFields are the payload fields mined for mailbox snippets, in
// priority order.
var snippetFields = []string{"title", "name", "subject", "content", "body", "text", "description"}

// Stats is a point-in-time view of the apply loop.
type Stats struct {
	Running      bool   `json:"running"`
	Processed    int64  `json:"processed_count"`
	Errors       int64  `json:"error_count"`
	LastPosition string `json:"last_position,omitempty"`
}

// ApplyResult reports what one transaction event did to the canonical
// store.
type ApplyResult struct {
	Success      bool
	Skipped      bool
	CreatedNodes []string
	CreatedEdges int
}

// Applier consumes transaction events from the log and materializes
// them into per-tenant canonical stores. All operations of one event
// plus its ledger row commit in a single store transaction; mailbox
// fanout and schema observation happen after the commit and never fail
// the event.
type Applier struct {
	stream   wal.Stream
	store    *store.Store
	mailbox  *mailbox.Store
	registry *schema.Registry
	hub      *events.Hub
	observer *Observer
	cfg      config.ApplierConfig
	topic    string
	logger   zerolog.Logger

	mu           sync.Mutex
	running      bool
	processed    int64
	errors       int64
	lastPosition string
}

// New creates an applier. mailbox, registry, and hub may be nil; the
// corresponding side effects (fanout, fingerprint pinning and schema
// observation, notifications) are then disabled.
func New(stream wal.Stream, st *store.Store, mb *mailbox.Store, reg *schema.Registry, hub *events.Hub, cfg config.ApplierConfig, topic string) *Applier {
	a := &Applier{
		stream:   stream,
		store:    st,
		mailbox:  mb,
		registry: reg,
		hub:      hub,
		cfg:      cfg,
		topic:    topic,
		logger:   log.WithComponent("applier"),
	}
	a.observer = NewObserver(st, reg)
	return a
}

// Observer returns the schema observer fed by this applier.
func (a *Applier) Observer() *Observer {
	return a.observer
}

// Stats returns a snapshot of the apply loop counters.
func (a *Applier) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Running:      a.running,
		Processed:    a.processed,
		Errors:       a.errors,
		LastPosition: a.lastPosition,
	}
}

// Run consumes the log until ctx ends. Offsets commit in batches of
// cfg.BatchSize, or after cfg.CommitInterval of idleness, whichever
// comes first. Records that fail permanently are logged, counted, and
// acknowledged so one bad event cannot wedge its partition.
func (a *Applier) Run(ctx context.Context) error {
	sub, err := a.stream.Subscribe(ctx, a.topic, a.cfg.Group, nil)
	if err != nil {
		return types.WrapErr(types.CodeConnection, err, "subscribe %s as %s", a.topic, a.cfg.Group)
	}
	defer sub.Close()

	go a.observer.Run(ctx)

	a.setRunning(true)
	defer a.setRunning(false)

	a.logger.Info().
		Str("topic", a.topic).
		Str("group", a.cfg.Group).
		Msg("applier started")

	var pending *wal.Record
	uncommitted := 0

	commit := func() error {
		if pending == nil {
			return nil
		}
		if err := sub.Commit(ctx, pending); err != nil {
			return types.WrapErr(types.CodeConnection, err, "commit %s", pending.Position)
		}
		a.setLastPosition(pending.Position.String())
		pending = nil
		uncommitted = 0
		return nil
	}

	for {
		nextCtx := ctx
		var cancel context.CancelFunc
		if uncommitted > 0 && a.cfg.CommitIntervalMS > 0 {
			nextCtx, cancel = context.WithTimeout(ctx, a.cfg.CommitInterval())
		}
		rec, err := sub.Next(nextCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if uncommitted > 0 && errors.Is(err, context.DeadlineExceeded) {
				if err := commit(); err != nil {
					return err
				}
				continue
			}
			return types.WrapErr(types.CodeConnection, err, "consume %s", a.topic)
		}

		a.processRecord(ctx, rec)

		pending = rec
		uncommitted++
		if a.cfg.BatchSize <= 0 || uncommitted >= a.cfg.BatchSize {
			if err := commit(); err != nil {
				return err
			}
		}
	}
}

// processRecord applies one consumed record. It never returns an
// error: malformed and permanently failing events are counted as
// failures and acknowledged by the caller.
func (a *Applier) processRecord(ctx context.Context, rec *wal.Record) {
	event, err := types.DecodeTransactionEvent(rec.Value)
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str("position", rec.Position.String()).
			Msg("discarding malformed record")
		metrics.EventsFailed.WithLabelValues(string(types.CodeInvalidArgument)).Inc()
		a.addError()
		a.publishMalformed(rec, err)
		return
	}

	if _, err := a.applyWithRetry(ctx, event, rec.Position); err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Error().
			Err(err).
			Str("tenant_id", event.TenantID).
			Str("idempotency_key", event.IdempotencyKey).
			Str("position", rec.Position.String()).
			Msg("event failed to apply")
		metrics.EventsFailed.WithLabelValues(string(types.CodeOf(err))).Inc()
		a.addError()
		a.publish(&events.Notification{
			TenantID:       event.TenantID,
			IdempotencyKey: event.IdempotencyKey,
			Outcome:        events.OutcomeFailed,
			StreamPosition: rec.Position.String(),
			Error:          err.Error(),
			Timestamp:      time.Now(),
		})
		return
	}

	a.addProcessed()
	metrics.ApplierOffset.
		WithLabelValues(strconv.FormatInt(int64(rec.Position.Partition), 10)).
		Set(float64(rec.Position.Offset))
}

func (a *Applier) applyWithRetry(ctx context.Context, event *types.TransactionEvent, pos wal.StreamPos) (*ApplyResult, error) {
	var res *ApplyResult
	attempt := func() error {
		r, err := a.ApplyEvent(ctx, event, pos)
		if err != nil {
			if types.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.cfg.RetryDelay()), uint64(a.cfg.MaxRetries)),
		ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		return nil, err
	}
	return res, nil
}

// ApplyEvent runs all operations of one transaction event plus the
// ledger row in a single transaction on the tenant's store. A key
// already in the ledger short-circuits to a skipped result. Fanout and
// schema observation run after the commit; their failures are logged
// and do not fail the event.
func (a *Applier) ApplyEvent(ctx context.Context, event *types.TransactionEvent, pos wal.StreamPos) (*ApplyResult, error) {
	timer := metrics.NewTimer()

	if err := a.store.EnsureTenant(ctx, event.TenantID); err != nil {
		return nil, err
	}

	posStr := ""
	if !pos.IsZero() {
		posStr = pos.String()
	}

	applied, err := a.store.CheckIdempotency(ctx, event.TenantID, event.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if applied {
		a.logger.Debug().
			Str("tenant_id", event.TenantID).
			Str("idempotency_key", event.IdempotencyKey).
			Msg("skipping duplicate event")
		metrics.EventsSkipped.Inc()
		a.publish(&events.Notification{
			TenantID:       event.TenantID,
			IdempotencyKey: event.IdempotencyKey,
			Outcome:        events.OutcomeSkipped,
			StreamPosition: posStr,
			Timestamp:      time.Now(),
		})
		return &ApplyResult{Success: true, Skipped: true}, nil
	}

	if err := a.checkFingerprint(event); err != nil {
		return nil, err
	}

	type fanoutTask struct {
		op   *types.Operation
		node *types.Node
	}

	aliases := make(map[string]string)
	var createdNodes []string
	var createdEdges int
	var fanouts []fanoutTask

	err = a.store.WithTx(ctx, event.TenantID, func(tx *store.Tx) error {
		for i := range event.Operations {
			op := &event.Operations[i]
			switch op.Op {
			case types.OpCreateNode:
				node, err := tx.CreateNode(ctx, op.TypeID, op.Payload, event.Actor, op.NodeID, op.ACL, event.TimestampMS)
				if err != nil {
					return err
				}
				if op.Alias != "" {
					aliases[strings.TrimPrefix(op.Alias, "$")] = node.NodeID
				}
				createdNodes = append(createdNodes, node.NodeID)
				fanouts = append(fanouts, fanoutTask{op: op, node: node})

			case types.OpUpdateNode:
				nodeID, err := resolveRef(op.Ref, aliases)
				if err != nil {
					return err
				}
				if _, err := tx.UpdateNode(ctx, nodeID, op.Patch, event.TimestampMS); err != nil {
					return err
				}

			case types.OpDeleteNode:
				nodeID, err := resolveRef(op.Ref, aliases)
				if err != nil {
					return err
				}
				if _, err := tx.DeleteNode(ctx, nodeID); err != nil {
					return err
				}

			case types.OpCreateEdge:
				from, err := resolveRef(op.From, aliases)
				if err != nil {
					return err
				}
				to, err := resolveRef(op.To, aliases)
				if err != nil {
					return err
				}
				if _, err := tx.CreateEdge(ctx, op.EdgeID, from, to, op.Props, event.TimestampMS); err != nil {
					return err
				}
				createdEdges++

			case types.OpDeleteEdge:
				from, err := resolveRef(op.From, aliases)
				if err != nil {
					return err
				}
				to, err := resolveRef(op.To, aliases)
				if err != nil {
					return err
				}
				if _, err := tx.DeleteEdge(ctx, op.EdgeID, from, to); err != nil {
					return err
				}

			default:
				a.logger.Warn().
					Str("op", string(op.Op)).
					Str("tenant_id", event.TenantID).
					Msg("unknown operation type")
			}
		}
		return tx.RecordAppliedEvent(ctx, event.IdempotencyKey, posStr)
	})
	if err != nil {
		return nil, err
	}

	for _, f := range fanouts {
		a.fanout(ctx, event, f.op, f.node)
	}
	a.observe(event)

	metrics.EventsApplied.WithLabelValues(event.TenantID).Inc()
	timer.ObserveDuration(metrics.ApplyDuration)

	a.publish(&events.Notification{
		TenantID:       event.TenantID,
		IdempotencyKey: event.IdempotencyKey,
		Outcome:        events.OutcomeApplied,
		StreamPosition: posStr,
		CreatedNodeIDs: createdNodes,
		Timestamp:      time.Now(),
	})

	return &ApplyResult{
		Success:      true,
		CreatedNodes: createdNodes,
		CreatedEdges: createdEdges,
	}, nil
}

// checkFingerprint rejects an event pinned to a schema other than the
// one the registry is frozen on. Events without a pin, and appliers
// without a frozen registry, pass.
func (a *Applier) checkFingerprint(event *types.TransactionEvent) error {
	if a.registry == nil || event.SchemaFingerprint == "" {
		return nil
	}
	current := a.registry.Fingerprint()
	if current == "" || current == event.SchemaFingerprint {
		return nil
	}
	return types.E(types.CodeSchemaMismatch,
		"event pinned to schema %s but registry is at %s", event.SchemaFingerprint, current)
}

// resolveRef turns an operation's node reference into a node ID.
// "$alias" and "$alias.suffix" resolve through nodes created earlier
// in the same event; an unknown alias falls through as a literal ID.
func resolveRef(ref *types.NodeRef, aliases map[string]string) (string, error) {
	if ref == nil {
		return "", types.E(types.CodeInvalidArgument, "missing node ref")
	}
	if ref.Alias != "" {
		token := strings.TrimPrefix(ref.Alias, "$")
		key, _, _ := strings.Cut(token, ".")
		if id, ok := aliases[key]; ok {
			return id, nil
		}
		return token, nil
	}
	if ref.ID == "" {
		return "", types.E(types.CodeInvalidArgument, "missing node ref")
	}
	return ref.ID, nil
}

// fanout writes mailbox items for a created node. Recipients are the
// operation's fanout_to list plus every ACL principal with a "user:"
// prefix, deduplicated. Failures log a warning; the event already
// committed.
func (a *Applier) fanout(ctx context.Context, event *types.TransactionEvent, op *types.Operation, node *types.Node) {
	if a.mailbox == nil {
		return
	}

	recipients := make([]string, 0, len(op.FanoutTo)+len(node.ACL))
	recipients = append(recipients, op.FanoutTo...)
	for _, entry := range node.ACL {
		if strings.HasPrefix(entry.Principal, "user:") {
			recipients = append(recipients, entry.Principal)
		}
	}

	snippet := generateSnippet(node.Payload)
	seen := make(map[string]struct{}, len(recipients))

	for _, recipient := range recipients {
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}

		userID, ok := strings.CutPrefix(recipient, "user:")
		if !ok || userID == "" {
			continue
		}

		_, err := a.mailbox.AddItem(ctx, &types.MailboxItem{
			TenantID:     event.TenantID,
			UserID:       userID,
			SourceTypeID: node.TypeID,
			SourceNodeID: node.NodeID,
			Snippet:      snippet,
			TimestampMS:  event.TimestampMS,
		})
		if err != nil {
			a.logger.Warn().
				Err(err).
				Str("tenant_id", event.TenantID).
				Str("user_id", userID).
				Str("node_id", node.NodeID).
				Msg("mailbox fanout failed")
			continue
		}
		metrics.FanoutItems.Inc()
	}
}

// generateSnippet extracts searchable text from common payload fields.
func generateSnippet(payload map[string]any) string {
	var parts []string
	for _, field := range snippetFields {
		if v, ok := payload[field].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	s := strings.Join(parts, " ")
	if utf8.RuneCountInString(s) > maxSnippetLen {
		s = string([]rune(s)[:maxSnippetLen])
	}
	return s
}

// observe feeds the event's payloads to the schema observer.
func (a *Applier) observe(event *types.TransactionEvent) {
	if a.observer == nil {
		return
	}
	for i := range event.Operations {
		op := &event.Operations[i]
		switch op.Op {
		case types.OpCreateNode:
			a.observer.ObserveNode(event.TenantID, op.TypeID, op.Payload)
		case types.OpUpdateNode:
			a.observer.ObserveNode(event.TenantID, op.TypeID, op.Patch)
		case types.OpCreateEdge:
			a.observer.ObserveEdge(event.TenantID, op.EdgeID, op.Props)
		}
	}
}

// publishMalformed emits a failed notification for a record that did
// not decode, using whatever identity fields the raw bytes carry.
func (a *Applier) publishMalformed(rec *wal.Record, cause error) {
	var partial struct {
		TenantID       string `json:"tenant_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	_ = json.Unmarshal(rec.Value, &partial)
	a.publish(&events.Notification{
		TenantID:       partial.TenantID,
		IdempotencyKey: partial.IdempotencyKey,
		Outcome:        events.OutcomeFailed,
		StreamPosition: rec.Position.String(),
		Error:          cause.Error(),
		Timestamp:      time.Now(),
	})
}

func (a *Applier) publish(n *events.Notification) {
	if a.hub != nil {
		a.hub.Publish(n)
	}
}

func (a *Applier) setRunning(v bool) {
	a.mu.Lock()
	a.running = v
	a.mu.Unlock()
}

func (a *Applier) setLastPosition(pos string) {
	a.mu.Lock()
	a.lastPosition = pos
	a.mu.Unlock()
}

func (a *Applier) addProcessed() {
	a.mu.Lock()
	a.processed++
	a.mu.Unlock()
}

func (a *Applier) addError() {
	a.mu.Lock()
	a.errors++
	a.mu.Unlock()
}
