package applier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/store"
)

const (
	observerFlushInterval = 30 * time.Second
	observerMaxPending    = 256
)

type observedKey struct {
	tenantID string
	edge     bool
	id       int32
}

// Observer accumulates field shapes seen in applied payloads and
// periodically upserts them into the per-tenant observed-type tables.
// Observation is best-effort; a failed flush logs a warning and the
// buffered entries are retried on the next flush.
type Observer struct {
	store    *store.Store
	registry *schema.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[observedKey][]schema.ObservedField
}

// NewObserver creates an observer. registry may be nil; observed types
// then get placeholder names instead of declared ones.
func NewObserver(st *store.Store, reg *schema.Registry) *Observer {
	return &Observer{
		store:    st,
		registry: reg,
		logger:   log.WithComponent("observer"),
		pending:  make(map[observedKey][]schema.ObservedField),
	}
}

// ObserveNode buffers the field shapes of one node payload.
func (o *Observer) ObserveNode(tenantID string, typeID int32, payload map[string]any) {
	o.buffer(observedKey{tenantID: tenantID, id: typeID}, payload)
}

// ObserveEdge buffers the prop shapes of one edge.
func (o *Observer) ObserveEdge(tenantID string, edgeTypeID int32, props map[string]any) {
	o.buffer(observedKey{tenantID: tenantID, edge: true, id: edgeTypeID}, props)
}

func (o *Observer) buffer(key observedKey, payload map[string]any) {
	if key.tenantID == "" || key.id <= 0 {
		return
	}
	observed := schema.ObserveFields(payload)

	o.mu.Lock()
	if existing, ok := o.pending[key]; ok {
		o.pending[key] = schema.MergeFieldSets(existing, observed)
	} else {
		o.pending[key] = observed
	}
	full := len(o.pending) >= observerMaxPending
	o.mu.Unlock()

	if full {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			o.flush(ctx)
		}()
	}
}

// Run flushes on an interval until ctx ends, then drains once more.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(observerFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			o.flush(drainCtx)
			cancel()
			return
		}
	}
}

// Flush synchronously writes all buffered observations.
func (o *Observer) Flush(ctx context.Context) {
	o.flush(ctx)
}

func (o *Observer) flush(ctx context.Context) {
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return
	}
	batch := o.pending
	o.pending = make(map[observedKey][]schema.ObservedField)
	o.mu.Unlock()

	for key, fields := range batch {
		var err error
		if key.edge {
			err = o.store.UpsertObservedEdgeType(ctx, key.tenantID, schema.ObservedEdgeType{
				EdgeID: key.id,
				Name:   o.edgeTypeName(key.id),
				Props:  fields,
			})
		} else {
			err = o.store.UpsertObservedNodeType(ctx, key.tenantID, schema.ObservedNodeType{
				TypeID: key.id,
				Name:   o.nodeTypeName(key.id),
				Fields: fields,
			})
		}
		if err != nil {
			o.logger.Warn().
				Err(err).
				Str("tenant_id", key.tenantID).
				Int32("type_id", key.id).
				Bool("edge", key.edge).
				Msg("observed type upsert failed")
			o.requeue(key, fields)
		}
	}
}

// requeue puts failed observations back for the next flush.
func (o *Observer) requeue(key observedKey, fields []schema.ObservedField) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.pending[key]; ok {
		o.pending[key] = schema.MergeFieldSets(existing, fields)
	} else {
		o.pending[key] = fields
	}
}

func (o *Observer) nodeTypeName(typeID int32) string {
	if o.registry != nil {
		if nt := o.registry.NodeTypeByID(typeID); nt != nil {
			return nt.Name
		}
	}
	return fmt.Sprintf("type_%d", typeID)
}

func (o *Observer) edgeTypeName(edgeTypeID int32) string {
	if o.registry != nil {
		if et := o.registry.EdgeTypeByID(edgeTypeID); et != nil {
			return et.Name
		}
	}
	return fmt.Sprintf("edge_%d", edgeTypeID)
}
