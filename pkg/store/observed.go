package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/types"
)

// Observed schema persistence. The applier's observer flushes inferred
// node and edge types here; the schema endpoint merges them with the
// declared registry.

// UpsertObservedNodeType merges an observation into the stored field
// set for (tenant, type). Fields seen with conflicting kinds widen to
// json.
func (s *Store) UpsertObservedNodeType(ctx context.Context, tenantID string, obs schema.ObservedNodeType) error {
	return s.WithTx(ctx, tenantID, func(tx *Tx) error {
		var existingJSON string
		var firstSeen int64
		err := tx.tx.QueryRowContext(ctx,
			"SELECT fields_json, first_seen FROM observed_node_types WHERE tenant_id = ? AND type_id = ?",
			tenantID, obs.TypeID).Scan(&existingJSON, &firstSeen)

		now := types.NowMS()
		fields := obs.Fields
		switch {
		case err == sql.ErrNoRows:
			firstSeen = now
		case err != nil:
			return types.WrapErr(types.CodeInternal, err, "query observed node type")
		default:
			var existing []schema.ObservedField
			if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
				return types.WrapErr(types.CodeInternal, err, "decode observed fields")
			}
			fields = schema.MergeFieldSets(existing, obs.Fields)
		}

		fieldsJSON, err := json.Marshal(fields)
		if err != nil {
			return types.WrapErr(types.CodeInternal, err, "encode observed fields")
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO observed_node_types
			(tenant_id, type_id, name, fields_json, fingerprint, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tenantID, obs.TypeID, obs.Name, string(fieldsJSON),
			schema.FieldsFingerprint(fields), firstSeen, now)
		if err != nil {
			return types.WrapErr(types.CodeTransaction, err, "upsert observed node type %d", obs.TypeID)
		}
		return nil
	})
}

// UpsertObservedEdgeType merges an observation into the stored prop set
// for (tenant, edge type).
func (s *Store) UpsertObservedEdgeType(ctx context.Context, tenantID string, obs schema.ObservedEdgeType) error {
	return s.WithTx(ctx, tenantID, func(tx *Tx) error {
		var existingJSON string
		var firstSeen int64
		err := tx.tx.QueryRowContext(ctx,
			"SELECT props_json, first_seen FROM observed_edge_types WHERE tenant_id = ? AND edge_id = ?",
			tenantID, obs.EdgeID).Scan(&existingJSON, &firstSeen)

		now := types.NowMS()
		props := obs.Props
		switch {
		case err == sql.ErrNoRows:
			firstSeen = now
		case err != nil:
			return types.WrapErr(types.CodeInternal, err, "query observed edge type")
		default:
			var existing []schema.ObservedField
			if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
				return types.WrapErr(types.CodeInternal, err, "decode observed props")
			}
			props = schema.MergeFieldSets(existing, obs.Props)
		}

		propsJSON, err := json.Marshal(props)
		if err != nil {
			return types.WrapErr(types.CodeInternal, err, "encode observed props")
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO observed_edge_types
			(tenant_id, edge_id, name, props_json, fingerprint, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tenantID, obs.EdgeID, obs.Name, string(propsJSON),
			schema.FieldsFingerprint(props), firstSeen, now)
		if err != nil {
			return types.WrapErr(types.CodeTransaction, err, "upsert observed edge type %d", obs.EdgeID)
		}
		return nil
	})
}

// ObservedNodeTypes lists the tenant's inferred node types ordered by
// type id.
func (s *Store) ObservedNodeTypes(ctx context.Context, tenantID string) ([]schema.ObservedNodeType, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT type_id, name, fields_json FROM observed_node_types WHERE tenant_id = ? ORDER BY type_id",
		tenantID)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "query observed node types")
	}
	defer rows.Close()

	var out []schema.ObservedNodeType
	for rows.Next() {
		var obs schema.ObservedNodeType
		var fieldsJSON string
		if err := rows.Scan(&obs.TypeID, &obs.Name, &fieldsJSON); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "scan observed node type")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &obs.Fields); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "decode observed fields")
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// ObservedEdgeTypes lists the tenant's inferred edge types ordered by
// edge id.
func (s *Store) ObservedEdgeTypes(ctx context.Context, tenantID string) ([]schema.ObservedEdgeType, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT edge_id, name, props_json FROM observed_edge_types WHERE tenant_id = ? ORDER BY edge_id",
		tenantID)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "query observed edge types")
	}
	defer rows.Close()

	var out []schema.ObservedEdgeType
	for rows.Next() {
		var obs schema.ObservedEdgeType
		var propsJSON string
		if err := rows.Scan(&obs.EdgeID, &obs.Name, &propsJSON); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "scan observed edge type")
		}
		if err := json.Unmarshal([]byte(propsJSON), &obs.Props); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "decode observed props")
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}
