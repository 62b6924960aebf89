package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/types"
)

// setupWASMCache points the embedded SQLite runtime at a persistent
// compilation cache so process start does not pay the WASM JIT cost
// every time. Falls back to an in-memory cache when the cache dir
// cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "entdb", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    tenant_id    TEXT NOT NULL,
    node_id      TEXT NOT NULL,
    type_id      INTEGER NOT NULL,
    payload_json TEXT NOT NULL DEFAULT '{}',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    owner_actor  TEXT NOT NULL,
    acl_blob     TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (tenant_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(tenant_id, type_id);
CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(tenant_id, owner_actor);
CREATE INDEX IF NOT EXISTS idx_nodes_updated ON nodes(tenant_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS edges (
    tenant_id    TEXT NOT NULL,
    edge_type_id INTEGER NOT NULL,
    from_node_id TEXT NOT NULL,
    to_node_id   TEXT NOT NULL,
    props_json   TEXT NOT NULL DEFAULT '{}',
    created_at   INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, edge_type_id, from_node_id, to_node_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(tenant_id, from_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(tenant_id, to_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(tenant_id, edge_type_id);

CREATE TABLE IF NOT EXISTS node_visibility (
    tenant_id TEXT NOT NULL,
    node_id   TEXT NOT NULL,
    principal TEXT NOT NULL,
    PRIMARY KEY (tenant_id, node_id, principal)
);

CREATE INDEX IF NOT EXISTS idx_visibility_principal
    ON node_visibility(tenant_id, principal, node_id);

CREATE TABLE IF NOT EXISTS applied_events (
    tenant_id       TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    stream_pos      TEXT,
    applied_at      INTEGER NOT NULL,
    UNIQUE (tenant_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_applied_events_key
    ON applied_events(tenant_id, idempotency_key);

CREATE TABLE IF NOT EXISTS observed_node_types (
    tenant_id   TEXT NOT NULL,
    type_id     INTEGER NOT NULL,
    name        TEXT NOT NULL,
    fields_json TEXT NOT NULL DEFAULT '[]',
    fingerprint TEXT NOT NULL DEFAULT '',
    first_seen  INTEGER NOT NULL,
    last_seen   INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, type_id)
);

CREATE TABLE IF NOT EXISTS observed_edge_types (
    tenant_id   TEXT NOT NULL,
    edge_id     INTEGER NOT NULL,
    name        TEXT NOT NULL,
    props_json  TEXT NOT NULL DEFAULT '[]',
    fingerprint TEXT NOT NULL DEFAULT '',
    first_seen  INTEGER NOT NULL,
    last_seen   INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, edge_id)
);

INSERT OR IGNORE INTO schema_version (version, applied_at)
VALUES (1, strftime('%s', 'now') * 1000);
`

// Stats is a tenant's row counts.
type Stats struct {
	Nodes         int64 `json:"nodes"`
	Edges         int64 `json:"edges"`
	AppliedEvents int64 `json:"applied_events"`
}

// Store is the canonical materialized view: one SQLite database per
// tenant under DataDir, written only by the applier and read by the
// API. Databases open lazily and stay cached for the process lifetime.
type Store struct {
	cfg    config.StorageConfig
	logger zerolog.Logger

	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

// NewStore builds a canonical store rooted at cfg.DataDir.
func NewStore(cfg config.StorageConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "create data dir %s", cfg.DataDir)
	}
	return &Store{
		cfg:    cfg,
		logger: log.WithComponent("store"),
		dbs:    make(map[string]*sql.DB),
	}, nil
}

// sanitizeTenantID strips everything but alphanumerics, dash, and
// underscore so a tenant id cannot escape the data directory.
func sanitizeTenantID(tenantID string) string {
	var b strings.Builder
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DBPath returns the database file path for a tenant.
func (s *Store) DBPath(tenantID string) string {
	return filepath.Join(s.cfg.DataDir, "tenant_"+sanitizeTenantID(tenantID)+".db")
}

// TenantExists reports whether the tenant's database file exists.
func (s *Store) TenantExists(tenantID string) bool {
	_, err := os.Stat(s.DBPath(tenantID))
	return err == nil
}

// TenantIDs lists every tenant with a database file, sorted.
func (s *Store) TenantIDs() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.DataDir, "tenant_*.db"))
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "scan data dir")
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(name, "tenant_"), ".db"))
	}
	sort.Strings(out)
	return out, nil
}

// EnsureTenant creates the tenant database and schema if missing and
// returns its handle.
func (s *Store) EnsureTenant(ctx context.Context, tenantID string) error {
	_, err := s.db(ctx, tenantID, true)
	return err
}

// db returns the cached handle for a tenant, opening it on first use.
// With create false a missing database file is a NOT_FOUND error.
func (s *Store) db(ctx context.Context, tenantID string, create bool) (*sql.DB, error) {
	key := sanitizeTenantID(tenantID)
	if key == "" {
		return nil, types.E(types.CodeInvalidArgument, "invalid tenant id %q", tenantID)
	}

	s.mu.RLock()
	db, ok := s.dbs[key]
	s.mu.RUnlock()
	if ok {
		return db, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok {
		return db, nil
	}

	path := s.DBPath(tenantID)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, types.ErrNotFound)
		}
	}

	db, err := s.open(ctx, path)
	if err != nil {
		return nil, err
	}
	s.dbs[key] = db
	s.logger.Info().Str("tenant_id", tenantID).Str("path", path).Msg("Tenant database opened")
	return db, nil
}

// open opens one SQLite database with the store's pragmas and applies
// the schema.
func (s *Store) open(ctx context.Context, path string) (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_pragma=cache_size(%d)&_pragma=synchronous(NORMAL)&_time_format=sqlite",
		path, s.cfg.BusyTimeoutMS, s.cfg.CacheSize,
	)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, types.WrapErr(types.CodeConnection, err, "open %s", path)
	}

	// One writer plus a reader per CPU. WAL mode lets readers proceed
	// while the applier writes.
	db.SetMaxOpenConns(runtime.NumCPU() + 1)

	if s.cfg.WALMode {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, types.WrapErr(types.CodeConnection, err, "enable WAL on %s", path)
		}
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, types.WrapErr(types.CodeInternal, err, "apply schema on %s", path)
	}
	return db, nil
}

// Close checkpoints and closes every cached database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, db := range s.dbs {
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", key).Msg("WAL checkpoint failed on close")
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, key)
	}
	return firstErr
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateNode inserts a node and its visibility rows. A zero createdAtMS
// defaults to now; an empty nodeID gets a fresh UUID.
func (s *Store) CreateNode(ctx context.Context, tenantID string, typeID int32, payload map[string]any, ownerActor, nodeID string, acl []types.ACLEntry, createdAtMS int64) (*types.Node, error) {
	var node *types.Node
	err := s.WithTx(ctx, tenantID, func(tx *Tx) error {
		var err error
		node, err = tx.CreateNode(ctx, typeID, payload, ownerActor, nodeID, acl, createdAtMS)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// UpdateNode merges patch into a node's payload. Missing node is a
// NOT_FOUND error.
func (s *Store) UpdateNode(ctx context.Context, tenantID, nodeID string, patch map[string]any, updatedAtMS int64) (*types.Node, error) {
	var node *types.Node
	err := s.WithTx(ctx, tenantID, func(tx *Tx) error {
		var err error
		node, err = tx.UpdateNode(ctx, nodeID, patch, updatedAtMS)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteNode removes a node with its edges and visibility rows.
// Returns false when the node does not exist.
func (s *Store) DeleteNode(ctx context.Context, tenantID, nodeID string) (bool, error) {
	var deleted bool
	err := s.WithTx(ctx, tenantID, func(tx *Tx) error {
		var err error
		deleted, err = tx.DeleteNode(ctx, nodeID)
		return err
	})
	return deleted, err
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, tenantID, nodeID string) (*types.Node, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return nil, err
	}
	return getNode(ctx, db, tenantID, nodeID)
}

// GetNodesByType pages nodes of one type, newest first.
func (s *Store) GetNodesByType(ctx context.Context, tenantID string, typeID int32, limit, offset int) ([]*types.Node, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT tenant_id, node_id, type_id, payload_json, created_at, updated_at, owner_actor, acl_blob
		FROM nodes
		WHERE tenant_id = ? AND type_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		tenantID, typeID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "query nodes by type")
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetVisibleNodes pages the nodes a principal can see: owned nodes,
// nodes whose ACL names the principal, and tenant-wide nodes. A
// non-positive typeID means all types.
func (s *Store) GetVisibleNodes(ctx context.Context, tenantID, principal string, typeID int32, limit, offset int) ([]*types.Node, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT DISTINCT n.tenant_id, n.node_id, n.type_id, n.payload_json,
		                n.created_at, n.updated_at, n.owner_actor, n.acl_blob
		FROM nodes n
		LEFT JOIN node_visibility v ON n.tenant_id = v.tenant_id AND n.node_id = v.node_id
		WHERE n.tenant_id = ?
		AND (n.owner_actor = ? OR v.principal = ? OR v.principal = 'tenant:*')`
	args := []any{tenantID, principal, principal}
	if typeID > 0 {
		query += " AND n.type_id = ?"
		args = append(args, typeID)
	}
	query += " ORDER BY n.created_at DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(limit), offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "query visible nodes")
	}
	defer rows.Close()
	return scanNodes(rows)
}

// CreateEdge upserts a directed edge. Re-creating an existing identity
// replaces its props.
func (s *Store) CreateEdge(ctx context.Context, tenantID string, edgeTypeID int32, fromNodeID, toNodeID string, props map[string]any, createdAtMS int64) (*types.Edge, error) {
	var edge *types.Edge
	err := s.WithTx(ctx, tenantID, func(tx *Tx) error {
		var err error
		edge, err = tx.CreateEdge(ctx, edgeTypeID, fromNodeID, toNodeID, props, createdAtMS)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// DeleteEdge removes one edge by identity. Returns false when absent.
func (s *Store) DeleteEdge(ctx context.Context, tenantID string, edgeTypeID int32, fromNodeID, toNodeID string) (bool, error) {
	var deleted bool
	err := s.WithTx(ctx, tenantID, func(tx *Tx) error {
		var err error
		deleted, err = tx.DeleteEdge(ctx, edgeTypeID, fromNodeID, toNodeID)
		return err
	})
	return deleted, err
}

// GetEdgesFrom lists outgoing edges of a node, optionally filtered by
// edge type (non-positive means all).
func (s *Store) GetEdgesFrom(ctx context.Context, tenantID, nodeID string, edgeTypeID int32) ([]*types.Edge, error) {
	return s.edges(ctx, tenantID, "from_node_id", nodeID, edgeTypeID)
}

// GetEdgesTo lists incoming edges of a node, optionally filtered by
// edge type (non-positive means all).
func (s *Store) GetEdgesTo(ctx context.Context, tenantID, nodeID string, edgeTypeID int32) ([]*types.Edge, error) {
	return s.edges(ctx, tenantID, "to_node_id", nodeID, edgeTypeID)
}

func (s *Store) edges(ctx context.Context, tenantID, column, nodeID string, edgeTypeID int32) ([]*types.Edge, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return nil, err
	}

	query := `SELECT tenant_id, edge_type_id, from_node_id, to_node_id, props_json, created_at
		FROM edges WHERE tenant_id = ? AND ` + column + ` = ?`
	args := []any{tenantID, nodeID}
	if edgeTypeID > 0 {
		query += " AND edge_type_id = ?"
		args = append(args, edgeTypeID)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "query edges")
	}
	defer rows.Close()

	var out []*types.Edge
	for rows.Next() {
		var e types.Edge
		var propsJSON string
		if err := rows.Scan(&e.TenantID, &e.EdgeTypeID, &e.FromNodeID, &e.ToNodeID, &propsJSON, &e.CreatedAtMS); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "scan edge")
		}
		if err := json.Unmarshal([]byte(propsJSON), &e.Props); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "decode edge props")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CheckIdempotency reports whether an idempotency key is already in the
// tenant's applied-events ledger. An uninitialized tenant has applied
// nothing.
func (s *Store) CheckIdempotency(ctx context.Context, tenantID, idempotencyKey string) (bool, error) {
	if !s.TenantExists(tenantID) {
		return false, nil
	}
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return false, err
	}
	return checkIdempotency(ctx, db, tenantID, idempotencyKey)
}

// RecordAppliedEvent adds a ledger row outside any larger transaction.
// The applier uses the Tx variant; this one serves restore and tests.
func (s *Store) RecordAppliedEvent(ctx context.Context, tenantID, idempotencyKey, streamPos string) error {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return err
	}
	return recordAppliedEvent(ctx, db, tenantID, idempotencyKey, streamPos)
}

// LastAppliedPosition returns the stream position of the most recently
// applied event, or "" when the ledger is empty.
func (s *Store) LastAppliedPosition(ctx context.Context, tenantID string) (string, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return "", err
	}
	var pos sql.NullString
	err = db.QueryRowContext(ctx, `
		SELECT stream_pos FROM applied_events
		WHERE tenant_id = ?
		ORDER BY applied_at DESC, rowid DESC
		LIMIT 1`, tenantID).Scan(&pos)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", types.WrapErr(types.CodeInternal, err, "query last applied position")
	}
	return pos.String, nil
}

// Stats returns the tenant's row counts.
func (s *Store) Stats(ctx context.Context, tenantID string) (Stats, error) {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	row := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM nodes WHERE tenant_id = ?),
			(SELECT COUNT(*) FROM edges WHERE tenant_id = ?),
			(SELECT COUNT(*) FROM applied_events WHERE tenant_id = ?)`,
		tenantID, tenantID, tenantID)
	if err := row.Scan(&st.Nodes, &st.Edges, &st.AppliedEvents); err != nil {
		return Stats{}, types.WrapErr(types.CodeInternal, err, "query stats")
	}
	return st, nil
}

// Backup writes a consistent copy of the tenant database to destPath
// while the applier keeps writing.
func (s *Store) Backup(ctx context.Context, tenantID, destPath string) error {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return err
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return types.WrapErr(types.CodeInternal, err, "clear backup target %s", destPath)
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return types.WrapErr(types.CodeInternal, err, "backup tenant %s", tenantID)
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check and fails unless SQLite
// reports ok.
func (s *Store) IntegrityCheck(ctx context.Context, tenantID string) error {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return err
	}
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return types.WrapErr(types.CodeInternal, err, "integrity check %s", tenantID)
	}
	if result != "ok" {
		return types.E(types.CodeInternal, "integrity check failed for %s: %s", tenantID, result)
	}
	return nil
}

// shared row helpers

func getNode(ctx context.Context, q querier, tenantID, nodeID string) (*types.Node, error) {
	row := q.QueryRowContext(ctx, `
		SELECT tenant_id, node_id, type_id, payload_json, created_at, updated_at, owner_actor, acl_blob
		FROM nodes WHERE tenant_id = ? AND node_id = ?`,
		tenantID, nodeID)
	node, err := scanNodeRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", nodeID, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func checkIdempotency(ctx context.Context, q querier, tenantID, idempotencyKey string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM applied_events WHERE tenant_id = ? AND idempotency_key = ?",
		tenantID, idempotencyKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, types.WrapErr(types.CodeInternal, err, "check idempotency")
	}
	return true, nil
}

func recordAppliedEvent(ctx context.Context, q querier, tenantID, idempotencyKey, streamPos string) error {
	var pos any
	if streamPos != "" {
		pos = streamPos
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO applied_events (tenant_id, idempotency_key, stream_pos, applied_at)
		VALUES (?, ?, ?, ?)`,
		tenantID, idempotencyKey, pos, types.NowMS())
	if err != nil {
		return types.WrapErr(types.CodeTransaction, err, "record applied event %s", idempotencyKey)
	}
	return nil
}

// refreshVisibility rebuilds a node's visibility rows from its owner
// and ACL.
func refreshVisibility(ctx context.Context, q querier, tenantID, nodeID, ownerActor string, acl []types.ACLEntry) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM node_visibility WHERE tenant_id = ? AND node_id = ?",
		tenantID, nodeID); err != nil {
		return types.WrapErr(types.CodeInternal, err, "clear visibility")
	}
	if _, err := q.ExecContext(ctx,
		"INSERT INTO node_visibility (tenant_id, node_id, principal) VALUES (?, ?, ?)",
		tenantID, nodeID, ownerActor); err != nil {
		return types.WrapErr(types.CodeInternal, err, "insert owner visibility")
	}
	for _, entry := range acl {
		if entry.Principal == "" || entry.Principal == ownerActor {
			continue
		}
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO node_visibility (tenant_id, node_id, principal) VALUES (?, ?, ?)",
			tenantID, nodeID, entry.Principal); err != nil {
			return types.WrapErr(types.CodeInternal, err, "insert acl visibility")
		}
	}
	return nil
}

func scanNodes(rows *sql.Rows) ([]*types.Node, error) {
	var out []*types.Node
	for rows.Next() {
		node, err := scanNodeRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func scanNodeRow(scan func(dest ...any) error) (*types.Node, error) {
	var n types.Node
	var payloadJSON, aclJSON string
	err := scan(&n.TenantID, &n.NodeID, &n.TypeID, &payloadJSON,
		&n.CreatedAtMS, &n.UpdatedAtMS, &n.OwnerActor, &aclJSON)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "scan node")
	}
	if err := json.Unmarshal([]byte(payloadJSON), &n.Payload); err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "decode node payload")
	}
	if err := json.Unmarshal([]byte(aclJSON), &n.ACL); err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "decode node acl")
	}
	return &n, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func newNodeID() string {
	return uuid.NewString()
}
