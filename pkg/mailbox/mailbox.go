package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/types"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS mailbox_items (
    item_id        TEXT PRIMARY KEY,
    ref_id         TEXT NOT NULL,
    source_type_id INTEGER NOT NULL,
    source_node_id TEXT NOT NULL,
    thread_id      TEXT,
    ts             INTEGER NOT NULL,
    state_json     TEXT NOT NULL DEFAULT '{}',
    snippet        TEXT NOT NULL DEFAULT '',
    metadata_json  TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_mailbox_ts ON mailbox_items(ts DESC);
CREATE INDEX IF NOT EXISTS idx_mailbox_thread ON mailbox_items(thread_id);
CREATE INDEX IF NOT EXISTS idx_mailbox_source ON mailbox_items(source_node_id);
CREATE INDEX IF NOT EXISTS idx_mailbox_type ON mailbox_items(source_type_id);

CREATE VIRTUAL TABLE IF NOT EXISTS fts_mailbox USING fts5(
    snippet,
    content='mailbox_items',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS mailbox_ai AFTER INSERT ON mailbox_items BEGIN
    INSERT INTO fts_mailbox(rowid, snippet) VALUES (new.rowid, new.snippet);
END;

CREATE TRIGGER IF NOT EXISTS mailbox_ad AFTER DELETE ON mailbox_items BEGIN
    INSERT INTO fts_mailbox(fts_mailbox, rowid, snippet)
    VALUES('delete', old.rowid, old.snippet);
END;

CREATE TRIGGER IF NOT EXISTS mailbox_au AFTER UPDATE ON mailbox_items BEGIN
    INSERT INTO fts_mailbox(fts_mailbox, rowid, snippet)
    VALUES('delete', old.rowid, old.snippet);
    INSERT INTO fts_mailbox(rowid, snippet) VALUES (new.rowid, new.snippet);
END;
`

// ListOptions filters ListItems.
type ListOptions struct {
	Limit        int
	Offset       int
	ThreadID     string
	SourceTypeID int32
	UnreadOnly   bool
}

// SearchResult pairs a matched item with its FTS relevance and a
// highlighted copy of the snippet.
type SearchResult struct {
	Item       *types.MailboxItem `json:"item"`
	Rank       float64            `json:"rank"`
	Highlights string             `json:"highlights,omitempty"`
}

// Store holds per-(tenant, user) mailbox databases with an FTS5 index
// over item snippets. The applier writes during fanout; the API reads.
// A mailbox that was never written to reads as empty.
type Store struct {
	dir           string
	walMode       bool
	busyTimeoutMS int
	logger        zerolog.Logger

	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

// NewStore builds a mailbox store under cfg.DataDir/mailboxes.
func NewStore(cfg config.StorageConfig) (*Store, error) {
	dir := filepath.Join(cfg.DataDir, "mailboxes")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "create mailbox dir %s", dir)
	}
	return &Store{
		dir:           dir,
		walMode:       cfg.WALMode,
		busyTimeoutMS: cfg.BusyTimeoutMS,
		logger:        log.WithComponent("mailbox"),
		dbs:           make(map[string]*sql.DB),
	}, nil
}

// sanitizeID keeps alphanumerics, dash, and underscore. Colons in user
// ids ("user:42") become underscores so the id stays readable in the
// file name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ':':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// DBPath returns the database file path for a user's mailbox.
func (s *Store) DBPath(tenantID, userID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("mailbox_%s_%s.db", sanitizeID(tenantID), sanitizeID(userID)))
}

// Exists reports whether the mailbox database file exists.
func (s *Store) Exists(tenantID, userID string) bool {
	_, err := os.Stat(s.DBPath(tenantID, userID))
	return err == nil
}

// errNoMailbox marks reads against a mailbox that was never created.
var errNoMailbox = fmt.Errorf("mailbox: %w", types.ErrNotFound)

func (s *Store) db(ctx context.Context, tenantID, userID string, create bool) (*sql.DB, error) {
	key := sanitizeID(tenantID) + "/" + sanitizeID(userID)

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

	path := s.DBPath(tenantID, userID)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, errNoMailbox
		}
	}

	connStr := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_time_format=sqlite",
		path, s.busyTimeoutMS,
	)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, types.WrapErr(types.CodeConnection, err, "open mailbox %s", path)
	}
	db.SetMaxOpenConns(runtime.NumCPU() + 1)

	if s.walMode {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, types.WrapErr(types.CodeConnection, err, "enable WAL on %s", path)
		}
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, types.WrapErr(types.CodeInternal, err, "apply mailbox schema on %s", path)
	}

	s.dbs[key] = db
	return db, nil
}

// Close closes every cached mailbox database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, key)
	}
	return firstErr
}

// AddItem inserts a mailbox item, creating the mailbox on first write.
// Defaults: generated item id, ref id from the source node, an unread
// state, and the current time.
func (s *Store) AddItem(ctx context.Context, item *types.MailboxItem) (*types.MailboxItem, error) {
	out := *item
	if out.ItemID == "" {
		out.ItemID = uuid.NewString()
	}
	if out.RefID == "" {
		out.RefID = out.SourceNodeID
	}
	if out.TimestampMS == 0 {
		out.TimestampMS = types.NowMS()
	}
	if out.State == nil {
		out.State = map[string]any{"read": false}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}

	stateJSON, err := json.Marshal(out.State)
	if err != nil {
		return nil, types.WrapErr(types.CodeInvalidArgument, err, "encode state")
	}
	metaJSON, err := json.Marshal(out.Metadata)
	if err != nil {
		return nil, types.WrapErr(types.CodeInvalidArgument, err, "encode metadata")
	}

	db, err := s.db(ctx, out.TenantID, out.UserID, true)
	if err != nil {
		return nil, err
	}

	var threadID any
	if out.ThreadID != "" {
		threadID = out.ThreadID
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO mailbox_items
		(item_id, ref_id, source_type_id, source_node_id, thread_id,
		 ts, state_json, snippet, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ItemID, out.RefID, out.SourceTypeID, out.SourceNodeID, threadID,
		out.TimestampMS, string(stateJSON), out.Snippet, string(metaJSON))
	if err != nil {
		return nil, types.WrapErr(types.CodeTransaction, err, "insert mailbox item %s", out.ItemID)
	}

	s.logger.Debug().
		Str("tenant_id", out.TenantID).
		Str("user_id", out.UserID).
		Str("item_id", out.ItemID).
		Str("source_node_id", out.SourceNodeID).
		Msg("Added mailbox item")
	return &out, nil
}

// GetItem fetches one item by id.
func (s *Store) GetItem(ctx context.Context, tenantID, userID, itemID string) (*types.MailboxItem, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		"SELECT item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json FROM mailbox_items WHERE item_id = ?",
		itemID)
	item, err := scanItem(tenantID, userID, row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mailbox item %s: %w", itemID, types.ErrNotFound)
	}
	return item, err
}

// ListItems pages a mailbox newest first with optional thread, source
// type, and unread filters. A missing mailbox lists empty.
func (s *Store) ListItems(ctx context.Context, tenantID, userID string, opts ListOptions) ([]*types.MailboxItem, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err == errNoMailbox {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	query := "SELECT item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json FROM mailbox_items WHERE 1=1"
	var args []any
	if opts.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, opts.ThreadID)
	}
	if opts.SourceTypeID > 0 {
		query += " AND source_type_id = ?"
		args = append(args, opts.SourceTypeID)
	}
	if opts.UnreadOnly {
		query += " AND json_extract(state_json, '$.read') = 0"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "list mailbox items")
	}
	defer rows.Close()
	return scanItems(tenantID, userID, rows)
}

// Search runs an FTS5 match over item snippets, best rank first. A
// malformed FTS query logs a warning and returns no results rather
// than failing the request. A missing mailbox searches empty.
func (s *Store) Search(ctx context.Context, tenantID, userID, query string, limit, offset int, sourceTypeIDs []int32) ([]SearchResult, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err == errNoMailbox {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sqlQuery := `
		SELECT m.item_id, m.ref_id, m.source_type_id, m.source_node_id, m.thread_id,
		       m.ts, m.state_json, m.snippet, m.metadata_json,
		       fts.rank, highlight(fts_mailbox, 0, '<b>', '</b>') AS highlights
		FROM mailbox_items m
		JOIN fts_mailbox fts ON m.rowid = fts.rowid
		WHERE fts_mailbox MATCH ?`
	args := []any{query}
	if len(sourceTypeIDs) > 0 {
		sqlQuery += " AND m.source_type_id IN (?" + strings.Repeat(",?", len(sourceTypeIDs)-1) + ")"
		for _, id := range sourceTypeIDs {
			args = append(args, id)
		}
	}
	if limit <= 0 {
		limit = 20
	}
	sqlQuery += " ORDER BY fts.rank LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "fts5") {
			s.logger.Warn().Err(err).Str("query", query).Msg("FTS query error")
			return nil, nil
		}
		return nil, types.WrapErr(types.CodeInternal, err, "search mailbox")
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var item types.MailboxItem
		var threadID, stateJSON, metaJSON sql.NullString
		var res SearchResult
		err := rows.Scan(&item.ItemID, &item.RefID, &item.SourceTypeID, &item.SourceNodeID,
			&threadID, &item.TimestampMS, &stateJSON, &item.Snippet, &metaJSON,
			&res.Rank, &res.Highlights)
		if err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "scan search result")
		}
		if err := fillItem(&item, tenantID, userID, threadID, stateJSON, metaJSON); err != nil {
			return nil, err
		}
		res.Item = &item
		out = append(out, res)
	}
	return out, rows.Err()
}

// GetThread lists a thread's items oldest first.
func (s *Store) GetThread(ctx context.Context, tenantID, userID, threadID string) ([]*types.MailboxItem, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err == errNoMailbox {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json FROM mailbox_items WHERE thread_id = ? ORDER BY ts ASC",
		threadID)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "get thread")
	}
	defer rows.Close()
	return scanItems(tenantID, userID, rows)
}

// UpdateState merges a patch into an item's state.
func (s *Store) UpdateState(ctx context.Context, tenantID, userID, itemID string, patch map[string]any) (*types.MailboxItem, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.WrapErr(types.CodeTransaction, err, "begin mailbox update")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json FROM mailbox_items WHERE item_id = ?",
		itemID)
	item, err := scanItem(tenantID, userID, row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mailbox item %s: %w", itemID, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if item.State == nil {
		item.State = map[string]any{}
	}
	for k, v := range patch {
		item.State[k] = v
	}
	stateJSON, err := json.Marshal(item.State)
	if err != nil {
		return nil, types.WrapErr(types.CodeInvalidArgument, err, "encode state")
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE mailbox_items SET state_json = ? WHERE item_id = ?",
		string(stateJSON), itemID); err != nil {
		return nil, types.WrapErr(types.CodeTransaction, err, "update mailbox state")
	}
	if err := tx.Commit(); err != nil {
		return nil, types.WrapErr(types.CodeTransaction, err, "commit mailbox update")
	}
	return item, nil
}

// MarkRead flags items read and returns how many rows changed. A
// missing mailbox marks nothing.
func (s *Store) MarkRead(ctx context.Context, tenantID, userID string, itemIDs []string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	db, err := s.db(ctx, tenantID, userID, false)
	if err == errNoMailbox {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	query := "UPDATE mailbox_items SET state_json = json_set(state_json, '$.read', 1) WHERE item_id IN (?" +
		strings.Repeat(",?", len(itemIDs)-1) + ")"
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		args[i] = id
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, types.WrapErr(types.CodeTransaction, err, "mark read")
	}
	return res.RowsAffected()
}

// UnreadCount counts items whose state has read = false.
func (s *Store) UnreadCount(ctx context.Context, tenantID, userID string) (int64, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err == errNoMailbox {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mailbox_items WHERE json_extract(state_json, '$.read') = 0").Scan(&n)
	if err != nil {
		return 0, types.WrapErr(types.CodeInternal, err, "count unread")
	}
	return n, nil
}

// DeleteItem removes one item. Returns false when absent.
func (s *Store) DeleteItem(ctx context.Context, tenantID, userID, itemID string) (bool, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err == errNoMailbox {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, "DELETE FROM mailbox_items WHERE item_id = ?", itemID)
	if err != nil {
		return false, types.WrapErr(types.CodeTransaction, err, "delete mailbox item %s", itemID)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteBySource removes every item that references a source node and
// returns the count.
func (s *Store) DeleteBySource(ctx context.Context, tenantID, userID, sourceNodeID string) (int64, error) {
	db, err := s.db(ctx, tenantID, userID, false)
	if err == errNoMailbox {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, "DELETE FROM mailbox_items WHERE source_node_id = ?", sourceNodeID)
	if err != nil {
		return 0, types.WrapErr(types.CodeTransaction, err, "delete by source %s", sourceNodeID)
	}
	return res.RowsAffected()
}

// RebuildFTS reindexes the mailbox from the content table. Use when
// the FTS index drifts out of sync.
func (s *Store) RebuildFTS(ctx context.Context, tenantID, userID string) error {
	db, err := s.db(ctx, tenantID, userID, true)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO fts_mailbox(fts_mailbox) VALUES('rebuild')"); err != nil {
		return types.WrapErr(types.CodeInternal, err, "rebuild fts index")
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("user_id", userID).Msg("Rebuilt FTS index")
	return nil
}

func scanItems(tenantID, userID string, rows *sql.Rows) ([]*types.MailboxItem, error) {
	var out []*types.MailboxItem
	for rows.Next() {
		item, err := scanItem(tenantID, userID, rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanItem(tenantID, userID string, scan func(dest ...any) error) (*types.MailboxItem, error) {
	var item types.MailboxItem
	var threadID, stateJSON, metaJSON sql.NullString
	err := scan(&item.ItemID, &item.RefID, &item.SourceTypeID, &item.SourceNodeID,
		&threadID, &item.TimestampMS, &stateJSON, &item.Snippet, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "scan mailbox item")
	}
	if err := fillItem(&item, tenantID, userID, threadID, stateJSON, metaJSON); err != nil {
		return nil, err
	}
	return &item, nil
}

func fillItem(item *types.MailboxItem, tenantID, userID string, threadID, stateJSON, metaJSON sql.NullString) error {
	item.TenantID = tenantID
	item.UserID = userID
	item.ThreadID = threadID.String
	if stateJSON.Valid {
		if err := json.Unmarshal([]byte(stateJSON.String), &item.State); err != nil {
			return types.WrapErr(types.CodeInternal, err, "decode item state")
		}
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &item.Metadata); err != nil {
			return types.WrapErr(types.CodeInternal, err, "decode item metadata")
		}
	}
	return nil
}
