package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	owner      TEXT    NOT NULL,
	permlink   TEXT    NOT NULL,
	state      BLOB    NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (owner, permlink)
);
CREATE TABLE IF NOT EXISTS document_permissions (
	owner       TEXT    NOT NULL,
	permlink    TEXT    NOT NULL,
	account     TEXT    NOT NULL,
	access_type TEXT    NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (owner, permlink, account)
);
CREATE INDEX IF NOT EXISTS idx_document_permissions_account ON document_permissions (account);
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	account      TEXT    NOT NULL,
	client_id    TEXT    NOT NULL DEFAULT '',
	connected_at INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL,
	metadata     TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions (account);
`

// SQLiteAdapter implements StorageAdapter on a local SQLite file.
// Timestamps are stored as unix milliseconds.
type SQLiteAdapter struct {
	path string
	now  func() time.Time

	mu    sync.RWMutex
	sqlDB *sql.DB
}

var _ StorageAdapter = (*SQLiteAdapter)(nil)

// NewSQLiteAdapter creates an adapter for the database file at path.
func NewSQLiteAdapter(path string) *SQLiteAdapter {
	return &SQLiteAdapter{path: path, now: time.Now}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Connect opens the database and creates the schema.
func (s *SQLiteAdapter) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.path) == "" {
		return NewConnectionError("sqlite path is required", nil)
	}
	dsn := filepath.Clean(s.path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return NewConnectionError("failed to open sqlite db", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return NewConnectionError("failed to ping sqlite db", err)
	}
	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return NewConnectionError("failed to create schema", err)
	}

	s.mu.Lock()
	s.sqlDB = sqlDB
	s.mu.Unlock()
	glog.Infof("storage: opened SQLite database %s", s.path)
	return nil
}

// Disconnect closes the database handle
func (s *SQLiteAdapter) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	s.sqlDB = nil
	return err
}

// IsConnected returns connection status
func (s *SQLiteAdapter) IsConnected() bool {
	return s.db() != nil
}

func (s *SQLiteAdapter) db() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sqlDB
}

// HealthCheck verifies database connectivity
func (s *SQLiteAdapter) HealthCheck(ctx context.Context) (bool, error) {
	db := s.db()
	if db == nil {
		return false, ErrNotConnected
	}
	err := db.PingContext(ctx)
	return err == nil, err
}

// GetDocument retrieves a document
func (s *SQLiteAdapter) GetDocument(ctx context.Context, owner, permlink string) (*DocumentRecord, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}

	row := db.QueryRowContext(ctx, `
		SELECT owner, permlink, state, version, created_at, updated_at
		FROM documents WHERE owner = ? AND permlink = ?`, owner, permlink)
	doc, err := scanSQLiteDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, NewQueryError("failed to get document", err)
	}
	return doc, nil
}

// SaveDocument creates or replaces a document's state, bumping its version.
func (s *SQLiteAdapter) SaveDocument(ctx context.Context, owner, permlink string, state []byte) (*DocumentRecord, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}

	now := toMillis(s.now())
	row := db.QueryRowContext(ctx, `
		INSERT INTO documents (owner, permlink, state, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (owner, permlink) DO UPDATE
		SET state = excluded.state, version = documents.version + 1, updated_at = excluded.updated_at
		RETURNING owner, permlink, state, version, created_at, updated_at`,
		owner, permlink, state, now, now)
	doc, err := scanSQLiteDocument(row)
	if err != nil {
		return nil, NewQueryError("failed to save document", err)
	}
	return doc, nil
}

// DeleteDocument removes a document and its permission list
func (s *SQLiteAdapter) DeleteDocument(ctx context.Context, owner, permlink string) (bool, error) {
	db := s.db()
	if db == nil {
		return false, ErrNotConnected
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE owner = ? AND permlink = ?`, owner, permlink)
	if err != nil {
		return false, NewQueryError("failed to delete document", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_permissions WHERE owner = ? AND permlink = ?`, owner, permlink); err != nil {
		return false, NewQueryError("failed to delete document permissions", err)
	}
	if err := tx.Commit(); err != nil {
		return false, NewQueryError("failed to commit delete", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListDocuments retrieves an owner's documents with pagination
func (s *SQLiteAdapter) ListDocuments(ctx context.Context, owner string, limit, offset int) ([]*DocumentRecord, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}

	rows, err := db.QueryContext(ctx, `
		SELECT owner, permlink, state, version, created_at, updated_at
		FROM documents
		WHERE owner = ?
		ORDER BY updated_at DESC, permlink
		LIMIT ? OFFSET ?`, owner, pageLimit(limit), offset)
	if err != nil {
		return nil, NewQueryError("failed to list documents", err)
	}
	defer rows.Close()

	var docs []*DocumentRecord
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, NewQueryError("failed to scan document", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to list documents", err)
	}
	return docs, nil
}

// GetPermissions returns a document's permission list ordered by account.
func (s *SQLiteAdapter) GetPermissions(ctx context.Context, owner, permlink string) ([]permission.Entry, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}

	rows, err := db.QueryContext(ctx, `
		SELECT account, access_type FROM document_permissions
		WHERE owner = ? AND permlink = ?
		ORDER BY account`, owner, permlink)
	if err != nil {
		return nil, NewQueryError("failed to get permissions", err)
	}
	defer rows.Close()

	var entries []permission.Entry
	for rows.Next() {
		var e permission.Entry
		if err := rows.Scan(&e.Account, &e.AccessType); err != nil {
			return nil, NewQueryError("failed to scan permission", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to get permissions", err)
	}
	return entries, nil
}

// SavePermission grants or changes an account's access
func (s *SQLiteAdapter) SavePermission(ctx context.Context, owner, permlink, account, accessType string) error {
	db := s.db()
	if db == nil {
		return ErrNotConnected
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO document_permissions (owner, permlink, account, access_type, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner, permlink, account)
		DO UPDATE SET access_type = excluded.access_type, updated_at = excluded.updated_at`,
		owner, permlink, account, accessType, toMillis(s.now()))
	if err != nil {
		return NewQueryError("failed to save permission", err)
	}
	return nil
}

// DeletePermission revokes an account's access
func (s *SQLiteAdapter) DeletePermission(ctx context.Context, owner, permlink, account string) (bool, error) {
	db := s.db()
	if db == nil {
		return false, ErrNotConnected
	}

	result, err := db.ExecContext(ctx,
		`DELETE FROM document_permissions WHERE owner = ? AND permlink = ? AND account = ?`,
		owner, permlink, account)
	if err != nil {
		return false, NewQueryError("failed to delete permission", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListCollaborativeDocuments lists documents shared with account.
func (s *SQLiteAdapter) ListCollaborativeDocuments(ctx context.Context, account string) ([]permission.CollaborativeDoc, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}

	rows, err := db.QueryContext(ctx, `
		SELECT owner, permlink, access_type FROM document_permissions
		WHERE account = ?
		ORDER BY owner, permlink`, account)
	if err != nil {
		return nil, NewQueryError("failed to list collaborative documents", err)
	}
	defer rows.Close()

	var docs []permission.CollaborativeDoc
	for rows.Next() {
		var d permission.CollaborativeDoc
		if err := rows.Scan(&d.Owner, &d.Permlink, &d.AccessType); err != nil {
			return nil, NewQueryError("failed to scan collaborative document", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to list collaborative documents", err)
	}
	return docs, nil
}

// SaveSession saves a connection session. A duplicate id is a conflict.
func (s *SQLiteAdapter) SaveSession(ctx context.Context, session *SessionEntry) (*SessionEntry, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}

	var metadata sql.NullString
	if session.Metadata != nil {
		raw, err := json.Marshal(session.Metadata)
		if err != nil {
			return nil, NewQueryError("failed to marshal metadata", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	now := s.now()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, account, client_id, connected_at, last_seen, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Account, session.ClientID, toMillis(now), toMillis(now), metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, NewConflictError(fmt.Sprintf("session %s already exists", session.ID))
		}
		return nil, NewQueryError("failed to save session", err)
	}

	session.ConnectedAt = fromMillis(toMillis(now))
	session.LastSeen = session.ConnectedAt
	return session, nil
}

// UpdateSession updates a session's last seen time
func (s *SQLiteAdapter) UpdateSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	db := s.db()
	if db == nil {
		return ErrNotConnected
	}

	res, err := db.ExecContext(ctx, `UPDATE sessions SET last_seen = ? WHERE id = ?`, toMillis(lastSeen), sessionID)
	if err != nil {
		return NewQueryError("failed to update session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewNotFoundError("session", sessionID)
	}
	return nil
}

// DeleteSession removes a session
func (s *SQLiteAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	db := s.db()
	if db == nil {
		return false, ErrNotConnected
	}

	result, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false, NewQueryError("failed to delete session", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// GetSessions retrieves sessions for an account
func (s *SQLiteAdapter) GetSessions(ctx context.Context, account string) ([]*SessionEntry, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, account, client_id, connected_at, last_seen, metadata
		FROM sessions
		WHERE account = ?
		ORDER BY last_seen DESC`, account)
	if err != nil {
		return nil, NewQueryError("failed to get sessions", err)
	}
	defer rows.Close()

	var sessions []*SessionEntry
	for rows.Next() {
		var (
			session             SessionEntry
			connected, lastSeen int64
			metadata            sql.NullString
		)
		if err := rows.Scan(&session.ID, &session.Account, &session.ClientID, &connected, &lastSeen, &metadata); err != nil {
			return nil, NewQueryError("failed to scan session", err)
		}
		session.ConnectedAt = fromMillis(connected)
		session.LastSeen = fromMillis(lastSeen)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
				return nil, NewQueryError("failed to unmarshal metadata", err)
			}
		}
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to get sessions", err)
	}
	return sessions, nil
}

// Cleanup removes stale sessions
func (s *SQLiteAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}
	options = defaultCleanupOptions(options)

	result := &CleanupResult{}
	if options.OldSessionsHours > 0 {
		cutoff := s.now().Add(-time.Duration(options.OldSessionsHours) * time.Hour)
		r, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen < ?`, toMillis(cutoff))
		if err != nil {
			return nil, NewQueryError("failed to clean sessions", err)
		}
		n, _ := r.RowsAffected()
		result.SessionsDeleted = int(n)
	}
	return result, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDocument(row sqlScanner) (*DocumentRecord, error) {
	var (
		doc              DocumentRecord
		created, updated int64
	)
	if err := row.Scan(&doc.Owner, &doc.Permlink, &doc.State, &doc.Version, &created, &updated); err != nil {
		return nil, err
	}
	doc.CreatedAt = fromMillis(created)
	doc.UpdatedAt = fromMillis(updated)
	return &doc, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
