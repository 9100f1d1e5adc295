package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	owner      TEXT        NOT NULL,
	permlink   TEXT        NOT NULL,
	state      BYTEA       NOT NULL,
	version    BIGINT      NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (owner, permlink)
);
CREATE TABLE IF NOT EXISTS document_permissions (
	owner       TEXT        NOT NULL,
	permlink    TEXT        NOT NULL,
	account     TEXT        NOT NULL,
	access_type TEXT        NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (owner, permlink, account)
);
CREATE INDEX IF NOT EXISTS idx_document_permissions_account ON document_permissions (account);
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	account      TEXT        NOT NULL,
	client_id    TEXT        NOT NULL DEFAULT '',
	connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	metadata     JSONB
);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions (account);
`

// PostgresAdapter implements StorageAdapter for PostgreSQL
type PostgresAdapter struct {
	config    *StorageConfig
	pool      *pgxpool.Pool
	connected bool
}

var _ StorageAdapter = (*PostgresAdapter)(nil)

// NewPostgresAdapter creates a new PostgreSQL storage adapter
func NewPostgresAdapter(config *StorageConfig) *PostgresAdapter {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &PostgresAdapter{
		config: config,
	}
}

// Connect establishes connection to PostgreSQL and creates the schema.
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return NewConnectionError("failed to create schema", err)
	}

	p.pool = pool
	p.connected = true
	glog.Infof("storage: connected to PostgreSQL")
	return nil
}

// Disconnect closes the connection pool
func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status
func (p *PostgresAdapter) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity
func (p *PostgresAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// GetDocument retrieves a document
func (p *PostgresAdapter) GetDocument(ctx context.Context, owner, permlink string) (*DocumentRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT owner, permlink, state, version, created_at, updated_at
		FROM documents WHERE owner = $1 AND permlink = $2
	`
	doc, err := scanDocument(p.pool.QueryRow(ctx, query, owner, permlink))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, NewQueryError("failed to get document", err)
	}
	return doc, nil
}

// SaveDocument creates or replaces a document's state, bumping its version.
func (p *PostgresAdapter) SaveDocument(ctx context.Context, owner, permlink string, state []byte) (*DocumentRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		INSERT INTO documents (owner, permlink, state, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (owner, permlink) DO UPDATE
		SET state = $3, version = documents.version + 1, updated_at = NOW()
		RETURNING owner, permlink, state, version, created_at, updated_at
	`
	doc, err := scanDocument(p.pool.QueryRow(ctx, query, owner, permlink, state))
	if err != nil {
		return nil, NewQueryError("failed to save document", err)
	}
	return doc, nil
}

// DeleteDocument removes a document and its permission list
func (p *PostgresAdapter) DeleteDocument(ctx context.Context, owner, permlink string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, "DELETE FROM documents WHERE owner = $1 AND permlink = $2", owner, permlink)
	if err != nil {
		return false, NewQueryError("failed to delete document", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM document_permissions WHERE owner = $1 AND permlink = $2", owner, permlink); err != nil {
		return false, NewQueryError("failed to delete document permissions", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, NewQueryError("failed to commit delete", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListDocuments retrieves an owner's documents with pagination
func (p *PostgresAdapter) ListDocuments(ctx context.Context, owner string, limit, offset int) ([]*DocumentRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT owner, permlink, state, version, created_at, updated_at
		FROM documents
		WHERE owner = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := p.pool.Query(ctx, query, owner, pageLimit(limit), offset)
	if err != nil {
		return nil, NewQueryError("failed to list documents", err)
	}
	defer rows.Close()

	var docs []*DocumentRecord
	for rows.Next() {
		doc, err := scanDocument(rows)
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
func (p *PostgresAdapter) GetPermissions(ctx context.Context, owner, permlink string) ([]permission.Entry, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT account, access_type FROM document_permissions
		WHERE owner = $1 AND permlink = $2
		ORDER BY account
	`
	rows, err := p.pool.Query(ctx, query, owner, permlink)
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
func (p *PostgresAdapter) SavePermission(ctx context.Context, owner, permlink, account, accessType string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	query := `
		INSERT INTO document_permissions (owner, permlink, account, access_type, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner, permlink, account)
		DO UPDATE SET access_type = $4, updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, query, owner, permlink, account, accessType); err != nil {
		return NewQueryError("failed to save permission", err)
	}
	return nil
}

// DeletePermission revokes an account's access
func (p *PostgresAdapter) DeletePermission(ctx context.Context, owner, permlink, account string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	result, err := p.pool.Exec(ctx,
		"DELETE FROM document_permissions WHERE owner = $1 AND permlink = $2 AND account = $3",
		owner, permlink, account)
	if err != nil {
		return false, NewQueryError("failed to delete permission", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListCollaborativeDocuments lists documents shared with account.
func (p *PostgresAdapter) ListCollaborativeDocuments(ctx context.Context, account string) ([]permission.CollaborativeDoc, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT owner, permlink, access_type FROM document_permissions
		WHERE account = $1
		ORDER BY owner, permlink
	`
	rows, err := p.pool.Query(ctx, query, account)
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

// SaveSession saves a connection session
func (p *PostgresAdapter) SaveSession(ctx context.Context, session *SessionEntry) (*SessionEntry, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return nil, NewQueryError("failed to marshal metadata", err)
	}

	query := `
		INSERT INTO sessions (id, account, client_id, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING connected_at, last_seen
	`

	row := p.pool.QueryRow(ctx, query, session.ID, session.Account, session.ClientID, metadataJSON)
	if err := row.Scan(&session.ConnectedAt, &session.LastSeen); err != nil {
		return nil, NewQueryError("failed to save session", err)
	}

	return session, nil
}

// UpdateSession updates a session's last seen time
func (p *PostgresAdapter) UpdateSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, `UPDATE sessions SET last_seen = $2 WHERE id = $1`, sessionID, lastSeen)
	if err != nil {
		return NewQueryError("failed to update session", err)
	}
	if tag.RowsAffected() == 0 {
		return NewNotFoundError("session", sessionID)
	}
	return nil
}

// DeleteSession removes a session
func (p *PostgresAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	result, err := p.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", sessionID)
	if err != nil {
		return false, NewQueryError("failed to delete session", err)
	}
	return result.RowsAffected() > 0, nil
}

// GetSessions retrieves sessions for an account
func (p *PostgresAdapter) GetSessions(ctx context.Context, account string) ([]*SessionEntry, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT id, account, client_id, connected_at, last_seen, metadata
		FROM sessions
		WHERE account = $1
		ORDER BY last_seen DESC
	`

	rows, err := p.pool.Query(ctx, query, account)
	if err != nil {
		return nil, NewQueryError("failed to get sessions", err)
	}
	defer rows.Close()

	var sessions []*SessionEntry
	for rows.Next() {
		var session SessionEntry
		var metadataJSON []byte

		if err := rows.Scan(&session.ID, &session.Account, &session.ClientID, &session.ConnectedAt, &session.LastSeen, &metadataJSON); err != nil {
			return nil, NewQueryError("failed to scan session", err)
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
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
func (p *PostgresAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	options = defaultCleanupOptions(options)

	result := &CleanupResult{}
	if options.OldSessionsHours > 0 {
		cutoff := time.Now().Add(-time.Duration(options.OldSessionsHours) * time.Hour)
		r, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE last_seen < $1`, cutoff)
		if err != nil {
			return nil, NewQueryError("failed to clean sessions", err)
		}
		result.SessionsDeleted = int(r.RowsAffected())
	}
	return result, nil
}

func scanDocument(row pgx.Row) (*DocumentRecord, error) {
	var doc DocumentRecord
	if err := row.Scan(&doc.Owner, &doc.Permlink, &doc.State, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}
