// Package storage persists relay state: document blobs, per-document
// permission lists and connection sessions. It also hosts the Redis-backed
// permission cache and multi-relay fan-out.
package storage

import (
	"context"
	"time"

	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

// DocumentRecord is a stored document. State is the opaque CRDT update
// that rebuilds it.
type DocumentRecord struct {
	Owner     string    `json:"owner"`
	Permlink  string    `json:"permlink"`
	State     []byte    `json:"state"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key is the "owner/permlink" form.
func (d *DocumentRecord) Key() string {
	return d.Owner + "/" + d.Permlink
}

// SessionEntry represents an active connection session
type SessionEntry struct {
	ID          string                 `json:"id"`
	Account     string                 `json:"account"`
	ClientID    string                 `json:"clientId,omitempty"`
	ConnectedAt time.Time              `json:"connectedAt"`
	LastSeen    time.Time              `json:"lastSeen"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CleanupOptions specifies what to clean up
type CleanupOptions struct {
	OldSessionsHours int
}

// CleanupResult contains cleanup statistics
type CleanupResult struct {
	SessionsDeleted int `json:"sessionsDeleted"`
}

// StorageAdapter defines the interface for relay persistence.
//
// Getters return (nil, nil) when the row does not exist.
type StorageAdapter interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// Document operations
	GetDocument(ctx context.Context, owner, permlink string) (*DocumentRecord, error)
	SaveDocument(ctx context.Context, owner, permlink string, state []byte) (*DocumentRecord, error)
	DeleteDocument(ctx context.Context, owner, permlink string) (bool, error)
	ListDocuments(ctx context.Context, owner string, limit, offset int) ([]*DocumentRecord, error)

	// Permission operations. AccessType is stored as given and normalized
	// by readers.
	GetPermissions(ctx context.Context, owner, permlink string) ([]permission.Entry, error)
	SavePermission(ctx context.Context, owner, permlink, account, accessType string) error
	DeletePermission(ctx context.Context, owner, permlink, account string) (bool, error)
	ListCollaborativeDocuments(ctx context.Context, account string) ([]permission.CollaborativeDoc, error)

	// Session operations (for connection tracking)
	SaveSession(ctx context.Context, session *SessionEntry) (*SessionEntry, error)
	// UpdateSession returns a *NotFoundError (matching ErrNotFound) for an
	// unknown session.
	UpdateSession(ctx context.Context, sessionID string, lastSeen time.Time) error
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	GetSessions(ctx context.Context, account string) ([]*SessionEntry, error)

	// Maintenance
	Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error)
}

// StorageConfig holds configuration for storage adapters
type StorageConfig struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultStorageConfig returns sensible defaults
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}

func defaultCleanupOptions(options *CleanupOptions) *CleanupOptions {
	if options == nil {
		return &CleanupOptions{OldSessionsHours: 24}
	}
	return options
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
