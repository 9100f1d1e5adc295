package storage

import (
	"errors"
	"testing"
	"time"
)

func TestDocumentRecord_Key(t *testing.T) {
	doc := DocumentRecord{Owner: "alice", Permlink: "notes"}
	if got := doc.Key(); got != "alice/notes" {
		t.Errorf("Key() = %q, want %q", got, "alice/notes")
	}
}

func TestDefaultCleanupOptions(t *testing.T) {
	if got := defaultCleanupOptions(nil); got.OldSessionsHours != 24 {
		t.Errorf("OldSessionsHours = %d, want 24", got.OldSessionsHours)
	}
	custom := &CleanupOptions{OldSessionsHours: 2}
	if got := defaultCleanupOptions(custom); got != custom {
		t.Error("custom options should be returned unchanged")
	}
}

func TestPageLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 100},
		{25, 25},
	}
	for _, tt := range tests {
		if got := pageLimit(tt.in); got != tt.want {
			t.Errorf("pageLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// --- StorageConfig ---

func TestDefaultStorageConfig(t *testing.T) {
	cfg := DefaultStorageConfig()

	if cfg.PoolMinConns != 2 {
		t.Errorf("PoolMinConns = %d, want 2", cfg.PoolMinConns)
	}
	if cfg.PoolMaxConns != 10 {
		t.Errorf("PoolMaxConns = %d, want 10", cfg.PoolMaxConns)
	}
	if cfg.ConnectionTimeout != 5*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 5s", cfg.ConnectionTimeout)
	}
}

// --- Errors ---

func TestTypedErrors_Unwrap(t *testing.T) {
	if !errors.Is(NewConflictError("dup"), ErrConflict) {
		t.Error("ConflictError should match ErrConflict")
	}
	cause := errors.New("boom")
	if !errors.Is(NewQueryError("q", cause), cause) {
		t.Error("QueryError should unwrap to its cause")
	}
	if err := NewNotFoundError("session", "s1"); !errors.Is(err, ErrNotFound) || err.Error() != "session not found: s1" {
		t.Errorf("NotFoundError = %v, should match ErrNotFound", err)
	}
}
