package security

import (
	"strings"
	"testing"
	"time"

	"github.com/Dancode-188/synckit/docsync/internal/protocol"
)

// --- ConnectionLimiter ---

func TestConnectionLimiter_AllowsWithinLimit(t *testing.T) {
	cl := NewConnectionLimiter(2)
	defer cl.Dispose()

	ip := "192.168.1.1"
	if !cl.TryAdd(ip) {
		t.Error("Should allow first connection")
	}
	if cl.GetConnectionCount(ip) != 1 {
		t.Errorf("Count = %d, want 1", cl.GetConnectionCount(ip))
	}
}

func TestConnectionLimiter_BlocksAtLimit(t *testing.T) {
	cl := NewConnectionLimiter(3)
	defer cl.Dispose()

	ip := "192.168.1.2"
	for i := 0; i < 3; i++ {
		if !cl.TryAdd(ip) {
			t.Fatalf("connection %d rejected below limit", i)
		}
	}

	if cl.TryAdd(ip) {
		t.Error("Should block connections at limit")
	}
	if cl.GetConnectionCount(ip) != 3 {
		t.Errorf("rejected connection was counted: %d", cl.GetConnectionCount(ip))
	}
}

func TestConnectionLimiter_RemoveConnection(t *testing.T) {
	cl := NewConnectionLimiter(10)
	defer cl.Dispose()

	ip := "192.168.1.3"
	cl.TryAdd(ip)
	cl.TryAdd(ip)

	cl.RemoveConnection(ip)
	if cl.GetConnectionCount(ip) != 1 {
		t.Errorf("Count = %d, want 1", cl.GetConnectionCount(ip))
	}

	cl.RemoveConnection(ip)
	cl.RemoveConnection(ip)
	if cl.GetConnectionCount(ip) != 0 {
		t.Errorf("Count = %d, want 0", cl.GetConnectionCount(ip))
	}
}

func TestConnectionLimiter_MultipleIPs(t *testing.T) {
	cl := NewConnectionLimiter(1)
	defer cl.Dispose()

	cl.TryAdd("10.0.0.1")
	if !cl.TryAdd("10.0.0.2") {
		t.Error("Different IP should not be limited")
	}
}

// --- ConnectionRateLimiter ---

func TestConnectionRateLimiter_Window(t *testing.T) {
	crl := NewConnectionRateLimiter(3)
	defer crl.Dispose()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	crl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !crl.Allow("conn-1") {
			t.Fatalf("message %d rejected below limit", i)
		}
	}
	if crl.Allow("conn-1") {
		t.Error("Should block messages at limit")
	}
	if !crl.Allow("conn-2") {
		t.Error("Different connection should not be rate limited")
	}

	now = now.Add(61 * time.Second)
	if !crl.Allow("conn-1") {
		t.Error("Should allow messages once the window has passed")
	}
}

func TestConnectionRateLimiter_RemoveConnection(t *testing.T) {
	crl := NewConnectionRateLimiter(1)
	defer crl.Dispose()

	crl.Allow("conn-3")
	crl.RemoveConnection("conn-3")
	if !crl.Allow("conn-3") {
		t.Error("Should allow messages after connection removal")
	}
}

// --- DocumentLimiter ---

func TestDocumentLimiter(t *testing.T) {
	tests := []struct {
		name      string
		maxTotal  int
		maxHourly int
		recorded  int
		want      bool
	}{
		{"within limits", 5, 5, 2, true},
		{"total limit", 3, 10, 3, false},
		{"hourly limit", 10, 2, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := NewDocumentLimiter(tt.maxTotal, tt.maxHourly)
			defer dl.Dispose()

			for i := 0; i < tt.recorded; i++ {
				dl.RecordDocument("10.0.0.1")
			}
			allowed, reason := dl.CanCreateDocument("10.0.0.1")
			if allowed != tt.want {
				t.Errorf("CanCreateDocument = %v (%s), want %v", allowed, reason, tt.want)
			}
			if !allowed && reason == "" {
				t.Error("Should provide a reason when blocked")
			}
			if ok, _ := dl.CanCreateDocument("10.0.0.2"); !ok {
				t.Error("Different IP should not be affected")
			}
		})
	}
}

// --- SecurityManager ---

func TestSecurityManager_Creation(t *testing.T) {
	sm := NewSecurityManager(DefaultLimits())
	defer sm.Dispose()

	if sm.ConnectionLimiter == nil || sm.ConnectionRateLimiter == nil || sm.DocumentLimiter == nil {
		t.Fatal("limiters should not be nil")
	}
	if sm.Limits.MaxMessagesPerMinute != 500 {
		t.Errorf("MaxMessagesPerMinute = %d, want 500", sm.Limits.MaxMessagesPerMinute)
	}
}

// --- ValidateMessage ---

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *protocol.Message
		want bool
	}{
		{"auth", &protocol.Message{Type: protocol.TypeAuth}, true},
		{"update", &protocol.Message{Type: protocol.TypeUpdate}, true},
		{"awareness", &protocol.Message{Type: protocol.TypeAwarenessUpdate}, true},
		{"nil", nil, false},
		{"empty type", &protocol.Message{}, false},
		{"relay-only type", &protocol.Message{Type: protocol.TypeSubscribed}, false},
		{"error frame", &protocol.Message{Type: protocol.TypeError}, false},
	}

	for _, tt := range tests {
		if got, _ := ValidateMessage(tt.msg); got != tt.want {
			t.Errorf("%s: ValidateMessage = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// --- ValidateDescriptor ---

func TestValidateDescriptor(t *testing.T) {
	tests := []struct {
		owner, permlink string
		want            bool
	}{
		{"alice", "notes", true},
		{"bob.dev", "my_doc-2", true},
		{"alice", "", false},
		{"", "notes", false},
		{"Alice", "notes", false},
		{"alice", "has space", false},
		{"alice", "slash/inside", false},
		{"alice", strings.Repeat("a", 257), false},
		{strings.Repeat("a", 33), "notes", false},
	}

	for _, tt := range tests {
		got, reason := ValidateDescriptor(tt.owner, tt.permlink)
		if got != tt.want {
			t.Errorf("ValidateDescriptor(%q, %q) = %v (%s), want %v", tt.owner, tt.permlink, got, reason, tt.want)
		}
	}
}

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	if limits.MaxConnectionsPerIP != 50 {
		t.Errorf("MaxConnectionsPerIP = %d, want 50", limits.MaxConnectionsPerIP)
	}
	if limits.MaxMessageSize != 2_000_000 {
		t.Errorf("MaxMessageSize = %d, want 2000000", limits.MaxMessageSize)
	}
}
