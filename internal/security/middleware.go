// Package security provides the relay's rate limiting and input validation.
package security

import (
	"regexp"
	"sync"
	"time"

	"github.com/Dancode-188/synckit/docsync/internal/protocol"
)

// Limits bounds what a single peer or address may consume.
type Limits struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxDocsPerIP         int
	MaxDocsPerHour       int
	MaxMessageSize       int64
	MaxDocumentSize      int
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerIP:  50,
		MaxMessagesPerMinute: 500,
		MaxDocsPerIP:         20,
		MaxDocsPerHour:       10,
		MaxMessageSize:       2_000_000,  // 2MB
		MaxDocumentSize:      10_485_760, // 10MB
	}
}

// peerMessageTypes are the frames a peer may send to the relay.
var peerMessageTypes = map[string]bool{
	protocol.TypeAuth:            true,
	protocol.TypeSubscribe:       true,
	protocol.TypeUnsubscribe:     true,
	protocol.TypeSyncStep1:       true,
	protocol.TypeSyncStep2:       true,
	protocol.TypeUpdate:          true,
	protocol.TypeAwarenessUpdate: true,
	protocol.TypePing:            true,
}

var (
	// AccountPattern validates owner and collaborator account names.
	AccountPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{0,31}$`)
	// PermlinkPattern validates document slugs.
	PermlinkPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ConnectionLimiter tracks connections per IP
type ConnectionLimiter struct {
	max         int
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(max int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		max:         max,
		connections: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// TryAdd records a connection from ip unless ip is at its limit.
func (cl *ConnectionLimiter) TryAdd(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.max {
		return false
	}
	cl.connections[ip]++
	return true
}

// RemoveConnection removes a connection from IP
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// GetConnectionCount returns current connection count for IP
func (cl *ConnectionLimiter) GetConnectionCount(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// Dispose cleans up resources
func (cl *ConnectionLimiter) Dispose() {
	close(cl.stopCh)
}

// ConnectionRateLimiter tracks messages per connection over a sliding
// one-minute window.
type ConnectionRateLimiter struct {
	max      int
	now      func() time.Time
	messages map[string][]time.Time
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewConnectionRateLimiter creates a new connection rate limiter
func NewConnectionRateLimiter(max int) *ConnectionRateLimiter {
	crl := &ConnectionRateLimiter{
		max:      max,
		now:      time.Now,
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCh:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := crl.now()
	for connID, timestamps := range crl.messages {
		recent := pruneWindow(timestamps, now)
		if len(recent) == 0 {
			delete(crl.messages, connID)
		} else {
			crl.messages[connID] = recent
		}
	}
}

func pruneWindow(timestamps []time.Time, now time.Time) []time.Time {
	recent := timestamps[:0]
	for _, ts := range timestamps {
		if now.Sub(ts) < time.Minute {
			recent = append(recent, ts)
		}
	}
	return recent
}

// Allow records a message from connectionID and reports whether it is
// within the limit. Rejected messages are not counted.
func (crl *ConnectionRateLimiter) Allow(connectionID string) bool {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := crl.now()
	recent := pruneWindow(crl.messages[connectionID], now)
	if len(recent) >= crl.max {
		crl.messages[connectionID] = recent
		return false
	}
	crl.messages[connectionID] = append(recent, now)
	return true
}

// RemoveConnection removes connection tracking data
func (crl *ConnectionRateLimiter) RemoveConnection(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	delete(crl.messages, connectionID)
}

// Dispose cleans up resources
func (crl *ConnectionRateLimiter) Dispose() {
	close(crl.stopCh)
}

// DocumentLimiter tracks how many new documents each IP brings into
// existence on the relay.
type DocumentLimiter struct {
	maxTotal  int
	maxHourly int
	documents map[string]*documentData
	mu        sync.RWMutex
	stopCh    chan struct{}
}

type documentData struct {
	total  int
	hourly []time.Time
}

// NewDocumentLimiter creates a new document limiter
func NewDocumentLimiter(maxTotal, maxHourly int) *DocumentLimiter {
	dl := &DocumentLimiter{
		maxTotal:  maxTotal,
		maxHourly: maxHourly,
		documents: make(map[string]*documentData),
		stopCh:    make(chan struct{}),
	}
	go dl.cleanupLoop()
	return dl
}

func (dl *DocumentLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dl.cleanup()
		case <-dl.stopCh:
			return
		}
	}
}

func (dl *DocumentLimiter) cleanup() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	hourAgo := time.Now().Add(-time.Hour)
	for ip, data := range dl.documents {
		recent := make([]time.Time, 0, len(data.hourly))
		for _, ts := range data.hourly {
			if ts.After(hourAgo) {
				recent = append(recent, ts)
			}
		}
		data.hourly = recent

		if len(data.hourly) == 0 && data.total == 0 {
			delete(dl.documents, ip)
		}
	}
}

// CanCreateDocument checks if IP can create a document
func (dl *DocumentLimiter) CanCreateDocument(ip string) (bool, string) {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	data := dl.documents[ip]
	if data == nil {
		return true, ""
	}

	if data.total >= dl.maxTotal {
		return false, "Maximum documents per IP reached"
	}

	hourAgo := time.Now().Add(-time.Hour)
	count := 0
	for _, ts := range data.hourly {
		if ts.After(hourAgo) {
			count++
		}
	}
	if count >= dl.maxHourly {
		return false, "Hourly document creation limit reached"
	}

	return true, ""
}

// RecordDocument records a document creation from IP
func (dl *DocumentLimiter) RecordDocument(ip string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	data := dl.documents[ip]
	if data == nil {
		data = &documentData{}
		dl.documents[ip] = data
	}
	data.total++
	data.hourly = append(data.hourly, time.Now())
}

// Dispose cleans up resources
func (dl *DocumentLimiter) Dispose() {
	close(dl.stopCh)
}

// SecurityManager centralizes all security components
type SecurityManager struct {
	Limits                Limits
	ConnectionLimiter     *ConnectionLimiter
	ConnectionRateLimiter *ConnectionRateLimiter
	DocumentLimiter       *DocumentLimiter
}

// NewSecurityManager creates a new security manager
func NewSecurityManager(limits Limits) *SecurityManager {
	return &SecurityManager{
		Limits:                limits,
		ConnectionLimiter:     NewConnectionLimiter(limits.MaxConnectionsPerIP),
		ConnectionRateLimiter: NewConnectionRateLimiter(limits.MaxMessagesPerMinute),
		DocumentLimiter:       NewDocumentLimiter(limits.MaxDocsPerIP, limits.MaxDocsPerHour),
	}
}

// Dispose cleans up all resources
func (sm *SecurityManager) Dispose() {
	sm.ConnectionLimiter.Dispose()
	sm.ConnectionRateLimiter.Dispose()
	sm.DocumentLimiter.Dispose()
}

// ValidateMessage checks that msg is a frame a peer may send.
func ValidateMessage(msg *protocol.Message) (bool, string) {
	if msg == nil {
		return false, "Invalid message format"
	}
	if msg.Type == "" {
		return false, "Missing message type"
	}
	if !peerMessageTypes[msg.Type] {
		return false, "Invalid message type: " + msg.Type
	}
	return true, ""
}

// ValidateDescriptor validates an owner/permlink pair.
func ValidateDescriptor(owner, permlink string) (bool, string) {
	if owner == "" || permlink == "" {
		return false, "Invalid document descriptor"
	}
	if !AccountPattern.MatchString(owner) {
		return false, "Owner is not a valid account name"
	}
	if len(permlink) > 256 {
		return false, "Permlink too long (max 256 characters)"
	}
	if !PermlinkPattern.MatchString(permlink) {
		return false, "Permlink contains invalid characters"
	}
	return true, ""
}
