// Package lifecycle owns the single replication connection and the single
// document instance of an editing session, and sequences their creation,
// replacement and teardown.
//
// At most one connection creation and at most one connection cleanup run at
// a time. A second SetConnection while one is in flight joins it and gets the
// same transport. A cleanup requested while a creation is in flight waits for
// the creation to finish and then tears the fresh connection down; a creation
// requested while a cleanup runs waits for the cleanup, and one requested
// during CleanupAll is refused. Teardown always completes: errors are logged
// and references are cleared regardless.
//
// Every state change is broadcast to subscribers, including failures.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoTransport  = errors.New("lifecycle: pending connection has no transport")
	ErrAccessDenied = errors.New("lifecycle: access denied")
	// ErrCleanupInProgress is returned by SetConnection while CleanupAll
	// is tearing the session down.
	ErrCleanupInProgress = errors.New("lifecycle: session cleanup in progress")
)

const connectionKey = "connection"

// Options tunes a Manager.
type Options struct {
	// DisconnectTimeout bounds how long cleanup waits for the transport to
	// acknowledge a disconnect before proceeding anyway.
	DisconnectTimeout time.Duration
}

// DefaultOptions returns the defaults used by New(nil).
func DefaultOptions() *Options {
	return &Options{
		DisconnectTimeout: 2 * time.Second,
	}
}

// Manager is one session's lifecycle owner. Construct one per session with
// New; it is safe for concurrent use.
type Manager struct {
	opts *Options

	mu        sync.Mutex
	conn      Transport
	target    string
	offStatus func()
	status    ConnectionStatus
	doc       Document
	handlers  []Handler
	flags     Flags

	// Closed when the in-flight creation / cleanup finishes; nil when none.
	creationDone chan struct{}
	cleanupDone  chan struct{}

	creation  singleflight.Group
	handlerMu sync.Mutex

	timers map[uint64]*time.Timer
	beats  map[uint64]chan struct{}

	subs   map[uint64]func(Event)
	nextID uint64
}

// New creates an idle Manager.
func New(opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Manager{
		opts:   opts,
		status: StatusIdle,
		timers: make(map[uint64]*time.Timer),
		beats:  make(map[uint64]chan struct{}),
		subs:   make(map[uint64]func(Event)),
	}
}

// Subscribe registers fn for every broadcast event. Events are delivered
// synchronously on the goroutine that caused them.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	glog.V(2).Infof("lifecycle: %s status=%s has=%v source=%s", ev.Kind, ev.Status, ev.Has, ev.Source)
	for _, fn := range subs {
		fn(ev)
	}
}

func (m *Manager) emitStatus(status ConnectionStatus, source string) {
	m.emit(Event{Kind: EventProviderStatusChanged, Status: status, Source: source})
}

func (m *Manager) emitFlags(source string) {
	m.emit(Event{Kind: EventLifecycleStateChanged, Flags: m.Flags(), Source: source})
}

// setStatusLocked applies a state machine transition. Forced transitions
// are used by teardown, which must always land.
func (m *Manager) setStatusLocked(next ConnectionStatus, force bool) bool {
	if !force && !canTransition(m.status, next) {
		glog.Warningf("lifecycle: ignoring status %s -> %s", m.status, next)
		return false
	}
	m.status = next
	return true
}

// Status returns the current connection status.
func (m *Manager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connection returns the live transport, or nil. Callers may observe it but
// must not disconnect or destroy it themselves.
func (m *Manager) Connection() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Target returns the target of the live connection, or "".
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Flags returns a copy of the lifecycle guards.
func (m *Manager) Flags() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// IsCleaningUp reports whether any teardown is running.
func (m *Manager) IsCleaningUp() bool {
	f := m.Flags()
	return f.CleaningUpConnection || f.CleaningUpDocument || f.CleaningUpAll
}

// IsCreatingSession reports whether a connection or handler set is being
// created.
func (m *Manager) IsCreatingSession() bool {
	f := m.Flags()
	return f.CreatingConnection || f.CreatingHandlers
}

// IsUpgradingDocumentInstance reports whether UpgradeDocument is running.
func (m *Manager) IsUpgradingDocumentInstance() bool {
	return m.Flags().UpgradingDocument
}

// SetConnection installs the connection described by pc and returns the
// transport the session ends up using.
//
// Concurrent calls coalesce onto the in-flight creation. A live connection
// (connected or connecting) to the same target is kept and returned rather
// than replaced. Any other existing connection is torn down first. On
// failure the status becomes Error, the reference is cleared and the error
// is returned; the next call starts afresh.
func (m *Manager) SetConnection(ctx context.Context, pc PendingConnection, source string) (Transport, error) {
	leader := false
	ch := m.creation.DoChan(connectionKey, func() (interface{}, error) {
		leader = true
		return m.createConnection(ctx, pc, source)
	})

	select {
	case res := <-ch:
		var t Transport
		if res.Val != nil {
			t = res.Val.(Transport)
		}
		if !leader {
			glog.V(2).Infof("lifecycle: %s joined in-flight connection creation", source)
			pc.discard(t)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) createConnection(ctx context.Context, pc PendingConnection, source string) (t Transport, err error) {
	// Creation during a connection cleanup is deferred until the cleanup
	// lands; during CleanupAll it is refused.
	for {
		m.mu.Lock()
		if m.flags.CleaningUpAll {
			m.mu.Unlock()
			pc.discard(nil)
			return nil, ErrCleanupInProgress
		}
		if !m.flags.CleaningUpConnection {
			break
		}
		done := m.cleanupDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			pc.discard(nil)
			return nil, ctx.Err()
		}
	}

	if existing := m.conn; existing != nil &&
		(pc.resolved == existing || m.target == pc.Target) &&
		(m.status == StatusConnected || m.status == StatusConnecting) {
		m.mu.Unlock()
		glog.V(2).Infof("lifecycle: keeping live connection to %s (source=%s)", pc.Target, source)
		pc.discard(existing)
		return existing, nil
	}

	m.flags.CreatingConnection = true
	m.creationDone = make(chan struct{})
	replace := m.conn != nil
	m.mu.Unlock()
	m.emitFlags(source)

	var off func()
	// The in-progress flag is cleared even if the transport panics.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect to %s: panic: %v", pc.Target, r)
			if t != nil {
				m.discardFailed(t, off)
			}
		}
		if err != nil {
			t = nil
		}
		m.finishCreation(pc.Target, t, off, err, source)
	}()

	if replace {
		if cerr := m.settle(ctx, source+":replace", false); cerr != nil {
			glog.Warningf("lifecycle: replacing connection: %v", cerr)
		}
	}

	m.mu.Lock()
	m.setStatusLocked(StatusConnecting, false)
	m.mu.Unlock()
	m.emitStatus(StatusConnecting, source)

	t, err = pc.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("create connection to %s: %w", pc.Target, err)
	}
	off = t.OnStatus(m.transportStatusHandler(t))
	if err = t.Connect(ctx); err != nil {
		m.discardFailed(t, off)
		return nil, fmt.Errorf("connect to %s: %w", pc.Target, err)
	}
	glog.Infof("lifecycle: connected to %s (source=%s)", pc.Target, source)
	return t, nil
}

func (m *Manager) discardFailed(t Transport, off func()) {
	if off != nil {
		off()
	}
	safeDestroy(t.Destroy, "failed transport")
}

func (m *Manager) finishCreation(target string, t Transport, off func(), err error, source string) {
	m.mu.Lock()
	var status ConnectionStatus
	if err == nil {
		m.conn = t
		m.target = target
		m.offStatus = off
		status = StatusConnected
	} else {
		m.conn = nil
		m.target = ""
		m.offStatus = nil
		status = StatusError
	}
	m.setStatusLocked(status, true)
	m.flags.CreatingConnection = false
	close(m.creationDone)
	m.creationDone = nil
	m.mu.Unlock()

	if err != nil {
		glog.Warningf("lifecycle: %v (source=%s)", err, source)
	}
	m.emitStatus(status, source)
	m.emitFlags(source)
}

// transportStatusHandler mirrors peer-driven status changes (drops,
// automatic reconnects) while no creation or cleanup is in charge.
func (m *Manager) transportStatusHandler(t Transport) func(StatusEvent) {
	return func(ev StatusEvent) {
		var next ConnectionStatus
		switch ev.Status {
		case TransportConnected:
			next = StatusConnected
		case TransportConnecting:
			next = StatusConnecting
		case TransportDisconnected:
			next = StatusDisconnected
		default:
			return
		}

		m.mu.Lock()
		if m.conn != t || m.flags.CreatingConnection || m.flags.CleaningUpConnection {
			m.mu.Unlock()
			return
		}
		changed := m.status != next && m.setStatusLocked(next, false)
		m.mu.Unlock()
		if changed {
			m.emitStatus(next, "transport")
		}
	}
}

// CleanupConnection tears down the live connection. It returns at once if a
// cleanup is already running, and waits for an in-flight creation to finish
// before tearing the new connection down. A creation replacing an older
// connection counts as in flight, so cleanup during a switch still removes
// the new connection. The reference is always cleared; a disconnect failure
// is returned after teardown completes.
func (m *Manager) CleanupConnection(ctx context.Context, source string) error {
	m.mu.Lock()
	busy := m.flags.CleaningUpConnection && !m.flags.CreatingConnection
	m.mu.Unlock()
	if busy {
		return nil
	}
	return m.settle(ctx, source, true)
}

// settle waits out in-flight cleanups (and creations, if waitCreation) and
// tears down whatever connection remains, until none is left.
func (m *Manager) settle(ctx context.Context, source string, waitCreation bool) error {
	var firstErr error
	for {
		m.mu.Lock()
		pending := m.cleanupDone
		if pending == nil && waitCreation {
			pending = m.creationDone
		}
		live := m.conn != nil
		m.mu.Unlock()

		if pending != nil {
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !live {
			return firstErr
		}
		if err := m.teardownConnection(source); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

func (m *Manager) teardownConnection(source string) (err error) {
	m.mu.Lock()
	if m.flags.CleaningUpConnection || m.conn == nil {
		m.mu.Unlock()
		return nil
	}
	t := m.conn
	off := m.offStatus
	m.flags.CleaningUpConnection = true
	m.cleanupDone = make(chan struct{})
	m.mu.Unlock()
	m.emitFlags(source)

	final := StatusDisconnected
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cleanup panic: %v", r)
				final = StatusError
			}
		}()

		if a := t.Awareness(); a != nil {
			a.SetLocalState(nil)
		}

		acked := make(chan struct{})
		var once sync.Once
		offWait := t.OnStatus(func(ev StatusEvent) {
			if ev.Status == TransportDisconnected {
				once.Do(func() { close(acked) })
			}
		})
		defer offWait()

		if derr := t.Disconnect(); derr != nil {
			err = fmt.Errorf("disconnect: %w", derr)
			final = StatusError
		} else {
			select {
			case <-acked:
			case <-time.After(m.opts.DisconnectTimeout):
				glog.Warningf("lifecycle: no disconnect acknowledgement after %s, proceeding", m.opts.DisconnectTimeout)
			}
		}

		if off != nil {
			off()
		}
		t.Destroy()
	}()

	if err != nil {
		glog.Errorf("lifecycle: connection cleanup (source=%s): %v", source, err)
	}

	m.mu.Lock()
	if m.conn == t {
		m.conn = nil
		m.target = ""
		m.offStatus = nil
	}
	m.setStatusLocked(final, true)
	m.flags.CleaningUpConnection = false
	close(m.cleanupDone)
	m.cleanupDone = nil
	m.mu.Unlock()

	m.emitStatus(final, source)
	m.emitFlags(source)
	return err
}

func safeDestroy(destroy func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("lifecycle: destroying %s panicked: %v", what, r)
		}
	}()
	destroy()
}
