package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Document returns the current document instance, or nil.
func (m *Manager) Document() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc
}

// SetDocument installs doc as the session document. The previous instance,
// if any and different, is destroyed first. Setting the current instance
// again is a no-op.
func (m *Manager) SetDocument(doc Document, source string) {
	m.mu.Lock()
	if m.doc == doc {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.CleanupDocument(source + ":replace")

	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	m.emit(Event{Kind: EventDocumentChanged, Has: doc != nil, Source: source})
}

// CleanupDocument destroys the current document and clears the reference.
// Concurrent calls collapse onto one teardown.
func (m *Manager) CleanupDocument(source string) {
	m.mu.Lock()
	if m.flags.CleaningUpDocument || m.doc == nil {
		m.mu.Unlock()
		return
	}
	doc := m.doc
	m.flags.CleaningUpDocument = true
	m.mu.Unlock()
	m.emitFlags(source)

	safeDestroy(doc.Destroy, "document "+doc.ID())

	m.mu.Lock()
	if m.doc == doc {
		m.doc = nil
	}
	m.flags.CleaningUpDocument = false
	m.mu.Unlock()

	m.emit(Event{Kind: EventDocumentChanged, Has: false, Source: source})
	m.emitFlags(source)
}

// UpgradeDocument replaces the session document with incoming. State held
// by a non-empty current document is merged into incoming before the swap so
// local edits survive.
func (m *Manager) UpgradeDocument(incoming Document, source string) error {
	if incoming == nil {
		return fmt.Errorf("upgrade document: nil replacement")
	}

	m.mu.Lock()
	if m.flags.UpgradingDocument {
		m.mu.Unlock()
		return fmt.Errorf("upgrade document: already upgrading")
	}
	m.flags.UpgradingDocument = true
	current := m.doc
	m.mu.Unlock()
	m.emitFlags(source)

	defer func() {
		m.mu.Lock()
		m.flags.UpgradingDocument = false
		m.mu.Unlock()
		m.emitFlags(source)
	}()

	if current == incoming {
		return nil
	}
	if from, ok := current.(mergeableDocument); ok && !from.IsEmpty() {
		to, ok := incoming.(mergeableDocument)
		if !ok {
			return fmt.Errorf("upgrade document %s: replacement cannot merge state", current.ID())
		}
		state, err := from.EncodeState()
		if err != nil {
			return fmt.Errorf("upgrade document %s: encode: %w", current.ID(), err)
		}
		if err := to.ApplyRemote(state); err != nil {
			return fmt.Errorf("upgrade document %s: merge: %w", current.ID(), err)
		}
	}

	m.SetDocument(incoming, source)
	glog.V(2).Infof("lifecycle: upgraded document %s (source=%s)", incoming.ID(), source)
	return nil
}

// BindHandlers replaces the session's auxiliary handlers with those built by
// build. Calls are serialized; the previous set is destroyed before build
// runs.
func (m *Manager) BindHandlers(source string, build func() ([]Handler, error)) error {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	m.mu.Lock()
	m.flags.CreatingHandlers = true
	m.mu.Unlock()
	m.emitFlags(source)

	defer func() {
		m.mu.Lock()
		m.flags.CreatingHandlers = false
		m.mu.Unlock()
		m.emitFlags(source)
	}()

	m.destroyHandlers(source)

	handlers, err := build()
	if err != nil {
		for _, h := range handlers {
			safeDestroy(h.Destroy, "handler")
		}
		return fmt.Errorf("bind handlers: %w", err)
	}

	m.mu.Lock()
	m.handlers = handlers
	m.mu.Unlock()
	m.emit(Event{Kind: EventEditorChanged, Has: len(handlers) > 0, Source: source})
	return nil
}

func (m *Manager) destroyHandlers(source string) {
	m.mu.Lock()
	handlers := m.handlers
	m.handlers = nil
	m.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	for _, h := range handlers {
		safeDestroy(h.Destroy, "handler")
	}
	m.emit(Event{Kind: EventEditorChanged, Has: false, Source: source})
}

// AfterFunc runs fn once after d unless cancelled or the session is torn
// down first.
func (m *Manager) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.timers[id] = time.AfterFunc(d, func() {
		m.mu.Lock()
		_, live := m.timers[id]
		delete(m.timers, id)
		m.mu.Unlock()
		if live {
			fn()
		}
	})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if t, ok := m.timers[id]; ok {
			t.Stop()
			delete(m.timers, id)
		}
		m.mu.Unlock()
	}
}

// StartHeartbeat calls fn every interval until stopped or torn down.
func (m *Manager) StartHeartbeat(interval time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.beats[id] = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	return func() {
		m.mu.Lock()
		if ch, ok := m.beats[id]; ok {
			close(ch)
			delete(m.beats, id)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	for id, ch := range m.beats {
		close(ch)
		delete(m.beats, id)
	}
}

// CleanupAll tears the whole session down in a fixed order: timers, then
// handlers, then the connection, then the document. It waits for any
// in-flight creation or cleanup so the order holds under concurrency.
// Connection errors are logged, not returned; the status ends Idle with no
// connection held. SetConnection calls made meanwhile fail with
// ErrCleanupInProgress. If ctx ends while waiting, the document is still
// destroyed.
func (m *Manager) CleanupAll(ctx context.Context, source string) {
	m.mu.Lock()
	if m.flags.CleaningUpAll {
		m.mu.Unlock()
		return
	}
	m.flags.CleaningUpAll = true
	m.mu.Unlock()
	m.emitFlags(source)

	m.stopTimers()
	m.destroyHandlers(source)

	if err := m.settle(ctx, source, true); err != nil {
		glog.Warningf("lifecycle: cleanup-all (source=%s): %v", source, err)
	}
	m.CleanupDocument(source)

	// Idle is only reported with no connection left.
	for {
		m.mu.Lock()
		if m.conn == nil || ctx.Err() != nil {
			break
		}
		m.mu.Unlock()
		if err := m.settle(ctx, source, true); err != nil {
			glog.Warningf("lifecycle: cleanup-all (source=%s): %v", source, err)
		}
	}
	if m.conn != nil {
		// ctx ended with a connection still in place; drop the reference
		// so the session does not report Idle over it.
		t, off := m.conn, m.offStatus
		m.conn, m.target, m.offStatus = nil, "", nil
		m.mu.Unlock()
		if off != nil {
			off()
		}
		safeDestroy(t.Destroy, "connection")
		m.mu.Lock()
	}
	m.setStatusLocked(StatusIdle, true)
	m.flags.CleaningUpAll = false
	m.mu.Unlock()

	m.emitStatus(StatusIdle, source)
	m.emitFlags(source)
}
