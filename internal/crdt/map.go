package crdt

import "sort"

// Map is one named LWW map inside a Doc. Reads are safe from any goroutine;
// writes go through Doc.Transact.
type Map struct {
	doc       *Doc
	name      string
	entries   map[string]*entry
	observers map[uint64]func(MapEvent)
}

// Name returns the map's name within its document.
func (m *Map) Name() string { return m.name }

// Get returns the live value for key.
func (m *Map) Get(key string) (interface{}, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Len counts live (non-deleted) keys.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.lenLocked()
}

func (m *Map) lenLocked() int {
	n := 0
	for _, e := range m.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Keys returns live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.sortedKeysLocked(false)
}

func (m *Map) sortedKeysLocked(withDeleted bool) []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if e.Deleted && !withDeleted {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the live entries into a plain map.
func (m *Map) Snapshot() map[string]interface{} {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make(map[string]interface{}, len(m.entries))
	for k, e := range m.entries {
		if !e.Deleted {
			out[k] = e.Value
		}
	}
	return out
}

// Observe registers fn for every transaction that changes this map.
func (m *Map) Observe(fn func(MapEvent)) (unobserve func()) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	if m.doc.destroyed {
		return func() {}
	}
	m.doc.nextObs++
	id := m.doc.nextObs
	m.observers[id] = fn
	return func() {
		m.doc.mu.Lock()
		delete(m.observers, id)
		m.doc.mu.Unlock()
	}
}

// ObserverCount reports how many observers are attached.
func (m *Map) ObserverCount() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return len(m.observers)
}
