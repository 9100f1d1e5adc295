package crdt

import "github.com/golang/glog"

// Transaction collects the writes of one Doc.Transact call. It is only valid
// inside the callback.
type Transaction struct {
	doc     *Doc
	origin  Origin
	changes map[string]map[string]Change
	records []record
}

func newTransaction(d *Doc, origin Origin) *Transaction {
	return &Transaction{
		doc:     d,
		origin:  origin,
		changes: make(map[string]map[string]Change),
	}
}

// Origin returns the tag the transaction was opened with.
func (tx *Transaction) Origin() Origin { return tx.origin }

// Get reads the live value of key in mapName, including writes already made
// by this transaction.
func (tx *Transaction) Get(mapName, key string) (interface{}, bool) {
	m, ok := tx.doc.maps[mapName]
	if !ok {
		return nil, false
	}
	e, ok := m.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Set writes value under key in mapName.
func (tx *Transaction) Set(mapName, key string, value interface{}) {
	tx.local(mapName, key, value, false)
}

// Delete removes key from mapName. The tombstone replicates like a write.
func (tx *Transaction) Delete(mapName, key string) {
	tx.local(mapName, key, nil, true)
}

func (tx *Transaction) local(mapName, key string, value interface{}, deleted bool) {
	d := tx.doc
	if !deleted {
		v, err := normalize(value)
		if err != nil {
			// Kept as is; encoding the update reports the error at commit.
			glog.Warningf("crdt: %s.%s holds a value that cannot replicate: %v", mapName, key, err)
		} else {
			value = v
		}
	}
	stamp := Stamp{Clock: d.clock.Tick(), Client: d.client}
	d.sv[d.client] = stamp.Clock
	tx.put(d.mapLocked(mapName), key, &entry{Stamp: stamp, Value: value, Deleted: deleted})
}

// merge applies a remote record if it beats the entry already held.
func (tx *Transaction) merge(rec record) {
	d := tx.doc
	incoming := rec.Entry
	d.clock.Receive(incoming.Stamp.Clock)
	if incoming.Stamp.Clock > d.sv[incoming.Stamp.Client] {
		d.sv[incoming.Stamp.Client] = incoming.Stamp.Clock
	}

	m := d.mapLocked(rec.Map)
	if current, ok := m.entries[rec.Key]; ok && !current.Stamp.Less(incoming.Stamp) {
		return
	}
	tx.put(m, rec.Key, &incoming)
}

func (tx *Transaction) put(m *Map, key string, next *entry) {
	prev, existed := m.entries[key]
	wasLive := existed && !prev.Deleted
	m.entries[key] = next
	tx.records = append(tx.records, record{Map: m.name, Key: key, Entry: *next})

	var change Change
	switch {
	case next.Deleted && !wasLive:
		return
	case next.Deleted:
		change = Change{Action: ActionDelete, OldValue: prev.Value}
	case wasLive:
		change = Change{Action: ActionUpdate, OldValue: prev.Value, NewValue: next.Value}
	default:
		change = Change{Action: ActionAdd, NewValue: next.Value}
	}

	keys, ok := tx.changes[m.name]
	if !ok {
		keys = make(map[string]Change)
		tx.changes[m.name] = keys
	}
	if earlier, ok := keys[key]; ok {
		if earlier.Action == ActionAdd && change.Action == ActionDelete {
			delete(keys, key)
			return
		}
		// Keep the value seen before the transaction started.
		change.OldValue = earlier.OldValue
		if earlier.Action == ActionAdd && change.Action != ActionDelete {
			change.Action = ActionAdd
		}
	}
	keys[key] = change
}
