// Package crdt implements a last-write-wins map CRDT.
//
// A Doc holds any number of named maps. Every write happens inside a
// transaction tagged with an Origin; each transaction produces at most one
// MapEvent per touched map and one encoded update for replication. Concurrent
// writes to the same key converge on the entry with the greatest Lamport
// stamp, ties broken by client id.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

var (
	ErrDestroyed       = errors.New("crdt: document destroyed")
	ErrMalformedUpdate = errors.New("crdt: malformed update")

	ErrTransactionPanic = errors.New("crdt: transaction callback panicked")
)

// Action describes what happened to a key inside one transaction.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is the per-key summary delivered to map observers.
type Change struct {
	Action   Action
	OldValue interface{}
	NewValue interface{}
}

// MapEvent is delivered once per transaction to observers of a map that the
// transaction touched.
type MapEvent struct {
	Map    string
	Keys   map[string]Change
	Origin Origin
}

// UpdateHandler receives the encoded delta of every committed transaction.
type UpdateHandler func(update []byte, origin Origin)

// Option configures a Doc.
type Option func(*Doc)

// WithGUID pins the document's GUID. Replicas of the same document share it.
func WithGUID(guid string) Option {
	return func(d *Doc) { d.guid = guid }
}

// WithClientID pins the client id used to stamp local writes.
func WithClientID(id string) Option {
	return func(d *Doc) { d.client = id }
}

// Doc is a replicated document made of named LWW maps.
type Doc struct {
	mu        sync.Mutex
	guid      string
	client    string
	clock     Clock
	sv        map[string]int64
	maps      map[string]*Map
	updateObs map[uint64]UpdateHandler
	nextObs   uint64
	destroyed bool
}

// NewDoc creates an empty document. Without options the GUID and client id
// are fresh ULIDs.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		sv:        make(map[string]int64),
		maps:      make(map[string]*Map),
		updateObs: make(map[uint64]UpdateHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.guid == "" {
		d.guid = ulid.Make().String()
	}
	if d.client == "" {
		d.client = ulid.Make().String()
	}
	return d
}

// GUID returns the document identity shared by all replicas.
func (d *Doc) GUID() string { return d.guid }

// ClientID returns the id stamped on local writes.
func (d *Doc) ClientID() string { return d.client }

// Clock returns the current Lamport time.
func (d *Doc) Clock() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Value()
}

// IsDestroyed reports whether Destroy has run.
func (d *Doc) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// GetMap returns the named map, creating it on first access.
func (d *Doc) GetMap(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{
			doc:       d,
			name:      name,
			entries:   make(map[string]*entry),
			observers: make(map[uint64]func(MapEvent)),
		}
		d.maps[name] = m
	}
	return m
}

// OnUpdate registers a handler for encoded transaction deltas.
func (d *Doc) OnUpdate(fn UpdateHandler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return func() {}
	}
	d.nextObs++
	id := d.nextObs
	d.updateObs[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.updateObs, id)
		d.mu.Unlock()
	}
}

// Transact runs fn as one transaction. fn must only touch the document
// through tx; calling other Doc or Map methods from fn deadlocks.
//
// If fn panics, the writes it made before panicking are still committed
// (they already hold clock ticks) and Transact returns ErrTransactionPanic.
func (d *Doc) Transact(origin Origin, fn func(tx *Transaction)) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		glog.Warningf("crdt: transact %s on destroyed doc %s", origin, d.guid)
		return ErrDestroyed
	}

	tx := newTransaction(d, origin)
	perr := runTransaction(fn, tx)
	if err := d.commitLocked(tx); err != nil && perr == nil {
		return err
	}
	return perr
}

func runTransaction(fn func(tx *Transaction), tx *Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("crdt: transaction %s panicked: %v", tx.origin, r)
			err = fmt.Errorf("%w: %v", ErrTransactionPanic, r)
		}
	}()
	fn(tx)
	return nil
}

// ApplyUpdate merges an encoded update produced by another replica (or by
// EncodeStateAsUpdate). Entries older than what is already held are ignored.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	frame, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		glog.Warningf("crdt: apply update on destroyed doc %s", d.guid)
		return ErrDestroyed
	}

	tx := newTransaction(d, origin)
	for _, rec := range frame.Records {
		tx.merge(rec)
	}
	return d.commitLocked(tx)
}

// commitLocked fires observers outside the lock. Called with d.mu held.
func (d *Doc) commitLocked(tx *Transaction) error {
	if len(tx.records) == 0 {
		d.mu.Unlock()
		return nil
	}

	type delivery struct {
		event     MapEvent
		observers []func(MapEvent)
	}
	var deliveries []delivery
	for name, keys := range tx.changes {
		if len(keys) == 0 {
			continue
		}
		m := d.maps[name]
		obs := make([]func(MapEvent), 0, len(m.observers))
		for _, fn := range m.observers {
			obs = append(obs, fn)
		}
		deliveries = append(deliveries, delivery{
			event:     MapEvent{Map: name, Keys: keys, Origin: tx.origin},
			observers: obs,
		})
	}

	var update []byte
	var encodeErr error
	handlers := make([]UpdateHandler, 0, len(d.updateObs))
	for _, fn := range d.updateObs {
		handlers = append(handlers, fn)
	}
	if len(handlers) > 0 {
		update, encodeErr = encodeUpdate(d.guid, tx.records)
	}
	d.mu.Unlock()

	for _, dl := range deliveries {
		for _, fn := range dl.observers {
			fn(dl.event)
		}
	}
	if encodeErr != nil {
		return encodeErr
	}
	for _, fn := range handlers {
		fn(update, tx.origin)
	}
	return nil
}

// EncodeStateVector summarises which writes this replica has seen.
func (d *Doc) EncodeStateVector() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.sv)
}

// EncodeStateAsUpdate encodes every entry the holder of stateVector has not
// seen. A nil state vector encodes the whole document.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.maps))
	for name := range d.maps {
		names = append(names, name)
	}
	sort.Strings(names)

	var records []record
	for _, name := range names {
		m := d.maps[name]
		for _, key := range m.sortedKeysLocked(true) {
			e := m.entries[key]
			if e.Stamp.Clock <= sv[e.Stamp.Client] {
				continue
			}
			records = append(records, record{Map: name, Key: key, Entry: *e})
		}
	}
	return encodeUpdate(d.guid, records)
}

// Clone returns an independent replica holding the same state under a new
// client id.
func (d *Doc) Clone() (*Doc, error) {
	state, err := d.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, err
	}
	clone := NewDoc(WithGUID(d.guid))
	if err := clone.ApplyUpdate(state, OriginLoad); err != nil {
		return nil, err
	}
	return clone, nil
}

// Destroy detaches every observer and marks the document unusable. Calling
// it again is a no-op.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	for _, m := range d.maps {
		m.observers = make(map[uint64]func(MapEvent))
	}
	d.updateObs = make(map[uint64]UpdateHandler)
}
