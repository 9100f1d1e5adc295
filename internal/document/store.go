// Package document wraps a CRDT document in a transactional, observable
// key-value view with three logical maps: config, metadata and permissions.
//
// The store owns at most one document at a time. Mutations with no owned
// document log a warning and return ErrNoDocument instead of panicking, since
// the store may be touched while a session is being torn down.
package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Dancode-188/synckit/docsync/internal/crdt"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

// Map names inside the CRDT document.
const (
	MapConfig      = "config"
	MapMetadata    = "metadata"
	MapPermissions = "permissions"
)

// SchemaVersion is written to config on create.
const SchemaVersion = 1

// Well-known keys.
const (
	KeyCreatedAt     = "createdAt"
	KeyLastModified  = "lastModified"
	KeySchemaVersion = "schemaVersion"
	KeyDocumentID    = "documentId"

	KeyTitle         = "title"
	KeyTags          = "tags"
	KeyBeneficiaries = "beneficiaries"
	KeyCustomJSON    = "customJson"
)

var (
	ErrNoDocument    = errors.New("document: no document owned")
	ErrDocumentOwned = errors.New("document: a document is already owned; destroy it first")
)

// Stats is a diagnostic snapshot.
type Stats struct {
	DocumentID      string `json:"documentId"`
	HasDocument     bool   `json:"hasDocument"`
	ConfigSize      int    `json:"configSize"`
	MetadataSize    int    `json:"metadataSize"`
	PermissionsSize int    `json:"permissionsSize"`
	ObserverCount   int    `json:"observerCount"`
}

// Store owns one CRDT document and the observers attached through it.
type Store struct {
	mu        sync.Mutex
	doc       *crdt.Doc
	id        string
	observers map[uint64]func()
	nextObs   uint64
	now       func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		observers: make(map[uint64]func()),
		now:       time.Now,
	}
}

// Create builds a fresh document and writes its initial schema in a single
// schema-init transaction.
func (s *Store) Create(documentID string) (*crdt.Doc, error) {
	s.mu.Lock()
	if s.doc != nil {
		s.mu.Unlock()
		return nil, ErrDocumentOwned
	}
	doc := crdt.NewDoc(crdt.WithGUID(documentID))
	s.doc = doc
	s.id = documentID
	now := s.timestamp()
	s.mu.Unlock()

	err := doc.Transact(crdt.OriginSchemaInit, func(tx *crdt.Transaction) {
		tx.Set(MapConfig, KeyCreatedAt, now)
		tx.Set(MapConfig, KeyLastModified, now)
		tx.Set(MapConfig, KeySchemaVersion, SchemaVersion)
		tx.Set(MapConfig, KeyDocumentID, documentID)

		tx.Set(MapMetadata, KeyTitle, "")
		tx.Set(MapMetadata, KeyTags, []interface{}{})
		tx.Set(MapMetadata, KeyBeneficiaries, []interface{}{})
		tx.Set(MapMetadata, KeyCustomJSON, map[string]interface{}{})
	})
	if err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	glog.V(2).Infof("document: created %s", documentID)
	return doc, nil
}

// Load adopts a document built elsewhere (from persisted bytes or a
// replication handshake), destroying the one currently owned.
func (s *Store) Load(doc *crdt.Doc, documentID string) {
	s.mu.Lock()
	if s.doc == doc {
		s.id = documentID
		s.mu.Unlock()
		return
	}
	old, detach := s.releaseLocked()
	s.doc = doc
	s.id = documentID
	s.mu.Unlock()

	teardown(old, detach)
	glog.V(2).Infof("document: loaded %s", documentID)
}

// LoadState creates a document with the given id and merges persisted
// state into it, replacing any document currently owned.
func (s *Store) LoadState(documentID string, state []byte) (*crdt.Doc, error) {
	doc := crdt.NewDoc(crdt.WithGUID(documentID))
	if len(state) > 0 {
		if err := doc.ApplyUpdate(state, crdt.OriginLoad); err != nil {
			doc.Destroy()
			return nil, fmt.Errorf("load %s: %w", documentID, err)
		}
	}
	s.Load(doc, documentID)
	return doc, nil
}

// UpdateConfig writes one config key and refreshes lastModified.
func (s *Store) UpdateConfig(key string, value interface{}) error {
	return s.transact(crdt.OriginConfigUpdate, func(tx *crdt.Transaction, now string) {
		tx.Set(MapConfig, key, value)
		tx.Set(MapConfig, KeyLastModified, now)
	})
}

// UpdateMetadata writes one metadata key and refreshes lastModified.
func (s *Store) UpdateMetadata(key string, value interface{}) error {
	return s.transact(crdt.OriginMetadataUpdate, func(tx *crdt.Transaction, now string) {
		tx.Set(MapMetadata, key, value)
		tx.Set(MapConfig, KeyLastModified, now)
	})
}

// BatchUpdate applies both entry sets in one transaction, so each map's
// observers see a single change notification.
func (s *Store) BatchUpdate(config, metadata map[string]interface{}) error {
	return s.transact(crdt.OriginBatchUpdate, func(tx *crdt.Transaction, now string) {
		for _, k := range sortedKeys(config) {
			tx.Set(MapConfig, k, config[k])
		}
		for _, k := range sortedKeys(metadata) {
			tx.Set(MapMetadata, k, metadata[k])
		}
		if _, touched := config[KeyLastModified]; !touched {
			tx.Set(MapConfig, KeyLastModified, now)
		}
	})
}

// SetPermission records a collaborator's level in the permissions map.
func (s *Store) SetPermission(account string, level permission.Level) error {
	return s.transact(crdt.OriginPermissionsUpdate, func(tx *crdt.Transaction, _ string) {
		tx.Set(MapPermissions, account, level.String())
	})
}

// RemovePermission drops a collaborator from the permissions map.
func (s *Store) RemovePermission(account string) error {
	return s.transact(crdt.OriginPermissionsUpdate, func(tx *crdt.Transaction, _ string) {
		tx.Delete(MapPermissions, account)
	})
}

func (s *Store) transact(origin crdt.Origin, fn func(tx *crdt.Transaction, now string)) error {
	doc, err := s.current(origin.String())
	if err != nil {
		return err
	}
	now := s.timestamp()
	return doc.Transact(origin, func(tx *crdt.Transaction) { fn(tx, now) })
}

// ApplyRemote merges an update received from another replica.
func (s *Store) ApplyRemote(update []byte) error {
	doc, err := s.current("apply-remote")
	if err != nil {
		return err
	}
	return doc.ApplyUpdate(update, crdt.OriginRemote)
}

// EncodeState encodes the whole owned document.
func (s *Store) EncodeState() ([]byte, error) {
	doc, err := s.current("encode-state")
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateAsUpdate(nil)
}

// Clone returns an independent copy of the owned document.
func (s *Store) Clone() (*crdt.Doc, error) {
	doc, err := s.current("clone")
	if err != nil {
		return nil, err
	}
	return doc.Clone()
}

func (s *Store) current(op string) (*crdt.Doc, error) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	if doc == nil {
		glog.Warningf("document: %s ignored, no document owned", op)
		return nil, ErrNoDocument
	}
	if doc.IsDestroyed() {
		glog.Warningf("document: %s ignored, document %s already destroyed", op, doc.GUID())
		return nil, crdt.ErrDestroyed
	}
	return doc, nil
}

// ObserveConfig registers fn for changes to the config map.
func (s *Store) ObserveConfig(fn func(crdt.MapEvent)) (unsubscribe func()) {
	return s.observe(MapConfig, fn)
}

// ObserveMetadata registers fn for changes to the metadata map.
func (s *Store) ObserveMetadata(fn func(crdt.MapEvent)) (unsubscribe func()) {
	return s.observe(MapMetadata, fn)
}

// ObservePermissions registers fn for changes to the permissions map.
func (s *Store) ObservePermissions(fn func(crdt.MapEvent)) (unsubscribe func()) {
	return s.observe(MapPermissions, fn)
}

func (s *Store) observe(mapName string, fn func(crdt.MapEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		glog.Warningf("document: observe %s ignored, no document owned", mapName)
		return func() {}
	}

	unobserve := s.doc.GetMap(mapName).Observe(fn)
	s.nextObs++
	id := s.nextObs
	s.observers[id] = unobserve

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			detach, ok := s.observers[id]
			delete(s.observers, id)
			s.mu.Unlock()
			if ok {
				detach()
			}
		})
	}
}

// Destroy detaches every observer and releases the document. Safe to call
// any number of times.
func (s *Store) Destroy() {
	s.mu.Lock()
	doc, detach := s.releaseLocked()
	s.mu.Unlock()
	if doc != nil {
		glog.V(2).Infof("document: destroying %s", doc.GUID())
	}
	teardown(doc, detach)
}

func (s *Store) releaseLocked() (*crdt.Doc, []func()) {
	doc := s.doc
	detach := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		detach = append(detach, fn)
	}
	s.observers = make(map[uint64]func())
	s.doc = nil
	s.id = ""
	return doc, detach
}

func teardown(doc *crdt.Doc, detach []func()) {
	for _, fn := range detach {
		fn()
	}
	if doc != nil {
		doc.Destroy()
	}
}

// Doc returns the owned document, or nil.
func (s *Store) Doc() *crdt.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// ID returns the owned document's id, or "".
func (s *Store) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// IsReady reports whether a document is owned.
func (s *Store) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc != nil
}

// IsValid reports whether the owned document can still be mutated.
func (s *Store) IsValid() bool {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	return doc != nil && !doc.IsDestroyed()
}

// Stats reports map sizes and observer count. No side effects.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	doc := s.doc
	stats := Stats{
		DocumentID:    s.id,
		HasDocument:   doc != nil,
		ObserverCount: len(s.observers),
	}
	s.mu.Unlock()

	if doc != nil {
		stats.ConfigSize = doc.GetMap(MapConfig).Len()
		stats.MetadataSize = doc.GetMap(MapMetadata).Len()
		stats.PermissionsSize = doc.GetMap(MapPermissions).Len()
	}
	return stats
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
