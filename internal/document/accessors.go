package document

import (
	"sort"

	"github.com/Dancode-188/synckit/docsync/internal/crdt"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

// Config returns a copy of the config map, or nil with no document.
func (s *Store) Config() map[string]interface{} { return s.snapshot(MapConfig) }

// Metadata returns a copy of the metadata map, or nil with no document.
func (s *Store) Metadata() map[string]interface{} { return s.snapshot(MapMetadata) }

// Permissions returns a copy of the permissions map, or nil with no document.
func (s *Store) Permissions() map[string]interface{} { return s.snapshot(MapPermissions) }

func (s *Store) snapshot(mapName string) map[string]interface{} {
	doc := s.Doc()
	if doc == nil {
		return nil
	}
	return doc.GetMap(mapName).Snapshot()
}

// GetConfig reads one config key. Values have their replicated types:
// integers are int64, arrays []interface{}, objects map[string]interface{}.
func (s *Store) GetConfig(key string) (interface{}, bool) { return s.get(MapConfig, key) }

// GetMetadata reads one metadata key.
func (s *Store) GetMetadata(key string) (interface{}, bool) { return s.get(MapMetadata, key) }

func (s *Store) get(mapName, key string) (interface{}, bool) {
	doc := s.Doc()
	if doc == nil {
		return nil, false
	}
	return doc.GetMap(mapName).Get(key)
}

// Grants reads the permissions map as a grant list, sorted by account.
// Entries whose label does not normalize to a level are skipped.
func (s *Store) Grants() []permission.Grant {
	perms := s.Permissions()
	grants := make([]permission.Grant, 0, len(perms))
	for account, raw := range perms {
		label, ok := raw.(string)
		if !ok {
			continue
		}
		level := permission.NormalizeAccessType(label)
		if !level.Valid() {
			continue
		}
		grants = append(grants, permission.Grant{Account: account, Level: level})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Account < grants[j].Account })
	return grants
}

// IsDocumentEmpty reports whether doc has neither config nor metadata
// entries: created but never initialised or synced. A nil doc is empty.
func IsDocumentEmpty(doc *crdt.Doc) bool {
	if doc == nil {
		return true
	}
	return doc.GetMap(MapConfig).Len() == 0 && doc.GetMap(MapMetadata).Len() == 0
}

// IsEmpty reports whether the owned document is empty per IsDocumentEmpty.
func (s *Store) IsEmpty() bool { return IsDocumentEmpty(s.Doc()) }
