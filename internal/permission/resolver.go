package permission

import (
	"errors"
	"strings"
)

// Guest is the sentinel user id for an unauthenticated visitor. Compared
// exactly, not case-insensitively.
const Guest = "guest"

var ErrInvalidDescriptor = errors.New("invalid document descriptor")

// Kind is the document's access-control regime.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindTemporary
	KindLocal
	KindCollaborative
)

func (k Kind) String() string {
	switch k {
	case KindTemporary:
		return "temporary"
	case KindLocal:
		return "local"
	case KindCollaborative:
		return "collaborative"
	default:
		return "unspecified"
	}
}

// ParseKind maps a stored kind name back to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "temporary":
		return KindTemporary
	case "local":
		return KindLocal
	case "collaborative":
		return KindCollaborative
	default:
		return KindUnspecified
	}
}

// Descriptor identifies a document. Two descriptors name the same document
// iff Owner and Permlink match.
type Descriptor struct {
	Owner    string
	Permlink string
	Kind     Kind

	// PermissionLevel is an already-normalized level attached by a cache
	// layer. Unknown means absent.
	PermissionLevel Level
}

// Equal compares identity only.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.Owner == other.Owner && d.Permlink == other.Permlink
}

// Key is the "owner/permlink" form used for cache keys and wire names.
func (d Descriptor) Key() string {
	return d.Owner + "/" + d.Permlink
}

// Validate rejects descriptors that name nothing.
func (d Descriptor) Validate() error {
	if d.Owner == "" && d.Permlink == "" {
		return ErrInvalidDescriptor
	}
	return nil
}

// ParseKey splits an "owner/permlink" key.
func ParseKey(key string) (owner, permlink string, err error) {
	owner, permlink, ok := strings.Cut(key, "/")
	if !ok || owner == "" || permlink == "" {
		return "", "", ErrInvalidDescriptor
	}
	return owner, permlink, nil
}

// Grant is one collaborator's level on a collaborative document.
type Grant struct {
	Account string
	Level   Level
}

// Entry is a permission-list row as the server reports it: a raw access
// label still to be normalized.
type Entry struct {
	Account    string
	AccessType string
}

// EntryFromGrant renders a grant as a permission-list row.
func EntryFromGrant(g Grant) Entry {
	return Entry{Account: g.Account, AccessType: g.Level.String()}
}

// CollaborativeDoc is a row of the "documents shared with me" list.
type CollaborativeDoc struct {
	Owner      string
	Permlink   string
	Permission string
	AccessType string
}

// Input is everything DeterminePermissionLevel looks at.
type Input struct {
	Document          Descriptor
	CurrentUser       string
	Authenticated     bool
	Permissions       []Entry
	CollaborativeDocs []CollaborativeDoc
}

// DeterminePermissionLevel computes the current user's level on a document.
// Rules are checked in order and the first match wins; it never errors.
func DeterminePermissionLevel(in Input) Level {
	doc := in.Document
	switch doc.Kind {
	case KindTemporary:
		return Editable

	case KindLocal:
		if in.CurrentUser == "" {
			return NoAccess
		}
		if doc.Owner == in.CurrentUser {
			return Owner
		}
		return NoAccess

	case KindCollaborative:
		return collaborativeLevel(in)

	default:
		return Unknown
	}
}

func collaborativeLevel(in Input) Level {
	doc := in.Document
	user := in.CurrentUser

	if user == "" || user == Guest {
		return NoAccess
	}
	if !in.Authenticated {
		return NoAccess
	}
	if doc.Owner == user {
		return Owner
	}
	if doc.PermissionLevel.Valid() {
		return doc.PermissionLevel
	}

	for _, entry := range in.Permissions {
		if entry.Account == user {
			return NormalizeAccessType(entry.AccessType)
		}
	}

	for _, shared := range in.CollaborativeDocs {
		if shared.Owner != doc.Owner || shared.Permlink != doc.Permlink {
			continue
		}
		if shared.Permission != "" {
			return NormalizeAccessType(shared.Permission)
		}
		if shared.AccessType != "" {
			return NormalizeAccessType(shared.AccessType)
		}
		// Listed without an explicit level: treated as editor access.
		return Editable
	}

	return NoAccess
}
