// Package permission decides what the current user may do with a document.
//
// Everything here is a pure function of its inputs: no I/O, no shared state.
// The one exception is CanAttemptConnection, which reads a caller-supplied
// Cache.
package permission

import "strings"

// Level is a capability tier. NoAccess < Readonly < Editable < Postable <
// Owner. Unknown means "not yet determined" and never grants anything.
type Level uint8

const (
	Unknown Level = iota
	NoAccess
	Readonly
	Editable
	Postable
	Owner
)

var levelNames = map[Level]string{
	Unknown:  "unknown",
	NoAccess: "no-access",
	Readonly: "readonly",
	Editable: "editable",
	Postable: "postable",
	Owner:    "owner",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return levelNames[Unknown]
}

// Valid reports whether l is one of the five ordered levels.
func (l Level) Valid() bool {
	return l >= NoAccess && l <= Owner
}

// AtLeast reports whether l grants at least what other grants. Unknown on
// either side is never at least anything.
func (l Level) AtLeast(other Level) bool {
	if !l.Valid() || !other.Valid() {
		return false
	}
	return l >= other
}

// IsReadOnlyOrWorse reports whether l is Readonly or below. Unknown counts as
// worse than Readonly.
func IsReadOnlyOrWorse(l Level) bool {
	return !l.Valid() || l <= Readonly
}

// NormalizeAccessType maps a free-text access label to a Level.
//
// Canonical level names map to themselves. Otherwise, case-insensitively:
// labels containing "publish" are Postable, "edit" or "write" Editable,
// "read" Readonly; exact "owner"/"admin" is Owner and exact
// "none"/"denied"/"no-access" is NoAccess. Anything else is Unknown.
func NormalizeAccessType(accessType string) Level {
	label := strings.ToLower(strings.TrimSpace(accessType))
	if label == "" {
		return Unknown
	}

	for level, name := range levelNames {
		if level != Unknown && label == name {
			return level
		}
	}

	switch {
	case strings.Contains(label, "publish"):
		return Postable
	case strings.Contains(label, "edit"), strings.Contains(label, "write"):
		return Editable
	case strings.Contains(label, "read"):
		return Readonly
	}

	switch label {
	case "owner", "admin":
		return Owner
	case "none", "denied", "no-access":
		return NoAccess
	}
	return Unknown
}
