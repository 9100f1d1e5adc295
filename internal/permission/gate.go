package permission

import (
	"context"

	"github.com/golang/glog"
)

// Auth is a read-only snapshot of the authentication provider.
type Auth struct {
	CurrentUser   string
	Authenticated bool
	Expired       bool
}

// AuthProvider hands out authentication snapshots on demand.
type AuthProvider interface {
	Snapshot() Auth
}

// Cache exposes levels confirmed by an earlier authoritative check. ok is
// false when nothing is cached for the document.
type Cache interface {
	CachedPermission(ctx context.Context, owner, permlink string) (level Level, ok bool)
}

// Denial reasons returned by CanAttemptConnection.
const (
	ReasonNoUser          = "no user"
	ReasonGuest           = "guest user"
	ReasonUnauthenticated = "not authenticated"
	ReasonAuthExpired     = "authentication expired"
	ReasonNoPermission    = "no cached permission"
)

// CanAttemptConnection is the pre-flight check run before opening a
// replication connection. The server stays the final arbiter; this only
// refuses attempts that are already known to fail, and fails closed.
func CanAttemptConnection(ctx context.Context, doc Descriptor, auth Auth, cache Cache) (bool, string) {
	switch {
	case auth.CurrentUser == "":
		return false, ReasonNoUser
	case auth.CurrentUser == Guest:
		return false, ReasonGuest
	case !auth.Authenticated:
		return false, ReasonUnauthenticated
	case auth.Expired:
		return false, ReasonAuthExpired
	}

	if doc.Owner == auth.CurrentUser {
		return true, ""
	}

	if cache != nil {
		if level, ok := cache.CachedPermission(ctx, doc.Owner, doc.Permlink); ok && level.Valid() && level != NoAccess {
			return true, ""
		}
	}

	glog.V(2).Infof("permission: connection to %s refused for %s: %s", doc.Key(), auth.CurrentUser, ReasonNoPermission)
	return false, ReasonNoPermission
}

// StaticCache is a fixed in-memory Cache keyed by Descriptor.Key.
type StaticCache map[string]Level

func (c StaticCache) CachedPermission(_ context.Context, owner, permlink string) (Level, bool) {
	level, ok := c[owner+"/"+permlink]
	return level, ok
}
