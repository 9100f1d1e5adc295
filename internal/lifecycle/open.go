package lifecycle

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/Dancode-188/synckit/docsync/internal/document"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

// OpenRequest describes a document session to open.
type OpenRequest struct {
	Document permission.Descriptor
	Auth     permission.AuthProvider
	Cache    permission.Cache

	// Permissions and CollaborativeDocs are whatever the caller already
	// knows; both may be empty.
	Permissions       []permission.Entry
	CollaborativeDocs []permission.CollaborativeDoc

	// State is persisted document state to restore, if any.
	State []byte

	// Dial builds the replication transport for a collaborative document
	// bound to store. Required for collaborative documents.
	Dial func(ctx context.Context, store *document.Store) (Transport, error)

	Source string
}

// OpenResult is what Open installed.
type OpenResult struct {
	Store      *document.Store
	Level      permission.Level
	Connection Transport
}

// Open runs the pre-flight checks for req and installs its document and,
// for collaborative documents, its connection. Denials wrap ErrAccessDenied.
//
// Reopening the installed document without new State reuses it and keeps
// its live connection. Anything else tears down the old connection before
// the old document.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	desc := req.Document
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	var auth permission.Auth
	if req.Auth != nil {
		auth = req.Auth.Snapshot()
	}

	if desc.Kind == permission.KindCollaborative {
		if ok, reason := permission.CanAttemptConnection(ctx, desc, auth, req.Cache); !ok {
			return nil, fmt.Errorf("%w: %s: %s", ErrAccessDenied, desc.Key(), reason)
		}
		if !desc.PermissionLevel.Valid() && req.Cache != nil {
			if level, ok := req.Cache.CachedPermission(ctx, desc.Owner, desc.Permlink); ok {
				desc.PermissionLevel = level
			}
		}
	}

	level := permission.DeterminePermissionLevel(permission.Input{
		Document:          desc,
		CurrentUser:       auth.CurrentUser,
		Authenticated:     auth.Authenticated && !auth.Expired,
		Permissions:       req.Permissions,
		CollaborativeDocs: req.CollaborativeDocs,
	})
	if !permission.CanView(level) {
		return nil, fmt.Errorf("%w: %s: level %s", ErrAccessDenied, desc.Key(), level)
	}

	source := req.Source
	if source == "" {
		source = "open"
	}

	store, reused := m.Document().(*document.Store)
	reused = reused && store.ID() == desc.Key() && store.IsValid() && len(req.State) == 0
	if reused {
		glog.V(2).Infof("lifecycle: reopening %s on the installed document", desc.Key())
	} else {
		// The connection is bound to the installed document, so it goes
		// first even when the target is unchanged.
		if err := m.CleanupConnection(ctx, source); err != nil {
			glog.Warningf("lifecycle: open %s: previous connection: %v", desc.Key(), err)
		}
		var err error
		if store, err = newStore(desc, req.State); err != nil {
			return nil, fmt.Errorf("open %s: %w", desc.Key(), err)
		}
		m.SetDocument(store, source)
	}

	res := &OpenResult{Store: store, Level: level}
	if desc.Kind != permission.KindCollaborative {
		return res, nil
	}
	if req.Dial == nil {
		return res, fmt.Errorf("open %s: %w", desc.Key(), ErrNoTransport)
	}

	conn, err := m.SetConnection(ctx, Pending(desc.Key(), func(ctx context.Context) (Transport, error) {
		return req.Dial(ctx, store)
	}), source)
	if err != nil {
		return res, err
	}
	res.Connection = conn
	glog.Infof("lifecycle: opened %s as %s", desc.Key(), level)
	return res, nil
}

func newStore(desc permission.Descriptor, state []byte) (*document.Store, error) {
	store := document.NewStore()
	var err error
	switch {
	case len(state) > 0:
		_, err = store.LoadState(desc.Key(), state)
	case desc.Kind == permission.KindCollaborative:
		// Filled from the relay replica during sync.
		_, err = store.LoadState(desc.Key(), nil)
	default:
		_, err = store.Create(desc.Key())
	}
	if err != nil {
		store.Destroy()
		return nil, err
	}
	return store, nil
}
