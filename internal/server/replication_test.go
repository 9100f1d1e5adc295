package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Dancode-188/synckit/docsync/internal/auth"
	"github.com/Dancode-188/synckit/docsync/internal/lifecycle"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
	"github.com/Dancode-188/synckit/docsync/internal/provider"
	"github.com/Dancode-188/synckit/docsync/internal/storage"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// session opens alice/notes for account against the relay at ts the way
// an editor would: pre-flight gate, document, then provider.
func session(t *testing.T, ts *httptest.Server, account string, cache permission.Cache) (*lifecycle.OpenResult, *provider.Provider) {
	t.Helper()
	tokens := auth.NewTokenProvider(testSecret)
	tokens.SetToken(token(t, account))

	m := lifecycle.New(nil)
	t.Cleanup(func() { m.CleanupAll(context.Background(), "test") })

	res, err := m.Open(context.Background(), lifecycle.OpenRequest{
		Document: permission.Descriptor{Owner: "alice", Permlink: "notes", Kind: permission.KindCollaborative},
		Auth:     tokens,
		Cache:    cache,
		Dial:     provider.Dialer(provider.DefaultConfig(wsURL(ts)), tokens),
		Source:   account,
	})
	if err != nil {
		t.Fatalf("Open(%s) error = %v", account, err)
	}
	return res, res.Connection.(*provider.Provider)
}

func TestReplicationAcrossRelays(t *testing.T) {
	mr := miniredis.RunT(t)
	store := openStorage(t)

	_, relayA := startRelay(t, redisDeps(t, mr, store))
	_, relayB := startRelay(t, redisDeps(t, mr, store))

	aliceDoc, alice := session(t, relayA, "alice", nil)
	if alice.Level() != permission.Owner {
		t.Errorf("alice level = %v, want owner", alice.Level())
	}

	grant(t, relayA, "bob", "editable")

	viewCache, err := storage.NewPermissionCache("redis://"+mr.Addr(), "docsync:", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer viewCache.Close()

	// Nothing cached yet: the gate refuses before dialing.
	m := lifecycle.New(nil)
	_, err = m.Open(context.Background(), lifecycle.OpenRequest{
		Document: permission.Descriptor{Owner: "alice", Permlink: "notes", Kind: permission.KindCollaborative},
		Auth:     staticAuth("bob"),
		Cache:    viewCache.ForAccount("bob"),
	})
	if err == nil {
		t.Fatal("Open() without a cached permission succeeded")
	}

	// Checking permissions through the API fills the shared cache.
	var resp PermissionResponse
	if status := apiRequest(t, relayB, http.MethodGet, "/api/permissions?owner=alice&permlink=notes", "bob", nil, &resp); status != http.StatusOK {
		t.Fatalf("GET permissions status = %d", status)
	}

	bobDoc, bob := session(t, relayB, "bob", viewCache.ForAccount("bob"))
	if bobDoc.Level != permission.Editable || bob.Level() != permission.Editable {
		t.Errorf("bob levels = %v / %v, want editable", bobDoc.Level, bob.Level())
	}

	t.Run("owner edit reaches the other relay", func(t *testing.T) {
		if err := aliceDoc.Store.UpdateMetadata("title", "shared"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "bob's title", func() bool {
			v, _ := bobDoc.Store.GetMetadata("title")
			return v == "shared"
		})
	})

	t.Run("grantee edit comes back", func(t *testing.T) {
		if err := bobDoc.Store.UpdateMetadata("summary", "from bob"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "alice's summary", func() bool {
			v, _ := aliceDoc.Store.GetMetadata("summary")
			return v == "from bob"
		})
	})

	t.Run("presence crosses relays", func(t *testing.T) {
		bob.Awareness().SetLocalState(map[string]interface{}{"name": "bob"})
		waitFor(t, "bob's presence", func() bool {
			state, ok := alice.PresenceStates()[bob.ClientID()]
			return ok && state["name"] == "bob"
		})
	})

	t.Run("downgrade reaches the other relay", func(t *testing.T) {
		grant(t, relayA, "bob", "readonly")
		waitFor(t, "bob's readonly level", func() bool { return bob.Level() == permission.Readonly })
	})
}

type staticAuth string

func (a staticAuth) Snapshot() permission.Auth {
	return permission.Auth{CurrentUser: string(a), Authenticated: true}
}
