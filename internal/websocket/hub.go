// Package websocket is the relay: it terminates peer sockets, keeps one
// replica per open document, and fans updates out to subscribers, to other
// relays over Redis, and to storage.
//
// All room and subscription state is owned by the goroutine running
// Hub.Run; pumps and Redis handlers talk to it through channels.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/Dancode-188/synckit/docsync/internal/auth"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
	"github.com/Dancode-188/synckit/docsync/internal/protocol"
	"github.com/Dancode-188/synckit/docsync/internal/security"
	"github.com/Dancode-188/synckit/docsync/internal/storage"
)

// Options wires a Hub to its collaborators. Cache, PubSub and Security are
// optional.
type Options struct {
	JWTSecret       string
	Storage         storage.StorageAdapter
	Cache           *storage.PermissionCache
	PubSub          *storage.RedisPubSub
	Security        *security.SecurityManager
	PersistInterval time.Duration
	CleanupInterval time.Duration
}

// Hub maintains active connections and open document rooms.
type Hub struct {
	opts    Options
	relayID string
	ctx     context.Context

	// Registered connections
	connections map[string]*Connection
	mu          sync.RWMutex

	// Hub goroutine only.
	rooms     map[string]*room
	roomCount atomic.Int64

	// Channels
	Register          chan *Connection
	Unregister        chan *Connection
	HandleMessage     chan *MessageEvent
	remote            chan remoteFrame
	permissionChanges chan storage.PermissionChange
	done              chan struct{}
}

// MessageEvent represents a message from a connection
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

type remoteFrame struct {
	document string
	frame    []byte
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	RelayID     string `json:"relayId"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

const storageTimeout = 5 * time.Second

// NewHub creates a new Hub
func NewHub(opts Options) *Hub {
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = 5 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	return &Hub{
		opts:              opts,
		relayID:           ulid.Make().String(),
		ctx:               context.Background(),
		connections:       make(map[string]*Connection),
		rooms:             make(map[string]*room),
		Register:          make(chan *Connection),
		Unregister:        make(chan *Connection),
		HandleMessage:     make(chan *MessageEvent, 256),
		remote:            make(chan remoteFrame, 256),
		permissionChanges: make(chan storage.PermissionChange, 64),
		done:              make(chan struct{}),
	}
}

// RelayID identifies this relay on the Redis channels.
func (h *Hub) RelayID() string { return h.relayID }

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Stats returns connection and room counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		RelayID:     h.relayID,
		Connections: len(h.connections),
		Rooms:       int(h.roomCount.Load()),
	}
}

// PermissionChanged asks the hub to re-check subscribers affected by a
// permission edit. Safe to call from any goroutine.
func (h *Hub) PermissionChanged(change storage.PermissionChange) {
	select {
	case h.permissionChanges <- change:
	case <-h.done:
	}
}

// Run processes hub events until ctx is cancelled, then persists dirty
// rooms and closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.ctx = ctx
	defer close(h.done)

	h.startFanOut(ctx)

	persist := time.NewTicker(h.opts.PersistInterval)
	defer persist.Stop()
	cleanup := time.NewTicker(h.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			glog.V(2).Infof("websocket: %s registered from %s", conn.ID, conn.ClientIP)

		case conn := <-h.Unregister:
			h.unregister(conn)

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)

		case rf := <-h.remote:
			h.handleRemote(rf)

		case change := <-h.permissionChanges:
			h.revalidate(change)

		case <-persist.C:
			h.flush()

		case <-cleanup.C:
			h.cleanupSessions()
		}
	}
}

func (h *Hub) storageCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(h.ctx), storageTimeout)
}

// startFanOut subscribes to the relay-wide Redis channels.
func (h *Hub) startFanOut(ctx context.Context) {
	ps := h.opts.PubSub
	if ps == nil {
		return
	}

	err := ps.SubscribeToBroadcast(ctx, func(event string, data json.RawMessage) {
		if event != storage.EventPermissionChanged {
			return
		}
		var change storage.PermissionChange
		if err := json.Unmarshal(data, &change); err != nil {
			glog.Warningf("websocket: bad permission change: %v", err)
			return
		}
		h.PermissionChanged(change)
	})
	if err != nil {
		glog.Errorf("websocket: broadcast subscription failed: %v", err)
	}

	err = ps.SubscribeToPresence(ctx, func(event, serverID string, _ map[string]interface{}) {
		if serverID != h.relayID {
			glog.Infof("websocket: relay %s is %s", serverID, event)
		}
	})
	if err != nil {
		glog.Errorf("websocket: presence subscription failed: %v", err)
	}

	if err := ps.AnnouncePresence(ctx, h.relayID, nil); err != nil {
		glog.Warningf("websocket: announce presence: %v", err)
	}
}

func (h *Hub) shutdown() {
	h.flush()

	h.mu.Lock()
	for id, conn := range h.connections {
		conn.close()
		delete(h.connections, id)
	}
	h.mu.Unlock()

	if ps := h.opts.PubSub; ps != nil {
		ctx, cancel := h.storageCtx()
		defer cancel()
		for key := range h.rooms {
			ps.UnsubscribeFromDocument(ctx, key)
		}
		if err := ps.AnnounceShutdown(ctx, h.relayID); err != nil {
			glog.Warningf("websocket: announce shutdown: %v", err)
		}
	}
	h.rooms = make(map[string]*room)
	h.roomCount.Store(0)
	glog.Infof("websocket: hub %s stopped", h.relayID)
}

func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	delete(h.connections, conn.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	for key := range conn.Subscriptions {
		h.leave(conn, key)
	}
	conn.close()

	if conn.Authenticated {
		ctx, cancel := h.storageCtx()
		defer cancel()
		if _, err := h.opts.Storage.DeleteSession(ctx, conn.ID); err != nil {
			glog.Warningf("websocket: delete session %s: %v", conn.ID, err)
		}
	}
	glog.V(2).Infof("websocket: %s unregistered", conn.ID)
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		conn.SendMessage(protocol.TypePong, protocol.Payload{ID: msg.Payload.ID})
		if conn.Authenticated {
			h.touchSession(conn)
		}
		return

	case protocol.TypeAuth:
		h.handleAuth(conn, msg)
		return
	}

	if !conn.Authenticated {
		conn.SendError(protocol.CodeAuthRequired, msg.Payload.Document, "Authenticate first")
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		h.handleSubscribe(conn, msg)
	case protocol.TypeUnsubscribe:
		if _, ok := conn.Subscriptions[msg.Payload.Document]; ok {
			h.leave(conn, msg.Payload.Document)
		}
	case protocol.TypeSyncStep1:
		h.handleSyncStep1(conn, msg)
	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		h.handleUpdate(conn, msg)
	case protocol.TypeAwarenessUpdate:
		h.handleAwareness(conn, msg)
	}
}

func (h *Hub) handleAuth(conn *Connection, msg *protocol.Message) {
	claims, err := auth.VerifyToken(msg.Payload.Token, h.opts.JWTSecret)
	if err != nil {
		text := "Invalid or expired token"
		if errors.Is(err, auth.ErrExpiredToken) {
			text = "Token expired"
		}
		conn.SendMessage(protocol.TypeAuthError, protocol.Payload{
			ID:    msg.Payload.ID,
			Code:  protocol.CodeAuthRequired,
			Error: text,
		})
		return
	}

	if conn.Authenticated && conn.Account != claims.Account {
		for key := range conn.Subscriptions {
			h.leave(conn, key)
		}
	}
	first := !conn.Authenticated
	conn.Authenticated = true
	conn.Account = claims.Account
	conn.ClientID = msg.Payload.ClientID
	if conn.ClientID == "" {
		conn.ClientID = ulid.Make().String()
	}

	if first {
		h.saveSession(conn)
	}

	conn.SendMessage(protocol.TypeAuthSuccess, protocol.Payload{
		ID:       msg.Payload.ID,
		Account:  conn.Account,
		ClientID: conn.ClientID,
	})
}

func (h *Hub) saveSession(conn *Connection) {
	ctx, cancel := h.storageCtx()
	defer cancel()
	_, err := h.opts.Storage.SaveSession(ctx, &storage.SessionEntry{
		ID:       conn.ID,
		Account:  conn.Account,
		ClientID: conn.ClientID,
		Metadata: map[string]interface{}{"ip": conn.ClientIP, "relay": h.relayID},
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		glog.Warningf("websocket: save session %s: %v", conn.ID, err)
	}
}

// touchSession records a heartbeat, recreating the session row if the
// stale-session sweep removed it.
func (h *Hub) touchSession(conn *Connection) {
	ctx, cancel := h.storageCtx()
	err := h.opts.Storage.UpdateSession(ctx, conn.ID, time.Now())
	cancel()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.saveSession(conn)
	case err != nil:
		glog.V(2).Infof("websocket: touch session %s: %v", conn.ID, err)
	}
}

// ResolveLevel computes account's level on owner/permlink from the cache,
// falling back to the stored permission list.
func (h *Hub) ResolveLevel(ctx context.Context, account, owner, permlink string) (permission.Level, error) {
	return resolveLevel(ctx, h.opts.Storage, h.opts.Cache, account, owner, permlink)
}

func resolveLevel(ctx context.Context, store storage.StorageAdapter, cache *storage.PermissionCache, account, owner, permlink string) (permission.Level, error) {
	in := permission.Input{
		Document: permission.Descriptor{
			Owner:    owner,
			Permlink: permlink,
			Kind:     permission.KindCollaborative,
		},
		CurrentUser:   account,
		Authenticated: true,
	}

	if account != owner && cache != nil {
		level, ok, err := cache.Get(ctx, account, owner, permlink)
		if err != nil {
			glog.Warningf("websocket: permission cache read failed: %v", err)
		} else if ok {
			in.Document.PermissionLevel = level
			return permission.DeterminePermissionLevel(in), nil
		}
	}

	if account != owner {
		entries, err := store.GetPermissions(ctx, owner, permlink)
		if err != nil {
			return permission.Unknown, err
		}
		in.Permissions = entries
	}
	level := permission.DeterminePermissionLevel(in)

	if cache != nil {
		if err := cache.Set(ctx, account, owner, permlink, level); err != nil {
			glog.Warningf("websocket: permission cache write failed: %v", err)
		}
	}
	return level, nil
}
