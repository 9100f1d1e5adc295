package websocket

import (
	"github.com/golang/glog"

	"github.com/Dancode-188/synckit/docsync/internal/crdt"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
	"github.com/Dancode-188/synckit/docsync/internal/protocol"
	"github.com/Dancode-188/synckit/docsync/internal/security"
	"github.com/Dancode-188/synckit/docsync/internal/storage"
)

// room is the relay's replica of one document and its subscribers.
type room struct {
	key      string
	owner    string
	permlink string
	doc      *crdt.Doc
	dirty    bool

	subscribers map[string]*Connection
	// awareness maps presence client id to its last state.
	awareness map[string]map[string]interface{}
}

func (h *Hub) handleSubscribe(conn *Connection, msg *protocol.Message) {
	key := msg.Payload.Document
	owner, permlink, err := permission.ParseKey(key)
	if err != nil {
		conn.SendError(protocol.CodeInvalidMessage, key, "Document must be owner/permlink")
		return
	}
	if ok, reason := security.ValidateDescriptor(owner, permlink); !ok {
		conn.SendError(protocol.CodeInvalidMessage, key, reason)
		return
	}

	ctx, cancel := h.storageCtx()
	level, err := h.ResolveLevel(ctx, conn.Account, owner, permlink)
	cancel()
	if err != nil {
		glog.Errorf("websocket: resolve %s for %s: %v", key, conn.Account, err)
		conn.SendError(protocol.CodeInternal, key, "Could not resolve permissions")
		return
	}
	if !permission.CanView(level) {
		conn.SendError(protocol.CodeAccessDenied, key, "No access to document")
		return
	}

	r, code, err := h.openRoom(conn, owner, permlink)
	if err != nil {
		glog.Warningf("websocket: open %s for %s: %v", key, conn.Account, err)
		conn.SendError(code, key, err.Error())
		return
	}

	r.subscribers[conn.ID] = conn
	conn.Subscriptions[key] = level

	conn.SendMessage(protocol.TypeSubscribed, protocol.Payload{ID: msg.Payload.ID, Document: key, Level: level.String()})
	if sv, err := r.doc.EncodeStateVector(); err == nil {
		conn.SendMessage(protocol.TypeSyncStep1, protocol.Payload{Document: key, StateVector: sv})
	}
	if len(r.awareness) > 0 {
		states := make(map[string]map[string]interface{}, len(r.awareness))
		for id, state := range r.awareness {
			states[id] = state
		}
		conn.SendMessage(protocol.TypeAwarenessState, protocol.Payload{Document: key, States: states})
	}
	glog.V(2).Infof("websocket: %s subscribed to %s as %s", conn.Account, key, level)
}

type roomError string

func (e roomError) Error() string { return string(e) }

// openRoom returns the loaded room for owner/permlink, loading it from
// storage on first use. A document absent from storage counts against the
// caller's creation limit.
func (h *Hub) openRoom(conn *Connection, owner, permlink string) (*room, string, error) {
	key := owner + "/" + permlink
	if r, ok := h.rooms[key]; ok {
		return r, "", nil
	}

	ctx, cancel := h.storageCtx()
	defer cancel()

	rec, err := h.opts.Storage.GetDocument(ctx, owner, permlink)
	if err != nil {
		return nil, protocol.CodeInternal, err
	}

	doc := crdt.NewDoc(crdt.WithGUID(key), crdt.WithClientID(h.relayID))
	if rec != nil {
		if err := doc.ApplyUpdate(rec.State, crdt.OriginLoad); err != nil {
			doc.Destroy()
			return nil, protocol.CodeInternal, err
		}
	} else if sm := h.opts.Security; sm != nil {
		if ok, reason := sm.DocumentLimiter.CanCreateDocument(conn.ClientIP); !ok {
			doc.Destroy()
			return nil, protocol.CodeRateLimited, roomError(reason)
		}
		sm.DocumentLimiter.RecordDocument(conn.ClientIP)
	}

	r := &room{
		key:         key,
		owner:       owner,
		permlink:    permlink,
		doc:         doc,
		subscribers: make(map[string]*Connection),
		awareness:   make(map[string]map[string]interface{}),
	}
	h.rooms[key] = r
	h.roomCount.Add(1)

	if ps := h.opts.PubSub; ps != nil {
		err := ps.SubscribeToDocument(ctx, key, func(env storage.DocumentEnvelope) {
			if env.Origin == h.relayID {
				return
			}
			select {
			case h.remote <- remoteFrame{document: key, frame: env.Frame}:
			case <-h.done:
			}
		})
		if err != nil {
			glog.Warningf("websocket: fan-out for %s unavailable: %v", key, err)
		}
	}
	return r, "", nil
}

func (h *Hub) handleSyncStep1(conn *Connection, msg *protocol.Message) {
	key := msg.Payload.Document
	if _, ok := conn.Subscriptions[key]; !ok {
		conn.SendError(protocol.CodeNotSubscribed, key, "Not subscribed")
		return
	}
	r := h.rooms[key]
	update, err := r.doc.EncodeStateAsUpdate(msg.Payload.StateVector)
	if err != nil {
		conn.SendError(protocol.CodeInvalidMessage, key, "Invalid state vector")
		return
	}
	conn.SendMessage(protocol.TypeSyncStep2, protocol.Payload{Document: key, Update: update})
}

// handleUpdate applies an UPDATE or SYNC_STEP2 from a peer.
func (h *Hub) handleUpdate(conn *Connection, msg *protocol.Message) {
	key := msg.Payload.Document
	level, ok := conn.Subscriptions[key]
	if !ok {
		conn.SendError(protocol.CodeNotSubscribed, key, "Not subscribed")
		return
	}
	if len(msg.Payload.Update) == 0 {
		return
	}
	if !permission.CanEdit(level) {
		conn.SendError(protocol.CodeReadOnly, key, "Read-only access")
		return
	}

	r := h.rooms[key]
	if err := r.doc.ApplyUpdate(msg.Payload.Update, crdt.OriginRemote); err != nil {
		conn.SendError(protocol.CodeInvalidMessage, key, "Invalid update")
		return
	}
	r.dirty = true

	out := protocol.NewMessage(protocol.TypeUpdate, protocol.Payload{Document: key, Update: msg.Payload.Update})
	h.broadcast(r, out, conn.ID)
	h.publish(key, out)
}

func (h *Hub) handleAwareness(conn *Connection, msg *protocol.Message) {
	key := msg.Payload.Document
	if _, ok := conn.Subscriptions[key]; !ok {
		conn.SendError(protocol.CodeNotSubscribed, key, "Not subscribed")
		return
	}
	r := h.rooms[key]
	if msg.Payload.State == nil {
		delete(r.awareness, conn.ClientID)
	} else {
		r.awareness[conn.ClientID] = msg.Payload.State
	}

	out := protocol.NewMessage(protocol.TypeAwarenessState, protocol.Payload{
		Document: key,
		ClientID: conn.ClientID,
		State:    msg.Payload.State,
	})
	h.broadcast(r, out, conn.ID)
	h.publish(key, out)
}

// leave removes conn from the room at key, clearing its presence and
// closing the room when it empties.
func (h *Hub) leave(conn *Connection, key string) {
	delete(conn.Subscriptions, key)
	r, ok := h.rooms[key]
	if !ok {
		return
	}
	delete(r.subscribers, conn.ID)

	if _, present := r.awareness[conn.ClientID]; present {
		delete(r.awareness, conn.ClientID)
		out := protocol.NewMessage(protocol.TypeAwarenessState, protocol.Payload{Document: key, ClientID: conn.ClientID})
		h.broadcast(r, out, conn.ID)
		h.publish(key, out)
	}

	if len(r.subscribers) == 0 {
		h.closeRoom(r)
	}
}

func (h *Hub) closeRoom(r *room) {
	h.persist(r)
	if ps := h.opts.PubSub; ps != nil {
		ctx, cancel := h.storageCtx()
		ps.UnsubscribeFromDocument(ctx, r.key)
		cancel()
	}
	r.doc.Destroy()
	delete(h.rooms, r.key)
	h.roomCount.Add(-1)
	glog.V(2).Infof("websocket: room %s closed", r.key)
}

// handleRemote applies a frame published by another relay.
func (h *Hub) handleRemote(rf remoteFrame) {
	r, ok := h.rooms[rf.document]
	if !ok {
		return
	}
	msg, err := protocol.DecodeMessage(rf.frame)
	if err != nil {
		glog.Warningf("websocket: bad remote frame for %s: %v", rf.document, err)
		return
	}

	switch msg.Type {
	case protocol.TypeUpdate:
		if err := r.doc.ApplyUpdate(msg.Payload.Update, crdt.OriginRemote); err != nil {
			glog.Warningf("websocket: bad remote update for %s: %v", rf.document, err)
			return
		}
	case protocol.TypeAwarenessState:
		if msg.Payload.State == nil {
			delete(r.awareness, msg.Payload.ClientID)
		} else {
			r.awareness[msg.Payload.ClientID] = msg.Payload.State
		}
	default:
		return
	}
	h.broadcast(r, msg, "")
}

// revalidate re-resolves the level of every local subscriber affected by
// change, dropping those who lost access.
func (h *Hub) revalidate(change storage.PermissionChange) {
	key := change.Owner + "/" + change.Permlink
	r, ok := h.rooms[key]
	if !ok {
		return
	}

	for _, conn := range r.subscribers {
		if change.Account != "" && conn.Account != change.Account {
			continue
		}
		ctx, cancel := h.storageCtx()
		level, err := h.ResolveLevel(ctx, conn.Account, change.Owner, change.Permlink)
		cancel()
		if err != nil {
			glog.Errorf("websocket: revalidate %s for %s: %v", key, conn.Account, err)
			continue
		}
		if !permission.CanView(level) {
			h.leave(conn, key)
			conn.SendError(protocol.CodeAccessDenied, key, "Access revoked")
			continue
		}
		if conn.Subscriptions[key] != level {
			conn.Subscriptions[key] = level
			conn.SendMessage(protocol.TypeSubscribed, protocol.Payload{Document: key, Level: level.String()})
		}
	}
}

func (h *Hub) broadcast(r *room, msg *protocol.Message, exceptID string) {
	data, err := msg.Encode()
	if err != nil {
		glog.Errorf("websocket: encode %s: %v", msg.Type, err)
		return
	}
	for id, conn := range r.subscribers {
		if id == exceptID {
			continue
		}
		if err := conn.sendRaw(data); err != nil {
			glog.Warningf("websocket: drop %s to %s: %v", msg.Type, id, err)
		}
	}
}

func (h *Hub) publish(key string, msg *protocol.Message) {
	ps := h.opts.PubSub
	if ps == nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	ctx, cancel := h.storageCtx()
	defer cancel()
	if err := ps.PublishDocument(ctx, key, storage.DocumentEnvelope{Origin: h.relayID, Frame: data}); err != nil {
		glog.Warningf("websocket: publish %s: %v", key, err)
	}
}

func (h *Hub) persist(r *room) {
	if !r.dirty {
		return
	}
	state, err := r.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		glog.Errorf("websocket: encode %s: %v", r.key, err)
		return
	}
	if sm := h.opts.Security; sm != nil && len(state) > sm.Limits.MaxDocumentSize {
		glog.Errorf("websocket: %s exceeds %d bytes, not persisted", r.key, sm.Limits.MaxDocumentSize)
		return
	}

	ctx, cancel := h.storageCtx()
	defer cancel()
	if _, err := h.opts.Storage.SaveDocument(ctx, r.owner, r.permlink, state); err != nil {
		glog.Errorf("websocket: persist %s: %v", r.key, err)
		return
	}
	r.dirty = false
}

func (h *Hub) flush() {
	for _, r := range h.rooms {
		h.persist(r)
	}
}

func (h *Hub) cleanupSessions() {
	ctx, cancel := h.storageCtx()
	defer cancel()
	result, err := h.opts.Storage.Cleanup(ctx, nil)
	if err != nil {
		glog.Warningf("websocket: session cleanup: %v", err)
		return
	}
	if result.SessionsDeleted > 0 {
		glog.Infof("websocket: removed %d stale sessions", result.SessionsDeleted)
	}
}
