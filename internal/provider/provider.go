// Package provider is the client side of document replication: a websocket
// transport that keeps a document.Store in sync with the relay.
//
// Connect performs the handshake synchronously (AUTH, SUBSCRIBE, then the
// first sync step); afterwards a read pump applies remote updates and a
// write pump forwards local transactions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/Dancode-188/synckit/docsync/internal/crdt"
	"github.com/Dancode-188/synckit/docsync/internal/document"
	"github.com/Dancode-188/synckit/docsync/internal/lifecycle"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
	"github.com/Dancode-188/synckit/docsync/internal/protocol"
)

var (
	ErrAuthRejected      = errors.New("provider: authentication rejected")
	ErrSubscribeRejected = errors.New("provider: subscription rejected")
	ErrNotConnected      = errors.New("provider: not connected")
	ErrDestroyed         = errors.New("provider: destroyed")
	ErrSendQueueFull     = errors.New("provider: send queue is full")
)

// TokenSource supplies the bearer token sent in the AUTH frame.
// *auth.TokenProvider satisfies it.
type TokenSource interface {
	Token() string
}

// Config holds provider settings
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	SendQueue        int
	// ClientID identifies this replica's presence; empty means a fresh ULID.
	ClientID string
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) *Config {
	return &Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		SendQueue:        256,
	}
}

// Provider replicates one document over one websocket.
type Provider struct {
	cfg      Config
	target   string
	store    *document.Store
	tokens   TokenSource
	clientID string
	dialer   *websocket.Dialer

	mu        sync.Mutex
	ws        *websocket.Conn
	send      chan []byte
	quit      chan struct{}
	done      chan struct{}
	offUpdate func()
	level     permission.Level
	account   string
	destroyed bool

	obsMu     sync.Mutex
	observers map[uint64]func(lifecycle.StatusEvent)
	nextObs   uint64

	awareness *Awareness
}

// New creates a provider for target ("owner/permlink") bound to store.
func New(cfg *Config, target string, store *document.Store, tokens TokenSource) *Provider {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	p := &Provider{
		cfg:       *cfg,
		target:    target,
		store:     store,
		tokens:    tokens,
		clientID:  cfg.ClientID,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		observers: make(map[uint64]func(lifecycle.StatusEvent)),
	}
	if p.clientID == "" {
		p.clientID = ulid.Make().String()
	}
	if p.cfg.SendQueue <= 0 {
		p.cfg.SendQueue = 256
	}
	p.awareness = newAwareness(p)
	return p
}

// Dialer returns a lifecycle dial function that builds providers for the
// document being opened.
func Dialer(cfg *Config, tokens TokenSource) func(ctx context.Context, store *document.Store) (lifecycle.Transport, error) {
	return func(ctx context.Context, store *document.Store) (lifecycle.Transport, error) {
		id := store.ID()
		if id == "" {
			return nil, document.ErrNoDocument
		}
		return New(cfg, id, store, tokens), nil
	}
}

// ClientID is this replica's presence id.
func (p *Provider) ClientID() string { return p.clientID }

// Target is the "owner/permlink" this provider replicates.
func (p *Provider) Target() string { return p.target }

// Level is the access level the relay granted, Unknown before subscribing.
func (p *Provider) Level() permission.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Account is the identity the relay authenticated.
func (p *Provider) Account() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// Awareness implements lifecycle.Transport.
func (p *Provider) Awareness() lifecycle.Awareness { return p.awareness }

// PresenceStates returns the remote presence states by client id.
func (p *Provider) PresenceStates() map[string]map[string]interface{} {
	return p.awareness.States()
}

// OnStatus implements lifecycle.Transport.
func (p *Provider) OnStatus(fn func(lifecycle.StatusEvent)) (off func()) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.nextObs++
	id := p.nextObs
	p.observers[id] = fn
	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

func (p *Provider) emit(status string) {
	p.obsMu.Lock()
	fns := make([]func(lifecycle.StatusEvent), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.Unlock()

	glog.V(2).Infof("provider: %s %s", p.target, status)
	for _, fn := range fns {
		fn(lifecycle.StatusEvent{Status: status})
	}
}

// Connect dials the relay and completes the handshake. It returns once the
// subscription is confirmed and the first sync step is sent.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.ws != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	doc := p.store.Doc()
	if doc == nil {
		return document.ErrNoDocument
	}

	p.emit(lifecycle.TransportConnecting)
	ws, level, account, err := p.handshake(ctx, doc)
	if err != nil {
		p.emit(lifecycle.TransportDisconnected)
		return err
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		ws.Close()
		p.emit(lifecycle.TransportDisconnected)
		return ErrDestroyed
	}
	p.ws = ws
	p.level = level
	p.account = account
	p.send = make(chan []byte, p.cfg.SendQueue)
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	send, quit, done := p.send, p.quit, p.done
	p.offUpdate = doc.OnUpdate(func(update []byte, origin crdt.Origin) {
		if origin.IsRemote() {
			return
		}
		if err := p.sendMessage(protocol.TypeUpdate, protocol.Payload{Document: p.target, Update: update}); err != nil {
			glog.Warningf("provider: %s dropped local update: %v", p.target, err)
		}
	})
	p.mu.Unlock()

	go p.writePump(ws, send, quit)
	go p.readPump(ws, doc, done)

	p.awareness.resend()
	p.emit(lifecycle.TransportConnected)
	glog.Infof("provider: %s connected as %s (%s)", p.target, account, level)
	return nil
}

// handshake runs AUTH, SUBSCRIBE and SYNC_STEP1 on a fresh socket. Writes
// here happen before the write pump starts.
func (p *Provider) handshake(ctx context.Context, doc *crdt.Doc) (*websocket.Conn, permission.Level, string, error) {
	ws, _, err := p.dialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		return nil, permission.Unknown, "", fmt.Errorf("dial %s: %w", p.cfg.URL, err)
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	fail := func(err error) (*websocket.Conn, permission.Level, string, error) {
		ws.Close()
		if ctx.Err() != nil {
			return nil, permission.Unknown, "", ctx.Err()
		}
		return nil, permission.Unknown, "", err
	}

	if p.cfg.HandshakeTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	}

	token := ""
	if p.tokens != nil {
		token = p.tokens.Token()
	}
	if err := writeFrame(ws, protocol.TypeAuth, protocol.Payload{Token: token, ClientID: p.clientID}); err != nil {
		return fail(err)
	}
	reply, err := readFrame(ws)
	if err != nil {
		return fail(err)
	}
	switch reply.Type {
	case protocol.TypeAuthSuccess:
	case protocol.TypeAuthError:
		return fail(fmt.Errorf("%w: %s", ErrAuthRejected, reply.Payload.Error))
	default:
		return fail(fmt.Errorf("provider: unexpected %s during auth", reply.Type))
	}
	account := reply.Payload.Account

	if err := writeFrame(ws, protocol.TypeSubscribe, protocol.Payload{Document: p.target}); err != nil {
		return fail(err)
	}
	reply, err = readFrame(ws)
	if err != nil {
		return fail(err)
	}
	switch reply.Type {
	case protocol.TypeSubscribed:
	case protocol.TypeError:
		return fail(fmt.Errorf("%w: %s: %s", ErrSubscribeRejected, reply.Payload.Code, reply.Payload.Error))
	default:
		return fail(fmt.Errorf("provider: unexpected %s during subscribe", reply.Type))
	}
	level := permission.NormalizeAccessType(reply.Payload.Level)

	sv, err := doc.EncodeStateVector()
	if err != nil {
		return fail(err)
	}
	if err := writeFrame(ws, protocol.TypeSyncStep1, protocol.Payload{Document: p.target, StateVector: sv}); err != nil {
		return fail(err)
	}

	ws.SetReadDeadline(time.Time{})
	return ws, level, account, nil
}

func writeFrame(ws *websocket.Conn, messageType string, payload protocol.Payload) error {
	data, err := protocol.NewMessage(messageType, payload).Encode()
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

func readFrame(ws *websocket.Conn) (*protocol.Message, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessage(data)
}

// sendMessage queues a frame for the write pump.
func (p *Provider) sendMessage(messageType string, payload protocol.Payload) error {
	data, err := protocol.NewMessage(messageType, payload).Encode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	send, quit := p.send, p.quit
	p.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}

	select {
	case <-quit:
		return ErrNotConnected
	default:
	}
	select {
	case send <- data:
		return nil
	case <-quit:
		return ErrNotConnected
	default:
		return ErrSendQueueFull
	}
}

func (p *Provider) writePump(ws *websocket.Conn, send <-chan []byte, quit <-chan struct{}) {
	defer ws.Close()
	for {
		select {
		case data := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				glog.V(2).Infof("provider: %s write failed: %v", p.target, err)
				return
			}
		case <-quit:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (p *Provider) readPump(ws *websocket.Conn, doc *crdt.Doc, done chan struct{}) {
	defer func() {
		p.detach(ws)
		close(done)
		p.emit(lifecycle.TransportDisconnected)
	}()

	for {
		msg, err := readFrame(ws)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("provider: %s connection lost: %v", p.target, err)
			}
			return
		}
		p.handle(doc, msg)
	}
}

func (p *Provider) handle(doc *crdt.Doc, msg *protocol.Message) {
	if msg.Payload.Document != "" && msg.Payload.Document != p.target {
		return
	}
	switch msg.Type {
	case protocol.TypeSyncStep1:
		update, err := doc.EncodeStateAsUpdate(msg.Payload.StateVector)
		if err != nil {
			glog.Warningf("provider: %s bad state vector: %v", p.target, err)
			return
		}
		p.sendMessage(protocol.TypeSyncStep2, protocol.Payload{Document: p.target, Update: update})

	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		if len(msg.Payload.Update) == 0 {
			return
		}
		if err := doc.ApplyUpdate(msg.Payload.Update, crdt.OriginRemote); err != nil {
			glog.Warningf("provider: %s rejected remote update: %v", p.target, err)
		}

	case protocol.TypeAwarenessState:
		p.awareness.apply(msg.Payload)

	case protocol.TypeSubscribed:
		level := permission.NormalizeAccessType(msg.Payload.Level)
		p.mu.Lock()
		p.level = level
		p.mu.Unlock()
		glog.Infof("provider: %s level changed to %s", p.target, level)

	case protocol.TypeError:
		glog.Warningf("provider: %s relay error %s: %s", p.target, msg.Payload.Code, msg.Payload.Error)
		if msg.Payload.Code == protocol.CodeAccessDenied {
			p.mu.Lock()
			p.level = permission.NoAccess
			p.mu.Unlock()
		}

	case protocol.TypePong:
	}
}

// detach drops connection state once the socket is gone.
func (p *Provider) detach(ws *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ws != ws {
		return
	}
	if p.offUpdate != nil {
		p.offUpdate()
		p.offUpdate = nil
	}
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}
	p.ws = nil
	p.send = nil
	p.awareness.reset()
}

// Disconnect closes the socket. The disconnected status is reported once
// the read pump has exited; with no live socket it is reported at once.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	ws, quit := p.ws, p.quit
	if ws == nil {
		p.mu.Unlock()
		p.emit(lifecycle.TransportDisconnected)
		return nil
	}
	select {
	case <-quit:
	default:
		close(quit)
	}
	p.mu.Unlock()

	// The write pump sends a close frame; if the relay never answers the
	// read deadline ends the read pump.
	ws.SetReadDeadline(time.Now().Add(writeWait))
	return nil
}

// Destroy releases the provider. It is idempotent.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	ws, done := p.ws, p.done
	p.mu.Unlock()

	if ws != nil {
		p.Disconnect()
		select {
		case <-done:
		case <-time.After(writeWait):
			ws.Close()
		}
	}

	p.obsMu.Lock()
	p.observers = make(map[uint64]func(lifecycle.StatusEvent))
	p.obsMu.Unlock()
}

// IsConnected reports whether the socket is live.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws != nil
}

const writeWait = 5 * time.Second
