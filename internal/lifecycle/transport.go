package lifecycle

import "context"

// Status strings a Transport reports through OnStatus.
const (
	TransportConnecting   = "connecting"
	TransportConnected    = "connected"
	TransportDisconnected = "disconnected"
)

// StatusEvent is what a Transport emits when its connection state changes.
type StatusEvent struct {
	Status string
}

// Awareness is the presence channel riding on a connection.
type Awareness interface {
	// SetLocalState publishes this client's presence; nil clears it.
	SetLocalState(state map[string]interface{})
}

// Transport is a replication connection. The Manager only sequences its
// lifecycle; it never looks inside.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Destroy()
	OnStatus(fn func(StatusEvent)) (off func())
	// Awareness may return nil for transports without presence.
	Awareness() Awareness
}

// Document is the per-session document instance owned by the Manager.
// *document.Store satisfies it.
type Document interface {
	ID() string
	IsValid() bool
	Destroy()
}

// mergeableDocument is implemented by documents that can hand their state
// to a replacement during UpgradeDocument.
type mergeableDocument interface {
	Document
	IsEmpty() bool
	EncodeState() ([]byte, error)
	ApplyRemote(update []byte) error
}

// Handler is an auxiliary object bound to the session, such as an editor
// binding, torn down before the connection and document.
type Handler interface {
	Destroy()
}

// PendingConnection is a connection handed to SetConnection, either already
// built or still to be created.
type PendingConnection struct {
	Target   string
	resolved Transport
	create   func(ctx context.Context) (Transport, error)
}

// Resolved wraps an already constructed transport for target.
func Resolved(target string, t Transport) PendingConnection {
	return PendingConnection{Target: target, resolved: t}
}

// Pending wraps a factory that builds the transport for target.
func Pending(target string, create func(ctx context.Context) (Transport, error)) PendingConnection {
	return PendingConnection{Target: target, create: create}
}

func (p PendingConnection) resolve(ctx context.Context) (Transport, error) {
	if p.resolved != nil {
		return p.resolved, nil
	}
	if p.create == nil {
		return nil, ErrNoTransport
	}
	return p.create(ctx)
}

// discard destroys a resolved transport the Manager decided not to adopt.
func (p PendingConnection) discard(keep Transport) {
	if p.resolved != nil && p.resolved != keep {
		p.resolved.Destroy()
	}
}
