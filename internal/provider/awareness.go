package provider

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/Dancode-188/synckit/docsync/internal/protocol"
)

// Awareness is the presence channel of a Provider. The local state is kept
// across reconnects and re-announced after each handshake.
type Awareness struct {
	p *Provider

	mu     sync.Mutex
	local  map[string]interface{}
	states map[string]map[string]interface{}
}

func newAwareness(p *Provider) *Awareness {
	return &Awareness{p: p, states: make(map[string]map[string]interface{})}
}

// SetLocalState publishes this client's presence; nil clears it.
func (a *Awareness) SetLocalState(state map[string]interface{}) {
	a.mu.Lock()
	a.local = state
	a.mu.Unlock()

	err := a.p.sendMessage(protocol.TypeAwarenessUpdate, protocol.Payload{
		Document: a.p.target,
		ClientID: a.p.clientID,
		State:    state,
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		glog.Warningf("provider: %s awareness update dropped: %v", a.p.target, err)
	}
}

// LocalState returns the last state passed to SetLocalState.
func (a *Awareness) LocalState() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// States returns a copy of the remote states by client id.
func (a *Awareness) States() map[string]map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]map[string]interface{}, len(a.states))
	for id, state := range a.states {
		out[id] = state
	}
	return out
}

func (a *Awareness) resend() {
	a.mu.Lock()
	local := a.local
	a.mu.Unlock()
	if local != nil {
		a.p.sendMessage(protocol.TypeAwarenessUpdate, protocol.Payload{
			Document: a.p.target,
			ClientID: a.p.clientID,
			State:    local,
		})
	}
}

// apply merges an AWARENESS_STATE frame: a full States snapshot or a single
// ClientID change, where a nil State is a removal.
func (a *Awareness) apply(payload protocol.Payload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if payload.States != nil {
		a.states = make(map[string]map[string]interface{}, len(payload.States))
		for id, state := range payload.States {
			if id != a.p.clientID {
				a.states[id] = state
			}
		}
		return
	}
	if payload.ClientID == "" || payload.ClientID == a.p.clientID {
		return
	}
	if payload.State == nil {
		delete(a.states, payload.ClientID)
		return
	}
	a.states[payload.ClientID] = payload.State
}

func (a *Awareness) reset() {
	a.mu.Lock()
	a.states = make(map[string]map[string]interface{})
	a.mu.Unlock()
}
