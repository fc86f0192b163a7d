// Package signal delivers the supplemented Signals feature: a one-way,
// never-awaited notification from a local object to a remote stub that has
// observed it, distinct from a method call (which round-trips) and a getter
// (which is always pulled).
//
// A listener registers a capability token the first time a stub observes a
// signal-bearing class. The emitting side later fires the signal by
// sending that capability, plus a payload, in a PacketSignal packet; the
// listening side looks the capability up and invokes the registered
// callback. Neither side ever calls Peer.Call for this: there is no reply
// to wait for.
package signal

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/objwire/objwire"
)

// capabilityLen matches the token length used by the teacher's streaming
// capability handshake (stream.go): long enough that brute force and
// collision are both negligible for any reasonable number of concurrently
// registered listeners.
const capabilityLen = 24

// NewCapability returns a fresh random capability token.
func NewCapability() string {
	var buf [capabilityLen]byte
	rand.Read(buf[:])
	return string(buf[:])
}

// Listener demultiplexes incoming PacketSignal packets on one Peer by
// capability. The root package's Session does not use a Listener; it keeps
// its own capability table for the signals it registers.
type Listener struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
}

// Listen installs a PacketSignal handler on peer and returns a Listener
// that dispatches incoming signals by capability.
func Listen(peer *objwire.Peer) *Listener {
	l := &Listener{handlers: map[string]func([]byte){}}
	peer.HandlePacket(objwire.PacketSignal, l.dispatch)
	return l
}

func (l *Listener) dispatch(_ context.Context, pkt *objwire.Packet) error {
	var sig objwire.Signal
	if err := sig.UnmarshalBinary(pkt.Payload); err != nil {
		return nil // a malformed signal is dropped, not fatal to the peer
	}
	l.mu.Lock()
	fn := l.handlers[sig.Capability]
	l.mu.Unlock()
	if fn != nil {
		fn(sig.Data)
	}
	return nil
}

// Handle registers fn to be called with the payload of every signal
// delivered under the returned capability token. Callers pass that token
// to the remote side (typically embedded in a class description or a
// constructor argument) so the remote knows where to deliver the signal.
//
// The returned unregister function removes the listener; callers should
// invoke it when the stub observing the signal is released, so a capability
// from a since-collected stub does not linger in the Listener.
func (l *Listener) Handle(fn func(data []byte)) (capability string, unregister func()) {
	capability = NewCapability()

	l.mu.Lock()
	l.handlers[capability] = fn
	l.mu.Unlock()

	return capability, func() {
		l.mu.Lock()
		delete(l.handlers, capability)
		l.mu.Unlock()
	}
}

// Emit sends payload as a signal under capability to peer. The emitting
// side never blocks on a reply; a send failure means the transport is
// gone, which the caller can treat the same way it treats a failed
// best-effort release notice.
func Emit(peer *objwire.Peer, capability string, payload []byte) error {
	return peer.SendPacket(objwire.PacketSignal, objwire.Signal{Capability: capability, Data: payload}.Encode())
}
