package transport

import (
	"context"
	"sync"

	"github.com/opd-ai/dmcore/identity"
)

// MemoryNetwork connects MemoryTransport nodes in process. Each node can be
// taken offline to simulate an unreachable peer, which is what the outbox
// retry path needs to exercise.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[identity.PublicKey]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[identity.PublicKey]*MemoryTransport)}
}

// Attach registers a node on the network and returns its transport. The node
// starts online.
func (n *MemoryNetwork) Attach(key identity.PublicKey) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemoryTransport{net: n, local: key, online: true}
	n.nodes[key] = t
	return t
}

// SetOnline toggles a node's reachability. Packets sent to an offline node
// fail with ErrPeerUnreachable; the node itself can still send.
func (n *MemoryNetwork) SetOnline(key identity.PublicKey, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[key]; ok {
		t.setOnline(online)
	}
}

func (n *MemoryNetwork) lookup(key identity.PublicKey) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[key]
}

// MemoryTransport is a Transport backed by a MemoryNetwork. Delivery is
// synchronous, so by the time Send returns the peer's handler has run.
type MemoryTransport struct {
	net   *MemoryNetwork
	local identity.PublicKey

	mu      sync.RWMutex
	handler Handler
	online  bool
	closed  bool
}

// Send delivers the packet directly to the peer's handler.
func (t *MemoryTransport) Send(ctx context.Context, peer identity.PublicKey, packet *Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	target := t.net.lookup(peer)
	if target == nil {
		return ErrUnknownPeer
	}
	// Validate and round-trip through wire format so the memory transport
	// exercises the same serialization as the TCP one.
	wire, err := packet.Serialize()
	if err != nil {
		return err
	}
	parsed, err := ParsePacket(wire)
	if err != nil {
		return err
	}
	return target.deliver(t.local, parsed)
}

func (t *MemoryTransport) deliver(from identity.PublicKey, packet *Packet) error {
	t.mu.RLock()
	handler := t.handler
	reachable := t.online && !t.closed
	t.mu.RUnlock()

	if !reachable {
		return ErrPeerUnreachable
	}
	if handler != nil {
		handler(from, packet)
	}
	return nil
}

// SetHandler installs the inbound packet callback.
func (t *MemoryTransport) SetHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalKey returns the identity this node is attached as.
func (t *MemoryTransport) LocalKey() identity.PublicKey {
	return t.local
}

func (t *MemoryTransport) setOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
}

// Close detaches the node from the network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.net.mu.Lock()
	delete(t.net.nodes, t.local)
	t.net.mu.Unlock()
	return nil
}
