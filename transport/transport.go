// Package transport moves sealed packets between peers. It hides the
// underlying medium behind a small Transport interface so the messaging
// layer can run over an in-memory network in tests and over
// Noise-protected TCP in production.
package transport

import (
	"context"
	"errors"

	"github.com/opd-ai/dmcore/identity"
)

var (
	// ErrPeerUnreachable indicates the peer has no usable route or is offline.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrUnknownPeer indicates an inbound connection from an identity we
	// have no record of, or a send to an unregistered peer.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrTransportClosed indicates the transport has been shut down.
	ErrTransportClosed = errors.New("transport closed")
	// ErrInvalidPacket indicates a packet that cannot be parsed.
	ErrInvalidPacket = errors.New("invalid packet")
)

// PacketType identifies the purpose of a transport packet.
type PacketType uint8

const (
	// PacketHandshakeInit carries the first message of a session handshake.
	PacketHandshakeInit PacketType = iota + 1
	// PacketHandshakeResponse carries the responder's handshake message.
	PacketHandshakeResponse
	// PacketEnvelope carries a sealed message envelope.
	PacketEnvelope
	// PacketAck carries a delivery acknowledgement.
	PacketAck
)

// String returns a human-readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketHandshakeInit:
		return "handshake_init"
	case PacketHandshakeResponse:
		return "handshake_response"
	case PacketEnvelope:
		return "envelope"
	case PacketAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Packet is the unit of exchange between peers: a type tag followed by an
// opaque payload owned by the layer above.
type Packet struct {
	Type PacketType
	Data []byte
}

// Serialize converts a packet into wire format.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Type == 0 {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 1+len(p.Data))
	buf[0] = byte(p.Type)
	copy(buf[1:], p.Data)
	return buf, nil
}

// ParsePacket converts wire format data back into a packet. The payload is
// copied so the caller may reuse the input buffer.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrInvalidPacket
	}
	p := &Packet{Type: PacketType(data[0])}
	if p.Type.String() == "unknown" {
		return nil, ErrInvalidPacket
	}
	if len(data) > 1 {
		p.Data = make([]byte, len(data)-1)
		copy(p.Data, data[1:])
	}
	return p, nil
}

// Handler processes an inbound packet from an authenticated peer. Handlers
// run on the transport's read goroutines and must not block for long.
type Handler func(peer identity.PublicKey, packet *Packet)

// Transport delivers packets to peers addressed by identity. Implementations
// authenticate the remote identity before invoking the handler.
type Transport interface {
	// Send delivers a packet to the peer, establishing a connection if
	// necessary. It returns ErrPeerUnreachable when no route exists.
	Send(ctx context.Context, peer identity.PublicKey, packet *Packet) error

	// SetHandler installs the callback for inbound packets. It must be
	// called before the transport starts receiving.
	SetHandler(handler Handler)

	// LocalKey returns the identity this transport authenticates as.
	LocalKey() identity.PublicKey

	// Close shuts the transport down and releases its connections.
	Close() error
}
