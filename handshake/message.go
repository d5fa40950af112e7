package handshake

import (
	"errors"

	"github.com/opd-ai/dmcore/identity"
)

// messageSize is the fixed wire size of a handshake message:
// sender identity (32) + ephemeral key (32) + signature (64).
const messageSize = identity.PublicKeySize + 32 + identity.SignatureSize

// ErrMessageTruncated indicates a handshake message of the wrong length.
var ErrMessageTruncated = errors.New("handshake message truncated")

// Message is one handshake wire message. The same layout is used by both
// the initiation and the response.
type Message struct {
	Sender    identity.PublicKey
	Ephemeral [32]byte
	Signature []byte
}

// Marshal serializes the message to its fixed wire layout.
func (m *Message) Marshal() []byte {
	out := make([]byte, 0, messageSize)
	out = append(out, m.Sender[:]...)
	out = append(out, m.Ephemeral[:]...)
	out = append(out, m.Signature...)
	return out
}

// UnmarshalMessage parses a handshake message from the wire.
func UnmarshalMessage(data []byte) (*Message, error) {
	if len(data) != messageSize {
		return nil, ErrMessageTruncated
	}

	m := &Message{Signature: make([]byte, identity.SignatureSize)}
	copy(m.Sender[:], data[0:32])
	copy(m.Ephemeral[:], data[32:64])
	copy(m.Signature, data[64:])
	return m, nil
}
