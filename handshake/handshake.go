// Package handshake implements the mutually authenticated key exchange that
// bootstraps a messaging session between two identities.
//
// The exchange is a one-pass pattern with a confirming response: the
// initiator sends a fresh ephemeral X25519 public key plus an identity
// signature over the handshake transcript; the responder replies in kind.
// Both sides combine three Diffie-Hellman results (ephemeral/static,
// static/ephemeral, ephemeral/ephemeral) through HKDF-SHA256, salted with
// both static key-exchange public keys, so the derived 32-byte root key is
// bound to both identities and cannot be confused across sessions.
package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/dmcore/identity"
)

// protocolLabel domain-separates the handshake KDF from any other use of the
// same key material.
const protocolLabel = "dmcore/handshake/v1"

var (
	// ErrAuthenticationFailed indicates the peer's signature did not verify
	// against its claimed identity. Fatal for the attempt; no session is
	// created and the handshake is not retried automatically.
	ErrAuthenticationFailed = errors.New("handshake authentication failed")
	// ErrNotComplete indicates the handshake has not produced a root key yet.
	ErrNotComplete = errors.New("handshake not complete")
	// ErrAlreadyComplete indicates a message arrived for a finished handshake.
	ErrAlreadyComplete = errors.New("handshake already complete")
	// ErrRoleMismatch indicates an operation invalid for the current role.
	ErrRoleMismatch = errors.New("operation does not match handshake role")
)

// Role defines whether we initiate or respond to a handshake.
type Role uint8

const (
	// Initiator starts the handshake by sending the first message.
	Initiator Role = iota
	// Responder answers an initiation.
	Responder
)

// String returns a human-readable role name for logging.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// ResponderOf applies the collision policy: when both peers initiate at the
// same time, the party with the lexicographically smaller identity always
// acts as responder, so both sides converge on a single session.
func ResponderOf(a, b identity.PublicKey) identity.PublicKey {
	if a.Less(b) {
		return a
	}
	return b
}

// Result holds the agreed state of a completed handshake.
type Result struct {
	// RootKey is the 32-byte shared secret seeding the session ratchet.
	RootKey [32]byte
	// LocalEphemeral is our handshake ephemeral key pair, reused as the
	// initial ratchet key pair.
	LocalEphemeral identity.XKeyPair
	// RemoteEphemeral is the peer's handshake ephemeral public key.
	RemoteEphemeral [32]byte
	// Role records which side of the exchange we were.
	Role Role
}

// Handshake tracks one in-flight key exchange with a single peer.
type Handshake struct {
	role      Role
	local     *identity.KeyPair
	localX    *identity.XKeyPair
	peer      identity.PublicKey
	peerX     [32]byte
	ephemeral identity.XKeyPair
	remoteEph [32]byte
	rootKey   [32]byte
	complete  bool
}

// New creates a handshake toward peer in the given role. The peer's
// key-exchange public key is derived from its identity string, so no prekey
// material is needed.
func New(local *identity.KeyPair, peer identity.PublicKey, role Role) (*Handshake, error) {
	localX, err := local.KeyExchangeKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to derive local key-exchange keys: %w", err)
	}

	peerX, err := identity.KeyExchangePublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer key-exchange key: %w", err)
	}

	h := &Handshake{
		role:   role,
		local:  local,
		localX: localX,
		peer:   peer,
		peerX:  peerX,
	}
	if err := h.generateEphemeral(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "handshake",
		"role":     role.String(),
		"peer":     peer.String()[:16],
	}).Debug("handshake created")

	return h, nil
}

func (h *Handshake) generateEphemeral() error {
	if _, err := rand.Read(h.ephemeral.Private[:]); err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	h.ephemeral.Private[0] &= 248
	h.ephemeral.Private[31] &= 127
	h.ephemeral.Private[31] |= 64

	pub, err := curve25519.X25519(h.ephemeral.Private[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	copy(h.ephemeral.Public[:], pub)
	return nil
}

// Role returns the handshake role.
func (h *Handshake) Role() Role {
	return h.role
}

// Peer returns the identity this handshake is negotiating with.
func (h *Handshake) Peer() identity.PublicKey {
	return h.peer
}

// IsComplete reports whether the root key has been derived.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// Initiate produces the initiator's opening message. Only valid in the
// Initiator role, before any peer message has been processed.
func (h *Handshake) Initiate() (*Message, error) {
	if h.role != Initiator {
		return nil, ErrRoleMismatch
	}
	if h.complete {
		return nil, ErrAlreadyComplete
	}
	return h.signedMessage(), nil
}

// Respond processes the initiator's opening message and produces the
// responder's confirming reply. On success the handshake is complete.
func (h *Handshake) Respond(msg *Message) (*Message, error) {
	if h.role != Responder {
		return nil, ErrRoleMismatch
	}
	if h.complete {
		return nil, ErrAlreadyComplete
	}

	if err := h.verifyPeerMessage(msg); err != nil {
		return nil, err
	}
	h.remoteEph = msg.Ephemeral

	if err := h.deriveRootKey(); err != nil {
		return nil, err
	}
	h.complete = true

	return h.signedMessage(), nil
}

// Finish processes the responder's reply on the initiator side, completing
// the exchange.
func (h *Handshake) Finish(msg *Message) error {
	if h.role != Initiator {
		return ErrRoleMismatch
	}
	if h.complete {
		return ErrAlreadyComplete
	}

	if err := h.verifyPeerMessage(msg); err != nil {
		return err
	}
	h.remoteEph = msg.Ephemeral

	if err := h.deriveRootKey(); err != nil {
		return err
	}
	h.complete = true
	return nil
}

// Result returns the completed handshake state. The root key is computed
// lazily during Respond/Finish; calling Result before completion fails.
func (h *Handshake) Result() (*Result, error) {
	if !h.complete {
		return nil, ErrNotComplete
	}
	r := &Result{
		RootKey:         h.rootKey,
		LocalEphemeral:  h.ephemeral,
		RemoteEphemeral: h.remoteEph,
		Role:            h.role,
	}
	return r, nil
}

// signedMessage builds our handshake message: ephemeral public key plus an
// identity signature over the transcript binding both identities.
func (h *Handshake) signedMessage() *Message {
	transcript := transcript(h.local.Public, h.peer, h.ephemeral.Public)
	return &Message{
		Sender:    h.local.Public,
		Ephemeral: h.ephemeral.Public,
		Signature: h.local.Sign(transcript),
	}
}

// verifyPeerMessage checks the peer's transcript signature against its
// claimed identity. A mismatch is an authentication failure.
func (h *Handshake) verifyPeerMessage(msg *Message) error {
	if msg.Sender != h.peer {
		return fmt.Errorf("%w: message from %s, expected %s",
			ErrAuthenticationFailed, msg.Sender.String()[:16], h.peer.String()[:16])
	}
	expected := transcript(h.peer, h.local.Public, msg.Ephemeral)
	if !identity.Verify(h.peer, expected, msg.Signature) {
		logrus.WithFields(logrus.Fields{
			"function": "verifyPeerMessage",
			"package":  "handshake",
			"peer":     h.peer.String()[:16],
		}).Warn("handshake signature rejected")
		return ErrAuthenticationFailed
	}
	return nil
}

// deriveRootKey mixes the three DH results and both static public keys into
// the 32-byte root key. The DH outputs are ordered in initiator terms so
// both sides produce identical input material.
func (h *Handshake) deriveRootKey() error {
	var dhES, dhSE, dhEE []byte
	var err error

	if h.role == Initiator {
		// DH(e_i, s_r) || DH(s_i, e_r) || DH(e_i, e_r)
		if dhES, err = curve25519.X25519(h.ephemeral.Private[:], h.peerX[:]); err != nil {
			return fmt.Errorf("handshake DH failed: %w", err)
		}
		if dhSE, err = curve25519.X25519(h.localX.Private[:], h.remoteEph[:]); err != nil {
			return fmt.Errorf("handshake DH failed: %w", err)
		}
		if dhEE, err = curve25519.X25519(h.ephemeral.Private[:], h.remoteEph[:]); err != nil {
			return fmt.Errorf("handshake DH failed: %w", err)
		}
	} else {
		// The mirrored computations of the same three values.
		if dhES, err = curve25519.X25519(h.localX.Private[:], h.remoteEph[:]); err != nil {
			return fmt.Errorf("handshake DH failed: %w", err)
		}
		if dhSE, err = curve25519.X25519(h.ephemeral.Private[:], h.peerX[:]); err != nil {
			return fmt.Errorf("handshake DH failed: %w", err)
		}
		if dhEE, err = curve25519.X25519(h.ephemeral.Private[:], h.remoteEph[:]); err != nil {
			return fmt.Errorf("handshake DH failed: %w", err)
		}
	}

	ikm := make([]byte, 0, 96)
	ikm = append(ikm, dhES...)
	ikm = append(ikm, dhSE...)
	ikm = append(ikm, dhEE...)

	// Salt with both static key-exchange keys in identity order so the
	// secret is bound to this exact pair of identities.
	salt := make([]byte, 0, 64)
	if ResponderOf(h.local.Public, h.peer) == h.local.Public {
		salt = append(salt, h.localX.Public[:]...)
		salt = append(salt, h.peerX[:]...)
	} else {
		salt = append(salt, h.peerX[:]...)
		salt = append(salt, h.localX.Public[:]...)
	}

	r := hkdf.New(sha256.New, ikm, salt, []byte(protocolLabel))
	if _, err := io.ReadFull(r, h.rootKey[:]); err != nil {
		return fmt.Errorf("root key derivation failed: %w", err)
	}

	identity.ZeroBytes(dhES)
	identity.ZeroBytes(dhSE)
	identity.ZeroBytes(dhEE)
	identity.ZeroBytes(ikm)

	return nil
}

// transcript is the byte string each side signs: label, sender identity,
// recipient identity, and the sender's ephemeral key.
func transcript(sender, recipient identity.PublicKey, ephemeral [32]byte) []byte {
	t := make([]byte, 0, len(protocolLabel)+96)
	t = append(t, protocolLabel...)
	t = append(t, sender[:]...)
	t = append(t, recipient[:]...)
	t = append(t, ephemeral[:]...)
	return t
}
