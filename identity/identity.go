// Package identity implements the cryptographic identity model for the
// direct-messaging subsystem.
//
// A node's permanent identity is an Ed25519 signing key pair. The key-exchange
// (X25519) key pair used by the handshake and ratchet layers is derived
// deterministically from the signing keys via the standard birational map
// between the Edwards and Montgomery forms of Curve25519. The derived pair is
// never persisted and never rotated independently of the signing keys.
//
// Example:
//
//	kp, err := identity.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Identity:", kp.Public.String())
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

const (
	// PublicKeySize is the size of an Ed25519 identity public key in bytes.
	PublicKeySize = 32
	// SeedSize is the size of an Ed25519 private key seed in bytes.
	SeedSize = 32
	// SignatureSize is the size of an Ed25519 signature in bytes.
	SignatureSize = ed25519.SignatureSize
)

var (
	// ErrInvalidPublicKey indicates a malformed identity public key.
	ErrInvalidPublicKey = errors.New("invalid identity public key")
	// ErrInvalidIdentityString indicates an identity string that is not a
	// valid hex-encoded Ed25519 public key.
	ErrInvalidIdentityString = errors.New("invalid identity string")
	// ErrZeroSeed indicates a private key seed consisting of all zeros.
	ErrZeroSeed = errors.New("invalid seed: all zeros")
)

// PublicKey is an Ed25519 identity public key. Its hex encoding is the
// identity string used to address a peer throughout the subsystem.
type PublicKey [PublicKeySize]byte

// String returns the hex-encoded identity string for the public key.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Less reports whether p orders lexicographically before other. The
// handshake collision policy uses this ordering to pick the responder.
func (p PublicKey) Less(other PublicKey) bool {
	for i := 0; i < PublicKeySize; i++ {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// ParseID parses and validates a hex identity string into a PublicKey.
// The identity string is the public key in this system, so lookup is a
// parse/validate operation.
func ParseID(s string) (PublicKey, error) {
	var pk PublicKey
	if len(s) != PublicKeySize*2 {
		return pk, fmt.Errorf("%w: length %d, want %d", ErrInvalidIdentityString, len(s), PublicKeySize*2)
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidIdentityString, err)
	}
	copy(pk[:], data)
	// Reject encodings that are not valid curve points so a bad identity
	// fails at parse time rather than deep inside a handshake.
	if _, err := new(edwards25519.Point).SetBytes(pk[:]); err != nil {
		return pk, fmt.Errorf("%w: not a valid curve point", ErrInvalidPublicKey)
	}
	return pk, nil
}

// KeyPair represents a node's long-lived Ed25519 signing key pair.
type KeyPair struct {
	Public PublicKey
	Seed   [SeedSize]byte
}

// GenerateKeyPair creates a new random identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	kp := &KeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Seed[:], priv.Seed())

	logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "identity",
		"identity": kp.Public.String()[:16],
	}).Debug("generated new identity key pair")

	return kp, nil
}

// FromSeed reconstructs an identity key pair from an Ed25519 seed.
func FromSeed(seed [SeedSize]byte) (*KeyPair, error) {
	if isZero(seed[:]) {
		return nil, ErrZeroSeed
	}
	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &KeyPair{Seed: seed}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// Sign creates an Ed25519 signature over message with the identity key.
func (kp *KeyPair) Sign(message []byte) []byte {
	priv := ed25519.NewKeyFromSeed(kp.Seed[:])
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid signature over message by the
// identity public key pub.
func Verify(pub PublicKey, message, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub[:], message, sig)
}

// XKeyPair is the X25519 key-exchange key pair derived from an identity.
type XKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// KeyExchangeKeyPair derives the node's X25519 key pair from its signing
// keys. The private scalar is the clamped SHA-512 prefix of the seed, which
// matches the scalar Ed25519 itself signs with, so the derived Montgomery
// public key corresponds to the identity's Edwards public key.
func (kp *KeyPair) KeyExchangeKeyPair() (*XKeyPair, error) {
	if isZero(kp.Seed[:]) {
		return nil, ErrZeroSeed
	}

	h := sha512.Sum512(kp.Seed[:])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	xkp := &XKeyPair{}
	copy(xkp.Private[:], h[:32])

	pub, err := curve25519.X25519(xkp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-exchange public key: %w", err)
	}
	copy(xkp.Public[:], pub)

	return xkp, nil
}

// KeyExchangePublicKey converts a peer's Ed25519 identity public key to its
// X25519 key-exchange public key via the birational map. Every peer's
// key-exchange key is derivable this way, so no separate prekey exchange is
// needed before a handshake.
func KeyExchangePublicKey(pub PublicKey) ([32]byte, error) {
	var x [32]byte
	p, err := new(edwards25519.Point).SetBytes(pub[:])
	if err != nil {
		return x, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(x[:], p.BytesMontgomery())
	return x, nil
}

// Wipe erases the private seed of the key pair. The key pair is unusable
// afterwards.
func (kp *KeyPair) Wipe() {
	ZeroBytes(kp.Seed[:])
}

func isZero(b []byte) bool {
	var v byte
	for _, x := range b {
		v |= x
	}
	return v == 0
}
