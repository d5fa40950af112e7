// Package envelope implements the wire format for encrypted direct messages.
//
// An envelope carries the protocol version, both identities, a unique
// envelope identifier, the ratchet header, and the AEAD ciphertext. Version
// and identities are bound into the authentication tag as associated data,
// so an envelope cannot be replayed against a different session or protocol
// context without failing authentication.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/limits"
	"github.com/opd-ai/dmcore/ratchet"
)

const (
	// Version is the current envelope wire version.
	Version byte = 1

	// IDSize is the size of an envelope identifier in bytes.
	IDSize = 16
	// TagSize is the size of the authentication tag appended to the
	// ciphertext.
	TagSize = chacha20poly1305.Overhead
	// MediaRefSize is the size of one content-addressed media reference.
	MediaRefSize = 32

	headerSize = 40
	// fixed portion: version + sender + recipient + id + created + flags + header
	fixedSize = 1 + 32 + 32 + IDSize + 8 + 1 + headerSize

	flagReply byte = 1 << 0
	flagMedia byte = 1 << 1
)

var (
	// ErrUnsupportedVersion indicates an envelope with an unknown version
	// byte. The envelope is dropped, never partially processed.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	// ErrTruncated indicates an envelope shorter than its declared layout.
	ErrTruncated = errors.New("envelope truncated")
	// ErrTooLarge indicates an envelope above the processing limit.
	ErrTooLarge = errors.New("envelope too large")
)

// ID is a unique envelope identifier. A sender never reuses an ID; receivers
// deduplicate on (sender identity, envelope ID).
type ID [IDSize]byte

// NewID generates a random envelope identifier.
func NewID() ID {
	return ID(uuid.New())
}

// String returns the canonical UUID form of the identifier.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// ParseID parses an envelope identifier from its UUID string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid envelope id: %w", err)
	}
	return ID(u), nil
}

// Envelope is one encrypted, addressed, uniquely identified message unit.
type Envelope struct {
	Version    byte
	Sender     identity.PublicKey
	Recipient  identity.PublicKey
	ID         ID
	CreatedAt  int64
	ReplyTo    *ID
	MediaRefs  [][MediaRefSize]byte
	Header     ratchet.Header
	Ciphertext []byte
}

// Options carries the optional compose-time attributes of an envelope.
type Options struct {
	ReplyTo   *ID
	MediaRefs [][MediaRefSize]byte
}

// AssociatedData returns the context bound into the authentication tag:
// version, sender identity, recipient identity. The ratchet layer appends
// the header itself.
func AssociatedData(version byte, sender, recipient identity.PublicKey) []byte {
	ad := make([]byte, 0, 65)
	ad = append(ad, version)
	ad = append(ad, sender[:]...)
	ad = append(ad, recipient[:]...)
	return ad
}

// Seal encrypts plaintext for recipient with the session's ratchet state and
// wraps it in a fully populated envelope. The ratchet state advances one
// sending step.
func Seal(st *ratchet.State, sender, recipient identity.PublicKey, createdAt int64, plaintext []byte, opts Options) (*Envelope, error) {
	if err := limits.ValidatePlaintext(plaintext); err != nil {
		return nil, err
	}

	ad := AssociatedData(Version, sender, recipient)
	header, ct, err := ratchet.Encrypt(st, ad, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt envelope: %w", err)
	}

	return &Envelope{
		Version:    Version,
		Sender:     sender,
		Recipient:  recipient,
		ID:         NewID(),
		CreatedAt:  createdAt,
		ReplyTo:    opts.ReplyTo,
		MediaRefs:  opts.MediaRefs,
		Header:     header,
		Ciphertext: ct,
	}, nil
}

// Open decrypts an envelope against the session's ratchet state. Rejection
// is all-or-nothing: version mismatch, tag mismatch, and associated-data
// mismatch all fail without partial output.
func Open(st *ratchet.State, env *Envelope) ([]byte, error) {
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	ad := AssociatedData(env.Version, env.Sender, env.Recipient)
	return ratchet.Decrypt(st, ad, env.Header, env.Ciphertext)
}

// Marshal serializes the envelope to the wire layout.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.MediaRefs) > 255 {
		return nil, fmt.Errorf("%w: %d media references", ErrTooLarge, len(e.MediaRefs))
	}

	var flags byte
	size := fixedSize + len(e.Ciphertext)
	if e.ReplyTo != nil {
		flags |= flagReply
		size += IDSize
	}
	if len(e.MediaRefs) > 0 {
		flags |= flagMedia
		size += 1 + len(e.MediaRefs)*MediaRefSize
	}
	if size > limits.MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	out := make([]byte, 0, size)
	out = append(out, e.Version)
	out = append(out, e.Sender[:]...)
	out = append(out, e.Recipient[:]...)
	out = append(out, e.ID[:]...)

	var created [8]byte
	binary.BigEndian.PutUint64(created[:], uint64(e.CreatedAt))
	out = append(out, created[:]...)

	out = append(out, flags)
	if e.ReplyTo != nil {
		out = append(out, e.ReplyTo[:]...)
	}
	if len(e.MediaRefs) > 0 {
		out = append(out, byte(len(e.MediaRefs)))
		for _, ref := range e.MediaRefs {
			out = append(out, ref[:]...)
		}
	}

	out = append(out, e.Header.DHPub[:]...)
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], e.Header.PrevCount)
	out = append(out, ctr[:]...)
	binary.BigEndian.PutUint32(ctr[:], e.Header.Count)
	out = append(out, ctr[:]...)

	out = append(out, e.Ciphertext...)
	return out, nil
}

// Unmarshal parses an envelope from the wire. The ciphertext is not
// authenticated here; Open performs all cryptographic checks.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) > limits.MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if len(data) < fixedSize+TagSize {
		return nil, ErrTruncated
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	e := &Envelope{Version: data[0]}
	off := 1
	copy(e.Sender[:], data[off:off+32])
	off += 32
	copy(e.Recipient[:], data[off:off+32])
	off += 32
	copy(e.ID[:], data[off:off+IDSize])
	off += IDSize
	e.CreatedAt = int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8

	flags := data[off]
	off++

	if flags&flagReply != 0 {
		if len(data) < off+IDSize {
			return nil, ErrTruncated
		}
		var reply ID
		copy(reply[:], data[off:off+IDSize])
		e.ReplyTo = &reply
		off += IDSize
	}
	if flags&flagMedia != 0 {
		if len(data) < off+1 {
			return nil, ErrTruncated
		}
		count := int(data[off])
		off++
		if len(data) < off+count*MediaRefSize {
			return nil, ErrTruncated
		}
		e.MediaRefs = make([][MediaRefSize]byte, count)
		for i := 0; i < count; i++ {
			copy(e.MediaRefs[i][:], data[off:off+MediaRefSize])
			off += MediaRefSize
		}
	}

	if len(data) < off+headerSize+TagSize {
		return nil, ErrTruncated
	}
	copy(e.Header.DHPub[:], data[off:off+32])
	off += 32
	e.Header.PrevCount = binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	e.Header.Count = binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	e.Ciphertext = make([]byte, len(data)-off)
	copy(e.Ciphertext, data[off:])
	return e, nil
}
