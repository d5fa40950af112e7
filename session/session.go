// Package session holds the negotiated cryptographic state between the
// local identity and one peer.
//
// Exactly one session exists per peer at a time; a newly completed handshake
// replaces the prior session atomically. Every ratchet mutation is
// destructive, so encryption and decryption run against a clone of the
// ratchet state: the caller persists the clone and commits it only once the
// corresponding network or storage operation has succeeded. A failed
// operation leaves the session exactly as it was.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/dmcore/envelope"
	"github.com/opd-ai/dmcore/handshake"
	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/ratchet"
)

// blobVersion is the serialization version of persisted session state.
const blobVersion = 1

var (
	// ErrNotEstablished indicates crypto operations on a session whose
	// handshake has not completed.
	ErrNotEstablished = errors.New("session not established")
	// ErrBlobVersion indicates a persisted session blob with an unknown
	// version.
	ErrBlobVersion = errors.New("unsupported session blob version")
)

// Session is the per-peer cryptographic state.
type Session struct {
	Peer        identity.PublicKey
	Role        handshake.Role
	Established bool
	CreatedAt   time.Time
	Ratchet     *ratchet.State
}

// New seeds a session from a completed handshake. Both parties end up with
// mirrored ratchet state: the shared root key, their own handshake ephemeral
// as the current ratchet key pair, the peer's ephemeral as the remote
// ratchet key, and direction-bound initial chains so either side can send
// before hearing from the other.
func New(peer identity.PublicKey, result *handshake.Result) *Session {
	return &Session{
		Peer:        peer,
		Role:        result.Role,
		Established: true,
		CreatedAt:   time.Now(),
		Ratchet: ratchet.New(result.RootKey, result.LocalEphemeral, result.RemoteEphemeral,
			result.Role == handshake.Initiator),
	}
}

// Encrypt seals plaintext for the peer against a clone of the ratchet state.
// The returned state must be passed to Commit after the envelope has been
// written to a stream or durably enqueued; discarding it leaves the session
// unchanged.
func (s *Session) Encrypt(local identity.PublicKey, createdAt int64, plaintext []byte, opts envelope.Options) (*envelope.Envelope, *ratchet.State, error) {
	if !s.Established {
		return nil, nil, ErrNotEstablished
	}
	work := s.Ratchet.Clone()
	env, err := envelope.Seal(work, local, s.Peer, createdAt, plaintext, opts)
	if err != nil {
		return nil, nil, err
	}
	return env, work, nil
}

// Decrypt opens an envelope against a clone of the ratchet state. On success
// the caller persists and commits the returned state; on failure the session
// is untouched and the envelope is rejected wholesale.
func (s *Session) Decrypt(env *envelope.Envelope) ([]byte, *ratchet.State, error) {
	if !s.Established {
		return nil, nil, ErrNotEstablished
	}
	work := s.Ratchet.Clone()
	pt, err := envelope.Open(work, env)
	if err != nil {
		return nil, nil, err
	}
	return pt, work, nil
}

// Commit swaps in ratchet state returned by Encrypt or Decrypt. Call only
// after the state has been persisted.
func (s *Session) Commit(st *ratchet.State) {
	s.Ratchet = st
}

// sessionBlob is the persisted form of a session.
type sessionBlob struct {
	Version     int            `json:"version"`
	Peer        string         `json:"peer"`
	Role        uint8          `json:"role"`
	Established bool           `json:"established"`
	CreatedAt   int64          `json:"created_at"`
	Ratchet     *ratchet.State `json:"ratchet"`
}

// Marshal serializes the session to an opaque blob for the persistence
// layer. The blob contains key material; the store is trusted with it.
func (s *Session) Marshal() ([]byte, error) {
	blob := sessionBlob{
		Version:     blobVersion,
		Peer:        s.Peer.String(),
		Role:        uint8(s.Role),
		Established: s.Established,
		CreatedAt:   s.CreatedAt.Unix(),
		Ratchet:     s.Ratchet,
	}
	return json.Marshal(blob)
}

// MarshalWith serializes the session as it would look with st committed,
// letting callers persist the advanced state before committing it in memory.
func (s *Session) MarshalWith(st *ratchet.State) ([]byte, error) {
	blob := sessionBlob{
		Version:     blobVersion,
		Peer:        s.Peer.String(),
		Role:        uint8(s.Role),
		Established: s.Established,
		CreatedAt:   s.CreatedAt.Unix(),
		Ratchet:     st,
	}
	return json.Marshal(blob)
}

// Unmarshal restores a session from its persisted blob.
func Unmarshal(data []byte) (*Session, error) {
	var blob sessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode session blob: %w", err)
	}
	if blob.Version != blobVersion {
		return nil, fmt.Errorf("%w: %d", ErrBlobVersion, blob.Version)
	}

	peer, err := identity.ParseID(blob.Peer)
	if err != nil {
		return nil, fmt.Errorf("session blob has invalid peer: %w", err)
	}

	return &Session{
		Peer:        peer,
		Role:        handshake.Role(blob.Role),
		Established: blob.Established,
		CreatedAt:   time.Unix(blob.CreatedAt, 0),
		Ratchet:     blob.Ratchet,
	}, nil
}
