// Package ratchet implements the two-stage message key schedule for an
// established session.
//
// A symmetric-key ratchet advances a chain key through a one-way KDF with
// every message, producing a single-use message key per step. A
// Diffie-Hellman ratchet replaces the chains whenever a message arrives
// carrying a ratchet public key the receiver has not seen, mixing a fresh DH
// output into the root key. Compromise of one message key therefore exposes
// only its own chain segment (forward secrecy), and a later DH step restores
// confidentiality (post-compromise security).
//
// State mutations are destructive and not commutative. Callers that must not
// advance state on failure decrypt against a Clone and commit the clone only
// on success; the session layer does exactly that.
package ratchet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/dmcore/identity"
)

const (
	// MaxSkippedKeys bounds the cache of message keys derived for messages
	// that have not arrived yet. Oldest entries are evicted first.
	MaxSkippedKeys = 1000

	chainKeySize = 32
	rootLabel    = "dmcore/ratchet/root"
	chainLabel   = "dmcore/ratchet/chain"

	initSendLabel = "dmcore/ratchet/initiator-send"
	respSendLabel = "dmcore/ratchet/responder-send"
)

var (
	// ErrDecryptionFailed indicates the ciphertext did not authenticate
	// under any derivable message key.
	ErrDecryptionFailed = errors.New("ratchet decryption failed")
	// ErrReplay indicates a message counter behind the advanced chain with
	// no cached key, or a key that was already consumed.
	ErrReplay = errors.New("message replayed or key already consumed")
	// ErrChainUninitialized indicates a receive for a chain that has never
	// been established.
	ErrChainUninitialized = errors.New("ratchet chain is uninitialized")
	// ErrTooManySkipped indicates a counter jump beyond the skipped-key
	// cache bound.
	ErrTooManySkipped = errors.New("counter jump exceeds skipped-key bound")
)

// Header is the ratchet portion of an envelope: the sender's current ratchet
// public key and the position of the message in its chain.
type Header struct {
	DHPub     [32]byte
	PrevCount uint32
	Count     uint32
}

// marshal produces the fixed 40-byte header encoding that is bound into the
// AEAD associated data.
func (h Header) marshal() []byte {
	out := make([]byte, 40)
	copy(out[:32], h.DHPub[:])
	binary.BigEndian.PutUint32(out[32:36], h.PrevCount)
	binary.BigEndian.PutUint32(out[36:40], h.Count)
	return out
}

// State is the mutable ratchet state for one session. Fields are exported so
// the session layer can serialize the state as an opaque blob; no other
// component reads them.
type State struct {
	RootKey      [32]byte          `json:"root_key"`
	DHPriv       [32]byte          `json:"dh_priv"`
	DHPub        [32]byte          `json:"dh_pub"`
	PeerDHPub    [32]byte          `json:"peer_dh_pub"`
	SendChainKey []byte            `json:"send_chain_key,omitempty"`
	RecvChainKey []byte            `json:"recv_chain_key,omitempty"`
	SendCount    uint32            `json:"send_count"`
	RecvCount    uint32            `json:"recv_count"`
	PrevCount    uint32            `json:"prev_count"`
	Skipped      map[string][]byte `json:"skipped,omitempty"`
	SkippedOrder []string          `json:"skipped_order,omitempty"`

	// FirstStepPending defers the initiator's first DH ratchet step until
	// a message from the peer has arrived. First sends in both directions
	// run on the handshake-derived chains, so they stay decryptable even
	// when they cross in flight, and DH steps strictly alternate once
	// traffic flows both ways.
	FirstStepPending bool `json:"first_step_pending,omitempty"`
}

// New seeds ratchet state from a completed handshake. Both sides start with
// their own handshake ephemeral as the current ratchet key pair, the peer's
// ephemeral as the remote ratchet key, and both chain keys derived from the
// root by direction, so either side can send immediately with no DH step.
// The initiator performs the first DH step once it has heard from the peer.
func New(rootKey [32]byte, local identity.XKeyPair, peerEphemeral [32]byte, initiator bool) *State {
	st := &State{
		RootKey:   rootKey,
		DHPriv:    local.Private,
		DHPub:     local.Public,
		PeerDHPub: peerEphemeral,
		Skipped:   make(map[string][]byte),
	}
	toResp := chainFromRoot(rootKey, initSendLabel)
	toInit := chainFromRoot(rootKey, respSendLabel)
	if initiator {
		st.SendChainKey, st.RecvChainKey = toResp, toInit
		st.FirstStepPending = true
	} else {
		st.SendChainKey, st.RecvChainKey = toInit, toResp
	}
	return st
}

// Clone returns a deep copy of the state. Decrypting against a clone and
// swapping it in on success keeps failed operations from advancing the
// ratchet.
func (st *State) Clone() *State {
	cp := *st
	cp.SendChainKey = append([]byte(nil), st.SendChainKey...)
	cp.RecvChainKey = append([]byte(nil), st.RecvChainKey...)
	cp.Skipped = make(map[string][]byte, len(st.Skipped))
	for k, v := range st.Skipped {
		cp.Skipped[k] = append([]byte(nil), v...)
	}
	cp.SkippedOrder = append([]string(nil), st.SkippedOrder...)
	return &cp
}

// Encrypt derives the next message key on the sending chain and seals
// plaintext under it. The returned header must be transmitted with the
// ciphertext; ad is bound into the authentication tag.
func Encrypt(st *State, ad, plaintext []byte) (Header, []byte, error) {
	// A send on an unestablished chain, or the initiator's first send
	// after hearing from the peer, advances the DH ratchet for a fresh
	// sending chain.
	if st.SendChainKey == nil || (st.FirstStepPending && st.RecvCount > 0) {
		if err := dhRatchetSend(st); err != nil {
			return Header{}, nil, err
		}
	}

	mk := stepChain(&st.SendChainKey)
	defer identity.ZeroBytes(mk)

	h := Header{DHPub: st.DHPub, PrevCount: st.PrevCount, Count: st.SendCount}

	ct, err := seal(mk, h, ad, plaintext)
	if err != nil {
		return Header{}, nil, err
	}
	st.SendCount++
	return h, ct, nil
}

// Decrypt opens a message against the receiving state. Out-of-order
// messages within the skipped-key bound are handled by caching intermediate
// keys; replays and counters behind the chain fail with ErrReplay. On any
// error the state may be partially advanced, so callers decrypt clones.
func Decrypt(st *State, ad []byte, h Header, ciphertext []byte) ([]byte, error) {
	// A late message whose key was cached decrypts without touching the
	// chain; the key is single-use.
	if mk, ok := takeSkipped(st, h.DHPub, h.Count); ok {
		pt, err := open(mk, h, ad, ciphertext)
		identity.ZeroBytes(mk)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return pt, nil
	}

	if h.DHPub != st.PeerDHPub {
		// New remote ratchet key: close out the old receiving chain,
		// caching any keys the peer says we have not seen yet, then step
		// the DH ratchet.
		if st.RecvChainKey != nil {
			if err := skipRecvKeys(st, h.PrevCount); err != nil {
				return nil, err
			}
		}
		if err := dhRatchetRecv(st, h.DHPub); err != nil {
			return nil, err
		}
	} else if st.RecvChainKey == nil {
		return nil, ErrChainUninitialized
	}

	if h.Count < st.RecvCount {
		// Counter behind the advanced chain and no cached key: the key was
		// consumed (or never existed). Authentication/replay failure.
		return nil, ErrReplay
	}
	if err := skipRecvKeys(st, h.Count); err != nil {
		return nil, err
	}

	mk := stepChain(&st.RecvChainKey)
	defer identity.ZeroBytes(mk)
	st.RecvCount++

	pt, err := open(mk, h, ad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}

// dhRatchetSend establishes a fresh sending chain with a new ratchet key
// pair. Counters reset to zero on every DH step.
func dhRatchetSend(st *State) error {
	priv, pub, err := generateRatchetKey()
	if err != nil {
		return err
	}

	dh, err := curve25519.X25519(priv[:], st.PeerDHPub[:])
	if err != nil {
		return fmt.Errorf("ratchet DH failed: %w", err)
	}

	st.PrevCount = st.SendCount
	st.SendCount = 0
	st.DHPriv, st.DHPub = priv, pub
	st.RootKey, st.SendChainKey = kdfRoot(st.RootKey, dh)
	st.FirstStepPending = false
	identity.ZeroBytes(dh)
	return nil
}

// dhRatchetRecv performs the full DH step on sighting a new remote ratchet
// key: derive the new receiving chain, then immediately rotate our own key
// pair and derive the next sending chain from the advanced root.
func dhRatchetRecv(st *State, remote [32]byte) error {
	dh, err := curve25519.X25519(st.DHPriv[:], remote[:])
	if err != nil {
		return fmt.Errorf("ratchet DH failed: %w", err)
	}
	st.PeerDHPub = remote
	st.RecvCount = 0
	st.RootKey, st.RecvChainKey = kdfRoot(st.RootKey, dh)
	identity.ZeroBytes(dh)

	priv, pub, err := generateRatchetKey()
	if err != nil {
		return err
	}
	dh2, err := curve25519.X25519(priv[:], remote[:])
	if err != nil {
		return fmt.Errorf("ratchet DH failed: %w", err)
	}
	st.PrevCount = st.SendCount
	st.SendCount = 0
	st.DHPriv, st.DHPub = priv, pub
	st.RootKey, st.SendChainKey = kdfRoot(st.RootKey, dh2)
	st.FirstStepPending = false
	identity.ZeroBytes(dh2)
	return nil
}

// skipRecvKeys advances the receiving chain up to (but not including) until,
// caching each intermediate message key for late arrivals.
func skipRecvKeys(st *State, until uint32) error {
	if st.RecvCount >= until {
		return nil
	}
	if st.RecvChainKey == nil {
		return ErrChainUninitialized
	}
	if until-st.RecvCount > MaxSkippedKeys {
		return ErrTooManySkipped
	}
	for st.RecvCount < until {
		mk := stepChain(&st.RecvChainKey)
		cacheSkipped(st, st.PeerDHPub, st.RecvCount, mk)
		st.RecvCount++
	}
	return nil
}

func skippedKeyID(pub [32]byte, n uint32) string {
	b := make([]byte, 36)
	copy(b, pub[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}

func cacheSkipped(st *State, pub [32]byte, n uint32, mk []byte) {
	if st.Skipped == nil {
		st.Skipped = make(map[string][]byte)
	}
	for len(st.Skipped) >= MaxSkippedKeys && len(st.SkippedOrder) > 0 {
		oldest := st.SkippedOrder[0]
		st.SkippedOrder = st.SkippedOrder[1:]
		if mk, ok := st.Skipped[oldest]; ok {
			identity.ZeroBytes(mk)
			delete(st.Skipped, oldest)
		}
	}
	id := skippedKeyID(pub, n)
	st.Skipped[id] = mk
	st.SkippedOrder = append(st.SkippedOrder, id)
}

func takeSkipped(st *State, pub [32]byte, n uint32) ([]byte, bool) {
	id := skippedKeyID(pub, n)
	mk, ok := st.Skipped[id]
	if !ok {
		return nil, false
	}
	delete(st.Skipped, id)
	for i, k := range st.SkippedOrder {
		if k == id {
			st.SkippedOrder = append(st.SkippedOrder[:i], st.SkippedOrder[i+1:]...)
			break
		}
	}
	return mk, true
}

// stepChain advances a chain key one step and returns the message key for
// the consumed position. The previous chain key is overwritten.
func stepChain(chainKey *[]byte) []byte {
	r := hkdf.New(sha256.New, *chainKey, nil, []byte(chainLabel))
	next := make([]byte, chainKeySize)
	mk := make([]byte, chainKeySize)
	_, _ = io.ReadFull(r, next)
	_, _ = io.ReadFull(r, mk)
	identity.ZeroBytes(*chainKey)
	*chainKey = next
	return mk
}

// chainFromRoot derives a direction-bound initial chain key from the
// handshake root. The root itself is not advanced; the first DH step mixes
// into it later.
func chainFromRoot(root [32]byte, label string) []byte {
	r := hkdf.New(sha256.New, root[:], nil, []byte(label))
	ck := make([]byte, chainKeySize)
	_, _ = io.ReadFull(r, ck)
	return ck
}

// kdfRoot mixes a DH output into the root key, yielding the advanced root
// and a fresh chain key.
func kdfRoot(rootKey [32]byte, dh []byte) ([32]byte, []byte) {
	r := hkdf.New(sha256.New, dh, rootKey[:], []byte(rootLabel))
	var newRoot [32]byte
	ck := make([]byte, chainKeySize)
	_, _ = io.ReadFull(r, newRoot[:])
	_, _ = io.ReadFull(r, ck)
	return newRoot, ck
}

func generateRatchetKey() ([32]byte, [32]byte, error) {
	var priv, pub [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("failed to generate ratchet key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("failed to derive ratchet public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// seal encrypts plaintext under mk with ChaCha20-Poly1305. The 96-bit nonce
// is derived deterministically from the message counter; a message key is
// used exactly once, so the nonce never repeats for a given key.
func seal(mk []byte, h Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], h.Count)
	return aead.Seal(nil, nonce, plaintext, fullAD(ad, h)), nil
}

func open(mk []byte, h Header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], h.Count)
	return aead.Open(nil, nonce, ciphertext, fullAD(ad, h))
}

func fullAD(ad []byte, h Header) []byte {
	hb := h.marshal()
	out := make([]byte, 0, len(ad)+len(hb))
	out = append(out, ad...)
	out = append(out, hb...)
	return out
}
