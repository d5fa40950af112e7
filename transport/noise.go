package transport

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/opd-ai/dmcore/identity"
)

// cipherPair holds the two directions of an established Noise session.
// send encrypts outgoing frames, recv decrypts incoming ones.
type cipherPair struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func ikConfig(static *identity.XKeyPair, peerStatic []byte, initiator bool) noise.Config {
	key := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(key.Private, static.Private[:])
	copy(key.Public, static.Public[:])

	cfg := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		StaticKeypair: key,
	}
	if initiator {
		cfg.PeerStatic = make([]byte, 32)
		copy(cfg.PeerStatic, peerStatic)
	}
	return cfg
}

// ikInitiate runs the initiator side of a Noise IK handshake over rw. The
// IK pattern fits here for the same reason it fits elsewhere in the module:
// the caller always knows the responder's static key, since it is derived
// from the peer's identity.
func ikInitiate(rw io.ReadWriter, static *identity.XKeyPair, peerStatic [32]byte) (*cipherPair, error) {
	state, err := noise.NewHandshakeState(ikConfig(static, peerStatic[:], true))
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	msg, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	if err := writeFrame(rw, msg); err != nil {
		return nil, err
	}

	response, err := readFrame(rw)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}
	_, recvCipher, sendCipher, err := state.ReadMessage(nil, response)
	if err != nil {
		return nil, fmt.Errorf("initiator read response failed: %w", err)
	}
	if sendCipher == nil || recvCipher == nil {
		return nil, fmt.Errorf("handshake did not complete")
	}
	return &cipherPair{send: sendCipher, recv: recvCipher}, nil
}

// ikRespond runs the responder side of a Noise IK handshake over rw and
// returns the established ciphers along with the initiator's static key, so
// the caller can map the connection back to an identity.
func ikRespond(rw io.ReadWriter, static *identity.XKeyPair) (*cipherPair, [32]byte, error) {
	var remote [32]byte

	state, err := noise.NewHandshakeState(ikConfig(static, nil, false))
	if err != nil {
		return nil, remote, fmt.Errorf("failed to create handshake state: %w", err)
	}

	initial, err := readFrame(rw)
	if err != nil {
		return nil, remote, fmt.Errorf("failed to read handshake message: %w", err)
	}
	if _, _, _, err := state.ReadMessage(nil, initial); err != nil {
		return nil, remote, fmt.Errorf("responder read failed: %w", err)
	}

	msg, sendCipher, recvCipher, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, remote, fmt.Errorf("responder write failed: %w", err)
	}
	if sendCipher == nil || recvCipher == nil {
		return nil, remote, fmt.Errorf("handshake did not complete")
	}
	if err := writeFrame(rw, msg); err != nil {
		return nil, remote, err
	}

	peerStatic := state.PeerStatic()
	if len(peerStatic) != 32 {
		return nil, remote, fmt.Errorf("missing remote static key")
	}
	copy(remote[:], peerStatic)
	return &cipherPair{send: sendCipher, recv: recvCipher}, remote, nil
}
