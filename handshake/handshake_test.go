package handshake

import (
	"bytes"
	"testing"

	"github.com/opd-ai/dmcore/identity"
)

func runHandshake(t *testing.T, init, resp *identity.KeyPair) (*Result, *Result) {
	t.Helper()

	hi, err := New(init, resp.Public, Initiator)
	if err != nil {
		t.Fatalf("New(initiator) error: %v", err)
	}
	hr, err := New(resp, init.Public, Responder)
	if err != nil {
		t.Fatalf("New(responder) error: %v", err)
	}

	m1, err := hi.Initiate()
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}

	// Round-trip through the wire format on the way.
	parsed1, err := UnmarshalMessage(m1.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalMessage(init) error: %v", err)
	}

	m2, err := hr.Respond(parsed1)
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	parsed2, err := UnmarshalMessage(m2.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalMessage(response) error: %v", err)
	}

	if err := hi.Finish(parsed2); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	ri, err := hi.Result()
	if err != nil {
		t.Fatalf("initiator Result() error: %v", err)
	}
	rr, err := hr.Result()
	if err != nil {
		t.Fatalf("responder Result() error: %v", err)
	}
	return ri, rr
}

func TestRootKeyAgreement(t *testing.T) {
	alice, _ := identity.GenerateKeyPair()
	bob, _ := identity.GenerateKeyPair()

	ri, rr := runHandshake(t, alice, bob)
	if !bytes.Equal(ri.RootKey[:], rr.RootKey[:]) {
		t.Fatal("initiator and responder derived different root keys")
	}
	if isAllZero(ri.RootKey[:]) {
		t.Fatal("derived root key is zero")
	}

	// Either side may initiate; the derived keys still agree (though each
	// handshake run produces a fresh secret).
	ri2, rr2 := runHandshake(t, bob, alice)
	if !bytes.Equal(ri2.RootKey[:], rr2.RootKey[:]) {
		t.Fatal("reversed-direction handshake disagreed on root key")
	}
	if bytes.Equal(ri.RootKey[:], ri2.RootKey[:]) {
		t.Fatal("independent handshake runs produced the same root key")
	}
}

func TestEphemeralExchange(t *testing.T) {
	alice, _ := identity.GenerateKeyPair()
	bob, _ := identity.GenerateKeyPair()

	ri, rr := runHandshake(t, alice, bob)
	if ri.LocalEphemeral.Public != rr.RemoteEphemeral {
		t.Error("responder did not record initiator ephemeral")
	}
	if rr.LocalEphemeral.Public != ri.RemoteEphemeral {
		t.Error("initiator did not record responder ephemeral")
	}
}

func TestAuthenticationFailure(t *testing.T) {
	alice, _ := identity.GenerateKeyPair()
	bob, _ := identity.GenerateKeyPair()
	mallory, _ := identity.GenerateKeyPair()

	hi, _ := New(alice, bob.Public, Initiator)
	m1, _ := hi.Initiate()

	t.Run("Forged signature", func(t *testing.T) {
		hr, _ := New(bob, alice.Public, Responder)
		forged := *m1
		forged.Signature = mallory.Sign([]byte("not the transcript"))
		if _, err := hr.Respond(&forged); err == nil {
			t.Fatal("Respond() accepted a forged signature")
		}
		if hr.IsComplete() {
			t.Fatal("handshake completed despite authentication failure")
		}
		if _, err := hr.Result(); err == nil {
			t.Fatal("Result() available after failed handshake")
		}
	})

	t.Run("Wrong claimed identity", func(t *testing.T) {
		// Bob expects mallory, receives alice's message.
		hr, _ := New(bob, mallory.Public, Responder)
		if _, err := hr.Respond(m1); err == nil {
			t.Fatal("Respond() accepted message from unexpected identity")
		}
	})

	t.Run("Tampered ephemeral", func(t *testing.T) {
		hr, _ := New(bob, alice.Public, Responder)
		tampered := *m1
		tampered.Ephemeral[0] ^= 0xff
		if _, err := hr.Respond(&tampered); err == nil {
			t.Fatal("Respond() accepted a tampered ephemeral key")
		}
	})
}

func TestCollisionPolicy(t *testing.T) {
	a := identity.PublicKey{0x01}
	b := identity.PublicKey{0x02}

	if ResponderOf(a, b) != a {
		t.Error("lexicographically smaller identity must be responder")
	}
	if ResponderOf(b, a) != a {
		t.Error("ResponderOf must be symmetric in its arguments")
	}
}

func TestRoleEnforcement(t *testing.T) {
	alice, _ := identity.GenerateKeyPair()
	bob, _ := identity.GenerateKeyPair()

	hr, _ := New(bob, alice.Public, Responder)
	if _, err := hr.Initiate(); err == nil {
		t.Error("responder allowed to Initiate()")
	}

	hi, _ := New(alice, bob.Public, Initiator)
	m1, _ := hi.Initiate()
	if _, err := hi.Respond(m1); err == nil {
		t.Error("initiator allowed to Respond()")
	}
}

func TestMessageTruncated(t *testing.T) {
	if _, err := UnmarshalMessage([]byte{1, 2, 3}); err == nil {
		t.Fatal("UnmarshalMessage() accepted truncated input")
	}
}

func isAllZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
