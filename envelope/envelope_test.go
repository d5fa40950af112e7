package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/ratchet"
)

func testStates(t *testing.T) (*ratchet.State, *ratchet.State, identity.PublicKey, identity.PublicKey) {
	t.Helper()

	sender, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	recipient, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	var root [32]byte
	if _, err := rand.Read(root[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}

	a := genEphemeral(t)
	b := genEphemeral(t)
	return ratchet.New(root, a, b.Public, true), ratchet.New(root, b, a.Public, false),
		sender.Public, recipient.Public
}

func genEphemeral(t *testing.T) identity.XKeyPair {
	t.Helper()
	var kp identity.XKeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	copy(kp.Public[:], pub)
	return kp
}

func TestSealOpenRoundTrip(t *testing.T) {
	sendSt, recvSt, sender, recipient := testStates(t)

	reply := NewID()
	var media [MediaRefSize]byte
	media[0] = 0xaa

	env, err := Seal(sendSt, sender, recipient, time.Now().Unix(), []byte("hello wire"), Options{
		ReplyTo:   &reply,
		MediaRefs: [][MediaRefSize]byte{media},
	})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	wire, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	parsed, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if parsed.Sender != sender || parsed.Recipient != recipient {
		t.Error("identities did not survive the wire")
	}
	if parsed.ID != env.ID {
		t.Error("envelope ID did not survive the wire")
	}
	if parsed.ReplyTo == nil || *parsed.ReplyTo != reply {
		t.Error("reply reference did not survive the wire")
	}
	if len(parsed.MediaRefs) != 1 || parsed.MediaRefs[0] != media {
		t.Error("media references did not survive the wire")
	}
	if parsed.Header != env.Header {
		t.Error("ratchet header did not survive the wire")
	}

	pt, err := Open(recvSt, parsed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello wire")) {
		t.Fatalf("Open() = %q, want %q", pt, "hello wire")
	}
}

func TestForgedTagRejected(t *testing.T) {
	sendSt, recvSt, sender, recipient := testStates(t)

	env, err := Seal(sendSt, sender, recipient, time.Now().Unix(), []byte("authentic"), Options{})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	env.Ciphertext[len(env.Ciphertext)-1] ^= 0x01

	if _, err := Open(recvSt, env); err == nil {
		t.Fatal("Open() accepted a forged authentication tag")
	}
}

// Swapping the recipient changes the associated data, so the tag must fail
// even though header and ciphertext are untouched.
func TestAssociatedDataBinding(t *testing.T) {
	sendSt, recvSt, sender, recipient := testStates(t)

	env, err := Seal(sendSt, sender, recipient, time.Now().Unix(), []byte("bound"), Options{})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	other, _ := identity.GenerateKeyPair()
	env.Recipient = other.Public

	if _, err := Open(recvSt, env); err == nil {
		t.Fatal("Open() accepted an envelope rebound to another recipient")
	}
}

func TestUnsupportedVersion(t *testing.T) {
	sendSt, recvSt, sender, recipient := testStates(t)

	env, err := Seal(sendSt, sender, recipient, time.Now().Unix(), []byte("v"), Options{})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	env.Version = 99
	if _, err := Open(recvSt, env); err == nil {
		t.Fatal("Open() accepted an unsupported version")
	}

	wire, _ := env.Marshal()
	if _, err := Unmarshal(wire); err == nil {
		t.Fatal("Unmarshal() accepted an unsupported version byte")
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	sendSt, _, sender, recipient := testStates(t)

	env, err := Seal(sendSt, sender, recipient, time.Now().Unix(), []byte("short"), Options{})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	wire, _ := env.Marshal()

	for _, n := range []int{0, 1, fixedSize - 1, len(wire) - TagSize - 1} {
		if _, err := Unmarshal(wire[:n]); err == nil {
			t.Errorf("Unmarshal() accepted %d-byte truncation", n)
		}
	}
}

func TestIDStringRoundTrip(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID() error: %v", err)
	}
	if parsed != id {
		t.Error("ParseID() round trip mismatch")
	}

	if _, err := ParseID("not-a-uuid"); err == nil {
		t.Error("ParseID() accepted malformed input")
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatal("NewID() produced a duplicate identifier")
		}
		seen[id] = true
	}
}
