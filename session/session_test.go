package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/envelope"
	"github.com/opd-ai/dmcore/handshake"
	"github.com/opd-ai/dmcore/identity"
)

// establish runs a full handshake and returns mirrored sessions plus the
// two identities.
func establish(t *testing.T) (*Session, *Session, *identity.KeyPair, *identity.KeyPair) {
	t.Helper()

	alice, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	hi, err := handshake.New(alice, bob.Public, handshake.Initiator)
	require.NoError(t, err)
	hr, err := handshake.New(bob, alice.Public, handshake.Responder)
	require.NoError(t, err)

	m1, err := hi.Initiate()
	require.NoError(t, err)
	m2, err := hr.Respond(m1)
	require.NoError(t, err)
	require.NoError(t, hi.Finish(m2))

	ri, err := hi.Result()
	require.NoError(t, err)
	rr, err := hr.Result()
	require.NoError(t, err)

	return New(bob.Public, ri), New(alice.Public, rr), alice, bob
}

func TestEncryptDecryptCommit(t *testing.T) {
	sa, sb, alice, bob := establish(t)

	env, stA, err := sa.Encrypt(alice.Public, time.Now().Unix(), []byte("hello"), envelope.Options{})
	require.NoError(t, err)
	sa.Commit(stA)

	pt, stB, err := sb.Decrypt(env)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
	sb.Commit(stB)

	// Conversation continues across commits in both directions.
	env2, stB2, err := sb.Encrypt(bob.Public, time.Now().Unix(), []byte("reply"), envelope.Options{})
	require.NoError(t, err)
	sb.Commit(stB2)

	pt2, stA2, err := sa.Decrypt(env2)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), pt2)
	sa.Commit(stA2)
}

// Both peers compose before either has received anything, as happens right
// after a simultaneous handshake. Both first envelopes must decrypt and the
// session must keep working in both directions.
func TestCrossedFirstMessages(t *testing.T) {
	sa, sb, alice, bob := establish(t)

	envA, stA, err := sa.Encrypt(alice.Public, time.Now().Unix(), []byte("hi from alice"), envelope.Options{})
	require.NoError(t, err)
	sa.Commit(stA)

	envB, stB, err := sb.Encrypt(bob.Public, time.Now().Unix(), []byte("hi from bob"), envelope.Options{})
	require.NoError(t, err)
	sb.Commit(stB)

	pt, st, err := sb.Decrypt(envA)
	require.NoError(t, err)
	require.Equal(t, []byte("hi from alice"), pt)
	sb.Commit(st)

	pt, st, err = sa.Decrypt(envB)
	require.NoError(t, err)
	require.Equal(t, []byte("hi from bob"), pt)
	sa.Commit(st)

	for i := 0; i < 3; i++ {
		env, st, err := sa.Encrypt(alice.Public, time.Now().Unix(), []byte("ping"), envelope.Options{})
		require.NoError(t, err)
		sa.Commit(st)
		pt, st, err := sb.Decrypt(env)
		require.NoError(t, err)
		require.Equal(t, []byte("ping"), pt)
		sb.Commit(st)

		env, st, err = sb.Encrypt(bob.Public, time.Now().Unix(), []byte("pong"), envelope.Options{})
		require.NoError(t, err)
		sb.Commit(st)
		pt, st, err = sa.Decrypt(env)
		require.NoError(t, err)
		require.Equal(t, []byte("pong"), pt)
		sa.Commit(st)
	}
}

// An uncommitted Encrypt must not advance the session: the same plaintext
// encrypted again reuses the chain position and the peer decrypts it.
func TestUncommittedEncryptLeavesStateUntouched(t *testing.T) {
	sa, sb, alice, _ := establish(t)

	// First attempt: the send "fails", the returned state is discarded.
	_, _, err := sa.Encrypt(alice.Public, time.Now().Unix(), []byte("lost"), envelope.Options{})
	require.NoError(t, err)

	// Second attempt succeeds and commits.
	env, st, err := sa.Encrypt(alice.Public, time.Now().Unix(), []byte("sent"), envelope.Options{})
	require.NoError(t, err)
	sa.Commit(st)

	pt, stB, err := sb.Decrypt(env)
	require.NoError(t, err)
	require.Equal(t, []byte("sent"), pt)
	sb.Commit(stB)
}

func TestFailedDecryptLeavesStateUntouched(t *testing.T) {
	sa, sb, alice, _ := establish(t)

	env, st, err := sa.Encrypt(alice.Public, time.Now().Unix(), []byte("ok"), envelope.Options{})
	require.NoError(t, err)
	sa.Commit(st)

	forged := *env
	forged.Ciphertext = append([]byte(nil), env.Ciphertext...)
	forged.Ciphertext[0] ^= 0xff
	_, _, err = sb.Decrypt(&forged)
	require.Error(t, err)

	// The genuine envelope still decrypts afterwards.
	pt, stB, err := sb.Decrypt(env)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), pt)
	sb.Commit(stB)
}

func TestMarshalRoundTrip(t *testing.T) {
	sa, sb, alice, _ := establish(t)

	// Exchange one message so the state is mid-conversation.
	env, st, err := sa.Encrypt(alice.Public, time.Now().Unix(), []byte("before restart"), envelope.Options{})
	require.NoError(t, err)
	sa.Commit(st)
	_, stB, err := sb.Decrypt(env)
	require.NoError(t, err)
	sb.Commit(stB)

	// Simulate a process restart on both ends.
	blobA, err := sa.Marshal()
	require.NoError(t, err)
	blobB, err := sb.Marshal()
	require.NoError(t, err)

	ra, err := Unmarshal(blobA)
	require.NoError(t, err)
	rb, err := Unmarshal(blobB)
	require.NoError(t, err)
	require.Equal(t, sa.Peer, ra.Peer)
	require.True(t, ra.Established)

	// The restored sessions continue the conversation.
	env2, st2, err := ra.Encrypt(alice.Public, time.Now().Unix(), []byte("after restart"), envelope.Options{})
	require.NoError(t, err)
	ra.Commit(st2)

	pt, st3, err := rb.Decrypt(env2)
	require.NoError(t, err)
	require.Equal(t, []byte("after restart"), pt)
	rb.Commit(st3)
}

func TestUnmarshalRejectsBadBlob(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	require.Error(t, err)

	_, err = Unmarshal([]byte(`{"version": 99}`))
	require.ErrorIs(t, err, ErrBlobVersion)
}

func TestNotEstablished(t *testing.T) {
	s := &Session{}
	_, _, err := s.Encrypt(identity.PublicKey{}, 0, []byte("x"), envelope.Options{})
	require.ErrorIs(t, err, ErrNotEstablished)
	_, _, err = s.Decrypt(&envelope.Envelope{})
	require.ErrorIs(t, err, ErrNotEstablished)
}
