package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same contract, so every behavior is
// exercised against both.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("Memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})

	t.Run("SQLite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestSessionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.LoadSession("peer-a")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveSession("peer-a", []byte("blob-1")))
		blob, err := s.LoadSession("peer-a")
		require.NoError(t, err)
		require.Equal(t, []byte("blob-1"), blob)

		// Replacement is a single atomic write.
		require.NoError(t, s.SaveSession("peer-a", []byte("blob-2")))
		blob, err = s.LoadSession("peer-a")
		require.NoError(t, err)
		require.Equal(t, []byte("blob-2"), blob)

		require.NoError(t, s.DeleteSession("peer-a"))
		_, err = s.LoadSession("peer-a")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOutboxLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		base := time.Now().UTC().Truncate(time.Second)

		for i, id := range []string{"env-1", "env-2", "env-3"} {
			require.NoError(t, s.SaveOutboxEntry(&OutboxEntry{
				EnvelopeID: id,
				Peer:       "peer-a",
				Envelope:   []byte("ciphertext"),
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
				State:      StatePending,
			}))
		}
		require.NoError(t, s.SaveOutboxEntry(&OutboxEntry{
			EnvelopeID: "env-other",
			Peer:       "peer-b",
			Envelope:   []byte("ciphertext"),
			CreatedAt:  base,
			State:      StatePending,
		}))

		entries, err := s.ListOutbox("peer-a")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		// Oldest first: FIFO per peer.
		require.Equal(t, "env-1", entries[0].EnvelopeID)
		require.Equal(t, "env-3", entries[2].EnvelopeID)

		peers, err := s.OutboxPeers()
		require.NoError(t, err)
		require.Equal(t, []string{"peer-a", "peer-b"}, peers)

		// Update in place keyed by envelope ID.
		entry := entries[0]
		entry.RetryCount = 2
		entry.State = StateSentAwaitingAck
		entry.LastAttempt = base.Add(time.Minute)
		entry.NextAttempt = base.Add(3 * time.Minute)
		require.NoError(t, s.SaveOutboxEntry(entry))

		got, err := s.GetOutboxEntry("env-1")
		require.NoError(t, err)
		require.Equal(t, 2, got.RetryCount)
		require.Equal(t, StateSentAwaitingAck, got.State)
		require.False(t, got.NextAttempt.IsZero())

		require.NoError(t, s.DeleteOutboxEntry("env-1"))
		_, err = s.GetOutboxEntry("env-1")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEnvelopeDeduplication(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		fresh, err := s.MarkEnvelopeSeen("sender-a", "env-1")
		require.NoError(t, err)
		require.True(t, fresh)

		dup, err := s.MarkEnvelopeSeen("sender-a", "env-1")
		require.NoError(t, err)
		require.False(t, dup)

		// Same envelope ID from a different sender is a distinct pair.
		other, err := s.MarkEnvelopeSeen("sender-b", "env-1")
		require.NoError(t, err)
		require.True(t, other)
	})
}

func TestMessagePagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		base := time.Now().UTC().Truncate(time.Second)
		for i := 0; i < 10; i++ {
			_, err := s.AppendMessage(&Message{
				Peer:       "peer-a",
				EnvelopeID: "env-" + string(rune('0'+i)),
				Direction:  DirectionIncoming,
				Body:       "body " + string(rune('0'+i)),
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		// First page, newest first.
		page1, err := s.ListMessages("peer-a", 0, 4)
		require.NoError(t, err)
		require.Len(t, page1, 4)
		require.Equal(t, "body 9", page1[0].Body)
		require.Equal(t, "body 6", page1[3].Body)

		// Cursor continues below the last seq of the previous page.
		page2, err := s.ListMessages("peer-a", page1[3].Seq, 4)
		require.NoError(t, err)
		require.Len(t, page2, 4)
		require.Equal(t, "body 5", page2[0].Body)

		empty, err := s.ListMessages("peer-none", 0, 4)
		require.NoError(t, err)
		require.Empty(t, empty)
	})
}

func TestDeliveredAndRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC().Truncate(time.Second)
		_, err := s.AppendMessage(&Message{
			Peer: "peer-a", EnvelopeID: "out-1", Direction: DirectionOutgoing,
			Body: "sent", CreatedAt: now,
		})
		require.NoError(t, err)
		_, err = s.AppendMessage(&Message{
			Peer: "peer-a", EnvelopeID: "in-1", Direction: DirectionIncoming,
			Body: "received", CreatedAt: now.Add(time.Second),
		})
		require.NoError(t, err)

		require.NoError(t, s.MarkDelivered("peer-a", "out-1"))
		require.ErrorIs(t, s.MarkDelivered("peer-a", "missing"), ErrNotFound)
		// Incoming messages are never marked delivered.
		require.ErrorIs(t, s.MarkDelivered("peer-a", "in-1"), ErrNotFound)

		summaries, err := s.Conversations()
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		require.Equal(t, 1, summaries[0].Unread)
		require.Equal(t, 2, summaries[0].Total)
		require.Equal(t, "received", summaries[0].LastPreview)

		require.NoError(t, s.MarkRead("peer-a"))
		summaries, err = s.Conversations()
		require.NoError(t, err)
		require.Equal(t, 0, summaries[0].Unread)
	})
}

func TestConversationOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		base := time.Now().UTC().Truncate(time.Second)
		_, err := s.AppendMessage(&Message{
			Peer: "peer-old", EnvelopeID: "a", Direction: DirectionIncoming,
			Body: "old", CreatedAt: base,
		})
		require.NoError(t, err)
		_, err = s.AppendMessage(&Message{
			Peer: "peer-new", EnvelopeID: "b", Direction: DirectionIncoming,
			Body: "new", CreatedAt: base.Add(time.Hour),
		})
		require.NoError(t, err)

		summaries, err := s.Conversations()
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		require.Equal(t, "peer-new", summaries[0].Peer)
		require.Equal(t, "peer-old", summaries[1].Peer)
	})
}
