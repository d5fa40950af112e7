// Package conversation maintains the per-peer message history as a
// projection over decrypted envelopes. It owns inbound deduplication,
// unread tracking, and cursor pagination; it never touches key material.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/limits"
	"github.com/opd-ai/dmcore/storage"
)

// ErrEmptyMessage indicates an attempt to record a message with no body.
var ErrEmptyMessage = errors.New("empty message body")

// DefaultPageSize is the message page size when the caller passes no limit.
const DefaultPageSize = 50

// Manager provides the conversation view over a store.
type Manager struct {
	store storage.Store
}

// NewManager creates a conversation manager over the given store.
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// AppendOutgoing records a locally composed message. Outgoing messages are
// born read and undelivered; delivery is flipped when the peer's ack
// arrives.
func (m *Manager) AppendOutgoing(peer, envelopeID, body, replyTo string, media [][]byte, at time.Time) (*storage.Message, error) {
	msg, err := m.buildMessage(peer, envelopeID, body, replyTo, media, at)
	if err != nil {
		return nil, err
	}
	msg.Direction = storage.DirectionOutgoing
	msg.Read = true

	seq, err := m.store.AppendMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to append outgoing message: %w", err)
	}
	msg.Seq = seq
	return msg, nil
}

// AppendIncoming records a decrypted message from a peer after checking the
// (sender, envelope ID) pair against the seen set. It returns the stored
// message and true, or nil and false when the envelope is a duplicate
// retransmission. Duplicates are dropped before they can touch the history,
// which is what makes retransmission by the sender's outbox safe.
func (m *Manager) AppendIncoming(peer, envelopeID, body, replyTo string, media [][]byte, at time.Time) (*storage.Message, bool, error) {
	fresh, err := m.store.MarkEnvelopeSeen(peer, envelopeID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check envelope dedup: %w", err)
	}
	if !fresh {
		logrus.WithFields(logrus.Fields{
			"function": "AppendIncoming",
			"package":  "conversation",
			"peer":     peer,
			"envelope": envelopeID,
		}).Debug("dropping duplicate envelope")
		return nil, false, nil
	}

	msg, err := m.buildMessage(peer, envelopeID, body, replyTo, media, at)
	if err != nil {
		return nil, false, err
	}
	msg.Direction = storage.DirectionIncoming

	seq, err := m.store.AppendMessage(msg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to append incoming message: %w", err)
	}
	msg.Seq = seq
	return msg, true, nil
}

func (m *Manager) buildMessage(peer, envelopeID, body, replyTo string, media [][]byte, at time.Time) (*storage.Message, error) {
	if body == "" {
		return nil, ErrEmptyMessage
	}
	if err := limits.ValidatePlaintext([]byte(body)); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	return &storage.Message{
		Peer:       peer,
		EnvelopeID: envelopeID,
		Body:       body,
		ReplyTo:    replyTo,
		MediaRefs:  media,
		CreatedAt:  at,
	}, nil
}

// Messages returns one page of a peer's history, newest first. beforeSeq is
// the pagination cursor: 0 starts at the newest message, and each page's
// oldest Seq feeds the next call.
func (m *Manager) Messages(peer string, beforeSeq int64, limit int) ([]*storage.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return m.store.ListMessages(peer, beforeSeq, limit)
}

// Conversations returns the summary list, most recently active first.
func (m *Manager) Conversations() ([]*storage.ConversationSummary, error) {
	return m.store.Conversations()
}

// MarkRead clears a peer's unread count.
func (m *Manager) MarkRead(peer string) error {
	return m.store.MarkRead(peer)
}

// MarkDelivered flags the outgoing message carrying envelopeID as
// acknowledged by the peer.
func (m *Manager) MarkDelivered(peer, envelopeID string) error {
	return m.store.MarkDelivered(peer, envelopeID)
}
