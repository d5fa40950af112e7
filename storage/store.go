// Package storage defines the persistence boundary of the messaging
// subsystem and provides SQLite-backed and in-memory implementations.
//
// The subsystem persists three kinds of state: session blobs (opaque
// serialized ratchet state keyed by peer identity), outbox entries
// (encrypted envelopes awaiting delivery confirmation), and decrypted
// conversation messages. A session blob is written as a single record, so a
// ratchet step either commits completely or not at all.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DeliveryState tracks an outbox entry through its lifecycle.
type DeliveryState uint8

const (
	// StatePending means the envelope has not been handed to the transport
	// yet, or a send attempt failed and it is awaiting retry.
	StatePending DeliveryState = iota
	// StateSentAwaitingAck means the envelope was written to a stream and
	// the sender is waiting for the recipient's acknowledgment.
	StateSentAwaitingAck
	// StateDelivered means the recipient acknowledged the envelope. Terminal.
	StateDelivered
	// StateAbandoned means the retry ceiling was exceeded. Terminal until a
	// manual retry re-enqueues the entry.
	StateAbandoned
)

// String returns a human-readable state name for logging.
func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSentAwaitingAck:
		return "sent-awaiting-ack"
	case StateDelivered:
		return "delivered"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// OutboxEntry is the durable record of an envelope that has not been
// acknowledged as delivered. The envelope bytes are already encrypted;
// storage never sees plaintext or key material.
type OutboxEntry struct {
	EnvelopeID  string
	Peer        string
	Envelope    []byte
	CreatedAt   time.Time
	RetryCount  int
	LastAttempt time.Time
	NextAttempt time.Time
	State       DeliveryState
}

// Direction distinguishes sent from received conversation messages.
type Direction uint8

const (
	// DirectionOutgoing marks a message composed locally.
	DirectionOutgoing Direction = iota
	// DirectionIncoming marks a message received from the peer.
	DirectionIncoming
)

// Message is one decrypted conversation message. Conversations are a
// read-mostly projection rebuilt from envelopes; they never hold keys.
type Message struct {
	Seq        int64
	Peer       string
	EnvelopeID string
	Direction  Direction
	Body       string
	ReplyTo    string
	MediaRefs  [][]byte
	CreatedAt  time.Time
	Delivered  bool
	Read       bool
}

// ConversationSummary is the per-peer rollup shown in a conversation list.
type ConversationSummary struct {
	Peer        string
	LastPreview string
	LastAt      time.Time
	Unread      int
	Total       int
}

// Store is the persistence interface consumed by the messaging subsystem.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveSession writes the serialized session blob for a peer, replacing
	// any prior blob atomically.
	SaveSession(peer string, blob []byte) error
	// LoadSession returns the session blob for a peer, or ErrNotFound.
	LoadSession(peer string) ([]byte, error)
	// DeleteSession removes the session blob for a peer.
	DeleteSession(peer string) error

	// SaveOutboxEntry inserts or updates an outbox entry keyed by envelope ID.
	SaveOutboxEntry(entry *OutboxEntry) error
	// GetOutboxEntry returns one entry by envelope ID, or ErrNotFound.
	GetOutboxEntry(envelopeID string) (*OutboxEntry, error)
	// DeleteOutboxEntry removes an entry by envelope ID.
	DeleteOutboxEntry(envelopeID string) error
	// ListOutbox returns a peer's entries oldest-first.
	ListOutbox(peer string) ([]*OutboxEntry, error)
	// OutboxPeers returns the peers with at least one outbox entry.
	OutboxPeers() ([]string, error)

	// MarkEnvelopeSeen records (sender, envelope ID) for deduplication and
	// reports whether the pair was new. The check and the insert are one
	// atomic operation.
	MarkEnvelopeSeen(sender, envelopeID string) (bool, error)

	// AppendMessage appends a conversation message and returns its assigned
	// sequence number.
	AppendMessage(m *Message) (int64, error)
	// ListMessages returns up to limit messages for a peer with Seq below
	// beforeSeq (0 means newest), newest-first. This is the pagination
	// cursor for the UI layer.
	ListMessages(peer string, beforeSeq int64, limit int) ([]*Message, error)
	// MarkDelivered flags the outgoing message carrying envelopeID as
	// delivered.
	MarkDelivered(peer, envelopeID string) error
	// MarkRead clears the unread state of all of a peer's messages.
	MarkRead(peer string) error
	// Conversations returns one summary per peer, most recent first.
	Conversations() ([]*ConversationSummary, error)

	// Close releases any resources held by the store.
	Close() error
}
