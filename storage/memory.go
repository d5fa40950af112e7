package storage

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and ephemeral nodes.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	outbox   map[string]*OutboxEntry
	seen     map[string]bool
	messages []*Message
	nextSeq  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		outbox:   make(map[string]*OutboxEntry),
		seen:     make(map[string]bool),
		nextSeq:  1,
	}
}

// SaveSession writes the session blob for a peer.
func (s *MemoryStore) SaveSession(peer string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[peer] = append([]byte(nil), blob...)
	return nil
}

// LoadSession returns the session blob for a peer.
func (s *MemoryStore) LoadSession(peer string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.sessions[peer]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// DeleteSession removes the session blob for a peer.
func (s *MemoryStore) DeleteSession(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peer)
	return nil
}

// SaveOutboxEntry inserts or updates an outbox entry.
func (s *MemoryStore) SaveOutboxEntry(entry *OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.Envelope = append([]byte(nil), entry.Envelope...)
	s.outbox[entry.EnvelopeID] = &cp
	return nil
}

// GetOutboxEntry returns one entry by envelope ID.
func (s *MemoryStore) GetOutboxEntry(envelopeID string) (*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.outbox[envelopeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

// DeleteOutboxEntry removes an entry by envelope ID.
func (s *MemoryStore) DeleteOutboxEntry(envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbox, envelopeID)
	return nil
}

// ListOutbox returns a peer's entries oldest-first.
func (s *MemoryStore) ListOutbox(peer string) ([]*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*OutboxEntry
	for _, entry := range s.outbox {
		if entry.Peer == peer {
			cp := *entry
			entries = append(entries, &cp)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// OutboxPeers returns the peers with outstanding entries.
func (s *MemoryStore) OutboxPeers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]bool)
	for _, entry := range s.outbox {
		set[entry.Peer] = true
	}
	peers := make([]string, 0, len(set))
	for peer := range set {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers, nil
}

// MarkEnvelopeSeen records the (sender, envelope ID) pair, reporting whether
// it was new.
func (s *MemoryStore) MarkEnvelopeSeen(sender, envelopeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sender + "/" + envelopeID
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

// AppendMessage appends a conversation message.
func (s *MemoryStore) AppendMessage(m *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	cp.Seq = s.nextSeq
	s.nextSeq++
	s.messages = append(s.messages, &cp)
	return cp.Seq, nil
}

// ListMessages pages a peer's messages newest-first below beforeSeq.
func (s *MemoryStore) ListMessages(peer string, beforeSeq int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if m.Peer != peer {
			continue
		}
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// MarkDelivered flags the outgoing message carrying envelopeID.
func (s *MemoryStore) MarkDelivered(peer, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Peer == peer && m.EnvelopeID == envelopeID && m.Direction == DirectionOutgoing {
			m.Delivered = true
			return nil
		}
	}
	return ErrNotFound
}

// MarkRead clears unread state for a peer.
func (s *MemoryStore) MarkRead(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Peer == peer {
			m.Read = true
		}
	}
	return nil
}

// Conversations returns per-peer summaries, most recent first.
func (s *MemoryStore) Conversations() ([]*ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPeer := make(map[string]*ConversationSummary)
	for _, m := range s.messages {
		summary, ok := byPeer[m.Peer]
		if !ok {
			summary = &ConversationSummary{Peer: m.Peer}
			byPeer[m.Peer] = summary
		}
		summary.Total++
		if m.Direction == DirectionIncoming && !m.Read {
			summary.Unread++
		}
		if m.CreatedAt.After(summary.LastAt) || summary.LastAt.IsZero() {
			summary.LastAt = m.CreatedAt
			summary.LastPreview = m.Body
		}
	}

	out := make([]*ConversationSummary, 0, len(byPeer))
	for _, summary := range byPeer {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAt.After(out[j].LastAt)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
