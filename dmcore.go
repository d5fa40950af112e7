// Package dmcore implements end-to-end encrypted direct messaging between
// peer identities: an authenticated handshake that bootstraps a double
// ratchet session, sealed envelopes over an authenticated transport, and a
// durable outbox that retries delivery across offline periods until the
// recipient acknowledges each envelope.
//
// The Messenger is the application-facing entry point. It owns one session
// per peer, serializes all session mutations per peer, and keeps ratchet
// state, outbox entries, and conversation history in the configured store.
package dmcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/conversation"
	"github.com/opd-ai/dmcore/envelope"
	"github.com/opd-ai/dmcore/handshake"
	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/limits"
	"github.com/opd-ai/dmcore/metrics"
	"github.com/opd-ai/dmcore/outbox"
	"github.com/opd-ai/dmcore/ratchet"
	"github.com/opd-ai/dmcore/session"
	"github.com/opd-ai/dmcore/storage"
	"github.com/opd-ai/dmcore/transport"
)

var (
	// ErrSessionMissing indicates no established session exists for the
	// peer. Compose resolves it with an implicit handshake; it is surfaced
	// only when the handshake itself cannot proceed.
	ErrSessionMissing = errors.New("no established session for peer")
	// ErrTransportUnavailable indicates the peer is unreachable right now.
	// Composed messages survive it in the outbox.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrHandshakeFailed indicates the implicit handshake did not complete.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrClosed indicates the messenger has been shut down.
	ErrClosed = errors.New("messenger closed")
)

// DefaultHandshakeTimeout bounds how long Compose waits for a handshake
// response before giving up.
const DefaultHandshakeTimeout = 30 * time.Second

// SessionStatus describes the per-peer session state exposed to the UI.
type SessionStatus uint8

const (
	// StatusNone means no session and no handshake in flight.
	StatusNone SessionStatus = iota
	// StatusHandshaking means a handshake is in flight.
	StatusHandshaking
	// StatusEstablished means an established session exists.
	StatusEstablished
)

// String returns a human-readable status name.
func (s SessionStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusHandshaking:
		return "handshaking"
	case StatusEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// ComposeOptions carries the optional attributes of a composed message.
type ComposeOptions struct {
	// ReplyTo references the envelope ID of the message being replied to.
	ReplyTo string
	// MediaRefs are content-addressed references to out-of-band media.
	MediaRefs [][]byte
}

// Options configures a Messenger. Keys, Store, and Transport are required;
// the messenger takes ownership of all three and releases them on Close.
type Options struct {
	Keys      *identity.KeyPair
	Store     storage.Store
	Transport transport.Transport

	// Outbox tunes the retry queue. Zero values select the defaults.
	Outbox outbox.Options

	// HandshakeTimeout bounds implicit handshakes during Compose.
	HandshakeTimeout time.Duration
}

// MessageCallback receives each newly stored inbound message.
type MessageCallback func(peer identity.PublicKey, msg *storage.Message)

// DeliveryCallback receives outbox delivery state transitions.
type DeliveryCallback func(peer identity.PublicKey, envelopeID string, state storage.DeliveryState)

// SessionCallback receives per-peer session status changes.
type SessionCallback func(peer identity.PublicKey, status SessionStatus)

// pendingHandshake is an in-flight initiator handshake. Waiters block on
// done; err is valid once done is closed.
type pendingHandshake struct {
	hs   *handshake.Handshake
	done chan struct{}
	err  error
}

func (p *pendingHandshake) finish(err error) {
	p.err = err
	close(p.done)
}

// peerState serializes every session-mutating operation for one peer:
// handshakes, sends, and receives hold mu for the full clone-persist-commit
// cycle, so the ratchet never advances concurrently.
type peerState struct {
	mu      sync.Mutex
	session *session.Session
	pending *pendingHandshake

	// provisional holds a session from a completed re-handshake. It is
	// promoted to current the first time an envelope decrypts under it,
	// so a stale colliding handshake can never displace a session the
	// peer is still using.
	provisional *session.Session
}

// Messenger is the end-to-end encrypted messaging endpoint for one local
// identity.
type Messenger struct {
	keys      *identity.KeyPair
	store     storage.Store
	transport transport.Transport
	convs     *conversation.Manager
	outbox    *outbox.Manager

	handshakeTimeout time.Duration

	mu     sync.Mutex
	peers  map[identity.PublicKey]*peerState
	closed bool

	cbMu       sync.RWMutex
	onMessage  MessageCallback
	onDelivery DeliveryCallback
	onSession  SessionCallback
}

// New creates a messenger, wires it to the transport, and starts the outbox
// flush loop.
func New(opts Options) (*Messenger, error) {
	if opts.Keys == nil {
		return nil, errors.New("identity keys are required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	m := &Messenger{
		keys:             opts.Keys,
		store:            opts.Store,
		transport:        opts.Transport,
		convs:            conversation.NewManager(opts.Store),
		handshakeTimeout: opts.HandshakeTimeout,
		peers:            make(map[identity.PublicKey]*peerState),
	}
	m.outbox = outbox.NewManager(opts.Store, m.sendEnvelope, opts.Outbox)
	m.outbox.OnStateChange(m.deliveryChanged)

	m.transport.SetHandler(m.handlePacket)
	m.outbox.Start()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "dmcore",
		"identity": opts.Keys.Public.String(),
	}).Info("messenger started")

	return m, nil
}

// Close stops the flush loop and releases the transport and store.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.outbox.Stop()
	err := m.transport.Close()
	if serr := m.store.Close(); err == nil {
		err = serr
	}
	return err
}

// ID returns the local identity.
func (m *Messenger) ID() identity.PublicKey {
	return m.keys.Public
}

// OnMessage installs the inbound message callback.
func (m *Messenger) OnMessage(fn MessageCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onMessage = fn
}

// OnDeliveryStateChange installs the delivery state callback.
func (m *Messenger) OnDeliveryStateChange(fn DeliveryCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onDelivery = fn
}

// OnSessionStatus installs the session status callback.
func (m *Messenger) OnSessionStatus(fn SessionCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onSession = fn
}

func (m *Messenger) peer(key identity.PublicKey) *peerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[key]
	if !ok {
		ps = &peerState{}
		m.peers[key] = ps
	}
	return ps
}

// PeerStatus reports the session state for a peer.
func (m *Messenger) PeerStatus(peer identity.PublicKey) SessionStatus {
	ps := m.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if m.sessionLocked(ps, peer) != nil {
		return StatusEstablished
	}
	if ps.pending != nil {
		return StatusHandshaking
	}
	return StatusNone
}

// Compose encrypts a message for the peer and hands it to delivery. When no
// session exists an implicit handshake runs first; when the peer is
// unreachable the sealed envelope stays in the outbox and the flush loop
// retries it. The returned message is the pending local record; the
// delivery callback reports its progress.
func (m *Messenger) Compose(ctx context.Context, peer identity.PublicKey, text string, opts ComposeOptions) (*storage.Message, error) {
	if err := limits.ValidatePlaintext([]byte(text)); err != nil {
		return nil, err
	}
	envOpts, err := buildEnvelopeOptions(opts)
	if err != nil {
		return nil, err
	}

	ps := m.peer(peer)
	if err := m.ensureSession(ctx, ps, peer); err != nil {
		return nil, err
	}

	ps.mu.Lock()
	sess := m.sessionLocked(ps, peer)
	if sess == nil {
		ps.mu.Unlock()
		return nil, ErrSessionMissing
	}

	env, advanced, err := sess.Encrypt(m.keys.Public, time.Now().Unix(), []byte(text), envOpts)
	if err != nil {
		ps.mu.Unlock()
		return nil, fmt.Errorf("failed to seal message: %w", err)
	}
	wire, err := env.Marshal()
	if err != nil {
		ps.mu.Unlock()
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	// Durability order: envelope first, advanced session second, only then
	// the in-memory commit. A crash in between leaves either a deliverable
	// envelope or an unadvanced ratchet, never a half-step.
	entry, err := m.outbox.Enqueue(peer.String(), env.ID.String(), wire)
	if err != nil {
		ps.mu.Unlock()
		return nil, err
	}
	if err := m.persistSession(sess, advanced, peer); err != nil {
		_ = m.store.DeleteOutboxEntry(env.ID.String())
		ps.mu.Unlock()
		return nil, err
	}
	sess.Commit(advanced)

	msg, err := m.convs.AppendOutgoing(peer.String(), env.ID.String(), text, opts.ReplyTo, opts.MediaRefs, time.Now())
	if err != nil {
		ps.mu.Unlock()
		return nil, err
	}
	ps.mu.Unlock()

	// Live attempt outside the peer lock; failure just leaves the entry
	// pending for the next flush cycle.
	if err := m.outbox.Attempt(ctx, entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Compose",
			"package":  "dmcore",
			"peer":     peer.String(),
			"envelope": env.ID.String(),
		}).Debug("live send failed, envelope queued")
	}
	return msg, nil
}

// Conversations returns the conversation summaries, most recent first.
func (m *Messenger) Conversations() ([]*storage.ConversationSummary, error) {
	return m.convs.Conversations()
}

// Messages returns one page of a peer's history, newest first. beforeSeq 0
// starts at the newest message.
func (m *Messenger) Messages(peer identity.PublicKey, beforeSeq int64, limit int) ([]*storage.Message, error) {
	return m.convs.Messages(peer.String(), beforeSeq, limit)
}

// MarkRead clears the unread count for a peer's conversation.
func (m *Messenger) MarkRead(peer identity.PublicKey) error {
	return m.convs.MarkRead(peer.String())
}

// RetryAbandoned re-enqueues an abandoned outbox entry for delivery.
func (m *Messenger) RetryAbandoned(envelopeID string) error {
	return m.outbox.Retry(envelopeID)
}

// Flush runs one outbox flush cycle immediately.
func (m *Messenger) Flush(ctx context.Context) error {
	return m.outbox.Flush(ctx)
}

// sessionLocked returns the peer's established session, loading it from the
// store on first use. Caller holds ps.mu.
func (m *Messenger) sessionLocked(ps *peerState, peer identity.PublicKey) *session.Session {
	if ps.session != nil {
		return ps.session
	}
	blob, err := m.store.LoadSession(peer.String())
	if err != nil {
		return nil
	}
	sess, err := session.Unmarshal(blob)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sessionLocked",
			"package":  "dmcore",
			"peer":     peer.String(),
			"error":    err.Error(),
		}).Warn("discarding unreadable session blob")
		return nil
	}
	ps.session = sess
	return sess
}

// persistSession writes the session as it will look with advanced committed.
func (m *Messenger) persistSession(sess *session.Session, advanced *ratchet.State, peer identity.PublicKey) error {
	blob, err := sess.MarshalWith(advanced)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	if err := m.store.SaveSession(peer.String(), blob); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// installSession records the session produced by a completed handshake.
// Caller holds ps.mu. The first session for a peer installs directly; when
// a session already exists the new one stays provisional until an envelope
// decrypts under it, which proves the peer switched to it.
func (m *Messenger) installSession(ps *peerState, peer identity.PublicKey, result *handshake.Result) error {
	sess := session.New(peer, result)

	if m.sessionLocked(ps, peer) != nil {
		ps.provisional = sess
	} else {
		blob, err := sess.Marshal()
		if err != nil {
			return fmt.Errorf("failed to serialize session: %w", err)
		}
		if err := m.store.SaveSession(peer.String(), blob); err != nil {
			return fmt.Errorf("failed to persist session: %w", err)
		}
		ps.session = sess
	}

	metrics.HandshakesCompleted.WithLabelValues(result.Role.String()).Inc()
	m.notifySession(peer, StatusEstablished)
	return nil
}

// promoteProvisional makes the provisional session current. Caller holds
// ps.mu and has already persisted the session with the advanced state.
// Envelopes still queued under the replaced session can never decrypt
// again, so they are discarded rather than retried forever.
func (m *Messenger) promoteProvisional(ps *peerState, peer identity.PublicKey) {
	ps.session = ps.provisional
	ps.provisional = nil
	m.discardOutbox(peer)
	logrus.WithFields(logrus.Fields{
		"function": "promoteProvisional",
		"package":  "dmcore",
		"peer":     peer.String(),
	}).Info("replaced session after re-handshake")
}

// ensureSession makes sure an established session exists for the peer,
// running the initiator side of a handshake when none does.
func (m *Messenger) ensureSession(ctx context.Context, ps *peerState, peer identity.PublicKey) error {
	ps.mu.Lock()
	if m.sessionLocked(ps, peer) != nil {
		ps.mu.Unlock()
		return nil
	}

	var initMsg *handshake.Message
	if ps.pending == nil {
		hs, err := handshake.New(m.keys, peer, handshake.Initiator)
		if err != nil {
			ps.mu.Unlock()
			return fmt.Errorf("failed to start handshake: %w", err)
		}
		msg, err := hs.Initiate()
		if err != nil {
			ps.mu.Unlock()
			return fmt.Errorf("failed to start handshake: %w", err)
		}
		ps.pending = &pendingHandshake{hs: hs, done: make(chan struct{})}
		initMsg = msg
		m.notifySession(peer, StatusHandshaking)
	}
	pending := ps.pending
	ps.mu.Unlock()

	if initMsg != nil {
		packet := &transport.Packet{Type: transport.PacketHandshakeInit, Data: initMsg.Marshal()}
		if err := m.transport.Send(ctx, peer, packet); err != nil {
			ps.mu.Lock()
			if ps.pending == pending {
				ps.pending = nil
			}
			ps.mu.Unlock()
			pending.finish(fmt.Errorf("%w: %v", ErrTransportUnavailable, err))
			m.notifySession(peer, StatusNone)
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
	}

	timeout := time.NewTimer(m.handshakeTimeout)
	defer timeout.Stop()
	select {
	case <-pending.done:
		if pending.err != nil {
			return pending.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		ps.mu.Lock()
		if ps.pending == pending {
			ps.pending = nil
			m.notifySession(peer, StatusNone)
		}
		ps.mu.Unlock()
		return fmt.Errorf("%w: timed out waiting for response", ErrHandshakeFailed)
	}
}

// discardOutbox drops every queued envelope for a peer. Caller holds the
// peer lock.
func (m *Messenger) discardOutbox(peer identity.PublicKey) {
	entries, err := m.store.ListOutbox(peer.String())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if err := m.store.DeleteOutboxEntry(entry.EnvelopeID); err == nil {
			metrics.OutboxDepth.Dec()
		}
	}
	if len(entries) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "discardOutbox",
			"package":  "dmcore",
			"peer":     peer.String(),
			"entries":  len(entries),
		}).Info("discarded envelopes sealed under replaced session")
	}
}

// sendEnvelope is the outbox's delivery function: it resolves the peer and
// writes one envelope packet to the transport.
func (m *Messenger) sendEnvelope(ctx context.Context, peer string, envelopeBytes []byte) error {
	key, err := identity.ParseID(peer)
	if err != nil {
		return fmt.Errorf("outbox entry has invalid peer: %w", err)
	}
	packet := &transport.Packet{Type: transport.PacketEnvelope, Data: envelopeBytes}
	if err := m.transport.Send(ctx, key, packet); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (m *Messenger) deliveryChanged(entry *storage.OutboxEntry) {
	m.cbMu.RLock()
	fn := m.onDelivery
	m.cbMu.RUnlock()
	if fn == nil {
		return
	}
	peer, err := identity.ParseID(entry.Peer)
	if err != nil {
		return
	}
	fn(peer, entry.EnvelopeID, entry.State)
}

func (m *Messenger) notifySession(peer identity.PublicKey, status SessionStatus) {
	m.cbMu.RLock()
	fn := m.onSession
	m.cbMu.RUnlock()
	if fn != nil {
		fn(peer, status)
	}
}

func (m *Messenger) notifyMessage(peer identity.PublicKey, msg *storage.Message) {
	m.cbMu.RLock()
	fn := m.onMessage
	m.cbMu.RUnlock()
	if fn != nil {
		fn(peer, msg)
	}
}

func buildEnvelopeOptions(opts ComposeOptions) (envelope.Options, error) {
	var out envelope.Options
	if opts.ReplyTo != "" {
		id, err := envelope.ParseID(opts.ReplyTo)
		if err != nil {
			return out, fmt.Errorf("invalid reply reference: %w", err)
		}
		out.ReplyTo = &id
	}
	if len(opts.MediaRefs) > limits.MaxMediaRefs {
		return out, fmt.Errorf("too many media references: %d", len(opts.MediaRefs))
	}
	for _, ref := range opts.MediaRefs {
		if len(ref) != envelope.MediaRefSize {
			return out, fmt.Errorf("media reference must be %d bytes, got %d", envelope.MediaRefSize, len(ref))
		}
		var fixed [envelope.MediaRefSize]byte
		copy(fixed[:], ref)
		out.MediaRefs = append(out.MediaRefs, fixed)
	}
	return out, nil
}
