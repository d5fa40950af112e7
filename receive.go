package dmcore

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/envelope"
	"github.com/opd-ai/dmcore/handshake"
	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/metrics"
	"github.com/opd-ai/dmcore/ratchet"
	"github.com/opd-ai/dmcore/transport"
)

// handlePacket dispatches one inbound packet from an authenticated peer.
// Malformed and undecryptable packets are dropped with a log line and never
// surface to the application.
func (m *Messenger) handlePacket(peer identity.PublicKey, packet *transport.Packet) {
	switch packet.Type {
	case transport.PacketHandshakeInit:
		m.handleHandshakeInit(peer, packet.Data)
	case transport.PacketHandshakeResponse:
		m.handleHandshakeResponse(peer, packet.Data)
	case transport.PacketEnvelope:
		m.handleEnvelope(peer, packet.Data)
	case transport.PacketAck:
		m.handleAck(peer, packet.Data)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"package":  "dmcore",
			"peer":     peer.String(),
			"type":     packet.Type.String(),
		}).Debug("dropping packet of unknown type")
	}
}

// handleHandshakeInit runs the responder side of a handshake. When both
// sides initiated at once, the lexicographically smaller identity yields and
// reissues as responder; the larger side ignores the colliding initiation
// and waits for the response to its own.
func (m *Messenger) handleHandshakeInit(peer identity.PublicKey, data []byte) {
	msg, err := handshake.UnmarshalMessage(data)
	if err != nil || msg.Sender != peer {
		m.dropHandshake(peer, "malformed initiation")
		return
	}

	ps := m.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.pending != nil {
		if handshake.ResponderOf(m.keys.Public, peer) != m.keys.Public {
			// We keep the initiator role; the peer yields.
			return
		}
		// Yield: abandon our initiation and answer theirs instead. Our
		// waiters are released once the responder handshake installs the
		// session below.
		defer func() {
			if pending := ps.pending; pending != nil {
				ps.pending = nil
				if ps.session != nil {
					pending.finish(nil)
				} else {
					pending.finish(ErrHandshakeFailed)
				}
			}
		}()
	}

	hs, err := handshake.New(m.keys, peer, handshake.Responder)
	if err != nil {
		m.dropHandshake(peer, err.Error())
		return
	}
	response, err := hs.Respond(msg)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		m.dropHandshake(peer, err.Error())
		return
	}
	result, err := hs.Result()
	if err != nil {
		m.dropHandshake(peer, err.Error())
		return
	}

	// Session first, response second: if the response is lost the peer
	// retries its initiation and we answer from a fresh handshake.
	if err := m.installSession(ps, peer, result); err != nil {
		m.dropHandshake(peer, err.Error())
		return
	}

	packet := &transport.Packet{Type: transport.PacketHandshakeResponse, Data: response.Marshal()}
	if err := m.transport.Send(context.Background(), peer, packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleHandshakeInit",
			"package":  "dmcore",
			"peer":     peer.String(),
			"error":    err.Error(),
		}).Warn("failed to send handshake response")
	}
}

// handleHandshakeResponse completes our in-flight initiator handshake.
func (m *Messenger) handleHandshakeResponse(peer identity.PublicKey, data []byte) {
	msg, err := handshake.UnmarshalMessage(data)
	if err != nil || msg.Sender != peer {
		m.dropHandshake(peer, "malformed response")
		return
	}

	ps := m.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pending := ps.pending
	if pending == nil {
		m.dropHandshake(peer, "no handshake in flight")
		return
	}
	ps.pending = nil

	if err := pending.hs.Finish(msg); err != nil {
		metrics.HandshakeFailures.Inc()
		m.notifySession(peer, StatusNone)
		pending.finish(err)
		return
	}
	result, err := pending.hs.Result()
	if err != nil {
		pending.finish(err)
		return
	}
	if err := m.installSession(ps, peer, result); err != nil {
		pending.finish(err)
		return
	}
	pending.finish(nil)
}

// handleEnvelope decrypts, dedupes, stores, and acks one inbound envelope.
// Every failure short of a store error is a silent drop: decryption faults
// may be noise or tampering and either way the sender learns nothing.
func (m *Messenger) handleEnvelope(peer identity.PublicKey, data []byte) {
	env, err := envelope.Unmarshal(data)
	if err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if env.Sender != peer || env.Recipient != m.keys.Public {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return
	}

	ps := m.peer(peer)
	ps.mu.Lock()

	sess := m.sessionLocked(ps, peer)
	if sess == nil {
		ps.mu.Unlock()
		metrics.EnvelopesDropped.WithLabelValues("decrypt").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelope",
			"package":  "dmcore",
			"peer":     peer.String(),
		}).Debug("dropping envelope without session")
		return
	}

	plaintext, advanced, err := sess.Decrypt(env)
	if err != nil && ps.provisional != nil {
		// The peer may have switched to the session from a re-handshake.
		// The first envelope that decrypts under it promotes it.
		if pt, adv, perr := ps.provisional.Decrypt(env); perr == nil {
			sess = ps.provisional
			plaintext, advanced, err = pt, adv, nil
			if serr := m.persistSession(sess, adv, peer); serr != nil {
				ps.mu.Unlock()
				logrus.WithFields(logrus.Fields{
					"function": "handleEnvelope",
					"package":  "dmcore",
					"peer":     peer.String(),
					"error":    serr.Error(),
				}).Error("failed to persist session, rejecting envelope")
				return
			}
			m.promoteProvisional(ps, peer)
		}
	}
	if err != nil {
		ps.mu.Unlock()
		if errors.Is(err, ratchet.ErrReplay) {
			// A consumed counter means this envelope was accepted before
			// and the ack was lost. Re-ack so the sender's outbox drains.
			metrics.EnvelopesDropped.WithLabelValues("duplicate").Inc()
			m.sendAck(peer, env.ID)
			return
		}
		metrics.EnvelopesDropped.WithLabelValues("decrypt").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelope",
			"package":  "dmcore",
			"peer":     peer.String(),
			"envelope": env.ID.String(),
		}).Debug("dropping undecryptable envelope")
		return
	}

	if err := m.persistSession(sess, advanced, peer); err != nil {
		// Without the persisted ratchet step the envelope must be treated
		// as never received; the sender retransmits it.
		ps.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelope",
			"package":  "dmcore",
			"peer":     peer.String(),
			"error":    err.Error(),
		}).Error("failed to persist session, rejecting envelope")
		return
	}
	sess.Commit(advanced)

	msg, fresh, err := m.convs.AppendIncoming(
		peer.String(), env.ID.String(), string(plaintext),
		replyRef(env), mediaRefs(env), time.Unix(env.CreatedAt, 0),
	)
	ps.mu.Unlock()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelope",
			"package":  "dmcore",
			"peer":     peer.String(),
			"error":    err.Error(),
		}).Error("failed to store message")
		return
	}

	m.sendAck(peer, env.ID)
	if fresh {
		metrics.EnvelopesReceived.Inc()
		m.notifyMessage(peer, msg)
	} else {
		metrics.EnvelopesDropped.WithLabelValues("duplicate").Inc()
	}
}

// handleAck resolves one outbox entry. Acks carry just the envelope ID and
// are never acknowledged themselves.
func (m *Messenger) handleAck(peer identity.PublicKey, data []byte) {
	if len(data) != envelope.IDSize {
		return
	}
	var id envelope.ID
	copy(id[:], data)

	if err := m.outbox.HandleAck(peer.String(), id.String()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAck",
			"package":  "dmcore",
			"peer":     peer.String(),
			"envelope": id.String(),
			"error":    err.Error(),
		}).Warn("failed to process ack")
	}
}

// sendAck is best effort: a lost ack only costs one harmless
// retransmission.
func (m *Messenger) sendAck(peer identity.PublicKey, id envelope.ID) {
	packet := &transport.Packet{Type: transport.PacketAck, Data: id[:]}
	if err := m.transport.Send(context.Background(), peer, packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendAck",
			"package":  "dmcore",
			"peer":     peer.String(),
			"envelope": id.String(),
		}).Debug("failed to send ack")
	}
}

func (m *Messenger) dropHandshake(peer identity.PublicKey, reason string) {
	logrus.WithFields(logrus.Fields{
		"function": "dropHandshake",
		"package":  "dmcore",
		"peer":     peer.String(),
		"reason":   reason,
	}).Warn("dropping handshake message")
}

func replyRef(env *envelope.Envelope) string {
	if env.ReplyTo == nil {
		return ""
	}
	return env.ReplyTo.String()
}

func mediaRefs(env *envelope.Envelope) [][]byte {
	if len(env.MediaRefs) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(env.MediaRefs))
	for i := range env.MediaRefs {
		ref := make([]byte, envelope.MediaRefSize)
		copy(ref, env.MediaRefs[i][:])
		out = append(out, ref)
	}
	return out
}
