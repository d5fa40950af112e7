package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/identity"
)

// TCPTransport carries packets over TCP connections protected by the Noise
// IK pattern. Both sides authenticate with the X25519 static key derived
// from their identity, so an inbound connection can be mapped back to the
// peer identity without any extra exchange.
type TCPTransport struct {
	keys     *identity.KeyPair
	static   *identity.XKeyPair
	listener net.Listener

	mu       sync.RWMutex
	handler  Handler
	peers    map[identity.PublicKey]string
	byStatic map[[32]byte]identity.PublicKey
	conns    map[identity.PublicKey]*secureConn
	closed   bool

	wg sync.WaitGroup
}

// secureConn is one established connection with its session ciphers. Writes
// are serialized because the Noise cipher state carries a nonce counter.
type secureConn struct {
	conn    net.Conn
	ciphers *cipherPair
	writeMu sync.Mutex
}

// NewTCPTransport starts listening on listenAddr and accepts Noise-protected
// connections on behalf of the given identity.
func NewTCPTransport(listenAddr string, keys *identity.KeyPair) (*TCPTransport, error) {
	static, err := keys.KeyExchangeKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to derive transport static key: %w", err)
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	t := &TCPTransport{
		keys:     keys,
		static:   static,
		listener: listener,
		peers:    make(map[identity.PublicKey]string),
		byStatic: make(map[[32]byte]identity.PublicKey),
		conns:    make(map[identity.PublicKey]*secureConn),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewTCPTransport",
		"package":  "transport",
		"address":  listener.Addr().String(),
	}).Info("TCP transport listening")

	return t, nil
}

// LocalAddr returns the address the transport is listening on.
func (t *TCPTransport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

// LocalKey returns the identity this transport authenticates as.
func (t *TCPTransport) LocalKey() identity.PublicKey {
	return t.keys.Public
}

// SetHandler installs the inbound packet callback.
func (t *TCPTransport) SetHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// AddPeer registers the network address for a peer identity. Inbound
// connections from identities that were never registered are rejected.
func (t *TCPTransport) AddPeer(peer identity.PublicKey, addr string) error {
	static, err := identity.KeyExchangePublicKey(peer)
	if err != nil {
		return fmt.Errorf("failed to derive peer static key: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peer] = addr
	t.byStatic[static] = peer
	return nil
}

// Send delivers a packet to the peer, dialing a fresh connection when no
// established one exists. Unreachable peers report ErrPeerUnreachable so the
// caller can fall back to its outbox.
func (t *TCPTransport) Send(ctx context.Context, peer identity.PublicKey, packet *Packet) error {
	serialized, err := packet.Serialize()
	if err != nil {
		return err
	}

	sc, err := t.connection(ctx, peer)
	if err != nil {
		return err
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	encrypted, err := sc.ciphers.send.Encrypt(nil, nil, serialized)
	if err != nil {
		return fmt.Errorf("failed to encrypt packet: %w", err)
	}
	if err := writeFrame(sc.conn, encrypted); err != nil {
		t.dropConn(peer, sc)
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

// connection returns the established connection for peer, dialing if needed.
func (t *TCPTransport) connection(ctx context.Context, peer identity.PublicKey) (*secureConn, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, ErrTransportClosed
	}
	sc := t.conns[peer]
	addr, known := t.peers[peer]
	t.mu.RUnlock()

	if sc != nil {
		return sc, nil
	}
	if !known {
		return nil, ErrUnknownPeer
	}
	return t.dial(ctx, peer, addr)
}

func (t *TCPTransport) dial(ctx context.Context, peer identity.PublicKey, addr string) (*secureConn, error) {
	peerStatic, err := identity.KeyExchangePublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer static key: %w", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	ciphers, err := ikInitiate(conn, t.static, peerStatic)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake failed: %v", ErrPeerUnreachable, err)
	}

	sc := &secureConn{conn: conn, ciphers: ciphers}
	t.registerConn(peer, sc)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(peer, sc)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "dial",
		"package":  "transport",
		"peer":     peer.String(),
		"address":  addr,
	}).Debug("established outbound connection")

	return sc, nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

func (t *TCPTransport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	ciphers, remoteStatic, err := ikRespond(conn, t.static)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"package":  "transport",
			"error":    err.Error(),
		}).Warn("inbound handshake failed")
		conn.Close()
		return
	}

	t.mu.RLock()
	peer, known := t.byStatic[remoteStatic]
	t.mu.RUnlock()
	if !known {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"package":  "transport",
			"remote":   conn.RemoteAddr().String(),
		}).Warn("rejecting connection from unregistered identity")
		conn.Close()
		return
	}

	sc := &secureConn{conn: conn, ciphers: ciphers}
	t.registerConn(peer, sc)
	t.readLoop(peer, sc)
}

// readLoop decrypts and dispatches frames until the connection fails.
func (t *TCPTransport) readLoop(peer identity.PublicKey, sc *secureConn) {
	for {
		frame, err := readFrame(sc.conn)
		if err != nil {
			t.dropConn(peer, sc)
			return
		}
		plaintext, err := sc.ciphers.recv.Decrypt(nil, nil, frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"package":  "transport",
				"peer":     peer.String(),
			}).Warn("dropping undecryptable frame, closing connection")
			t.dropConn(peer, sc)
			return
		}
		packet, err := ParsePacket(plaintext)
		if err != nil {
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(peer, packet)
		}
	}
}

func (t *TCPTransport) registerConn(peer identity.PublicKey, sc *secureConn) {
	t.mu.Lock()
	if old := t.conns[peer]; old != nil && old != sc {
		old.conn.Close()
	}
	t.conns[peer] = sc
	t.mu.Unlock()
}

func (t *TCPTransport) dropConn(peer identity.PublicKey, sc *secureConn) {
	t.mu.Lock()
	if t.conns[peer] == sc {
		delete(t.conns, peer)
	}
	t.mu.Unlock()
	sc.conn.Close()
}

// Close stops the listener and tears down all connections.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*secureConn, 0, len(t.conns))
	for _, sc := range t.conns {
		conns = append(conns, sc)
	}
	t.conns = make(map[identity.PublicKey]*secureConn)
	t.mu.Unlock()

	err := t.listener.Close()
	for _, sc := range conns {
		sc.conn.Close()
	}
	t.wg.Wait()
	return err
}
