// Package quicdgram is an optional alternate transport.Socket backed by
// quic-go's unreliable-datagram extension (SendDatagram/ReceiveDatagram),
// per SPEC_FULL.md §4.7. It is grounded on the teacher's
// pkg/transport/quic/quic.go (Listen/Dial shape, ALPN setup, quic.Config
// idle/keepalive defaults), but every stream-oriented piece of that file
// (OpenStreamSync/AcceptStream) is replaced with the datagram API, since
// spec.md's protocol is message-per-datagram, not byte-stream, and nothing
// here does per-frame retransmission or ordering beyond what spec.md's own
// state machine already provides.
//
// spec.md's Non-goals exclude wire authentication/encryption; QUIC requires
// a TLS handshake to establish the connection regardless, so this backend
// uses a throwaway self-signed certificate server-side and disables peer
// verification client-side — TLS here is load-bearing only for QUIC's
// connection setup, not for spacelink's security model.
package quicdgram

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/spacelink/spacelink/pkg/errs"
	"github.com/spacelink/spacelink/pkg/transport"
)

const alpn = "spacelink/1"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
	EnableDatagrams: true,
}

type inboundDatagram struct {
	data []byte
	peer net.Addr
}

// Socket multiplexes QUIC datagrams to/from possibly many peer connections
// behind the single transport.Socket interface.
type Socket struct {
	udpAddr *net.UDPAddr

	mu    sync.Mutex
	conns map[string]*quic.Conn

	inbound chan inboundDatagram
	closed  chan struct{}

	listener *quic.Listener // nil for a client-only socket
}

// Bind listens for incoming QUIC connections at addr and accepts them in
// the background, so Bind doubles as both client and server entry point —
// callers that only ever Dial out may also use Bind and simply never
// receive an inbound connection.
func Bind(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "resolve UDP address", err)
	}

	cert, err := ephemeralCert()
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(udpAddr.String(), &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, quicConfig)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "listen for QUIC datagram connections", err)
	}

	s := &Socket{
		udpAddr:  udpAddr,
		conns:    make(map[string]*quic.Conn),
		inbound:  make(chan inboundDatagram, 256),
		closed:   make(chan struct{}),
		listener: listener,
	}

	go s.acceptLoop()
	return s, nil
}

func (s *Socket) acceptLoop() {
	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			return
		}
		s.adopt(conn)
	}
}

func (s *Socket) adopt(conn *quic.Conn) {
	s.mu.Lock()
	s.conns[conn.RemoteAddr().String()] = conn
	s.mu.Unlock()
	go s.pump(conn)
}

func (s *Socket) pump(conn *quic.Conn) {
	for {
		data, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		select {
		case s.inbound <- inboundDatagram{data: data, peer: conn.RemoteAddr()}:
		case <-s.closed:
			return
		}
	}
}

// dial opens (or reuses) a QUIC connection to addr and starts pumping its
// inbound datagrams.
func (s *Socket) dial(addr *net.UDPAddr) (*quic.Conn, error) {
	s.mu.Lock()
	if conn, ok := s.conns[addr.String()]; ok {
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	conn, err := quic.DialAddr(context.Background(), addr.String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}, quicConfig)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "dial QUIC datagram connection", err)
	}

	s.mu.Lock()
	s.conns[addr.String()] = conn
	s.mu.Unlock()
	go s.pump(conn)
	return conn, nil
}

// SendTo implements transport.Socket, dialing addr on first use.
func (s *Socket) SendTo(addr net.Addr, data []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return errs.New(errs.CodeIO, "quicdgram: addr is not a *net.UDPAddr")
	}
	conn, err := s.dial(udpAddr)
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(data); err != nil {
		return errs.Wrap(errs.CodeIO, "send QUIC datagram", err)
	}
	return nil
}

// RecvFrom implements transport.Socket.
func (s *Socket) RecvFrom(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case dg := <-s.inbound:
		n := copy(buf, dg.data)
		return n, dg.peer, nil
	case <-timeoutCh:
		return 0, nil, errs.New(errs.CodePeerUnresponsive, "receive timed out")
	case <-s.closed:
		return 0, nil, errs.New(errs.CodeIO, "socket closed")
	}
}

// ResolveAddr implements transport.Socket.
func (s *Socket) ResolveAddr(addr string) (net.Addr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "resolve UDP address", err)
	}
	return udpAddr, nil
}

// LocalAddr implements transport.Socket.
func (s *Socket) LocalAddr() net.Addr { return s.udpAddr }

// Close implements transport.Socket.
func (s *Socket) Close() error {
	close(s.closed)
	s.mu.Lock()
	for _, c := range s.conns {
		c.CloseWithError(0, "socket closed")
	}
	s.mu.Unlock()
	return s.listener.Close()
}

var _ transport.Socket = (*Socket)(nil)

func init() {
	transport.DefaultRegistry.Register("quic-datagram", func(addr string) (transport.Socket, error) {
		return Bind(addr)
	})
}

// ephemeralCert generates a throwaway self-signed certificate so the QUIC
// handshake can complete; see the package doc comment for why this is not
// a security boundary for spacelink.
func ephemeralCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, errs.Wrap(errs.CodeIO, "generate ephemeral key", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "spacelink-ephemeral"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, errs.Wrap(errs.CodeIO, "create ephemeral certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errs.Wrap(errs.CodeIO, "load ephemeral certificate", err)
	}
	return cert, nil
}
