// Package udpsock is spacelink's default transport.Socket, a thin wrapper
// over *net.UDPConn. It is the direct Go analogue of original_source's
// UdpSocket (libs/file-protocol/src/cbor_codec.rs: `UdpSocket::bind`,
// `send_to`, `recv_from` with a per-call read timeout), which is exactly
// the "datagram-only, UDP-like" transport spec.md §1/§3 specifies.
package udpsock

import (
	"net"
	"time"

	"github.com/spacelink/spacelink/pkg/errs"
	"github.com/spacelink/spacelink/pkg/transport"
)

// Socket binds a UDP port and implements transport.Socket.
type Socket struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket at addr ("host:port"); an empty host binds all
// interfaces.
func Bind(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "resolve UDP address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "bind UDP socket", err)
	}
	return &Socket{conn: conn}, nil
}

// SendTo implements transport.Socket.
func (s *Socket) SendTo(addr net.Addr, data []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return errs.New(errs.CodeIO, "udpsock: addr is not a *net.UDPAddr")
	}
	if _, err := s.conn.WriteToUDP(data, udpAddr); err != nil {
		return errs.Wrap(errs.CodeIO, "send datagram", err)
	}
	return nil
}

// RecvFrom implements transport.Socket. A timeout of 0 blocks indefinitely,
// matching original_source's recv_message (no deadline) vs recv_message_timeout
// (per-call SetReadDeadline) split in cbor_codec.rs.
func (s *Socket) RecvFrom(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, errs.Wrap(errs.CodeIO, "set read deadline", err)
		}
	} else {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return 0, nil, errs.Wrap(errs.CodeIO, "clear read deadline", err)
		}
	}

	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, errs.Wrap(errs.CodePeerUnresponsive, "receive timed out", err)
		}
		return 0, nil, errs.Wrap(errs.CodeIO, "receive datagram", err)
	}
	return n, addr, nil
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
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close implements transport.Socket.
func (s *Socket) Close() error { return s.conn.Close() }

var _ transport.Socket = (*Socket)(nil)

func init() {
	transport.DefaultRegistry.Register("udp", func(addr string) (transport.Socket, error) {
		return Bind(addr)
	})
}
