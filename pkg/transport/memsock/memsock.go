// Package memsock implements an in-process transport.Socket addressed by
// name instead of a network endpoint. It exists for deterministic testing of
// spacelink's dispatcher and client against each other without binding real
// UDP ports, following the same Bind/SendTo/RecvFrom shape as
// pkg/transport/udpsock.
package memsock

import (
	"sync"
	"time"

	"net"

	"github.com/spacelink/spacelink/pkg/errs"
	"github.com/spacelink/spacelink/pkg/transport"
)

// Addr identifies an in-process socket by its bind name.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

var (
	registryMu sync.Mutex
	registry   = map[Addr]*Socket{}
)

type datagram struct {
	data []byte
	from net.Addr
}

// Socket is an in-process, channel-backed transport.Socket.
type Socket struct {
	addr      Addr
	inbox     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

// Bind registers a new in-process socket under addr. Unlike a real network
// bind, addr is just a name: "client-1", "server", anything unique within
// the test process.
func Bind(addr string) (*Socket, error) {
	a := Addr(addr)
	s := &Socket{addr: a, inbox: make(chan datagram, 256), closed: make(chan struct{})}

	registryMu.Lock()
	registry[a] = s
	registryMu.Unlock()

	return s, nil
}

// SendTo delivers data to the socket bound at addr, if any is still bound.
func (s *Socket) SendTo(addr net.Addr, data []byte) error {
	dest, ok := lookup(addr)
	if !ok {
		return errs.New(errs.CodeIO, "memsock: no socket bound at "+addr.String())
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case dest.inbox <- datagram{data: cp, from: s.addr}:
		return nil
	case <-dest.closed:
		return errs.New(errs.CodeIO, "memsock: destination closed")
	}
}

// RecvFrom blocks for the next datagram sent to this socket, or until
// timeout elapses (a zero timeout blocks indefinitely).
func (s *Socket) RecvFrom(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	if timeout <= 0 {
		select {
		case dg := <-s.inbox:
			return copy(buf, dg.data), dg.from, nil
		case <-s.closed:
			return 0, nil, errs.New(errs.CodeIO, "memsock: socket closed")
		}
	}

	select {
	case dg := <-s.inbox:
		return copy(buf, dg.data), dg.from, nil
	case <-time.After(timeout):
		return 0, nil, errs.PeerUnresponsive
	case <-s.closed:
		return 0, nil, errs.New(errs.CodeIO, "memsock: socket closed")
	}
}

// ResolveAddr treats s as a bare bind name; no real resolution is needed.
func (s *Socket) ResolveAddr(addr string) (net.Addr, error) {
	return Addr(addr), nil
}

// LocalAddr returns this socket's bind name.
func (s *Socket) LocalAddr() net.Addr { return s.addr }

// Close unregisters the socket and unblocks any pending RecvFrom/SendTo.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		registryMu.Lock()
		delete(registry, s.addr)
		registryMu.Unlock()
	})
	return nil
}

func lookup(addr net.Addr) (*Socket, bool) {
	a, ok := addr.(Addr)
	if !ok {
		a = Addr(addr.String())
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	s, ok := registry[a]
	return s, ok
}

var _ transport.Socket = (*Socket)(nil)

func init() {
	transport.DefaultRegistry.Register("memory", func(addr string) (transport.Socket, error) {
		return Bind(addr)
	})
}
