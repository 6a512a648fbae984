// Package dispatch implements spacelink's server-side session dispatcher,
// per spec.md §4.5: a single reader goroutine that decodes every inbound
// datagram and routes it to a per-(peer, hash) session goroutine, spawning
// one when a peer's Sync names a hash it has no session for (any other
// message for such a hash is answered with nak(UnknownHash)). Grounded on the
// routing shape of pkg/agent/network_adapter.go's MessageRouter (route a
// decoded message to the right handler, reporting an error when none
// exists), with admission control adapted from internal/dht/rate_limiter.go:
// repurposed here from a generic per-key token bucket into a per-peer
// session-open limiter plus a plain counting semaphore bounding total
// concurrent sessions.
package dispatch

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/spacelink/spacelink/internal/logging"
	"github.com/spacelink/spacelink/pkg/codec"
	"github.com/spacelink/spacelink/pkg/errs"
	"github.com/spacelink/spacelink/pkg/message"
	"github.com/spacelink/spacelink/pkg/outqueue"
	"github.com/spacelink/spacelink/pkg/session"
	"github.com/spacelink/spacelink/pkg/store"
	"github.com/spacelink/spacelink/pkg/transport"
)

// Config bounds the dispatcher's admission control, per spec.md §4.5
// ("beyond the limit it either queues... or replies with nak(Busy)" — this
// implementation always takes the nak(Busy) branch, the simpler of the two
// documented choices).
type Config struct {
	MaxSessions    int           // total concurrent sessions across all peers
	PeerCapacity   int           // token-bucket capacity per peer address
	PeerRefill     time.Duration // time to refill one admission token
	SessionTimeout time.Duration
	MaxRetries     int
	ChunkSize      uint32 // chunk size used when staging a peer's import request
}

// DefaultConfig matches spec.md §6's documented server defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    256,
		PeerCapacity:   10,
		PeerRefill:     time.Second,
		SessionTimeout: 5 * time.Second,
		MaxRetries:     5,
		ChunkSize:      4096,
	}
}

type sessionKey struct {
	peer string
	hash string
}

// Dispatcher owns one bound transport.Socket and fans its datagrams out to
// per-(peer, hash) sessions.
type Dispatcher struct {
	sock transport.Socket
	st   *store.Store
	cfg  Config
	log  *logging.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session.Session
	inflight int

	admission map[string]*bucket
	admitMu   sync.Mutex

	outqueues map[string]*outqueue.Queue
	outMu     sync.Mutex

	imports singleflight.Group

	stop chan struct{}
}

type bucket struct {
	tokens   int
	lastSeen time.Time
}

// New creates a Dispatcher over an already-bound socket and chunk store.
func New(sock transport.Socket, st *store.Store, cfg Config) *Dispatcher {
	return &Dispatcher{
		sock:      sock,
		st:        st,
		cfg:       cfg,
		log:       logging.Default("dispatch"),
		sessions:  make(map[sessionKey]*session.Session),
		admission: make(map[string]*bucket),
		outqueues: make(map[string]*outqueue.Queue),
		stop:      make(chan struct{}),
	}
}

// Serve runs the dispatcher's single reader loop until Stop is called or the
// socket errors out. It never returns until then, matching spec.md §4.5's
// "a single reader thread consumes datagrams".
func (d *Dispatcher) Serve() error {
	buf := make([]byte, codec.MaxDatagramSize)
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}

		n, peer, err := d.sock.RecvFrom(buf, 0)
		if err != nil {
			if code, ok := errs.Of(err); ok && code == errs.CodePeerUnresponsive {
				continue
			}
			return err
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		d.handleDatagram(peer, datagram)
	}
}

// Stop halts Serve's reader loop after its current iteration.
func (d *Dispatcher) Stop() { close(d.stop) }

func (d *Dispatcher) handleDatagram(peer net.Addr, datagram []byte) {
	decoded, err := codec.Decode(datagram)
	if err != nil {
		// Malformed datagrams are logged and dropped, never surfaced as a
		// session failure, per spec.md §7.
		d.log.Warnf("dropping malformed datagram from %s: %v", peer.String(), err)
		return
	}

	if decoded.Dropped {
		d.log.Warnf("dropping reserved-tag datagram from %s", peer.String())
		return
	}

	if decoded.Pause {
		d.queueFor(peer.String()).Pause()
		return
	}
	if decoded.Resume {
		d.drainOnResume(peer)
		return
	}
	if decoded.Msg == nil {
		return
	}

	d.route(peer, decoded.Msg)
}

func (d *Dispatcher) queueFor(peer string) *outqueue.Queue {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	q, ok := d.outqueues[peer]
	if !ok {
		q = outqueue.New(outqueue.DefaultCapacity)
		d.outqueues[peer] = q
	}
	return q
}

// drainOnResume flushes a peer's outbound queue at the socket's own pace
// after a Resume signal, per spec.md §4.5: "resume drains the queue at the
// socket's pace."
func (d *Dispatcher) drainOnResume(peer net.Addr) {
	q := d.queueFor(peer.String())
	q.Resume()
	for {
		datagram, ok := q.Pop()
		if !ok {
			return
		}
		if err := d.sock.SendTo(peer, datagram); err != nil {
			d.log.Errorf("drain queued datagram to %s: %v", peer.String(), err)
			return
		}
	}
}

func (d *Dispatcher) route(peer net.Addr, m message.Message) {
	if imp, ok := m.(*message.Import); ok {
		d.handleImport(peer, imp)
		return
	}

	hash, ok := message.HashOf(m)
	if !ok {
		d.log.Warnf("dropping hash-less message from %s", peer.String())
		return
	}

	key := sessionKey{peer: peer.String(), hash: hash}

	d.mu.Lock()
	sess, exists := d.sessions[key]
	if !exists {
		if _, isSync := m.(*message.Sync); !isSync {
			d.mu.Unlock()
			d.nak(peer, hash, errs.UnknownHash)
			return
		}
		if !d.admit(peer.String()) {
			d.mu.Unlock()
			d.nak(peer, hash, errs.Busy)
			return
		}
		sess = session.New(session.RoleReceiver, hash, d.st, d.senderFor(peer), session.Config{
			Timeout:    d.cfg.SessionTimeout,
			MaxRetries: d.cfg.MaxRetries,
		})
		d.sessions[key] = sess
		d.inflight++
		go d.awaitTerminal(key, sess)
	}
	d.mu.Unlock()

	if !exists {
		syncMsg := m.(*message.Sync)
		sess.StartReceiver(syncMsg.NumChunks)
		return
	}
	sess.Deliver(m)
}

// importResult carries st.Import's return values through singleflight,
// which only passes a single interface{} value between callers.
type importResult struct {
	hash      string
	numChunks int
}

// handleImport answers a peer's download request: it stages the requested
// path as chunks locally, then drives a sender-role session that announces
// Sync and ships chunks as the peer reports them missing. Unlike the
// upload path, no wire export ever follows — the peer already knows its own
// target path and mode, so the session is told not to wait for one.
//
// Staging goes through a singleflight.Group keyed by source path: several
// peers asking for the same file at once share one hash-and-chunk pass over
// it instead of redoing the work per request.
func (d *Dispatcher) handleImport(peer net.Addr, imp *message.Import) {
	chunkSize := d.cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultConfig().ChunkSize
	}

	v, err, _ := d.imports.Do(imp.SourcePath, func() (interface{}, error) {
		hash, numChunks, _, err := d.st.Import(imp.SourcePath, chunkSize)
		if err != nil {
			return nil, err
		}
		return importResult{hash: hash, numChunks: numChunks}, nil
	})
	if err != nil {
		d.nak(peer, imp.SourcePath, errs.Wrap(errs.CodeIO, err.Error(), err))
		return
	}
	result := v.(importResult)
	hash, numChunks := result.hash, result.numChunks

	key := sessionKey{peer: peer.String(), hash: hash}

	d.mu.Lock()
	if _, exists := d.sessions[key]; exists {
		d.mu.Unlock()
		return
	}
	if !d.admit(peer.String()) {
		d.mu.Unlock()
		d.nak(peer, hash, errs.Busy)
		return
	}
	sess := session.New(session.RoleSender, hash, d.st, d.senderFor(peer), session.Config{
		Timeout:    d.cfg.SessionTimeout,
		MaxRetries: d.cfg.MaxRetries,
	})
	sess.SetRequireExport(false)
	d.sessions[key] = sess
	d.inflight++
	d.mu.Unlock()

	go d.awaitTerminal(key, sess)
	sess.StartSender(uint64(numChunks))
}

// admit applies the per-peer admission limiter and the global concurrency
// cap together; both must pass for a new session to be created.
func (d *Dispatcher) admit(peer string) bool {
	if d.cfg.MaxSessions > 0 && d.inflight >= d.cfg.MaxSessions {
		return false
	}

	d.admitMu.Lock()
	defer d.admitMu.Unlock()

	capacity := d.cfg.PeerCapacity
	if capacity <= 0 {
		capacity = DefaultConfig().PeerCapacity
	}
	refill := d.cfg.PeerRefill
	if refill <= 0 {
		refill = DefaultConfig().PeerRefill
	}

	now := time.Now()
	b, ok := d.admission[peer]
	if !ok {
		d.admission[peer] = &bucket{tokens: capacity - 1, lastSeen: now}
		return true
	}

	elapsed := now.Sub(b.lastSeen)
	b.tokens += int(elapsed / refill)
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastSeen = now

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (d *Dispatcher) awaitTerminal(key sessionKey, sess *session.Session) {
	<-sess.Done()
	d.mu.Lock()
	delete(d.sessions, key)
	d.inflight--
	d.mu.Unlock()
}

func (d *Dispatcher) nak(peer net.Addr, hash string, cause *errs.Error) {
	addr, err := d.sock.ResolveAddr(peer.String())
	if err != nil {
		d.log.Errorf("resolve peer address for nak: %v", err)
		return
	}
	datagram, err := codec.EncodeMessage(&message.Nak{Hash: hash, Reason: cause.Message})
	if err != nil {
		d.log.Errorf("encode nak: %v", err)
		return
	}
	if err := d.sock.SendTo(addr, datagram); err != nil {
		d.log.Errorf("send nak to %s: %v", peer.String(), err)
	}
}

// senderFor returns a session.Sender that encodes and writes to peer,
// routing through that peer's outbound queue so Pause/Resume apply.
func (d *Dispatcher) senderFor(peer net.Addr) session.Sender {
	peerStr := peer.String()
	return func(m message.Message) error {
		addr, err := d.sock.ResolveAddr(peerStr)
		if err != nil {
			return err
		}
		datagram, err := codec.EncodeMessage(m)
		if err != nil {
			return err
		}
		q := d.queueFor(peerStr)
		if q.Paused() {
			return q.Push(datagram)
		}
		return d.sock.SendTo(addr, datagram)
	}
}
