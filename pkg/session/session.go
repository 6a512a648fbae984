// Package session implements spacelink's per-(peer, hash) transfer state
// machine, per spec.md §4.4. It is grounded on three teacher shapes: the
// overall State/lifecycle enum of pkg/agent/agent.go, the pending-operation-
// by-key bookkeeping and configurable probe/timeout of pkg/swim/swim.go
// (repurposed from per-cluster-member liveness probing to per-(peer,hash)
// transfer liveness), and the per-operation timeout/semaphore/counter style
// of pkg/content/fetcher.go. The final-ACK open question (spec.md §9) is
// resolved here: Wait blocks until Terminal, never on a sleep.
package session

import (
	"os"
	"sync"
	"time"

	"github.com/spacelink/spacelink/pkg/errs"
	"github.com/spacelink/spacelink/pkg/message"
	"github.com/spacelink/spacelink/pkg/store"
)

// Role identifies which side of the exchange this session drives.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// Phase is one state of spec.md §4.4's lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNegotiating
	PhaseTransferring
	PhaseFinalizing
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseTransferring:
		return "transferring"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Config bounds a session's retry/timeout behavior, loaded from
// internal/config per spec.md §6.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, MaxRetries: 5}
}

// Sender transmits one message to this session's peer. Callers wire this to
// a codec.EncodeMessage + transport.Socket.SendTo (optionally via
// pkg/outqueue when the socket is paused).
type Sender func(m message.Message) error

// Session drives one (peer, hash) transfer to Terminal. A Session is always
// reached through a single goroutine running loop(); Deliver and the public
// accessors are the only thread-safe entry points from the outside.
type Session struct {
	role Role
	hash string
	send Sender
	st   *store.Store
	cfg  Config

	numChunks     uint64
	missing       []uint64
	targetPath    string
	mode          uint32
	hasExport     bool
	requireExport bool

	inbox           chan message.Message
	done            chan struct{}
	transferred     chan struct{}
	transferredOnce sync.Once

	mu    sync.Mutex
	phase Phase
	err   error
}

// New creates a Session for one (peer, hash) pair. st is the local chunk
// store; send transmits outbound protocol messages to the peer.
//
// requireExport is true by default: a freshly created session waits for an
// explicit SetExport (local or wire, per role) before it will finalize, per
// the upload flow's export/done round-trip. SetRequireExport(false) opts a
// session out of that wait for flows (downloads) where both sides already
// know the target locally and no wire export/done ever crosses the network.
func New(role Role, hash string, st *store.Store, send Sender, cfg Config) *Session {
	return &Session{
		role:          role,
		hash:          hash,
		send:          send,
		st:            st,
		cfg:           cfg,
		inbox:         make(chan message.Message, 32),
		done:          make(chan struct{}),
		transferred:   make(chan struct{}),
		phase:         PhaseIdle,
		requireExport: true,
	}
}

// SetRequireExport controls whether the session waits for an export before
// finalizing. Call it before Start{Sender,Receiver}.
func (s *Session) SetRequireExport(v bool) {
	s.mu.Lock()
	s.requireExport = v
	s.mu.Unlock()
}

// Deliver queues an inbound message decoded from the wire for this session.
// It never blocks past the inbox's buffer; a session that stops draining its
// inbox is a bug, not a caller's problem to avoid.
func (s *Session) Deliver(m message.Message) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

// Phase reports the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Wait blocks until the session reaches Terminal and returns its terminal
// error, if any.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done returns a channel that is closed when the session reaches Terminal.
func (s *Session) Done() <-chan struct{} { return s.done }

// WaitTransferred blocks until the peer's missing set first empties, without
// waiting for the export/done round-trip that follows it. Callers that
// already know the target path and mode locally (the download side of the
// protocol) use this instead of Wait to learn exactly when chunk transfer
// itself is done, since they drive the local reassembly themselves.
func (s *Session) WaitTransferred() error {
	select {
	case <-s.transferred:
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) markTransferred() {
	s.transferredOnce.Do(func() { close(s.transferred) })
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.phase == PhaseTerminal {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseTerminal
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// Cancel aborts the session locally, best-effort notifying the peer, per
// spec.md §5's cancellation contract.
func (s *Session) Cancel() {
	_ = s.send(&message.Nak{Hash: s.hash, Reason: "cancelled"})
	s.finish(errs.Cancelled)
}

// StartReceiver begins a receiver-role session from an already-decoded Sync,
// per spec.md §4.4's Idle→Negotiating transition.
func (s *Session) StartReceiver(numChunks uint64) {
	s.numChunks = numChunks
	s.recomputeMissing()
	s.setPhase(PhaseNegotiating)
	s.replyMissing()
	go s.loop()

	if len(s.missing) != 0 {
		return
	}
	// Every chunk was already staged locally before this transfer even
	// started (spec.md §8 scenario 4) — nothing will ever arrive to trigger
	// onChunk, so finalize (or self-terminate, for flows with no export)
	// right here instead of waiting on a message that is never coming.
	s.markTransferred()
	s.mu.Lock()
	requireExport := s.requireExport
	s.mu.Unlock()
	if !requireExport {
		s.finish(nil)
		return
	}
	s.setPhase(PhaseFinalizing)
	s.tryFinalize()
}

// StartSender begins a sender-role session by announcing Sync and waiting
// for the peer's reaction.
func (s *Session) StartSender(numChunks uint64) {
	s.numChunks = numChunks
	s.setPhase(PhaseIdle)
	go s.loop()
	_ = s.send(&message.Sync{Hash: s.hash, NumChunks: numChunks})
	s.setPhase(PhaseNegotiating)
}

// SetExport records the target path and mode of this session's export. A
// receiver applies it in tryFinalize once its missing set is empty. A sender
// session never sends an Export message itself; the caller sends the wire
// Export (see pkg/filelink.SendExport).
func (s *Session) SetExport(targetPath string, mode uint32) {
	s.mu.Lock()
	s.targetPath = targetPath
	s.mode = mode
	s.hasExport = true
	s.mu.Unlock()
}

func (s *Session) recomputeMissing() {
	s.missing = toUint64(s.st.Missing(s.hash, int(s.numChunks)))
}

func (s *Session) replyMissing() {
	_ = s.send(&message.SyncNack{Hash: s.hash, Missing: s.missing})
}

// loop is the session's single owning goroutine: every mutation of
// transport-visible state happens here, so no additional locking is needed
// around phase transitions beyond what Phase()/Wait() use to publish state
// to outside readers.
func (s *Session) loop() {
	consecutiveTimeouts := 0
	retries := 0
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case m, ok := <-s.inbox:
			if !ok {
				return
			}
			resetTimer(timer, s.cfg.Timeout)
			consecutiveTimeouts = 0
			if terminal := s.handle(m); terminal {
				return
			}

		case <-timer.C:
			if s.Phase() == PhaseTerminal {
				return
			}
			consecutiveTimeouts++
			if consecutiveTimeouts > s.cfg.MaxRetries {
				s.finish(errs.PeerUnresponsive)
				return
			}
			s.onTimeout(&retries)
			resetTimer(timer, s.cfg.Timeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// onTimeout re-sends the last outbound request, per spec.md §4.4's "on
// deadline expiry at the receiver, it re-sends its last sync_nack" and the
// matching sender-side "re-initiates from sync" behavior, both bounded by
// the same consecutive-timeout ceiling in loop().
func (s *Session) onTimeout(retries *int) {
	switch s.role {
	case RoleReceiver:
		switch s.Phase() {
		case PhaseNegotiating, PhaseTransferring:
			s.replyMissing()
		case PhaseFinalizing:
			// waiting on export; nothing to re-request.
		}
	case RoleSender:
		if s.Phase() == PhaseNegotiating {
			*retries++
			if *retries > s.cfg.MaxRetries {
				s.finish(errs.PeerUnresponsive)
				return
			}
			_ = s.send(&message.Sync{Hash: s.hash, NumChunks: s.numChunks})
		}
	}
}

// handle applies one inbound message and returns true if the session just
// reached Terminal.
func (s *Session) handle(m message.Message) bool {
	switch v := m.(type) {
	case *message.Sync:
		return s.onSync(v)
	case *message.SyncNack:
		return s.onSyncNack(v)
	case *message.Chunk:
		return s.onChunk(v)
	case *message.Ack:
		return false
	case *message.Nak:
		s.finish(errs.New(errs.CodeBadFrame, "peer nak: "+v.Reason))
		return true
	case *message.Export:
		return s.onExport(v)
	case *message.Done:
		s.finish(nil)
		return true
	default:
		return false
	}
}

func (s *Session) onSync(v *message.Sync) bool {
	if s.role != RoleReceiver {
		return false
	}
	s.numChunks = v.NumChunks
	s.recomputeMissing()
	s.setPhase(PhaseNegotiating)
	s.replyMissing()
	if len(s.missing) == 0 {
		s.markTransferred()
		s.mu.Lock()
		requireExport := s.requireExport
		s.mu.Unlock()
		if !requireExport {
			s.finish(nil)
			return true
		}
		s.setPhase(PhaseFinalizing)
		s.tryFinalize()
	}
	return false
}

func (s *Session) onSyncNack(v *message.SyncNack) bool {
	if s.role != RoleSender {
		return false
	}
	s.missing = v.Missing
	if len(s.missing) == 0 {
		s.markTransferred()
		s.mu.Lock()
		requireExport := s.requireExport
		s.mu.Unlock()
		if !requireExport {
			s.finish(nil)
			return true
		}
		s.setPhase(PhaseFinalizing)
		s.tryFinalize()
		return false
	}
	s.setPhase(PhaseTransferring)
	for _, idx := range s.missing {
		data, err := s.st.Load(s.hash, int(idx))
		if err != nil {
			s.finish(err)
			_ = s.send(&message.Nak{Hash: s.hash, Reason: err.Error()})
			return true
		}
		if err := s.send(&message.Chunk{Hash: s.hash, Index: idx, Bytes: data}); err != nil {
			s.finish(err)
			return true
		}
	}
	return false
}

func (s *Session) onChunk(v *message.Chunk) bool {
	if s.role != RoleReceiver {
		return false
	}
	if err := s.st.Put(s.hash, int(v.Index), v.Bytes); err != nil {
		s.finish(err)
		_ = s.send(&message.Nak{Hash: s.hash, Reason: err.Error()})
		return true
	}
	s.recomputeMissing()
	s.setPhase(PhaseTransferring)
	// spec.md §4.4: the receiver replies sync_nack on every chunk arrival,
	// including the terminating round with an empty missing set — that
	// empty sync_nack is the sender's only signal that transfer is done.
	s.replyMissing()
	if len(s.missing) == 0 {
		s.markTransferred()
		s.mu.Lock()
		requireExport := s.requireExport
		s.mu.Unlock()
		if !requireExport {
			s.finish(nil)
			return true
		}
		s.setPhase(PhaseFinalizing)
		s.tryFinalize()
	}
	return false
}

func (s *Session) onExport(v *message.Export) bool {
	if s.role != RoleReceiver {
		return false
	}
	s.SetExport(v.TargetPath, v.Mode)
	if len(s.missing) == 0 {
		s.setPhase(PhaseFinalizing)
		return s.tryFinalize()
	}
	return false
}

// tryFinalize applies the pending Export once the store is complete, per
// spec.md §4.4's "→ Finalizing: when missing is empty, the receiver
// reassembles via export if a prior export was received; otherwise it waits
// for one." It returns true if this call reached Terminal.
func (s *Session) tryFinalize() bool {
	s.mu.Lock()
	hasExport := s.hasExport
	targetPath, mode := s.targetPath, s.mode
	s.mu.Unlock()
	if !hasExport {
		return false
	}

	if err := s.st.Export(s.hash, int(s.numChunks), targetPath, toFileMode(mode)); err != nil {
		s.finish(err)
		_ = s.send(&message.Nak{Hash: s.hash, Reason: err.Error()})
		return true
	}
	_ = s.send(&message.Done{Hash: s.hash})
	s.finish(nil)
	return true
}

func toFileMode(mode uint32) os.FileMode {
	return os.FileMode(mode)
}

func toUint64(idx []int) []uint64 {
	out := make([]uint64, len(idx))
	for i, v := range idx {
		out[i] = uint64(v)
	}
	return out
}
