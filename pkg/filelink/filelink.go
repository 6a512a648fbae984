// Package filelink exposes spacelink's public operations, per spec.md §4.6:
// Import, Export, SendSync, SendImport, SyncAndSend, SendExport, all
// synchronous from the caller's perspective. Import and Export work on the
// local store only; SendSync, SyncAndSend and SendExport block on a
// pkg/session state machine (SendSync returns once the transfer itself is
// done, SendExport once that session reaches Terminal). Grounded on
// pkg/content/fetcher.go as the closest teacher analogue of a synchronous
// facade over an asynchronous fetch/send engine, and on the kubos
// FileProtocol surface exercised by services/file-service-rust/tests/
// upload.rs and download.rs, whose call sequences these operations mirror.
package filelink

import (
	"net"
	"os"

	"github.com/spacelink/spacelink/internal/logging"
	"github.com/spacelink/spacelink/pkg/codec"
	"github.com/spacelink/spacelink/pkg/errs"
	"github.com/spacelink/spacelink/pkg/message"
	"github.com/spacelink/spacelink/pkg/session"
	"github.com/spacelink/spacelink/pkg/store"
	"github.com/spacelink/spacelink/pkg/transport"
)

// Client drives one peer's transfers over a bound socket: a manual upload or
// download initiated locally, as opposed to the sessions pkg/dispatch spawns
// for inbound traffic on a server.
type Client struct {
	sock transport.Socket
	peer net.Addr
	st   *store.Store
	cfg  session.Config
	log  *logging.Logger

	sess *session.Session // the one in-flight session this Client drives
}

// New creates a Client bound to sock, talking to peer, staging chunks in st.
func New(sock transport.Socket, peer net.Addr, st *store.Store, cfg session.Config) *Client {
	return &Client{sock: sock, peer: peer, st: st, cfg: cfg, log: logging.Default("filelink")}
}

// Import reads a local file, splits it into chunks, and stages them in the
// local store, per spec.md §4.6's local_import.
func Import(st *store.Store, sourcePath string, chunkSize uint32) (hash string, numChunks int, mode uint32, err error) {
	h, n, fm, err := st.Import(sourcePath, chunkSize)
	if err != nil {
		return "", 0, 0, err
	}
	return h, n, uint32(fm.Perm()), nil
}

// Export reassembles and writes out a locally complete transfer, per
// spec.md §4.6's local_export.
func Export(st *store.Store, hash string, numChunks int, targetPath string, mode uint32) error {
	return st.Export(hash, numChunks, targetPath, os.FileMode(mode))
}

// sender returns a session.Sender that encodes and writes directly to the
// peer, bypassing any outbound queue — the client side never receives
// Pause/Resume for its own sends, those control only the server's outbound
// path per spec.md §4.5.
func (c *Client) sender() session.Sender {
	return func(m message.Message) error {
		datagram, err := codec.EncodeMessage(m)
		if err != nil {
			return err
		}
		return c.sock.SendTo(c.peer, datagram)
	}
}

// readLoop feeds inbound datagrams from c.peer to the active session until
// it reaches Terminal. Started by SendSync and SyncAndSend; SendExport relies
// on the loop SendSync started, and SendImport reads the socket itself.
func (c *Client) readLoop(sess *session.Session) {
	buf := make([]byte, codec.MaxDatagramSize)
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		n, from, err := c.sock.RecvFrom(buf, c.cfg.Timeout)
		if err != nil {
			if code, ok := errs.Of(err); ok && code == errs.CodePeerUnresponsive {
				continue // let the session's own timer drive retries
			}
			return
		}
		if from.String() != c.peer.String() {
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		decoded, err := codec.Decode(datagram)
		if err != nil {
			c.log.Warnf("dropping malformed datagram from %s: %v", from.String(), err)
			continue
		}
		if decoded.Msg != nil {
			sess.Deliver(decoded.Msg)
		}
	}
}

// SendSync announces a transfer as the sender and blocks only until the
// peer confirms it has every chunk, per spec.md §4.6's send_sync — it does
// not wait for Done, since the upload flow's Done depends on a wire export
// that SendExport sends strictly after SendSync returns. The session itself
// keeps running (parked in Finalizing) for the later SendExport call to
// drive to completion.
func (c *Client) SendSync(hash string, numChunks int) error {
	sess := session.New(session.RoleSender, hash, c.st, c.sender(), c.cfg)
	c.sess = sess
	go c.readLoop(sess)
	sess.StartSender(uint64(numChunks))
	return sess.WaitTransferred()
}

// SendImport asks the peer to stage its local file and returns the
// resulting (hash, numChunks), per spec.md §4.6's send_import. The peer
// replies to an Import request with a plain Sync, whose wire shape (spec.md
// §4.3, unchanged) carries no mode field, so the returned mode is always 0;
// the download's eventual local Export call is expected to choose its own
// target permissions rather than trust a value the wire protocol has no
// room for. Mode only crosses the wire explicitly on Export, for uploads.
func (c *Client) SendImport(remoteSourcePath string) (hash string, numChunks int, mode uint32, err error) {
	datagram, err := codec.EncodeMessage(&message.Import{SourcePath: remoteSourcePath})
	if err != nil {
		return "", 0, 0, err
	}
	if err := c.sock.SendTo(c.peer, datagram); err != nil {
		return "", 0, 0, err
	}

	buf := make([]byte, codec.MaxDatagramSize)
	for {
		n, from, err := c.sock.RecvFrom(buf, c.cfg.Timeout)
		if err != nil {
			return "", 0, 0, err
		}
		if from.String() != c.peer.String() {
			continue
		}
		decoded, derr := codec.Decode(buf[:n])
		if derr != nil || decoded.Msg == nil {
			continue
		}
		if sync, ok := decoded.Msg.(*message.Sync); ok {
			return sync.Hash, int(sync.NumChunks), 0, nil
		}
	}
}

// SyncAndSend drives the download side of the protocol: the peer already
// holds the data (after staging it for us via SendImport) and plays sender,
// so this call runs our own receiver-role session — negotiating, then
// transferring — and blocks until our missing set empties. No wire export
// ever crosses for a download: the caller already knows its own target path
// and mode locally and applies them afterward with Export, so the session
// is told not to wait for one (spec.md §4.6's sync_and_send).
func (c *Client) SyncAndSend(hash string, numChunks int) error {
	sess := session.New(session.RoleReceiver, hash, c.st, c.sender(), c.cfg)
	sess.SetRequireExport(false)
	c.sess = sess
	go c.readLoop(sess)
	sess.StartReceiver(uint64(numChunks))
	return sess.WaitTransferred()
}

// SendExport finalizes a transfer: tells the peer to reassemble and write
// the file, then blocks until it reports Done, per spec.md §4.6's
// send_export and the resolved final-ACK open question (spec.md §9) — this
// call does not return until the peer's `done` arrives.
func (c *Client) SendExport(hash string, targetPath string, mode uint32) error {
	sess := c.sess
	if sess == nil || sess.Phase() == session.PhaseTerminal {
		return errs.New(errs.CodeBadFrame, "no active session for export")
	}
	sess.SetExport(targetPath, mode)
	datagram, err := codec.EncodeMessage(&message.Export{Hash: hash, TargetPath: targetPath, Mode: mode})
	if err != nil {
		return err
	}
	if err := c.sock.SendTo(c.peer, datagram); err != nil {
		return err
	}
	return sess.Wait()
}
