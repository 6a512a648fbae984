// Package message defines the closed set of spacelink protocol messages and
// their ordered-array wire shape, as specified in spec.md §4.3. It is
// grounded on the teacher's pkg/wire/frame.go body-struct-per-kind
// convention (e.g. FetchChunkBody/ChunkDataBody), but instead of a signed
// BaseFrame envelope each message is the bare CBOR array spec.md requires:
// ("kind", field, field, ...), confirmed against original_source's kubos
// file-protocol tests, which exercise exactly these eight shapes.
package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/spacelink/spacelink/pkg/errs"
)

// Kind names the message's first array element.
type Kind string

const (
	KindSync     Kind = "sync"
	KindSyncNack Kind = "sync_nack"
	KindChunk    Kind = "chunk"
	KindAck      Kind = "ack"
	KindNak      Kind = "nak"
	KindImport   Kind = "import"
	KindExport   Kind = "export"
	KindDone     Kind = "done"
)

// Message is the interface every decoded protocol message satisfies.
type Message interface {
	Kind() Kind
	// fields returns the ordered values that follow the kind on the wire;
	// it does not include the kind itself, which Marshal prepends.
	fields() []interface{}
}

// Sync announces a transfer: "here is a file and its chunk count"
// (sender/receiver either direction per spec.md §4.3).
type Sync struct {
	Hash      string
	NumChunks uint64
}

func (m *Sync) Kind() Kind            { return KindSync }
func (m *Sync) fields() []interface{} { return []interface{}{m.Hash, m.NumChunks} }

// SyncNack declares which chunks the receiver still needs, ascending.
// It reuses the "sync" wire tag with a missing-index array in place of the
// chunk count, per spec.md §4.3's table.
type SyncNack struct {
	Hash    string
	Missing []uint64
}

func (m *SyncNack) Kind() Kind            { return KindSync }
func (m *SyncNack) fields() []interface{} { return []interface{}{m.Hash, m.Missing} }

// Chunk carries a single chunk payload, sender to receiver.
type Chunk struct {
	Hash  string
	Index uint64
	Bytes []byte
}

func (m *Chunk) Kind() Kind            { return KindChunk }
func (m *Chunk) fields() []interface{} { return []interface{}{m.Hash, m.Index, m.Bytes} }

// Ack announces all chunks received, reassembled and verified.
type Ack struct {
	Hash string
}

func (m *Ack) Kind() Kind            { return KindAck }
func (m *Ack) fields() []interface{} { return []interface{}{m.Hash} }

// Nak is a fatal failure; the session is abandoned.
type Nak struct {
	Hash   string
	Reason string
}

func (m *Nak) Kind() Kind            { return KindNak }
func (m *Nak) fields() []interface{} { return []interface{}{m.Hash, m.Reason} }

// Import asks the peer to stage its local file and return a Sync
// (download-only, per spec.md §4.3).
type Import struct {
	SourcePath string
}

func (m *Import) Kind() Kind            { return KindImport }
func (m *Import) fields() []interface{} { return []interface{}{m.SourcePath} }

// Export finalizes a transfer: write the assembled file at TargetPath with
// the given POSIX permission bits.
type Export struct {
	Hash       string
	TargetPath string
	Mode       uint32
}

func (m *Export) Kind() Kind            { return KindExport }
func (m *Export) fields() []interface{} { return []interface{}{m.Hash, m.TargetPath, m.Mode} }

// Done announces that Export completed successfully.
type Done struct {
	Hash string
}

func (m *Done) Kind() Kind            { return KindDone }
func (m *Done) fields() []interface{} { return []interface{}{m.Hash} }

// Marshal serializes a Message into the CBOR array spec.md §3 describes:
// an ordered sequence whose first element names the message kind.
func Marshal(m Message) ([]byte, error) {
	seq := append([]interface{}{string(m.Kind())}, m.fields()...)
	data, err := cbor.Marshal(seq)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadFrame, "encode message", err)
	}
	return data, nil
}

// Unmarshal decodes a CBOR array into the concrete Message it represents.
// The array's shape (element count and types) disambiguates Sync from
// SyncNack, both of which share the wire tag "sync".
func Unmarshal(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.CodeBadFrame, "decode message array", err)
	}
	if len(raw) == 0 {
		return nil, errs.New(errs.CodeBadFrame, "empty message array")
	}

	var kind string
	if err := cbor.Unmarshal(raw[0], &kind); err != nil {
		return nil, errs.Wrap(errs.CodeBadFrame, "decode message kind", err)
	}

	switch Kind(kind) {
	case KindSync:
		return decodeSyncOrNack(raw)
	case KindChunk:
		if len(raw) != 4 {
			return nil, shapeErr("chunk", 4, len(raw))
		}
		m := &Chunk{}
		if err := decodeField(raw[1], &m.Hash); err != nil {
			return nil, err
		}
		if err := decodeField(raw[2], &m.Index); err != nil {
			return nil, err
		}
		if err := decodeField(raw[3], &m.Bytes); err != nil {
			return nil, err
		}
		return m, nil
	case KindAck:
		if len(raw) != 2 {
			return nil, shapeErr("ack", 2, len(raw))
		}
		m := &Ack{}
		if err := decodeField(raw[1], &m.Hash); err != nil {
			return nil, err
		}
		return m, nil
	case KindNak:
		if len(raw) != 3 {
			return nil, shapeErr("nak", 3, len(raw))
		}
		m := &Nak{}
		if err := decodeField(raw[1], &m.Hash); err != nil {
			return nil, err
		}
		if err := decodeField(raw[2], &m.Reason); err != nil {
			return nil, err
		}
		return m, nil
	case KindImport:
		if len(raw) != 2 {
			return nil, shapeErr("import", 2, len(raw))
		}
		m := &Import{}
		if err := decodeField(raw[1], &m.SourcePath); err != nil {
			return nil, err
		}
		return m, nil
	case KindExport:
		if len(raw) != 4 {
			return nil, shapeErr("export", 4, len(raw))
		}
		m := &Export{}
		if err := decodeField(raw[1], &m.Hash); err != nil {
			return nil, err
		}
		if err := decodeField(raw[2], &m.TargetPath); err != nil {
			return nil, err
		}
		if err := decodeField(raw[3], &m.Mode); err != nil {
			return nil, err
		}
		return m, nil
	case KindDone:
		if len(raw) != 2 {
			return nil, shapeErr("done", 2, len(raw))
		}
		m := &Done{}
		if err := decodeField(raw[1], &m.Hash); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errs.New(errs.CodeBadFrame, fmt.Sprintf("unknown message kind %q", kind))
	}
}

// decodeSyncOrNack disambiguates Sync (hash, num_chunks) from SyncNack
// (hash, missing[]) by trying to decode the second field as an unsigned
// integer first; a CBOR array there means it's a SyncNack.
func decodeSyncOrNack(raw []cbor.RawMessage) (Message, error) {
	if len(raw) != 3 {
		return nil, shapeErr("sync", 3, len(raw))
	}

	var hash string
	if err := decodeField(raw[1], &hash); err != nil {
		return nil, err
	}

	var numChunks uint64
	if err := cbor.Unmarshal(raw[2], &numChunks); err == nil {
		return &Sync{Hash: hash, NumChunks: numChunks}, nil
	}

	var missing []uint64
	if err := cbor.Unmarshal(raw[2], &missing); err != nil {
		return nil, errs.Wrap(errs.CodeBadFrame, "decode sync third field", err)
	}
	return &SyncNack{Hash: hash, Missing: missing}, nil
}

func decodeField(raw cbor.RawMessage, out interface{}) error {
	if err := cbor.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.CodeBadFrame, "decode message field", err)
	}
	return nil
}

func shapeErr(kind string, want, got int) error {
	return errs.New(errs.CodeBadFrame, fmt.Sprintf("%s message: want %d elements, got %d", kind, want, got))
}

// HashOf extracts the hash field carried by every message kind except
// Import, which names a path instead (spec.md §4.5: "second element for
// all data frames" — Import is the one frame without a hash to route on).
func HashOf(m Message) (string, bool) {
	switch v := m.(type) {
	case *Sync:
		return v.Hash, true
	case *SyncNack:
		return v.Hash, true
	case *Chunk:
		return v.Hash, true
	case *Ack:
		return v.Hash, true
	case *Nak:
		return v.Hash, true
	case *Export:
		return v.Hash, true
	case *Done:
		return v.Hash, true
	default:
		return "", false
	}
}
