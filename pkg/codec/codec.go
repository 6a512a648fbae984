// Package codec implements spacelink's datagram framing, as specified in
// spec.md §4.1: a single control-tag byte followed, for data frames, by a
// self-describing CBOR payload. It is grounded on the teacher's
// pkg/codec/cborcanon (canonical fxamacker/cbor encode mode) and
// pkg/wire/frame.go's tag-prefixed envelope idea, simplified to match
// original_source's cbor_codec.rs recv_start/send_message exactly: tag 0
// is a data frame, 1 is Pause, 2 is Resume, anything else is a dropped
// reserved frame.
package codec

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/spacelink/spacelink/pkg/codec/cborcanon"
	"github.com/spacelink/spacelink/pkg/errs"
	"github.com/spacelink/spacelink/pkg/message"
)

// Wire limits from spec.md §4.1/§6.
const (
	MaxDatagramSize = 4136
	MaxPayloadSize  = 4128
	FrameOverhead   = 40
)

const (
	tagData   byte = 0
	tagPause  byte = 1
	tagResume byte = 2
)

// Decoded is the result of decoding one datagram: exactly one of Msg, Pause,
// Resume or Dropped is set (or all are zero for an empty, no-op datagram).
type Decoded struct {
	Msg     message.Message
	Pause   bool
	Resume  bool
	Dropped bool // reserved control tag, logged and dropped upstream
}

// Decode unframes a single datagram per spec.md §4.1's contract.
func Decode(datagram []byte) (Decoded, error) {
	if len(datagram) == 0 {
		return Decoded{}, nil
	}

	switch datagram[0] {
	case tagData:
		msg, err := message.Unmarshal(datagram[1:])
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Msg: msg}, nil
	case tagPause:
		return Decoded{Pause: true}, nil
	case tagResume:
		return Decoded{Resume: true}, nil
	default:
		return Decoded{Dropped: true}, nil
	}
}

// EncodeMessage serializes m into a single outbound datagram: tag 0 followed
// by its canonical CBOR array encoding.
func EncodeMessage(m message.Message) ([]byte, error) {
	seq, err := marshalCanonical(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(seq)+1)
	out = append(out, tagData)
	out = append(out, seq...)
	if len(out) > MaxDatagramSize {
		return nil, errs.New(errs.CodeBadFrame, "encoded message exceeds MTU")
	}
	return out, nil
}

func marshalCanonical(m message.Message) ([]byte, error) {
	// message.Marshal uses the default (non-canonical) mode internally for
	// convenience; re-encode canonically here via cborcanon so wire bytes
	// are deterministic, as spec.md §4.1 requires.
	data, err := message.Marshal(m)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, errs.Wrap(errs.CodeBadFrame, "re-decode for canonicalization", err)
	}
	canon, err := cborcanon.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadFrame, "canonicalize message", err)
	}
	return canon, nil
}

// EncodePause produces the 1-byte Pause control datagram.
func EncodePause() []byte { return []byte{tagPause} }

// EncodeResume produces the 1-byte Resume control datagram.
func EncodeResume() []byte { return []byte{tagResume} }
