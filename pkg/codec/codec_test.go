package codec

import (
	"testing"

	"github.com/spacelink/spacelink/pkg/message"
)

func TestDecodeEmptyDatagramIsNoOp(t *testing.T) {
	decoded, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil) failed: %v", err)
	}
	if decoded.Msg != nil || decoded.Pause || decoded.Resume || decoded.Dropped {
		t.Errorf("Decode(nil) = %+v, want zero value", decoded)
	}
}

func TestDecodePauseResume(t *testing.T) {
	decoded, err := Decode(EncodePause())
	if err != nil || !decoded.Pause {
		t.Fatalf("Decode(EncodePause()) = %+v, err %v", decoded, err)
	}
	decoded, err = Decode(EncodeResume())
	if err != nil || !decoded.Resume {
		t.Fatalf("Decode(EncodeResume()) = %+v, err %v", decoded, err)
	}
}

func TestDecodeReservedTagIsDropped(t *testing.T) {
	decoded, err := Decode([]byte{0x7f})
	if err != nil {
		t.Fatalf("Decode of reserved tag returned error: %v", err)
	}
	if !decoded.Dropped {
		t.Errorf("Decode of reserved tag byte should set Dropped")
	}
}

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	want := &message.Chunk{Hash: "abcdef", Index: 2, Bytes: []byte("hello")}
	datagram, err := EncodeMessage(want)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if len(datagram) > MaxDatagramSize {
		t.Fatalf("encoded datagram exceeds MaxDatagramSize: %d", len(datagram))
	}

	decoded, err := Decode(datagram)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	chunk, ok := decoded.Msg.(*message.Chunk)
	if !ok {
		t.Fatalf("decoded.Msg = %T, want *message.Chunk", decoded.Msg)
	}
	if chunk.Hash != want.Hash || chunk.Index != want.Index || string(chunk.Bytes) != string(want.Bytes) {
		t.Errorf("got %+v, want %+v", chunk, want)
	}
}

func TestEncodeMessageOversizeFails(t *testing.T) {
	oversized := &message.Chunk{Hash: "h", Index: 0, Bytes: make([]byte, MaxDatagramSize*2)}
	if _, err := EncodeMessage(oversized); err == nil {
		t.Error("EncodeMessage of an oversized message should fail")
	}
}

func TestEncodeMessageIsDeterministic(t *testing.T) {
	m := &message.Sync{Hash: "h", NumChunks: 10}
	a, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	b, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if string(a) != string(b) {
		t.Error("EncodeMessage of the same value produced different bytes")
	}
}
