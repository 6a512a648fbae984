package message

import "testing"

func TestSyncRoundTrip(t *testing.T) {
	want := &Sync{Hash: "abc", NumChunks: 3}
	data, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	sync, ok := got.(*Sync)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want *Sync", got)
	}
	if sync.Hash != want.Hash || sync.NumChunks != want.NumChunks {
		t.Errorf("got %+v, want %+v", sync, want)
	}
}

func TestSyncNackRoundTrip(t *testing.T) {
	want := &SyncNack{Hash: "abc", Missing: []uint64{1, 3, 4}}
	data, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	nack, ok := got.(*SyncNack)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want *SyncNack", got)
	}
	if nack.Hash != want.Hash || len(nack.Missing) != len(want.Missing) {
		t.Fatalf("got %+v, want %+v", nack, want)
	}
	for i := range want.Missing {
		if nack.Missing[i] != want.Missing[i] {
			t.Errorf("Missing[%d] = %d, want %d", i, nack.Missing[i], want.Missing[i])
		}
	}
}

func TestSyncNackEmptyMissing(t *testing.T) {
	want := &SyncNack{Hash: "abc", Missing: []uint64{}}
	data, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	nack, ok := got.(*SyncNack)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want *SyncNack", got)
	}
	if len(nack.Missing) != 0 {
		t.Errorf("Missing = %v, want empty", nack.Missing)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	want := &Chunk{Hash: "abc", Index: 7, Bytes: []byte("payload")}
	data, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	chunk, ok := got.(*Chunk)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want *Chunk", got)
	}
	if chunk.Hash != want.Hash || chunk.Index != want.Index || string(chunk.Bytes) != string(want.Bytes) {
		t.Errorf("got %+v, want %+v", chunk, want)
	}
}

func TestAllKindsRoundTrip(t *testing.T) {
	msgs := []Message{
		&Ack{Hash: "h"},
		&Nak{Hash: "h", Reason: "bad"},
		&Import{SourcePath: "/remote/file"},
		&Export{Hash: "h", TargetPath: "/local/file", Mode: 0o644},
		&Done{Hash: "h"},
	}

	for _, m := range msgs {
		data, err := Marshal(m)
		if err != nil {
			t.Fatalf("Marshal(%T) failed: %v", m, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal(%T) failed: %v", m, err)
		}
		if got.Kind() != m.Kind() {
			t.Errorf("Kind mismatch: got %s, want %s", got.Kind(), m.Kind())
		}
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	data, _ := Marshal(&Ack{Hash: "h"})
	// Corrupt nothing structurally; just verify an actually-unknown kind errors.
	bogus := append([]byte{0x81, 0x65}, []byte("bogus")...)
	if _, err := Unmarshal(bogus); err == nil {
		t.Error("Unmarshal of an unknown kind should fail")
	}
	_ = data
}

func TestUnmarshalEmptyArray(t *testing.T) {
	if _, err := Unmarshal([]byte{0x80}); err == nil {
		t.Error("Unmarshal of an empty array should fail")
	}
}

func TestHashOf(t *testing.T) {
	cases := []struct {
		msg      Message
		wantOK   bool
		wantHash string
	}{
		{&Sync{Hash: "a", NumChunks: 1}, true, "a"},
		{&Chunk{Hash: "b", Index: 0, Bytes: nil}, true, "b"},
		{&Import{SourcePath: "/x"}, false, ""},
		{&Done{Hash: "c"}, true, "c"},
	}
	for _, tc := range cases {
		hash, ok := HashOf(tc.msg)
		if ok != tc.wantOK || hash != tc.wantHash {
			t.Errorf("HashOf(%T) = (%q, %v), want (%q, %v)", tc.msg, hash, ok, tc.wantHash, tc.wantOK)
		}
	}
}
