package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spacelink/spacelink/pkg/errs"
)

func TestPutHasLoad(t *testing.T) {
	s := New(t.TempDir())

	if err := s.Put("abc", 0, []byte("hello")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Has("abc", 0) {
		t.Error("Has returned false after Put")
	}
	if s.Has("abc", 1) {
		t.Error("Has returned true for an index never put")
	}

	data, err := s.Load("abc", 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Errorf("Load returned %q, want %q", data, "hello")
	}
}

func TestLoadMissingChunk(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Load("nope", 0)
	if code, ok := errs.Of(err); !ok || code != errs.CodeMissingChunk {
		t.Fatalf("Load of absent chunk: got %v, want MissingChunk", err)
	}
}

func TestIdempotentPut(t *testing.T) {
	s := New(t.TempDir())

	if err := s.Put("h", 3, []byte("payload")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := s.Put("h", 3, []byte("payload")); err != nil {
		t.Fatalf("second identical Put failed: %v", err)
	}

	data, err := s.Load("h", 3)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Errorf("Load after duplicate Put returned %q", data)
	}
}

func TestMissingEnumeratesGaps(t *testing.T) {
	s := New(t.TempDir())

	if err := s.Put("h", 0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("h", 2, []byte("c")); err != nil {
		t.Fatal(err)
	}

	missing := s.Missing("h", 4)
	want := []int{1, 3}
	if len(missing) != len(want) {
		t.Fatalf("Missing = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("Missing = %v, want %v", missing, want)
		}
	}
}

func TestMissingEmptyWhenComplete(t *testing.T) {
	s := New(t.TempDir())
	for i := 0; i < 3; i++ {
		if err := s.Put("h", i, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if missing := s.Missing("h", 3); len(missing) != 0 {
		t.Errorf("Missing on a complete store = %v, want empty", missing)
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	srcPath := filepath.Join(dir, "src.bin")
	payload := bytes.Repeat([]byte{0x01}, 5000)
	if err := os.WriteFile(srcPath, payload, 0o640); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	hash, numChunks, mode, err := s.Import(srcPath, 4096)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if numChunks != 2 {
		t.Errorf("numChunks = %d, want 2", numChunks)
	}
	if mode.Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", mode.Perm())
	}

	destPath := filepath.Join(dir, "dest.bin")
	if err := s.Export(hash, numChunks, destPath, mode); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("exported file does not match source bytes")
	}
}

func TestExportHashMismatchLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	srcPath := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(srcPath, []byte("test1"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, numChunks, mode, err := s.Import(srcPath, 4096)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	// Corrupt the single chunk after staging.
	if err := s.Put(hash, 0, []byte("bad data")); err != nil {
		t.Fatal(err)
	}

	destPath := filepath.Join(dir, "dest.bin")
	err = s.Export(hash, numChunks, destPath, mode)
	if code, ok := errs.Of(err); !ok || code != errs.CodeHashMismatch {
		t.Fatalf("Export over corrupted chunk: got %v, want HashMismatch", err)
	}
	if _, statErr := os.Stat(destPath); statErr == nil {
		t.Error("Export left a target file behind after HashMismatch")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	a := Hash([]byte("same bytes"))
	b := Hash([]byte("same bytes"))
	if a != b {
		t.Errorf("Hash is not deterministic: %q != %q", a, b)
	}
	if Hash([]byte("different")) == a {
		t.Error("Hash collided for distinct inputs")
	}
}
