// Package store implements the content-addressed on-disk chunk staging area
// specified in spec.md §3/§4.2: one directory per file hash, one file per
// received chunk, named by decimal index. It is grounded on the teacher's
// pkg/content package (chunker.go, cid.go, manifest.go, errors.go), adapted
// from an in-memory CID/ChunkStore pair to the on-disk, index-addressed
// layout spec.md requires, and on original_source's local_import/local_export
// (services/file-service-rust/tests/upload.rs), which pins the exact
// hash-then-stage-then-reassemble sequence.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"lukechampine.com/blake3"

	"github.com/spacelink/spacelink/pkg/errs"
)

// DefaultChunkSize matches spec.md §6's default; callers may override it.
const DefaultChunkSize = 4096

// Store is a content-addressed chunk staging area rooted at <prefix>/storage.
//
// Put is safe to call concurrently for distinct (hash, index) pairs; the
// per-hash lock only serializes writes to the same hash's directory
// metadata (mkdir), not the chunk files themselves, matching spec.md §5's
// "thread-safe at the level of a single (hash, index) file".
type Store struct {
	root string

	mu     sync.Mutex
	dirMus map[string]*sync.Mutex
}

// New creates a Store rooted at <prefix>/storage.
func New(prefix string) *Store {
	return &Store{
		root:   filepath.Join(prefix, "storage"),
		dirMus: make(map[string]*sync.Mutex),
	}
}

// Hash returns the lowercase-hex BLAKE3-256 digest of data, spacelink's
// content identifier (spec.md §3).
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

func (s *Store) hashDir(hash string) string {
	return filepath.Join(s.root, hash)
}

func (s *Store) dirLock(hash string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.dirMus[hash]
	if !ok {
		m = &sync.Mutex{}
		s.dirMus[hash] = m
	}
	return m
}

// Put durably writes bytes as chunk `index` of `hash`. It is idempotent:
// calling it twice with identical bytes leaves the store in the same
// observable state as calling it once (spec.md §8's idempotency invariant).
func (s *Store) Put(hash string, index int, data []byte) error {
	dir := s.hashDir(hash)

	lock := s.dirLock(hash)
	lock.Lock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		lock.Unlock()
		return errs.Wrap(errs.CodeIO, "create chunk directory", err)
	}
	lock.Unlock()

	target := filepath.Join(dir, strconv.Itoa(index))

	// Write to a temp file then rename, so a concurrent Has/Load never
	// observes a partially written chunk.
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".tmp-%d-*", index))
	if err != nil {
		return errs.Wrap(errs.CodeIO, "create temp chunk file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.CodeIO, "write chunk", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.CodeIO, "close chunk", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.CodeIO, "rename chunk into place", err)
	}
	return nil
}

// Has reports whether chunk `index` of `hash` has been durably received.
func (s *Store) Has(hash string, index int) bool {
	_, err := os.Stat(filepath.Join(s.hashDir(hash), strconv.Itoa(index)))
	return err == nil
}

// Missing returns the ascending list of indices absent from [0, numChunks).
// An empty, non-nil slice means the store is complete.
func (s *Store) Missing(hash string, numChunks int) []int {
	missing := make([]int, 0)
	for i := 0; i < numChunks; i++ {
		if !s.Has(hash, i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Load reads chunk `index` of `hash`, or returns a MissingChunk error.
func (s *Store) Load(hash string, index int) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.hashDir(hash), strconv.Itoa(index)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.MissingChunk.WithHash(hash)
		}
		return nil, errs.Wrap(errs.CodeIO, "read chunk", err)
	}
	return data, nil
}

// Import reads a local file, splits it into chunks of chunkSize (the last
// may be short), hashes the concatenation, stages every chunk, and returns
// the hash, chunk count and the source file's POSIX permission bits
// (spec.md §4.2 and the mode-propagation entry under SPEC_FULL.md's
// "Supplemented features").
func (s *Store) Import(path string, chunkSize uint32) (hash string, numChunks int, mode os.FileMode, err error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, errs.Wrap(errs.CodeIO, "open source file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, 0, errs.Wrap(errs.CodeIO, "stat source file", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", 0, 0, errs.Wrap(errs.CodeIO, "read source file", err)
	}

	h := Hash(data)

	chunks := chunkData(data, chunkSize)
	for i, c := range chunks {
		if err := s.Put(h, i, c); err != nil {
			return "", 0, 0, err
		}
	}

	return h, len(chunks), info.Mode().Perm(), nil
}

func chunkData(data []byte, chunkSize uint32) [][]byte {
	if len(data) == 0 {
		return [][]byte{}
	}
	n := (len(data) + int(chunkSize) - 1) / int(chunkSize)
	chunks := make([][]byte, 0, n)
	for i := 0; i < len(data); i += int(chunkSize) {
		end := i + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// Export requires a complete store, reassembles chunks in ascending index
// order into a temporary file, recomputes the hash and verifies it matches,
// then atomically renames into place and applies mode. On hash mismatch it
// returns a HashMismatch error and leaves targetPath untouched (spec.md §4.2,
// §7, and the corrected "bad hash" behavior from SPEC_FULL.md §9).
func (s *Store) Export(hash string, numChunks int, targetPath string, mode os.FileMode) error {
	missing := s.Missing(hash, numChunks)
	if len(missing) > 0 {
		return errs.MissingChunk.WithHash(hash)
	}

	dir := filepath.Dir(targetPath)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.Wrap(errs.CodeIO, "create target directory", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".spacelink-export-*")
	if err != nil {
		return errs.Wrap(errs.CodeIO, "create reassembly temp file", err)
	}
	tmpName := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpName)
		}
	}()

	for i := 0; i < numChunks; i++ {
		data, err := s.Load(hash, i)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return errs.Wrap(errs.CodeIO, "write reassembled file", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.CodeIO, "close reassembled file", err)
	}

	actual, err := hashFile(tmpName)
	if err != nil {
		return err
	}
	if actual != hash {
		return errs.HashMismatch.WithHash(hash)
	}

	if err := os.Chmod(tmpName, mode); err != nil {
		return errs.Wrap(errs.CodeIO, "chmod reassembled file", err)
	}
	if err := os.Rename(tmpName, targetPath); err != nil {
		return errs.Wrap(errs.CodeIO, "rename into place", err)
	}
	removeTmp = false
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.CodeIO, "read reassembled file for verification", err)
	}
	return Hash(data), nil
}

