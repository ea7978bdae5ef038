package cache

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// SpoolBuffer accumulates a federated response body for later storage
// under a cache key. It holds writes in memory until the accumulated
// size would exceed bufferRolloverSize; at that point it copies the
// in-memory bytes into a temp file under dir and appends every later
// write there — the same transparent-rollover contract spec.md
// §4.2/§5 calls for ("dump_to_cache_buffer... may spill to disk beyond
// a configurable size threshold").
//
// The Commit/Rollback/Send vocabulary is carried over from the
// teacher's storage.Txn (internal/storage/tx.go), whose channel-backed
// commit/rollback pair for a database transaction generalizes cleanly
// to "commit means return the accumulated bytes for caching, rollback
// means discard the spool file" — a transaction over bytes instead of
// rows.
type SpoolBuffer struct {
	mu       sync.Mutex
	dir      string
	rollover int64

	written int64
	memBuf  []byte
	file    *os.File
}

// NewSpoolBuffer constructs an empty SpoolBuffer. rollover == 0 means
// never spill to disk; dir is only consulted once rollover is
// exceeded.
func NewSpoolBuffer(dir string, rollover int64) *SpoolBuffer {
	return &SpoolBuffer{dir: dir, rollover: rollover}
}

// Write appends p, spilling to a temp file the first time the
// accumulated size would exceed rollover.
func (s *SpoolBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		n, err := s.file.Write(p)
		s.written += int64(n)
		return n, err
	}

	if s.rollover > 0 && s.written+int64(len(p)) > s.rollover {
		f, err := os.CreateTemp(s.dir, "eida-federator-spool-*")
		if err != nil {
			return 0, fmt.Errorf("spool: creating temp file: %w", err)
		}

		if _, err := f.Write(s.memBuf); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, fmt.Errorf("spool: flushing memory buffer to temp file: %w", err)
		}

		s.file = f
		s.memBuf = nil

		n, err := s.file.Write(p)
		s.written += int64(n)
		return n, err
	}

	s.memBuf = append(s.memBuf, p...)
	s.written += int64(len(p))

	return len(p), nil
}

// Commit returns the full accumulated body. For an in-memory buffer
// this is a zero-copy view; for a spilled buffer it reads the temp
// file back in, since the cache's storage contract (spec.md §4.2) is
// whole-body, not streamed.
func (s *SpoolBuffer) Commit() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return s.memBuf, nil
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("spool: seeking temp file: %w", err)
	}

	body, err := io.ReadAll(s.file)
	if err != nil {
		return nil, fmt.Errorf("spool: reading temp file: %w", err)
	}

	return body, nil
}

// Rollback discards the spool, releasing its temp file deterministically
// (spec.md §5: "released deterministically at Finalized or Errored on
// every path").
func (s *SpoolBuffer) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memBuf = nil

	if s.file == nil {
		return nil
	}

	name := s.file.Name()
	closeErr := s.file.Close()
	removeErr := os.Remove(name)
	s.file = nil

	if closeErr != nil {
		return fmt.Errorf("spool: closing temp file: %w", closeErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("spool: removing temp file: %w", removeErr)
	}

	return nil
}

// Spilled reports whether the buffer has rolled over to disk.
func (s *SpoolBuffer) Spilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file != nil
}
