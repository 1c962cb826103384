// Package sink provides firmware sinks: destinations that accept the image
// bytes strictly in order and verify them on finalize.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/gsmota/internal/utils"
)

// FileSink stages the image in a part file and renames it over Path once the
// size and digest check out.
type FileSink struct {
	Path     string
	Capacity int64 // 0 means unlimited

	mu       sync.Mutex
	file     *os.File
	partPath string
	expected int64
	written  int64
	digest   *digester
	complete bool
}

func NewFileSink(path string, capacity int64) *FileSink {
	return &FileSink{Path: path, Capacity: capacity}
}

func (s *FileSink) Begin(expectedSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return fmt.Errorf("write session already open")
	}
	if expectedSize <= 0 {
		return utils.Fail(utils.KindEmptyOrInvalidResponse, nil, "invalid image size %d", expectedSize)
	}
	if s.Capacity > 0 && expectedSize > s.Capacity {
		return utils.Fail(utils.KindInsufficientSpace, nil, "image of %s exceeds capacity of %s",
			utils.FormatBytes(uint64(expectedSize)), utils.FormatBytes(uint64(s.Capacity)))
	}
	tempDir := filepath.Join(filepath.Dir(s.Path), ".gsmota-temp")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("error creating temp directory: %v", err)
	}
	s.partPath = filepath.Join(tempDir, filepath.Base(s.Path)+".part")
	file, err := os.OpenFile(s.partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating part file: %v", err)
	}
	s.file = file
	s.expected = expectedSize
	s.written = 0
	s.digest = newDigester()
	s.complete = false
	return nil
}

func (s *FileSink) SetExpectedDigest(hexDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digest == nil {
		return fmt.Errorf("no write session")
	}
	if s.written > 0 {
		return fmt.Errorf("digest must be registered before writing")
	}
	return s.digest.expect(hexDigest)
}

// Write appends p. Bytes beyond the reserved size are refused, which shows up
// as a short write.
func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, fmt.Errorf("no write session")
	}
	if remaining := s.expected - s.written; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.file.Write(p)
	s.digest.write(p[:n])
	s.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("error writing part file: %v", err)
	}
	return n, nil
}

func (s *FileSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("no write session")
	}
	if s.written != s.expected {
		s.discardLocked()
		return utils.Fail(utils.KindIncompleteOrCorrupt, nil, "wrote %d of %d bytes", s.written, s.expected)
	}
	if err := s.digest.verify(); err != nil {
		s.discardLocked()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.discardLocked()
		return fmt.Errorf("error syncing part file: %v", err)
	}
	if err := s.file.Close(); err != nil {
		s.file = nil
		os.Remove(s.partPath)
		return fmt.Errorf("error closing part file: %v", err)
	}
	s.file = nil
	if err := os.Rename(s.partPath, s.Path); err != nil {
		return fmt.Errorf("error renaming (finalizing) image file: %v", err)
	}
	cleanTempDir(filepath.Dir(s.partPath))
	s.complete = true
	log.Debug().Str("op", "sink/file").Str("path", s.Path).Str("digest", s.digest.sum()).Msg("Image committed")
	return nil
}

func (s *FileSink) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *FileSink) Digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digest == nil {
		return ""
	}
	return s.digest.sum()
}

func (s *FileSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.discardLocked()
	return nil
}

func (s *FileSink) discardLocked() {
	s.file.Close()
	s.file = nil
	os.Remove(s.partPath)
	cleanTempDir(filepath.Dir(s.partPath))
}

func cleanTempDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
