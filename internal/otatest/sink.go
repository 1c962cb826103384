package otatest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/tanq16/gsmota/internal/utils"
)

// MemorySink keeps the image in memory and can be scripted to short-write or
// refuse.
type MemorySink struct {
	Capacity int64
	// ShortWrites caps the bytes accepted by the n-th Write call (0-based).
	ShortWrites      map[int]int
	FailWrite        error
	FailFinalize     error
	ReportIncomplete bool

	mu         sync.Mutex
	beginCalls int
	expected   int64
	data       []byte
	digest     string
	writes     int
	complete   bool
	aborted    bool
	finalized  bool
}

func (s *MemorySink) Begin(expectedSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginCalls++
	if s.Capacity > 0 && expectedSize > s.Capacity {
		return utils.Fail(utils.KindInsufficientSpace, nil, "need %d bytes, have %d", expectedSize, s.Capacity)
	}
	s.expected = expectedSize
	s.data = make([]byte, 0, expectedSize)
	return nil
}

func (s *MemorySink) SetExpectedDigest(hexDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := hex.DecodeString(hexDigest); err != nil {
		return utils.Fail(utils.KindParse, err, "bad digest")
	}
	s.digest = hexDigest
	return nil
}

func (s *MemorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.writes
	s.writes++
	if s.FailWrite != nil {
		return 0, s.FailWrite
	}
	if limit, ok := s.ShortWrites[call]; ok && limit < len(p) {
		p = p[:limit]
	}
	if room := s.expected - int64(len(s.data)); int64(len(p)) > room {
		p = p[:room]
	}
	s.data = append(s.data, p...)
	return len(p), nil
}

func (s *MemorySink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	if s.FailFinalize != nil {
		return s.FailFinalize
	}
	if int64(len(s.data)) != s.expected {
		return utils.Fail(utils.KindIncompleteOrCorrupt, nil, "have %d of %d bytes", len(s.data), s.expected)
	}
	if s.digest != "" && s.digestLocked() != s.digest {
		return utils.Fail(utils.KindIncompleteOrCorrupt, nil, "digest mismatch")
	}
	s.complete = !s.ReportIncomplete
	return nil
}

func (s *MemorySink) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *MemorySink) Digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digestLocked()
}

func (s *MemorySink) digestLocked() string {
	if len(s.digest) == sha256.Size*2 {
		sum := sha256.Sum256(s.data)
		return hex.EncodeToString(sum[:])
	}
	sum := md5.Sum(s.data)
	return hex.EncodeToString(sum[:])
}

func (s *MemorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.data = nil
	return nil
}

func (s *MemorySink) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *MemorySink) BeginCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginCalls
}

func (s *MemorySink) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *MemorySink) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// MD5 returns the hex MD5 of b.
func MD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

var ErrRefused = errors.New("sink refused write")
