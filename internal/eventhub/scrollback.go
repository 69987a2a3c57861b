package eventhub

import (
	"sync"
	"time"
)

// defaultScrollbackSize is used when a non-positive size is requested.
const defaultScrollbackSize = 64 * 1024

// ScrollbackBuffer keeps the most recent output of one session for replay.
// When the buffer exceeds maxLen, older data is trimmed from the front.
type ScrollbackBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxLen   int
	closed   bool
	closedAt time.Time
}

// NewScrollbackBuffer creates a buffer holding at most maxLen bytes.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p, dropping the oldest bytes past maxLen.
func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) >= s.maxLen {
		s.data = append(s.data[:0], p[len(p)-s.maxLen:]...)
		return
	}
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		s.data = append(s.data[:0], s.data[len(s.data)-s.maxLen:]...)
	}
}

// Close marks the session as ended. The contents stay readable.
func (s *ScrollbackBuffer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closedAt = time.Now()
	}
}

// Snapshot returns a copy of the current contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// ClosedSince reports whether the buffer was closed before t.
func (s *ScrollbackBuffer) ClosedSince(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && s.closedAt.Before(t)
}

func (s *ScrollbackBuffer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
