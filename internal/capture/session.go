package capture

import (
	"sync"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
)

// Session is one recording, from Start until Stop or Cleanup
type Session struct {
	ID        string
	StartedAt time.Time

	stream         Stream
	format         Format
	removeListener func()
	metrics        *metrics.Metrics

	fragments [][]byte
	count     int
	bytes     int
	dropped   int
	closed    bool
	mu        sync.Mutex

	releaseOnce sync.Once
	releaseErr  error
}

func newSession(id string, stream Stream, m *metrics.Metrics) *Session {
	return &Session{
		ID:        id,
		StartedAt: time.Now(),
		stream:    stream,
		format:    stream.Format(),
		metrics:   m,
	}
}

// onFragment buffers a copy of every non-empty fragment in arrival order
func (s *Session) onFragment(f Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(f) == 0 {
		s.dropped++
		s.metrics.RecordFragmentDropped()
		return
	}

	data := make([]byte, len(f))
	copy(data, f)
	s.fragments = append(s.fragments, data)
	s.count++
	s.bytes += len(data)

	s.metrics.RecordFragment(len(data))
	if s.format.Encoding == EncodingPCM16 {
		s.metrics.SetInputLevel(audio.Level(data))
	}
}

// takeFragments closes the buffer and hands its contents to the caller
func (s *Session) takeFragments() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	fragments := s.fragments
	s.fragments = nil
	return fragments
}

// release deregisters the listener and stops the device exactly once
func (s *Session) release() error {
	s.releaseOnce.Do(func() {
		if s.removeListener != nil {
			s.removeListener()
		}
		s.releaseErr = s.stream.StopAllTracks()
	})
	return s.releaseErr
}

// SessionStats is a point-in-time view of a session
type SessionStats struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Fragments int           `json:"fragments"`
	Bytes     int           `json:"bytes"`
	Dropped   int           `json:"dropped"`
}

// Stats returns current session statistics
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionStats{
		ID:        s.ID,
		StartedAt: s.StartedAt,
		Duration:  time.Since(s.StartedAt),
		Fragments: s.count,
		Bytes:     s.bytes,
		Dropped:   s.dropped,
	}
}
