package audio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrStalePacket is returned for packets older than the last released sequence
// number, including duplicates.
var ErrStalePacket = errors.New("stale or duplicate packet")

// Sequencer restores capture order for sequenced audio payloads arriving over
// an unordered transport, with bounded waiting for gaps and loss accounting
type Sequencer struct {
	started     bool
	lastSeq     uint32            // Last released sequence number
	expectedSeq uint32            // Next sequence number to release
	pending     map[uint32][]byte // Out-of-order payloads waiting for the gap to fill

	lost   map[uint32]bool // Sequence numbers given up on
	maxGap uint32          // Maximum gap to wait for before skipping

	lastUpdate   time.Time
	totalPackets uint32
	lostCount    uint32

	mu sync.Mutex
}

// SequencerStats represents sequencer statistics for monitoring
type SequencerStats struct {
	TotalPackets uint32  `json:"total_packets"`
	LostPackets  uint32  `json:"lost_packets"`
	LossRate     float64 `json:"loss_rate"`
	PendingSeqs  int     `json:"pending_sequences"`
	LastSequence uint32  `json:"last_sequence"`
}

// NewSequencer creates a sequencer that waits for at most maxGap missing
// packets before declaring them lost. Zero selects the default of 20.
func NewSequencer(maxGap uint32) *Sequencer {
	if maxGap == 0 {
		maxGap = 20
	}
	return &Sequencer{
		pending:    make(map[uint32][]byte),
		lost:       make(map[uint32]bool),
		maxGap:     maxGap,
		lastUpdate: time.Now(),
	}
}

// Add accepts one payload and returns the payloads that became releasable,
// in sequence order. The returned slices are owned by the caller.
func (s *Sequencer) Add(sequence uint32, data []byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUpdate = time.Now()
	s.totalPackets++

	if !s.started {
		s.started = true
		s.expectedSeq = sequence
		s.lastSeq = sequence - 1
	}

	switch {
	case sequence == s.expectedSeq:
		released := [][]byte{clone(data)}
		s.lastSeq = sequence
		s.expectedSeq = sequence + 1
		return append(released, s.releaseConsecutive()...), nil

	case sequence > s.expectedSeq:
		s.pending[sequence] = clone(data)

		if sequence-s.expectedSeq > s.maxGap {
			s.markLost(s.expectedSeq, sequence-1)
			s.expectedSeq = s.lowestPending()
			return s.releaseConsecutive(), nil
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: seq=%d, lastSeq=%d", ErrStalePacket, sequence, s.lastSeq)
	}
}

// Drain releases every pending payload in sequence order, treating any
// remaining gaps as lost. Used when the stream is flushed or closed.
func (s *Sequencer) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	seqs := make([]uint32, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	released := make([][]byte, 0, len(seqs))
	for _, seq := range seqs {
		if seq > s.expectedSeq {
			s.markLost(s.expectedSeq, seq-1)
		}
		released = append(released, s.pending[seq])
		delete(s.pending, seq)
		s.lastSeq = seq
		s.expectedSeq = seq + 1
	}

	return released
}

// Reset forgets all sequencing state, as for a new stream
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = false
	s.lastSeq = 0
	s.expectedSeq = 0
	s.pending = make(map[uint32][]byte)
	s.lost = make(map[uint32]bool)
	s.totalPackets = 0
	s.lostCount = 0
}

// releaseConsecutive releases buffered payloads that continue the sequence
func (s *Sequencer) releaseConsecutive() [][]byte {
	var released [][]byte
	for {
		data, ok := s.pending[s.expectedSeq]
		if !ok {
			break
		}
		released = append(released, data)
		delete(s.pending, s.expectedSeq)
		delete(s.lost, s.expectedSeq)

		s.lastSeq = s.expectedSeq
		s.expectedSeq++
	}

	s.trimLost()
	return released
}

func (s *Sequencer) markLost(start, end uint32) {
	for seq := start; seq <= end; seq++ {
		if _, buffered := s.pending[seq]; !buffered {
			s.lost[seq] = true
			s.lostCount++
		}
	}
}

func (s *Sequencer) lowestPending() uint32 {
	first := true
	var lowest uint32
	for seq := range s.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}

// trimLost keeps loss tracking bounded to the last 100 sequence numbers
func (s *Sequencer) trimLost() {
	if s.lastSeq < 100 {
		return
	}
	cutoff := s.lastSeq - 100
	for seq := range s.lost {
		if seq < cutoff {
			delete(s.lost, seq)
		}
	}
}

// Stats returns current sequencer statistics
func (s *Sequencer) Stats() SequencerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	lossRate := float64(0)
	if s.totalPackets > 0 {
		lossRate = float64(s.lostCount) / float64(s.totalPackets) * 100
	}

	return SequencerStats{
		TotalPackets: s.totalPackets,
		LostPackets:  s.lostCount,
		LossRate:     lossRate,
		PendingSeqs:  len(s.pending),
		LastSequence: s.lastSeq,
	}
}

// LastUpdate returns the time the last packet was accepted
func (s *Sequencer) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
