package audio

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(seq uint32) []byte {
	return []byte{byte(seq), byte(seq >> 8)}
}

func flatten(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestSequencerInOrder(t *testing.T) {
	s := NewSequencer(0)

	for seq := uint32(100); seq < 104; seq++ {
		released, err := s.Add(seq, payload(seq))
		require.NoError(t, err)
		require.Len(t, released, 1)
		assert.Equal(t, payload(seq), released[0])
	}

	stats := s.Stats()
	assert.Equal(t, uint32(4), stats.TotalPackets)
	assert.Equal(t, uint32(103), stats.LastSequence)
	assert.Zero(t, stats.LostPackets)
}

func TestSequencerReordering(t *testing.T) {
	s := NewSequencer(0)

	released, err := s.Add(1, payload(1))
	require.NoError(t, err)
	assert.Len(t, released, 1)

	// 3 arrives before 2 and must wait
	released, err = s.Add(3, payload(3))
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Equal(t, 1, s.Stats().PendingSeqs)

	released, err = s.Add(2, payload(2))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{payload(2), payload(3)}, released)

	released, err = s.Add(4, payload(4))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{payload(4)}, released)
	assert.Equal(t, uint32(4), s.Stats().LastSequence)
}

func TestSequencerGapTooLarge(t *testing.T) {
	s := NewSequencer(5)

	_, err := s.Add(1, payload(1))
	require.NoError(t, err)

	// Jump past maxGap: 2..9 are given up on and 10 is released immediately
	released, err := s.Add(10, payload(10))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{payload(10)}, released)

	stats := s.Stats()
	assert.Equal(t, uint32(8), stats.LostPackets)
	assert.Zero(t, stats.PendingSeqs)
}

func TestSequencerStalePacket(t *testing.T) {
	s := NewSequencer(0)

	_, err := s.Add(5, payload(5))
	require.NoError(t, err)

	_, err = s.Add(5, payload(5))
	assert.True(t, errors.Is(err, ErrStalePacket))

	_, err = s.Add(3, payload(3))
	assert.True(t, errors.Is(err, ErrStalePacket))
}

func TestSequencerDrain(t *testing.T) {
	s := NewSequencer(0)

	_, _ = s.Add(1, payload(1))
	_, _ = s.Add(4, payload(4))
	_, _ = s.Add(3, payload(3))

	drained := s.Drain()
	assert.Equal(t, [][]byte{payload(3), payload(4)}, drained)
	assert.Equal(t, uint32(1), s.Stats().LostPackets)
	assert.Nil(t, s.Drain())

	// Sequence continues after the drained range
	released, err := s.Add(5, payload(5))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{payload(5)}, released)
}

func TestSequencerCopiesInput(t *testing.T) {
	s := NewSequencer(0)

	data := []byte{1, 2}
	released, err := s.Add(1, data)
	require.NoError(t, err)

	data[0] = 9
	assert.Equal(t, byte(1), released[0][0])
}

func TestSequencerReset(t *testing.T) {
	s := NewSequencer(0)
	_, _ = s.Add(50, payload(50))
	s.Reset()

	released, err := s.Add(1, payload(1))
	require.NoError(t, err)
	assert.Len(t, released, 1)
	assert.Equal(t, uint32(1), s.Stats().TotalPackets)
}

func TestSequencerConcurrentAdd(t *testing.T) {
	s := NewSequencer(1000)

	_, err := s.Add(0, payload(0))
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		out [][]byte
		wg  sync.WaitGroup
	)
	for seq := uint32(1); seq <= 200; seq++ {
		wg.Add(1)
		go func(seq uint32) {
			defer wg.Done()
			released, err := s.Add(seq, payload(seq))
			assert.NoError(t, err)
			mu.Lock()
			out = append(out, released...)
			mu.Unlock()
		}(seq)
	}
	wg.Wait()

	assert.Len(t, out, 200)
	assert.Equal(t, uint32(200), s.Stats().LastSequence)
	assert.Len(t, flatten(out), 400)
}
