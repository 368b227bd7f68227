package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skypro1111/voice-capture-service/internal/capture"
)

func TestTrackEmitOrderAndRemoval(t *testing.T) {
	track := NewTrack()

	var calls []string
	removeA := track.AddFragmentListener(func(f capture.Fragment) { calls = append(calls, "a:"+string(f)) })
	track.AddFragmentListener(func(f capture.Fragment) { calls = append(calls, "b:"+string(f)) })

	track.Emit(capture.Fragment("1"))
	removeA()
	removeA()
	track.Emit(capture.Fragment("2"))

	assert.Equal(t, []string{"a:1", "b:1", "b:2"}, calls)
}

func TestTrackStopOnce(t *testing.T) {
	track := NewTrack()
	assert.True(t, track.Active())

	releases := 0
	release := func() error {
		releases++
		return errors.New("closed")
	}

	err := track.Stop(release)
	assert.EqualError(t, err, "closed")
	assert.EqualError(t, track.Stop(release), "closed")
	assert.Equal(t, 1, releases)
	assert.False(t, track.Active())

	select {
	case <-track.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTrackNoEmitAfterStop(t *testing.T) {
	track := NewTrack()
	got := 0
	track.AddFragmentListener(func(capture.Fragment) { got++ })

	assert.NoError(t, track.Stop(nil))
	track.Emit(capture.Fragment("x"))
	assert.Zero(t, got)
}

func TestBuffer(t *testing.T) {
	var b Buffer
	b.Append([]byte{1, 2})
	b.Append(nil)
	b.Append([]byte{3})

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []byte{1, 2, 3}, b.Take())
	assert.Nil(t, b.Take())
	assert.Zero(t, b.Len())
}
