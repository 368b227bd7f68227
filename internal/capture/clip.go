package capture

import (
	"bytes"
	"fmt"
	"io"

	"github.com/skypro1111/voice-capture-service/internal/audio"
)

// DefaultMediaType is declared for clips whose stream did not name one
const DefaultMediaType = "audio/wav"

// Clip is the immutable result of a recording session
type Clip struct {
	SessionID  string
	Filename   string
	MediaType  string
	SampleRate int // 0 when the stream did not report one

	fragments [][]byte
	data      []byte
}

// encodeClip builds a clip from captured fragments in capture order.
// PCM16 streams are wrapped in a WAV container; everything else is
// concatenated as delivered. A trailing odd byte of PCM16 data is dropped.
// When PCM16 data still cannot be encoded the raw bytes are kept under
// defaultMediaType and the encoding error is returned alongside the clip.
func encodeClip(sessionID string, fragments [][]byte, format Format, defaultMediaType string) (*Clip, error) {
	if len(fragments) == 0 {
		return nil, nil
	}

	clip := &Clip{
		SessionID:  sessionID,
		Filename:   sessionID + ".wav",
		SampleRate: format.SampleRate,
		fragments:  fragments,
	}

	var encodeErr error
	if format.Encoding == EncodingPCM16 {
		channels := format.Channels
		if channels <= 0 {
			channels = 1
		}
		data, err := audio.EncodePCMFragments(evenPCM(fragments), audio.PCMFormat{
			SampleRate: format.SampleRate,
			Channels:   channels,
		})
		if err == nil {
			clip.data = data
			clip.MediaType = "audio/wav"
			return clip, nil
		}
		encodeErr = fmt.Errorf("failed to encode PCM clip: %w", err)
	}

	clip.data = bytes.Join(fragments, nil)
	clip.MediaType = format.MediaType
	if clip.MediaType == "" || encodeErr != nil {
		clip.MediaType = defaultMediaType
	}
	return clip, encodeErr
}

// evenPCM trims the last fragment so the total length is a whole number of samples
func evenPCM(fragments [][]byte) [][]byte {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	if total%2 == 0 {
		return fragments
	}

	trimmed := make([][]byte, len(fragments))
	copy(trimmed, fragments)
	last := trimmed[len(trimmed)-1]
	if len(last) == 1 {
		return trimmed[:len(trimmed)-1]
	}
	trimmed[len(trimmed)-1] = last[:len(last)-1]
	return trimmed
}

// Fragments returns the number of fragments the clip was built from
func (c *Clip) Fragments() int {
	if c == nil {
		return 0
	}
	return len(c.fragments)
}

// Size returns the total captured payload in bytes, excluding container headers
func (c *Clip) Size() int {
	if c == nil {
		return 0
	}
	total := 0
	for _, f := range c.fragments {
		total += len(f)
	}
	return total
}

// Len returns the encoded length in bytes
func (c *Clip) Len() int {
	if c == nil {
		return 0
	}
	return len(c.data)
}

// Bytes returns a copy of the encoded clip
func (c *Clip) Bytes() []byte {
	if c == nil {
		return nil
	}
	out := make([]byte, len(c.data))
	copy(out, c.data)
	return out
}

// Reader returns a fresh reader over the encoded clip
func (c *Clip) Reader() io.Reader {
	if c == nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(c.data)
}

// Empty reports whether there is nothing to submit
func (c *Clip) Empty() bool {
	return c == nil || len(c.data) == 0
}
