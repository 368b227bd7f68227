package capture

import (
	"context"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

// DefaultTimeslice is the fragment interval requested from devices
const DefaultTimeslice = 100 * time.Millisecond

// Fragment is one chunk of audio delivered by a stream
type Fragment []byte

// Encoding describes how a stream's fragments are laid out
type Encoding string

const (
	// EncodingPCM16 is raw little-endian signed 16-bit mono PCM
	EncodingPCM16 Encoding = "pcm16"
	// EncodingOpaque is already-containerized audio (webm, ogg, wav chunks)
	EncodingOpaque Encoding = "opaque"
)

// Format is what a stream reports about its fragments
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
	MediaType  string // Used for opaque encodings; empty means the pipeline default
}

// StreamOptions configure a device stream request
type StreamOptions struct {
	Timeslice time.Duration
}

// Device grants access to an audio input. A request blocks until access is
// granted or denied; a denial is returned as an error.
type Device interface {
	RequestAudioStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// Stream is a live audio source held exclusively by one session
type Stream interface {
	// AddFragmentListener registers fn for every fragment emitted from now
	// on and returns a function that deregisters it.
	AddFragmentListener(fn func(Fragment)) (remove func())
	// Flush delivers any partially accumulated fragment to listeners
	Flush() error
	// StopAllTracks releases the underlying input. Safe to call repeatedly.
	StopAllTracks() error
	// Active reports whether any track is still live
	Active() bool
	Format() Format
}

// Transcriber turns an encoded clip into text
type Transcriber interface {
	Transcribe(ctx context.Context, request *transcription.Request) (*transcription.Response, error)
}
