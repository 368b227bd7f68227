package wavfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/device"
)

// Config configures WAV file playback
type Config struct {
	Path     string
	Loop     bool // Restart from the beginning when the file ends; implies Realtime
	Realtime bool // Pace fragments at the timeslice; otherwise emit as fast as listeners take them
}

// Device replays a 16-bit PCM WAV file as if it were a live microphone
type Device struct {
	config Config
	logger *slog.Logger
}

// New creates a WAV file device
func New(cfg Config, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Loop {
		cfg.Realtime = true
	}
	return &Device{config: cfg, logger: logger}
}

// RequestAudioStream loads the file and starts playback. A missing or
// unsupported file is reported as an error.
func (d *Device) RequestAudioStream(ctx context.Context, opts capture.StreamOptions) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV file: %w", err)
	}

	pcm, info, err := audio.PCMPayload(data)
	if err != nil {
		return nil, fmt.Errorf("invalid WAV file %s: %w", d.config.Path, err)
	}
	if info.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("WAV file %s contains no audio", d.config.Path)
	}

	timeslice := opts.Timeslice
	if timeslice <= 0 {
		timeslice = capture.DefaultTimeslice
	}

	frameSize := int(info.Channels) * 2
	pcm = pcm[:len(pcm)-len(pcm)%frameSize]
	chunkSize := int(time.Duration(info.SampleRate)*timeslice/time.Second) * frameSize
	if chunkSize < frameSize {
		chunkSize = frameSize
	}

	s := &Stream{
		Track: device.NewTrack(),
		pcm:   pcm,
		format: capture.Format{
			SampleRate: int(info.SampleRate),
			Channels:   int(info.Channels),
			Encoding:   capture.EncodingPCM16,
		},
		chunkSize: chunkSize,
		timeslice: timeslice,
		config:    d.config,
		logger:    d.logger,
		started:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.play()

	d.logger.Info("WAV playback started",
		slog.String("path", d.config.Path),
		slog.Int("sample_rate", int(info.SampleRate)),
		slog.Float64("duration_seconds", info.Duration),
	)

	return s, nil
}

// Stream plays back one loaded file
type Stream struct {
	*device.Track

	pcm       []byte
	format    capture.Format
	chunkSize int
	timeslice time.Duration
	config    Config
	logger    *slog.Logger

	offset int
	mu     sync.Mutex

	started   chan struct{}
	startOnce sync.Once
	wg        sync.WaitGroup
}

// AddFragmentListener registers fn; playback begins with the first listener
func (s *Stream) AddFragmentListener(fn func(capture.Fragment)) func() {
	remove := s.Track.AddFragmentListener(fn)
	s.startOnce.Do(func() { close(s.started) })
	return remove
}

// Format reports the file's PCM layout
func (s *Stream) Format() capture.Format {
	return s.format
}

// Flush is a no-op: fragments are emitted whole
func (s *Stream) Flush() error {
	return nil
}

// StopAllTracks ends playback
func (s *Stream) StopAllTracks() error {
	return s.Track.Stop(func() error {
		s.wg.Wait()
		return nil
	})
}

// Finished reports whether a non-looping file has been fully played
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.config.Loop && s.offset >= len(s.pcm)
}

func (s *Stream) play() {
	defer s.wg.Done()

	select {
	case <-s.started:
	case <-s.Done():
		return
	}

	var tick <-chan time.Time
	if s.config.Realtime {
		ticker := time.NewTicker(s.timeslice)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-s.Done():
				return
			case <-tick:
			}
		} else {
			select {
			case <-s.Done():
				return
			default:
			}
		}

		chunk, ok := s.next()
		if !ok {
			s.logger.Debug("WAV playback finished", slog.String("path", s.config.Path))
			return
		}
		s.Emit(capture.Fragment(chunk))
	}
}

// next returns the following chunk, wrapping around when looping
func (s *Stream) next() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offset >= len(s.pcm) {
		if !s.config.Loop {
			return nil, false
		}
		s.offset = 0
	}

	end := s.offset + s.chunkSize
	if end > len(s.pcm) {
		end = len(s.pcm)
	}
	chunk := s.pcm[s.offset:end]
	s.offset = end
	return chunk, true
}
