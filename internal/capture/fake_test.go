package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

type fakeStream struct {
	mu        sync.Mutex
	format    Format
	listeners map[int]func(Fragment)
	nextID    int
	flushed   int
	stopped   int
	onFlush   []Fragment
	flushErr  error
	stopErr   error
}

func newFakeStream(format Format) *fakeStream {
	return &fakeStream{format: format, listeners: make(map[int]func(Fragment))}
}

func (s *fakeStream) AddFragmentListener(fn func(Fragment)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *fakeStream) emit(f Fragment) {
	s.mu.Lock()
	fns := make([]func(Fragment), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(f)
	}
}

func (s *fakeStream) Flush() error {
	s.mu.Lock()
	s.flushed++
	pending := s.onFlush
	s.onFlush = nil
	s.mu.Unlock()

	for _, f := range pending {
		s.emit(f)
	}
	return s.flushErr
}

func (s *fakeStream) StopAllTracks() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return s.stopErr
}

func (s *fakeStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped == 0
}

func (s *fakeStream) Format() Format {
	return s.format
}

func (s *fakeStream) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeDevice struct {
	mu       sync.Mutex
	format   Format
	err      error
	gate     chan struct{}
	requests int
	opts     []StreamOptions
	streams  []*fakeStream
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{format: Format{Encoding: EncodingOpaque}}
}

func (d *fakeDevice) RequestAudioStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	d.mu.Lock()
	d.requests++
	d.opts = append(d.opts, opts)
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	stream := newFakeStream(d.format)
	d.mu.Lock()
	d.streams = append(d.streams, stream)
	d.mu.Unlock()
	return stream, nil
}

func (d *fakeDevice) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

func (d *fakeDevice) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func (d *fakeDevice) totalStops() int {
	d.mu.Lock()
	streams := append([]*fakeStream(nil), d.streams...)
	d.mu.Unlock()

	total := 0
	for _, s := range streams {
		total += s.stopCount()
	}
	return total
}

type fakeTranscriber struct {
	mu       sync.Mutex
	calls    int
	requests []*transcription.Request
	respond  func(ctx context.Context, req *transcription.Request) (*transcription.Response, error)
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return nil, errors.New("no response configured")
	}
	return respond(ctx, req)
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
