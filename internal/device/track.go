package device

import (
	"sync"

	"github.com/skypro1111/voice-capture-service/internal/capture"
)

type listener struct {
	id uint64
	fn func(capture.Fragment)
}

// Track holds the listener list and live/stopped state of one device stream.
// Listeners are called in registration order from the emitting goroutine.
type Track struct {
	listeners []listener
	nextID    uint64
	mu        sync.RWMutex

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// NewTrack creates a live track
func NewTrack() *Track {
	return &Track{done: make(chan struct{})}
}

// AddFragmentListener registers fn and returns its deregistration function
func (t *Track) AddFragmentListener(fn func(capture.Fragment)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.listeners = append(t.listeners, listener{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers f to every listener unless the track has stopped
func (t *Track) Emit(f capture.Fragment) {
	if !t.Active() {
		return
	}

	t.mu.RLock()
	fns := make([]func(capture.Fragment), len(t.listeners))
	for i, l := range t.listeners {
		fns[i] = l.fn
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(f)
	}
}

// Stop marks the track ended and runs release once. Later calls return the
// first call's error.
func (t *Track) Stop(release func() error) error {
	t.stopOnce.Do(func() {
		close(t.done)
		if release != nil {
			t.stopErr = release()
		}
	})
	return t.stopErr
}

// Active reports whether Stop has not been called yet
func (t *Track) Active() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the track stops
func (t *Track) Done() <-chan struct{} {
	return t.done
}

// Buffer accumulates audio between timeslice emissions
type Buffer struct {
	data []byte
	mu   sync.Mutex
}

// Append adds a copy of p
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
}

// Take returns everything accumulated and empties the buffer
func (b *Buffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.data
	b.data = nil
	return data
}

// Len returns the number of buffered bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
