package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

// DefaultSubmitTimeout bounds a single Submit round trip
const DefaultSubmitTimeout = 30 * time.Second

// State is the pipeline lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

// Options tune a Pipeline. Zero values select the defaults.
type Options struct {
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Timeslice     time.Duration
	SubmitTimeout time.Duration
	MediaType     string // Declared for opaque streams that name no type
	UserID        string // Sent with every submission unless overridden
}

// Pipeline records one session at a time from a Device and submits the
// resulting clips to a Transcriber. It can be reused across sessions and
// Submit may run while the next session is recording.
type Pipeline struct {
	device      Device
	transcriber Transcriber
	logger      *slog.Logger
	metrics     *metrics.Metrics

	timeslice     time.Duration
	submitTimeout time.Duration
	mediaType     string
	userID        string

	state      State
	session    *Session
	starting   bool
	generation uint64 // Bumped by Cleanup to invalidate in-flight starts
	mu         sync.Mutex
}

// Status describes the pipeline for monitoring
type Status struct {
	State   State         `json:"state"`
	Session *SessionStats `json:"session,omitempty"`
}

// NewPipeline creates an idle pipeline
func NewPipeline(device Device, transcriber Transcriber, opts Options) (*Pipeline, error) {
	if device == nil {
		return nil, fmt.Errorf("capture device cannot be nil")
	}
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = DefaultTimeslice
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.MediaType == "" {
		opts.MediaType = DefaultMediaType
	}
	if opts.UserID == "" {
		opts.UserID = transcription.DefaultUserID
	}

	return &Pipeline{
		device:        device,
		transcriber:   transcriber,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		timeslice:     opts.Timeslice,
		submitTimeout: opts.SubmitTimeout,
		mediaType:     opts.MediaType,
		userID:        opts.UserID,
		state:         StateIdle,
	}, nil
}

// Start acquires the device and begins buffering fragments. It blocks until
// the device grants or denies access, or ctx is done.
func (p *Pipeline) Start(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.state != StateIdle || p.starting {
		p.mu.Unlock()
		return nil, ErrSessionActive
	}
	p.starting = true
	generation := p.generation
	p.mu.Unlock()

	stream, err := p.device.RequestAudioStream(ctx, StreamOptions{Timeslice: p.timeslice})

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.generation != generation {
		if stream != nil {
			if stopErr := stream.StopAllTracks(); stopErr != nil {
				p.logger.Debug("Failed to release stream after cancelled start", slog.String("error", stopErr.Error()))
			}
		}
		return nil, ErrCancelled
	}
	p.starting = false

	if err != nil {
		p.metrics.RecordDeviceError("request")
		p.logger.Warn("Audio device unavailable", slog.String("error", err.Error()))
		return nil, &Error{Kind: KindDeviceUnavailable, Message: err.Error(), Err: err}
	}

	session := newSession(uuid.NewString(), stream, p.metrics)
	session.removeListener = stream.AddFragmentListener(session.onFragment)

	p.session = session
	p.state = StateRecording
	p.metrics.RecordSessionStarted()

	format := session.format
	p.logger.Info("Recording session started",
		slog.String("session_id", session.ID),
		slog.String("encoding", string(format.Encoding)),
		slog.Int("sample_rate", format.SampleRate),
		slog.Duration("timeslice", p.timeslice),
	)

	return session, nil
}

// Stop finalizes session into a clip and releases the device. A nil or
// no-longer-current session yields (nil, nil) without touching any device,
// as does a session that captured no audio. Captured audio is never
// discarded: PCM16 data that cannot be wrapped in WAV is returned raw.
func (p *Pipeline) Stop(session *Session) (*Clip, error) {
	p.mu.Lock()
	if session == nil || p.state != StateRecording || p.session != session {
		p.mu.Unlock()
		return nil, nil
	}
	p.state = StateStopping
	p.mu.Unlock()

	if err := session.stream.Flush(); err != nil {
		p.metrics.RecordDeviceError("flush")
		p.logger.Warn("Failed to flush stream",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := session.release(); err != nil {
		p.metrics.RecordDeviceError("release")
		p.logger.Warn("Failed to release audio device",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	fragments := session.takeFragments()
	clip, encodeErr := encodeClip(session.ID, fragments, session.format, p.mediaType)
	if encodeErr != nil {
		p.logger.Warn("Keeping raw audio for session",
			slog.String("session_id", session.ID),
			slog.String("media_type", clip.MediaType),
			slog.String("error", encodeErr.Error()),
		)
	}

	p.mu.Lock()
	if p.session == session {
		p.session = nil
		p.state = StateIdle
	}
	p.mu.Unlock()

	duration := time.Since(session.StartedAt)
	p.metrics.RecordSessionStopped(duration.Seconds(), clip.Len())

	p.logger.Info("Recording session stopped",
		slog.String("session_id", session.ID),
		slog.Int("fragments", clip.Fragments()),
		slog.Int("bytes", clip.Len()),
		slog.Duration("duration", duration),
	)

	return clip, nil
}

// Submit uploads clip under conversationID using the pipeline's user ID
func (p *Pipeline) Submit(ctx context.Context, clip *Clip, conversationID string) Result {
	return p.SubmitAs(ctx, clip, conversationID, p.userID)
}

// SubmitAs uploads clip on behalf of userID. It never retries; the clip is
// left untouched so the caller may resubmit it.
func (p *Pipeline) SubmitAs(ctx context.Context, clip *Clip, conversationID, userID string) Result {
	if clip.Empty() {
		p.metrics.RecordTranscriptionFailure(string(KindNoAudioData), 0)
		return failureResult(&Error{Kind: KindNoAudioData, Message: "no audio data to submit"})
	}

	if conversationID == "" {
		conversationID = transcription.DefaultConversationID
	}
	if userID == "" {
		userID = p.userID
	}

	ctx, cancel := context.WithTimeout(ctx, p.submitTimeout)
	defer cancel()

	p.metrics.RecordTranscriptionRequest()
	startTime := time.Now()

	resp, err := p.transcriber.Transcribe(ctx, &transcription.Request{
		Audio:          clip.Bytes(),
		Filename:       clip.Filename,
		MediaType:      clip.MediaType,
		ConversationID: conversationID,
		UserID:         userID,
		RequestID:      clip.SessionID,
	})
	elapsed := time.Since(startTime)

	if err != nil {
		uploadErr := uploadError(err)
		p.metrics.RecordTranscriptionFailure(string(KindUploadFailed), elapsed.Seconds())
		p.logger.Error("Transcription failed",
			slog.String("session_id", clip.SessionID),
			slog.String("conversation_id", conversationID),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return failureResult(uploadErr)
	}

	p.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
	p.logger.Info("Transcription completed",
		slog.String("session_id", clip.SessionID),
		slog.String("conversation_id", conversationID),
		slog.Int("text_length", len(resp.Text)),
		slog.Float64("confidence", resp.Confidence),
		slog.Duration("elapsed", elapsed),
	)

	return successResult(resp)
}

// Cleanup releases any held device and returns the pipeline to idle. It is
// safe to call at any time and any number of times. A Start still waiting
// on the device fails with ErrCancelled and releases what it receives.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	session := p.session
	p.session = nil
	p.state = StateIdle
	p.starting = false
	p.generation++
	p.mu.Unlock()

	if session == nil {
		return
	}

	session.takeFragments()
	if err := session.release(); err != nil {
		p.logger.Debug("Ignoring release error during cleanup",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
	p.metrics.RecordSessionAborted()

	p.logger.Info("Recording session discarded", slog.String("session_id", session.ID))
}

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Current returns the active session, or nil
func (p *Pipeline) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Status returns the state and active session statistics
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	state, session := p.state, p.session
	p.mu.Unlock()

	status := Status{State: state}
	if session != nil {
		stats := session.Stats()
		status.Session = &stats
	}
	return status
}
