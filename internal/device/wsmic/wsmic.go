package wsmic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/device"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Control message types exchanged with the browser
const (
	MsgStart   = "start"
	MsgFlush   = "flush"
	MsgStop    = "stop"
	MsgGranted = "granted"
	MsgDenied  = "denied"
	MsgFlushed = "flushed"
)

var (
	// ErrNoClient is returned when no browser is connected
	ErrNoClient = errors.New("no microphone client connected")
	// ErrPermissionDenied is returned when the browser refuses microphone access
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrBusy is returned when the microphone is already streaming
	ErrBusy = errors.New("microphone already in use")
	// ErrInvalidGrant is returned when a grant announces an unusable format
	ErrInvalidGrant = errors.New("invalid microphone grant")
)

// Message is a JSON control frame. Audio travels in binary frames.
type Message struct {
	Type        string `json:"type"`
	TimesliceMS int64  `json:"timeslice_ms,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	Format      string `json:"format,omitempty"`     // "pcm16" or a container name
	MediaType   string `json:"media_type,omitempty"` // e.g. audio/webm;codecs=opus
	Reason      string `json:"reason,omitempty"`
}

// Config configures the WebSocket microphone bridge
type Config struct {
	GrantTimeout   time.Duration // How long to wait for the user's permission answer
	FlushTimeout   time.Duration
	AllowedOrigins []string // Empty allows any origin
}

// Device bridges a browser microphone connected over a WebSocket. The
// browser asks the user for permission when a stream is requested and
// sends MediaRecorder chunks (or raw PCM-16) as binary frames.
type Device struct {
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	client    *client
	mu        sync.Mutex
	requestMu sync.Mutex
}

// New creates a WebSocket microphone device
func New(cfg Config, logger *slog.Logger) *Device {
	if cfg.GrantTimeout <= 0 {
		cfg.GrantTimeout = 30 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Device{config: cfg, logger: logger}
	d.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     d.checkOrigin,
	}
	return d
}

func (d *Device) checkOrigin(r *http.Request) bool {
	if len(d.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range d.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Connected reports whether a browser is attached
func (d *Device) Connected() bool {
	return d.currentClient() != nil
}

// ServeHTTP upgrades the request and serves one browser until it disconnects.
// Only one browser may be attached at a time.
func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.Connected() {
		http.Error(w, "microphone client already connected", http.StatusConflict)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(conn, d.logger)

	d.mu.Lock()
	if d.client != nil {
		d.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "microphone client already connected"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	d.client = c
	d.mu.Unlock()

	d.logger.Info("Microphone client connected", slog.String("remote_addr", r.RemoteAddr))

	go c.pingLoop()
	c.readLoop()

	d.mu.Lock()
	if d.client == c {
		d.client = nil
	}
	d.mu.Unlock()

	if s := c.currentStream(); s != nil {
		_ = s.Track.Stop(nil)
	}

	d.logger.Info("Microphone client disconnected", slog.String("remote_addr", r.RemoteAddr))
}

func (d *Device) currentClient() *client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// RequestAudioStream asks the connected browser for microphone access and
// waits for the user's answer
func (d *Device) RequestAudioStream(ctx context.Context, opts capture.StreamOptions) (capture.Stream, error) {
	d.requestMu.Lock()
	defer d.requestMu.Unlock()

	c := d.currentClient()
	if c == nil {
		return nil, ErrNoClient
	}
	if c.currentStream() != nil {
		return nil, ErrBusy
	}

	timeslice := opts.Timeslice
	if timeslice <= 0 {
		timeslice = capture.DefaultTimeslice
	}

	c.drainControls()
	if err := c.send(Message{Type: MsgStart, TimesliceMS: timeslice.Milliseconds()}); err != nil {
		return nil, fmt.Errorf("failed to send start request: %w", err)
	}

	reply, err := c.await(ctx, d.config.GrantTimeout, MsgGranted, MsgDenied)
	if err != nil {
		return nil, fmt.Errorf("no answer to microphone request: %w", err)
	}
	if reply.Type == MsgDenied {
		if reply.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, reply.Reason)
		}
		return nil, ErrPermissionDenied
	}

	format := formatFromGrant(reply)
	if format.Encoding == capture.EncodingPCM16 && format.SampleRate <= 0 {
		// The browser is already recording
		if err := c.send(Message{Type: MsgStop}); err != nil {
			d.logger.Debug("Failed to stop rejected grant", slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("%w: pcm16 requires a positive sample_rate, got %d", ErrInvalidGrant, format.SampleRate)
	}

	s := &Stream{
		Track:        device.NewTrack(),
		client:       c,
		format:       format,
		flushTimeout: d.config.FlushTimeout,
		logger:       d.logger,
	}
	c.setStream(s)

	d.logger.Info("Microphone access granted",
		slog.String("format", string(s.format.Encoding)),
		slog.String("media_type", s.format.MediaType),
		slog.Int("sample_rate", s.format.SampleRate),
	)

	return s, nil
}

func formatFromGrant(m Message) capture.Format {
	if strings.EqualFold(m.Format, string(capture.EncodingPCM16)) {
		channels := m.Channels
		if channels <= 0 {
			channels = 1
		}
		return capture.Format{
			SampleRate: m.SampleRate,
			Channels:   channels,
			Encoding:   capture.EncodingPCM16,
		}
	}
	return capture.Format{
		SampleRate: m.SampleRate,
		Channels:   m.Channels,
		Encoding:   capture.EncodingOpaque,
		MediaType:  m.MediaType,
	}
}

// Stream is a granted browser microphone
type Stream struct {
	*device.Track

	client       *client
	format       capture.Format
	flushTimeout time.Duration
	logger       *slog.Logger
}

// Format reports what the browser announced in its grant
func (s *Stream) Format() capture.Format {
	return s.format
}

// Active reports whether the track is live and the browser still attached
func (s *Stream) Active() bool {
	if !s.Track.Active() {
		return false
	}
	select {
	case <-s.client.done:
		return false
	default:
		return true
	}
}

// Flush asks the browser to deliver its partial chunk and waits for the
// acknowledgement. Chunks sent before the acknowledgement have already been
// emitted when Flush returns.
func (s *Stream) Flush() error {
	if !s.Active() {
		return nil
	}
	if err := s.client.send(Message{Type: MsgFlush}); err != nil {
		return fmt.Errorf("failed to send flush request: %w", err)
	}
	if _, err := s.client.await(context.Background(), s.flushTimeout, MsgFlushed); err != nil {
		return fmt.Errorf("flush not acknowledged: %w", err)
	}
	return nil
}

// StopAllTracks tells the browser to stop recording and detaches the stream
func (s *Stream) StopAllTracks() error {
	return s.Track.Stop(func() error {
		s.client.clearStream(s)
		select {
		case <-s.client.done:
			return nil
		default:
		}
		if err := s.client.send(Message{Type: MsgStop}); err != nil {
			return fmt.Errorf("failed to send stop request: %w", err)
		}
		return nil
	})
}

// client is one attached browser connection
type client struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	writeMu  sync.Mutex
	controls chan Message
	done     chan struct{}

	stream *Stream
	mu     sync.Mutex
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		conn:     conn,
		logger:   logger,
		controls: make(chan Message, 16),
		done:     make(chan struct{}),
	}
}

func (c *client) readLoop() {
	defer close(c.done)
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Microphone read error", slog.String("error", err.Error()))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if s := c.currentStream(); s != nil {
				s.Emit(capture.Fragment(data))
			}

		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("Failed to parse control message", slog.String("error", err.Error()))
				continue
			}
			select {
			case c.controls <- msg:
			default:
				c.logger.Warn("Control queue full, dropping message", slog.String("type", msg.Type))
			}
		}
	}
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// await waits for the first control message of one of the given types
func (c *client) await(ctx context.Context, timeout time.Duration, types ...string) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-c.controls:
			for _, t := range types {
				if msg.Type == t {
					return msg, nil
				}
			}
			c.logger.Debug("Ignoring unexpected control message", slog.String("type", msg.Type))
		case <-c.done:
			return Message{}, ErrNoClient
		case <-timer.C:
			return Message{}, fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (c *client) drainControls() {
	for {
		select {
		case <-c.controls:
		default:
			return
		}
	}
}

func (c *client) currentStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *client) setStream(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = s
}

func (c *client) clearStream(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == s {
		c.stream = nil
	}
}
