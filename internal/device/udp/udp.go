package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/device"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/protocol"
)

// Config configures the network microphone listener
type Config struct {
	BindAddress string
	Port        int
	BufferSize  int
	SampleRate  int
	MaxGap      uint32        // Sequence gap tolerated before packets are declared lost
	PollTimeout time.Duration // Read deadline between shutdown checks
}

// Device is a network microphone: one remote sender streams TLV packets of
// PCM-16 audio to a UDP port. Binding the port is the access grant, so a
// second concurrent request fails while the port is held.
type Device struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a UDP capture device
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Device {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = protocol.MaxPacketSize
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Device{config: cfg, logger: logger, metrics: m}
}

// RequestAudioStream binds the UDP port and starts receiving
func (d *Device) RequestAudioStream(ctx context.Context, opts capture.StreamOptions) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if err := conn.SetReadBuffer(d.config.BufferSize); err != nil {
		d.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", d.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	timeslice := opts.Timeslice
	if timeslice <= 0 {
		timeslice = capture.DefaultTimeslice
	}

	s := &Stream{
		Track:     device.NewTrack(),
		conn:      conn,
		config:    d.config,
		logger:    d.logger,
		metrics:   d.metrics,
		sequencer: audio.NewSequencer(d.config.MaxGap),
		format: capture.Format{
			SampleRate: d.config.SampleRate,
			Channels:   1,
			Encoding:   capture.EncodingPCM16,
		},
		stop: make(chan struct{}),
	}

	s.wg.Add(2)
	go s.receiveLoop()
	go s.tickLoop(timeslice)

	d.logger.Info("UDP microphone listening",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("sample_rate", d.config.SampleRate),
		slog.Duration("timeslice", timeslice),
	)

	return s, nil
}

// Stream receives one remote microphone at a time. The first open packet
// binds the stream ID; audio for other IDs is ignored until a close packet
// frees the binding.
type Stream struct {
	*device.Track

	conn      *net.UDPConn
	config    Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	format    capture.Format
	sequencer *audio.Sequencer
	pending   device.Buffer

	streamID uint32
	bound    bool
	mu       sync.Mutex

	emitMu sync.Mutex // Serializes take-and-emit so fragments stay ordered

	packetsReceived uint64
	parseErrors     uint64
	ignored         uint64
	statsMu         sync.RWMutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// Format reports the PCM layout of emitted fragments
func (s *Stream) Format() capture.Format {
	return s.format
}

// LocalAddr returns the bound UDP address
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Flush releases reordered packets still held back and emits them
func (s *Stream) Flush() error {
	if !s.Active() {
		return nil
	}
	s.drainSequencer()
	s.emitPending()
	return nil
}

// StopAllTracks closes the socket and waits for the receive goroutines
func (s *Stream) StopAllTracks() error {
	return s.Track.Stop(func() error {
		close(s.stop)
		err := s.conn.Close()
		s.wg.Wait()

		s.statsMu.RLock()
		s.logger.Info("UDP microphone stopped",
			slog.Uint64("packets_received", s.packetsReceived),
			slog.Uint64("parse_errors", s.parseErrors),
			slog.Uint64("packets_ignored", s.ignored),
		)
		s.statsMu.RUnlock()

		if err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close UDP connection: %w", err)
		}
		return nil
	})
}

// receiveLoop is the main packet receiving loop
func (s *Stream) receiveLoop() {
	defer s.wg.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		// Set read deadline to check for shutdown periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(s.config.PollTimeout)); err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-s.stop:
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.statsMu.Lock()
		s.packetsReceived++
		s.statsMu.Unlock()
		s.metrics.RecordPacketReceived()

		s.handlePacket(buffer[:n], remoteAddr)
	}
}

// tickLoop emits buffered audio once per timeslice
func (s *Stream) tickLoop(timeslice time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.emitPending()
		}
	}
}

// handlePacket processes a single incoming packet
func (s *Stream) handlePacket(data []byte, remoteAddr *net.UDPAddr) {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		s.statsMu.Lock()
		s.parseErrors++
		s.statsMu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch packet.Header.PacketType {
	case protocol.PacketTypeOpen:
		s.processOpenPacket(packet.Header, packet.Open, remoteAddr)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(packet.Header, packet.Audio)
	case protocol.PacketTypeClose:
		s.processClosePacket(packet.Header)
	}
}

// processOpenPacket binds the stream to the announcing sender
func (s *Stream) processOpenPacket(header *protocol.Header, payload *protocol.OpenPayload, remoteAddr *net.UDPAddr) {
	if payload.SampleRate != 0 && int(payload.SampleRate) != s.format.SampleRate {
		s.markIgnored()
		s.logger.Warn("Rejecting microphone with mismatched sample rate",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("announced", uint64(payload.SampleRate)),
			slog.Int("expected", s.format.SampleRate),
		)
		return
	}
	if payload.Channels > 1 {
		s.markIgnored()
		s.logger.Warn("Rejecting multi-channel microphone",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Int("channels", int(payload.Channels)),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound && s.streamID != header.StreamID {
		s.markIgnored()
		s.logger.Warn("Microphone busy, ignoring open packet",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("active_stream_id", uint64(s.streamID)),
		)
		return
	}

	if !s.bound {
		s.sequencer.Reset()
	}
	s.streamID = header.StreamID
	s.bound = true

	s.logger.Info("Microphone stream opened",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("label", payload.GetLabel()),
		slog.String("remote_addr", remoteAddr.String()),
	)
}

// processAudioPacket reorders audio and queues it for the next timeslice
func (s *Stream) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) {
	s.mu.Lock()
	accepted := s.bound && s.streamID == header.StreamID
	s.mu.Unlock()

	if !accepted {
		s.markIgnored()
		s.logger.Debug("Received audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return
	}

	lostBefore := s.sequencer.Stats().LostPackets
	released, err := s.sequencer.Add(payload.Sequence, payload.AudioData)
	if err != nil {
		s.logger.Debug("Dropping audio packet",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.RecordPacketsLost(int(s.sequencer.Stats().LostPackets - lostBefore))

	for _, chunk := range released {
		s.pending.Append(chunk)
	}
}

// processClosePacket emits everything held for the stream and frees the binding
func (s *Stream) processClosePacket(header *protocol.Header) {
	s.mu.Lock()
	if !s.bound || s.streamID != header.StreamID {
		s.mu.Unlock()
		s.markIgnored()
		return
	}
	s.bound = false
	s.mu.Unlock()

	s.drainSequencer()
	s.emitPending()

	stats := s.sequencer.Stats()
	s.logger.Info("Microphone stream closed",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.Uint64("packets", uint64(stats.TotalPackets)),
		slog.Uint64("lost_packets", uint64(stats.LostPackets)),
		slog.Float64("loss_rate", stats.LossRate),
	)
}

func (s *Stream) drainSequencer() {
	for _, chunk := range s.sequencer.Drain() {
		s.pending.Append(chunk)
	}
}

func (s *Stream) emitPending() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	data := s.pending.Take()
	if len(data) == 0 {
		return
	}
	s.Emit(capture.Fragment(data))
}

func (s *Stream) markIgnored() {
	s.statsMu.Lock()
	s.ignored++
	s.statsMu.Unlock()
}

// Statistics represents receiver counters
type Statistics struct {
	PacketsReceived uint64  `json:"packets_received"`
	ParseErrors     uint64  `json:"parse_errors"`
	PacketsIgnored  uint64  `json:"packets_ignored"`
	PacketsLost     uint64  `json:"packets_lost"`
	LossRate        float64 `json:"loss_rate"`
	PendingBytes    int     `json:"pending_bytes"`
}

// GetStatistics returns current receiver statistics
func (s *Stream) GetStatistics() Statistics {
	seq := s.sequencer.Stats()

	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	return Statistics{
		PacketsReceived: s.packetsReceived,
		ParseErrors:     s.parseErrors,
		PacketsIgnored:  s.ignored,
		PacketsLost:     uint64(seq.LostPackets),
		LossRate:        seq.LossRate,
		PendingBytes:    s.pending.Len(),
	}
}
