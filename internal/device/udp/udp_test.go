package udp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/protocol"
	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu        sync.Mutex
	fragments [][]byte
}

func (c *collector) add(f capture.Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments = append(c.fragments, append([]byte(nil), f...))
}

func (c *collector) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.fragments, nil)
}

func openStream(t *testing.T, d *Device) *Stream {
	t.Helper()
	stream, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{Timeslice: time.Hour})
	require.NoError(t, err)
	s := stream.(*Stream)
	t.Cleanup(func() { _ = s.StopAllTracks() })
	return s
}

func dial(t *testing.T, s *Stream) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, s.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAudio(t *testing.T, conn *net.UDPConn, streamID, seq uint32, pcm []byte) {
	t.Helper()
	packet, err := protocol.BuildAudioPacket(streamID, seq, pcm)
	require.NoError(t, err)
	_, err = conn.Write(packet)
	require.NoError(t, err)
}

func waitForPackets(t *testing.T, s *Stream, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.GetStatistics().PacketsReceived >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamReordersAndFlushes(t *testing.T) {
	d := New(Config{BindAddress: "127.0.0.1", SampleRate: 8000, PollTimeout: 50 * time.Millisecond}, testLogger(), nil)
	s := openStream(t, d)

	assert.Equal(t, capture.Format{SampleRate: 8000, Channels: 1, Encoding: capture.EncodingPCM16}, s.Format())

	var got collector
	s.AddFragmentListener(got.add)

	conn := dial(t, s)
	_, err := conn.Write(protocol.BuildOpenPacket(7, "desk", 8000, 1, 0))
	require.NoError(t, err)
	waitForPackets(t, s, 1)

	sendAudio(t, conn, 7, 0, []byte{0, 0})
	sendAudio(t, conn, 7, 2, []byte{2, 2})
	sendAudio(t, conn, 7, 1, []byte{1, 1})
	waitForPackets(t, s, 4)

	require.NoError(t, s.Flush())
	assert.Equal(t, []byte{0, 0, 1, 1, 2, 2}, got.joined())
}

func TestStreamIgnoresForeignAndUnboundAudio(t *testing.T) {
	d := New(Config{BindAddress: "127.0.0.1", SampleRate: 8000, PollTimeout: 50 * time.Millisecond}, testLogger(), nil)
	s := openStream(t, d)

	var got collector
	s.AddFragmentListener(got.add)
	conn := dial(t, s)

	sendAudio(t, conn, 1, 0, []byte{9, 9}) // before any open packet
	_, err := conn.Write(protocol.BuildOpenPacket(1, "a", 8000, 1, 0))
	require.NoError(t, err)
	_, err = conn.Write(protocol.BuildOpenPacket(2, "b", 8000, 1, 0))
	require.NoError(t, err)
	sendAudio(t, conn, 2, 0, []byte{8, 8})
	sendAudio(t, conn, 1, 0, []byte{1, 1})
	_, err = conn.Write([]byte{0xFF, 0x00})
	require.NoError(t, err)
	waitForPackets(t, s, 6)

	require.NoError(t, s.Flush())
	assert.Equal(t, []byte{1, 1}, got.joined())

	stats := s.GetStatistics()
	assert.Equal(t, uint64(3), stats.PacketsIgnored)
	assert.Equal(t, uint64(1), stats.ParseErrors)
}

func TestClosePacketEmitsAndFreesBinding(t *testing.T) {
	d := New(Config{BindAddress: "127.0.0.1", SampleRate: 8000, PollTimeout: 50 * time.Millisecond}, testLogger(), nil)
	s := openStream(t, d)

	var got collector
	s.AddFragmentListener(got.add)
	conn := dial(t, s)

	_, err := conn.Write(protocol.BuildOpenPacket(1, "a", 8000, 1, 0))
	require.NoError(t, err)
	sendAudio(t, conn, 1, 0, []byte{1, 1})
	_, err = conn.Write(protocol.BuildClosePacket(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Equal(got.joined(), []byte{1, 1})
	}, 2*time.Second, 5*time.Millisecond)

	// A different sender may now bind
	_, err = conn.Write(protocol.BuildOpenPacket(2, "b", 8000, 1, 0))
	require.NoError(t, err)
	sendAudio(t, conn, 2, 100, []byte{2, 2})
	waitForPackets(t, s, 5)

	require.NoError(t, s.Flush())
	assert.Equal(t, []byte{1, 1, 2, 2}, got.joined())
}

func TestRejectsMismatchedSampleRate(t *testing.T) {
	d := New(Config{BindAddress: "127.0.0.1", SampleRate: 16000, PollTimeout: 50 * time.Millisecond}, testLogger(), nil)
	s := openStream(t, d)

	var got collector
	s.AddFragmentListener(got.add)
	conn := dial(t, s)

	_, err := conn.Write(protocol.BuildOpenPacket(1, "a", 8000, 1, 0))
	require.NoError(t, err)
	sendAudio(t, conn, 1, 0, []byte{1, 1})
	waitForPackets(t, s, 2)

	require.NoError(t, s.Flush())
	assert.Empty(t, got.joined())
}

func TestPortHeldExclusively(t *testing.T) {
	d := New(Config{BindAddress: "127.0.0.1", PollTimeout: 50 * time.Millisecond}, testLogger(), nil)
	s := openStream(t, d)

	port := s.LocalAddr().(*net.UDPAddr).Port
	second := New(Config{BindAddress: "127.0.0.1", Port: port}, testLogger(), nil)

	_, err := second.RequestAudioStream(context.Background(), capture.StreamOptions{})
	assert.Error(t, err)

	require.NoError(t, s.StopAllTracks())
	require.NoError(t, s.StopAllTracks())
	assert.False(t, s.Active())

	// Released port can be bound again
	again, err := second.RequestAudioStream(context.Background(), capture.StreamOptions{})
	require.NoError(t, err)
	assert.NoError(t, again.StopAllTracks())
}

func TestTimesliceEmission(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	d := New(Config{BindAddress: "127.0.0.1", SampleRate: 8000, PollTimeout: 50 * time.Millisecond}, testLogger(), m)

	stream, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{Timeslice: 10 * time.Millisecond})
	require.NoError(t, err)
	s := stream.(*Stream)
	defer s.StopAllTracks()

	var got collector
	s.AddFragmentListener(got.add)
	conn := dial(t, s)

	_, err = conn.Write(protocol.BuildOpenPacket(3, "a", 8000, 1, 0))
	require.NoError(t, err)
	sendAudio(t, conn, 3, 0, []byte{5, 5})

	require.Eventually(t, func() bool {
		return bytes.Equal(got.joined(), []byte{5, 5})
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsReceived))
}

func TestPipelineOverUDP(t *testing.T) {
	d := &recordingDevice{Device: New(Config{BindAddress: "127.0.0.1", SampleRate: 8000, PollTimeout: 50 * time.Millisecond}, testLogger(), nil)}

	var submitted *transcription.Request
	transcriber := transcriberFunc(func(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
		submitted = req
		return &transcription.Response{Text: "over the network"}, nil
	})

	p, err := capture.NewPipeline(d, transcriber, capture.Options{Logger: testLogger(), Timeslice: time.Hour})
	require.NoError(t, err)

	session, err := p.Start(context.Background())
	require.NoError(t, err)

	stream := d.last
	require.NotNil(t, stream)
	conn := dial(t, stream)

	pcm := audio.SamplesToPCM([]int16{100, -100, 200, -200})
	_, err = conn.Write(protocol.BuildOpenPacket(9, "mic", 8000, 1, 0))
	require.NoError(t, err)
	sendAudio(t, conn, 9, 0, pcm[:4])
	sendAudio(t, conn, 9, 1, pcm[4:])
	waitForPackets(t, stream, 3)

	clip, err := p.Stop(session)
	require.NoError(t, err)
	require.NotNil(t, clip)
	assert.False(t, stream.Active())

	samples, rate, err := audio.DecodeWAV(clip.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Equal(t, []int16{100, -100, 200, -200}, samples)

	result := p.Submit(context.Background(), clip, "conv-udp")
	assert.True(t, result.Success)
	assert.Equal(t, "conv-udp", submitted.ConversationID)
	assert.Equal(t, "audio/wav", submitted.MediaType)
}

type transcriberFunc func(ctx context.Context, req *transcription.Request) (*transcription.Response, error)

func (f transcriberFunc) Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
	return f(ctx, req)
}

type recordingDevice struct {
	*Device
	last *Stream
}

func (r *recordingDevice) RequestAudioStream(ctx context.Context, opts capture.StreamOptions) (capture.Stream, error) {
	stream, err := r.Device.RequestAudioStream(ctx, opts)
	if err == nil {
		r.last = stream.(*Stream)
	}
	return stream, err
}
