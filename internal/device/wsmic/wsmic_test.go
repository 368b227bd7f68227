package wsmic

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

// fakeBrowser answers control messages the way the capture page does
type fakeBrowser struct {
	conn    *websocket.Conn
	grant   Message
	onFlush [][]byte // Chunks sent before acknowledging a flush

	mu       sync.Mutex
	received []Message
	writeMu  sync.Mutex
}

func (b *fakeBrowser) run() {
	for {
		var msg Message
		if err := b.conn.ReadJSON(&msg); err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, msg)
		b.mu.Unlock()

		switch msg.Type {
		case MsgStart:
			b.write(websocket.TextMessage, b.grant)
		case MsgFlush:
			for _, chunk := range b.onFlush {
				b.write(websocket.BinaryMessage, chunk)
			}
			b.write(websocket.TextMessage, Message{Type: MsgFlushed})
		}
	}
}

func (b *fakeBrowser) write(messageType int, v any) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if messageType == websocket.BinaryMessage {
		_ = b.conn.WriteMessage(websocket.BinaryMessage, v.([]byte))
		return
	}
	_ = b.conn.WriteJSON(v)
}

func (b *fakeBrowser) messageTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, len(b.received))
	for i, m := range b.received {
		types[i] = m.Type
	}
	return types
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectBrowser(t *testing.T, d *Device, srv *httptest.Server, b *fakeBrowser) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	b.conn = conn
	go b.run()

	require.Eventually(t, d.Connected, time.Second, 5*time.Millisecond)
}

func newServer(t *testing.T, d *Device) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestWithoutClient(t *testing.T) {
	d := New(Config{}, testLogger())
	_, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestGrantFlushAndStop(t *testing.T) {
	d := New(Config{FlushTimeout: time.Second}, testLogger())
	srv := newServer(t, d)

	browser := &fakeBrowser{
		grant:   Message{Type: MsgGranted, Format: "pcm16", SampleRate: 16000},
		onFlush: [][]byte{{3, 3}},
	}
	connectBrowser(t, d, srv, browser)

	stream, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{Timeslice: 250 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, capture.Format{SampleRate: 16000, Channels: 1, Encoding: capture.EncodingPCM16}, stream.Format())
	assert.True(t, stream.Active())

	var mu sync.Mutex
	var got [][]byte
	stream.AddFragmentListener(func(f capture.Fragment) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, append([]byte(nil), f...))
	})

	browser.write(websocket.BinaryMessage, []byte{1, 1})
	browser.write(websocket.BinaryMessage, []byte{2, 2})
	require.NoError(t, stream.Flush())

	mu.Lock()
	assert.Equal(t, [][]byte{{1, 1}, {2, 2}, {3, 3}}, got)
	mu.Unlock()

	require.NoError(t, stream.StopAllTracks())
	require.NoError(t, stream.StopAllTracks())
	assert.False(t, stream.Active())

	require.Eventually(t, func() bool {
		types := browser.messageTypes()
		return len(types) == 3 && types[2] == MsgStop
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{MsgStart, MsgFlush, MsgStop}, browser.messageTypes())

	browser.mu.Lock()
	assert.Equal(t, int64(250), browser.received[0].TimesliceMS)
	browser.mu.Unlock()
}

func TestPermissionDenied(t *testing.T) {
	d := New(Config{}, testLogger())
	srv := newServer(t, d)

	connectBrowser(t, d, srv, &fakeBrowser{grant: Message{Type: MsgDenied, Reason: "NotAllowedError"}})

	_, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), "NotAllowedError")
}

func TestPCMGrantWithoutSampleRate(t *testing.T) {
	d := New(Config{}, testLogger())
	srv := newServer(t, d)

	browser := &fakeBrowser{grant: Message{Type: MsgGranted, Format: "pcm16"}}
	connectBrowser(t, d, srv, browser)

	_, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	assert.ErrorIs(t, err, ErrInvalidGrant)

	require.Eventually(t, func() bool {
		types := browser.messageTypes()
		return len(types) == 2 && types[1] == MsgStop
	}, time.Second, 5*time.Millisecond)

	p, err := capture.NewPipeline(d, transcriberFunc(nil), capture.Options{Logger: testLogger()})
	require.NoError(t, err)

	_, err = p.Start(context.Background())
	assert.True(t, errors.Is(err, capture.ErrDeviceUnavailable))
	assert.True(t, errors.Is(err, ErrInvalidGrant))
	assert.Equal(t, capture.StateIdle, p.State())
}

func TestGrantTimeout(t *testing.T) {
	d := New(Config{GrantTimeout: 30 * time.Millisecond}, testLogger())
	srv := newServer(t, d)

	// A browser that never answers
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, d.Connected, time.Second, 5*time.Millisecond)

	_, err = d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	assert.Error(t, err)
}

func TestSecondClientRejected(t *testing.T) {
	d := New(Config{}, testLogger())
	srv := newServer(t, d)
	connectBrowser(t, d, srv, &fakeBrowser{grant: Message{Type: MsgGranted}})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBusyWhileStreaming(t *testing.T) {
	d := New(Config{}, testLogger())
	srv := newServer(t, d)
	connectBrowser(t, d, srv, &fakeBrowser{grant: Message{Type: MsgGranted, Format: "webm"}})

	stream, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	require.NoError(t, err)

	_, err = d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, stream.StopAllTracks())
	second, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	require.NoError(t, err)
	assert.NoError(t, second.StopAllTracks())
}

func TestDisconnectEndsStream(t *testing.T) {
	d := New(Config{}, testLogger())
	srv := newServer(t, d)
	browser := &fakeBrowser{grant: Message{Type: MsgGranted, Format: "pcm16", SampleRate: 8000}}
	connectBrowser(t, d, srv, browser)

	stream, err := d.RequestAudioStream(context.Background(), capture.StreamOptions{})
	require.NoError(t, err)

	browser.conn.Close()
	require.Eventually(t, func() bool { return !stream.Active() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !d.Connected() }, time.Second, 5*time.Millisecond)

	assert.NoError(t, stream.Flush())
	assert.NoError(t, stream.StopAllTracks())
}

func TestOriginCheck(t *testing.T) {
	d := New(Config{AllowedOrigins: []string{"http://app.local"}}, testLogger())
	srv := newServer(t, d)

	header := http.Header{"Origin": []string{"http://evil.local"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

type transcriberFunc func(ctx context.Context, req *transcription.Request) (*transcription.Response, error)

func (f transcriberFunc) Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
	return f(ctx, req)
}

func TestPipelineWithBrowserRecorder(t *testing.T) {
	d := New(Config{FlushTimeout: time.Second}, testLogger())
	srv := newServer(t, d)

	browser := &fakeBrowser{
		grant:   Message{Type: MsgGranted, Format: "webm", MediaType: "audio/webm"},
		onFlush: [][]byte{[]byte("-tail")},
	}
	connectBrowser(t, d, srv, browser)

	var submitted *transcription.Request
	p, err := capture.NewPipeline(d, transcriberFunc(func(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
		submitted = req
		return &transcription.Response{Text: "from the browser", Confidence: 0.9}, nil
	}), capture.Options{Logger: testLogger()})
	require.NoError(t, err)

	session, err := p.Start(context.Background())
	require.NoError(t, err)

	browser.write(websocket.BinaryMessage, []byte("webm-head"))
	browser.write(websocket.BinaryMessage, []byte{})

	require.Eventually(t, func() bool {
		return p.Status().Session != nil && p.Status().Session.Fragments == 1
	}, time.Second, 5*time.Millisecond)

	clip, err := p.Stop(session)
	require.NoError(t, err)
	require.NotNil(t, clip)
	assert.Equal(t, "audio/webm", clip.MediaType)
	assert.Equal(t, 2, clip.Fragments())
	assert.True(t, bytes.Equal([]byte("webm-head-tail"), clip.Bytes()))

	result := p.Submit(context.Background(), clip, "conv-ws")
	assert.True(t, result.Success)
	assert.Equal(t, "from the browser", result.Transcript)
	assert.Equal(t, "audio/webm", submitted.MediaType)
}

func TestDeniedStartIsDeviceUnavailable(t *testing.T) {
	d := New(Config{}, testLogger())
	srv := newServer(t, d)
	connectBrowser(t, d, srv, &fakeBrowser{grant: Message{Type: MsgDenied}})

	p, err := capture.NewPipeline(d, transcriberFunc(nil), capture.Options{Logger: testLogger()})
	require.NoError(t, err)

	_, err = p.Start(context.Background())
	assert.True(t, errors.Is(err, capture.ErrDeviceUnavailable))
	assert.True(t, errors.Is(err, ErrPermissionDenied))
}
