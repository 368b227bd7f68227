package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedUpload struct {
	conversationID string
	userID         string
	filename       string
	contentType    string
	audio          []byte
	authorization  string
	requestID      string
}

func newVoiceServer(t *testing.T, status int, body any, captured *capturedUpload) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(10<<20))

		file, header, err := r.FormFile("audio_file")
		require.NoError(t, err)
		defer file.Close()
		audio, err := io.ReadAll(file)
		require.NoError(t, err)

		if captured != nil {
			*captured = capturedUpload{
				conversationID: r.FormValue("conversation_id"),
				userID:         r.FormValue("user_id"),
				filename:       header.Filename,
				contentType:    header.Header.Get("Content-Type"),
				audio:          audio,
				authorization:  r.Header.Get("Authorization"),
				requestID:      r.Header.Get("X-Request-ID"),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoint: endpoint, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{Endpoint: "ftp://example.com/voice"})
	assert.Error(t, err)

	c, err := NewClient(Config{Endpoint: "http://localhost:8000/voice/process"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.config.Timeout)
	assert.Equal(t, 4, c.config.MaxConcurrent)
}

func TestTranscribeSuccess(t *testing.T) {
	var captured capturedUpload
	srv := newVoiceServer(t, http.StatusOK, map[string]any{
		"text": "hello world", "confidence": 0.95, "language": "en", "processing_time": 120,
	}, &captured)

	c := newTestClient(t, srv.URL+"/voice/process")
	audio := []byte("RIFF-fake-audio")

	resp, err := c.Transcribe(context.Background(), &Request{
		Audio:          audio,
		Filename:       "session.wav",
		MediaType:      "audio/wav",
		ConversationID: "conv-1",
		RequestID:      "req-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, 0.95, resp.Confidence)
	assert.Equal(t, "en", resp.Language)
	assert.Equal(t, 120.0, resp.ProcessingTime)

	assert.Equal(t, "conv-1", captured.conversationID)
	assert.Equal(t, DefaultUserID, captured.userID)
	assert.Equal(t, "session.wav", captured.filename)
	assert.Equal(t, "audio/wav", captured.contentType)
	assert.Equal(t, audio, captured.audio)
	assert.Equal(t, "req-1", captured.requestID)
	assert.Empty(t, captured.authorization)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, 100.0, stats.SuccessRate)
}

func TestTranscribeDefaultsConversationID(t *testing.T) {
	var captured capturedUpload
	srv := newVoiceServer(t, http.StatusOK, map[string]any{"text": "x"}, &captured)

	c, err := NewClient(Config{Endpoint: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), &Request{Audio: []byte{1, 2}, UserID: "u-7"})
	require.NoError(t, err)

	assert.Equal(t, DefaultConversationID, captured.conversationID)
	assert.Equal(t, "u-7", captured.userID)
	assert.Equal(t, "recording.wav", captured.filename)
	assert.Equal(t, "Bearer secret", captured.authorization)
	assert.NotEmpty(t, captured.requestID)
}

func TestTranscribeServerDetail(t *testing.T) {
	srv := newVoiceServer(t, http.StatusInternalServerError, map[string]any{"detail": "server overloaded"}, nil)
	c := newTestClient(t, srv.URL)

	_, err := c.Transcribe(context.Background(), &Request{Audio: []byte{1}})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "server overloaded", apiErr.Detail)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.FailedRequests)
	assert.Zero(t, stats.SuccessRate)
}

func TestTranscribeNonStringDetail(t *testing.T) {
	srv := newVoiceServer(t, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]any{{"loc": []string{"body", "audio_file"}, "msg": "field required"}},
	}, nil)
	c := newTestClient(t, srv.URL)

	_, err := c.Transcribe(context.Background(), &Request{Audio: []byte{1}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Empty(t, apiErr.Detail)
	assert.Contains(t, apiErr.Body, "field required")
}

func TestTranscribeMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Transcribe(context.Background(), &Request{Audio: []byte{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse response JSON")
}

func TestTranscribeEmptyAudio(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1/voice/process")
	_, err := c.Transcribe(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestTranscribeHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Transcribe(ctx, &Request{Audio: []byte{1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRequestAudioNotMutated(t *testing.T) {
	srv := newVoiceServer(t, http.StatusOK, map[string]any{"text": "ok"}, nil)
	c := newTestClient(t, srv.URL)

	audio := []byte{9, 8, 7, 6}
	req := &Request{Audio: audio}
	for i := 0; i < 2; i++ {
		_, err := c.Transcribe(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{9, 8, 7, 6}, req.Audio)
	assert.Equal(t, uint64(2), c.GetStats().SuccessRequests)
}
