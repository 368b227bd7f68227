package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperConfig configures the OpenAI-compatible transcription backend
type WhisperConfig struct {
	APIKey   string
	BaseURL  string // Optional, for self-hosted OpenAI-compatible servers
	Model    string
	Language string // Optional ISO-639-1 hint
	Timeout  time.Duration
}

// WhisperClient transcribes clips with an OpenAI audio transcription model
// instead of the voice processing endpoint. It satisfies the same contract
// as Client: non-2xx answers surface as *APIError.
type WhisperClient struct {
	client   *openai.Client
	model    string
	language string
}

// NewWhisperClient creates a Whisper backend
func NewWhisperClient(config WhisperConfig) (*WhisperClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		config.Model = openai.Whisper1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &WhisperClient{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    config.Model,
		language: config.Language,
	}, nil
}

// Transcribe sends the clip to the audio transcription API
func (w *WhisperClient) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	if len(request.Audio) == 0 {
		return nil, fmt.Errorf("audio data cannot be empty")
	}

	filename := request.Filename
	if filename == "" {
		filename = "recording.wav"
	}

	startTime := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   bytes.NewReader(request.Audio),
		Language: w.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, convertOpenAIError(err)
	}

	return &Response{
		Text:           resp.Text,
		Confidence:     segmentConfidence(resp),
		Language:       resp.Language,
		ProcessingTime: float64(time.Since(startTime).Milliseconds()),
	}, nil
}

// segmentConfidence averages per-segment token probability
func segmentConfidence(resp openai.AudioResponse) float64 {
	if len(resp.Segments) == 0 {
		return 0
	}

	var total float64
	for _, seg := range resp.Segments {
		total += math.Exp(seg.AvgLogprob)
	}

	confidence := total / float64(len(resp.Segments))
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func convertOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.HTTPStatusCode, Detail: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{StatusCode: reqErr.HTTPStatusCode, Body: string(reqErr.Body)}
	}

	return fmt.Errorf("HTTP request failed: %w", err)
}
