package capture

import (
	"errors"

	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

// genericUploadMessage is reported when the endpoint gave no detail
const genericUploadMessage = "failed to process voice input"

// Result is the outcome of submitting a clip
type Result struct {
	Success        bool      `json:"success"`
	Transcript     string    `json:"transcript,omitempty"`
	Confidence     float64   `json:"confidence"`
	ProcessingTime float64   `json:"processing_time"`
	Language       string    `json:"language,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`

	Err error `json:"-"`
}

func successResult(resp *transcription.Response) Result {
	return Result{
		Success:        true,
		Transcript:     resp.Text,
		Confidence:     resp.Confidence,
		ProcessingTime: resp.ProcessingTime,
		Language:       resp.Language,
	}
}

func failureResult(err *Error) Result {
	msg := err.Message
	if msg == "" {
		msg = err.Error()
	}
	return Result{
		ErrorKind: err.Kind,
		Error:     msg,
		Err:       err,
	}
}

// uploadError classifies a transcriber failure, preferring the server's detail
func uploadError(err error) *Error {
	msg := genericUploadMessage
	var apiErr *transcription.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		msg = apiErr.Detail
	}
	return &Error{Kind: KindUploadFailed, Message: msg, Err: err}
}
