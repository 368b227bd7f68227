// Package transcription implements the clients that turn a recorded clip into text.
// Client uploads clips to the voice processing endpoint as multipart form data
// and maps its {"detail": ...} error bodies; WhisperClient targets an
// OpenAI-compatible audio transcription API.
package transcription
