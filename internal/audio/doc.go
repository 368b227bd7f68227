// Package audio handles PCM audio plumbing for capture devices and clips.
// It restores packet order for networked audio, measures input levels, and
// encodes/decodes the WAV container used for transcription uploads.
package audio
