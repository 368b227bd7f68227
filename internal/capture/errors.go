package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for callers
type ErrorKind string

const (
	KindDeviceUnavailable ErrorKind = "DeviceUnavailable"
	KindNoAudioData       ErrorKind = "NoAudioData"
	KindUploadFailed      ErrorKind = "UploadFailed"
)

// Error is a classified pipeline failure. Two Errors match under errors.Is
// when their kinds are equal.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrNoAudioData       = &Error{Kind: KindNoAudioData}
	ErrUploadFailed      = &Error{Kind: KindUploadFailed}

	// ErrSessionActive is returned by Start while another session is live
	ErrSessionActive = errors.New("recording session already active")
	// ErrCancelled is returned by a Start that was overtaken by Cleanup
	ErrCancelled = errors.New("recording start cancelled by cleanup")
)

// KindOf extracts the error kind, or "" for unclassified errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
