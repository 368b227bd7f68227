// Package capture implements the voice capture pipeline: it acquires an
// audio device, buffers the fragments it emits for one recording session,
// encodes them into a clip on stop and submits the clip for transcription.
//
// A Pipeline moves through idle, recording and stopping states and holds at
// most one session. Devices are reached through the Device and Stream
// interfaces; concrete implementations live under internal/device.
//
// Failures callers branch on are reported as *Error with one of the kinds
// DeviceUnavailable, NoAudioData or UploadFailed.
package capture
