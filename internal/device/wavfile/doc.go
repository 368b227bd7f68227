// Package wavfile implements a capture device that replays a PCM-16 WAV
// file, for recording from the command line without a microphone.
package wavfile
