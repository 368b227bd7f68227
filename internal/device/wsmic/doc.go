// Package wsmic bridges a browser microphone into the capture pipeline over
// a WebSocket.
//
// The browser page connects to the device's HTTP handler and waits. When a
// stream is requested the device sends {"type":"start","timeslice_ms":N};
// the page asks the user for microphone access and answers "granted" (with
// the format it will send) or "denied". Recorded chunks arrive as binary
// frames. "flush" asks the page to deliver its partial chunk, answered by
// "flushed"; "stop" ends recording and releases the microphone.
package wsmic
