// Package udp implements a network microphone capture device. A remote
// sender announces itself with an open packet and streams sequenced PCM-16
// audio packets (see internal/protocol). Packets are reordered, gaps are
// accounted as loss and the audio is delivered to listeners once per
// timeslice.
package udp
