// Package device holds the bookkeeping shared by capture device streams.
// Concrete devices live in the udp, wsmic and wavfile subpackages.
package device
