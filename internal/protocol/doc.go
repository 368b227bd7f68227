// Package protocol implements the TLV packet format spoken by network
// microphones. A stream is announced with an open packet, carries sequenced
// PCM-16 audio packets and ends with a close packet.
package protocol
