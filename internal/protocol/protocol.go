package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire format constants
const (
	// Packet types
	PacketTypeOpen  = 0x01
	PacketTypeAudio = 0x02
	PacketTypeClose = 0x03

	// Packet structure sizes
	HeaderSize             = 7  // 1 + 2 + 4 bytes
	OpenPayloadSize        = 73 // 64 + 4 + 1 + 4 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)
	MaxPacketSize          = 65535

	// Field sizes in the open payload
	LabelSize      = 64
	SampleRateSize = 4
	ChannelsSize   = 1
	TimestampSize  = 4
)

// Header represents the 7-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4]
type Header struct {
	PacketType uint8  // 0x01=Open, 0x02=Audio, 0x03=Close
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Identifies one microphone stream
}

// OpenPayload announces a new microphone stream
// Layout: [Label:64][SampleRate:4][Channels:1][Timestamp:4]
type OpenPayload struct {
	Label      [LabelSize]byte // Null-terminated string (64 bytes)
	SampleRate uint32
	Channels   uint8
	Timestamp  uint32 // Unix timestamp
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // PCM-16 little-endian audio data (variable length)
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header *Header
	Open   *OpenPayload  // Only set for open packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 7-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
	}

	return header, nil
}

// ParseOpenPayload parses the 73-byte open packet payload
func ParseOpenPayload(data []byte) (*OpenPayload, error) {
	if len(data) < OpenPayloadSize {
		return nil, fmt.Errorf("open payload too short: expected %d bytes, got %d",
			OpenPayloadSize, len(data))
	}

	payload := &OpenPayload{}
	copy(payload.Label[:], data[0:LabelSize])

	offset := LabelSize
	payload.SampleRate = binary.BigEndian.Uint32(data[offset : offset+SampleRateSize])
	offset += SampleRateSize
	payload.Channels = data[offset]
	offset += ChannelsSize
	payload.Timestamp = binary.BigEndian.Uint32(data[offset : offset+TimestampSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	// Copy audio data (remaining bytes after sequence)
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeOpen:
		payload, err := ParseOpenPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse open payload: %w", err)
		}
		packet.Open = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeClose:
		// No payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeOpen:
		if payloadSize != OpenPayloadSize {
			return fmt.Errorf("open packet payload size mismatch: expected %d, got %d",
				OpenPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
		if (payloadSize-AudioPayloadHeaderSize)%2 != 0 {
			return fmt.Errorf("audio data must hold whole PCM-16 samples, got %d bytes",
				payloadSize-AudioPayloadHeaderSize)
		}
	case PacketTypeClose:
		if payloadSize != 0 {
			return fmt.Errorf("close packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeOpen || ptype == PacketTypeAudio || ptype == PacketTypeClose
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetLabel extracts the stream label as a string
func (o *OpenPayload) GetLabel() string {
	return ExtractString(o.Label[:])
}

// BuildOpenPacket encodes an open packet. Labels longer than 63 bytes are truncated.
func BuildOpenPacket(streamID uint32, label string, sampleRate uint32, channels uint8, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+OpenPayloadSize)
	putHeader(buf, PacketTypeOpen, streamID)

	payload := buf[HeaderSize:]
	copy(payload[:LabelSize-1], label)

	offset := LabelSize
	binary.BigEndian.PutUint32(payload[offset:], sampleRate)
	offset += SampleRateSize
	payload[offset] = channels
	offset += ChannelsSize
	binary.BigEndian.PutUint32(payload[offset:], timestamp)

	return buf
}

// BuildAudioPacket encodes an audio packet
func BuildAudioPacket(streamID, sequence uint32, audio []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(audio)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], audio)

	return buf, nil
}

// BuildClosePacket encodes a close packet
func BuildClosePacket(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeClose, streamID)
	return buf
}

func putHeader(buf []byte, packetType uint8, streamID uint32) {
	buf[0] = packetType
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeOpen:
		packetType = "Open"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeClose:
		packetType = "Close"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d}", packetType, h.PacketLen, h.StreamID)
}

// String returns a human-readable representation of the open payload
func (o *OpenPayload) String() string {
	return fmt.Sprintf("OpenPayload{Label:%q, SampleRate:%d, Channels:%d, Timestamp:%d}",
		o.GetLabel(), o.SampleRate, o.Channels, o.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
