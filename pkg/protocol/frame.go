// Package protocol implements the device-facing wire protocol: the framed
// binary audio/control codec and the JSON control envelopes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType discriminates binary frame payloads.
type FrameType uint16

const (
	// FrameAudio carries a single Opus packet.
	FrameAudio FrameType = 0
	// FrameText carries a JSON control envelope.
	FrameText FrameType = 1
)

const (
	// VersionV2 is the legacy 16-byte header framing.
	VersionV2 = 2
	// VersionV3 is the compact 4-byte header framing.
	VersionV3 = 3

	V2HeaderSize = 16
	V3HeaderSize = 4
)

var (
	ErrShortHeader  = errors.New("protocol: buffer shorter than frame header")
	ErrBadVersion   = errors.New("protocol: unexpected frame version")
	ErrShortPayload = errors.New("protocol: payload length exceeds buffer")
)

// Frame is a decoded binary frame. For V3 frames Timestamp is always zero;
// the session synthesizes one from the negotiated frame duration.
type Frame struct {
	Version   int
	Type      FrameType
	Timestamp uint32 // milliseconds, V2 only
	Payload   []byte
}

// EncodeV2 serializes a frame with the 16-byte legacy header:
// u16 version, u16 type, 4 reserved bytes, u32 timestamp_ms, u32 payload_len.
func EncodeV2(f Frame) []byte {
	buf := make([]byte, V2HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], VersionV2)
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Type))
	// bytes 4:8 reserved
	binary.BigEndian.PutUint32(buf[8:12], f.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
	copy(buf[V2HeaderSize:], f.Payload)
	return buf
}

// DecodeV2 parses a 16-byte-header frame. The payload is copied out of data.
func DecodeV2(data []byte) (Frame, error) {
	if len(data) < V2HeaderSize {
		return Frame{}, ErrShortHeader
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version != VersionV2 {
		return Frame{}, fmt.Errorf("%w: got %d", ErrBadVersion, version)
	}
	payloadLen := binary.BigEndian.Uint32(data[12:16])
	if uint64(payloadLen) > uint64(len(data)-V2HeaderSize) {
		return Frame{}, fmt.Errorf("%w: declared %d, available %d", ErrShortPayload, payloadLen, len(data)-V2HeaderSize)
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[V2HeaderSize:V2HeaderSize+int(payloadLen)])
	return Frame{
		Version:   VersionV2,
		Type:      FrameType(binary.BigEndian.Uint16(data[2:4])),
		Timestamp: binary.BigEndian.Uint32(data[8:12]),
		Payload:   payload,
	}, nil
}

// EncodeV3 serializes a frame with the compact 4-byte header:
// u8 type, u8 reserved, u16 payload_len. V3 carries no timestamp.
func EncodeV3(f Frame) []byte {
	buf := make([]byte, V3HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[V3HeaderSize:], f.Payload)
	return buf
}

// DecodeV3 parses a 4-byte-header frame. The payload is copied out of data.
func DecodeV3(data []byte) (Frame, error) {
	if len(data) < V3HeaderSize {
		return Frame{}, ErrShortHeader
	}
	payloadLen := binary.BigEndian.Uint16(data[2:4])
	if int(payloadLen) > len(data)-V3HeaderSize {
		return Frame{}, fmt.Errorf("%w: declared %d, available %d", ErrShortPayload, payloadLen, len(data)-V3HeaderSize)
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[V3HeaderSize:V3HeaderSize+int(payloadLen)])
	return Frame{
		Version: VersionV3,
		Type:    FrameType(data[0]),
		Payload: payload,
	}, nil
}

// Decode dispatches on the negotiated framing version. version 0 means the
// message is unframed raw Opus and is wrapped as an audio frame unchanged.
func Decode(version int, data []byte) (Frame, error) {
	switch version {
	case VersionV2:
		return DecodeV2(data)
	case VersionV3:
		return DecodeV3(data)
	default:
		return Frame{Type: FrameAudio, Payload: data}, nil
	}
}

// Encode dispatches on the negotiated framing version. version 0 emits the
// payload unframed, which is how the server sends Opus on a plain WebSocket.
func Encode(version int, f Frame) []byte {
	switch version {
	case VersionV2:
		return EncodeV2(f)
	case VersionV3:
		return EncodeV3(f)
	default:
		return f.Payload
	}
}
