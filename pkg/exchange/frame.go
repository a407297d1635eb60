package exchange

import (
	"encoding/binary"
	"fmt"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// FrameType discriminates the four message kinds on the wire.
type FrameType uint8

const (
	FrameRequest  FrameType = 0
	FrameResponse FrameType = 1
	FrameNotFound FrameType = 2
	FrameCancel   FrameType = 3
)

// Frame is a decoded on-wire message: `u32 length, u8 type, payload`, where
// length covers the type byte and payload together.
type Frame struct {
	Type  FrameType
	ReqID uint64
	Hash  block.Hash // REQUEST only
	Data  []byte     // RESPONSE only
}

// Encode serializes f to its full wire form, including the length prefix.
func (f Frame) Encode() []byte {
	var payload []byte
	switch f.Type {
	case FrameRequest:
		payload = make([]byte, 8+block.HashSize)
		binary.BigEndian.PutUint64(payload, f.ReqID)
		copy(payload[8:], f.Hash[:])
	case FrameResponse:
		payload = make([]byte, 8+len(f.Data))
		binary.BigEndian.PutUint64(payload, f.ReqID)
		copy(payload[8:], f.Data)
	case FrameNotFound, FrameCancel:
		payload = make([]byte, 8)
		binary.BigEndian.PutUint64(payload, f.ReqID)
	}

	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(1+len(payload)))
	out[4] = byte(f.Type)
	copy(out[5:], payload)
	return out
}

// DecodeFrame parses one full wire frame (length prefix included) from raw,
// returning the frame and the number of bytes consumed.
func DecodeFrame(raw []byte) (Frame, int, error) {
	if len(raw) < 4 {
		return Frame{}, 0, fmt.Errorf("%w: truncated length prefix", ErrProtocolViolation)
	}
	length := binary.BigEndian.Uint32(raw[:4])
	total := 4 + int(length)
	if length < 1 || len(raw) < total {
		return Frame{}, 0, fmt.Errorf("%w: truncated frame body", ErrProtocolViolation)
	}

	typ := FrameType(raw[4])
	payload := raw[5:total]

	var f Frame
	f.Type = typ
	switch typ {
	case FrameRequest:
		if len(payload) != 8+block.HashSize {
			return Frame{}, 0, fmt.Errorf("%w: malformed REQUEST", ErrProtocolViolation)
		}
		f.ReqID = binary.BigEndian.Uint64(payload[:8])
		copy(f.Hash[:], payload[8:])
	case FrameResponse:
		if len(payload) < 8 {
			return Frame{}, 0, fmt.Errorf("%w: malformed RESPONSE", ErrProtocolViolation)
		}
		f.ReqID = binary.BigEndian.Uint64(payload[:8])
		f.Data = append([]byte(nil), payload[8:]...)
	case FrameNotFound, FrameCancel:
		if len(payload) != 8 {
			return Frame{}, 0, fmt.Errorf("%w: malformed control frame", ErrProtocolViolation)
		}
		f.ReqID = binary.BigEndian.Uint64(payload[:8])
	default:
		return Frame{}, 0, fmt.Errorf("%w: unknown frame type %d", ErrProtocolViolation, typ)
	}

	return f, total, nil
}
