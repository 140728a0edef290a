package wsengine

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxFramePayload bounds a single decoded frame (32MB)
	MaxFramePayload = 32 * 1024 * 1024

	maxControlPayload = 125
	finBit            = 0x80
	rsvBits           = 0x70
	maskBit           = 0x80
)

// Opcode is the 4-bit frame type tag
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Valid reports whether op is one of the opcodes defined by RFC 6455
func (op Opcode) Valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// IsControl reports whether op is close, ping or pong
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

// IsData reports whether op starts a text or binary message
func (op Opcode) IsData() bool {
	return op == OpText || op == OpBinary
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("0x%x", byte(op))
	}
}

// ParseOpcode maps the names accepted on the command line to a data opcode
func ParseOpcode(name string) (Opcode, error) {
	switch name {
	case "text", "":
		return OpText, nil
	case "binary":
		return OpBinary, nil
	}
	return 0, fmt.Errorf("unsupported frame opcode %q (use text or binary)", name)
}

// Role selects masking behaviour: clients mask, servers never do
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Framing errors
var (
	ErrInvalidOpcode     = errors.New("websocket: invalid opcode")
	ErrReservedBits      = errors.New("websocket: reserved bits set without extension")
	ErrControlFragmented = errors.New("websocket: fragmented control frame")
	ErrControlTooLarge   = errors.New("websocket: control frame payload exceeds 125 bytes")
	ErrFrameTooLarge     = errors.New("websocket: frame payload exceeds maximum allowed size")
	ErrBadLength         = errors.New("websocket: 64-bit payload length has most significant bit set")
)

// Frame is one decoded WebSocket frame. Payload is always unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte

	// Tail holds the bytes following this frame in the decoded buffer.
	// It aliases the caller's buffer.
	Tail []byte
}

// DecodeFrame parses one frame from the head of raw.
// If raw does not yet hold the whole frame it returns (nil, 0, nil) and
// leaves raw untouched, so callers simply retry once more bytes arrive.
// On success it returns the frame and the number of bytes consumed.
func DecodeFrame(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}

	b0, b1 := raw[0], raw[1]
	op := Opcode(b0 & 0x0F)
	if !op.Valid() {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidOpcode, op)
	}
	if b0&rsvBits != 0 {
		return nil, 0, ErrReservedBits
	}
	fin := b0&finBit != 0
	if op.IsControl() && !fin {
		return nil, 0, ErrControlFragmented
	}

	masked := b1&maskBit != 0
	length := uint64(b1 & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		if length&(1<<63) != 0 {
			return nil, 0, ErrBadLength
		}
		offset += 8
	}

	if op.IsControl() && length > maxControlPayload {
		return nil, 0, ErrControlTooLarge
	}
	if length > MaxFramePayload {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	var key [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(key[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	if masked {
		ApplyMask(payload, key, 0)
	}

	return &Frame{
		Fin:     fin,
		Opcode:  op,
		Masked:  masked,
		MaskKey: key,
		Payload: payload,
		Tail:    raw[total:],
	}, total, nil
}

// EncodeFrame serializes a single frame. Client frames are masked with a fresh
// random key, server frames never are. fin is written exactly as given so
// callers can emit fragmented messages one frame at a time.
func EncodeFrame(op Opcode, payload []byte, fin bool, role Role) ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOpcode, op)
	}
	if op.IsControl() {
		if !fin {
			return nil, ErrControlFragmented
		}
		if len(payload) > maxControlPayload {
			return nil, ErrControlTooLarge
		}
	}

	plen := len(payload)
	var hdr [14]byte
	hdr[0] = byte(op)
	if fin {
		hdr[0] |= finBit
	}

	n := 2
	switch {
	case plen <= 125:
		hdr[1] = byte(plen)
	case plen <= 0xFFFF:
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
		n += 2
	default:
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
		n += 8
	}

	masked := role == RoleClient
	var key [4]byte
	if masked {
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("generate mask key: %w", err)
		}
		hdr[1] |= maskBit
		copy(hdr[n:], key[:])
		n += 4
	}

	buf := make([]byte, n+plen)
	copy(buf, hdr[:n])
	copy(buf[n:], payload)
	if masked {
		ApplyMask(buf[n:], key, 0)
	}
	return buf, nil
}

// ApplyMask XORs b in place with key, starting at key offset pos.
// Masking and unmasking are the same operation.
func ApplyMask(b []byte, key [4]byte, pos int) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}

// Close status codes used by this package
const (
	CloseNormalClosure = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseMessageTooBig = 1009
)

// EncodeClose builds a close frame carrying a status code and optional reason
func EncodeClose(code int, reason string, role Role) ([]byte, error) {
	if code == 0 {
		return EncodeFrame(OpClose, nil, true, role)
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return EncodeFrame(OpClose, payload, true, role)
}

// ParseClosePayload extracts the status code and reason from a close frame body.
// An empty body yields code 0.
func ParseClosePayload(payload []byte) (int, string) {
	if len(payload) < 2 {
		return 0, ""
	}
	return int(binary.BigEndian.Uint16(payload)), string(payload[2:])
}
