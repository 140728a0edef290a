package wsengine

import (
	"errors"
	"fmt"
)

// DefaultMaxMessageSize caps a reassembled message
const DefaultMaxMessageSize = MaxFramePayload

// Reassembly errors
var (
	ErrUnexpectedContinuation = errors.New("websocket: continuation frame without a message in progress")
	ErrFragmentInterrupted    = errors.New("websocket: new data frame while a fragmented message is in progress")
	ErrMessageTooLarge        = errors.New("websocket: reassembled message too large")
)

// Reassembler joins fragmented data frames of one connection into messages.
// Only one fragmented message may be open at a time. It is not safe for
// concurrent use; the owning connection serializes access.
type Reassembler struct {
	MaxSize int

	active bool
	opcode Opcode
	buf    []byte
}

// NewReassembler creates a reassembler with the given size cap (<= 0 means default)
func NewReassembler(maxSize int) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reassembler{MaxSize: maxSize}
}

// InProgress reports whether a fragmented message is being accumulated
func (r *Reassembler) InProgress() bool {
	return r.active
}

// Push feeds one data frame. It returns a message when f completes one,
// nil while a fragmented message is still open, or an error on a protocol
// violation, after which the accumulator is cleared.
func (r *Reassembler) Push(f *Frame) (*Message, error) {
	switch {
	case f.Opcode.IsData() && r.active:
		r.Reset()
		return nil, ErrFragmentInterrupted

	case f.Opcode.IsData() && f.Fin:
		if len(f.Payload) > r.MaxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(f.Payload))
		}
		return &Message{Type: f.Opcode, Payload: f.Payload}, nil

	case f.Opcode.IsData():
		if len(f.Payload) > r.MaxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(f.Payload))
		}
		r.active = true
		r.opcode = f.Opcode
		r.buf = append(r.buf[:0], f.Payload...)
		return nil, nil

	case f.Opcode == OpContinuation && !r.active:
		return nil, ErrUnexpectedContinuation

	case f.Opcode == OpContinuation:
		if len(r.buf)+len(f.Payload) > r.MaxSize {
			size := len(r.buf) + len(f.Payload)
			r.Reset()
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
		}
		r.buf = append(r.buf, f.Payload...)
		if !f.Fin {
			return nil, nil
		}
		msg := &Message{Type: r.opcode, Payload: r.buf}
		r.active = false
		r.opcode = 0
		r.buf = nil
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: %s is not a data frame", ErrInvalidOpcode, f.Opcode)
	}
}

// Reset drops any partially assembled message
func (r *Reassembler) Reset() {
	r.active = false
	r.opcode = 0
	r.buf = nil
}
