package wsengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassemblerJoinsFragments(t *testing.T) {
	r := NewReassembler(0)

	msg, err := r.Push(&Frame{Opcode: OpText, Fin: false, Payload: []byte("AB")})
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.True(t, r.InProgress())

	msg, err = r.Push(&Frame{Opcode: OpContinuation, Fin: true, Payload: []byte("CD")})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, OpText, msg.Type)
	assert.Equal(t, "ABCD", string(msg.Payload))
	assert.False(t, r.InProgress())
}

func TestReassemblerManyFragments(t *testing.T) {
	r := NewReassembler(0)

	_, err := r.Push(&Frame{Opcode: OpBinary, Payload: []byte{1}})
	require.NoError(t, err)
	for i := byte(2); i < 10; i++ {
		msg, err := r.Push(&Frame{Opcode: OpContinuation, Payload: []byte{i}})
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	msg, err := r.Push(&Frame{Opcode: OpContinuation, Fin: true, Payload: []byte{10}})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, OpBinary, msg.Type)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, msg.Payload)
}

func TestReassemblerUnfragmented(t *testing.T) {
	r := NewReassembler(0)
	msg, err := r.Push(&Frame{Opcode: OpBinary, Fin: true, Payload: []byte{0xff}})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, OpBinary, msg.Type)
	assert.False(t, r.InProgress())
}

func TestReassemblerProtocolViolations(t *testing.T) {
	t.Run("orphan continuation", func(t *testing.T) {
		r := NewReassembler(0)
		_, err := r.Push(&Frame{Opcode: OpContinuation, Fin: true, Payload: []byte("x")})
		assert.ErrorIs(t, err, ErrUnexpectedContinuation)
	})

	t.Run("new message while fragmented", func(t *testing.T) {
		r := NewReassembler(0)
		_, err := r.Push(&Frame{Opcode: OpText, Payload: []byte("AB")})
		require.NoError(t, err)

		_, err = r.Push(&Frame{Opcode: OpBinary, Fin: true, Payload: []byte("XY")})
		assert.ErrorIs(t, err, ErrFragmentInterrupted)
		assert.False(t, r.InProgress())
	})

	t.Run("size cap", func(t *testing.T) {
		r := NewReassembler(4)
		_, err := r.Push(&Frame{Opcode: OpText, Payload: []byte("abc")})
		require.NoError(t, err)
		_, err = r.Push(&Frame{Opcode: OpContinuation, Fin: true, Payload: []byte("de")})
		assert.ErrorIs(t, err, ErrMessageTooLarge)
		assert.False(t, r.InProgress())
	})

	t.Run("control frame", func(t *testing.T) {
		r := NewReassembler(0)
		_, err := r.Push(&Frame{Opcode: OpPing, Fin: true})
		assert.ErrorIs(t, err, ErrInvalidOpcode)
	})
}
