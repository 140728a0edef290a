package wsengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controlRecorder captures control frames written by a KeepAlive and can
// answer pings through a reply hook.
type controlRecorder struct {
	mu     sync.Mutex
	frames []Frame
	reply  func(op Opcode, payload []byte)
	err    error
}

func (r *controlRecorder) send(op Opcode, payload []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, Frame{Opcode: op, Payload: append([]byte(nil), payload...)})
	reply, err := r.reply, r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if reply != nil {
		go reply(op, payload)
	}
	return nil
}

func (r *controlRecorder) sent() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func TestKeepAlivePingPong(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, time.Second)
	rec.reply = func(op Opcode, payload []byte) {
		if op == OpPing {
			ka.HandlePong(payload)
		}
	}

	require.NoError(t, ka.Ping(context.Background(), []byte("hello")))
	frames := rec.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, OpPing, frames[0].Opcode)
	assert.Equal(t, "hello", string(frames[0].Payload))
	assert.Greater(t, ka.LastRTT(), time.Duration(0))
}

func TestKeepAlivePongMismatch(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, time.Second)
	rec.reply = func(op Opcode, payload []byte) {
		ka.HandlePong([]byte("goodbye"))
	}

	err := ka.Ping(context.Background(), []byte("hello"))
	assert.ErrorIs(t, err, ErrPongMismatch)
}

func TestKeepAlivePongTimeout(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, 50*time.Millisecond)

	start := time.Now()
	err := ka.Ping(context.Background(), []byte("hello"))
	assert.ErrorIs(t, err, ErrPongTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestKeepAliveContextCancel(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ka.Ping(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeepAliveSendError(t *testing.T) {
	sendErr := errors.New("link down")
	rec := &controlRecorder{err: sendErr}
	ka := NewKeepAlive(rec.send, time.Second)
	assert.ErrorIs(t, ka.Ping(context.Background(), []byte("x")), sendErr)
}

func TestKeepAliveEarlyPongIsKept(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, 50*time.Millisecond)

	// an unsolicited pong waits in the slot; a newer one replaces it
	ka.HandlePong([]byte("stale"))
	ka.HandlePong([]byte("fresh"))
	require.NoError(t, ka.Ping(context.Background(), []byte("fresh")))

	// the slot is consumed, so the next ping has nothing to match
	assert.ErrorIs(t, ka.Ping(context.Background(), []byte("fresh")), ErrPongTimeout)
}

func TestKeepAliveAnswersPing(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, time.Second)

	require.NoError(t, ka.HandlePing([]byte("marco")))
	frames := rec.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, OpPong, frames[0].Opcode)
	assert.Equal(t, "marco", string(frames[0].Payload))
}

func TestKeepAliveResetDropsHeldPong(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, time.Second)
	rec.reply = func(op Opcode, payload []byte) {
		if op == OpPing {
			ka.HandlePong(payload)
		}
	}

	ka.HandlePong([]byte("old-session"))
	ka.Reset()
	require.NoError(t, ka.Ping(context.Background(), []byte("hello")))
}

func TestKeepAliveSinglePingInFlight(t *testing.T) {
	rec := &controlRecorder{}
	ka := NewKeepAlive(rec.send, time.Second)

	first := make(chan error, 1)
	go func() { first <- ka.Ping(context.Background(), []byte("first")) }()
	require.Eventually(t, func() bool { return len(rec.sent()) == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, ka.Ping(context.Background(), []byte("second")), ErrPingInFlight)
	assert.Len(t, rec.sent(), 1)

	ka.HandlePong([]byte("first"))
	require.NoError(t, <-first)

	// the slot is free again
	rec.mu.Lock()
	rec.reply = func(op Opcode, payload []byte) { ka.HandlePong(payload) }
	rec.mu.Unlock()
	assert.NoError(t, ka.Ping(context.Background(), []byte("third")))
}
