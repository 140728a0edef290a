package wsengine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPongTimeout       = 5 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
)

// Keepalive errors
var (
	ErrPongTimeout  = errors.New("websocket: timeout waiting for pong")
	ErrPongMismatch = errors.New("websocket: pong payload does not match ping")
	ErrPingInFlight = errors.New("websocket: another ping is awaiting its pong")
)

// KeepAlive tracks the single pong slot of a connection. A pong that arrives
// while nobody waits is kept for the next Ping call; a newer pong replaces
// an older unconsumed one. Only one Ping may wait at a time.
type KeepAlive struct {
	send     func(op Opcode, payload []byte) error
	timeout  time.Duration
	inFlight atomic.Bool

	mu      sync.Mutex
	pending []byte
	flagged bool
	notify  chan struct{}
	lastRTT time.Duration
}

// NewKeepAlive creates a keepalive manager that writes control frames with send
func NewKeepAlive(send func(op Opcode, payload []byte) error, timeout time.Duration) *KeepAlive {
	if timeout <= 0 {
		timeout = DefaultPongTimeout
	}
	return &KeepAlive{
		send:    send,
		timeout: timeout,
		notify:  make(chan struct{}, 1),
	}
}

// Ping sends a ping carrying payload and blocks until a pong arrives, the
// pong timeout elapses or ctx ends. Only a pong with an identical payload
// counts as success. A Ping started while another one waits returns
// ErrPingInFlight without sending anything.
func (k *KeepAlive) Ping(ctx context.Context, payload []byte) error {
	if !k.inFlight.CompareAndSwap(false, true) {
		return ErrPingInFlight
	}
	defer k.inFlight.Store(false)

	start := time.Now()
	if err := k.send(OpPing, payload); err != nil {
		return err
	}

	got, err := k.await(ctx)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return ErrPongMismatch
	}

	k.mu.Lock()
	k.lastRTT = time.Since(start)
	k.mu.Unlock()
	return nil
}

func (k *KeepAlive) await(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(k.timeout)
	defer timer.Stop()

	for {
		k.mu.Lock()
		if k.flagged {
			got := k.pending
			k.pending = nil
			k.flagged = false
			k.mu.Unlock()
			return got, nil
		}
		k.mu.Unlock()

		select {
		case <-k.notify:
		case <-timer.C:
			return nil, ErrPongTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// HandlePong stores an inbound pong payload and wakes a waiting Ping
func (k *KeepAlive) HandlePong(payload []byte) {
	k.mu.Lock()
	k.pending = append([]byte(nil), payload...)
	k.flagged = true
	k.mu.Unlock()

	select {
	case k.notify <- struct{}{}:
	default:
	}
}

// Reset drops any pong held in the slot. Called between sessions so a pong
// from the previous session is never matched against a new ping.
func (k *KeepAlive) Reset() {
	k.mu.Lock()
	k.pending = nil
	k.flagged = false
	k.mu.Unlock()

	select {
	case <-k.notify:
	default:
	}
}

// HandlePing answers an inbound ping with a pong echoing its payload
func (k *KeepAlive) HandlePing(payload []byte) error {
	return k.send(OpPong, payload)
}

// LastRTT is the round trip time of the last successful Ping
func (k *KeepAlive) LastRTT() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastRTT
}
