package wsengine

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultEngineSettleTimeout bounds how long a single engine step may take
const DefaultEngineSettleTimeout = 5 * time.Second

// Engine is a TLS session driven one record at a time. Every call returns
// the bytes the session wants written to the wire, if any.
type Engine interface {
	// Handshake feeds one inbound handshake record (nil to start) and
	// reports whether the handshake has completed
	Handshake(record []byte) (out []byte, done bool, err error)
	// Seal encrypts application data into records
	Seal(plain []byte) ([]byte, error)
	// Open decrypts inbound records. nil drains plaintext already buffered.
	Open(records []byte) (plain []byte, out []byte, err error)
	// Close ends the session and returns a close_notify alert if one is due
	Close() ([]byte, error)
}

// StdEngine runs crypto/tls over an in-memory connection so that the caller
// controls when bytes move. One goroutine owns the tls.Conn read side: it
// completes the handshake and then reads plaintext into a buffer. Each step
// feeds input and waits until that goroutine is blocked for more.
type StdEngine struct {
	conn   *tls.Conn
	pipe   *memConn
	settle time.Duration

	startOnce sync.Once
	hsDone    chan struct{}
	hsErr     error
	readDone  chan struct{}
	readErr   error

	plainMu sync.Mutex
	plain   bytes.Buffer
}

// NewStdEngine creates an engine for role using cfg
func NewStdEngine(cfg *tls.Config, role Role) *StdEngine {
	pipe := newMemConn()
	e := &StdEngine{
		pipe:     pipe,
		settle:   DefaultEngineSettleTimeout,
		hsDone:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if role == RoleServer {
		e.conn = tls.Server(pipe, cfg)
	} else {
		e.conn = tls.Client(pipe, cfg)
	}
	return e
}

// ConnectionState exposes the negotiated parameters once the handshake is done
func (e *StdEngine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

func (e *StdEngine) run() {
	err := e.conn.Handshake()
	e.hsErr = err
	close(e.hsDone)
	if err != nil {
		e.readErr = err
		close(e.readDone)
		return
	}

	buf := make([]byte, DefaultBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.plainMu.Lock()
			e.plain.Write(buf[:n])
			e.plainMu.Unlock()
		}
		if err != nil {
			e.readErr = err
			close(e.readDone)
			return
		}
	}
}

func (e *StdEngine) Handshake(record []byte) ([]byte, bool, error) {
	if len(record) > 0 {
		e.pipe.feed(record)
	}
	e.startOnce.Do(func() { go e.run() })

	timer := time.NewTimer(e.settle)
	defer timer.Stop()
	for {
		e.pipe.drainIdle()
		if e.handshakeFinished() {
			break
		}
		if e.pipe.isIdle() {
			// the goroutine may have finished the handshake and already
			// be blocked in the first post-handshake read
			if e.handshakeFinished() {
				break
			}
			return e.pipe.takeOut(), false, nil
		}
		select {
		case <-e.pipe.idle:
		case <-e.hsDone:
		case <-timer.C:
			return e.pipe.takeOut(), false, ErrTLSEngineStalled
		}
	}

	out := e.pipe.takeOut()
	if e.hsErr != nil {
		return out, false, e.hsErr
	}
	return out, true, nil
}

func (e *StdEngine) handshakeFinished() bool {
	select {
	case <-e.hsDone:
		return true
	default:
		return false
	}
}

func (e *StdEngine) Seal(plain []byte) ([]byte, error) {
	if !e.handshakeFinished() || e.hsErr != nil {
		return nil, ErrTLSNotEstablished
	}
	if _, err := e.conn.Write(plain); err != nil {
		return nil, err
	}
	return e.pipe.takeOut(), nil
}

func (e *StdEngine) Open(records []byte) ([]byte, []byte, error) {
	if !e.handshakeFinished() || e.hsErr != nil {
		return nil, nil, ErrTLSNotEstablished
	}
	if len(records) > 0 {
		e.pipe.feed(records)
	}

	var err error
	timer := time.NewTimer(e.settle)
	defer timer.Stop()
wait:
	for {
		e.pipe.drainIdle()
		if e.pipe.isIdle() {
			break
		}
		select {
		case <-e.pipe.idle:
		case <-e.readDone:
			err = e.readErr
			if err == io.EOF {
				err = ErrTLSClosed
			}
			break wait
		case <-timer.C:
			err = ErrTLSEngineStalled
			break wait
		}
	}

	e.plainMu.Lock()
	plain := append([]byte(nil), e.plain.Bytes()...)
	e.plain.Reset()
	e.plainMu.Unlock()
	return plain, e.pipe.takeOut(), err
}

func (e *StdEngine) Close() ([]byte, error) {
	err := e.conn.Close()
	return e.pipe.takeOut(), err
}

// memConn is a net.Conn whose input is fed by the engine and whose output is
// collected by it. Read signals idle right before it blocks on empty input.
type memConn struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer
	out     bytes.Buffer
	waiting bool
	closed  bool
	idle    chan struct{}
}

func newMemConn() *memConn {
	c := &memConn{idle: make(chan struct{}, 1)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *memConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.in.Len() == 0 && !c.closed {
		c.waiting = true
		select {
		case c.idle <- struct{}{}:
		default:
		}
		c.cond.Wait()
	}
	c.waiting = false
	if c.in.Len() == 0 {
		return 0, io.EOF
	}
	return c.in.Read(p)
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.out.Write(p)
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *memConn) feed(p []byte) {
	c.mu.Lock()
	c.in.Write(p)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *memConn) takeOut() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	return b
}

func (c *memConn) isIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting && c.in.Len() == 0
}

func (c *memConn) drainIdle() {
	select {
	case <-c.idle:
	default:
	}
}

func (c *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "memory" }
func (memAddr) String() string  { return "memory" }
