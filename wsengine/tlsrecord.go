package wsengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

const (
	tlsRecordHeaderLen = 5
	// maxTLSRecordLen is 2^14 plaintext plus the TLS 1.2 ciphertext expansion allowance
	maxTLSRecordLen = 16384 + 2048

	// DefaultTLSHandshakeAttempts caps the handshake records accepted per attempt
	DefaultTLSHandshakeAttempts = 32
)

// TLS errors
var (
	ErrTLSRecordHeader      = errors.New("tls: invalid record header")
	ErrTLSRecordTooLarge    = errors.New("tls: record exceeds maximum length")
	ErrTLSAlert             = errors.New("tls: handshake aborted")
	ErrTLSHandshakeTimeout  = errors.New("tls: handshake did not complete")
	ErrTLSNotEstablished    = errors.New("tls: session not established")
	ErrTLSEngineStalled     = errors.New("tls: engine did not settle")
	ErrTLSClosed            = errors.New("tls: session closed by peer")
	ErrTLSHandshakeExceeded = errors.New("tls: too many handshake records")
)

// ScanRecord finds one complete TLS record at the head of buf. It returns
// n == 0 while the record is still incomplete and never modifies buf.
func ScanRecord(buf []byte) (record []byte, n int, err error) {
	if len(buf) < 1 {
		return nil, 0, nil
	}
	// change_cipher_spec(20), alert(21), handshake(22), application_data(23)
	if buf[0]&0xFC != 0x14 {
		return nil, 0, fmt.Errorf("%w: content type 0x%02x", ErrTLSRecordHeader, buf[0])
	}
	if len(buf) >= 2 && buf[1] != 0x03 {
		return nil, 0, fmt.Errorf("%w: version 0x%02x", ErrTLSRecordHeader, buf[1])
	}
	if len(buf) >= 3 && (buf[2] < 0x01 || buf[2] > 0x04) {
		return nil, 0, fmt.Errorf("%w: version 0x03%02x", ErrTLSRecordHeader, buf[2])
	}
	if len(buf) < tlsRecordHeaderLen {
		return nil, 0, nil
	}
	length := int(binary.BigEndian.Uint16(buf[3:5]))
	if length > maxTLSRecordLen {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTLSRecordTooLarge, length)
	}
	total := tlsRecordHeaderLen + length
	if len(buf) < total {
		return nil, 0, nil
	}
	return buf[:total], total, nil
}

// tlsPhase is the sub-state of a connection in StateTLSHandshaking
type tlsPhase int

const (
	tlsIdle tlsPhase = iota
	tlsAwaitingReply
	tlsEstablished
	tlsFailed
)

func (p tlsPhase) String() string {
	switch p {
	case tlsIdle:
		return "idle"
	case tlsAwaitingReply:
		return "awaiting-reply"
	case tlsEstablished:
		return "established"
	case tlsFailed:
		return "failed"
	}
	return "unknown"
}

// RecordLayer sits between a connection and its transport. The connection
// sees plaintext; the wire carries TLS records. Inbound bytes are buffered
// until whole records are present, because the transport delivers arbitrary
// chunks. The handshake is event driven: Start emits the first flight and
// every complete inbound record is fed to the engine as it arrives.
type RecordLayer struct {
	under       Transport
	engine      Engine
	onPlain     func([]byte)
	maxAttempts int
	log         zerolog.Logger

	mu          sync.Mutex
	buf         []byte
	records     *queue.Queue
	phase       tlsPhase
	attempts    int
	err         error
	established chan struct{}
	settled     sync.Once
}

// NewRecordLayer wraps under. Decrypted application data is passed to onPlain
// outside the layer's lock, in arrival order.
func NewRecordLayer(under Transport, engine Engine, maxAttempts int, logger zerolog.Logger, onPlain func([]byte)) *RecordLayer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultTLSHandshakeAttempts
	}
	return &RecordLayer{
		under:       under,
		engine:      engine,
		onPlain:     onPlain,
		maxAttempts: maxAttempts,
		log:         logger,
		records:     queue.New(),
		established: make(chan struct{}),
	}
}

// Start produces the engine's first flight (a ClientHello for clients,
// nothing for servers) and sends it. Records received before Start are
// handed to the engine afterwards, in order.
func (l *RecordLayer) Start() error {
	l.mu.Lock()
	plain, err := l.startLocked()
	l.mu.Unlock()

	if len(plain) > 0 && l.onPlain != nil {
		l.onPlain(plain)
	}
	return err
}

func (l *RecordLayer) startLocked() ([]byte, error) {
	if l.phase != tlsIdle {
		return nil, l.err
	}

	out, done, err := l.engine.Handshake(nil)
	if err != nil {
		return nil, l.failLocked(fmt.Errorf("%w: %v", ErrTLSAlert, err))
	}
	if err := l.sendLocked(out); err != nil {
		return nil, l.failLocked(err)
	}
	if done {
		l.establishLocked()
	} else {
		if len(out) > 0 {
			l.log.Trace().Int("len", len(out)).Msg("TLS handshake record sent")
		}
		l.phase = tlsAwaitingReply
	}
	return l.drainLocked()
}

// Receive consumes raw bytes from the transport
func (l *RecordLayer) Receive(p []byte) error {
	l.mu.Lock()
	plain, err := l.receiveLocked(p)
	l.mu.Unlock()

	if len(plain) > 0 && l.onPlain != nil {
		l.onPlain(plain)
	}
	return err
}

func (l *RecordLayer) receiveLocked(p []byte) ([]byte, error) {
	if l.phase == tlsFailed {
		return nil, l.err
	}

	l.buf = append(l.buf, p...)
	consumed := 0
	for {
		rec, n, err := ScanRecord(l.buf[consumed:])
		if err != nil {
			l.buf = nil
			return nil, l.failLocked(err)
		}
		if n == 0 {
			break
		}
		l.records.Add(append([]byte(nil), rec...))
		consumed += n
	}
	if consumed > 0 {
		l.buf = append([]byte(nil), l.buf[consumed:]...)
	}
	if l.phase == tlsIdle {
		l.log.Trace().Int("queued", l.records.Length()).Msg("TLS records held until start")
		return nil, nil
	}
	return l.drainLocked()
}

// drainLocked feeds queued records to the engine in arrival order
func (l *RecordLayer) drainLocked() ([]byte, error) {
	var plain []byte
	for l.records.Length() > 0 {
		rec := l.records.Remove().([]byte)

		if l.phase != tlsEstablished {
			l.attempts++
			if l.attempts > l.maxAttempts {
				return plain, l.failLocked(ErrTLSHandshakeExceeded)
			}
			out, done, err := l.engine.Handshake(rec)
			if sendErr := l.sendLocked(out); sendErr != nil && err == nil {
				err = sendErr
			}
			if err != nil {
				return plain, l.failLocked(fmt.Errorf("%w: %v", ErrTLSAlert, err))
			}
			if !done {
				l.phase = tlsAwaitingReply
				continue
			}
			l.establishLocked()
			rec = nil
		}

		pt, out, err := l.engine.Open(rec)
		plain = append(plain, pt...)
		if sendErr := l.sendLocked(out); sendErr != nil && err == nil {
			err = sendErr
		}
		if err != nil {
			return plain, l.failLocked(err)
		}
	}
	return plain, nil
}

// Send encrypts p into application data records
func (l *RecordLayer) Send(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != tlsEstablished {
		return ErrTLSNotEstablished
	}
	rec, err := l.engine.Seal(p)
	if err != nil {
		return err
	}
	return l.under.Send(rec)
}

// Active reports whether the layer and its transport can carry data
func (l *RecordLayer) Active() bool {
	l.mu.Lock()
	failed := l.phase == tlsFailed
	l.mu.Unlock()
	return !failed && l.under.Active()
}

// Established is closed once the handshake completed or failed; check Err
func (l *RecordLayer) Established() <-chan struct{} {
	return l.established
}

// Err returns the failure that ended the session, if any
func (l *RecordLayer) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Phase returns the handshake sub-state
func (l *RecordLayer) Phase() tlsPhase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Wait blocks until the handshake settles, timeout elapses or ctx ends
func (l *RecordLayer) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.established:
		return l.Err()
	case <-timer.C:
		l.mu.Lock()
		err := l.failLocked(ErrTLSHandshakeTimeout)
		l.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends close_notify if possible and releases the engine
func (l *RecordLayer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	out, err := l.engine.Close()
	if l.phase == tlsEstablished && len(out) > 0 && l.under.Active() {
		_ = l.under.Send(out)
	}
	if l.phase != tlsFailed {
		l.phase = tlsFailed
		l.err = ErrTLSClosed
		l.settle()
	}
	return err
}

func (l *RecordLayer) sendLocked(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	return l.under.Send(out)
}

func (l *RecordLayer) establishLocked() {
	l.phase = tlsEstablished
	l.log.Debug().Int("records", l.attempts).Msg("TLS handshake complete")
	l.settle()
}

func (l *RecordLayer) failLocked(err error) error {
	if l.phase == tlsFailed {
		return l.err
	}
	for l.records.Length() > 0 {
		l.records.Remove()
	}
	l.phase = tlsFailed
	l.err = err
	l.log.Debug().Err(err).Msg("TLS session failed")
	l.settle()
	return err
}

func (l *RecordLayer) settle() {
	l.settled.Do(func() { close(l.established) })
}
