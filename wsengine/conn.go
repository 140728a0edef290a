package wsengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBufferSize     = 32 * 1024 // 32KB read buffer
	DefaultConnectTimeout = 10 * time.Second
)

// NetTransport wraps a net.Conn with mutex-protected writes and a read loop
// that hands every chunk to a Receiver
type NetTransport struct {
	conn   net.Conn
	log    zerolog.Logger
	mu     sync.Mutex
	closed atomic.Bool
}

// NewNetTransport wraps conn
func NewNetTransport(conn net.Conn, logger zerolog.Logger) *NetTransport {
	return &NetTransport{conn: conn, log: logger}
}

// Send performs a thread-safe write of p
func (t *NetTransport) Send(p []byte) error {
	if t.closed.Load() {
		return ErrTransportUnavailable
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(p)
	if err != nil {
		t.closed.Store(true)
	}
	return err
}

// Active reports whether the connection is still usable
func (t *NetTransport) Active() bool {
	return !t.closed.Load()
}

// RemoteAddr returns the peer address of the underlying connection
func (t *NetTransport) RemoteAddr() PeerAddr {
	return PeerAddrFromNet(t.conn.RemoteAddr())
}

// Run reads until the connection fails or ctx ends. Each chunk is copied
// before delivery. A clean EOF returns nil.
func (t *NetTransport) Run(ctx context.Context, r Receiver) error {
	stop := context.AfterFunc(ctx, func() { t.conn.Close() })
	defer stop()

	buf := make([]byte, DefaultBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.log.Trace().Int("len", n).Msg("Transport received")
			r.OnReceive(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			t.closed.Store(true)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			return err
		}
	}
}

// Close closes the underlying connection
func (t *NetTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// dialAddress returns host:port for u, defaulting the port by scheme
func dialAddress(u *url.URL) (string, error) {
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("missing host in %q", u.String())
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		case "ws", "http":
			port = "80"
		default:
			return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
	}
	return net.JoinHostPort(host, port), nil
}

// DialTransport opens a TCP connection to the host named by u. TLS is not
// applied here; the client layers it above the transport when configured.
func DialTransport(ctx context.Context, u *url.URL, logger zerolog.Logger) (*NetTransport, error) {
	addr, err := dialAddress(u)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: DefaultConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	logger.Debug().Str("addr", addr).Msg("Transport connected")
	return NewNetTransport(conn, logger), nil
}
