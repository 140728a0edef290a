package wsengine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testWait = 5 * time.Second

// createPrefixedLogger creates a zerolog.Logger with customized level prefixes
func createPrefixedLogger(prefix string) zerolog.Logger {
	return createPrefixedLoggerWithLevel(prefix, zerolog.WarnLevel)
}

// createPrefixedLoggerWithLevel creates a zerolog.Logger with customized level prefixes and specified log level
func createPrefixedLoggerWithLevel(prefix string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out: os.Stdout,
		FormatLevel: func(i interface{}) string {
			logLevel, _ := i.(string)
			switch logLevel {
			case "trace":
				return fmt.Sprintf("%s TRC", prefix)
			case "debug":
				return fmt.Sprintf("%s DBG", prefix)
			case "info":
				return fmt.Sprintf("%s INF", prefix)
			case "warn":
				return fmt.Sprintf("%s WRN", prefix)
			case "error":
				return fmt.Sprintf("%s ERR", prefix)
			default:
				return fmt.Sprintf("%s %s", prefix, logLevel)
			}
		},
	}).Level(level).With().Timestamp().Logger()
}

// getFreePort returns a free port number
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// testCertificate creates a self-signed ECDSA certificate for localhost and
// a pool that trusts it
func testCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(parsed)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: parsed}, pool
}

// loopback is an in-memory Transport that delivers everything it is sent to
// a callback on its own goroutine, optionally split into fixed-size chunks
type loopback struct {
	deliver func([]byte)
	chunk   int
	ch      chan []byte
	active  atomic.Bool
	quit    chan struct{}
	once    sync.Once
}

func newLoopback(chunk int, deliver func([]byte)) *loopback {
	l := &loopback{
		deliver: deliver,
		chunk:   chunk,
		ch:      make(chan []byte, 4096),
		quit:    make(chan struct{}),
	}
	l.active.Store(true)
	go l.run()
	return l
}

func (l *loopback) run() {
	for {
		select {
		case p := <-l.ch:
			l.deliver(p)
		case <-l.quit:
			return
		}
	}
}

func (l *loopback) Send(p []byte) error {
	if !l.active.Load() {
		return ErrTransportUnavailable
	}
	size := l.chunk
	if size <= 0 {
		size = len(p)
	}
	for len(p) > 0 {
		n := min(size, len(p))
		select {
		case l.ch <- append([]byte(nil), p[:n]...):
		case <-l.quit:
			return ErrTransportUnavailable
		}
		p = p[n:]
	}
	return nil
}

func (l *loopback) Active() bool {
	return l.active.Load()
}

func (l *loopback) Close() {
	l.once.Do(func() {
		l.active.Store(false)
		close(l.quit)
	})
}

// sendRecorder is a Transport that keeps everything it is sent
type sendRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
	active atomic.Bool
}

func newSendRecorder() *sendRecorder {
	r := &sendRecorder{}
	r.active.Store(true)
	return r
}

func (r *sendRecorder) Send(p []byte) error {
	if !r.active.Load() {
		return ErrTransportUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, append([]byte(nil), p...))
	return nil
}

func (r *sendRecorder) Active() bool {
	return r.active.Load()
}

func (r *sendRecorder) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// since returns the chunks sent after the first n
func (r *sendRecorder) since(n int) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.chunks) {
		return nil
	}
	return append([][]byte(nil), r.chunks[n:]...)
}

func (r *sendRecorder) last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) == 0 {
		return nil
	}
	return r.chunks[len(r.chunks)-1]
}

// statusRecorder is a StatusSink that keeps every reported status
type statusRecorder struct {
	mu    sync.Mutex
	codes []Status
}

func (r *statusRecorder) ReportStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, s)
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.codes...)
}

func (r *statusRecorder) has(s Status) bool {
	for _, c := range r.all() {
		if c == s {
			return true
		}
	}
	return false
}

// messageSink collects messages delivered to a MessageHandler
type messageSink struct {
	ch chan Message
}

func newMessageSink() *messageSink {
	return &messageSink{ch: make(chan Message, 64)}
}

func (s *messageSink) handle(m Message) {
	s.ch <- m
}

func (s *messageSink) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(testWait):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func (s *messageSink) empty() bool {
	return len(s.ch) == 0
}

// testNetwork is a PeerTransport that links a Server to in-memory clients
type testNetwork struct {
	chunk  int
	server *Server

	mu    sync.Mutex
	links map[string]*loopback
}

func newTestNetwork(chunk int) *testNetwork {
	return &testNetwork{chunk: chunk, links: make(map[string]*loopback)}
}

func (n *testNetwork) SendTo(addr PeerAddr, p []byte) error {
	n.mu.Lock()
	l, ok := n.links[addr.IP]
	n.mu.Unlock()
	if !ok {
		return ErrTransportUnavailable
	}
	return l.Send(p)
}

func (n *testNetwork) Active() bool {
	return true
}

// serve creates the network's server
func (n *testNetwork) serve(t *testing.T, opt *ServerOption, handler MessageHandler) *Server {
	t.Helper()
	n.server = NewServer(n, opt, handler)
	t.Cleanup(n.server.Close)
	return n.server
}

// dial creates a client at addr whose transport reaches the network's server.
// The returned loopback carries client to server traffic.
func (n *testNetwork) dial(t *testing.T, addr PeerAddr, opt *ClientOption, handler MessageHandler) (*Client, *loopback) {
	t.Helper()
	var client *Client
	down := newLoopback(n.chunk, func(p []byte) { client.OnReceive(p) })
	up := newLoopback(n.chunk, func(p []byte) { n.server.OnReceive(addr, p) })
	n.mu.Lock()
	n.links[addr.IP] = down
	n.mu.Unlock()
	t.Cleanup(func() {
		up.Close()
		down.Close()
	})
	client = NewClient(up, opt, handler)
	return client, up
}
