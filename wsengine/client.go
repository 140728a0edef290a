package wsengine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Client errors
var (
	ErrNotConnected = errors.New("websocket: connection is not established")
	ErrBadScheme    = errors.New("websocket: URL scheme must be ws, wss, http or https")
)

// ClientOption represents configuration options for Client
type ClientOption struct {
	URL                  string
	Open                 bool
	BasicAuth            *BasicAuth
	TLS                  bool
	TLSConfig            *tls.Config
	FrameOpcode          Opcode
	FragmentSize         int
	KeepAliveInterval    time.Duration
	HandshakeTimeout     time.Duration
	PongTimeout          time.Duration
	TLSHandshakeAttempts int
	Logger               zerolog.Logger
	StatusSink           StatusSink
}

// DefaultClientOption returns default client options
func DefaultClientOption() *ClientOption {
	return &ClientOption{
		URL:                  "ws://localhost:8765/",
		Open:                 true,
		FrameOpcode:          OpText,
		KeepAliveInterval:    DefaultKeepAliveInterval,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		PongTimeout:          DefaultPongTimeout,
		TLSHandshakeAttempts: DefaultTLSHandshakeAttempts,
		Logger:               zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

// WithURL sets the WebSocket server URL
func (o *ClientOption) WithURL(url string) *ClientOption {
	o.URL = url
	return o
}

// WithOpen sets whether Open should connect at all
func (o *ClientOption) WithOpen(open bool) *ClientOption {
	o.Open = open
	return o
}

// WithBasicAuth sets credentials sent in the Authorization header
func (o *ClientOption) WithBasicAuth(username, password string) *ClientOption {
	o.BasicAuth = &BasicAuth{Username: username, Password: password}
	return o
}

// WithTLS enables TLS below the WebSocket layer. A nil config uses defaults
// with the server name taken from the URL.
func (o *ClientOption) WithTLS(enabled bool, cfg *tls.Config) *ClientOption {
	o.TLS = enabled
	o.TLSConfig = cfg
	return o
}

// WithFrameOpcode sets the opcode used by Send
func (o *ClientOption) WithFrameOpcode(op Opcode) *ClientOption {
	o.FrameOpcode = op
	return o
}

// WithFragmentSize splits outbound messages into frames of at most size bytes
func (o *ClientOption) WithFragmentSize(size int) *ClientOption {
	o.FragmentSize = size
	return o
}

// WithKeepAliveInterval sets the ping interval, 0 disables keepalive
func (o *ClientOption) WithKeepAliveInterval(interval time.Duration) *ClientOption {
	o.KeepAliveInterval = interval
	return o
}

// WithHandshakeTimeout sets how long to wait for the upgrade response
func (o *ClientOption) WithHandshakeTimeout(timeout time.Duration) *ClientOption {
	o.HandshakeTimeout = timeout
	return o
}

// WithPongTimeout sets how long a ping waits for its pong
func (o *ClientOption) WithPongTimeout(timeout time.Duration) *ClientOption {
	o.PongTimeout = timeout
	return o
}

// WithTLSHandshakeAttempts caps the handshake records accepted per attempt
func (o *ClientOption) WithTLSHandshakeAttempts(n int) *ClientOption {
	o.TLSHandshakeAttempts = n
	return o
}

// WithLogger sets the logger instance
func (o *ClientOption) WithLogger(logger zerolog.Logger) *ClientOption {
	o.Logger = logger
	return o
}

// WithStatusSink sets where status codes are reported
func (o *ClientOption) WithStatusSink(sink StatusSink) *ClientOption {
	o.StatusSink = sink
	return o
}

// Client is one client-role WebSocket connection over a Transport. The
// owner feeds inbound bytes through OnReceive.
type Client struct {
	ID uuid.UUID

	transport Transport
	handler   MessageHandler
	opt       ClientOption
	log       zerolog.Logger
	status    StatusSink
	keepalive *KeepAlive

	mu          sync.Mutex
	state       stateMachine
	buffer      []byte
	reassembler *Reassembler
	key         string
	handshake   chan error
	stopPing    context.CancelFunc
	session     uint64

	tlsLayer atomic.Pointer[RecordLayer]
	writeMu  sync.Mutex
}

// NewClient creates a client that is not yet connected
func NewClient(transport Transport, opt *ClientOption, handler MessageHandler) *Client {
	if opt == nil {
		opt = DefaultClientOption()
	}
	c := &Client{
		ID:          uuid.New(),
		transport:   transport,
		handler:     handler,
		opt:         *opt,
		state:       newClientStateMachine(),
		reassembler: NewReassembler(0),
	}
	c.log = opt.Logger.With().Str("id", c.ID.String()).Logger()
	c.status = opt.StatusSink
	if c.status == nil {
		c.status = LogStatusSink{Log: c.log}
	}
	c.keepalive = NewKeepAlive(c.writeControl, opt.PongTimeout)
	return c
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.current()
}

// Open applies the configuration and, if it asks for an open connection,
// runs the TLS and WebSocket handshakes. It blocks until the connection is
// established or the attempt failed; the outcome is also reported to the
// status sink.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()

	if c.state.is(StateConnected) {
		// tell the peer before dropping the logical channel
		if err := c.writeCloseLocked(CloseGoingAway, "reconfigured"); err != nil {
			c.log.Debug().Err(err).Msg("Failed to send close frame")
		}
		_ = c.state.transition(StateInit)
	}
	c.teardownLocked()

	u, err := url.Parse(c.opt.URL)
	if err == nil && !validScheme(u.Scheme) {
		err = fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}
	if err == nil && u.Host == "" {
		err = fmt.Errorf("missing host in %q", c.opt.URL)
	}
	if err != nil {
		c.state.reset()
		c.mu.Unlock()
		c.log.Error().Err(err).Str("url", c.opt.URL).Msg("Invalid WebSocket URL")
		c.status.ReportStatus(StatusMisconfigured)
		return err
	}

	if !c.opt.Open {
		c.state.reset()
		c.mu.Unlock()
		c.status.ReportStatus(StatusInactive)
		return nil
	}

	if !c.transport.Active() {
		c.state.reset()
		c.mu.Unlock()
		c.log.Warn().Str("url", c.opt.URL).Msg("Transport is not active")
		c.status.ReportStatus(StatusConnectFailed)
		return ErrTransportUnavailable
	}

	c.state.reset()
	c.log.Info().Str("url", c.opt.URL).Msg("WebSocket client is connecting to")

	if c.opt.TLS || u.Scheme == "wss" || u.Scheme == "https" {
		layer, err := c.startTLSLocked(u)
		c.mu.Unlock()
		if err == nil {
			err = layer.Wait(ctx, c.opt.HandshakeTimeout)
		}
		if err != nil {
			c.fail(StatusTLSFailed, err)
			return err
		}
		c.mu.Lock()
		if err := c.state.transition(StateInit); err != nil {
			// a transport loss raced the TLS handshake
			c.mu.Unlock()
			c.fail(StatusConnectFailed, err)
			return err
		}
	} else {
		_ = c.state.transition(StateInit)
	}

	key, err := NewChallengeKey()
	if err != nil {
		c.mu.Unlock()
		c.fail(StatusHandshakeFailed, err)
		return err
	}
	c.key = key
	done := make(chan error, 1)
	c.handshake = done
	_ = c.state.transition(StateHandshakeSent)
	req := BuildClientRequest(u, c.opt.BasicAuth, key)
	err = c.writeRaw(req)
	c.mu.Unlock()
	if err != nil {
		c.fail(StatusConnectFailed, err)
		return err
	}
	c.log.Debug().Str("path", requestPath(u)).Msg("Upgrade request sent")

	timer := time.NewTimer(c.opt.HandshakeTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		err = ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("WebSocket handshake failed")
		c.fail(StatusHandshakeFailed, err)
		return err
	}

	c.startKeepAlive()
	c.log.Info().Str("url", c.opt.URL).Msg("WebSocket connection established")
	c.status.ReportStatus(StatusActive)
	return nil
}

func validScheme(scheme string) bool {
	switch scheme {
	case "ws", "wss", "http", "https":
		return true
	}
	return false
}

func (c *Client) startTLSLocked(u *url.URL) (*RecordLayer, error) {
	_ = c.state.transition(StateTLSHandshaking)

	cfg := c.opt.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = u.Hostname()
	}

	layer := NewRecordLayer(c.transport, NewStdEngine(cfg, RoleClient), c.opt.TLSHandshakeAttempts, c.log, c.receivePlain)
	c.tlsLayer.Store(layer)
	c.log.Debug().Str("server", cfg.ServerName).Msg("Starting TLS handshake")
	return layer, layer.Start()
}

// Close sends a close frame if connected and resets the connection
func (c *Client) Close() error {
	c.mu.Lock()
	var err error
	if c.state.is(StateConnected) {
		err = c.writeCloseLocked(CloseNormalClosure, "")
	}
	c.teardownLocked()
	c.state.reset()
	c.mu.Unlock()

	c.status.ReportStatus(StatusInactive)
	c.log.Info().Msg("Client stopped")
	return err
}

// OnTransportDown must be called when the underlying transport is lost
func (c *Client) OnTransportDown() {
	c.mu.Lock()
	wasUnknown := c.state.is(StateUnknown)
	c.signalHandshakeLocked(ErrTransportUnavailable)
	c.teardownLocked()
	c.state.reset()
	c.mu.Unlock()

	if !wasUnknown {
		c.log.Warn().Msg("Transport lost")
		c.status.ReportStatus(StatusConnectFailed)
	}
}

// OnReceive consumes bytes delivered by the transport
func (c *Client) OnReceive(p []byte) {
	if layer := c.tlsLayer.Load(); layer != nil {
		if err := layer.Receive(p); err != nil && layer.Phase() == tlsFailed {
			// handshake failures are reported by Open
			if st := c.State(); st == StateUnknown || st == StateTLSHandshaking {
				return
			}
			if errors.Is(err, ErrTLSClosed) {
				c.fail(StatusInactive, err)
				return
			}
			c.fail(StatusTLSFailed, err)
		}
		return
	}
	c.receivePlain(p)
}

func (c *Client) receivePlain(p []byte) {
	c.mu.Lock()
	msgs, abort := c.receiveLocked(p)
	c.mu.Unlock()

	for _, m := range msgs {
		if c.handler != nil {
			c.handler(m)
		}
	}
	if abort != nil {
		c.log.Warn().Err(abort.err).Str("status", abort.status.String()).Msg("Connection reset")
		c.fail(abort.status, abort.err)
	}
}

type abortAction struct {
	status Status
	err    error
	rest   []byte // bytes after a close frame, replayed as a new session
}

func (c *Client) receiveLocked(p []byte) ([]Message, *abortAction) {
	switch c.state.current() {
	case StateHandshakeSent:
		c.buffer = skipStaleFrames(append(c.buffer, p...))
		head, rest, ok := SplitHandshake(c.buffer)
		if !ok {
			if len(c.buffer) > MaxHandshakeSize {
				c.signalHandshakeLocked(ErrHandshakeTooLarge)
			}
			return nil, nil
		}
		_ = c.state.transition(StateHandshakeReceived)
		if err := ValidateServerResponse(head, c.key); err != nil {
			c.signalHandshakeLocked(err)
			return nil, nil
		}
		_ = c.state.transition(StateConnected)
		c.buffer = append([]byte(nil), rest...)
		c.signalHandshakeLocked(nil)
	case StateConnected:
		c.buffer = append(c.buffer, p...)
	default:
		c.log.Trace().Int("len", len(p)).Str("state", c.state.current().String()).Msg("Dropping unexpected bytes")
		return nil, nil
	}
	return c.processFramesLocked()
}

// skipStaleFrames drops complete frames left over from a previous session,
// such as the close reply to a reconfiguration, that precede the upgrade
// response
func skipStaleFrames(buf []byte) []byte {
	for len(buf) > 0 && buf[0] != 'H' {
		_, n, err := DecodeFrame(buf)
		if err != nil || n == 0 {
			break
		}
		buf = buf[n:]
	}
	return buf
}

func (c *Client) processFramesLocked() ([]Message, *abortAction) {
	var msgs []Message
	for len(c.buffer) > 0 {
		f, n, err := DecodeFrame(c.buffer)
		if err != nil {
			_ = c.writeCloseLocked(CloseProtocolError, "")
			return msgs, &abortAction{status: StatusProtocolError, err: err}
		}
		if n == 0 {
			break
		}
		c.buffer = c.buffer[n:]
		c.log.Trace().Str("opcode", f.Opcode.String()).Int("len", len(f.Payload)).Bool("fin", f.Fin).Msg("Frame received")

		switch f.Opcode {
		case OpPing:
			if err := c.writeControl(OpPong, f.Payload); err != nil {
				c.log.Debug().Err(err).Msg("Failed to answer ping")
			}
		case OpPong:
			c.keepalive.HandlePong(f.Payload)
		case OpClose:
			code, reason := ParseClosePayload(f.Payload)
			c.log.Info().Int("code", code).Str("reason", reason).Msg("Server closed the connection")
			_ = c.writeCloseLocked(code, "")
			return msgs, &abortAction{status: StatusInactive}
		default:
			m, err := c.reassembler.Push(f)
			if err != nil {
				code := CloseProtocolError
				if errors.Is(err, ErrMessageTooLarge) {
					code = CloseMessageTooBig
				}
				_ = c.writeCloseLocked(code, "")
				return msgs, &abortAction{status: StatusProtocolError, err: err}
			}
			if m != nil {
				msgs = append(msgs, *m)
			}
		}
	}
	if len(c.buffer) == 0 {
		c.buffer = nil
	}
	return msgs, nil
}

func (c *Client) signalHandshakeLocked(err error) {
	if c.handshake == nil {
		return
	}
	select {
	case c.handshake <- err:
	default:
	}
	c.handshake = nil
}

// fail resets the connection and reports status
func (c *Client) fail(status Status, err error) {
	c.mu.Lock()
	c.resetLocked(err)
	c.mu.Unlock()
	c.status.ReportStatus(status)
}

// failSession is fail for a session that may have ended already; it does
// nothing once the connection was torn down or reopened
func (c *Client) failSession(session uint64, status Status, err error) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.resetLocked(err)
	c.mu.Unlock()
	c.status.ReportStatus(status)
}

func (c *Client) resetLocked(err error) {
	c.signalHandshakeLocked(err)
	c.teardownLocked()
	c.state.reset()
}

func (c *Client) teardownLocked() {
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	c.session++
	c.keepalive.Reset()
	if layer := c.tlsLayer.Swap(nil); layer != nil {
		_ = layer.Close()
	}
	c.buffer = nil
	c.key = ""
	c.reassembler.Reset()
}

// SendText sends a text message
func (c *Client) SendText(p []byte) error {
	return c.send(OpText, p)
}

// SendBinary sends a binary message
func (c *Client) SendBinary(p []byte) error {
	return c.send(OpBinary, p)
}

// Send sends p with the configured frame opcode
func (c *Client) Send(p []byte) error {
	return c.send(c.opt.FrameOpcode, p)
}

func (c *Client) send(op Opcode, p []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	frames, err := fragment(op, p, c.opt.FragmentSize, RoleClient)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		if err := c.sendWire(f); err != nil {
			return err
		}
	}
	return nil
}

// fragment encodes p as one frame, or as a fragmented sequence when size > 0
func fragment(op Opcode, p []byte, size int, role Role) ([][]byte, error) {
	if size <= 0 || len(p) <= size {
		f, err := EncodeFrame(op, p, true, role)
		if err != nil {
			return nil, err
		}
		return [][]byte{f}, nil
	}

	var frames [][]byte
	for off := 0; off < len(p); off += size {
		end := off + size
		if end > len(p) {
			end = len(p)
		}
		frameOp := OpContinuation
		if off == 0 {
			frameOp = op
		}
		f, err := EncodeFrame(frameOp, p[off:end], end == len(p), role)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// SendPing sends a ping and reports whether a matching pong came back in
// time. A missing or wrong pong resets the connection; a canceled ctx or a
// ping already in flight only returns false.
func (c *Client) SendPing(ctx context.Context, payload []byte) bool {
	c.mu.Lock()
	connected := c.state.is(StateConnected)
	session := c.session
	c.mu.Unlock()
	if !connected {
		return false
	}
	if err := c.keepalive.Ping(ctx, payload); err != nil {
		if errors.Is(err, ErrPingInFlight) || ctx.Err() != nil {
			c.log.Debug().Err(err).Msg("Ping abandoned")
			return false
		}
		c.log.Warn().Err(err).Msg("Ping failed")
		c.failSession(session, StatusHandshakeFailed, err)
		return false
	}
	c.log.Trace().Dur("rtt", c.keepalive.LastRTT()).Msg("Heartbeat: Sent ping, received pong")
	return true
}

func (c *Client) startKeepAlive() {
	if c.opt.KeepAliveInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// the server may already have closed the connection
	if !c.state.is(StateConnected) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPing = cancel
	go c.heartbeatHandler(ctx)
}

// heartbeatHandler maintains the connection with periodic pings
func (c *Client) heartbeatHandler(ctx context.Context) {
	ticker := time.NewTicker(c.opt.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 36))
			if err := c.keepalive.Ping(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrPingInFlight) {
					// a caller's SendPing owns the pong slot
					continue
				}
				c.log.Warn().Err(err).Msg("Heartbeat failed")
				c.fail(StatusHandshakeFailed, err)
				return
			}
			c.log.Trace().Dur("rtt", c.keepalive.LastRTT()).Msg("Heartbeat: Sent ping, received pong")
		}
	}
}

func (c *Client) writeControl(op Opcode, payload []byte) error {
	f, err := EncodeFrame(op, payload, true, RoleClient)
	if err != nil {
		return err
	}
	return c.writeRaw(f)
}

func (c *Client) writeCloseLocked(code int, reason string) error {
	f, err := EncodeClose(code, reason, RoleClient)
	if err != nil {
		return err
	}
	return c.writeRaw(f)
}

// writeRaw sends one complete unit of bytes without interleaving
func (c *Client) writeRaw(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendWire(p)
}

func (c *Client) sendWire(p []byte) error {
	if layer := c.tlsLayer.Load(); layer != nil {
		return layer.Send(p)
	}
	if !c.transport.Active() {
		return ErrTransportUnavailable
	}
	return c.transport.Send(p)
}
