package wsengine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ServerOption represents configuration options for Server
type ServerOption struct {
	Host                 string
	Port                 int
	URI                  string
	BasicAuth            *BasicAuth
	TLSConfig            *tls.Config
	FrameOpcode          Opcode
	KeepAliveInterval    time.Duration
	PongTimeout          time.Duration
	TLSHandshakeAttempts int
	Logger               zerolog.Logger
	StatusSink           StatusSink
}

// DefaultServerOption returns default server options
func DefaultServerOption() *ServerOption {
	return &ServerOption{
		Host:                 "0.0.0.0",
		Port:                 8765,
		URI:                  "/",
		FrameOpcode:          OpText,
		KeepAliveInterval:    DefaultKeepAliveInterval,
		PongTimeout:          DefaultPongTimeout,
		TLSHandshakeAttempts: DefaultTLSHandshakeAttempts,
		Logger:               zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

// WithHost sets the listen host
func (o *ServerOption) WithHost(host string) *ServerOption {
	o.Host = host
	return o
}

// WithPort sets the listen port
func (o *ServerOption) WithPort(port int) *ServerOption {
	o.Port = port
	return o
}

// WithURI sets the path clients must request to upgrade
func (o *ServerOption) WithURI(uri string) *ServerOption {
	o.URI = uri
	return o
}

// WithBasicAuth requires clients to present these credentials
func (o *ServerOption) WithBasicAuth(username, password string) *ServerOption {
	o.BasicAuth = &BasicAuth{Username: username, Password: password}
	return o
}

// WithTLS makes every peer speak TLS; cfg must carry a certificate
func (o *ServerOption) WithTLS(cfg *tls.Config) *ServerOption {
	o.TLSConfig = cfg
	return o
}

// WithFrameOpcode sets the opcode used for peers that have not sent a message yet
func (o *ServerOption) WithFrameOpcode(op Opcode) *ServerOption {
	o.FrameOpcode = op
	return o
}

// WithKeepAliveInterval sets the idle time before a peer is pinged, 0 disables it
func (o *ServerOption) WithKeepAliveInterval(interval time.Duration) *ServerOption {
	o.KeepAliveInterval = interval
	return o
}

// WithPongTimeout sets how long a ping waits for its pong
func (o *ServerOption) WithPongTimeout(timeout time.Duration) *ServerOption {
	o.PongTimeout = timeout
	return o
}

// WithTLSHandshakeAttempts caps the handshake records accepted from one peer
func (o *ServerOption) WithTLSHandshakeAttempts(n int) *ServerOption {
	o.TLSHandshakeAttempts = n
	return o
}

// WithLogger sets the logger instance
func (o *ServerOption) WithLogger(logger zerolog.Logger) *ServerOption {
	o.Logger = logger
	return o
}

// WithStatusSink sets where peer failures are reported
func (o *ServerOption) WithStatusSink(sink StatusSink) *ServerOption {
	o.StatusSink = sink
	return o
}

// Server serves many peers over one PeerTransport. Inbound bytes for
// different peers may arrive concurrently; bytes of one peer must arrive in
// order. The handler may be called concurrently for different peers.
type Server struct {
	transport PeerTransport
	handler   MessageHandler
	opt       ServerOption
	log       zerolog.Logger
	status    StatusSink
	registry  *Registry
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewServer creates a server
func NewServer(transport PeerTransport, opt *ServerOption, handler MessageHandler) *Server {
	if opt == nil {
		opt = DefaultServerOption()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		transport: transport,
		handler:   handler,
		opt:       *opt,
		log:       opt.Logger,
		status:    opt.StatusSink,
		registry:  NewRegistry(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	if s.status == nil {
		s.status = LogStatusSink{Log: s.log}
	}
	return s
}

// Registry exposes the peer registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// OnReceive consumes bytes delivered by the transport for addr
func (s *Server) OnReceive(addr PeerAddr, p []byte) {
	if s.closed.Load() {
		return
	}
	now := s.now()

	peer, ok := s.registry.Lookup(addr.IP)
	if !ok || s.startsNewSession(peer, addr, p) {
		peer = s.newPeer(addr, now)
	}
	s.registry.Touch(peer, now)

	if peer.tls != nil {
		if err := peer.tls.Receive(p); err != nil {
			s.evict(peer, StatusTLSFailed, err)
		}
		return
	}
	s.receivePlain(peer, p)
}

// startsNewSession reports whether p opens a new session for an IP that is
// already registered: a fresh upgrade request on a connected plaintext peer
// or from a new port, or a TLS ClientHello from a new port.
func (s *Server) startsNewSession(peer *PeerConnection, addr PeerAddr, p []byte) bool {
	if s.opt.TLSConfig != nil {
		return addr.Port != peer.Addr.Port && len(p) > 0 && p[0] == 0x16
	}
	if !bytes.HasPrefix(p, []byte("GET ")) {
		return false
	}
	return addr.Port != peer.Addr.Port || peer.State() == StateConnected
}

func (s *Server) newPeer(addr PeerAddr, now time.Time) *PeerConnection {
	peer := newPeerConnection(addr, s.opt.TLSConfig != nil, now)
	peer.keepalive = NewKeepAlive(func(op Opcode, payload []byte) error {
		return s.writeFrame(peer, op, payload)
	}, s.opt.PongTimeout)

	log := s.log.With().Str("peer", addr.String()).Str("id", peer.ID.String()).Logger()
	if s.opt.TLSConfig != nil {
		sender := peerSender{transport: s.transport, addr: addr}
		peer.tls = NewRecordLayer(sender, NewStdEngine(s.opt.TLSConfig, RoleServer), s.opt.TLSHandshakeAttempts, log,
			func(plain []byte) { s.receivePlain(peer, plain) })
		if err := peer.tls.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start TLS session")
		}
	}

	if old := s.registry.Upsert(peer); old != nil {
		log.Debug().Msg("Peer reconnected, discarding previous session")
		old.teardown()
	} else {
		log.Debug().Msg("New peer")
	}
	return peer
}

func (s *Server) receivePlain(peer *PeerConnection, p []byte) {
	peer.mu.Lock()
	msgs, abort := s.receiveLocked(peer, p)
	peer.mu.Unlock()

	for _, m := range msgs {
		if s.handler != nil {
			s.handler(m)
		}
	}
	if abort != nil {
		s.evict(peer, abort.status, abort.err)
		if len(abort.rest) > 0 && peer.tls == nil {
			s.OnReceive(peer.Addr, abort.rest)
		}
	}
}

func (s *Server) receiveLocked(peer *PeerConnection, p []byte) ([]Message, *abortAction) {
	if peer.state.is(StateTLSHandshaking) {
		_ = peer.state.transition(StateHandshakeReceived)
	}

	peer.buffer = append(peer.buffer, p...)
	if peer.state.is(StateHandshakeReceived) {
		policy := UpgradePolicy{URI: s.opt.URI, Auth: s.opt.BasicAuth}
		req, n, err := ParseUpgradeRequest(peer.buffer, policy)
		if err != nil {
			status := 0
			var herr *HandshakeError
			if errors.As(err, &herr) {
				status = herr.Status
			}
			if werr := s.writeRaw(peer, BuildRejectResponse(status)); werr != nil {
				s.log.Debug().Err(werr).Msg("Failed to send reject response")
			}
			return nil, &abortAction{status: StatusHandshakeFailed, err: err}
		}
		if req == nil {
			return nil, nil
		}
		if err := s.writeRaw(peer, BuildAcceptResponse(req.Key)); err != nil {
			return nil, &abortAction{status: StatusConnectFailed, err: err}
		}
		_ = peer.state.transition(StateConnected)
		peer.buffer = append([]byte(nil), peer.buffer[n:]...)
		s.log.Info().Str("peer", peer.Addr.String()).Str("path", req.Path).Msg("Peer connected")
	}

	var msgs []Message
	for len(peer.buffer) > 0 {
		f, n, err := DecodeFrame(peer.buffer)
		if err != nil {
			_ = s.writeClose(peer, CloseProtocolError)
			return msgs, &abortAction{status: StatusProtocolError, err: err}
		}
		if n == 0 {
			break
		}
		peer.buffer = peer.buffer[n:]
		s.log.Trace().Str("peer", peer.Addr.String()).Str("opcode", f.Opcode.String()).Int("len", len(f.Payload)).Msg("Frame received")

		switch f.Opcode {
		case OpPing:
			if err := peer.keepalive.HandlePing(f.Payload); err != nil {
				s.log.Debug().Err(err).Str("peer", peer.Addr.String()).Msg("Failed to answer ping")
			}
		case OpPong:
			peer.keepalive.HandlePong(f.Payload)
		case OpClose:
			code, reason := ParseClosePayload(f.Payload)
			s.log.Debug().Str("peer", peer.Addr.String()).Int("code", code).Str("reason", reason).Msg("Peer closed the connection")
			_ = s.writeClose(peer, code)
			return msgs, &abortAction{rest: append([]byte(nil), peer.buffer...)}
		default:
			m, err := peer.reassembler.Push(f)
			if err != nil {
				code := CloseProtocolError
				if errors.Is(err, ErrMessageTooLarge) {
					code = CloseMessageTooBig
				}
				_ = s.writeClose(peer, code)
				return msgs, &abortAction{status: StatusProtocolError, err: err}
			}
			if m != nil {
				addr := peer.Addr
				m.Peer = &addr
				peer.opcode = m.Type
				msgs = append(msgs, *m)
			}
		}
	}
	if len(peer.buffer) == 0 {
		peer.buffer = nil
	}
	return msgs, nil
}

// evict removes peer if it is still registered. A zero status is a clean close.
func (s *Server) evict(peer *PeerConnection, status Status, err error) {
	if !s.registry.removeIf(peer) {
		return
	}
	peer.teardown()
	if d, ok := s.transport.(PeerDisconnector); ok {
		d.Disconnect(peer.Addr)
	}

	if status == 0 {
		s.log.Debug().Str("peer", peer.Addr.String()).Msg("Peer removed")
		return
	}
	s.log.Warn().Err(err).Str("peer", peer.Addr.String()).Str("status", status.String()).Msg("Peer evicted")
	s.status.ReportStatus(status)
}

// teardown releases the peer's TLS session
func (p *PeerConnection) teardown() {
	if p.tls != nil {
		_ = p.tls.Close()
	}
}

// OnDisconnect must be called when the transport loses a peer connection.
// A zero port matches any connection from the IP.
func (s *Server) OnDisconnect(addr PeerAddr) {
	peer, ok := s.registry.Lookup(addr.IP)
	if !ok {
		return
	}
	if addr.Port != 0 && peer.Addr.Port != addr.Port {
		return
	}
	s.evict(peer, 0, nil)
}

// SendText sends a text message to addr
func (s *Server) SendText(addr PeerAddr, p []byte) error {
	return s.sendTo(addr, OpText, p)
}

// SendBinary sends a binary message to addr
func (s *Server) SendBinary(addr PeerAddr, p []byte) error {
	return s.sendTo(addr, OpBinary, p)
}

// Send sends p to addr using the type of the last message that peer sent,
// or the configured opcode if it has not sent one
func (s *Server) Send(addr PeerAddr, p []byte) error {
	return s.sendTo(addr, 0, p)
}

func (s *Server) sendTo(addr PeerAddr, op Opcode, p []byte) error {
	peer, ok := s.registry.Lookup(addr.IP)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	peer.mu.Lock()
	connected := peer.state.is(StateConnected)
	if op == 0 {
		op = peer.opcode
	}
	peer.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	if op == 0 {
		op = s.opt.FrameOpcode
	}
	return s.writeFrame(peer, op, p)
}

// SendPing pings addr and reports whether a matching pong came back in time.
// A missing or wrong pong evicts the peer; a canceled ctx only returns false.
func (s *Server) SendPing(ctx context.Context, addr PeerAddr, payload []byte) bool {
	peer, ok := s.registry.Lookup(addr.IP)
	if !ok || peer.State() != StateConnected {
		return false
	}
	if !s.registry.beginPing(peer) {
		s.log.Debug().Str("peer", addr.String()).Msg("Ping already in flight")
		return false
	}
	err := peer.keepalive.Ping(ctx, payload)
	if err != nil && ctx.Err() == nil {
		s.evict(peer, StatusHandshakeFailed, err)
		return false
	}
	s.registry.endPing(peer, s.now())
	if err != nil {
		s.log.Debug().Err(err).Str("peer", addr.String()).Msg("Ping abandoned")
		return false
	}
	return true
}

// Sweep pings every connected peer idle for the keepalive interval and
// evicts peers that stayed idle that long without finishing their handshake.
// It never waits for a pong; each ping runs on its own goroutine and evicts
// on failure.
func (s *Server) Sweep(now time.Time) {
	interval := s.opt.KeepAliveInterval
	if interval <= 0 || s.closed.Load() {
		return
	}
	for _, peer := range s.registry.Due(interval, now) {
		if peer.State() != StateConnected {
			s.evict(peer, StatusHandshakeFailed, ErrHandshakeTimeout)
			continue
		}
		if !s.registry.beginPing(peer) {
			continue
		}
		go s.keepAlivePeer(peer)
	}
}

func (s *Server) keepAlivePeer(peer *PeerConnection) {
	payload := []byte(strconv.FormatInt(s.now().UnixNano(), 36))
	err := peer.keepalive.Ping(s.ctx, payload)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.evict(peer, StatusHandshakeFailed, err)
		return
	}
	s.registry.endPing(peer, s.now())
	s.log.Trace().Str("peer", peer.Addr.String()).Dur("rtt", peer.keepalive.LastRTT()).Msg("Heartbeat: Sent ping, received pong")
}

// NextSweep returns when the next peer becomes due for Sweep
func (s *Server) NextSweep() (time.Time, bool) {
	if s.opt.KeepAliveInterval <= 0 {
		return time.Time{}, false
	}
	peer, deadline := s.registry.NextTimeout(s.opt.KeepAliveInterval)
	return deadline, peer != nil
}

// Peers returns a snapshot of the registered peers
func (s *Server) Peers() []PeerInfo {
	return s.registry.Peers()
}

// Close sends going-away close frames to connected peers and drops them all
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	for _, peer := range s.registry.Clear() {
		if peer.State() == StateConnected {
			_ = s.writeClose(peer, CloseGoingAway)
		}
		peer.teardown()
	}
	s.log.Info().Msg("Server stopped")
}

func (s *Server) writeClose(peer *PeerConnection, code int) error {
	f, err := EncodeClose(code, "", RoleServer)
	if err != nil {
		return err
	}
	return s.writeRaw(peer, f)
}

func (s *Server) writeFrame(peer *PeerConnection, op Opcode, payload []byte) error {
	f, err := EncodeFrame(op, payload, true, RoleServer)
	if err != nil {
		return err
	}
	return s.writeRaw(peer, f)
}

func (s *Server) writeRaw(peer *PeerConnection, p []byte) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	if peer.tls != nil {
		return peer.tls.Send(p)
	}
	if !s.transport.Active() {
		return ErrTransportUnavailable
	}
	return s.transport.SendTo(peer.Addr, p)
}
