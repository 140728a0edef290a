package wsengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const minSweepDelay = 10 * time.Millisecond

// TCPHost accepts TCP connections and routes their bytes to a Server. It is
// the server's PeerTransport: replies go to the latest connection seen from
// the peer's IP.
type TCPHost struct {
	log zerolog.Logger

	mu       sync.RWMutex
	conns    map[string]*hostConn
	listener net.Listener
	active   atomic.Bool
	ready    chan struct{}
}

type hostConn struct {
	addr      PeerAddr
	transport *NetTransport
}

// NewTCPHost creates a host that is not yet listening
func NewTCPHost(logger zerolog.Logger) *TCPHost {
	return &TCPHost{
		log:   logger,
		conns: make(map[string]*hostConn),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the listener is bound
func (h *TCPHost) Ready() <-chan struct{} {
	return h.ready
}

// Addr returns the bound listen address, nil before Ready
func (h *TCPHost) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// SendTo writes p to the latest connection from addr's IP
func (h *TCPHost) SendTo(addr PeerAddr, p []byte) error {
	h.mu.RLock()
	c, ok := h.conns[addr.IP]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransportUnavailable, addr)
	}
	return c.transport.Send(p)
}

// Active reports whether the host is listening
func (h *TCPHost) Active() bool {
	return h.active.Load()
}

// Disconnect closes the connection of addr if it is still the latest one for its IP
func (h *TCPHost) Disconnect(addr PeerAddr) {
	h.mu.RLock()
	c, ok := h.conns[addr.IP]
	h.mu.RUnlock()
	if ok && c.addr.Port == addr.Port {
		_ = c.transport.Close()
	}
}

// ListenAndServe listens on the server's configured host and port
func (h *TCPHost) ListenAndServe(ctx context.Context, srv *Server) error {
	addr := net.JoinHostPort(srv.opt.Host, fmt.Sprint(srv.opt.Port))
	return h.Serve(ctx, addr, srv)
}

// Serve listens on addr and runs the accept loop and the keepalive sweep
// until ctx ends or the listener fails
func (h *TCPHost) Serve(ctx context.Context, addr string, srv *Server) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	h.active.Store(true)
	defer h.active.Store(false)
	close(h.ready)

	h.log.Info().Str("listen", ln.Addr().String()).Msg("WebSocket server started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			go h.handleConn(gctx, conn, srv)
		}
	})
	g.Go(func() error {
		return h.sweepLoop(gctx, srv)
	})

	err = g.Wait()
	h.closeAll()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (h *TCPHost) handleConn(ctx context.Context, conn net.Conn, srv *Server) {
	t := NewNetTransport(conn, h.log)
	addr := t.RemoteAddr()
	c := &hostConn{addr: addr, transport: t}

	h.mu.Lock()
	h.conns[addr.IP] = c
	h.mu.Unlock()
	h.log.Debug().Str("peer", addr.String()).Msg("Accepted connection")

	err := t.Run(ctx, ReceiverFunc(func(p []byte) {
		srv.OnReceive(addr, p)
	}))
	if err != nil && ctx.Err() == nil {
		h.log.Debug().Err(err).Str("peer", addr.String()).Msg("Connection error")
	}

	h.mu.Lock()
	if h.conns[addr.IP] == c {
		delete(h.conns, addr.IP)
	}
	h.mu.Unlock()
	_ = t.Close()
	srv.OnDisconnect(addr)
}

// sweepLoop fires Server.Sweep whenever the next peer becomes due
func (h *TCPHost) sweepLoop(ctx context.Context, srv *Server) error {
	interval := srv.opt.KeepAliveInterval
	if interval <= 0 {
		return nil
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		wait := interval
		if next, ok := srv.NextSweep(); ok {
			wait = time.Until(next)
		}
		if wait < minSweepDelay {
			wait = minSweepDelay
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			srv.Sweep(time.Now())
		}
	}
}

func (h *TCPHost) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ip, c := range h.conns {
		_ = c.transport.Close()
		delete(h.conns, ip)
	}
}
