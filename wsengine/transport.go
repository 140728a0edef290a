package wsengine

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrTransportUnavailable means there is no active transport to send on
var ErrTransportUnavailable = errors.New("websocket: transport not active")

// Transport is the byte stream underneath a client connection. Send may be
// called with any chunking; the transport delivers inbound bytes by calling
// the owner's OnReceive, with no alignment to frames or records.
type Transport interface {
	Send(p []byte) error
	Active() bool
}

// Receiver consumes inbound bytes of a single connection
type Receiver interface {
	OnReceive(p []byte)
}

// PeerTransport is the server-side transport serving many peers
type PeerTransport interface {
	SendTo(addr PeerAddr, p []byte) error
	Active() bool
}

// PeerAddr identifies a remote peer. IP is the registry key; Port is kept
// because reconnecting peers show up on a new port.
type PeerAddr struct {
	IP   string
	Port int
}

func (a PeerAddr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// ParsePeerAddr parses "ip:port"
func ParsePeerAddr(s string) (PeerAddr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("invalid peer port %q: %w", port, err)
	}
	return PeerAddr{IP: host, Port: p}, nil
}

// PeerAddrFromNet converts a net.Addr, falling back to the raw string as IP
func PeerAddrFromNet(addr net.Addr) PeerAddr {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return PeerAddr{IP: tcp.IP.String(), Port: tcp.Port}
	}
	if pa, err := ParsePeerAddr(addr.String()); err == nil {
		return pa
	}
	return PeerAddr{IP: addr.String()}
}

// peerSender binds a PeerTransport to one address
type peerSender struct {
	transport PeerTransport
	addr      PeerAddr
}

func (s peerSender) Send(p []byte) error {
	return s.transport.SendTo(s.addr, p)
}

func (s peerSender) Active() bool {
	return s.transport.Active()
}

// ReceiverFunc adapts a function to Receiver
type ReceiverFunc func(p []byte)

func (f ReceiverFunc) OnReceive(p []byte) {
	f(p)
}

// PeerDisconnector is implemented by peer transports that can drop a single
// peer connection. The server uses it after evicting a peer.
type PeerDisconnector interface {
	Disconnect(addr PeerAddr)
}
