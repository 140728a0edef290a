package wsengine

import (
	"errors"
	"fmt"
)

// ConnectionState is the lifecycle state of one connection
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateInit
	StateHandshakeSent
	StateHandshakeReceived
	StateConnected
	StateTLSHandshaking
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateInit:
		return "init"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateHandshakeReceived:
		return "handshake-received"
	case StateConnected:
		return "connected"
	case StateTLSHandshaking:
		return "tls-handshaking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrIllegalTransition is returned for a transition outside the role's table
var ErrIllegalTransition = errors.New("websocket: illegal state transition")

// Client connections may always fall back to StateUnknown; these are the
// forward edges.
var clientTransitions = map[ConnectionState][]ConnectionState{
	StateUnknown:           {StateInit, StateTLSHandshaking},
	StateTLSHandshaking:    {StateInit},
	StateInit:              {StateHandshakeSent},
	StateHandshakeSent:     {StateHandshakeReceived},
	StateHandshakeReceived: {StateConnected},
	StateConnected:         {StateInit},
}

// Server peers have no unknown state: removal from the registry is terminal.
var serverTransitions = map[ConnectionState][]ConnectionState{
	StateTLSHandshaking:    {StateHandshakeReceived},
	StateHandshakeReceived: {StateConnected},
}

// stateMachine owns a ConnectionState; transition is the only way to change it
type stateMachine struct {
	role  Role
	state ConnectionState
}

func newClientStateMachine() stateMachine {
	return stateMachine{role: RoleClient, state: StateUnknown}
}

// newPeerStateMachine starts a server peer in HandshakeReceived, or in
// TLSHandshaking when the peer speaks TLS
func newPeerStateMachine(tls bool) stateMachine {
	if tls {
		return stateMachine{role: RoleServer, state: StateTLSHandshaking}
	}
	return stateMachine{role: RoleServer, state: StateHandshakeReceived}
}

func (m *stateMachine) current() ConnectionState {
	return m.state
}

func (m *stateMachine) is(s ConnectionState) bool {
	return m.state == s
}

// transition moves to next if the role's table allows it
func (m *stateMachine) transition(next ConnectionState) error {
	if m.role == RoleClient && next == StateUnknown {
		m.state = next
		return nil
	}
	table := clientTransitions
	if m.role == RoleServer {
		table = serverTransitions
	}
	for _, allowed := range table[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, m.state, next, m.role)
}

// reset returns a client connection to its pre-connection state
func (m *stateMachine) reset() {
	if m.role == RoleClient {
		m.state = StateUnknown
	}
}
