package wsengine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PeerConnection is the per-peer state kept by the server. Everything below
// mu belongs to the peer's own flow of control.
type PeerConnection struct {
	ID   uuid.UUID
	Addr PeerAddr

	mu          sync.Mutex
	state       stateMachine
	buffer      []byte
	reassembler *Reassembler
	keepalive   *KeepAlive
	tls         *RecordLayer
	opcode      Opcode // type of the last data message received, used for replies
	created     time.Time

	writeMu sync.Mutex

	// guarded by the registry lock
	lastActivity time.Time
	pinging      bool
}

func newPeerConnection(addr PeerAddr, tlsEnabled bool, now time.Time) *PeerConnection {
	return &PeerConnection{
		ID:           uuid.New(),
		Addr:         addr,
		state:        newPeerStateMachine(tlsEnabled),
		reassembler:  NewReassembler(0),
		created:      now,
		lastActivity: now,
	}
}

// State returns the peer's connection state
func (p *PeerConnection) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.current()
}

// PeerInfo is a read-only snapshot of a registry entry
type PeerInfo struct {
	ID           uuid.UUID
	Addr         PeerAddr
	State        ConnectionState
	Created      time.Time
	LastActivity time.Time
}

// Registry maps peer IP to PeerConnection. One lock guards the map and the
// activity timestamps so inbound events for different peers can land
// concurrently.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*PeerConnection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*PeerConnection)}
}

// Upsert stores p under its IP and returns the entry it replaced, if any
func (r *Registry) Upsert(p *PeerConnection) *PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.peers[p.Addr.IP]
	r.peers[p.Addr.IP] = p
	return old
}

// Remove deletes the entry for ip and reports whether one existed
func (r *Registry) Remove(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[ip]
	delete(r.peers, ip)
	return ok
}

// removeIf deletes the entry for ip only if it is still p
func (r *Registry) removeIf(p *PeerConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p.Addr.IP] != p {
		return false
	}
	delete(r.peers, p.Addr.IP)
	return true
}

// Lookup returns the entry for ip
func (r *Registry) Lookup(ip string) (*PeerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[ip]
	return p, ok
}

// Len returns the number of registered peers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Touch records activity for p
func (r *Registry) Touch(p *PeerConnection, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !p.pinging {
		p.lastActivity = now
	}
}

// NextTimeout returns the peer whose lastActivity+offset comes soonest and
// that deadline. Peers with a zero lastActivity are exempt. It returns nil
// when no peer qualifies.
func (r *Registry) NextTimeout(offset time.Duration) (*PeerConnection, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *PeerConnection
	var deadline time.Time
	for _, p := range r.peers {
		if p.lastActivity.IsZero() {
			continue
		}
		d := p.lastActivity.Add(offset)
		if found == nil || d.Before(deadline) {
			found = p
			deadline = d
		}
	}
	return found, deadline
}

// Due returns every non-exempt peer idle for at least offset at now
func (r *Registry) Due(offset time.Duration, now time.Time) []*PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*PeerConnection
	for _, p := range r.peers {
		if p.lastActivity.IsZero() {
			continue
		}
		if !now.Before(p.lastActivity.Add(offset)) {
			due = append(due, p)
		}
	}
	return due
}

// beginPing marks p exempt from timeout scans while a keepalive ping is in
// flight. It returns false if a ping is already running.
func (r *Registry) beginPing(p *PeerConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.pinging {
		return false
	}
	p.pinging = true
	p.lastActivity = time.Time{}
	return true
}

func (r *Registry) endPing(p *PeerConnection, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.pinging = false
	p.lastActivity = now
}

// Peers returns a snapshot of all entries
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	list := make([]*PeerConnection, 0, len(r.peers))
	activity := make([]time.Time, 0, len(r.peers))
	for _, p := range r.peers {
		list = append(list, p)
		activity = append(activity, p.lastActivity)
	}
	r.mu.RUnlock()

	infos := make([]PeerInfo, len(list))
	for i, p := range list {
		infos[i] = PeerInfo{ID: p.ID, Addr: p.Addr, State: p.State(), Created: p.created, LastActivity: activity[i]}
	}
	return infos
}

// Clear removes all entries and returns them
func (r *Registry) Clear() []*PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*PeerConnection, 0, len(r.peers))
	for ip, p := range r.peers {
		list = append(list, p)
		delete(r.peers, ip)
	}
	return list
}
