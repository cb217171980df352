package transport

import (
	"sync"
)

// MemorySocket is an in-process NonBlockingSocket. Pairs of memory
// sockets deliver datagrams to each other directly, with an optional
// drop filter to simulate loss. Used by tests and by setups that run
// multiple sessions in one process.
type MemorySocket struct {
	localAddr string

	mu    sync.Mutex
	peers map[string]*MemorySocket
	inbox inbox

	// dropFilter, when set, is consulted for every outgoing datagram;
	// returning true drops it before delivery.
	dropFilter func(data []byte, addr string) bool
}

// NewMemorySocket creates an unconnected memory socket. Link it into a
// mesh with Connect.
func NewMemorySocket(addr string) *MemorySocket {
	return &MemorySocket{localAddr: addr, peers: make(map[string]*MemorySocket)}
}

// NewMemoryPair creates two connected memory sockets with the given
// address labels.
func NewMemoryPair(addrA, addrB string) (*MemorySocket, *MemorySocket) {
	a := &MemorySocket{localAddr: addrA, peers: make(map[string]*MemorySocket)}
	b := &MemorySocket{localAddr: addrB, peers: make(map[string]*MemorySocket)}
	a.peers[addrB] = b
	b.peers[addrA] = a
	return a, b
}

// Connect links another memory socket as a reachable peer, enabling
// meshes of more than two sockets.
func (s *MemorySocket) Connect(peer *MemorySocket) {
	s.mu.Lock()
	s.peers[peer.localAddr] = peer
	s.mu.Unlock()

	peer.mu.Lock()
	peer.peers[s.localAddr] = s
	peer.mu.Unlock()
}

// SetDropFilter installs a loss-simulation filter for outgoing
// datagrams.
func (s *MemorySocket) SetDropFilter(filter func(data []byte, addr string) bool) {
	s.mu.Lock()
	s.dropFilter = filter
	s.mu.Unlock()
}

// SendTo delivers one datagram to the named peer's inbox, subject to
// the drop filter.
func (s *MemorySocket) SendTo(data []byte, addr string) error {
	s.mu.Lock()
	peer, ok := s.peers[addr]
	filter := s.dropFilter
	s.mu.Unlock()
	if !ok {
		// Unknown peers swallow the datagram, like an unreachable host.
		return nil
	}
	if filter != nil && filter(data, addr) {
		return nil
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	peer.mu.Lock()
	peer.inbox.push(Datagram{Addr: s.localAddr, Data: owned})
	peer.mu.Unlock()
	return nil
}

// ReceiveAll drains the inbox.
func (s *MemorySocket) ReceiveAll() []Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbox.drain()
}

// LocalAddr returns the label this socket was created with.
func (s *MemorySocket) LocalAddr() string {
	return s.localAddr
}

// Close is a no-op for memory sockets.
func (s *MemorySocket) Close() error {
	return nil
}
